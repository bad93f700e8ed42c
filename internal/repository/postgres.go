package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"crossspread-arb-engine/internal/apperr"
	"crossspread-arb-engine/internal/domain"
)

// PoolConfig holds plain DSN fields rather than a pre-built connection
// string, so callers can source them from env vars without
// string-building.
type PoolConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

func (c PoolConfig) dsn() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Postgres is the pgx-backed Repository implementation: one pooled
// connection, narrow per-entity accessor methods.
type Postgres struct {
	pool *pgxpool.Pool
}

// Open creates a connection pool and verifies connectivity: bounded
// pool sizing plus an eager ping so misconfiguration fails at
// startup, not on the first query.
func Open(ctx context.Context, cfg PoolConfig) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.dsn())
	if err != nil {
		return nil, fmt.Errorf("repository: parse config: %w", err)
	}
	poolCfg.MaxConns = 25
	poolCfg.MinConns = 5
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute
	poolCfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("repository: create pool: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the underlying pool.
func (p *Postgres) Close() { p.pool.Close() }

func (p *Postgres) Positions() Positions                           { return positionsRepo{p.pool} }
func (p *Postgres) Trades() Trades                                 { return tradesRepo{p.pool} }
func (p *Postgres) APIKeys() APIKeys                               { return apiKeysRepo{p.pool} }
func (p *Postgres) ArbitrageOpportunities() ArbitrageOpportunities { return opportunitiesRepo{p.pool} }
func (p *Postgres) OpportunityHistories() OpportunityHistories     { return historiesRepo{p.pool} }
func (p *Postgres) NotificationWebhooks() NotificationWebhooks     { return webhooksRepo{p.pool} }
func (p *Postgres) TradingSettings() TradingSettingsRepo           { return settingsRepo{p.pool} }
func (p *Postgres) AuditLog() AuditLog                             { return auditRepo{p.pool} }

type positionsRepo struct{ pool *pgxpool.Pool }

func (r positionsRepo) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, user_id, symbol, long_leg, short_leg, conditional_order_status,
		       status, exit_suggested, exit_reason, exit_at, cumulative_funding_pnl,
		       opened_at, closed_at
		FROM positions WHERE id = $1`, id)
	return scanPosition(row)
}

func (r positionsRepo) FindByUserID(ctx context.Context, userID string) ([]domain.Position, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, symbol, long_leg, short_leg, conditional_order_status,
		       status, exit_suggested, exit_reason, exit_at, cumulative_funding_pnl,
		       opened_at, closed_at
		FROM positions WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: find positions by user: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r positionsRepo) FindOpenBySymbol(ctx context.Context, symbol string) ([]domain.Position, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, symbol, long_leg, short_leg, conditional_order_status,
		       status, exit_suggested, exit_reason, exit_at, cumulative_funding_pnl,
		       opened_at, closed_at
		FROM positions WHERE symbol = $1 AND status = 'OPEN'`, symbol)
	if err != nil {
		return nil, fmt.Errorf("repository: find open positions by symbol: %w", err)
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (r positionsRepo) Update(ctx context.Context, id string, patch PositionPatch) error {
	var current domain.PositionStatus
	err := r.pool.QueryRow(ctx, `SELECT status FROM positions WHERE id = $1`, id).Scan(&current)
	if err != nil {
		return fmt.Errorf("repository: lookup position status: %w", err)
	}
	if current == domain.PositionClosed || current == domain.PositionFailed {
		return apperr.NewConflict(fmt.Errorf("repository: position %s is terminal (%s)", id, current))
	}

	longJSON, shortJSON, err := marshalLegs(patch.Long, patch.Short)
	if err != nil {
		return err
	}

	_, err = r.pool.Exec(ctx, `
		UPDATE positions SET
			status = COALESCE($2, status),
			conditional_order_status = COALESCE($3, conditional_order_status),
			exit_suggested = COALESCE($4, exit_suggested),
			exit_reason = COALESCE($5, exit_reason),
			exit_at = COALESCE($6, exit_at),
			cumulative_funding_pnl = COALESCE($7, cumulative_funding_pnl),
			long_leg = COALESCE($8, long_leg),
			short_leg = COALESCE($9, short_leg),
			closed_at = COALESCE($10, closed_at)
		WHERE id = $1`,
		id, patch.Status, patch.ConditionalOrderStatus, patch.ExitSuggested, patch.ExitReason,
		patch.ExitAt, patch.CumulativeFundingPnL, longJSON, shortJSON, patch.ClosedAt)
	if err != nil {
		return fmt.Errorf("repository: update position %s: %w", id, err)
	}
	return nil
}

func marshalLegs(long, short *domain.Leg) ([]byte, []byte, error) {
	var longJSON, shortJSON []byte
	var err error
	if long != nil {
		if longJSON, err = json.Marshal(long); err != nil {
			return nil, nil, fmt.Errorf("repository: marshal long leg: %w", err)
		}
	}
	if short != nil {
		if shortJSON, err = json.Marshal(short); err != nil {
			return nil, nil, fmt.Errorf("repository: marshal short leg: %w", err)
		}
	}
	return longJSON, shortJSON, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPosition(row scanner) (*domain.Position, error) {
	var p domain.Position
	var longRaw, shortRaw []byte
	var closedAt *time.Time
	err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &longRaw, &shortRaw,
		&p.ConditionalOrderStatus, &p.Status, &p.ExitSuggested, &p.ExitReason,
		&p.ExitAt, &p.CumulativeFundingPnL, &p.OpenedAt, &closedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository: scan position: %w", err)
	}
	if closedAt != nil {
		p.ClosedAt = *closedAt
	}
	if err := json.Unmarshal(longRaw, &p.Long); err != nil {
		return nil, fmt.Errorf("repository: unmarshal long leg: %w", err)
	}
	if err := json.Unmarshal(shortRaw, &p.Short); err != nil {
		return nil, fmt.Errorf("repository: unmarshal short leg: %w", err)
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

type tradesRepo struct{ pool *pgxpool.Pool }

func (r tradesRepo) Create(ctx context.Context, t domain.Trade) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO trades (id, position_id, user_id, symbol, long_exit_price, short_exit_price,
			price_diff_pnl, funding_rate_pnl, total_fees, total_pnl, roi_percent,
			holding_duration_seconds, close_reason, opened_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
		t.ID, t.PositionID, t.UserID, t.Symbol, t.LongExitPrice, t.ShortExitPrice,
		t.PriceDiffPnL, t.FundingRatePnL, t.TotalFees, t.TotalPnL, t.ROIPercent,
		int64(t.HoldingDuration.Seconds()), t.CloseReason, t.OpenedAt, t.ClosedAt)
	if err != nil {
		return fmt.Errorf("repository: create trade: %w", err)
	}
	return nil
}

type apiKeysRepo struct{ pool *pgxpool.Pool }

func (r apiKeysRepo) FindByUser(ctx context.Context, userID string, venues []string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT venue FROM api_keys WHERE user_id = $1 AND venue = ANY($2)`, userID, venues)
	if err != nil {
		return nil, fmt.Errorf("repository: find api keys: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("repository: scan api key venue: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

type opportunitiesRepo struct{ pool *pgxpool.Pool }

func (r opportunitiesRepo) FindActiveBy(ctx context.Context, symbol, longVenue, shortVenue string) (*domain.ArbitrageOpportunity, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, symbol, long_venue, short_venue, state, initial_difference,
		       current_difference, max_difference, max_difference_at, notification_count,
		       created_at, updated_at, closed_at
		FROM arbitrage_opportunities
		WHERE symbol = $1 AND long_venue = $2 AND short_venue = $3 AND state = 'ACTIVE'`,
		symbol, longVenue, shortVenue)
	return scanOpportunity(row)
}

func scanOpportunity(row scanner) (*domain.ArbitrageOpportunity, error) {
	var o domain.ArbitrageOpportunity
	var closedAt *time.Time
	err := row.Scan(&o.ID, &o.Symbol, &o.LongVenue, &o.ShortVenue, &o.State,
		&o.InitialDifference, &o.CurrentDifference, &o.MaxDifference, &o.MaxDifferenceAt,
		&o.NotificationCount, &o.CreatedAt, &o.UpdatedAt, &closedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository: scan opportunity: %w", err)
	}
	if closedAt != nil {
		o.ClosedAt = *closedAt
	}
	return &o, nil
}

func (r opportunitiesRepo) Create(ctx context.Context, o domain.ArbitrageOpportunity) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO arbitrage_opportunities (id, symbol, long_venue, short_venue, state,
			initial_difference, current_difference, max_difference, max_difference_at,
			notification_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		o.ID, o.Symbol, o.LongVenue, o.ShortVenue, o.State, o.InitialDifference,
		o.CurrentDifference, o.MaxDifference, o.MaxDifferenceAt, o.NotificationCount,
		o.CreatedAt, o.UpdatedAt)
	if err != nil {
		return fmt.Errorf("repository: create opportunity: %w", err)
	}
	return nil
}

func (r opportunitiesRepo) Update(ctx context.Context, o domain.ArbitrageOpportunity) error {
	var closedAt *time.Time
	if !o.ClosedAt.IsZero() {
		closedAt = &o.ClosedAt
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE arbitrage_opportunities SET
			state = $2, current_difference = $3, max_difference = $4, max_difference_at = $5,
			notification_count = $6, updated_at = $7, closed_at = $8
		WHERE id = $1`,
		o.ID, o.State, o.CurrentDifference, o.MaxDifference, o.MaxDifferenceAt,
		o.NotificationCount, o.UpdatedAt, closedAt)
	if err != nil {
		return fmt.Errorf("repository: update opportunity: %w", err)
	}
	return nil
}

func (r opportunitiesRepo) FindAllActive(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, symbol, long_venue, short_venue, state, initial_difference,
		       current_difference, max_difference, max_difference_at, notification_count,
		       created_at, updated_at, closed_at
		FROM arbitrage_opportunities WHERE state = 'ACTIVE' ORDER BY created_at LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("repository: find active opportunities: %w", err)
	}
	defer rows.Close()
	var out []domain.ArbitrageOpportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

type historiesRepo struct{ pool *pgxpool.Pool }

func (r historiesRepo) Create(ctx context.Context, h domain.OpportunityHistory) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO opportunity_histories (opportunity_id, symbol, long_venue, short_venue,
			initial_difference, max_difference, average_difference, duration_seconds,
			total_notifications, disappearance_reason, created_at, closed_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		h.OpportunityID, h.Symbol, h.LongVenue, h.ShortVenue, h.InitialDifference,
		h.MaxDifference, h.AverageDifference, int64(h.Duration.Seconds()),
		h.TotalNotifications, h.DisappearanceReason, h.CreatedAt, h.ClosedAt)
	if err != nil {
		return fmt.Errorf("repository: create opportunity history: %w", err)
	}
	return nil
}

type webhooksRepo struct{ pool *pgxpool.Pool }

func (r webhooksRepo) FindEnabledByUserID(ctx context.Context, userID string) ([]domain.NotificationWebhook, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, platform, url, enabled, min_rate_threshold, allowed_minutes
		FROM notification_webhooks WHERE user_id = $1 AND enabled = true`, userID)
	if err != nil {
		return nil, fmt.Errorf("repository: find webhooks: %w", err)
	}
	defer rows.Close()
	var out []domain.NotificationWebhook
	for rows.Next() {
		var w domain.NotificationWebhook
		var minutesRaw []byte
		if err := rows.Scan(&w.ID, &w.UserID, &w.Platform, &w.URL, &w.Enabled,
			&w.MinRateThreshold, &minutesRaw); err != nil {
			return nil, fmt.Errorf("repository: scan webhook: %w", err)
		}
		if len(minutesRaw) > 0 {
			if err := json.Unmarshal(minutesRaw, &w.AllowedMinutes); err != nil {
				return nil, fmt.Errorf("repository: unmarshal allowed minutes: %w", err)
			}
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

type settingsRepo struct{ pool *pgxpool.Pool }

func (r settingsRepo) FindByUserID(ctx context.Context, userID string) (*domain.TradingSettings, error) {
	var s domain.TradingSettings
	s.UserID = userID
	err := r.pool.QueryRow(ctx, `
		SELECT exit_suggestions_enabled, exit_apy_threshold, auto_close_enabled, updated_at
		FROM trading_settings WHERE user_id = $1`, userID).
		Scan(&s.ExitSuggestionsEnabled, &s.ExitAPYThreshold, &s.AutoCloseEnabled, &s.UpdatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository: find trading settings: %w", err)
	}
	return &s, nil
}

type auditRepo struct{ pool *pgxpool.Pool }

func (r auditRepo) Record(ctx context.Context, e domain.AuditEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (user_id, action, purpose, venue, at, detail)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		e.UserID, e.Action, e.Purpose, e.Venue, e.At, e.Detail)
	if err != nil {
		return fmt.Errorf("repository: record audit event: %w", err)
	}
	return nil
}
