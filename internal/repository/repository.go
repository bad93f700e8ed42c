// Package repository defines the persistence contract the core
// consumes and a PostgreSQL-backed implementation: one *pgxpool.Pool
// wrapped by narrow, entity-scoped method sets rather than a single
// god interface, with a context-first, fmt.Errorf("...: %w", err)
// wrapping style throughout.
//
// Any conforming store may implement these interfaces; the core only
// depends on them, never on *Postgres directly.
package repository

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/domain"
)

// Positions is the positions.* slice of the repository contract.
type Positions interface {
	FindByID(ctx context.Context, id string) (*domain.Position, error)
	FindByUserID(ctx context.Context, userID string) ([]domain.Position, error)
	FindOpenBySymbol(ctx context.Context, symbol string) ([]domain.Position, error)
	// Update applies patch fields to the position identified by id.
	// Implementations must reject the call with apperr.Conflict if the
	// stored position is already in a terminal state (CLOSED/FAILED).
	Update(ctx context.Context, id string, patch PositionPatch) error
}

// PositionPatch carries a sparse set of field updates for
// Positions.Update; nil pointers mean "leave unchanged".
type PositionPatch struct {
	Status                 *domain.PositionStatus
	ConditionalOrderStatus *domain.ConditionalOrderStatus
	ExitSuggested          *bool
	ExitReason             *domain.ExitSuggestionReason
	ExitAt                 *time.Time
	CumulativeFundingPnL   *decimal.Decimal
	Long                   *domain.Leg
	Short                  *domain.Leg
	ClosedAt               *time.Time
}

// Trades is the trades.* slice of the repository contract.
type Trades interface {
	Create(ctx context.Context, t domain.Trade) error
}

// APIKeys is the apiKeys.* slice of the repository contract.
type APIKeys interface {
	// FindByUser returns the set of configured venues for userID,
	// restricted to venues. The keystore, not this interface, returns
	// decrypted secrets; this only reports which venues have
	// credentials configured.
	FindByUser(ctx context.Context, userID string, venues []string) ([]string, error)
}

// ArbitrageOpportunities is the arbitrageOpportunities.* slice.
type ArbitrageOpportunities interface {
	FindActiveBy(ctx context.Context, symbol, longVenue, shortVenue string) (*domain.ArbitrageOpportunity, error)
	Create(ctx context.Context, o domain.ArbitrageOpportunity) error
	Update(ctx context.Context, o domain.ArbitrageOpportunity) error
	FindAllActive(ctx context.Context, limit int) ([]domain.ArbitrageOpportunity, error)
}

// OpportunityHistories is the opportunityHistories.* slice.
type OpportunityHistories interface {
	Create(ctx context.Context, h domain.OpportunityHistory) error
}

// NotificationWebhooks is the notificationWebhooks.* slice.
type NotificationWebhooks interface {
	FindEnabledByUserID(ctx context.Context, userID string) ([]domain.NotificationWebhook, error)
}

// TradingSettingsRepo is the tradingSettings.* slice.
type TradingSettingsRepo interface {
	FindByUserID(ctx context.Context, userID string) (*domain.TradingSettings, error)
}

// AuditLog is the auditLog.* slice.
type AuditLog interface {
	Record(ctx context.Context, e domain.AuditEvent) error
}

// Repository is the full persistence contract consumed by the core.
type Repository interface {
	Positions() Positions
	Trades() Trades
	APIKeys() APIKeys
	ArbitrageOpportunities() ArbitrageOpportunities
	OpportunityHistories() OpportunityHistories
	NotificationWebhooks() NotificationWebhooks
	TradingSettings() TradingSettingsRepo
	AuditLog() AuditLog
}
