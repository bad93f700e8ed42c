// Package exitmonitor implements the Position Exit Monitor (§4.7):
// for each OPEN position whose symbol just advanced, it weighs
// current funding PnL against price-diff loss and the position's own
// venue-pair APY, debounces, and emits exitSuggested/exitCanceled.
//
// No market-data pipeline tracks user positions on its own, so this
// package keeps its per-position debounce timestamps in one
// mutex-guarded map, uses the same repository-patch idiom as
// internal/closer, and the same keystore-mediated,
// zero-after-use credential handling used throughout.
package exitmonitor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/keystore"
	"crossspread-arb-engine/internal/metrics"
	"crossspread-arb-engine/internal/ratemath"
	"crossspread-arb-engine/internal/repository"
)

// Monitor is the Position Exit Monitor.
type Monitor struct {
	bus       *events.Bus
	repo      repository.Positions
	settings  repository.TradingSettingsRepo
	keystore  *keystore.Keystore
	adapters  map[string]adapter.Adapter
	debounce  time.Duration
	log       zerolog.Logger

	mu            sync.Mutex
	lastSuggestAt map[string]time.Time // positionID -> last suggestion time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Monitor. debounce defaults to 60s (§6
// exitSuggestionDebounceMs) if zero.
func New(bus *events.Bus, repo repository.Positions, settings repository.TradingSettingsRepo,
	ks *keystore.Keystore, adapters map[string]adapter.Adapter, debounce time.Duration, logger zerolog.Logger) *Monitor {
	if debounce <= 0 {
		debounce = 60 * time.Second
	}
	return &Monitor{
		bus: bus, repo: repo, settings: settings, keystore: ks, adapters: adapters,
		debounce: debounce, log: logger,
		lastSuggestAt: make(map[string]time.Time),
		stopCh:        make(chan struct{}),
	}
}

// Start subscribes to rate-updated and evaluates open positions for
// that symbol until Stop is called or ctx is canceled.
func (m *Monitor) Start(ctx context.Context) {
	ch, _ := m.bus.Subscribe(events.TopicRateUpdated)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				snap, ok := payload.(*domain.RateSnapshot)
				if !ok {
					continue
				}
				m.evaluateSymbol(ctx, snap)
			}
		}
	}()
}

// Stop halts the evaluation goroutine.
func (m *Monitor) Stop() {
	close(m.stopCh)
	m.wg.Wait()
}

func (m *Monitor) evaluateSymbol(ctx context.Context, snap *domain.RateSnapshot) {
	positions, err := m.repo.FindOpenBySymbol(ctx, snap.Symbol)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", snap.Symbol).Msg("exitmonitor: failed to load open positions")
		return
	}
	for _, pos := range positions {
		m.evaluatePosition(ctx, pos, snap)
	}
}

func (m *Monitor) evaluatePosition(ctx context.Context, pos domain.Position, snap *domain.RateSnapshot) {
	settings, err := m.settings.FindByUserID(ctx, pos.UserID)
	if err != nil {
		m.log.Warn().Err(err).Str("positionId", pos.ID).Msg("exitmonitor: failed to load trading settings")
		return
	}
	if settings == nil || !settings.ExitSuggestionsEnabled {
		return
	}

	longRate, longOK := snap.Rates[pos.Long.Venue]
	shortRate, shortOK := snap.Rates[pos.Short.Venue]
	if !longOK || !shortOK {
		return
	}

	diff := shortRate.Rate.Sub(longRate.Rate)
	annualized, err := ratemath.Annualize(diff, domain.DefaultFundingIntervalHours)
	if err != nil {
		return
	}
	currentAPY := annualized.Mul(decimal.NewFromInt(100))

	fundingPnL := m.fundingPnL(ctx, pos)
	priceDiffLoss := m.priceDiffLoss(pos, longRate.MarkPrice, shortRate.MarkPrice)

	shouldSuggest, reason := evaluate(currentAPY, settings.ExitAPYThreshold, fundingPnL, priceDiffLoss)

	m.mu.Lock()
	last := m.lastSuggestAt[pos.ID]
	m.mu.Unlock()

	now := time.Now()
	if shouldSuggest {
		if pos.ExitSuggested && pos.ExitReason == reason {
			return // already suggested for this reason; nothing changed
		}
		if !last.IsZero() && now.Sub(last) < m.debounce {
			return
		}
		m.suggest(ctx, pos, reason, now)
		return
	}

	if pos.ExitSuggested {
		m.cancelSuggestion(ctx, pos)
	}
}

// evaluate implements shouldSuggestClose (§4.7 step 4): condition A
// (APY negative) always wins over condition B (profit lockable).
func evaluate(currentAPY, threshold, fundingPnL, priceDiffLoss decimal.Decimal) (bool, domain.ExitSuggestionReason) {
	if currentAPY.IsNegative() {
		return true, domain.ReasonAPYNegative
	}
	if currentAPY.LessThan(threshold) && fundingPnL.GreaterThan(priceDiffLoss) {
		return true, domain.ReasonProfitLockable
	}
	return false, ""
}

func (m *Monitor) priceDiffLoss(pos domain.Position, longMark, shortMark decimal.Decimal) decimal.Decimal {
	longLoss := pos.Long.EntryPrice.Sub(longMark).Mul(pos.Long.Size)
	shortLoss := shortMark.Sub(pos.Short.EntryPrice).Mul(pos.Short.Size)
	total := longLoss.Add(shortLoss)
	if total.IsNegative() {
		return decimal.Zero
	}
	return total
}

func (m *Monitor) fundingPnL(ctx context.Context, pos domain.Position) decimal.Decimal {
	longAdapter, hasLong := m.adapters[pos.Long.Venue]
	shortAdapter, hasShort := m.adapters[pos.Short.Venue]
	if !hasLong || !hasShort || m.keystore == nil {
		return pos.CumulativeFundingPnL
	}

	longCred, err := m.keystore.Get(ctx, pos.UserID, pos.Long.Venue, "funding-pnl")
	if err != nil {
		return pos.CumulativeFundingPnL
	}
	defer longCred.Zero()
	shortCred, err := m.keystore.Get(ctx, pos.UserID, pos.Short.Venue, "funding-pnl")
	if err != nil {
		return pos.CumulativeFundingPnL
	}
	defer shortCred.Zero()

	until := time.Now()
	longPayments, err := longAdapter.GetFundingPayments(ctx, pos.Symbol, pos.OpenedAt, until)
	if err != nil {
		return pos.CumulativeFundingPnL
	}
	shortPayments, err := shortAdapter.GetFundingPayments(ctx, pos.Symbol, pos.OpenedAt, until)
	if err != nil {
		return pos.CumulativeFundingPnL
	}

	sum := decimal.Zero
	for _, p := range longPayments {
		sum = sum.Add(p.Amount)
	}
	for _, p := range shortPayments {
		sum = sum.Add(p.Amount)
	}
	return sum
}

func (m *Monitor) suggest(ctx context.Context, pos domain.Position, reason domain.ExitSuggestionReason, at time.Time) {
	suggested := true
	if err := m.repo.Update(ctx, pos.ID, repository.PositionPatch{
		ExitSuggested: &suggested,
		ExitReason:    &reason,
		ExitAt:        &at,
	}); err != nil {
		m.log.Warn().Err(err).Str("positionId", pos.ID).Msg("exitmonitor: failed to persist suggestion")
		return
	}
	m.mu.Lock()
	m.lastSuggestAt[pos.ID] = at
	m.mu.Unlock()

	metrics.RecordExitSuggestion(string(reason))
	m.log.Info().Str("positionId", pos.ID).Str("reason", string(reason)).Msg("exit suggested")
	pos.MarkSuggested(reason, at)
	m.bus.Publish(events.TopicExitSuggested, pos)
}

func (m *Monitor) cancelSuggestion(ctx context.Context, pos domain.Position) {
	suggested := false
	var zeroReason domain.ExitSuggestionReason
	var zeroTime time.Time
	if err := m.repo.Update(ctx, pos.ID, repository.PositionPatch{
		ExitSuggested: &suggested,
		ExitReason:    &zeroReason,
		ExitAt:        &zeroTime,
	}); err != nil {
		m.log.Warn().Err(err).Str("positionId", pos.ID).Msg("exitmonitor: failed to persist cancellation")
		return
	}
	m.mu.Lock()
	delete(m.lastSuggestAt, pos.ID)
	m.mu.Unlock()

	metrics.ExitCancellations.Inc()
	m.log.Info().Str("positionId", pos.ID).Msg("exit suggestion canceled")
	pos.ClearSuggestion()
	m.bus.Publish(events.TopicExitCanceled, pos)
}
