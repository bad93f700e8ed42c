// Package closer implements the Position Closer (§4.9): closing one
// or both legs of a hedged position, computing the terminal PnL
// breakdown, and writing the resulting domain.Trade.
//
// The concurrency shape (one mutex guarding a set of in-flight
// position IDs, reject re-entrant close attempts) follows the same guarded-map idiom
// internal/datasource.Manager uses to serialize recovery attempts per
// (venue, dataType), applied here to positions instead.
package closer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/apperr"
	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/keystore"
	"crossspread-arb-engine/internal/metrics"
	"crossspread-arb-engine/internal/repository"
)

// Outcome classifies how a both-legs close attempt finished.
type Outcome string

const (
	OutcomeClosed  Outcome = "closed"
	OutcomePartial Outcome = "partial"
	OutcomeFailed  Outcome = "failed"
)

// Closer closes hedge positions and records the resulting trade.
type Closer struct {
	bus       *events.Bus
	positions repository.Positions
	trades    repository.Trades
	adapters  map[string]adapter.Adapter
	keystore  *keystore.Keystore
	timeout   time.Duration
	log       zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]bool // positionID -> close attempt in progress
}

// New constructs a Closer. timeout defaults to 10s (§6
// closeAttemptTimeoutMs) if zero.
func New(bus *events.Bus, positions repository.Positions, trades repository.Trades,
	adapters map[string]adapter.Adapter, ks *keystore.Keystore, timeout time.Duration, logger zerolog.Logger) *Closer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Closer{
		bus: bus, positions: positions, trades: trades, adapters: adapters, keystore: ks,
		timeout: timeout, log: logger, inFlight: make(map[string]bool),
	}
}

func (c *Closer) claim(positionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.inFlight[positionID] {
		return false
	}
	c.inFlight[positionID] = true
	return true
}

func (c *Closer) release(positionID string) {
	c.mu.Lock()
	delete(c.inFlight, positionID)
	c.mu.Unlock()
}

// CloseSingleSide closes one leg of pos via a reduce-only market
// order, patches the leg's close fields, and — if this was the
// second leg to close — finalizes the position and writes the Trade.
// Rejects re-entrant attempts on the same position with apperr.Conflict.
func (c *Closer) CloseSingleSide(ctx context.Context, pos domain.Position, side domain.Side, reason domain.CloseReason) error {
	if !c.claim(pos.ID) {
		return apperr.NewConflict(fmt.Errorf("closer: close already in progress for position %s", pos.ID))
	}
	defer c.release(pos.ID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	leg, err := c.closeLeg(ctx, &pos, side)
	if err != nil {
		c.bus.Publish(events.TopicCloseFailed, CloseResult{PositionID: pos.ID, Side: side, Err: err.Error()})
		return err
	}
	*pos.LegFor(side) = leg

	other := pos.OppositeLeg(side)
	if other.Closed {
		return c.finalize(ctx, pos, reason)
	}

	patch := legPatch(side, leg)
	if err := c.positions.Update(ctx, pos.ID, patch); err != nil {
		c.log.Warn().Err(err).Str("positionId", pos.ID).Msg("closer: failed to persist single-leg close")
	}
	c.bus.Publish(events.TopicCloseProgress, CloseResult{PositionID: pos.ID, Side: side})
	return nil
}

// CloseBoth closes both legs of pos concurrently. Three outcomes are
// possible: both legs close (CLOSED, Trade written), exactly one
// closes (PARTIAL, the position is left open on the surviving leg and
// requires manual intervention), or both fail (FAILED, no Trade).
func (c *Closer) CloseBoth(ctx context.Context, pos domain.Position, reason domain.CloseReason) (Outcome, error) {
	if !c.claim(pos.ID) {
		return "", apperr.NewConflict(fmt.Errorf("closer: close already in progress for position %s", pos.ID))
	}
	defer c.release(pos.ID)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var wg sync.WaitGroup
	var longLeg, shortLeg domain.Leg
	var longErr, shortErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		longLeg, longErr = c.closeLeg(ctx, &pos, domain.Long)
	}()
	go func() {
		defer wg.Done()
		shortLeg, shortErr = c.closeLeg(ctx, &pos, domain.Short)
	}()
	wg.Wait()

	switch {
	case longErr == nil && shortErr == nil:
		pos.Long, pos.Short = longLeg, shortLeg
		if err := c.finalize(ctx, pos, reason); err != nil {
			return OutcomeFailed, err
		}
		metrics.RecordCloseOutcome(string(OutcomeClosed), nil)
		return OutcomeClosed, nil

	case longErr != nil && shortErr != nil:
		failed := domain.PositionFailed
		if err := c.positions.Update(ctx, pos.ID, repository.PositionPatch{Status: &failed}); err != nil {
			c.log.Warn().Err(err).Str("positionId", pos.ID).Msg("closer: failed to persist failed close")
		}
		metrics.RecordCloseOutcome(string(OutcomeFailed), nil)
		c.bus.Publish(events.TopicCloseFailed, CloseResult{PositionID: pos.ID, Err: fmt.Sprintf("both legs failed: long=%v short=%v", longErr, shortErr)})
		return OutcomeFailed, fmt.Errorf("closer: both legs failed to close: long=%w short=%v", longErr, shortErr)

	default:
		// Exactly one leg closed: surface for manual intervention rather
		// than guessing how to reconcile a half-closed hedge. The event
		// identifies the leg that remains open (the one that failed to
		// close) by side and venue.
		var patch repository.PositionPatch
		partial := domain.PositionPartial
		patch.Status = &partial
		failedSide := domain.Short
		failedErr := shortErr
		if longErr != nil {
			failedSide = domain.Long
			failedErr = longErr
			patch.Short = &shortLeg
		} else {
			patch.Long = &longLeg
		}
		if err := c.positions.Update(ctx, pos.ID, patch); err != nil {
			c.log.Warn().Err(err).Str("positionId", pos.ID).Msg("closer: failed to persist partial close")
		}
		metrics.RecordCloseOutcome(string(OutcomePartial), nil)
		c.bus.Publish(events.TopicClosePartial, CloseResult{
			PositionID:                 pos.ID,
			Side:                       failedSide,
			Venue:                      pos.LegFor(failedSide).Venue,
			RequiresManualIntervention: true,
			Err:                        failedErr.Error(),
		})
		return OutcomePartial, nil
	}
}

// closeLeg submits a reduce-only market order against the leg's
// venue/symbol and returns the leg with its close fields populated.
func (c *Closer) closeLeg(ctx context.Context, pos *domain.Position, side domain.Side) (domain.Leg, error) {
	leg := *pos.LegFor(side)
	adp, ok := c.adapters[leg.Venue]
	if !ok {
		return leg, fmt.Errorf("closer: no adapter registered for venue %s", leg.Venue)
	}

	orderSide := adapter.OrderSell
	if side == domain.Short {
		orderSide = adapter.OrderBuy // a SHORT leg is closed by buying back
	}

	if c.keystore != nil {
		cred, err := c.keystore.Get(ctx, pos.UserID, leg.Venue, "close-position")
		if err != nil {
			return leg, fmt.Errorf("closer: credential lookup for %s: %w", leg.Venue, err)
		}
		defer cred.Zero()
	}

	order, err := adp.CreateOrder(ctx, adapter.OrderRequest{
		Symbol:     pos.Symbol,
		Side:       orderSide,
		Type:       adapter.OrderMarket,
		Size:       leg.Size,
		ReduceOnly: true,
	})
	if err != nil {
		return leg, fmt.Errorf("closer: create close order on %s: %w", leg.Venue, err)
	}

	leg.Closed = true
	leg.ClosedAt = time.Now()
	leg.ExitPrice = order.AvgFillPrice
	leg.CloseFees = order.Fee
	leg.CloseOrderID = order.OrderID
	return leg, nil
}

func legPatch(side domain.Side, leg domain.Leg) repository.PositionPatch {
	if side == domain.Long {
		return repository.PositionPatch{Long: &leg}
	}
	return repository.PositionPatch{Short: &leg}
}

// finalize marks pos CLOSED, writes the terminal Trade record, and
// publishes closeSucceeded.
func (c *Closer) finalize(ctx context.Context, pos domain.Position, reason domain.CloseReason) error {
	now := time.Now()
	pos.ClosedAt = now
	closed := domain.PositionClosed

	if err := c.positions.Update(ctx, pos.ID, repository.PositionPatch{
		Status:   &closed,
		Long:     &pos.Long,
		Short:    &pos.Short,
		ClosedAt: &now,
	}); err != nil {
		return fmt.Errorf("closer: persist closed position: %w", err)
	}

	trade := ComputeTrade(pos, reason)
	if err := c.trades.Create(ctx, trade); err != nil {
		c.log.Warn().Err(err).Str("positionId", pos.ID).Msg("closer: failed to persist trade")
	}

	pnlFloat, _ := trade.TotalPnL.Float64()
	metrics.RecordCloseOutcome(string(OutcomeClosed), &pnlFloat)
	c.log.Info().Str("positionId", pos.ID).Str("reason", string(reason)).
		Str("totalPnL", trade.TotalPnL.String()).Msg("position closed")
	c.bus.Publish(events.TopicCloseSucceeded, trade)
	return nil
}

// ComputeTrade derives the terminal PnL breakdown for a fully closed
// position (§4.9's close-PnL identity):
//
//	priceDiffPnL   = (longExit-longEntry)*longSize + (shortEntry-shortExit)*shortSize
//	fundingRatePnL = pos.CumulativeFundingPnL
//	totalFees      = sum of both legs' open and close fees
//	totalPnL       = priceDiffPnL + fundingRatePnL - totalFees
//	roiPercent     = totalPnL / (combined entry notional) * 100
func ComputeTrade(pos domain.Position, reason domain.CloseReason) domain.Trade {
	longPnL := pos.Long.ExitPrice.Sub(pos.Long.EntryPrice).Mul(pos.Long.Size)
	shortPnL := pos.Short.EntryPrice.Sub(pos.Short.ExitPrice).Mul(pos.Short.Size)
	priceDiffPnL := longPnL.Add(shortPnL)

	totalFees := pos.Long.OpenFees.Add(pos.Long.CloseFees).Add(pos.Short.OpenFees).Add(pos.Short.CloseFees)
	totalPnL := priceDiffPnL.Add(pos.CumulativeFundingPnL).Sub(totalFees)

	notional := pos.Long.EntryPrice.Mul(pos.Long.Size).Add(pos.Short.EntryPrice.Mul(pos.Short.Size))
	roi := decimal.Zero
	if !notional.IsZero() {
		roi = totalPnL.Div(notional).Mul(decimal.NewFromInt(100))
	}

	closedAt := pos.ClosedAt
	if closedAt.IsZero() {
		closedAt = time.Now()
	}

	return domain.Trade{
		ID:              uuid.NewString(),
		PositionID:      pos.ID,
		UserID:          pos.UserID,
		Symbol:          pos.Symbol,
		LongExitPrice:   pos.Long.ExitPrice,
		ShortExitPrice:  pos.Short.ExitPrice,
		PriceDiffPnL:    priceDiffPnL,
		FundingRatePnL:  pos.CumulativeFundingPnL,
		TotalFees:       totalFees,
		TotalPnL:        totalPnL,
		ROIPercent:      roi,
		HoldingDuration: closedAt.Sub(pos.OpenedAt),
		CloseReason:     reason,
		OpenedAt:        pos.OpenedAt,
		ClosedAt:        closedAt,
	}
}

// CloseResult is the payload published on events.TopicCloseProgress,
// events.TopicCloseFailed, and events.TopicClosePartial. On a partial
// close, Side and Venue identify the leg that failed to close and
// remains open.
type CloseResult struct {
	PositionID                 string
	Side                       domain.Side
	Venue                      string
	RequiresManualIntervention bool
	Err                        string
}
