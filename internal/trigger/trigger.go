// Package trigger implements the Trigger Detector (§4.8): it watches
// orderStatusChanged events surfaced by the Connection Pool's private
// channel, recognizes a conditional-order fill against a registered
// leg of a monitored position, classifies it as a stop-loss or
// take-profit on a specific side, and invokes the Closer on the
// opposite (hedge) leg.
//
// No prior component held user positions or private order channels,
// so the dedup mechanics reuse internal/datasource.Manager's
// Redis-backed-with-in-memory-fallback idiom, applied here to a
// time-windowed (venue, orderId) set instead of a staleness timer.
package trigger

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/metrics"
	"crossspread-arb-engine/internal/pool"
	"crossspread-arb-engine/internal/repository"
)

// Classification identifies which leg and which conditional order
// fired.
type Classification string

const (
	LongStopLoss    Classification = "LONG_SL"
	LongTakeProfit  Classification = "LONG_TP"
	ShortStopLoss   Classification = "SHORT_SL"
	ShortTakeProfit Classification = "SHORT_TP"
)

// Closer is the narrow slice of the Position Closer this detector
// depends on: closing the hedge leg opposite the one that triggered.
// Defined here, rather than imported from internal/closer, so this
// package names only the capability it actually uses.
type Closer interface {
	CloseSingleSide(ctx context.Context, pos domain.Position, side domain.Side, reason domain.CloseReason) error
}

// Detector consumes raw order-status events and emits triggerDetected
// plus close-progress events for the positions it has been told to
// watch.
type Detector struct {
	bus         *events.Bus
	repo        repository.Positions
	closer      Closer
	redis       *redis.Client
	tolerance   decimal.Decimal
	dedupWindow time.Duration
	log         zerolog.Logger

	mu        sync.Mutex
	positions map[string]domain.Position // positionID -> position
	seenLocal map[string]time.Time       // fallback dedup when redis is nil

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Detector. tolerance defaults to 0.01 (1%, §6
// triggerPriceTolerance) and dedupWindow to 60s if zero. redisClient
// may be nil, in which case dedup falls back to an in-process map,
// mirroring internal/datasource.Manager's degrade-to-memory posture.
func New(bus *events.Bus, repo repository.Positions, closer Closer, redisClient *redis.Client,
	tolerance decimal.Decimal, dedupWindow time.Duration, logger zerolog.Logger) *Detector {
	if tolerance.IsZero() {
		tolerance = decimal.NewFromFloat(0.01)
	}
	if dedupWindow <= 0 {
		dedupWindow = 60 * time.Second
	}
	return &Detector{
		bus: bus, repo: repo, closer: closer, redis: redisClient,
		tolerance: tolerance, dedupWindow: dedupWindow, log: logger,
		positions: make(map[string]domain.Position),
		seenLocal: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Register tells the detector to watch pos for conditional-order
// fills. Callers re-register whenever a position's legs or SL/TP
// prices change.
func (d *Detector) Register(pos domain.Position) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.positions[pos.ID] = pos
}

// Unregister stops watching positionID, called once the position
// reaches a terminal state.
func (d *Detector) Unregister(positionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.positions, positionID)
}

// Start subscribes to the pool's raw order-status topic and processes
// fills until Stop is called or ctx is canceled.
func (d *Detector) Start(ctx context.Context) {
	ch, _ := d.bus.Subscribe(pool.AdapterOrderStatusTopic)
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stopCh:
				return
			case payload, ok := <-ch:
				if !ok {
					return
				}
				pe, ok := payload.(pool.PoolEvent)
				if !ok || pe.Event.Order == nil {
					continue
				}
				d.handleOrder(ctx, pe.Event.Order)
			}
		}
	}()
}

// Stop halts the processing goroutine.
func (d *Detector) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func dedupKey(venue, orderID string) string { return venue + ":" + orderID }

// handleOrder is the decision pipeline: filter, dedup, match, validate
// tolerance, classify, emit, close the hedge leg.
func (d *Detector) handleOrder(ctx context.Context, o *adapter.Order) {
	if o.Status != adapter.OrderStatusFilled {
		return
	}
	if !isConditionalOrderType(o.OrderTypeRaw) {
		return
	}

	key := dedupKey(o.Venue, o.OrderID)
	if d.alreadySeen(ctx, key) {
		return
	}

	pos, side, ok := d.matchPosition(o)
	if !ok {
		return
	}

	if !d.withinTolerance(o, pos, side) {
		d.log.Warn().Str("positionId", pos.ID).Str("orderId", o.OrderID).
			Msg("trigger: conditional fill price outside tolerance, ignoring")
		return
	}

	classification, reason := classify(side, o)
	metrics.RecordTriggerDetected(string(classification))
	d.log.Info().Str("positionId", pos.ID).Str("classification", string(classification)).
		Str("orderId", o.OrderID).Msg("trigger detected")
	d.bus.Publish(events.TopicCloseProgress, CloseProgress{PositionID: pos.ID, Stage: "detecting", Side: side})
	d.bus.Publish(events.TopicTriggerDetected, TriggerEvent{
		Position:       pos,
		Side:           side,
		Classification: classification,
		Order:          *o,
	})

	d.Unregister(pos.ID)

	hedgeSide := oppositeSide(side)
	closing := domain.PositionClosing
	if err := d.repo.Update(ctx, pos.ID, repository.PositionPatch{Status: &closing}); err != nil {
		d.log.Warn().Err(err).Str("positionId", pos.ID).Msg("trigger: failed to mark position closing")
	}
	d.bus.Publish(events.TopicCloseProgress, CloseProgress{PositionID: pos.ID, Stage: "closing_hedge_leg", Side: hedgeSide})

	if d.closer == nil {
		return
	}
	if err := d.closer.CloseSingleSide(ctx, pos, hedgeSide, reason); err != nil {
		d.log.Error().Err(err).Str("positionId", pos.ID).Msg("trigger: failed to close hedge leg")
		d.bus.Publish(events.TopicCloseProgress, CloseProgress{PositionID: pos.ID, Stage: "failed", Side: hedgeSide})
		d.bus.Publish(events.TopicCloseFailed, CloseProgress{PositionID: pos.ID, Stage: "failed", Side: hedgeSide})
		return
	}
	d.bus.Publish(events.TopicCloseProgress, CloseProgress{PositionID: pos.ID, Stage: "completed", Side: hedgeSide})
}

// alreadySeen reports whether key has been handled within the dedup
// window, recording it if not. Prefers Redis (SetNX with TTL) so
// multiple engine instances share the dedup state; falls back to an
// in-process map with lazy expiry otherwise.
func (d *Detector) alreadySeen(ctx context.Context, key string) bool {
	if d.redis != nil {
		ok, err := d.redis.SetNX(ctx, "trigger:dedup:"+key, 1, d.dedupWindow).Result()
		if err == nil {
			return !ok
		}
		d.log.Warn().Err(err).Msg("trigger: redis dedup check failed, falling back to memory")
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	for k, at := range d.seenLocal {
		if now.Sub(at) > d.dedupWindow {
			delete(d.seenLocal, k)
		}
	}
	if at, ok := d.seenLocal[key]; ok && now.Sub(at) <= d.dedupWindow {
		return true
	}
	d.seenLocal[key] = now
	return false
}

// matchPosition finds the registered position whose leg venue and
// symbol match o, returning which side triggered.
func (d *Detector) matchPosition(o *adapter.Order) (domain.Position, domain.Side, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	side := domain.Side(o.PositionSide)
	for _, pos := range d.positions {
		if pos.Symbol != o.Symbol {
			continue
		}
		leg := pos.LegFor(side)
		if leg.Venue == o.Venue {
			return pos, side, true
		}
	}
	return domain.Position{}, "", false
}

// withinTolerance validates the fill price against whichever of the
// leg's SL/TP prices the order itself names, within the configured
// tolerance band.
func (d *Detector) withinTolerance(o *adapter.Order, pos domain.Position, side domain.Side) bool {
	leg := pos.LegFor(side)
	expected := leg.TakeProfitPrice
	if isStopLossOrder(o) {
		expected = leg.StopLossPrice
	}
	if expected.IsZero() || o.StopPrice.IsZero() {
		return true // nothing to validate against; accept the venue's own fill
	}
	diff := o.StopPrice.Sub(expected).Abs()
	maxDiff := expected.Mul(d.tolerance).Abs()
	return diff.LessThanOrEqual(maxDiff)
}

// isStopLossOrder classifies a conditional fill as stop-loss or
// take-profit from its order-type string; only when the string is
// ambiguous (a generic "trigger"/"conditional" type) does the realized
// PnL sign break the tie — negative implies SL, non-negative TP.
func isStopLossOrder(o *adapter.Order) bool {
	switch o.OrderTypeRaw {
	case "stop", "stop-market", "stop_market", "stop-loss", "stop_loss":
		return true
	case "take-profit", "take_profit", "take-profit-market", "take_profit_market":
		return false
	default:
		return o.RealizedPnL.IsNegative()
	}
}

func classify(side domain.Side, o *adapter.Order) (Classification, domain.CloseReason) {
	isStopLoss := isStopLossOrder(o)
	switch {
	case side == domain.Long && isStopLoss:
		return LongStopLoss, domain.CloseLongSLTriggered
	case side == domain.Long && !isStopLoss:
		return LongTakeProfit, domain.CloseLongTPTriggered
	case side == domain.Short && isStopLoss:
		return ShortStopLoss, domain.CloseShortSLTriggered
	default:
		return ShortTakeProfit, domain.CloseShortTPTriggered
	}
}

func oppositeSide(side domain.Side) domain.Side {
	if side == domain.Long {
		return domain.Short
	}
	return domain.Long
}

// isConditionalOrderType reports whether a venue's own order-type
// string names a stop-loss or take-profit conditional order, across
// the vocabularies OKX, Gate.io, and BingX each use.
func isConditionalOrderType(raw string) bool {
	switch raw {
	case "stop", "stop-market", "stop_market", "stop-loss", "stop_loss",
		"take-profit", "take_profit", "take-profit-market", "take_profit_market",
		"trigger", "conditional":
		return true
	default:
		return false
	}
}

// TriggerEvent is the payload published on events.TopicTriggerDetected.
type TriggerEvent struct {
	Position       domain.Position
	Side           domain.Side
	Classification Classification
	Order          adapter.Order
}

// CloseProgress is the payload published on events.TopicCloseProgress
// and events.TopicCloseFailed as the hedge leg closes.
type CloseProgress struct {
	PositionID string
	Stage      string
	Side       domain.Side
}
