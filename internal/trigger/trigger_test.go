package trigger

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/pool"
	"crossspread-arb-engine/internal/repository"
)

type fakePositions struct {
	positions map[string]domain.Position
	updates   int
}

func (f *fakePositions) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	p, ok := f.positions[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}
func (f *fakePositions) FindByUserID(ctx context.Context, userID string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) FindOpenBySymbol(ctx context.Context, symbol string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) Update(ctx context.Context, id string, patch repository.PositionPatch) error {
	f.updates++
	return nil
}

type fakeCloser struct {
	calls []domain.Side
}

func (c *fakeCloser) CloseSingleSide(ctx context.Context, pos domain.Position, side domain.Side, reason domain.CloseReason) error {
	c.calls = append(c.calls, side)
	return nil
}

func testPosition() domain.Position {
	return domain.Position{
		ID:     "pos-1",
		Symbol: "BTCUSDT",
		Status: domain.PositionOpen,
		Long: domain.Leg{
			Venue: "okx", Side: domain.Long,
			StopLossEnabled: true, StopLossPrice: decimal.NewFromInt(90),
		},
		Short: domain.Leg{
			Venue: "gateio", Side: domain.Short,
		},
	}
}

func fillOrder() *adapter.Order {
	return &adapter.Order{
		Venue:        "okx",
		Symbol:       "BTCUSDT",
		OrderID:      "order-1",
		Status:       adapter.OrderStatusFilled,
		OrderTypeRaw: "stop-market",
		StopPrice:    decimal.NewFromInt(90),
		PositionSide: "LONG",
		RealizedPnL:  decimal.NewFromInt(-10),
		UpdatedAt:    time.Now(),
	}
}

func TestTriggerClassifiesLongStopLoss(t *testing.T) {
	bus := events.New(16)
	detected, _ := bus.Subscribe(events.TopicTriggerDetected)

	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": testPosition()}}
	closer := &fakeCloser{}
	d := New(bus, positions, closer, nil, decimal.NewFromFloat(0.01), time.Minute, zerolog.Nop())
	d.Register(testPosition())

	d.handleOrder(context.Background(), fillOrder())

	select {
	case ev := <-detected:
		te := ev.(TriggerEvent)
		if te.Classification != LongStopLoss {
			t.Fatalf("expected LONG_SL, got %s", te.Classification)
		}
	default:
		t.Fatal("expected a triggerDetected event")
	}
	if len(closer.calls) != 1 || closer.calls[0] != domain.Short {
		t.Fatalf("expected hedge leg (short) closed once, got %v", closer.calls)
	}
	if positions.updates != 1 {
		t.Fatalf("expected position status patched once, got %d", positions.updates)
	}
}

// A take-profit fill whose realized PnL went slightly negative on fees
// must still classify by its order-type string, not the PnL sign.
func TestTriggerClassifiesTPByOrderTypeDespiteNegativePnL(t *testing.T) {
	bus := events.New(16)
	detected, _ := bus.Subscribe(events.TopicTriggerDetected)

	pos := testPosition()
	pos.Long.TakeProfitEnabled = true
	pos.Long.TakeProfitPrice = decimal.NewFromInt(102)
	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": pos}}
	closer := &fakeCloser{}
	d := New(bus, positions, closer, nil, decimal.NewFromFloat(0.01), time.Minute, zerolog.Nop())
	d.Register(pos)

	order := fillOrder()
	order.OrderTypeRaw = "take-profit-market"
	order.StopPrice = decimal.NewFromInt(102)
	order.RealizedPnL = decimal.NewFromFloat(-0.04) // fees outweighed the move

	d.handleOrder(context.Background(), order)

	select {
	case ev := <-detected:
		te := ev.(TriggerEvent)
		if te.Classification != LongTakeProfit {
			t.Fatalf("expected LONG_TP, got %s", te.Classification)
		}
	default:
		t.Fatal("expected a triggerDetected event")
	}
	if len(closer.calls) != 1 || closer.calls[0] != domain.Short {
		t.Fatalf("expected hedge leg (short) closed once, got %v", closer.calls)
	}
}

func TestTriggerDedupSuppressesSecondFill(t *testing.T) {
	bus := events.New(16)
	detected, _ := bus.Subscribe(events.TopicTriggerDetected)

	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": testPosition()}}
	closer := &fakeCloser{}
	d := New(bus, positions, closer, nil, decimal.NewFromFloat(0.01), time.Minute, zerolog.Nop())
	d.Register(testPosition())

	d.handleOrder(context.Background(), fillOrder())
	<-detected // drain the first event

	// Re-register (as a caller might after a stale refresh) and replay
	// the identical fill: dedup must still suppress it within the
	// window, even though Unregister already removed the position.
	d.Register(testPosition())
	d.handleOrder(context.Background(), fillOrder())

	select {
	case ev := <-detected:
		t.Fatalf("expected no second triggerDetected event, got %v", ev)
	default:
	}
	if len(closer.calls) != 1 {
		t.Fatalf("expected exactly one close call across both fills, got %d", len(closer.calls))
	}
}

func TestTriggerIgnoresNonConditionalOrderTypes(t *testing.T) {
	bus := events.New(16)
	detected, _ := bus.Subscribe(events.TopicTriggerDetected)

	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": testPosition()}}
	d := New(bus, positions, &fakeCloser{}, nil, decimal.NewFromFloat(0.01), time.Minute, zerolog.Nop())
	d.Register(testPosition())

	order := fillOrder()
	order.OrderTypeRaw = "market"
	d.handleOrder(context.Background(), order)

	select {
	case ev := <-detected:
		t.Fatalf("expected no triggerDetected event for a plain market fill, got %v", ev)
	default:
	}
}

func TestTriggerIgnoresOutOfToleranceFill(t *testing.T) {
	bus := events.New(16)
	detected, _ := bus.Subscribe(events.TopicTriggerDetected)

	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": testPosition()}}
	d := New(bus, positions, &fakeCloser{}, nil, decimal.NewFromFloat(0.01), time.Minute, zerolog.Nop())
	d.Register(testPosition())

	order := fillOrder()
	order.StopPrice = decimal.NewFromInt(50) // far outside the 1% band around 90

	d.handleOrder(context.Background(), order)

	select {
	case ev := <-detected:
		t.Fatalf("expected no triggerDetected event for an out-of-tolerance fill, got %v", ev)
	default:
	}
}

// Confirms the raw-event plumbing from the pool's fan-out topic
// reaches handleOrder via Start, not just via direct calls.
func TestTriggerConsumesPoolEvents(t *testing.T) {
	bus := events.New(16)
	detected, _ := bus.Subscribe(events.TopicTriggerDetected)

	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": testPosition()}}
	d := New(bus, positions, &fakeCloser{}, nil, decimal.NewFromFloat(0.01), time.Minute, zerolog.Nop())
	d.Register(testPosition())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	d.Start(ctx)
	defer d.Stop()

	bus.Publish(pool.AdapterOrderStatusTopic, pool.PoolEvent{
		ConnectionIndex: 0,
		Event:           adapter.Event{Kind: adapter.EventOrderStatusChanged, Venue: "okx", Order: fillOrder()},
	})

	select {
	case <-detected:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for triggerDetected event via the pool topic")
	}
}
