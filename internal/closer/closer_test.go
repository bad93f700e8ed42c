package closer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/repository"
)

type fakePositions struct {
	updates []repository.PositionPatch
}

func (f *fakePositions) FindByID(ctx context.Context, id string) (*domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) FindByUserID(ctx context.Context, userID string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) FindOpenBySymbol(ctx context.Context, symbol string) ([]domain.Position, error) {
	return nil, nil
}
func (f *fakePositions) Update(ctx context.Context, id string, patch repository.PositionPatch) error {
	f.updates = append(f.updates, patch)
	return nil
}

type fakeTrades struct {
	created []domain.Trade
}

func (f *fakeTrades) Create(ctx context.Context, t domain.Trade) error {
	f.created = append(f.created, t)
	return nil
}

// fakeAdapter fills every close order at a fixed price, or always
// errors if failClose is set.
type fakeAdapter struct {
	venue     string
	fillPrice decimal.Decimal
	fee       decimal.Decimal
	failClose bool
}

func (a *fakeAdapter) Venue() string                       { return a.venue }
func (a *fakeAdapter) Connect(ctx context.Context) error    { return nil }
func (a *fakeAdapter) Disconnect() error                    { return nil }
func (a *fakeAdapter) IsConnected() bool                    { return true }
func (a *fakeAdapter) Subscribe(symbols []string) error     { return nil }
func (a *fakeAdapter) Unsubscribe(symbols []string) error   { return nil }
func (a *fakeAdapter) Events() <-chan adapter.Event          { return nil }
func (a *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (adapter.FundingRate, error) {
	return adapter.FundingRate{}, nil
}
func (a *fakeAdapter) GetFundingRates(ctx context.Context, symbols []string) ([]adapter.FundingRate, error) {
	return nil, nil
}
func (a *fakeAdapter) GetFundingInterval(ctx context.Context, symbol string) (int, error) {
	return 8, nil
}
func (a *fakeAdapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (a *fakeAdapter) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}
func (a *fakeAdapter) GetMarkPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}
func (a *fakeAdapter) GetSymbolInfo(ctx context.Context, symbol string) (adapter.SymbolInfo, error) {
	return adapter.SymbolInfo{}, nil
}
func (a *fakeAdapter) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) {
	return nil, nil
}
func (a *fakeAdapter) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (a *fakeAdapter) GetBalance(ctx context.Context) (adapter.Balance, error) {
	return adapter.Balance{}, nil
}
func (a *fakeAdapter) GetPositions(ctx context.Context) ([]adapter.PositionInfo, error) {
	return nil, nil
}
func (a *fakeAdapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	if a.failClose {
		return adapter.Order{}, errClose
	}
	return adapter.Order{
		Venue: a.venue, Symbol: req.Symbol, OrderID: "close-" + a.venue,
		Status: adapter.OrderStatusFilled, FilledSize: req.Size,
		AvgFillPrice: a.fillPrice, Fee: a.fee, UpdatedAt: time.Now(),
	}, nil
}
func (a *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (a *fakeAdapter) GetOrder(ctx context.Context, symbol, orderID string) (adapter.Order, error) {
	return adapter.Order{}, nil
}
func (a *fakeAdapter) GetFundingPayments(ctx context.Context, symbol string, since, until time.Time) ([]adapter.FundingPayment, error) {
	return nil, nil
}

var errClose = &closeErr{"close rejected"}

type closeErr struct{ msg string }

func (e *closeErr) Error() string { return e.msg }

func testPosition() domain.Position {
	now := time.Now().Add(-time.Hour)
	return domain.Position{
		ID:     "pos-1",
		UserID: "user-1",
		Symbol: "BTCUSDT",
		Status: domain.PositionOpen,
		Long: domain.Leg{
			Venue: "okx", Side: domain.Long,
			EntryPrice: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
			OpenFees: decimal.NewFromFloat(0.5),
		},
		Short: domain.Leg{
			Venue: "gateio", Side: domain.Short,
			EntryPrice: decimal.NewFromInt(100), Size: decimal.NewFromInt(1),
			OpenFees: decimal.NewFromFloat(0.5),
		},
		CumulativeFundingPnL: decimal.NewFromInt(10),
		OpenedAt:             now,
	}
}

func TestCloseBothSucceeds(t *testing.T) {
	bus := events.New(16)
	succeeded, _ := bus.Subscribe(events.TopicCloseSucceeded)

	positions := &fakePositions{}
	trades := &fakeTrades{}
	adapters := map[string]adapter.Adapter{
		"okx":    &fakeAdapter{venue: "okx", fillPrice: decimal.NewFromInt(105), fee: decimal.NewFromFloat(0.5)},
		"gateio": &fakeAdapter{venue: "gateio", fillPrice: decimal.NewFromInt(95), fee: decimal.NewFromFloat(0.5)},
	}

	c := New(bus, positions, trades, adapters, nil, time.Second, zerolog.Nop())
	outcome, err := c.CloseBoth(context.Background(), testPosition(), domain.CloseManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomeClosed {
		t.Fatalf("expected closed outcome, got %s", outcome)
	}
	if len(trades.created) != 1 {
		t.Fatalf("expected one trade written, got %d", len(trades.created))
	}

	trade := trades.created[0]
	// long: (105-100)*1=5, short: (100-95)*1=5 => priceDiffPnL=10
	// totalFees = 0.5*4 = 2, fundingPnL=10 => totalPnL = 10+10-2 = 18
	if !trade.PriceDiffPnL.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected priceDiffPnL=10, got %s", trade.PriceDiffPnL)
	}
	if !trade.TotalPnL.Equal(decimal.NewFromInt(18)) {
		t.Fatalf("expected totalPnL=18, got %s", trade.TotalPnL)
	}

	select {
	case <-succeeded:
	default:
		t.Fatal("expected a closeSucceeded event")
	}
}

func TestCloseBothPartialRequiresManualIntervention(t *testing.T) {
	bus := events.New(16)
	partial, _ := bus.Subscribe(events.TopicClosePartial)

	positions := &fakePositions{}
	trades := &fakeTrades{}
	adapters := map[string]adapter.Adapter{
		"okx":    &fakeAdapter{venue: "okx", fillPrice: decimal.NewFromInt(105)},
		"gateio": &fakeAdapter{venue: "gateio", failClose: true},
	}

	c := New(bus, positions, trades, adapters, nil, time.Second, zerolog.Nop())
	outcome, err := c.CloseBoth(context.Background(), testPosition(), domain.CloseManual)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OutcomePartial {
		t.Fatalf("expected partial outcome, got %s", outcome)
	}
	if len(trades.created) != 0 {
		t.Fatalf("expected no trade written on a partial close, got %d", len(trades.created))
	}

	select {
	case ev := <-partial:
		res := ev.(CloseResult)
		if !res.RequiresManualIntervention {
			t.Fatal("expected RequiresManualIntervention to be true")
		}
		if res.Side != domain.Short {
			t.Errorf("failed leg side = %s, want SHORT (the leg whose close was rejected)", res.Side)
		}
		if res.Venue != "gateio" {
			t.Errorf("failed leg venue = %s, want gateio", res.Venue)
		}
	default:
		t.Fatal("expected a closePartial event")
	}
}

func TestCloseBothBothFail(t *testing.T) {
	bus := events.New(16)
	failed, _ := bus.Subscribe(events.TopicCloseFailed)

	positions := &fakePositions{}
	trades := &fakeTrades{}
	adapters := map[string]adapter.Adapter{
		"okx":    &fakeAdapter{venue: "okx", failClose: true},
		"gateio": &fakeAdapter{venue: "gateio", failClose: true},
	}

	c := New(bus, positions, trades, adapters, nil, time.Second, zerolog.Nop())
	outcome, err := c.CloseBoth(context.Background(), testPosition(), domain.CloseManual)
	if err == nil {
		t.Fatal("expected an error when both legs fail")
	}
	if outcome != OutcomeFailed {
		t.Fatalf("expected failed outcome, got %s", outcome)
	}
	if len(trades.created) != 0 {
		t.Fatalf("expected no trade written, got %d", len(trades.created))
	}

	select {
	case <-failed:
	default:
		t.Fatal("expected a closeFailed event")
	}
}

func TestComputeTradeIdentity(t *testing.T) {
	pos := domain.Position{
		ID: "pos-1", UserID: "user-1", Symbol: "BTCUSDT",
		Long: domain.Leg{
			Venue: "okx", Side: domain.Long,
			EntryPrice: decimal.NewFromInt(100), ExitPrice: decimal.NewFromInt(110),
			Size: decimal.NewFromInt(1), OpenFees: decimal.NewFromFloat(0.1),
		},
		Short: domain.Leg{
			Venue: "gateio", Side: domain.Short,
			EntryPrice: decimal.NewFromInt(100), ExitPrice: decimal.NewFromInt(105),
			Size: decimal.NewFromInt(1), OpenFees: decimal.NewFromFloat(0.1),
		},
		CumulativeFundingPnL: decimal.NewFromFloat(0.5),
		OpenedAt:             time.Now().Add(-time.Hour),
		ClosedAt:             time.Now(),
	}

	trade := ComputeTrade(pos, domain.CloseLongTPTriggered)

	// (110-100)*1 + (100-105)*1 = 5
	if !trade.PriceDiffPnL.Equal(decimal.NewFromInt(5)) {
		t.Errorf("priceDiffPnL = %s, want 5", trade.PriceDiffPnL)
	}
	// 5 + 0.5 - 0.2 = 5.3
	if !trade.TotalPnL.Equal(decimal.NewFromFloat(5.3)) {
		t.Errorf("totalPnL = %s, want 5.3", trade.TotalPnL)
	}
	if trade.CloseReason != domain.CloseLongTPTriggered {
		t.Errorf("closeReason = %s, want LONG_TP_TRIGGERED", trade.CloseReason)
	}
}

func TestCloseBothRejectsReentrant(t *testing.T) {
	bus := events.New(16)
	positions := &fakePositions{}
	trades := &fakeTrades{}
	adapters := map[string]adapter.Adapter{
		"okx":    &fakeAdapter{venue: "okx", fillPrice: decimal.NewFromInt(105)},
		"gateio": &fakeAdapter{venue: "gateio", fillPrice: decimal.NewFromInt(95)},
	}
	c := New(bus, positions, trades, adapters, nil, time.Second, zerolog.Nop())

	pos := testPosition()
	c.mu.Lock()
	c.inFlight[pos.ID] = true
	c.mu.Unlock()

	_, err := c.CloseBoth(context.Background(), pos, domain.CloseManual)
	if err == nil {
		t.Fatal("expected a conflict error for a re-entrant close attempt")
	}
}
