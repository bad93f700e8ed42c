package pool

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/adapter"
	"crossspread-arb-engine/internal/events"
)

// fakeAdapter is a minimal in-memory adapter.Adapter double used to
// verify pool capacity and auto-prune behavior without a network
// connection.
type fakeAdapter struct {
	venue     string
	connected bool
	events    chan adapter.Event
	subs      map[string]bool
}

func newFakeAdapter(venue string) *fakeAdapter {
	return &fakeAdapter{venue: venue, events: make(chan adapter.Event, 16), subs: make(map[string]bool)}
}

func (f *fakeAdapter) Venue() string                 { return f.venue }
func (f *fakeAdapter) Connect(ctx context.Context) error { f.connected = true; return nil }
func (f *fakeAdapter) Disconnect() error             { f.connected = false; close(f.events); return nil }
func (f *fakeAdapter) IsConnected() bool             { return f.connected }
func (f *fakeAdapter) Events() <-chan adapter.Event  { return f.events }
func (f *fakeAdapter) Subscribe(symbols []string) error {
	for _, s := range symbols {
		f.subs[s] = true
	}
	return nil
}
func (f *fakeAdapter) Unsubscribe(symbols []string) error {
	for _, s := range symbols {
		delete(f.subs, s)
	}
	return nil
}
func (f *fakeAdapter) GetFundingRate(ctx context.Context, symbol string) (adapter.FundingRate, error) {
	return adapter.FundingRate{}, nil
}
func (f *fakeAdapter) GetFundingRates(ctx context.Context, symbols []string) ([]adapter.FundingRate, error) {
	return nil, nil
}
func (f *fakeAdapter) GetFundingInterval(ctx context.Context, symbol string) (int, error) {
	return 8, nil
}
func (f *fakeAdapter) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}
func (f *fakeAdapter) GetMarkPrices(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	return nil, nil
}
func (f *fakeAdapter) GetSymbolInfo(ctx context.Context, symbol string) (adapter.SymbolInfo, error) {
	return adapter.SymbolInfo{}, nil
}
func (f *fakeAdapter) GetUsdtPerpetualSymbols(ctx context.Context) ([]string, error) { return nil, nil }
func (f *fakeAdapter) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, nil
}
func (f *fakeAdapter) GetBalance(ctx context.Context) (adapter.Balance, error) {
	return adapter.Balance{}, nil
}
func (f *fakeAdapter) GetPositions(ctx context.Context) ([]adapter.PositionInfo, error) { return nil, nil }
func (f *fakeAdapter) CreateOrder(ctx context.Context, req adapter.OrderRequest) (adapter.Order, error) {
	return adapter.Order{}, nil
}
func (f *fakeAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error { return nil }
func (f *fakeAdapter) GetOrder(ctx context.Context, symbol, orderID string) (adapter.Order, error) {
	return adapter.Order{}, nil
}
func (f *fakeAdapter) GetFundingPayments(ctx context.Context, symbol string, since, until time.Time) ([]adapter.FundingPayment, error) {
	return nil, nil
}

func TestSubscribeOpensNewConnectionAtCapacity(t *testing.T) {
	bus := events.New(16)
	n := 0
	p := New("test", 2, func() adapter.Adapter {
		n++
		return newFakeAdapter("test")
	}, bus)

	ctx := context.Background()
	for _, s := range []string{"AAAUSDT", "BBBUSDT", "CCCUSDT"} {
		if err := p.Subscribe(ctx, s); err != nil {
			t.Fatalf("Subscribe(%s): %v", s, err)
		}
	}
	if got := p.ConnectionCount(); got != 2 {
		t.Errorf("ConnectionCount() = %d, want 2 (cap 2, 3 symbols)", got)
	}
}

func TestSubscribeRejectsDuplicate(t *testing.T) {
	bus := events.New(16)
	p := New("test", 5, func() adapter.Adapter { return newFakeAdapter("test") }, bus)
	ctx := context.Background()
	if err := p.Subscribe(ctx, "AAAUSDT"); err != nil {
		t.Fatal(err)
	}
	if err := p.Subscribe(ctx, "AAAUSDT"); err != nil {
		t.Errorf("duplicate subscribe should be a no-op, got error: %v", err)
	}
	if got := p.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount() = %d, want 1", got)
	}
}

func TestUnsubscribePrunesEmptyConnection(t *testing.T) {
	bus := events.New(16)
	p := New("test", 1, func() adapter.Adapter { return newFakeAdapter("test") }, bus)
	ctx := context.Background()
	if err := p.Subscribe(ctx, "AAAUSDT"); err != nil {
		t.Fatal(err)
	}
	if err := p.Subscribe(ctx, "BBBUSDT"); err != nil {
		t.Fatal(err)
	}
	if got := p.ConnectionCount(); got != 2 {
		t.Fatalf("setup: ConnectionCount() = %d, want 2", got)
	}
	if err := p.Unsubscribe("BBBUSDT"); err != nil {
		t.Fatal(err)
	}
	if got := p.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount() = %d, want 1 after prune", got)
	}
}

func TestCapacityFanOutAndPrune(t *testing.T) {
	bus := events.New(16)
	p := New("gateio", 20, func() adapter.Adapter { return newFakeAdapter("gateio") }, bus)
	ctx := context.Background()

	symbols := make([]string, 25)
	for i := range symbols {
		symbols[i] = "SYM" + string(rune('A'+i)) + "USDT"
	}
	if failures := p.SubscribeAll(ctx, symbols); len(failures) != 0 {
		t.Fatalf("SubscribeAll failures: %v", failures)
	}
	if got := p.ConnectionCount(); got != 2 {
		t.Fatalf("ConnectionCount() = %d, want 2 (cap 20, 25 symbols)", got)
	}

	// The first 20 symbols landed on the first connection; removing them
	// all must prune it, leaving exactly one connection.
	for _, s := range symbols[:20] {
		if err := p.Unsubscribe(s); err != nil {
			t.Fatalf("Unsubscribe(%s): %v", s, err)
		}
	}
	if got := p.ConnectionCount(); got != 1 {
		t.Errorf("ConnectionCount() = %d, want 1 after pruning the emptied connection", got)
	}
}

func TestDestroyRejectsFurtherSubscribe(t *testing.T) {
	bus := events.New(16)
	p := New("test", 5, func() adapter.Adapter { return newFakeAdapter("test") }, bus)
	p.Destroy()
	if err := p.Subscribe(context.Background(), "AAAUSDT"); err == nil {
		t.Error("expected error subscribing to a destroyed pool")
	}
}
