package exitmonitor

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
	positions map[string]domain.Position
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
	var out []domain.Position
	for _, p := range f.positions {
		if p.Symbol == symbol && p.Status == domain.PositionOpen {
			out = append(out, p)
		}
	}
	return out, nil
}
func (f *fakePositions) Update(ctx context.Context, id string, patch repository.PositionPatch) error {
	p := f.positions[id]
	if patch.ExitSuggested != nil {
		p.ExitSuggested = *patch.ExitSuggested
	}
	if patch.ExitReason != nil {
		p.ExitReason = *patch.ExitReason
	}
	if patch.ExitAt != nil {
		p.ExitAt = *patch.ExitAt
	}
	f.positions[id] = p
	return nil
}

type fakeSettings struct {
	byUser map[string]domain.TradingSettings
}

func (f *fakeSettings) FindByUserID(ctx context.Context, userID string) (*domain.TradingSettings, error) {
	s, ok := f.byUser[userID]
	if !ok {
		return nil, nil
	}
	return &s, nil
}

func testPosition() domain.Position {
	return domain.Position{
		ID:     "pos-1",
		UserID: "user-1",
		Symbol: "BTCUSDT",
		Status: domain.PositionOpen,
		Long:   domain.Leg{Venue: "okx", EntryPrice: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)},
		Short:  domain.Leg{Venue: "gateio", EntryPrice: decimal.NewFromInt(100), Size: decimal.NewFromInt(1)},
	}
}

func snap(symbol string, longRate, shortRate, longMark, shortMark string) *domain.RateSnapshot {
	return &domain.RateSnapshot{
		Symbol: symbol,
		Rates: map[string]domain.FundingRate{
			"okx":    {Venue: "okx", Rate: decimal.RequireFromString(longRate), MarkPrice: decimal.RequireFromString(longMark)},
			"gateio": {Venue: "gateio", Rate: decimal.RequireFromString(shortRate), MarkPrice: decimal.RequireFromString(shortMark)},
		},
	}
}

func TestExitSuggestAPYNegative(t *testing.T) {
	bus := events.New(16)
	suggested, _ := bus.Subscribe(events.TopicExitSuggested)

	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": testPosition()}}
	settings := &fakeSettings{byUser: map[string]domain.TradingSettings{
		"user-1": {UserID: "user-1", ExitSuggestionsEnabled: true, ExitAPYThreshold: decimal.NewFromInt(5)},
	}}

	m := New(bus, positions, settings, nil, map[string]adapter.Adapter{}, time.Minute, zerolog.Nop())

	// short rate lower than long rate => negative spread => negative APY.
	m.evaluateSymbol(context.Background(), snap("BTCUSDT", "0.01", "0.001", "100", "100"))

	select {
	case ev := <-suggested:
		pos := ev.(domain.Position)
		if pos.ExitReason != domain.ReasonAPYNegative {
			t.Fatalf("expected APY_NEGATIVE, got %s", pos.ExitReason)
		}
	default:
		t.Fatal("expected exitSuggested event")
	}
}

func TestExitSuggestCancellation(t *testing.T) {
	bus := events.New(16)
	_, _ = bus.Subscribe(events.TopicExitSuggested)
	canceled, _ := bus.Subscribe(events.TopicExitCanceled)

	pos := testPosition()
	pos.MarkSuggested(domain.ReasonProfitLockable, time.Now().Add(-time.Hour))
	positions := &fakePositions{positions: map[string]domain.Position{"pos-1": pos}}
	settings := &fakeSettings{byUser: map[string]domain.TradingSettings{
		"user-1": {UserID: "user-1", ExitSuggestionsEnabled: true, ExitAPYThreshold: decimal.NewFromInt(-100)},
	}}

	m := New(bus, positions, settings, nil, map[string]adapter.Adapter{}, time.Minute, zerolog.Nop())

	// Strongly positive spread => positive APY above threshold => cancel.
	m.evaluateSymbol(context.Background(), snap("BTCUSDT", "0.0001", "0.01", "100", "100"))

	select {
	case ev := <-canceled:
		p := ev.(domain.Position)
		if p.ExitSuggested {
			t.Fatal("expected exit suggestion cleared")
		}
	default:
		t.Fatal("expected exitCanceled event")
	}
}
