package detector

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
)

func snapshotWith(symbol string, rates map[string]string) *domain.RateSnapshot {
	snap := &domain.RateSnapshot{Symbol: symbol, Rates: make(map[string]domain.FundingRate)}
	for venue, rate := range rates {
		snap.Rates[venue] = domain.FundingRate{
			Venue: venue, Symbol: symbol,
			Rate:       decimal.RequireFromString(rate),
			ReceivedAt: time.Now(),
		}
	}
	return snap
}

func TestDetectorHysteresis(t *testing.T) {
	bus := events.New(16)
	detected, _ := bus.Subscribe(events.TopicOpportunityDetected)
	expired, _ := bus.Subscribe(events.TopicOpportunityExpired)

	d := New(bus, nil, nil, decimal.NewFromFloat(0.005), zerolog.Nop())
	ctx := context.Background()

	d.process(ctx, snapshotWith("BTCUSDT", map[string]string{"A": "0.0", "B": "0.0"}))
	d.process(ctx, snapshotWith("BTCUSDT", map[string]string{"A": "0.0", "B": "0.006"}))

	select {
	case ev := <-detected:
		opp := ev.(domain.ArbitrageOpportunity)
		if opp.LongVenue != "A" || opp.ShortVenue != "B" {
			t.Fatalf("expected long=A short=B, got long=%s short=%s", opp.LongVenue, opp.ShortVenue)
		}
	default:
		t.Fatal("expected an opportunityDetected event")
	}
	if d.ActiveCount() != 1 {
		t.Fatalf("expected 1 active opportunity, got %d", d.ActiveCount())
	}

	d.process(ctx, snapshotWith("BTCUSDT", map[string]string{"A": "0.0", "B": "0.001"}))

	select {
	case ev := <-expired:
		hist := ev.(domain.OpportunityHistory)
		if hist.DisappearanceReason != domain.ReasonRateDropped {
			t.Fatalf("expected RATE_DROPPED, got %s", hist.DisappearanceReason)
		}
		if !hist.MaxDifference.Equal(decimal.NewFromFloat(0.006)) {
			t.Fatalf("expected max difference 0.006, got %s", hist.MaxDifference.String())
		}
	default:
		t.Fatal("expected an opportunityExpired event")
	}
	if d.ActiveCount() != 0 {
		t.Fatalf("expected 0 active opportunities after expiry, got %d", d.ActiveCount())
	}
}

func TestDetectorDataUnavailable(t *testing.T) {
	bus := events.New(16)
	closed, _ := bus.Subscribe(events.TopicOpportunityClosed)

	d := New(bus, nil, nil, decimal.NewFromFloat(0.005), zerolog.Nop())
	ctx := context.Background()

	d.process(ctx, snapshotWith("ETHUSDT", map[string]string{"A": "0.0", "B": "0.01"}))
	if d.ActiveCount() != 1 {
		t.Fatalf("expected 1 active opportunity, got %d", d.ActiveCount())
	}

	d.process(ctx, snapshotWith("ETHUSDT", map[string]string{"A": "0.0"}))

	select {
	case ev := <-closed:
		hist := ev.(domain.OpportunityHistory)
		if hist.DisappearanceReason != domain.ReasonDataUnavailable {
			t.Fatalf("expected DATA_UNAVAILABLE, got %s", hist.DisappearanceReason)
		}
	default:
		t.Fatal("expected an opportunityClosed event")
	}
}

func TestDetectorEqualRatesNoOpportunity(t *testing.T) {
	bus := events.New(16)
	d := New(bus, nil, nil, decimal.NewFromFloat(0.005), zerolog.Nop())
	d.process(context.Background(), snapshotWith("SOLUSDT", map[string]string{"A": "0.01", "B": "0.01"}))
	if d.ActiveCount() != 0 {
		t.Fatalf("expected no opportunity for equal rates, got %d", d.ActiveCount())
	}
}
