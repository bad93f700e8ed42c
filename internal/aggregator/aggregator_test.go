package aggregator

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
)

func rate(venue string, r float64, at time.Time) domain.FundingRate {
	return domain.FundingRate{
		Venue:                venue,
		Symbol:               "BTCUSDT",
		Rate:                 decimal.NewFromFloat(r),
		MarkPrice:            decimal.NewFromInt(50000),
		FundingIntervalHours: 8,
		ReceivedAt:           at,
	}
}

func TestBestPairDeterminism(t *testing.T) {
	bus := events.New(16)
	a := New(bus, decimal.Zero, decimal.Zero)
	now := time.Now()

	a.Update(rate("okx", 0.0001, now))
	a.Update(rate("gateio", 0.0006, now))
	a.Update(rate("bingx", 0.0003, now))

	snap := a.Snapshot("BTCUSDT")
	if snap == nil || snap.BestPair == nil {
		t.Fatal("expected a best pair across three venues")
	}
	if snap.BestPair.LongVenue != "okx" {
		t.Errorf("LongVenue = %s, want okx (lowest rate)", snap.BestPair.LongVenue)
	}
	if snap.BestPair.ShortVenue != "gateio" {
		t.Errorf("ShortVenue = %s, want gateio (highest rate)", snap.BestPair.ShortVenue)
	}
}

func TestBestPairInsensitiveToInsertionOrder(t *testing.T) {
	rates := map[string]float64{"a": 0.001, "b": 0.0005, "c": -0.0002}
	orders := [][]string{
		{"a", "b", "c"},
		{"c", "a", "b"},
		{"b", "c", "a"},
	}
	now := time.Now()
	for _, order := range orders {
		a := New(events.New(16), decimal.Zero, decimal.Zero)
		for _, venue := range order {
			a.Update(rate(venue, rates[venue], now))
		}
		snap := a.Snapshot("BTCUSDT")
		if snap == nil || snap.BestPair == nil {
			t.Fatalf("order %v: expected a best pair", order)
		}
		if snap.BestPair.LongVenue != "c" || snap.BestPair.ShortVenue != "a" {
			t.Errorf("order %v: best pair = long %s / short %s, want long c / short a",
				order, snap.BestPair.LongVenue, snap.BestPair.ShortVenue)
		}
		want := decimal.NewFromFloat(0.12)
		if !snap.BestPair.SpreadPercent.Equal(want) {
			t.Errorf("order %v: spreadPercent = %s, want %s", order, snap.BestPair.SpreadPercent, want)
		}
	}
}

func TestStaleUpdateDropped(t *testing.T) {
	bus := events.New(16)
	a := New(bus, decimal.Zero, decimal.Zero)
	now := time.Now()

	a.Update(rate("okx", 0.0005, now))
	a.Update(rate("okx", 0.0009, now.Add(-time.Minute))) // older, must be dropped

	snap := a.Snapshot("BTCUSDT")
	got := snap.Rates["okx"].Rate
	want := decimal.NewFromFloat(0.0005)
	if !got.Equal(want) {
		t.Errorf("okx rate = %s, want %s (stale update should not overwrite)", got, want)
	}
}

func TestEqualRatesProduceNoBestPair(t *testing.T) {
	bus := events.New(16)
	a := New(bus, decimal.Zero, decimal.Zero)
	now := time.Now()

	a.Update(rate("okx", 0.0002, now))
	a.Update(rate("gateio", 0.0002, now))

	snap := a.Snapshot("BTCUSDT")
	if snap.BestPair != nil {
		t.Error("equal rates across all venues should produce no best pair")
	}
}

func TestRateUpdatedEmittedOncePerUpdate(t *testing.T) {
	bus := events.New(16)
	ch, _ := bus.Subscribe(events.TopicRateUpdated)
	a := New(bus, decimal.Zero, decimal.Zero)
	a.Update(rate("okx", 0.0001, time.Now()))

	count := 0
	draining := true
	for draining {
		select {
		case <-ch:
			count++
		default:
			draining = false
		}
	}
	if count != 1 {
		t.Errorf("rate-updated published %d times, want exactly 1", count)
	}
}
