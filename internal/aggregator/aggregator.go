// Package aggregator implements the Rate Aggregator / Cache (§4.5): an
// in-memory, per-symbol map of the latest funding rate reported by
// each venue, the derived best long/short pair, and the four standard
// normalized variants.
//
// Generalizes a single-global-mutex orderbook-keyed map that
// recomputed every unordered exchange pair on every update.
// Funding-rate snapshots are comparison-light (one rate per venue
// rather than an order book), so this version shards the symbol space
// across a fixed number of independently-locked buckets instead of a
// single RWMutex, so hot symbols on one shard don't stall updates to
// symbols on another.
package aggregator

import (
	"hash/fnv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossspread-arb-engine/internal/domain"
	"crossspread-arb-engine/internal/events"
	"crossspread-arb-engine/internal/metrics"
	"crossspread-arb-engine/internal/ratemath"
)

const shardCount = 32

// Band is the aggregator's own coarse signal-level classification of
// a symbol's best-pair spread, independent of the Opportunity
// Detector's threshold-based lifecycle.
type Band string

const (
	BandGreen  Band = "green"
	BandYellow Band = "yellow"
	BandNormal Band = "normal"
)

// Default band thresholds, expressed as percent (e.g. 0.5 means
// 0.5%), per §4.5.
var (
	DefaultGreenThreshold  = decimal.NewFromFloat(0.5)
	DefaultYellowThreshold = decimal.NewFromFloat(0.4)
)

// bandDebounce is the minimum time between two differing band
// publications for the same symbol, per §4.5's "debouncing
// oscillation within a 5-second window".
const bandDebounce = 5 * time.Second

// BandEvent is published on events.TopicBandChanged whenever a
// symbol's band classification changes outside its debounce window.
type BandEvent struct {
	Symbol        string
	LongVenue     string
	ShortVenue    string
	Band          Band
	SpreadPercent decimal.Decimal
	At            time.Time
}

type bandState struct {
	band   Band
	atTime time.Time
}

type shard struct {
	mu        sync.RWMutex
	snapshots map[string]*domain.RateSnapshot
	bands     map[string]bandState
}

// Aggregator is the Rate Aggregator / Cache.
type Aggregator struct {
	bus             *events.Bus
	shards          [shardCount]*shard
	greenThreshold  decimal.Decimal
	yellowThreshold decimal.Decimal
}

// New constructs an Aggregator publishing onto bus. Zero-value
// thresholds fall back to the §4.5 defaults.
func New(bus *events.Bus, greenThreshold, yellowThreshold decimal.Decimal) *Aggregator {
	if greenThreshold.IsZero() {
		greenThreshold = DefaultGreenThreshold
	}
	if yellowThreshold.IsZero() {
		yellowThreshold = DefaultYellowThreshold
	}
	a := &Aggregator{bus: bus, greenThreshold: greenThreshold, yellowThreshold: yellowThreshold}
	for i := range a.shards {
		a.shards[i] = &shard{
			snapshots: make(map[string]*domain.RateSnapshot),
			bands:     make(map[string]bandState),
		}
	}
	return a
}

func (a *Aggregator) shardFor(symbol string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return a.shards[h.Sum32()%shardCount]
}

// Update applies a new FundingRate observation, per the §4.5
// sequence: drop stale, replace, recompute, emit rate-updated exactly
// once, then evaluate the band signal.
func (a *Aggregator) Update(rate domain.FundingRate) {
	s := a.shardFor(rate.Symbol)

	s.mu.Lock()
	snap, ok := s.snapshots[rate.Symbol]
	if !ok {
		snap = &domain.RateSnapshot{Symbol: rate.Symbol, Rates: make(map[string]domain.FundingRate)}
		s.snapshots[rate.Symbol] = snap
	}
	if existing, had := snap.Rates[rate.Venue]; had && rate.ReceivedAt.Before(existing.ReceivedAt) {
		s.mu.Unlock()
		return
	}
	snap.Rates[rate.Venue] = rate
	recomputeSnapshot(snap)
	snap.UpdatedAt = time.Now()
	clone := snap.Clone()
	s.mu.Unlock()

	rateFloat, _ := rate.Rate.Float64()
	metrics.RecordFundingRate(rate.Venue, rate.Symbol, rateFloat)
	if clone.BestPair != nil {
		spreadFloat, _ := clone.BestPair.SpreadPercent.Float64()
		metrics.RecordSpread(clone.Symbol, clone.BestPair.LongVenue, clone.BestPair.ShortVenue, spreadFloat)
	}

	a.bus.Publish(events.TopicRateUpdated, clone)
	a.evaluateBand(s, clone)
}

func (a *Aggregator) evaluateBand(s *shard, snap *domain.RateSnapshot) {
	if snap.BestPair == nil {
		return
	}
	band := BandNormal
	switch {
	case snap.BestPair.SpreadPercent.GreaterThanOrEqual(a.greenThreshold):
		band = BandGreen
	case snap.BestPair.SpreadPercent.GreaterThanOrEqual(a.yellowThreshold):
		band = BandYellow
	}

	now := time.Now()
	s.mu.Lock()
	prev, had := s.bands[snap.Symbol]
	changed := !had || prev.band != band
	withinDebounce := had && now.Sub(prev.atTime) < bandDebounce
	if changed && withinDebounce {
		changed = false
	}
	if changed {
		s.bands[snap.Symbol] = bandState{band: band, atTime: now}
	}
	s.mu.Unlock()

	if !changed {
		return
	}
	a.bus.Publish(events.TopicBandChanged, BandEvent{
		Symbol:        snap.Symbol,
		LongVenue:     snap.BestPair.LongVenue,
		ShortVenue:    snap.BestPair.ShortVenue,
		Band:          band,
		SpreadPercent: snap.BestPair.SpreadPercent,
		At:            now,
	})
}

// recomputeSnapshot rebuilds BestPair and the four normalized
// variants from snap.Rates in place. Requires the caller to hold the
// owning shard's lock.
func recomputeSnapshot(snap *domain.RateSnapshot) {
	if len(snap.Rates) < 2 {
		snap.BestPair = nil
		snap.Normalized = nil
		return
	}

	var longVenue, shortVenue string
	var longRate, shortRate domain.FundingRate
	first := true
	for venue, r := range snap.Rates {
		if first {
			longVenue, shortVenue = venue, venue
			longRate, shortRate = r, r
			first = false
			continue
		}
		if r.Rate.LessThan(longRate.Rate) {
			longVenue, longRate = venue, r
		}
		if r.Rate.GreaterThan(shortRate.Rate) {
			shortVenue, shortRate = venue, r
		}
	}

	if longVenue == shortVenue {
		// Every venue reports the identical rate: no pair to form.
		snap.BestPair = nil
		snap.Normalized = nil
		return
	}

	diff := shortRate.Rate.Sub(longRate.Rate)
	hundred := decimal.NewFromInt(100)

	var priceDiffPercent decimal.Decimal
	if !longRate.MarkPrice.IsZero() {
		priceDiffPercent = shortRate.MarkPrice.Sub(longRate.MarkPrice).Abs().
			Div(longRate.MarkPrice).Mul(hundred)
	}

	snap.BestPair = &domain.BestPair{
		LongVenue:        longVenue,
		ShortVenue:       shortVenue,
		SpreadPercent:    diff.Mul(hundred),
		SpreadAnnualized: annualizedSpread(diff, domain.DefaultFundingIntervalHours),
		PriceDiffPercent: priceDiffPercent,
	}

	variants := make(map[int]domain.NormalizedVariant, len(domain.ValidIntervals))
	for h := range domain.ValidIntervals {
		normLong, err1 := ratemath.Normalize(longRate.Rate, longRate.IntervalOrDefault(), h)
		normShort, err2 := ratemath.Normalize(shortRate.Rate, shortRate.IntervalOrDefault(), h)
		if err1 != nil || err2 != nil {
			continue
		}
		d := normShort.Sub(normLong)
		variants[h] = domain.NormalizedVariant{
			IntervalHours:    h,
			SpreadPercent:    d.Mul(hundred),
			SpreadAnnualized: annualizedSpread(d, h),
		}
	}
	snap.Normalized = variants
}

func annualizedSpread(diff decimal.Decimal, intervalHours int) decimal.Decimal {
	annual, err := ratemath.Annualize(diff, intervalHours)
	if err != nil {
		return decimal.Zero
	}
	return annual.Mul(decimal.NewFromInt(100))
}

// Snapshot returns a defensive copy of the current snapshot for
// symbol, or nil if nothing has been reported yet.
func (a *Aggregator) Snapshot(symbol string) *domain.RateSnapshot {
	s := a.shardFor(symbol)
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[symbol]
	if !ok {
		return nil
	}
	return snap.Clone()
}

// Symbols returns every symbol currently tracked, across all shards.
func (a *Aggregator) Symbols() []string {
	var out []string
	for _, s := range a.shards {
		s.mu.RLock()
		for sym := range s.snapshots {
			out = append(out, sym)
		}
		s.mu.RUnlock()
	}
	return out
}
