// Package domain holds the core entity types of the arbitrage engine:
// funding rates, rate snapshots, arbitrage opportunities, positions,
// and trades. All monetary and rate-bearing fields use
// shopspring/decimal rather than float64 so that comparisons and
// persisted values never pick up binary-float rounding error.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Source tags where a FundingRate observation came from.
type Source string

const (
	SourceWebSocket Source = "websocket"
	SourceREST      Source = "rest"
)

// DefaultFundingIntervalHours is used whenever a venue does not supply
// its own funding interval.
const DefaultFundingIntervalHours = 8

// ValidIntervals enumerates the funding intervals the system
// understands. Only these are legal normalization bases.
var ValidIntervals = map[int]bool{1: true, 4: true, 8: true, 24: true}

// FundingRate is an immutable observation of a venue's funding rate
// and mark/index price for one symbol at one point in time. A new
// FundingRate instance supersedes an older one for the same
// (venue, symbol) only if its ReceivedAt is not older.
type FundingRate struct {
	Venue                string
	Symbol               string // canonical BASEQUOTE form
	Rate                 decimal.Decimal
	MarkPrice            decimal.Decimal
	IndexPrice           decimal.Decimal // zero value means "not reported"
	HasIndexPrice        bool
	NextFundingTime      time.Time
	FundingIntervalHours int
	ReceivedAt           time.Time
	Source               Source
}

// IntervalOrDefault returns the funding interval, falling back to
// DefaultFundingIntervalHours if the venue didn't report one or
// reported an invalid value.
func (f FundingRate) IntervalOrDefault() int {
	if ValidIntervals[f.FundingIntervalHours] {
		return f.FundingIntervalHours
	}
	return DefaultFundingIntervalHours
}

// BestPair is the derived long/short pair for a symbol's RateSnapshot:
// the venue with the minimum funding rate (long) paired against the
// venue with the maximum (short).
type BestPair struct {
	LongVenue        string
	ShortVenue       string
	SpreadPercent    decimal.Decimal
	SpreadAnnualized decimal.Decimal
	PriceDiffPercent decimal.Decimal
}

// NormalizedVariant holds a symbol's best-pair spread recomputed at one
// of the four standard bases (1h, 4h, 8h, 24h).
type NormalizedVariant struct {
	IntervalHours    int
	SpreadPercent    decimal.Decimal
	SpreadAnnualized decimal.Decimal
}

// RateSnapshot is the per-symbol aggregation of the latest FundingRate
// from every reporting venue, plus the derived BestPair and the four
// standard normalized variants. Never holds more than one entry per
// venue.
type RateSnapshot struct {
	Symbol     string
	Rates      map[string]FundingRate // venue -> latest rate
	BestPair   *BestPair              // nil if fewer than two venues report
	Normalized map[int]NormalizedVariant
	UpdatedAt  time.Time
}

// Clone returns a deep-enough copy of the snapshot safe to hand to
// consumers without risking a data race with the aggregator's next
// mutation.
func (s *RateSnapshot) Clone() *RateSnapshot {
	out := &RateSnapshot{
		Symbol:    s.Symbol,
		Rates:     make(map[string]FundingRate, len(s.Rates)),
		UpdatedAt: s.UpdatedAt,
	}
	for k, v := range s.Rates {
		out.Rates[k] = v
	}
	if s.BestPair != nil {
		bp := *s.BestPair
		out.BestPair = &bp
	}
	if s.Normalized != nil {
		out.Normalized = make(map[int]NormalizedVariant, len(s.Normalized))
		for k, v := range s.Normalized {
			out.Normalized[k] = v
		}
	}
	return out
}
