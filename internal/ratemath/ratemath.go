// Package ratemath implements the Rate Normalizer: the pure function
// that rescales a funding rate observed at one settlement interval to
// an equivalent rate at a different target basis. Its only dependency
// is shopspring/decimal, for exact rate arithmetic; the rescaling
// itself is a single multiplication.
//
// This is deliberately its own package, separate from internal/symbols
// (canonical/venue symbol translation) — conflating symbol-string
// mapping with funding-interval arithmetic under one "normalizer" name
// would leave a reader unsure which concern they're looking at.
package ratemath

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// ValidIntervals are the only funding intervals, in hours, the engine
// understands as a normalization source or target basis.
var ValidIntervals = map[int]bool{1: true, 4: true, 8: true, 24: true}

// Normalize rescales rate r, observed at interval hSrc hours, to the
// equivalent rate at hDst hours: r_dst = r * (hDst / hSrc). Both
// intervals must be one of {1, 4, 8, 24}; any other value is an error
// rather than a silent default, since silently substituting a basis
// would corrupt a comparison the caller asked for explicitly. Callers
// that receive a missing interval from a venue should substitute
// domain.DefaultFundingIntervalHours themselves before calling in, so
// that choice is visible at the call site.
func Normalize(rate decimal.Decimal, hSrc, hDst int) (decimal.Decimal, error) {
	if !ValidIntervals[hSrc] {
		return decimal.Decimal{}, fmt.Errorf("ratemath: invalid source interval %dh", hSrc)
	}
	if !ValidIntervals[hDst] {
		return decimal.Decimal{}, fmt.Errorf("ratemath: invalid target interval %dh", hDst)
	}
	if hSrc == hDst {
		return rate, nil
	}
	factor := decimal.NewFromInt(int64(hDst)).Div(decimal.NewFromInt(int64(hSrc)))
	return rate.Mul(factor), nil
}

// AnnualizedSettlementsPerYear is the number of funding settlements in
// a year at an 8-hour interval (365 days * 3 settlements/day), the
// baseline the engine uses for APY/"spread annualized" figures per the
// funding-interval convention.
const AnnualizedSettlementsPerYear = 1095

// Annualize projects a per-settlement rate observed at interval hSrc
// hours into an annualized rate, assuming settlements recur every
// hSrc hours across a 365-day year.
func Annualize(rate decimal.Decimal, hSrc int) (decimal.Decimal, error) {
	if !ValidIntervals[hSrc] {
		return decimal.Decimal{}, fmt.Errorf("ratemath: invalid source interval %dh", hSrc)
	}
	settlementsPerYear := decimal.NewFromInt(365 * 24 / int64(hSrc))
	return rate.Mul(settlementsPerYear), nil
}
