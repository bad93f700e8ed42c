package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OpportunityState is the lifecycle state of an ArbitrageOpportunity.
// Transitions are one-way: ACTIVE -> {EXPIRED, CLOSED}. A non-ACTIVE
// opportunity rejects all mutating operations.
type OpportunityState string

const (
	OpportunityActive  OpportunityState = "ACTIVE"
	OpportunityExpired OpportunityState = "EXPIRED"
	OpportunityClosed  OpportunityState = "CLOSED"
)

// DisappearReason explains why an OpportunityHistory was written.
type DisappearReason string

const (
	ReasonRateDropped     DisappearReason = "RATE_DROPPED"
	ReasonDataUnavailable DisappearReason = "DATA_UNAVAILABLE"
	ReasonManualClose     DisappearReason = "MANUAL_CLOSE"
	ReasonSystemError     DisappearReason = "SYSTEM_ERROR"
)

// ArbitrageOpportunity tracks a persistent rate-difference opportunity
// between two venues for one symbol.
type ArbitrageOpportunity struct {
	ID         string
	Symbol     string
	LongVenue  string // venue with the lower funding rate
	ShortVenue string // venue with the higher funding rate
	State      OpportunityState

	InitialDifference decimal.Decimal
	CurrentDifference decimal.Decimal
	MaxDifference     decimal.Decimal
	MaxDifferenceAt   time.Time

	// observations accumulates every difference that updated this
	// opportunity while ACTIVE, for the terminal average.
	Observations []decimal.Decimal

	NotificationCount int
	CreatedAt         time.Time
	UpdatedAt         time.Time
	ClosedAt          time.Time
}

// Key uniquely identifies an opportunity by its (symbol, long, short)
// triple, matching the contract's findActiveBy lookup.
func (o *ArbitrageOpportunity) Key() string {
	return o.Symbol + "|" + o.LongVenue + "|" + o.ShortVenue
}

// AverageDifference is the arithmetic mean of every observation
// recorded while the opportunity was ACTIVE.
func (o *ArbitrageOpportunity) AverageDifference() decimal.Decimal {
	if len(o.Observations) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, d := range o.Observations {
		sum = sum.Add(d)
	}
	return sum.Div(decimal.NewFromInt(int64(len(o.Observations))))
}

// OpportunityHistory is the terminal summary written when an
// ArbitrageOpportunity leaves the ACTIVE state.
type OpportunityHistory struct {
	OpportunityID       string
	Symbol              string
	LongVenue           string
	ShortVenue          string
	InitialDifference   decimal.Decimal
	MaxDifference       decimal.Decimal
	AverageDifference   decimal.Decimal
	Duration            time.Duration
	TotalNotifications  int
	DisappearanceReason DisappearReason
	CreatedAt           time.Time
	ClosedAt            time.Time
}
