package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConditionalOrderStatus tracks the state of a position's SL/TP
// conditional orders across both legs.
type ConditionalOrderStatus string

const (
	ConditionalPending ConditionalOrderStatus = "PENDING"
	ConditionalSetting ConditionalOrderStatus = "SETTING"
	ConditionalSet     ConditionalOrderStatus = "SET"
	ConditionalPartial ConditionalOrderStatus = "PARTIAL"
	ConditionalFailed  ConditionalOrderStatus = "FAILED"
)

// PositionStatus is the overall lifecycle status of a hedged position.
type PositionStatus string

const (
	PositionPending PositionStatus = "PENDING"
	PositionOpening PositionStatus = "OPENING"
	PositionOpen    PositionStatus = "OPEN"
	PositionClosing PositionStatus = "CLOSING"
	PositionClosed  PositionStatus = "CLOSED"
	PositionFailed  PositionStatus = "FAILED"
	PositionPartial PositionStatus = "PARTIAL"
)

// Side identifies a leg of a hedged position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// ExitSuggestionReason explains why the exit monitor flagged a
// position for manual review.
type ExitSuggestionReason string

const (
	ReasonAPYNegative    ExitSuggestionReason = "APY_NEGATIVE"
	ReasonProfitLockable ExitSuggestionReason = "PROFIT_LOCKABLE"
)

// Leg captures one side of a hedged position.
type Leg struct {
	Venue             string
	Side              Side
	EntryPrice        decimal.Decimal
	Size              decimal.Decimal
	Leverage          decimal.Decimal
	OpenFundingRate   decimal.Decimal
	StopLossEnabled   bool
	StopLossPercent   decimal.Decimal
	StopLossPrice     decimal.Decimal
	TakeProfitEnabled bool
	TakeProfitPercent decimal.Decimal
	TakeProfitPrice   decimal.Decimal

	// Set once the leg is actually closed.
	ClosedAt     time.Time
	ExitPrice    decimal.Decimal
	CloseFees    decimal.Decimal
	OpenFees     decimal.Decimal
	Closed       bool
	CloseOrderID string
}

// Position is a user-owned two-leg hedge.
type Position struct {
	ID     string
	UserID string
	Symbol string

	Long  Leg
	Short Leg

	ConditionalOrderStatus ConditionalOrderStatus
	Status                 PositionStatus

	ExitSuggested bool
	ExitReason    ExitSuggestionReason
	ExitAt        time.Time
	lastSuggestAt time.Time

	CumulativeFundingPnL decimal.Decimal

	OpenedAt time.Time
	ClosedAt time.Time
}

// LegFor returns a pointer to the Long or Short leg matching side.
func (p *Position) LegFor(side Side) *Leg {
	if side == Long {
		return &p.Long
	}
	return &p.Short
}

// OppositeLeg returns the leg opposite the given side — the hedge leg
// that must be closed when the given side is triggered.
func (p *Position) OppositeLeg(side Side) *Leg {
	if side == Long {
		return &p.Short
	}
	return &p.Long
}

// LastSuggestionAt exposes the debounce timestamp for the exit
// monitor; zero value means never suggested.
func (p *Position) LastSuggestionAt() time.Time { return p.lastSuggestAt }

// MarkSuggested records a new exit suggestion, including the debounce
// timestamp.
func (p *Position) MarkSuggested(reason ExitSuggestionReason, at time.Time) {
	p.ExitSuggested = true
	p.ExitReason = reason
	p.ExitAt = at
	p.lastSuggestAt = at
}

// ClearSuggestion resets the exit suggestion flags (exitCanceled path).
func (p *Position) ClearSuggestion() {
	p.ExitSuggested = false
	p.ExitReason = ""
	p.ExitAt = time.Time{}
	p.lastSuggestAt = time.Time{}
}

// Immutable reports whether the position has reached a terminal state
// that forbids further mutation.
func (p *Position) Immutable() bool {
	return p.Status == PositionClosed || p.Status == PositionFailed
}

// CloseReason classifies why a Trade was closed.
type CloseReason string

const (
	CloseManual           CloseReason = "MANUAL"
	CloseLongSLTriggered  CloseReason = "LONG_SL_TRIGGERED"
	CloseLongTPTriggered  CloseReason = "LONG_TP_TRIGGERED"
	CloseShortSLTriggered CloseReason = "SHORT_SL_TRIGGERED"
	CloseShortTPTriggered CloseReason = "SHORT_TP_TRIGGERED"
	CloseAutoExit         CloseReason = "AUTO_EXIT"
)

// Trade is the terminal, immutable record of a closed Position.
type Trade struct {
	ID         string
	PositionID string
	UserID     string
	Symbol     string

	LongExitPrice  decimal.Decimal
	ShortExitPrice decimal.Decimal

	PriceDiffPnL    decimal.Decimal
	FundingRatePnL  decimal.Decimal
	TotalFees       decimal.Decimal
	TotalPnL        decimal.Decimal
	ROIPercent      decimal.Decimal
	HoldingDuration time.Duration
	CloseReason     CloseReason

	OpenedAt time.Time
	ClosedAt time.Time
}
