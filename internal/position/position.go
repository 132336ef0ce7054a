// Package position manages the lifecycle of paired long/short arbitrage
// positions: concurrent leg submission, partial-fill reconciliation, close
// decisions, and PnL accounting.
package position

import (
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Status is the lifecycle state of an arbitrage position. The state
// machine is strict: PENDING -> OPENING -> {OPEN | FAILED} and
// OPEN -> CLOSING -> {CLOSED | FAILED}. No edge skips a state.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusOpening Status = "OPENING"
	StatusOpen    Status = "OPEN"
	StatusClosing Status = "CLOSING"
	StatusClosed  Status = "CLOSED"
	StatusFailed  Status = "FAILED"
)

// Terminal reports whether the position can no longer change state.
func (s Status) Terminal() bool { return s == StatusClosed || s == StatusFailed }

// CloseReason records why a close was triggered.
type CloseReason string

const (
	CloseConvergence CloseReason = "convergence"
	CloseTimeout     CloseReason = "timeout"
	CloseStopLoss    CloseReason = "stop_loss"
	CloseForced      CloseReason = "forced"
)

// ArbitragePosition is a paired exposure: long on one venue, short on
// another, same symbol and size. Orders are referenced by client order id
// and resolved through the order router; the position record itself holds
// value copies taken at transition points, never live pointers.
type ArbitragePosition struct {
	ID            string
	OpportunityID string
	Symbol        string
	LongVenue     string
	ShortVenue    string
	Size          decimal.Decimal // filled size once OPEN
	EntrySpread   decimal.Decimal // percent at detection
	ExitTargetPct decimal.Decimal

	LongOrderID       string // clientOrderID "{id}_long"
	ShortOrderID      string // clientOrderID "{id}_short"
	CloseLongOrderID  string // "{id}_close_long"
	CloseShortOrderID string // "{id}_close_short"

	OpenLongPx   decimal.Decimal // average entry on the long leg
	OpenShortPx  decimal.Decimal
	CloseLongPx  decimal.Decimal
	CloseShortPx decimal.Decimal

	CreatedAt time.Time
	OpenedAt  time.Time
	ClosedAt  time.Time

	RealizedPnl   decimal.Decimal
	UnrealizedPnl decimal.Decimal
	FeesPaid      decimal.Decimal

	Status           Status
	CloseReason      CloseReason
	ErrorMsg         string
	ResidualExposure bool // legs could not be equalized; operator attention
}

// Value returns the position notional in quote asset at entry.
func (p *ArbitragePosition) Value() decimal.Decimal {
	return p.Size.Mul(p.OpenLongPx)
}

// legIDs derive the deterministic client order ids for a position.
func legIDs(posID string) (long, short string) {
	return posID + "_long", posID + "_short"
}

func closeLegIDs(posID string) (long, short string) {
	return posID + "_close_long", posID + "_close_short"
}

// computeRealizedPnl applies the two-leg PnL identity:
// (closeLong - openLong) * size + (openShort - closeShort) * size - fees.
func computeRealizedPnl(p *ArbitragePosition) decimal.Decimal {
	long := p.CloseLongPx.Sub(p.OpenLongPx).Mul(p.Size)
	short := p.OpenShortPx.Sub(p.CloseShortPx).Mul(p.Size)
	return long.Add(short).Sub(p.FeesPaid)
}

// avgPrice extracts the average execution price of an order, falling back
// to zero when nothing filled.
func avgPrice(o types.Order) decimal.Decimal {
	if o.Filled.Sign() <= 0 {
		return decimal.Decimal{}
	}
	return o.Price
}
