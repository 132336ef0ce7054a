// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: normalized quotes,
// order book snapshots, arbitrage opportunities, orders, and balances. It has
// no dependencies on internal packages, so it can be imported by any layer.
//
// All prices, sizes, fees, and PnL values are shopspring decimals. Binary
// floating-point never touches price math; float64 only appears at the config
// and CLI boundary, where values are converted to Decimal exactly once.
package types

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// Opposite returns the flattening direction for a filled leg.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// OrderType enumerates the supported order kinds. Arbitrage legs are
// submitted as MARKET orders; LIMIT exists for the adapter surface.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
)

// OrderStatus is the venue-reported lifecycle state of an order.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderOpen            OrderStatus = "OPEN"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
	OrderExpired         OrderStatus = "EXPIRED"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected, OrderExpired:
		return true
	}
	return false
}

// HasFill reports whether the order has any executed quantity
// (FILLED or PARTIALLY_FILLED).
func (s OrderStatus) HasFill() bool {
	return s == OrderFilled || s == OrderPartiallyFilled
}

// QuoteAsset is the settlement currency on every supported venue.
// Symbols are canonical base-asset names ("BTC", "ETH", ...); the quote
// side is always USDT-margined.
const QuoteAsset = "USDT"

// Quote is an immutable best-bid/ask snapshot for one (venue, symbol).
// Created by a venue adapter's decoder and never mutated afterwards.
//
// Last, MarkPrice, and Volume24h are optional; the zero Decimal means the
// venue did not provide the field.
type Quote struct {
	Venue     string          // canonical venue name, e.g. "Hyperliquid"
	Symbol    string          // canonical symbol, e.g. "BTC"
	Bid       decimal.Decimal // best bid, > 0
	Ask       decimal.Decimal // best ask, >= bid
	Last      decimal.Decimal // last trade price (optional)
	MarkPrice decimal.Decimal // venue mark price (optional)
	Volume24h decimal.Decimal // trailing 24h base volume (optional)
	TsNanos   int64           // event time, nanoseconds since Unix epoch (UTC)
}

// Validate checks the quote invariant: bid > 0, ask > 0, bid <= ask.
// Frames violating it are dropped at the adapter boundary and counted.
func (q Quote) Validate() error {
	if q.Bid.Sign() <= 0 || q.Ask.Sign() <= 0 {
		return fmt.Errorf("quote %s/%s: non-positive bid/ask (bid=%s ask=%s)",
			q.Venue, q.Symbol, q.Bid, q.Ask)
	}
	if q.Bid.GreaterThan(q.Ask) {
		return fmt.Errorf("quote %s/%s: crossed (bid=%s > ask=%s)",
			q.Venue, q.Symbol, q.Bid, q.Ask)
	}
	return nil
}

// Mid returns (bid + ask) / 2.
func (q Quote) Mid() decimal.Decimal {
	return q.Bid.Add(q.Ask).Div(decimal.NewFromInt(2))
}

// PriceLevel is a single bid or ask level in an order book.
type PriceLevel struct {
	Price decimal.Decimal
	Size  decimal.Decimal
}

// OrderBook is a depth snapshot used transiently for slippage estimation.
// Bids are sorted descending by price, asks ascending; all sizes > 0.
type OrderBook struct {
	Symbol  string
	Bids    []PriceLevel
	Asks    []PriceLevel
	TsNanos int64
}

// Validate checks ordering and size invariants on both sides.
func (b OrderBook) Validate() error {
	for i, lvl := range b.Bids {
		if lvl.Size.Sign() <= 0 {
			return fmt.Errorf("book %s: bid level %d has size %s", b.Symbol, i, lvl.Size)
		}
		if i > 0 && lvl.Price.GreaterThan(b.Bids[i-1].Price) {
			return fmt.Errorf("book %s: bids not descending at level %d", b.Symbol, i)
		}
	}
	for i, lvl := range b.Asks {
		if lvl.Size.Sign() <= 0 {
			return fmt.Errorf("book %s: ask level %d has size %s", b.Symbol, i, lvl.Size)
		}
		if i > 0 && lvl.Price.LessThan(b.Asks[i-1].Price) {
			return fmt.Errorf("book %s: asks not ascending at level %d", b.Symbol, i)
		}
	}
	return nil
}

// Opportunity is the detector's output: a directional price dislocation on
// one symbol across two venues. Created by the detector, enriched with
// slippage estimates, consumed by the risk gate and the position manager,
// then discarded.
type Opportunity struct {
	ID              string // monotonic, e.g. "ARB_000042"
	Symbol          string
	BuyVenue        string          // venue with the lower ask
	SellVenue       string          // venue with the higher bid
	BuyPrice        decimal.Decimal // ask on BuyVenue
	SellPrice       decimal.Decimal // bid on SellVenue
	SpreadPct       decimal.Decimal // (sell - buy) / buy * 100
	RecommendedSize decimal.Decimal // base asset
	ExpectedProfit  decimal.Decimal // quote asset
	SlippageBuy     decimal.Decimal // percent, set once estimated
	SlippageSell    decimal.Decimal // percent, set once estimated
	TsNanos         int64
}

// NetSpread is the spread percent minus the round-trip slippage estimate.
// Evaluated by the risk gate after slippage has been attached.
func (o Opportunity) NetSpread() decimal.Decimal {
	return o.SpreadPct.Sub(o.SlippageBuy).Sub(o.SlippageSell)
}

// PositionValue is the notional of the recommended trade in quote asset.
func (o Opportunity) PositionValue() decimal.Decimal {
	return o.RecommendedSize.Mul(o.BuyPrice)
}

// Order is a venue-visible order record. Created by the order router,
// mutated only by the single monitor loop watching it, read by the
// position manager as value copies.
type Order struct {
	ID            string // venue-assigned order id
	ClientOrderID string // our idempotency key
	Venue         string
	Symbol        string
	Side          Side
	Type          OrderType
	Price         decimal.Decimal // limit price, or average fill for market orders
	Quantity      decimal.Decimal
	Filled        decimal.Decimal
	Status        OrderStatus
	TsNanos       int64
	Fee           decimal.Decimal
}

// Remaining returns quantity - filled.
func (o Order) Remaining() decimal.Decimal {
	return o.Quantity.Sub(o.Filled)
}

// Balance is the per-asset holding on one venue.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns free + locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// Position is a venue-reported directional position (perp account surface).
type Position struct {
	Venue         string
	Symbol        string
	Side          Side
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
	RealizedPnl   decimal.Decimal
	TsNanos       int64
}

// Fees holds the maker/taker fee rates for one venue as fractional rates
// (0.0004 = 4 bps). Arbitrage legs cross the spread, so taker applies.
type Fees struct {
	Maker decimal.Decimal
	Taker decimal.Decimal
}
