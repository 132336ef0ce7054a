// Package venue defines the uniform contract every trading venue adapter
// implements, plus the normalization layer that turns venue-specific frames
// into canonical quotes.
//
// An Adapter hides transport, encoding, and authentication for one venue.
// The ingestion hub only ever talks to this interface; everything behind it
// (Hyperliquid's WS protocol, a paper-trading simulator, a replay source)
// is interchangeable.
package venue

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Sentinel errors for the adapter surface. Wrapped with venue context at
// the call site; callers test with errors.Is.
var (
	ErrConnectFailed    = errors.New("venue: connect failed")
	ErrNotConnected     = errors.New("venue: not connected")
	ErrNotAuthenticated = errors.New("venue: not authenticated")
	ErrRateLimited      = errors.New("venue: rate limited")
	ErrOrderRejected    = errors.New("venue: order rejected")
	ErrOrderNotFound    = errors.New("venue: order not found")
)

// QuoteCallback receives every normalized quote an adapter emits.
// Callbacks registered on the same adapter fire in registration order.
type QuoteCallback func(types.Quote)

// Adapter is the capability set every venue must provide. Market-data
// methods work unauthenticated; trading methods return
// ErrNotAuthenticated when credentials are missing.
type Adapter interface {
	// Name returns the canonical venue name, e.g. "Hyperliquid".
	Name() string

	// Connect establishes transport and subscribes to order-book and
	// ticker streams for the given canonical symbols. It returns once the
	// initial connection is up; a background decoder keeps running until
	// Disconnect or ctx cancellation.
	Connect(ctx context.Context, symbols []string) error

	// Disconnect closes the transport and stops background work.
	Disconnect() error

	// OnQuote registers a callback fired for every normalized quote.
	OnQuote(cb QuoteCallback)

	// SnapshotTicker fetches the current quote over REST.
	SnapshotTicker(ctx context.Context, symbol string) (types.Quote, error)

	// SnapshotBook fetches a depth snapshot over REST, up to depth levels
	// per side, for slippage estimation.
	SnapshotBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error)

	// PlaceOrder submits an order. clientOrderID is the caller's
	// idempotency key and is echoed back on the returned order.
	PlaceOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal,
		typ types.OrderType, price decimal.Decimal, clientOrderID string) (types.Order, error)

	// CancelOrder cancels by venue order id. Returns false when the order
	// was already terminal.
	CancelOrder(ctx context.Context, orderID, symbol string) (bool, error)

	// FetchOrder returns the current state of one order.
	FetchOrder(ctx context.Context, orderID, symbol string) (types.Order, error)

	// FetchOpenOrders lists non-terminal orders, optionally filtered by
	// symbol (empty string = all).
	FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error)

	// FetchBalances returns per-asset balances.
	FetchBalances(ctx context.Context) (map[string]types.Balance, error)

	// FetchPositions returns the venue-reported open positions.
	FetchPositions(ctx context.Context) ([]types.Position, error)

	// TradingFees returns the maker/taker rates for a symbol. Static
	// config values unless the venue exposes live fee tiers.
	TradingFees(symbol string) types.Fees
}
