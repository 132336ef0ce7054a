// sim.go implements a simulated venue used for paper trading and tests.
//
// The simulator fills market orders instantly at the current quote (ask
// for buys, bid for sells), tracks balances, and lets callers inject
// quotes and depth directly. A fill hook allows tests to force partial
// fills or rejections for reconciliation scenarios.
package venue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// Sim is an in-memory venue adapter. Safe for concurrent use.
type Sim struct {
	name string
	fees types.Fees

	mu         sync.Mutex
	connected  bool
	quotes     map[string]types.Quote     // by symbol
	books      map[string]types.OrderBook // by symbol
	orders     map[string]types.Order     // by venue order id
	byClientID map[string]string          // clientOrderID -> venue order id
	balances   map[string]types.Balance
	seq        int64

	cbMu      sync.RWMutex
	callbacks []QuoteCallback

	// FillHook, when set, runs after the default fill and may rewrite the
	// order (partial fill, rejection). Test and simulation knob.
	FillHook func(o *types.Order)

	// BalanceErr, when set, makes FetchBalances fail. Test knob for
	// account-surface outages.
	BalanceErr error
}

// NewSim creates a simulated venue with the given display name and an
// initial quote-asset balance.
func NewSim(name string, quoteBalance decimal.Decimal) *Sim {
	s := &Sim{
		name: name,
		fees: types.Fees{
			Maker: decimal.NewFromFloat(0.0002),
			Taker: decimal.NewFromFloat(0.0006),
		},
		quotes:     make(map[string]types.Quote),
		books:      make(map[string]types.OrderBook),
		orders:     make(map[string]types.Order),
		byClientID: make(map[string]string),
		balances:   make(map[string]types.Balance),
	}
	s.balances[types.QuoteAsset] = types.Balance{Asset: types.QuoteAsset, Free: quoteBalance}
	return s
}

// SetFees overrides the simulator's fee schedule.
func (s *Sim) SetFees(f types.Fees) { s.fees = f }

// SetBalance sets the free balance for one asset.
func (s *Sim) SetBalance(asset string, free decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[asset] = types.Balance{Asset: asset, Free: free}
}

// PushQuote stores a quote and emits it to registered callbacks, exactly
// as a live decoder would.
func (s *Sim) PushQuote(q types.Quote) {
	s.mu.Lock()
	s.quotes[q.Symbol] = q
	s.mu.Unlock()

	s.cbMu.RLock()
	defer s.cbMu.RUnlock()
	for _, cb := range s.callbacks {
		cb(q)
	}
}

// PushBook stores a depth snapshot served by SnapshotBook.
func (s *Sim) PushBook(b types.OrderBook) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.books[b.Symbol] = b
}

func (s *Sim) Name() string { return s.name }

func (s *Sim) Connect(ctx context.Context, symbols []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = true
	return nil
}

func (s *Sim) Disconnect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	return nil
}

func (s *Sim) OnQuote(cb QuoteCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.callbacks = append(s.callbacks, cb)
}

func (s *Sim) SnapshotTicker(ctx context.Context, symbol string) (types.Quote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.quotes[symbol]
	if !ok {
		return types.Quote{}, fmt.Errorf("sim %s: no quote for %s", s.name, symbol)
	}
	return q, nil
}

func (s *Sim) SnapshotBook(ctx context.Context, symbol string, depth int) (types.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.books[symbol]
	if !ok {
		return types.OrderBook{}, fmt.Errorf("sim %s: no book for %s", s.name, symbol)
	}
	out := types.OrderBook{Symbol: b.Symbol, TsNanos: b.TsNanos}
	for i, lvl := range b.Bids {
		if depth > 0 && i >= depth {
			break
		}
		out.Bids = append(out.Bids, lvl)
	}
	for i, lvl := range b.Asks {
		if depth > 0 && i >= depth {
			break
		}
		out.Asks = append(out.Asks, lvl)
	}
	return out, nil
}

// PlaceOrder fills market orders at the stored quote and is idempotent on
// clientOrderID: re-submitting the same id returns the existing order.
func (s *Sim) PlaceOrder(ctx context.Context, symbol string, side types.Side, qty decimal.Decimal,
	typ types.OrderType, price decimal.Decimal, clientOrderID string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected {
		return types.Order{}, fmt.Errorf("%w: %s", ErrNotConnected, s.name)
	}
	if id, ok := s.byClientID[clientOrderID]; ok {
		return s.orders[id], nil
	}

	q, ok := s.quotes[symbol]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s: no quote for %s", ErrOrderRejected, s.name, symbol)
	}

	s.seq++
	order := types.Order{
		ID:            fmt.Sprintf("%s-%d", s.name, s.seq),
		ClientOrderID: clientOrderID,
		Venue:         s.name,
		Symbol:        symbol,
		Side:          side,
		Type:          typ,
		Quantity:      qty,
		TsNanos:       time.Now().UnixNano(),
	}

	fillPx := price
	if typ == types.Market {
		if side == types.Buy {
			fillPx = q.Ask
		} else {
			fillPx = q.Bid
		}
	}
	order.Price = fillPx
	order.Filled = qty
	order.Status = types.OrderFilled
	order.Fee = fillPx.Mul(qty).Mul(s.fees.Taker)

	if s.FillHook != nil {
		s.FillHook(&order)
	}

	if order.Status.HasFill() {
		s.settle(order)
	}

	s.orders[order.ID] = order
	s.byClientID[clientOrderID] = order.ID
	return order, nil
}

// settle adjusts balances for the filled portion. Caller holds s.mu.
func (s *Sim) settle(o types.Order) {
	notional := o.Price.Mul(o.Filled)
	quote := s.balances[types.QuoteAsset]
	base := s.balances[o.Symbol]
	base.Asset = o.Symbol
	if o.Side == types.Buy {
		quote.Free = quote.Free.Sub(notional).Sub(o.Fee)
		base.Free = base.Free.Add(o.Filled)
	} else {
		quote.Free = quote.Free.Add(notional).Sub(o.Fee)
		base.Free = base.Free.Sub(o.Filled)
	}
	s.balances[types.QuoteAsset] = quote
	s.balances[o.Symbol] = base
}

// MarkFilled simulates a venue-side fill of a working order: the full
// quantity executes at the order's price and balances settle. Test knob.
func (s *Sim) MarkFilled(orderID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok || o.Status.Terminal() {
		return
	}
	if o.Price.Sign() <= 0 {
		if q, ok := s.quotes[o.Symbol]; ok {
			if o.Side == types.Buy {
				o.Price = q.Ask
			} else {
				o.Price = q.Bid
			}
		}
	}
	o.Filled = o.Quantity
	o.Status = types.OrderFilled
	o.Fee = o.Price.Mul(o.Filled).Mul(s.fees.Taker)
	s.settle(o)
	s.orders[orderID] = o
}

func (s *Sim) CancelOrder(ctx context.Context, orderID, symbol string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return false, fmt.Errorf("%w: %s: %s", ErrOrderNotFound, s.name, orderID)
	}
	if o.Status.Terminal() {
		return false, nil
	}
	o.Status = types.OrderCancelled
	s.orders[orderID] = o
	return true, nil
}

func (s *Sim) FetchOrder(ctx context.Context, orderID, symbol string) (types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return types.Order{}, fmt.Errorf("%w: %s: %s", ErrOrderNotFound, s.name, orderID)
	}
	return o, nil
}

func (s *Sim) FetchOpenOrders(ctx context.Context, symbol string) ([]types.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.Order
	for _, o := range s.orders {
		if o.Status.Terminal() {
			continue
		}
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (s *Sim) FetchBalances(ctx context.Context) (map[string]types.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.BalanceErr != nil {
		return nil, s.BalanceErr
	}
	out := make(map[string]types.Balance, len(s.balances))
	for k, v := range s.balances {
		out[k] = v
	}
	return out, nil
}

func (s *Sim) FetchPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

func (s *Sim) TradingFees(symbol string) types.Fees { return s.fees }
