// Package order routes order flow to venue adapters with idempotent
// submission and background status monitoring.
//
// The router is deliberately thin: venue adapters own encoding and
// transport, the position manager owns pairing logic. What lives here is
// the uniform behavior every order gets: client-order-id dedup, a
// monitor that promotes the order to a terminal state, and lifecycle
// callbacks.
package order

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

const (
	defaultPollInterval   = 5 * time.Second
	defaultMonitorTimeout = 5 * time.Minute
)

// Callbacks fire on order lifecycle edges. All fields are optional. They
// run on the monitor goroutine of the order they concern; keep them quick.
type Callbacks struct {
	Placed    func(types.Order)
	Filled    func(types.Order)
	Cancelled func(types.Order)
	Failed    func(types.Order)
}

// Router submits and tracks orders across venues. Safe for concurrent use.
type Router struct {
	adapters map[string]venue.Adapter
	cbs      Callbacks
	logger   *slog.Logger

	pollInterval   time.Duration
	monitorTimeout time.Duration

	// Monitors outlive the placing call: a leg placed under a short ack
	// context must still be watched for the full monitor window, so they
	// run under the router's own lifetime instead.
	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	mu     sync.Mutex
	orders map[string]types.Order // by clientOrderID; terminal state is final

	wg sync.WaitGroup

	placed, filled, cancelled, failed int64
}

// NewRouter creates a router over the given adapters, keyed by venue name.
func NewRouter(adapters map[string]venue.Adapter, cbs Callbacks, logger *slog.Logger) *Router {
	ctx, cancel := context.WithCancel(context.Background())
	return &Router{
		adapters:       adapters,
		cbs:            cbs,
		logger:         logger.With("component", "order_router"),
		pollInterval:   defaultPollInterval,
		monitorTimeout: defaultMonitorTimeout,
		lifeCtx:        ctx,
		lifeCancel:     cancel,
		orders:         make(map[string]types.Order),
	}
}

// SetMonitorTiming overrides the poll cadence and timeout. Test hook.
func (r *Router) SetMonitorTiming(poll, timeout time.Duration) {
	r.pollInterval = poll
	r.monitorTimeout = timeout
}

// Place submits an order. A second call with the same clientOrderID does
// not resubmit: it returns the currently known state of the first.
func (r *Router) Place(ctx context.Context, venueName, symbol string, side types.Side,
	qty decimal.Decimal, typ types.OrderType, price decimal.Decimal, clientOrderID string) (types.Order, error) {

	r.mu.Lock()
	if existing, ok := r.orders[clientOrderID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.mu.Unlock()

	adapter, ok := r.adapters[venueName]
	if !ok {
		return types.Order{}, fmt.Errorf("place %s: unknown venue %q", clientOrderID, venueName)
	}

	o, err := adapter.PlaceOrder(ctx, symbol, side, qty, typ, price, clientOrderID)
	if err != nil {
		return types.Order{}, fmt.Errorf("place %s on %s: %w", clientOrderID, venueName, err)
	}

	r.mu.Lock()
	// Lost race with a concurrent Place for the same id: the adapter call
	// was idempotent too, so both observed the same venue order.
	if existing, ok := r.orders[clientOrderID]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	r.orders[clientOrderID] = o
	r.placed++
	r.mu.Unlock()

	r.logger.Info("order placed",
		"client_order_id", clientOrderID,
		"venue", venueName,
		"symbol", symbol,
		"side", side,
		"qty", qty,
		"status", o.Status,
	)
	if r.cbs.Placed != nil {
		r.cbs.Placed(o)
	}

	if o.Status.Terminal() {
		r.finish(o)
		return o, nil
	}

	r.wg.Add(1)
	go r.monitor(r.lifeCtx, o)
	return o, nil
}

// monitor polls the venue until the order reaches a terminal state or the
// monitor window elapses. The first terminal status observed wins; later
// conflicting reports are ignored.
func (r *Router) monitor(ctx context.Context, o types.Order) {
	defer r.wg.Done()

	adapter := r.adapters[o.Venue]
	deadline := time.Now().Add(r.monitorTimeout)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		latest, err := adapter.FetchOrder(ctx, o.ID, o.Symbol)
		if err != nil {
			r.logger.Warn("order status poll failed",
				"client_order_id", o.ClientOrderID, "error", err)
		} else {
			r.mu.Lock()
			stored := r.orders[o.ClientOrderID]
			if !stored.Status.Terminal() {
				r.orders[o.ClientOrderID] = latest
			}
			stored = r.orders[o.ClientOrderID]
			r.mu.Unlock()

			if stored.Status.Terminal() {
				r.finish(stored)
				return
			}
		}

		if time.Now().After(deadline) {
			r.logger.Warn("order monitor timed out",
				"client_order_id", o.ClientOrderID, "last_status", o.Status)
			return
		}
	}
}

// finish dispatches the terminal callback and bumps counters.
func (r *Router) finish(o types.Order) {
	r.mu.Lock()
	switch o.Status {
	case types.OrderFilled:
		r.filled++
	case types.OrderCancelled:
		r.cancelled++
	default:
		r.failed++
	}
	r.mu.Unlock()

	switch o.Status {
	case types.OrderFilled:
		if r.cbs.Filled != nil {
			r.cbs.Filled(o)
		}
	case types.OrderCancelled:
		if r.cbs.Cancelled != nil {
			r.cbs.Cancelled(o)
		}
	case types.OrderRejected, types.OrderExpired:
		if r.cbs.Failed != nil {
			r.cbs.Failed(o)
		}
	}
}

// Cancel is best-effort: false with nil error means the order was already
// terminal on the venue.
func (r *Router) Cancel(ctx context.Context, clientOrderID string) (bool, error) {
	r.mu.Lock()
	o, ok := r.orders[clientOrderID]
	r.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("cancel: unknown order %q", clientOrderID)
	}
	if o.Status.Terminal() {
		return false, nil
	}

	adapter := r.adapters[o.Venue]
	cancelled, err := adapter.CancelOrder(ctx, o.ID, o.Symbol)
	if err != nil {
		return false, fmt.Errorf("cancel %s on %s: %w", clientOrderID, o.Venue, err)
	}

	// Refresh local state so the residual fill (if any) is recorded.
	if latest, err := adapter.FetchOrder(ctx, o.ID, o.Symbol); err == nil {
		r.mu.Lock()
		if !r.orders[clientOrderID].Status.Terminal() {
			r.orders[clientOrderID] = latest
		}
		r.mu.Unlock()
	}
	return cancelled, nil
}

// Get returns the router's current view of an order.
func (r *Router) Get(clientOrderID string) (types.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[clientOrderID]
	return o, ok
}

// Refresh re-fetches an order from its venue and stores the result unless
// a terminal state is already recorded.
func (r *Router) Refresh(ctx context.Context, clientOrderID string) (types.Order, error) {
	r.mu.Lock()
	o, ok := r.orders[clientOrderID]
	r.mu.Unlock()
	if !ok {
		return types.Order{}, fmt.Errorf("refresh: unknown order %q", clientOrderID)
	}

	latest, err := r.adapters[o.Venue].FetchOrder(ctx, o.ID, o.Symbol)
	if err != nil {
		return o, err
	}
	r.mu.Lock()
	if !r.orders[clientOrderID].Status.Terminal() {
		r.orders[clientOrderID] = latest
	}
	latest = r.orders[clientOrderID]
	r.mu.Unlock()
	return latest, nil
}

// Balances proxies the venue balance fetch.
func (r *Router) Balances(ctx context.Context, venueName string) (map[string]types.Balance, error) {
	adapter, ok := r.adapters[venueName]
	if !ok {
		return nil, fmt.Errorf("balances: unknown venue %q", venueName)
	}
	return adapter.FetchBalances(ctx)
}

// Drain waits for all order monitors to finish.
func (r *Router) Drain() { r.wg.Wait() }

// Shutdown stops every monitor and waits for them to exit. Orders still
// working on the venue keep their last known state.
func (r *Router) Shutdown() {
	r.lifeCancel()
	r.wg.Wait()
}

// RouterStats is a snapshot of lifecycle counters.
type RouterStats struct {
	Placed    int64
	Filled    int64
	Cancelled int64
	Failed    int64
}

// Stats returns cumulative counters.
func (r *Router) Stats() RouterStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return RouterStats{Placed: r.placed, Filled: r.filled, Cancelled: r.cancelled, Failed: r.failed}
}
