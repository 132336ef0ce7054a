package position

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/internal/order"
	"crossarb/pkg/types"
)

// RiskRecorder receives exposure bookkeeping events. The risk gate
// implements it; tests pass nil.
type RiskRecorder interface {
	PositionOpened(symbol, buyVenue, sellVenue string, valueUsd decimal.Decimal)
	PositionClosed(symbol, buyVenue, sellVenue string, valueUsd, realizedPnl decimal.Decimal)
}

// Config holds the manager's tunables.
type Config struct {
	ExitTargetPct  decimal.Decimal // close when |current spread| <= this
	MaxPositionAge time.Duration   // timeout close, default 24h
	StopLossPct    decimal.Decimal // close when unrealized <= -this% of value
	AckTimeout     time.Duration   // bound on waiting for leg acks, default 10s
}

// DefaultConfig returns the stock close policy.
func DefaultConfig() Config {
	return Config{
		ExitTargetPct:  decimal.NewFromFloat(0.1),
		MaxPositionAge: 24 * time.Hour,
		StopLossPct:    decimal.NewFromFloat(2.0),
		AckTimeout:     10 * time.Second,
	}
}

// Manager owns every ArbitragePosition. It is the sole mutator of position
// state; transitions for one position are serialized, and two concurrent
// close triggers for the same position collapse to one close operation.
type Manager struct {
	cfg     Config
	router  *order.Router
	cache   *market.PriceCache
	risk    RiskRecorder
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	ackPoll time.Duration // cadence for waiting on leg acks

	mu        sync.Mutex
	positions map[string]*ArbitragePosition
	inFlight  map[string]bool // positions with a transition running
}

// NewManager creates the manager. risk may be nil (backtest paper mode
// wires its own accounting).
func NewManager(cfg Config, router *order.Router, cache *market.PriceCache,
	risk RiskRecorder, m *metrics.Metrics, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		router:    router,
		cache:     cache,
		risk:      risk,
		metrics:   m,
		logger:    logger.With("component", "position"),
		now:       time.Now,
		ackPoll:   100 * time.Millisecond,
		positions: make(map[string]*ArbitragePosition),
	}
}

// SetClock replaces the time source. Test hook.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Open opens a paired position for an accepted opportunity: buy on the
// opportunity's buy venue (the long leg), sell on its sell venue (the
// short leg), both market orders submitted concurrently. Returns the
// position in its final OPEN or FAILED state.
func (m *Manager) Open(ctx context.Context, opp types.Opportunity) (*ArbitragePosition, error) {
	p := &ArbitragePosition{
		ID:            "POS_" + uuid.NewString()[:8],
		OpportunityID: opp.ID,
		Symbol:        opp.Symbol,
		LongVenue:     opp.BuyVenue,
		ShortVenue:    opp.SellVenue,
		EntrySpread:   opp.SpreadPct,
		ExitTargetPct: m.cfg.ExitTargetPct,
		CreatedAt:     m.now(),
		Status:        StatusPending,
	}
	p.LongOrderID, p.ShortOrderID = legIDs(p.ID)

	m.mu.Lock()
	m.positions[p.ID] = p
	p.Status = StatusOpening
	m.mu.Unlock()

	m.logger.Info("opening position",
		"position", p.ID,
		"opportunity", opp.ID,
		"symbol", p.Symbol,
		"long", p.LongVenue,
		"short", p.ShortVenue,
		"size", opp.RecommendedSize,
	)

	ackCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	defer cancel()

	longO, shortO, err := m.submitPair(ackCtx,
		leg{venue: p.LongVenue, side: types.Buy, id: p.LongOrderID},
		leg{venue: p.ShortVenue, side: types.Sell, id: p.ShortOrderID},
		p.Symbol, opp.RecommendedSize)
	if err != nil {
		m.failOpen(ctx, p, longO, shortO, err.Error())
		return p, err
	}

	// One leg rejected while the other may have filled.
	if !longO.Status.HasFill() || !shortO.Status.HasFill() {
		m.failOpen(ctx, p, longO, shortO, "leg rejected or unfilled")
		return p, fmt.Errorf("position %s: leg rejected", p.ID)
	}

	// Equalize asymmetric fills before declaring the position open.
	longO, shortO, ok := m.reconcile(ctx, p, longO, shortO)
	if !ok {
		return p, fmt.Errorf("position %s: reconciliation failed", p.ID)
	}

	m.mu.Lock()
	p.Size = longO.Filled
	p.OpenLongPx = avgPrice(longO)
	p.OpenShortPx = avgPrice(shortO)
	p.FeesPaid = p.FeesPaid.Add(longO.Fee).Add(shortO.Fee)
	p.OpenedAt = m.now()
	p.Status = StatusOpen
	m.mu.Unlock()

	if m.risk != nil {
		m.risk.PositionOpened(p.Symbol, p.LongVenue, p.ShortVenue, p.Value())
	}
	m.metrics.RecordPositionOpened()
	m.logger.Info("position open",
		"position", p.ID,
		"size", p.Size,
		"long_px", p.OpenLongPx,
		"short_px", p.OpenShortPx,
	)
	return p, nil
}

type leg struct {
	venue string
	side  types.Side
	id    string
}

// submitPair places both legs concurrently and waits for terminal states
// within ctx's deadline.
func (m *Manager) submitPair(ctx context.Context, a, b leg, symbol string, qty decimal.Decimal) (types.Order, types.Order, error) {
	type result struct {
		o   types.Order
		err error
	}
	results := make([]result, 2)
	var wg sync.WaitGroup
	for i, l := range []leg{a, b} {
		wg.Add(1)
		go func(i int, l leg) {
			defer wg.Done()
			o, err := m.router.Place(ctx, l.venue, symbol, l.side, qty, types.Market, decimal.Decimal{}, l.id)
			if err == nil {
				o = m.waitTerminal(ctx, l.id, o)
			}
			results[i] = result{o, err}
		}(i, l)
	}
	wg.Wait()

	if results[0].err != nil {
		return results[0].o, results[1].o, fmt.Errorf("leg %s: %w", a.id, results[0].err)
	}
	if results[1].err != nil {
		return results[0].o, results[1].o, fmt.Errorf("leg %s: %w", b.id, results[1].err)
	}
	return results[0].o, results[1].o, nil
}

// waitTerminal polls the router until the order is terminal or ctx
// expires, returning the freshest state seen.
func (m *Manager) waitTerminal(ctx context.Context, clientID string, last types.Order) types.Order {
	for !last.Status.Terminal() {
		select {
		case <-ctx.Done():
			return last
		case <-time.After(m.ackPoll):
		}
		if o, err := m.router.Refresh(ctx, clientID); err == nil {
			last = o
		}
	}
	return last
}

// reconcile equalizes the filled sizes of two legs. Policy: cancel the
// larger leg's residual first, then issue a correcting market order on the
// lesser-filled leg. Returns the final leg states and whether the sizes
// ended equal; on failure the position is marked FAILED with the residual
// exposure flag set.
func (m *Manager) reconcile(ctx context.Context, p *ArbitragePosition,
	a, b types.Order) (types.Order, types.Order, bool) {

	if a.Filled.Equal(b.Filled) {
		return a, b, true
	}

	m.logger.Warn("asymmetric fills, reconciling",
		"position", p.ID,
		"filled_a", a.Filled,
		"filled_b", b.Filled,
	)

	larger, smaller := a, b
	if b.Filled.GreaterThan(a.Filled) {
		larger, smaller = b, a
	}

	// Freeze both legs before correcting: the larger one so it cannot run
	// further ahead, the smaller one so its remainder cannot fill twice
	// once the correcting order lands.
	for _, l := range []*types.Order{&larger, &smaller} {
		if l.Status.Terminal() {
			continue
		}
		if _, err := m.router.Cancel(ctx, l.ClientOrderID); err != nil {
			m.logger.Warn("residual cancel failed", "position", p.ID, "error", err)
		}
		if o, err := m.router.Refresh(ctx, l.ClientOrderID); err == nil {
			*l = o
		}
	}

	// Cancels may have changed the final fills; re-order before correcting.
	if smaller.Filled.GreaterThan(larger.Filled) {
		larger, smaller = smaller, larger
	}

	diff := larger.Filled.Sub(smaller.Filled)
	if diff.Sign() > 0 {
		// Correcting order id derives from the lagging leg so open-side and
		// close-side reconciliations never collide.
		correctID := smaller.ClientOrderID + "_reconcile"
		correcting, err := m.router.Place(ctx, smaller.Venue, p.Symbol, smaller.Side, diff,
			types.Market, decimal.Decimal{}, correctID)
		if err == nil {
			correcting = m.waitTerminal(ctx, correctID, correcting)
		}
		if err != nil || !correcting.Filled.Equal(diff) {
			m.markFailed(p, "reconciliation failed", true)
			return larger, smaller, false
		}

		// Merge the correcting fill into the smaller leg at weighted price.
		total := smaller.Filled.Add(correcting.Filled)
		if total.Sign() > 0 {
			cost := smaller.Price.Mul(smaller.Filled).Add(correcting.Price.Mul(correcting.Filled))
			smaller.Price = cost.Div(total)
		}
		smaller.Filled = total
		smaller.Fee = smaller.Fee.Add(correcting.Fee)
	}

	if !larger.Filled.Equal(smaller.Filled) {
		m.markFailed(p, "reconciliation failed", true)
		return larger, smaller, false
	}

	// Restore original argument order.
	if larger.ClientOrderID == a.ClientOrderID {
		return larger, smaller, true
	}
	return smaller, larger, true
}

// failOpen handles the open-path failure: cancel whatever is still
// working, flatten whatever filled, and mark the position FAILED.
func (m *Manager) failOpen(ctx context.Context, p *ArbitragePosition, longO, shortO types.Order, msg string) {
	for _, o := range []types.Order{longO, shortO} {
		if o.ClientOrderID == "" {
			continue
		}
		if !o.Status.Terminal() {
			if _, err := m.router.Cancel(ctx, o.ClientOrderID); err != nil {
				m.logger.Warn("cancel on failed open", "position", p.ID, "error", err)
			}
			if latest, err := m.router.Refresh(ctx, o.ClientOrderID); err == nil {
				o = latest
			}
		}
		// A filled or partially filled leg is flattened immediately.
		if o.Filled.Sign() > 0 {
			m.flatten(ctx, p, o)
		}
	}
	m.markFailed(p, msg, false)
}

// flatten issues a market order opposite to the leg's side for its filled
// quantity. A flatten failure leaves residual exposure.
func (m *Manager) flatten(ctx context.Context, p *ArbitragePosition, o types.Order) {
	clientID := o.ClientOrderID + "_flatten"
	flat, err := m.router.Place(ctx, o.Venue, o.Symbol, o.Side.Opposite(), o.Filled,
		types.Market, decimal.Decimal{}, clientID)
	if err == nil {
		flat = m.waitTerminal(ctx, clientID, flat)
	}
	if err != nil || !flat.Filled.Equal(o.Filled) {
		m.logger.Error("flatten failed, residual exposure",
			"position", p.ID,
			"venue", o.Venue,
			"qty", o.Filled,
			"error", err,
		)
		m.mu.Lock()
		p.ResidualExposure = true
		m.mu.Unlock()
	}
}

func (m *Manager) markFailed(p *ArbitragePosition, msg string, residual bool) {
	m.mu.Lock()
	p.Status = StatusFailed
	p.ErrorMsg = msg
	if residual {
		p.ResidualExposure = true
	}
	m.mu.Unlock()

	m.metrics.RecordPositionTerminal(string(StatusFailed))
	if residual {
		m.logger.Error("position failed with residual exposure", "position", p.ID, "error", msg)
	} else {
		m.logger.Warn("position failed", "position", p.ID, "error", msg)
	}
}

// closeDecision pairs a position with the reason its close triggered.
type closeDecision struct {
	id     string
	reason CloseReason
}

// OnQuote re-evaluates close conditions for every open position on the
// quote's symbol and executes the triggered closes.
func (m *Manager) OnQuote(ctx context.Context, q types.Quote) {
	for _, d := range m.evaluateClose(q.Symbol) {
		if err := m.Close(ctx, d.id, d.reason); err != nil {
			m.logger.Warn("close failed", "position", d.id, "error", err)
		}
	}
}

// evaluateClose returns the positions whose close condition holds right
// now. Exactly-at-target spreads trigger.
func (m *Manager) evaluateClose(symbol string) []closeDecision {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var out []closeDecision
	for _, p := range m.positions {
		if p.Status != StatusOpen || p.Symbol != symbol || m.inFlight[p.ID] {
			continue
		}

		if spread, ok := m.cache.Spread(p.Symbol, p.LongVenue, p.ShortVenue); ok {
			if spread.Abs().LessThanOrEqual(p.ExitTargetPct) {
				out = append(out, closeDecision{p.ID, CloseConvergence})
				continue
			}
		}

		if m.cfg.MaxPositionAge > 0 && now.Sub(p.OpenedAt) >= m.cfg.MaxPositionAge {
			out = append(out, closeDecision{p.ID, CloseTimeout})
			continue
		}

		unreal := m.unrealizedLocked(p)
		p.UnrealizedPnl = unreal
		stopAt := p.Value().Mul(m.cfg.StopLossPct).Div(decimal.NewFromInt(100)).Neg()
		if unreal.LessThanOrEqual(stopAt) {
			out = append(out, closeDecision{p.ID, CloseStopLoss})
		}
	}
	return out
}

// unrealizedLocked marks the pair to current cache prices: the long leg at
// the long venue's bid, the short leg at the short venue's ask.
func (m *Manager) unrealizedLocked(p *ArbitragePosition) decimal.Decimal {
	longQ, okL := m.cache.Get(p.Symbol, p.LongVenue)
	shortQ, okS := m.cache.Get(p.Symbol, p.ShortVenue)
	if !okL || !okS {
		return p.UnrealizedPnl
	}
	long := longQ.Bid.Sub(p.OpenLongPx).Mul(p.Size)
	short := p.OpenShortPx.Sub(shortQ.Ask).Mul(p.Size)
	return long.Add(short)
}

// Close unwinds one position: sell the long leg, buy back the short leg,
// both market orders submitted concurrently, with the same reconciliation
// rules as open. Concurrent triggers for the same position collapse: only
// the first caller proceeds, the rest return nil immediately.
func (m *Manager) Close(ctx context.Context, positionID string, reason CloseReason) error {
	m.mu.Lock()
	p, ok := m.positions[positionID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("close: unknown position %q", positionID)
	}
	if p.Status != StatusOpen || m.inFlight[positionID] {
		m.mu.Unlock()
		return nil
	}
	if m.inFlight == nil {
		m.inFlight = make(map[string]bool)
	}
	m.inFlight[positionID] = true
	p.Status = StatusClosing
	p.CloseReason = reason
	p.CloseLongOrderID, p.CloseShortOrderID = closeLegIDs(p.ID)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.inFlight, positionID)
		m.mu.Unlock()
	}()

	m.logger.Info("closing position", "position", p.ID, "reason", reason)

	ackCtx, cancel := context.WithTimeout(ctx, m.cfg.AckTimeout)
	defer cancel()

	closeLong, closeShort, err := m.submitPair(ackCtx,
		leg{venue: p.LongVenue, side: types.Sell, id: p.CloseLongOrderID},
		leg{venue: p.ShortVenue, side: types.Buy, id: p.CloseShortOrderID},
		p.Symbol, p.Size)
	if err != nil {
		m.markFailed(p, "close: "+err.Error(), true)
		return err
	}
	if !closeLong.Status.HasFill() || !closeShort.Status.HasFill() {
		m.markFailed(p, "close: leg rejected", true)
		return fmt.Errorf("position %s: close leg rejected", p.ID)
	}

	closeLong, closeShort, ok = m.reconcile(ctx, p, closeLong, closeShort)
	if !ok {
		return fmt.Errorf("position %s: close reconciliation failed", p.ID)
	}

	m.mu.Lock()
	p.CloseLongPx = avgPrice(closeLong)
	p.CloseShortPx = avgPrice(closeShort)
	p.FeesPaid = p.FeesPaid.Add(closeLong.Fee).Add(closeShort.Fee)
	p.RealizedPnl = computeRealizedPnl(p)
	p.UnrealizedPnl = decimal.Decimal{}
	p.ClosedAt = m.now()
	p.Status = StatusClosed
	value := p.Value()
	pnl := p.RealizedPnl
	m.mu.Unlock()

	if m.risk != nil {
		m.risk.PositionClosed(p.Symbol, p.LongVenue, p.ShortVenue, value, pnl)
	}
	m.metrics.RecordPositionTerminal(string(StatusClosed))
	m.logger.Info("position closed",
		"position", p.ID,
		"reason", reason,
		"realized_pnl", pnl,
		"fees", p.FeesPaid,
	)
	return nil
}

// CloseAll force-closes every open position. Used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	var ids []string
	for id, p := range m.positions {
		if p.Status == StatusOpen {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	for _, id := range ids {
		if err := m.Close(ctx, id, CloseForced); err != nil {
			m.logger.Error("forced close failed", "position", id, "error", err)
		}
	}
}

// Get returns a copy of one position.
func (m *Manager) Get(id string) (ArbitragePosition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[id]
	if !ok {
		return ArbitragePosition{}, false
	}
	return *p, true
}

// Snapshot returns copies of all positions.
func (m *Manager) Snapshot() []ArbitragePosition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ArbitragePosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out
}

// OpenCount returns the number of positions currently OPEN.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, p := range m.positions {
		if p.Status == StatusOpen {
			n++
		}
	}
	return n
}

// ManagerStats summarizes lifetime activity.
type ManagerStats struct {
	Opened      int64
	Closed      int64
	Failed      int64
	TotalPnl    decimal.Decimal
	TotalFees   decimal.Decimal
	OpenNow     int
	ResidualNow int
}

// Stats aggregates over all positions ever managed.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	var st ManagerStats
	for _, p := range m.positions {
		switch p.Status {
		case StatusOpen:
			st.Opened++
			st.OpenNow++
		case StatusClosed:
			st.Opened++
			st.Closed++
			st.TotalPnl = st.TotalPnl.Add(p.RealizedPnl)
		case StatusFailed:
			st.Failed++
		}
		st.TotalFees = st.TotalFees.Add(p.FeesPaid)
		if p.ResidualExposure {
			st.ResidualNow++
		}
	}
	return st
}
