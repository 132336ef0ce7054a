// Package risk implements the stateful gate every opportunity must clear
// before a position opens, plus the per-day risk state it maintains.
//
// The gate is fed serially (one goroutine, one channel in live mode), so
// validation and the exposure bookkeeping it relies on never race. All
// monetary values are quote-asset decimals.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/pkg/types"
)

// Reject reasons, also used as metric labels.
const (
	ReasonAccepted            = "accepted"
	ReasonPositionSize        = "position_size"
	ReasonPositionsPerSymbol  = "positions_per_symbol"
	ReasonTotalPositions      = "total_positions"
	ReasonTotalExposure       = "total_exposure"
	ReasonVenueExposure       = "venue_exposure"
	ReasonSlippage            = "slippage"
	ReasonNetSpread           = "net_spread"
	ReasonCooldown            = "cooldown"
	ReasonDailyLoss           = "daily_loss"
	ReasonDrawdown            = "drawdown"
	ReasonBlocked             = "blocked"
	ReasonInsufficientBalance = "insufficient_balance"
)

// Parameters are the gate's limits, converted to decimals once.
type Parameters struct {
	MaxPositionSizeUsd    decimal.Decimal
	MaxTotalExposureUsd   decimal.Decimal
	MaxPositionsPerSymbol int
	MaxTotalPositions     int
	MaxSlippagePct        decimal.Decimal
	MinNetSpreadPct       decimal.Decimal
	MaxPositionDuration   time.Duration
	Cooldown              time.Duration
	MaxDailyLossUsd       decimal.Decimal
	MaxDrawdownUsd        decimal.Decimal
	StopLossPct           decimal.Decimal
	MaxVenueExposureUsd   decimal.Decimal
	MinVenueBalanceUsd    decimal.Decimal
}

// DefaultParameters returns the stock limits.
func DefaultParameters() Parameters {
	return Parameters{
		MaxPositionSizeUsd:    decimal.NewFromInt(10000),
		MaxTotalExposureUsd:   decimal.NewFromInt(50000),
		MaxPositionsPerSymbol: 3,
		MaxTotalPositions:     10,
		MaxSlippagePct:        decimal.NewFromFloat(0.5),
		MinNetSpreadPct:       decimal.NewFromFloat(0.2),
		MaxPositionDuration:   24 * time.Hour,
		Cooldown:              300 * time.Second,
		MaxDailyLossUsd:       decimal.NewFromInt(1000),
		MaxDrawdownUsd:        decimal.NewFromInt(5000),
		StopLossPct:           decimal.NewFromFloat(2.0),
		MaxVenueExposureUsd:   decimal.NewFromInt(20000),
		MinVenueBalanceUsd:    decimal.NewFromInt(1000),
	}
}

// OpenPosition is the gate's view of an active position: just enough to
// count and sum exposure without importing the position package.
type OpenPosition struct {
	Symbol     string
	LongVenue  string
	ShortVenue string
	ValueUsd   decimal.Decimal
}

// Gate validates opportunities and owns the process-scoped risk state.
// State mutates only through Validate bookkeeping, PositionOpened,
// PositionClosed, Block*, and Reset.
type Gate struct {
	params  Parameters
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time // injectable for tests

	mu               sync.Mutex
	exposureBySymbol map[string]decimal.Decimal
	exposureByVenue  map[string]decimal.Decimal
	dailyPnl         decimal.Decimal
	drawdownToday    decimal.Decimal
	lastTradeTime    map[string]time.Time
	blockedSymbols   map[string]time.Time // symbol -> unblock time
	blockedVenues    map[string]time.Time
	resetDay         time.Time // UTC midnight of the current trading day
}

// NewGate creates a gate with the given limits.
func NewGate(params Parameters, m *metrics.Metrics, logger *slog.Logger) *Gate {
	g := &Gate{
		params:  params,
		metrics: m,
		logger:  logger.With("component", "risk"),
		now:     time.Now,
	}
	g.resetLocked(g.now())
	return g
}

// SetClock replaces the time source. Test hook.
func (g *Gate) SetClock(now func() time.Time) { g.now = now }

// Validate runs every policy in order and returns the first failure.
// Policies are fast rejects; an accepted opportunity does not change state
// until PositionOpened is called.
func (g *Gate) Validate(opp types.Opportunity, open []OpenPosition,
	balances map[string]map[string]types.Balance) (bool, string) {

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.maybeRollDayLocked(now)

	value := opp.PositionValue()

	// 1. Position notional cap.
	if value.GreaterThan(g.params.MaxPositionSizeUsd) {
		return g.reject(opp, ReasonPositionSize)
	}

	// 2. Per-symbol position count.
	var symbolCount int
	for _, p := range open {
		if p.Symbol == opp.Symbol {
			symbolCount++
		}
	}
	if symbolCount >= g.params.MaxPositionsPerSymbol {
		return g.reject(opp, ReasonPositionsPerSymbol)
	}

	// 3. Total position count.
	if len(open) >= g.params.MaxTotalPositions {
		return g.reject(opp, ReasonTotalPositions)
	}

	// 4. Total exposure.
	total := decimal.Decimal{}
	for _, e := range g.exposureBySymbol {
		total = total.Add(e)
	}
	if total.Add(value).GreaterThan(g.params.MaxTotalExposureUsd) {
		return g.reject(opp, ReasonTotalExposure)
	}

	// 5. Per-venue exposure, both legs.
	for _, v := range []string{opp.BuyVenue, opp.SellVenue} {
		if g.exposureByVenue[v].Add(value).GreaterThan(g.params.MaxVenueExposureUsd) {
			return g.reject(opp, ReasonVenueExposure)
		}
	}

	// 6. Slippage on each leg, including the infeasible sentinel.
	if opp.SlippageBuy.GreaterThan(g.params.MaxSlippagePct) ||
		opp.SlippageSell.GreaterThan(g.params.MaxSlippagePct) ||
		market.Infeasible(opp.SlippageBuy) || market.Infeasible(opp.SlippageSell) {
		return g.reject(opp, ReasonSlippage)
	}

	// 7. Net spread after slippage.
	if opp.NetSpread().LessThan(g.params.MinNetSpreadPct) {
		return g.reject(opp, ReasonNetSpread)
	}

	// 8. Per-symbol cooldown.
	if last, ok := g.lastTradeTime[opp.Symbol]; ok && now.Sub(last) < g.params.Cooldown {
		return g.reject(opp, ReasonCooldown)
	}

	// 9. Daily loss.
	if g.dailyPnl.LessThanOrEqual(g.params.MaxDailyLossUsd.Neg()) {
		return g.reject(opp, ReasonDailyLoss)
	}

	// 10. Drawdown.
	if g.drawdownToday.GreaterThanOrEqual(g.params.MaxDrawdownUsd) {
		return g.reject(opp, ReasonDrawdown)
	}

	// 11. Blocked venues and symbols (expired blocks lift lazily).
	if g.isBlockedLocked(g.blockedSymbols, opp.Symbol, now) ||
		g.isBlockedLocked(g.blockedVenues, opp.BuyVenue, now) ||
		g.isBlockedLocked(g.blockedVenues, opp.SellVenue, now) {
		return g.reject(opp, ReasonBlocked)
	}

	// 12. Balance sufficiency: quote on the buy venue, base on the sell venue.
	if balances != nil {
		quoteFree := balances[opp.BuyVenue][types.QuoteAsset].Free
		if quoteFree.LessThan(value.Add(g.params.MinVenueBalanceUsd)) {
			return g.reject(opp, ReasonInsufficientBalance)
		}
		baseFree := balances[opp.SellVenue][opp.Symbol].Free
		if baseFree.LessThan(opp.RecommendedSize) {
			return g.reject(opp, ReasonInsufficientBalance)
		}
	}

	return true, ReasonAccepted
}

func (g *Gate) reject(opp types.Opportunity, reason string) (bool, string) {
	g.metrics.RecordRiskReject(reason)
	g.logger.Debug("opportunity rejected",
		"id", opp.ID,
		"symbol", opp.Symbol,
		"reason", reason,
	)
	return false, reason
}

// PositionOpened records the new exposure and starts the symbol cooldown.
// A delta-neutral pair splits its notional evenly across its two venues,
// which keeps the venue and symbol exposure totals equal.
func (g *Gate) PositionOpened(symbol, buyVenue, sellVenue string, valueUsd decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	half := valueUsd.Div(decimal.NewFromInt(2))
	g.exposureBySymbol[symbol] = g.exposureBySymbol[symbol].Add(valueUsd)
	g.exposureByVenue[buyVenue] = g.exposureByVenue[buyVenue].Add(half)
	g.exposureByVenue[sellVenue] = g.exposureByVenue[sellVenue].Add(half)
	g.lastTradeTime[symbol] = g.now()
	g.publishLocked()
}

// PositionClosed releases the exposure and applies the realized PnL to the
// daily totals. Losses extend drawdownToday; profits do not shrink it.
func (g *Gate) PositionClosed(symbol, buyVenue, sellVenue string, valueUsd, realizedPnl decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	half := valueUsd.Div(decimal.NewFromInt(2))
	g.exposureBySymbol[symbol] = g.exposureBySymbol[symbol].Sub(valueUsd)
	g.exposureByVenue[buyVenue] = g.exposureByVenue[buyVenue].Sub(half)
	g.exposureByVenue[sellVenue] = g.exposureByVenue[sellVenue].Sub(half)

	g.dailyPnl = g.dailyPnl.Add(realizedPnl)
	if realizedPnl.Sign() < 0 {
		g.drawdownToday = g.drawdownToday.Add(realizedPnl.Neg())
	}
	g.publishLocked()
}

// BlockSymbol blocks a symbol for the given duration; the block lifts
// automatically when it expires. Zero or negative durations are ignored.
func (g *Gate) BlockSymbol(symbol string, d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedSymbols[symbol] = g.now().Add(d)
	g.logger.Warn("symbol blocked", "symbol", symbol, "until", g.blockedSymbols[symbol])
}

// BlockVenue blocks a venue for the given duration.
func (g *Gate) BlockVenue(venue string, d time.Duration) {
	if d <= 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedVenues[venue] = g.now().Add(d)
	g.logger.Warn("venue blocked", "venue", venue, "until", g.blockedVenues[venue])
}

// Reset clears the daily state. Called at UTC midnight; exposure carries
// over because open positions do.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resetLocked(g.now())
}

func (g *Gate) resetLocked(now time.Time) {
	g.dailyPnl = decimal.Decimal{}
	g.drawdownToday = decimal.Decimal{}
	if g.exposureBySymbol == nil {
		g.exposureBySymbol = make(map[string]decimal.Decimal)
		g.exposureByVenue = make(map[string]decimal.Decimal)
		g.lastTradeTime = make(map[string]time.Time)
		g.blockedSymbols = make(map[string]time.Time)
		g.blockedVenues = make(map[string]time.Time)
	}
	g.lastTradeTime = make(map[string]time.Time)
	g.resetDay = now.UTC().Truncate(24 * time.Hour)
	g.publishLocked()
}

// maybeRollDayLocked resets daily counters when a new UTC day has begun.
func (g *Gate) maybeRollDayLocked(now time.Time) {
	if now.UTC().Truncate(24 * time.Hour).After(g.resetDay) {
		g.logger.Info("daily risk reset", "day", now.UTC().Format("2006-01-02"))
		g.resetLocked(now)
	}
}

func (g *Gate) isBlockedLocked(m map[string]time.Time, key string, now time.Time) bool {
	until, ok := m[key]
	if !ok {
		return false
	}
	if now.After(until) {
		delete(m, key)
		return false
	}
	return true
}

func (g *Gate) publishLocked() {
	total := decimal.Decimal{}
	for _, e := range g.exposureBySymbol {
		total = total.Add(e)
	}
	g.metrics.SetExposure(total.InexactFloat64())
	g.metrics.SetDailyPnl(g.dailyPnl.InexactFloat64())
}

// Run sweeps expired blocks and performs the UTC-midnight reset in the
// background until ctx cancels. Validate also handles both lazily, so Run
// is a tidy-up loop, not a correctness requirement.
func (g *Gate) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.mu.Lock()
			now := g.now()
			g.maybeRollDayLocked(now)
			for k, until := range g.blockedSymbols {
				if now.After(until) {
					delete(g.blockedSymbols, k)
				}
			}
			for k, until := range g.blockedVenues {
				if now.After(until) {
					delete(g.blockedVenues, k)
				}
			}
			g.mu.Unlock()
		}
	}
}

// Snapshot is a copy of the gate's current state for reporting.
type Snapshot struct {
	ExposureBySymbol map[string]decimal.Decimal
	ExposureByVenue  map[string]decimal.Decimal
	DailyPnl         decimal.Decimal
	DrawdownToday    decimal.Decimal
}

// State returns a consistent copy of the risk state.
func (g *Gate) State() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Snapshot{
		ExposureBySymbol: make(map[string]decimal.Decimal, len(g.exposureBySymbol)),
		ExposureByVenue:  make(map[string]decimal.Decimal, len(g.exposureByVenue)),
		DailyPnl:         g.dailyPnl,
		DrawdownToday:    g.drawdownToday,
	}
	for k, v := range g.exposureBySymbol {
		s.ExposureBySymbol[k] = v
	}
	for k, v := range g.exposureByVenue {
		s.ExposureByVenue[k] = v
	}
	return s
}
