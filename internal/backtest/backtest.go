// Package backtest replays recorded quote logs through the live
// detection pipeline and accounts paper trades against a cost model.
//
// The cost model is symmetric: four fee legs (two to open, two to
// close) and two slippage hits (one per venue). Net result per trade is
// the captured spread minus those costs, all in percentage points.
package backtest

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/detector"
	"crossarb/internal/market"
	"crossarb/internal/recorder"
	"crossarb/pkg/types"
)

// Config drives one backtest run.
type Config struct {
	DataDir string
	From    time.Time
	To      time.Time

	MinSpreadPct  decimal.Decimal
	ExitTargetPct decimal.Decimal
	MinProfitUsd  decimal.Decimal
	// FeeRate is the fractional taker fee per leg (e.g. 0.001 = 0.1%).
	FeeRate decimal.Decimal
	// SlippageRate is the fractional slippage per venue crossing.
	SlippageRate decimal.Decimal

	MaxPositionUsd   decimal.Decimal
	MaxOpenPositions int

	// TradesPath, when set, receives the per-trade CSV.
	TradesPath string
}

// Trade is one completed paper round trip.
type Trade struct {
	ID             string
	Symbol         string
	BuyVenue       string
	SellVenue      string
	EntryTime      time.Time
	ExitTime       time.Time
	EntrySpreadPct decimal.Decimal
	ExitSpreadPct  decimal.Decimal
	SizeUsd        decimal.Decimal
	GrossPct       decimal.Decimal
	CostPct        decimal.Decimal
	NetPct         decimal.Decimal
	NetPnlUsd      decimal.Decimal
	ForcedExit     bool // closed at end of data, not at the exit target
}

// Result aggregates a run.
type Result struct {
	Trades         []Trade
	QuotesReplayed int64
	Opportunities  int64

	TotalNetPnlUsd decimal.Decimal
	WinRate        decimal.Decimal // fraction of trades with positive net
	AvgNetPct      decimal.Decimal
	AvgDuration    time.Duration
}

// openTrade is an in-flight paper position.
type openTrade struct {
	trade Trade
}

// Engine wires a replayer into a detector with paper accounting.
type Engine struct {
	cfg      Config
	replayer *recorder.Replayer
	cache    *market.PriceCache
	det      *detector.Detector
	logger   *slog.Logger

	open    map[string]*openTrade // by symbol|buyVenue|sellVenue
	trades  []Trade
	tradeNo int
}

// New creates a backtest engine over recorded data in cfg.DataDir.
func New(cfg Config, logger *slog.Logger) *Engine {
	cache := market.NewPriceCache()
	detCfg := detector.Config{
		MinSpreadPct:       cfg.MinSpreadPct,
		MaxPositionSizeUsd: cfg.MaxPositionUsd,
		MinProfitUsd:       cfg.MinProfitUsd,
	}
	return &Engine{
		cfg:      cfg,
		replayer: recorder.NewReplayer(cfg.DataDir, logger),
		cache:    cache,
		det:      detector.New(detCfg, cache, nil, logger),
		logger:   logger.With("component", "backtest"),
		open:     make(map[string]*openTrade),
	}
}

// costPct is the round-trip cost in percentage points:
// (4 * fee + 2 * slippage) * 100.
func (e *Engine) costPct() decimal.Decimal {
	four := decimal.NewFromInt(4)
	two := decimal.NewFromInt(2)
	hundred := decimal.NewFromInt(100)
	return e.cfg.FeeRate.Mul(four).Add(e.cfg.SlippageRate.Mul(two)).Mul(hundred)
}

// Run replays the configured window at full speed and returns the
// accounting. Open trades at end of data are force-closed at the last
// observed spread.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	res := &Result{}
	var lastTs int64

	err := e.replayer.Run(ctx, e.cfg.From, e.cfg.To, recorder.FullSpeed{}, func(q types.Quote) error {
		res.QuotesReplayed++
		lastTs = q.TsNanos
		opps := e.det.OnQuote(q)
		res.Opportunities += int64(len(opps))

		e.checkExits(q)

		for _, opp := range opps {
			e.maybeEnter(opp, q.TsNanos)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Force-close whatever is still open at the last known spread.
	for key, ot := range e.open {
		spread, ok := e.cache.Spread(ot.trade.Symbol, ot.trade.BuyVenue, ot.trade.SellVenue)
		if !ok {
			spread = ot.trade.EntrySpreadPct
		}
		e.closeTrade(ot, spread, lastTs, true)
		delete(e.open, key)
	}

	res.Trades = e.trades
	e.summarize(res)

	if e.cfg.TradesPath != "" {
		if err := WriteTrades(e.cfg.TradesPath, res.Trades); err != nil {
			return nil, fmt.Errorf("write trades: %w", err)
		}
	}

	e.logger.Info("backtest complete",
		"quotes", res.QuotesReplayed,
		"opportunities", res.Opportunities,
		"trades", len(res.Trades),
		"net_pnl_usd", res.TotalNetPnlUsd,
	)
	return res, nil
}

func tradeKey(symbol, buyVenue, sellVenue string) string {
	return symbol + "|" + buyVenue + "|" + sellVenue
}

// maybeEnter opens a paper trade for a fresh opportunity, respecting
// the one-per-pair and max-open limits.
func (e *Engine) maybeEnter(opp types.Opportunity, tsNanos int64) {
	key := tradeKey(opp.Symbol, opp.BuyVenue, opp.SellVenue)
	if _, exists := e.open[key]; exists {
		return
	}
	if e.cfg.MaxOpenPositions > 0 && len(e.open) >= e.cfg.MaxOpenPositions {
		return
	}

	sizeUsd := opp.RecommendedSize.Mul(opp.BuyPrice)
	if e.cfg.MaxPositionUsd.Sign() > 0 && sizeUsd.GreaterThan(e.cfg.MaxPositionUsd) {
		sizeUsd = e.cfg.MaxPositionUsd
	}

	e.tradeNo++
	e.open[key] = &openTrade{trade: Trade{
		ID:             fmt.Sprintf("BT_%06d", e.tradeNo),
		Symbol:         opp.Symbol,
		BuyVenue:       opp.BuyVenue,
		SellVenue:      opp.SellVenue,
		EntryTime:      time.Unix(0, tsNanos).UTC(),
		EntrySpreadPct: opp.SpreadPct,
		SizeUsd:        sizeUsd,
	}}
}

// checkExits closes any open trade on the quoted symbol whose spread
// has converged to the exit target. The test is on |spread|: an
// inverted spread is a dislocation the other way, not convergence.
func (e *Engine) checkExits(q types.Quote) {
	for key, ot := range e.open {
		if ot.trade.Symbol != q.Symbol {
			continue
		}
		spread, ok := e.cache.Spread(ot.trade.Symbol, ot.trade.BuyVenue, ot.trade.SellVenue)
		if !ok {
			continue
		}
		if spread.Abs().GreaterThan(e.cfg.ExitTargetPct) {
			continue
		}
		e.closeTrade(ot, spread, q.TsNanos, false)
		delete(e.open, key)
	}
}

// closeTrade books the round trip: gross is the spread captured between
// entry and exit, net subtracts the fixed cost model.
func (e *Engine) closeTrade(ot *openTrade, exitSpread decimal.Decimal, tsNanos int64, forced bool) {
	t := ot.trade
	t.ExitTime = time.Unix(0, tsNanos).UTC()
	t.ExitSpreadPct = exitSpread
	t.GrossPct = t.EntrySpreadPct.Sub(exitSpread)
	t.CostPct = e.costPct()
	t.NetPct = t.GrossPct.Sub(t.CostPct)
	t.NetPnlUsd = t.SizeUsd.Mul(t.NetPct).Div(decimal.NewFromInt(100))
	t.ForcedExit = forced
	e.trades = append(e.trades, t)
}

func (e *Engine) summarize(res *Result) {
	if len(res.Trades) == 0 {
		return
	}
	var wins int
	var netSum decimal.Decimal
	var pctSum decimal.Decimal
	var durSum time.Duration
	for _, t := range res.Trades {
		if t.NetPct.Sign() > 0 {
			wins++
		}
		netSum = netSum.Add(t.NetPnlUsd)
		pctSum = pctSum.Add(t.NetPct)
		durSum += t.ExitTime.Sub(t.EntryTime)
	}
	n := decimal.NewFromInt(int64(len(res.Trades)))
	res.TotalNetPnlUsd = netSum
	res.WinRate = decimal.NewFromInt(int64(wins)).Div(n)
	res.AvgNetPct = pctSum.Div(n)
	res.AvgDuration = durSum / time.Duration(len(res.Trades))
}

// WriteTrades emits the per-trade CSV.
func WriteTrades(path string, trades []Trade) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	header := []string{
		"trade_id", "symbol", "buy_venue", "sell_venue",
		"entry_time", "exit_time",
		"entry_spread_pct", "exit_spread_pct", "size_usd",
		"gross_pct", "cost_pct", "net_pct", "net_pnl_usd", "forced_exit",
	}
	if err := w.Write(header); err != nil {
		return err
	}
	for _, t := range trades {
		row := []string{
			t.ID, t.Symbol, t.BuyVenue, t.SellVenue,
			t.EntryTime.Format(time.RFC3339Nano),
			t.ExitTime.Format(time.RFC3339Nano),
			t.EntrySpreadPct.String(), t.ExitSpreadPct.String(), t.SizeUsd.String(),
			t.GrossPct.String(), t.CostPct.String(), t.NetPct.String(), t.NetPnlUsd.String(),
			fmt.Sprintf("%t", t.ForcedExit),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
