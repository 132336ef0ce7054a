// Package engine assembles the trading pipeline: venue adapters feed
// the hub, the hub fans quotes into one serial pipeline goroutine that
// updates the price cache, runs detection, evaluates open positions,
// and pushes accepted opportunities through the risk gate into the
// position manager.
//
// The pipeline is deliberately single-threaded past the hub: detection,
// risk validation and position transitions all happen on one goroutine,
// so risk state never races with itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/internal/detector"
	"crossarb/internal/hub"
	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/internal/order"
	"crossarb/internal/position"
	"crossarb/internal/recorder"
	"crossarb/internal/risk"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

// snapshotDepth is the book depth requested for slippage estimation.
const snapshotDepth = 20

// venueBlockOnFailure is how long a venue is kept out of new positions
// after its connection drops.
const venueBlockOnFailure = time.Minute

// Options selects what the engine does with detected opportunities.
type Options struct {
	Symbols []string
	Profile string // spread threshold profile: conservative, aggressive, test
	Execute bool   // route accepted opportunities to the position manager
	Paper   bool   // execute against simulated venues instead of live ones
	Record  bool   // tee every quote into the price recorder
}

// Core is the assembled pipeline.
type Core struct {
	cfg    *config.Config
	opts   Options
	logger *slog.Logger

	metrics  *metrics.Metrics
	cache    *market.PriceCache
	fees     *venue.FeeTable
	hub      *hub.Hub
	det      *detector.Detector
	gate     *risk.Gate
	router   *order.Router
	manager  *position.Manager
	recorder *recorder.Recorder

	feeds map[string]venue.Adapter // market data sources, added to the hub
	execs map[string]venue.Adapter // execution targets, used by the router
	sims  map[string]*venue.Sim    // paper mode: exec adapters fed by the pipeline

	quotes <-chan types.Quote

	dayMu  sync.Mutex
	curDay time.Time // UTC midnight of the current cache day
}

// New wires every component from config. Nothing connects until Run.
func New(cfg *config.Config, opts Options, logger *slog.Logger) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if len(opts.Symbols) == 0 {
		return nil, errors.New("no symbols configured")
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	c := &Core{
		cfg:    cfg,
		opts:   opts,
		logger: logger.With("component", "engine"),

		metrics: m,
		cache:   market.NewPriceCache(),
		fees:    venue.NewFeeTable(cfg.Exchanges),
		feeds:   make(map[string]venue.Adapter),
		execs:   make(map[string]venue.Adapter),
		sims:    make(map[string]*venue.Sim),
		curDay:  time.Now().UTC().Truncate(24 * time.Hour),
	}

	threshold := cfg.Arbitrage.ThresholdForProfile(opts.Profile)
	c.det = detector.New(
		detector.NewConfig(threshold, cfg.Arbitrage.MaxPositionSize, cfg.Arbitrage.MinProfitThreshold),
		c.cache, m, logger,
	)
	c.det.SetFeeTable(c.fees)
	c.gate = risk.NewGate(riskParameters(cfg.Risk), m, logger)

	c.hub = hub.New(hub.Config{
		QueueSize:       cfg.Hub.QueueSize,
		ShutdownGrace:   cfg.Hub.ShutdownGrace,
		ConnectAttempts: cfg.Websocket.MaxReconnectAttempts,
		ConnectBackoff:  cfg.Websocket.ReconnectDelay,
	}, m, logger)

	if err := c.buildAdapters(logger); err != nil {
		return nil, err
	}

	c.router = order.NewRouter(c.execs, order.Callbacks{
		Filled: func(o types.Order) {
			c.logger.Info("order filled",
				"client_order_id", o.ClientOrderID,
				"venue", o.Venue,
				"side", o.Side,
				"filled", o.Filled,
				"price", o.Price,
			)
		},
	}, logger)

	c.manager = position.NewManager(position.Config{
		ExitTargetPct:  decimal.NewFromFloat(cfg.Arbitrage.ExitTargetPct),
		MaxPositionAge: cfg.Risk.MaxPositionDuration,
		StopLossPct:    decimal.NewFromFloat(cfg.Risk.StopLossPct),
		AckTimeout:     10 * time.Second,
	}, c.router, c.cache, c.gate, m, logger)

	if opts.Record {
		c.recorder = recorder.New(recorder.Config{
			OutputDir:      cfg.PriceLogger.OutputDir,
			Compress:       cfg.PriceLogger.Compress,
			DeltaThreshold: decimal.NewFromFloat(cfg.PriceLogger.PriceChangeThreshold),
		}, logger)
	}

	return c, nil
}

// buildAdapters creates one data feed per enabled venue and decides the
// execution map. Paper mode swaps execution onto simulated venues that
// the pipeline keeps marked to market.
func (c *Core) buildAdapters(logger *slog.Logger) error {
	for _, name := range c.cfg.EnabledExchanges() {
		feed, err := c.buildFeed(name, logger)
		if err != nil {
			return err
		}
		if feed != nil {
			c.feeds[feed.Name()] = feed
		}
	}
	if len(c.feeds) == 0 && !c.opts.Paper {
		return errors.New("no enabled venue has a data adapter")
	}

	if c.opts.Paper {
		seed := decimal.NewFromFloat(c.cfg.Risk.MaxTotalExposure).Mul(decimal.NewFromInt(2))
		for _, name := range c.cfg.EnabledExchanges() {
			canonical := canonicalVenueName(name)
			sim := venue.NewSim(canonical, seed)
			if f, ok := c.fees.Lookup(canonical); ok {
				sim.SetFees(f)
			}
			// Paper shorting needs base inventory on the sell venue.
			for _, sym := range c.opts.Symbols {
				sim.SetBalance(sym, decimal.NewFromInt(1000))
			}
			if err := sim.Connect(context.Background(), c.opts.Symbols); err != nil {
				return err
			}
			c.sims[canonical] = sim
			c.execs[canonical] = sim
		}
		return nil
	}

	for name, feed := range c.feeds {
		c.execs[name] = feed
	}
	return nil
}

// buildFeed returns the data adapter for a configured venue, or nil
// with a warning when none is implemented.
func (c *Core) buildFeed(name string, logger *slog.Logger) (venue.Adapter, error) {
	switch name {
	case "hyperliquid":
		norm := venue.NewNormalizer("Hyperliquid",
			venue.IdentitySymbolMap(c.opts.Symbols), c.metrics, logger)
		return venue.NewHyperliquid(c.opts.Symbols, norm, logger), nil
	default:
		c.logger.Warn("no data adapter for venue, skipping feed", "venue", name)
		return nil, nil
	}
}

// canonicalVenueName maps a config key to the adapter naming style.
func canonicalVenueName(key string) string {
	switch key {
	case "hyperliquid":
		return "Hyperliquid"
	case "bybit":
		return "Bybit"
	case "binance":
		return "Binance"
	case "gateio":
		return "GateIO"
	case "bitget":
		return "Bitget"
	case "kucoin":
		return "KuCoin"
	}
	return key
}

// riskParameters converts the float config block to gate decimals.
func riskParameters(r config.RiskConfig) risk.Parameters {
	return risk.Parameters{
		MaxPositionSizeUsd:    decimal.NewFromFloat(r.MaxPositionSize),
		MaxTotalExposureUsd:   decimal.NewFromFloat(r.MaxTotalExposure),
		MaxPositionsPerSymbol: r.MaxPositionsPerSymbol,
		MaxTotalPositions:     r.MaxTotalPositions,
		MaxSlippagePct:        decimal.NewFromFloat(r.MaxSlippagePct),
		MinNetSpreadPct:       decimal.NewFromFloat(r.MinNetSpread),
		MaxPositionDuration:   r.MaxPositionDuration,
		Cooldown:              r.Cooldown,
		MaxDailyLossUsd:       decimal.NewFromFloat(r.MaxDailyLoss),
		MaxDrawdownUsd:        decimal.NewFromFloat(r.MaxDrawdown),
		StopLossPct:           decimal.NewFromFloat(r.StopLossPct),
		MaxVenueExposureUsd:   decimal.NewFromFloat(r.MaxExchangeExposure),
		MinVenueBalanceUsd:    decimal.NewFromFloat(r.MinExchangeBalance),
	}
}

// Run connects the venues and drives the pipeline until ctx cancels,
// then closes all positions and shuts the components down in order.
func (c *Core) Run(ctx context.Context) error {
	if c.cfg.Metrics.Enabled {
		go func() {
			if err := c.metrics.Serve(c.cfg.Metrics.Port); err != nil {
				c.logger.Error("metrics listener failed", "error", err)
			}
		}()
	}

	c.quotes = c.hub.Subscribe("pipeline")

	for name, feed := range c.feeds {
		if err := c.hub.Add(ctx, feed, c.opts.Symbols); err != nil {
			// The hub keeps retrying in the background; trading against
			// this venue stays blocked until it recovers.
			c.logger.Warn("venue not connected at startup", "venue", name, "error", err)
			c.gate.BlockVenue(name, venueBlockOnFailure)
		}
	}

	go c.gate.Run(ctx)
	go c.eventLoop(ctx)
	go c.dayRollLoop(ctx)
	if c.recorder != nil && c.cfg.PriceLogger.Interval > 0 {
		go c.syncLoop(ctx)
	}

	c.logger.Info("engine running",
		"symbols", c.opts.Symbols,
		"venues", len(c.feeds),
		"execute", c.opts.Execute,
		"paper", c.opts.Paper,
	)

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return nil
		case q, ok := <-c.quotes:
			if !ok {
				c.shutdown()
				return nil
			}
			c.step(ctx, q)
		}
	}
}

// step processes one quote through every stage in order.
func (c *Core) step(ctx context.Context, q types.Quote) {
	if c.recorder != nil {
		if err := c.recorder.Record(q); err != nil {
			c.logger.Error("record quote failed", "error", err)
		}
	}
	if c.opts.Paper {
		if sim, ok := c.sims[q.Venue]; ok {
			sim.PushQuote(q)
		}
	}

	opps := c.det.OnQuote(q)

	if c.opts.Execute {
		c.manager.OnQuote(ctx, q)
		for _, opp := range opps {
			c.tryOpen(ctx, opp)
		}
		return
	}

	for _, opp := range opps {
		c.logger.Info("opportunity",
			"id", opp.ID,
			"symbol", opp.Symbol,
			"buy", opp.BuyVenue,
			"sell", opp.SellVenue,
			"spread_pct", opp.SpreadPct,
			"size", opp.RecommendedSize,
			"expected_profit", opp.ExpectedProfit,
		)
	}
}

// tryOpen attaches slippage, runs the risk gate, and opens the position.
// Unknown balances fail closed: without a sufficiency check the trade
// does not happen.
func (c *Core) tryOpen(ctx context.Context, opp types.Opportunity) {
	c.attachSlippage(ctx, &opp)

	balances, err := c.balances(ctx, opp)
	if err != nil {
		c.logger.Warn("balances unknown, rejecting opportunity", "id", opp.ID, "error", err)
		return
	}

	ok, reason := c.gate.Validate(opp, c.openPositions(), balances)
	if !ok {
		c.logger.Debug("opportunity gated", "id", opp.ID, "reason", reason)
		return
	}

	if _, err := c.manager.Open(ctx, opp); err != nil {
		c.logger.Error("open failed", "id", opp.ID, "error", err)
	}
}

// attachSlippage estimates per-leg slippage from fresh book snapshots.
// A venue that cannot produce a book falls back to a one-level book at
// the cached top of book, which estimates as zero slippage; the net
// spread policy still applies.
func (c *Core) attachSlippage(ctx context.Context, opp *types.Opportunity) {
	buyBook := c.snapshotBook(ctx, opp.BuyVenue, opp.Symbol, opp.RecommendedSize)
	sellBook := c.snapshotBook(ctx, opp.SellVenue, opp.Symbol, opp.RecommendedSize)
	detector.AttachSlippage(opp, buyBook, sellBook)
}

func (c *Core) snapshotBook(ctx context.Context, venueName, symbol string, size decimal.Decimal) types.OrderBook {
	ad, ok := c.execs[venueName]
	if ok {
		sctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		book, err := ad.SnapshotBook(sctx, symbol, snapshotDepth)
		cancel()
		if err == nil {
			return book
		}
		c.logger.Debug("book snapshot failed", "venue", venueName, "error", err)
	}
	q, ok := c.cache.Get(symbol, venueName)
	if !ok {
		return types.OrderBook{}
	}
	return types.OrderBook{
		Symbol:  symbol,
		Bids:    []types.PriceLevel{{Price: q.Bid, Size: size}},
		Asks:    []types.PriceLevel{{Price: q.Ask, Size: size}},
		TsNanos: q.TsNanos,
	}
}

// openPositions converts the manager's open set into the gate's view.
func (c *Core) openPositions() []risk.OpenPosition {
	var out []risk.OpenPosition
	for _, p := range c.manager.Snapshot() {
		if p.Status != position.StatusOpen {
			continue
		}
		out = append(out, risk.OpenPosition{
			Symbol:     p.Symbol,
			LongVenue:  p.LongVenue,
			ShortVenue: p.ShortVenue,
			ValueUsd:   p.Value(),
		})
	}
	return out
}

// balances fetches the two venues' balances for the gate's sufficiency
// policy. A fetch failure on either venue is an error; the caller
// rejects the opportunity rather than trading on unknown funds.
func (c *Core) balances(ctx context.Context, opp types.Opportunity) (map[string]map[string]types.Balance, error) {
	out := make(map[string]map[string]types.Balance, 2)
	for _, v := range []string{opp.BuyVenue, opp.SellVenue} {
		bctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		bals, err := c.router.Balances(bctx, v)
		cancel()
		if err != nil {
			return nil, fmt.Errorf("balances %s: %w", v, err)
		}
		out[v] = bals
	}
	return out, nil
}

// syncLoop samples the cache on the configured interval into the wide
// synchronized CSV, one column group per (venue, symbol).
func (c *Core) syncLoop(ctx context.Context) {
	var slots []recorder.Slot
	for name := range c.feeds {
		for _, sym := range c.opts.Symbols {
			slots = append(slots, recorder.Slot{Venue: name, Symbol: sym})
		}
	}
	if len(slots) == 0 {
		return
	}

	if err := os.MkdirAll(c.cfg.PriceLogger.OutputDir, 0o755); err != nil {
		c.logger.Error("sync log dir", "error", err)
		return
	}
	path := filepath.Join(c.cfg.PriceLogger.OutputDir,
		fmt.Sprintf("sync_prices_%s.csv", time.Now().UTC().Format("20060102")))
	f, err := os.Create(path)
	if err != nil {
		c.logger.Error("open sync log", "error", err)
		return
	}
	defer f.Close()

	sw, err := recorder.NewSyncWriter(f, slots)
	if err != nil {
		c.logger.Error("sync log header", "error", err)
		return
	}

	ticker := time.NewTicker(c.cfg.PriceLogger.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			err := sw.WriteRow(now, func(venueName, symbol string) (types.Quote, bool) {
				return c.cache.Get(symbol, venueName)
			})
			if err != nil {
				c.logger.Error("sync log write", "error", err)
				return
			}
		}
	}
}

// maybeRollDay clears the price cache when a new UTC day has begun, the
// same boundary the risk gate uses for its daily reset. Stale quotes from
// the previous session must not seed detection into the new day.
func (c *Core) maybeRollDay(now time.Time) bool {
	c.dayMu.Lock()
	defer c.dayMu.Unlock()
	day := now.UTC().Truncate(24 * time.Hour)
	if !day.After(c.curDay) {
		return false
	}
	c.curDay = day
	c.cache.Clear()
	c.logger.Info("price cache cleared for new day", "day", day.Format("2006-01-02"))
	return true
}

// dayRollLoop drives maybeRollDay in the background until ctx cancels.
func (c *Core) dayRollLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			c.maybeRollDay(now)
		}
	}
}

// eventLoop reacts to hub connectivity events.
func (c *Core) eventLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case e := <-c.hub.Events():
			switch e.Kind {
			case hub.ConnectionFailed:
				c.logger.Warn("venue connection lost", "venue", e.Venue, "error", e.Err)
				c.gate.BlockVenue(e.Venue, venueBlockOnFailure)
			case hub.ConnectionRestored:
				c.logger.Info("venue connection restored", "venue", e.Venue)
			}
		}
	}
}

// shutdown closes positions and stops components in dependency order.
func (c *Core) shutdown() {
	c.logger.Info("engine shutting down")

	if c.opts.Execute {
		closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		c.manager.CloseAll(closeCtx)
		cancel()
	}

	c.hub.Stop()
	c.router.Shutdown()

	if c.recorder != nil {
		if err := c.recorder.Close(); err != nil {
			c.logger.Error("recorder close failed", "error", err)
		}
	}

	if c.opts.Execute {
		st := c.manager.Stats()
		c.logger.Info("session summary",
			"opened", st.Opened,
			"closed", st.Closed,
			"failed", st.Failed,
			"realized_pnl", st.TotalPnl,
		)
	}
}

// Detector exposes detection statistics for status reporting.
func (c *Core) Detector() *detector.Detector { return c.det }

// Gate exposes the risk state snapshot for status reporting.
func (c *Core) Gate() *risk.Gate { return c.gate }

// Manager exposes position state for status reporting.
func (c *Core) Manager() *position.Manager { return c.manager }
