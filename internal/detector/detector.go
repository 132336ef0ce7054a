// Package detector scans the price cache for cross-venue dislocations and
// emits sized arbitrage opportunities.
//
// The detector is driven by quote updates: the caller stores the quote in
// the cache first, then asks the detector to re-evaluate the symbol. Every
// directional venue pair is checked on each update; all qualifying pairs
// are emitted in descending spread order and the risk gate downstream
// decides admission.
package detector

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/internal/market"
	"crossarb/internal/metrics"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

var (
	hundred      = decimal.NewFromInt(100)
	sizeFraction = decimal.NewFromFloat(0.1) // cap size at 10% of the thinner venue's 24h volume
)

// Config holds the detector thresholds, converted to decimals once at
// construction so the hot path never touches floats.
type Config struct {
	MinSpreadPct       decimal.Decimal // gross spread threshold, percent; exactly-at qualifies
	MaxPositionSizeUsd decimal.Decimal
	MinProfitUsd       decimal.Decimal
}

// NewConfig converts float config values to exact decimals.
func NewConfig(minSpreadPct, maxPositionSizeUsd, minProfitUsd float64) Config {
	return Config{
		MinSpreadPct:       decimal.NewFromFloat(minSpreadPct),
		MaxPositionSizeUsd: decimal.NewFromFloat(maxPositionSizeUsd),
		MinProfitUsd:       decimal.NewFromFloat(minProfitUsd),
	}
}

// Detector evaluates venue pairs for one symbol universe. Safe for use
// from a single consumer goroutine; the stats counters are mutex-guarded
// so Stats can be read from anywhere.
type Detector struct {
	cfg     Config
	cache   *market.PriceCache
	fees    *venue.FeeTable
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	seq      int64
	scanned  int64
	emitted  int64
	bestSeen decimal.Decimal
}

// New creates a detector reading from the given cache.
func New(cfg Config, cache *market.PriceCache, m *metrics.Metrics, logger *slog.Logger) *Detector {
	return &Detector{
		cfg:     cfg,
		cache:   cache,
		metrics: m,
		logger:  logger.With("component", "detector"),
	}
}

// SetFeeTable switches the detector to fee-adjusted evaluation: each
// venue pair's spread threshold rises by its round-trip taker cost, and
// expected profit is quoted net of those fees. Without a table the
// detector works on gross spread alone.
func (d *Detector) SetFeeTable(t *venue.FeeTable) { d.fees = t }

// OnQuote stores the quote and re-evaluates its symbol. This is the
// ordering contract: the cache is updated before any pair is scanned, so
// the triggering quote is always visible to its own evaluation.
func (d *Detector) OnQuote(q types.Quote) []types.Opportunity {
	d.cache.Put(q)
	return d.Check(q.Symbol)
}

// Check scans every directional venue pair for the symbol and returns the
// qualifying opportunities in descending spread order.
func (d *Detector) Check(symbol string) []types.Opportunity {
	quotes := d.cache.Snapshot(symbol)
	if len(quotes) < 2 {
		return nil
	}

	venues := make([]string, 0, len(quotes))
	for v := range quotes {
		venues = append(venues, v)
	}
	sort.Strings(venues) // deterministic scan order

	var opps []types.Opportunity
	for i, a := range venues {
		for _, b := range venues[i+1:] {
			if opp, ok := d.evaluate(symbol, quotes[a], quotes[b]); ok {
				opps = append(opps, opp)
			}
			if opp, ok := d.evaluate(symbol, quotes[b], quotes[a]); ok {
				opps = append(opps, opp)
			}
		}
	}

	d.mu.Lock()
	d.scanned++
	d.mu.Unlock()

	if len(opps) == 0 {
		return nil
	}
	sort.SliceStable(opps, func(i, j int) bool {
		return opps[i].SpreadPct.GreaterThan(opps[j].SpreadPct)
	})

	// IDs are assigned after sorting so they reflect emission order.
	d.mu.Lock()
	for i := range opps {
		d.seq++
		opps[i].ID = fmt.Sprintf("ARB_%06d", d.seq)
		d.emitted++
		if opps[i].SpreadPct.GreaterThan(d.bestSeen) {
			d.bestSeen = opps[i].SpreadPct
		}
	}
	d.mu.Unlock()

	for _, opp := range opps {
		d.metrics.RecordOpportunity()
		d.logger.Info("opportunity detected",
			"id", opp.ID,
			"symbol", opp.Symbol,
			"buy", opp.BuyVenue,
			"sell", opp.SellVenue,
			"spread_pct", opp.SpreadPct,
			"size", opp.RecommendedSize,
			"expected_profit", opp.ExpectedProfit,
		)
	}
	return opps
}

// evaluate checks one direction (buy on buyQ's venue, sell on sellQ's).
func (d *Detector) evaluate(symbol string, buyQ, sellQ types.Quote) (types.Opportunity, bool) {
	if !sellQ.Bid.GreaterThan(buyQ.Ask) {
		return types.Opportunity{}, false
	}

	threshold := d.cfg.MinSpreadPct
	if d.fees != nil {
		threshold = d.fees.FeeAdjustedThreshold(buyQ.Venue, sellQ.Venue, d.cfg.MinSpreadPct)
	}
	spreadPct := sellQ.Bid.Sub(buyQ.Ask).Div(buyQ.Ask).Mul(hundred)
	if spreadPct.LessThan(threshold) {
		return types.Opportunity{}, false
	}

	size := d.recommendSize(buyQ, sellQ)
	if size.Sign() <= 0 {
		return types.Opportunity{}, false
	}

	profit := sellQ.Bid.Sub(buyQ.Ask).Mul(size)
	if d.fees != nil {
		profit = profit.Sub(d.fees.ArbitrageFees(buyQ.Venue, sellQ.Venue, size.Mul(buyQ.Ask)))
	}
	if profit.LessThan(d.cfg.MinProfitUsd) {
		return types.Opportunity{}, false
	}

	ts := buyQ.TsNanos
	if sellQ.TsNanos > ts {
		ts = sellQ.TsNanos
	}
	return types.Opportunity{
		Symbol:          symbol,
		BuyVenue:        buyQ.Venue,
		SellVenue:       sellQ.Venue,
		BuyPrice:        buyQ.Ask,
		SellPrice:       sellQ.Bid,
		SpreadPct:       spreadPct,
		RecommendedSize: size,
		ExpectedProfit:  profit,
		TsNanos:         ts,
	}, true
}

// recommendSize caps the notional at MaxPositionSizeUsd and, when both
// venues report 24h volume, additionally at 10% of the thinner one.
func (d *Detector) recommendSize(buyQ, sellQ types.Quote) decimal.Decimal {
	notional := d.cfg.MaxPositionSizeUsd
	if buyQ.Volume24h.Sign() > 0 && sellQ.Volume24h.Sign() > 0 {
		minVol := buyQ.Volume24h
		if sellQ.Volume24h.LessThan(minVol) {
			minVol = sellQ.Volume24h
		}
		volCap := sizeFraction.Mul(minVol).Mul(buyQ.Ask)
		if volCap.LessThan(notional) {
			notional = volCap
		}
	}
	return notional.Div(buyQ.Ask)
}

// AttachSlippage fills in the slippage estimates from depth snapshots of
// both legs. Estimation is a pure book walk; the opportunity keeps its
// gross spread and the risk gate evaluates NetSpread afterwards.
func AttachSlippage(opp *types.Opportunity, buyBook, sellBook types.OrderBook) {
	opp.SlippageBuy = market.EstimateSlippage(buyBook, types.Buy, opp.RecommendedSize)
	opp.SlippageSell = market.EstimateSlippage(sellBook, types.Sell, opp.RecommendedSize)
}

// DetectorStats is a snapshot of scan counters.
type DetectorStats struct {
	Scans         int64
	Emitted       int64
	BestSpreadPct decimal.Decimal
}

// Stats returns cumulative counters since construction.
func (d *Detector) Stats() DetectorStats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DetectorStats{Scans: d.scanned, Emitted: d.emitted, BestSpreadPct: d.bestSeen}
}
