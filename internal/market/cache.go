// Package market holds the in-memory market state the detector reads:
// the last-writer-wins price cache and the slippage estimator.
package market

import (
	"sync"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

// PriceCache maps (symbol, venue) to the latest quote. One logical writer
// (the ingestion hub) and many readers; a reader always sees a complete
// quote for a slot, never a torn value. Writes with a timestamp older than
// the stored quote are ignored, so replays and late frames cannot roll a
// slot backwards.
type PriceCache struct {
	mu     sync.RWMutex
	quotes map[string]map[string]types.Quote // symbol -> venue -> quote
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	return &PriceCache{quotes: make(map[string]map[string]types.Quote)}
}

// Put stores a quote unless the slot already holds a newer one. Returns
// whether the quote was stored.
func (c *PriceCache) Put(q types.Quote) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	byVenue, ok := c.quotes[q.Symbol]
	if !ok {
		byVenue = make(map[string]types.Quote)
		c.quotes[q.Symbol] = byVenue
	}
	if prev, ok := byVenue[q.Venue]; ok && prev.TsNanos > q.TsNanos {
		return false
	}
	byVenue[q.Venue] = q
	return true
}

// Get returns the quote for one slot.
func (c *PriceCache) Get(symbol, venue string) (types.Quote, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	q, ok := c.quotes[symbol][venue]
	return q, ok
}

// Snapshot returns a copy of all quotes for a symbol, keyed by venue.
// The returned map is the caller's to keep; later writes do not affect it.
func (c *PriceCache) Snapshot(symbol string) map[string]types.Quote {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byVenue, ok := c.quotes[symbol]
	if !ok {
		return nil
	}
	out := make(map[string]types.Quote, len(byVenue))
	for venue, q := range byVenue {
		out[venue] = q
	}
	return out
}

// Symbols returns every symbol with at least one cached quote.
func (c *PriceCache) Symbols() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.quotes))
	for s := range c.quotes {
		out = append(out, s)
	}
	return out
}

// BestBidAsk aggregates across venues: the highest bid and lowest ask for
// a symbol, with the venues that own them. ok is false when fewer than one
// venue has quoted the symbol.
func (c *PriceCache) BestBidAsk(symbol string) (bestBid, bestAsk types.Quote, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	byVenue := c.quotes[symbol]
	if len(byVenue) == 0 {
		return types.Quote{}, types.Quote{}, false
	}

	var haveBid, haveAsk bool
	for _, q := range byVenue {
		if !haveBid || q.Bid.GreaterThan(bestBid.Bid) {
			bestBid, haveBid = q, true
		}
		if !haveAsk || q.Ask.LessThan(bestAsk.Ask) {
			bestAsk, haveAsk = q, true
		}
	}
	return bestBid, bestAsk, haveBid && haveAsk
}

// Spread returns the cross-venue spread percent for one direction:
// (sell venue's bid - buy venue's ask) / buy venue's ask * 100.
// ok is false when either slot is missing.
func (c *PriceCache) Spread(symbol, buyVenue, sellVenue string) (decimal.Decimal, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	buy, okBuy := c.quotes[symbol][buyVenue]
	sell, okSell := c.quotes[symbol][sellVenue]
	if !okBuy || !okSell || buy.Ask.Sign() <= 0 {
		return decimal.Decimal{}, false
	}
	spread := sell.Bid.Sub(buy.Ask).Div(buy.Ask).Mul(decimal.NewFromInt(100))
	return spread, true
}

// Clear drops every entry. Invoked on day rollover.
func (c *PriceCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.quotes = make(map[string]map[string]types.Quote)
}
