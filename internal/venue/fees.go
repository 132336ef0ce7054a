// fees.go holds the static fee schedule for supported venues, with config
// overrides. Arbitrage legs always cross the spread, so taker rates drive
// all profitability math.
package venue

import (
	"strings"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
	"crossarb/pkg/types"
)

// Default taker rates per venue, fractional (0.0006 = 6 bps). Used when the
// config does not override exchanges.<name>.fees.taker.
var defaultTakerRates = map[string]float64{
	"hyperliquid": 0.000389,
	"bybit":       0.0006,
	"binance":     0.0004,
	"gateio":      0.0005,
	"bitget":      0.0006,
	"kucoin":      0.0006,
}

// Default maker rates. Venues without an entry fall back to taker.
var defaultMakerRates = map[string]float64{
	"hyperliquid": 0.0001,
	"bybit":       0.0001,
	"binance":     0.0002,
	"gateio":      0.0002,
	"bitget":      0.0002,
	"kucoin":      0.0002,
}

// FeeTable resolves maker/taker rates per venue, applying config overrides
// over the built-in defaults. Immutable after construction.
type FeeTable struct {
	fees map[string]types.Fees // keyed by lowercase venue name
}

// NewFeeTable builds the fee table from config. Venues absent from both
// the config and the defaults get zero fees, which Lookup reports.
func NewFeeTable(exchanges map[string]config.ExchangeConfig) *FeeTable {
	t := &FeeTable{fees: make(map[string]types.Fees)}

	for name, taker := range defaultTakerRates {
		maker, ok := defaultMakerRates[name]
		if !ok {
			maker = taker
		}
		t.fees[name] = types.Fees{
			Maker: decimal.NewFromFloat(maker),
			Taker: decimal.NewFromFloat(taker),
		}
	}
	for name, ex := range exchanges {
		key := strings.ToLower(name)
		f := t.fees[key]
		if ex.Fees.Maker > 0 {
			f.Maker = decimal.NewFromFloat(ex.Fees.Maker)
		}
		if ex.Fees.Taker > 0 {
			f.Taker = decimal.NewFromFloat(ex.Fees.Taker)
		}
		t.fees[key] = f
	}
	return t
}

// Lookup returns the fee rates for a venue; ok is false when the venue is
// unknown (rates are then zero).
func (t *FeeTable) Lookup(venue string) (types.Fees, bool) {
	f, ok := t.fees[strings.ToLower(venue)]
	return f, ok
}

// Taker returns the taker rate for a venue, zero when unknown.
func (t *FeeTable) Taker(venue string) decimal.Decimal {
	f, _ := t.Lookup(venue)
	return f.Taker
}

// ArbitrageFees returns the total fee cost in quote asset for a full
// round trip on one opportunity: open and close on both venues, four
// taker executions at the given notional.
func (t *FeeTable) ArbitrageFees(buyVenue, sellVenue string, notional decimal.Decimal) decimal.Decimal {
	perLegPair := t.Taker(buyVenue).Add(t.Taker(sellVenue))
	return notional.Mul(perLegPair).Mul(decimal.NewFromInt(2))
}

// FeeAdjustedThreshold raises a base spread threshold (percent) by the
// round-trip fee cost between two venues, so a detector configured with
// the result only emits opportunities that clear fees before slippage.
func (t *FeeTable) FeeAdjustedThreshold(buyVenue, sellVenue string, basePct decimal.Decimal) decimal.Decimal {
	feePct := t.Taker(buyVenue).Add(t.Taker(sellVenue)).
		Mul(decimal.NewFromInt(2)).
		Mul(decimal.NewFromInt(100))
	return basePct.Add(feePct)
}
