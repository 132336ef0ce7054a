package venue

import (
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/config"
)

func TestFeeTableDefaults(t *testing.T) {
	t.Parallel()
	table := NewFeeTable(nil)

	if got := table.Taker("Hyperliquid"); !got.Equal(dec("0.000389")) {
		t.Errorf("Hyperliquid taker = %s, want 0.000389", got)
	}
	if got := table.Taker("binance"); !got.Equal(dec("0.0004")) {
		t.Errorf("binance taker = %s, want 0.0004", got)
	}
	if _, ok := table.Lookup("unknown"); ok {
		t.Error("Lookup reported unknown venue as known")
	}
	if got := table.Taker("unknown"); !got.IsZero() {
		t.Errorf("unknown taker = %s, want 0", got)
	}
}

func TestFeeTableConfigOverride(t *testing.T) {
	t.Parallel()
	table := NewFeeTable(map[string]config.ExchangeConfig{
		"Bybit": {Fees: config.FeeConfig{Taker: 0.001}},
	})

	if got := table.Taker("bybit"); !got.Equal(dec("0.001")) {
		t.Errorf("overridden bybit taker = %s, want 0.001", got)
	}
	// Maker untouched by a taker-only override.
	f, _ := table.Lookup("bybit")
	if !f.Maker.Equal(dec("0.0001")) {
		t.Errorf("bybit maker = %s, want default 0.0001", f.Maker)
	}
}

func TestArbitrageFees(t *testing.T) {
	t.Parallel()
	table := NewFeeTable(nil)

	// Round trip bybit+binance: (0.0006 + 0.0004) * 2 = 0.002 of notional.
	got := table.ArbitrageFees("bybit", "binance", decimal.NewFromInt(10000))
	if !got.Equal(decimal.NewFromInt(20)) {
		t.Errorf("ArbitrageFees = %s, want 20", got)
	}
}

func TestFeeAdjustedThreshold(t *testing.T) {
	t.Parallel()
	table := NewFeeTable(nil)

	// base 0.1% + (0.0006+0.0004)*2*100 = 0.1 + 0.2 = 0.3
	got := table.FeeAdjustedThreshold("bybit", "binance", dec("0.1"))
	if !got.Equal(dec("0.3")) {
		t.Errorf("FeeAdjustedThreshold = %s, want 0.3", got)
	}
}
