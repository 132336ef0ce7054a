package market

import (
	"testing"

	"crossarb/pkg/types"
)

func testBook() types.OrderBook {
	return types.OrderBook{
		Symbol: "BTC",
		Bids: []types.PriceLevel{
			{Price: dec("100"), Size: dec("1")},
			{Price: dec("99"), Size: dec("2")},
		},
		Asks: []types.PriceLevel{
			{Price: dec("101"), Size: dec("1")},
			{Price: dec("102"), Size: dec("2")},
		},
	}
}

func TestSlippageBestLevelOnly(t *testing.T) {
	t.Parallel()
	got := EstimateSlippage(testBook(), types.Buy, dec("1"))
	if !got.IsZero() {
		t.Errorf("slippage filling only best level = %s, want 0", got)
	}
}

func TestSlippageAcrossLevels(t *testing.T) {
	t.Parallel()
	// Buy 2: 1 @ 101 + 1 @ 102, avg 101.5, slippage (101.5-101)/101*100.
	got := EstimateSlippage(testBook(), types.Buy, dec("2"))
	want := dec("0.5").Div(dec("101")).Mul(dec("100"))
	if !got.Equal(want) {
		t.Errorf("slippage = %s, want %s", got, want)
	}
}

func TestSlippageSellWalksBids(t *testing.T) {
	t.Parallel()
	// Sell 3: 1 @ 100 + 2 @ 99, avg 99.3333..., slippage vs best bid 100.
	got := EstimateSlippage(testBook(), types.Sell, dec("3"))
	avg := dec("298").Div(dec("3"))
	want := dec("100").Sub(avg).Div(dec("100")).Mul(dec("100"))
	if !got.Equal(want) {
		t.Errorf("slippage = %s, want %s", got, want)
	}
}

func TestSlippageExhaustionBoundary(t *testing.T) {
	t.Parallel()
	// Asks hold exactly 3: finite at 3, infeasible just above.
	if got := EstimateSlippage(testBook(), types.Buy, dec("3")); Infeasible(got) {
		t.Errorf("exact exhaustion infeasible: %s", got)
	}
	if got := EstimateSlippage(testBook(), types.Buy, dec("3.000001")); !Infeasible(got) {
		t.Errorf("over-exhaustion feasible: %s", got)
	}
}

func TestSlippageEmptyBook(t *testing.T) {
	t.Parallel()
	empty := types.OrderBook{Symbol: "BTC"}
	if got := EstimateSlippage(empty, types.Buy, dec("1")); !Infeasible(got) {
		t.Errorf("empty book feasible: %s", got)
	}
}

func TestSlippageZeroSize(t *testing.T) {
	t.Parallel()
	if got := EstimateSlippage(testBook(), types.Buy, dec("0")); !got.IsZero() {
		t.Errorf("zero size slippage = %s, want 0", got)
	}
}
