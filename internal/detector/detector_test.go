package detector

import (
	"io"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/internal/market"
	"crossarb/internal/venue"
	"crossarb/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func newDetector(minSpread float64) (*Detector, *market.PriceCache) {
	cache := market.NewPriceCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(NewConfig(minSpread, 10000, 0), cache, nil, logger)
	return d, cache
}

func quote(venue, bid, ask string, ts int64) types.Quote {
	return types.Quote{Venue: venue, Symbol: "BTC", Bid: dec(bid), Ask: dec(ask), TsNanos: ts}
}

func TestSinglePairDislocation(t *testing.T) {
	d, _ := newDetector(0.1)

	if got := d.OnQuote(quote("venueA", "103750", "103760", 1)); len(got) != 0 {
		t.Fatalf("opportunity with one venue: %v", got)
	}
	opps := d.OnQuote(quote("venueB", "104100", "104110", 2))
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}

	opp := opps[0]
	if opp.BuyVenue != "venueA" || opp.SellVenue != "venueB" {
		t.Errorf("direction = buy %s sell %s, want buy venueA sell venueB", opp.BuyVenue, opp.SellVenue)
	}
	// (104100 - 103760) / 103760 * 100 ~ 0.328%
	want := dec("340").Div(dec("103760")).Mul(dec("100"))
	if !opp.SpreadPct.Equal(want) {
		t.Errorf("spread = %s, want %s", opp.SpreadPct, want)
	}
	if opp.ID != "ARB_000001" {
		t.Errorf("id = %q, want ARB_000001", opp.ID)
	}
}

func TestBelowThresholdRejected(t *testing.T) {
	d, _ := newDetector(0.5)

	d.OnQuote(quote("venueA", "103750", "103760", 1))
	if opps := d.OnQuote(quote("venueB", "104100", "104110", 2)); len(opps) != 0 {
		t.Fatalf("opportunities = %d, want 0 at 0.5%% threshold", len(opps))
	}
}

func TestExactlyAtThresholdQualifies(t *testing.T) {
	d, _ := newDetector(0.5)

	// sell.bid 100.5 vs buy.ask 100: spread exactly 0.5%.
	d.OnQuote(quote("venueA", "99.9", "100", 1))
	opps := d.OnQuote(quote("venueB", "100.5", "100.6", 2))
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1 at exact threshold", len(opps))
	}
	if !opps[0].SpreadPct.Equal(dec("0.5")) {
		t.Errorf("spread = %s, want 0.5", opps[0].SpreadPct)
	}
}

func TestEmissionOrderBySpreadDescending(t *testing.T) {
	d, _ := newDetector(0.1)

	d.OnQuote(quote("venueA", "99", "100", 1))
	d.OnQuote(quote("venueB", "101", "102", 2))
	opps := d.OnQuote(quote("venueC", "103", "104", 3))

	if len(opps) < 2 {
		t.Fatalf("opportunities = %d, want >= 2", len(opps))
	}
	for i := 1; i < len(opps); i++ {
		if opps[i].SpreadPct.GreaterThan(opps[i-1].SpreadPct) {
			t.Errorf("opportunities not sorted by spread: %s after %s",
				opps[i].SpreadPct, opps[i-1].SpreadPct)
		}
	}
}

func TestSizeCappedByVolume(t *testing.T) {
	d, _ := newDetector(0.1)

	a := quote("venueA", "99", "100", 1)
	a.Volume24h = dec("5") // 10% of 5 = 0.5 base, notional 50 < 10000
	b := quote("venueB", "101", "102", 2)
	b.Volume24h = dec("1000")

	d.OnQuote(a)
	opps := d.OnQuote(b)
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	if !opps[0].RecommendedSize.Equal(dec("0.5")) {
		t.Errorf("size = %s, want 0.5 (volume-capped)", opps[0].RecommendedSize)
	}
}

func TestSizeFallsBackWithoutVolume(t *testing.T) {
	d, _ := newDetector(0.1)

	d.OnQuote(quote("venueA", "99", "100", 1))
	opps := d.OnQuote(quote("venueB", "101", "102", 2))
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1", len(opps))
	}
	// maxPositionSizeUsd / buy.ask = 10000 / 100
	if !opps[0].RecommendedSize.Equal(dec("100")) {
		t.Errorf("size = %s, want 100", opps[0].RecommendedSize)
	}
}

func TestMinProfitFilter(t *testing.T) {
	cache := market.NewPriceCache()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	d := New(NewConfig(0.1, 10000, 500), cache, nil, logger)

	// Profit = (101 - 100) * 100 = 100 USD < 500.
	d.OnQuote(quote("venueA", "99", "100", 1))
	if opps := d.OnQuote(quote("venueB", "101", "102", 2)); len(opps) != 0 {
		t.Fatalf("opportunities = %d, want 0 below min profit", len(opps))
	}
}

func TestFeeAdjustedThreshold(t *testing.T) {
	// Default takers: bybit 0.0006, binance 0.0004. Round trip on both
	// venues adds (0.0006+0.0004)*2*100 = 0.2 percentage points.
	d, _ := newDetector(0.1)
	d.SetFeeTable(venue.NewFeeTable(nil))

	// Gross spread 0.25% clears the base 0.1% threshold but not the
	// fee-adjusted 0.3%.
	d.OnQuote(quote("Bybit", "99", "100", 1))
	if opps := d.OnQuote(quote("Binance", "100.25", "100.35", 2)); len(opps) != 0 {
		t.Fatalf("opportunities = %d, want 0 below fee-adjusted threshold", len(opps))
	}

	// 0.4% clears it; expected profit is net of round-trip fees.
	opps := d.OnQuote(quote("Binance", "100.4", "100.5", 3))
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1 above fee-adjusted threshold", len(opps))
	}
	// Gross (100.4-100)*100 = 40, fees 10000*0.001*2 = 20.
	if !opps[0].ExpectedProfit.Equal(dec("20")) {
		t.Errorf("expected profit = %s, want 20 net of fees", opps[0].ExpectedProfit)
	}
}

func TestUnknownVenuesAddNoFees(t *testing.T) {
	d, _ := newDetector(0.1)
	d.SetFeeTable(venue.NewFeeTable(nil))

	d.OnQuote(quote("venueA", "99", "100", 1))
	opps := d.OnQuote(quote("venueB", "100.25", "100.35", 2))
	if len(opps) != 1 {
		t.Fatalf("opportunities = %d, want 1 for zero-fee venues", len(opps))
	}
	if !opps[0].SpreadPct.Equal(dec("0.25")) {
		t.Errorf("spread = %s, want 0.25", opps[0].SpreadPct)
	}
}

func TestAttachSlippage(t *testing.T) {
	opp := types.Opportunity{RecommendedSize: dec("1")}
	buyBook := types.OrderBook{
		Symbol: "BTC",
		Asks:   []types.PriceLevel{{Price: dec("100"), Size: dec("1")}},
	}
	sellBook := types.OrderBook{
		Symbol: "BTC",
		Bids:   []types.PriceLevel{{Price: dec("101"), Size: dec("0.5")}},
	}
	AttachSlippage(&opp, buyBook, sellBook)
	if !opp.SlippageBuy.IsZero() {
		t.Errorf("buy slippage = %s, want 0", opp.SlippageBuy)
	}
	if !market.Infeasible(opp.SlippageSell) {
		t.Errorf("sell slippage = %s, want infeasible", opp.SlippageSell)
	}
}

func TestStats(t *testing.T) {
	d, _ := newDetector(0.1)
	d.OnQuote(quote("venueA", "99", "100", 1))
	d.OnQuote(quote("venueB", "101", "102", 2))

	st := d.Stats()
	if st.Emitted != 1 {
		t.Errorf("emitted = %d, want 1", st.Emitted)
	}
	if st.BestSpreadPct.IsZero() {
		t.Error("best spread not recorded")
	}
}
