package market

import (
	"testing"

	"github.com/shopspring/decimal"

	"crossarb/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func quote(venue, symbol, bid, ask string, ts int64) types.Quote {
	return types.Quote{Venue: venue, Symbol: symbol, Bid: dec(bid), Ask: dec(ask), TsNanos: ts}
}

func TestPutAndGet(t *testing.T) {
	t.Parallel()
	c := NewPriceCache()

	if !c.Put(quote("Bybit", "BTC", "100", "101", 1)) {
		t.Fatal("Put rejected fresh quote")
	}
	got, ok := c.Get("BTC", "Bybit")
	if !ok || !got.Bid.Equal(dec("100")) {
		t.Fatalf("Get = %v %v", got, ok)
	}
}

func TestPutIgnoresStaleTimestamp(t *testing.T) {
	t.Parallel()
	c := NewPriceCache()

	c.Put(quote("Bybit", "BTC", "100", "101", 10))
	if c.Put(quote("Bybit", "BTC", "90", "91", 5)) {
		t.Fatal("Put accepted stale quote")
	}
	got, _ := c.Get("BTC", "Bybit")
	if !got.Bid.Equal(dec("100")) {
		t.Errorf("stored bid = %s, want 100 (newer quote)", got.Bid)
	}
}

func TestSnapshotIsolation(t *testing.T) {
	t.Parallel()
	c := NewPriceCache()

	c.Put(quote("Bybit", "BTC", "100", "101", 1))
	snap := c.Snapshot("BTC")

	c.Put(quote("Bybit", "BTC", "200", "201", 2))
	if !snap["Bybit"].Bid.Equal(dec("100")) {
		t.Error("snapshot mutated by later write")
	}
	if len(c.Snapshot("ETH")) != 0 {
		t.Error("snapshot of unknown symbol not empty")
	}
}

func TestBestBidAsk(t *testing.T) {
	t.Parallel()
	c := NewPriceCache()

	c.Put(quote("Bybit", "BTC", "100", "102", 1))
	c.Put(quote("Binance", "BTC", "101", "103", 1))

	bestBid, bestAsk, ok := c.BestBidAsk("BTC")
	if !ok {
		t.Fatal("BestBidAsk not ok")
	}
	if bestBid.Venue != "Binance" || !bestBid.Bid.Equal(dec("101")) {
		t.Errorf("best bid = %s@%s, want Binance@101", bestBid.Venue, bestBid.Bid)
	}
	if bestAsk.Venue != "Bybit" || !bestAsk.Ask.Equal(dec("102")) {
		t.Errorf("best ask = %s@%s, want Bybit@102", bestAsk.Venue, bestAsk.Ask)
	}
}

func TestSpread(t *testing.T) {
	t.Parallel()
	c := NewPriceCache()

	c.Put(quote("A", "BTC", "103750", "103760", 1))
	c.Put(quote("B", "BTC", "104100", "104110", 1))

	spread, ok := c.Spread("BTC", "A", "B")
	if !ok {
		t.Fatal("Spread not ok")
	}
	// (104100 - 103760) / 103760 * 100
	want := dec("340").Div(dec("103760")).Mul(dec("100"))
	if !spread.Equal(want) {
		t.Errorf("spread = %s, want %s", spread, want)
	}

	if _, ok := c.Spread("BTC", "A", "C"); ok {
		t.Error("Spread ok with missing venue")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	c := NewPriceCache()
	c.Put(quote("Bybit", "BTC", "100", "101", 1))
	c.Clear()
	if _, ok := c.Get("BTC", "Bybit"); ok {
		t.Error("quote survived Clear")
	}
}
