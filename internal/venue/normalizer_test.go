package venue

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func testNormalizer(t *testing.T) (*Normalizer, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	n := NewNormalizer("Bybit", map[string]string{"BTCUSDT": "BTC"}, nil, logger)
	n.SetClock(clock.Now)
	return n, clock
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFromBookHappyPath(t *testing.T) {
	n, clock := testNormalizer(t)

	q, ok := n.FromBook("BTCUSDT", dec("103750"), dec("103760"), dec("1000"), clock.Now())
	if !ok {
		t.Fatal("book frame rejected")
	}
	if q.Venue != "Bybit" || q.Symbol != "BTC" {
		t.Errorf("got %s/%s, want Bybit/BTC", q.Venue, q.Symbol)
	}
	if !q.Bid.Equal(dec("103750")) || !q.Ask.Equal(dec("103760")) {
		t.Errorf("bid/ask = %s/%s", q.Bid, q.Ask)
	}
}

func TestFromBookDropsCrossedQuote(t *testing.T) {
	n, clock := testNormalizer(t)

	_, ok := n.FromBook("BTCUSDT", dec("100"), dec("99"), decimal.Decimal{}, clock.Now())
	if ok {
		t.Fatal("crossed quote admitted")
	}
	if got := n.Stats().Malformed; got != 1 {
		t.Errorf("malformed count = %d, want 1", got)
	}
}

func TestFromBookDropsUnknownSymbol(t *testing.T) {
	n, clock := testNormalizer(t)

	_, ok := n.FromBook("DOGEUSDT", dec("1"), dec("2"), decimal.Decimal{}, clock.Now())
	if ok {
		t.Fatal("unknown symbol admitted")
	}
	if got := n.Stats().Unknown; got != 1 {
		t.Errorf("unknown count = %d, want 1", got)
	}
}

func TestBookMinGapThrottles(t *testing.T) {
	n, clock := testNormalizer(t)

	if _, ok := n.FromBook("BTCUSDT", dec("100"), dec("101"), decimal.Decimal{}, clock.Now()); !ok {
		t.Fatal("first frame rejected")
	}
	clock.Advance(100 * time.Millisecond)
	if _, ok := n.FromBook("BTCUSDT", dec("100"), dec("101"), decimal.Decimal{}, clock.Now()); ok {
		t.Fatal("frame inside 200ms gap admitted")
	}
	clock.Advance(150 * time.Millisecond)
	if _, ok := n.FromBook("BTCUSDT", dec("100"), dec("101"), decimal.Decimal{}, clock.Now()); !ok {
		t.Fatal("frame past gap rejected")
	}
	if got := n.Stats().Throttled; got != 1 {
		t.Errorf("throttled count = %d, want 1", got)
	}
}

func TestTickerSynthesizesSpreadAroundLast(t *testing.T) {
	n, clock := testNormalizer(t)

	q, ok := n.FromTicker("BTCUSDT", decimal.Decimal{}, decimal.Decimal{},
		dec("100000"), decimal.Decimal{}, decimal.Decimal{}, clock.Now())
	if !ok {
		t.Fatal("ticker frame rejected")
	}
	if !q.Bid.Equal(dec("99950")) {
		t.Errorf("synthetic bid = %s, want 99950", q.Bid)
	}
	if !q.Ask.Equal(dec("100050")) {
		t.Errorf("synthetic ask = %s, want 100050", q.Ask)
	}
}

func TestTickerSuppressedWhileBookFresh(t *testing.T) {
	n, clock := testNormalizer(t)

	if _, ok := n.FromBook("BTCUSDT", dec("100"), dec("101"), decimal.Decimal{}, clock.Now()); !ok {
		t.Fatal("book frame rejected")
	}

	// Inside the 500ms authority window the ticker must not produce a quote.
	clock.Advance(300 * time.Millisecond)
	if _, ok := n.FromTicker("BTCUSDT", decimal.Decimal{}, decimal.Decimal{},
		dec("100"), decimal.Decimal{}, decimal.Decimal{}, clock.Now()); ok {
		t.Fatal("ticker admitted while book quote fresh")
	}

	clock.Advance(300 * time.Millisecond)
	if _, ok := n.FromTicker("BTCUSDT", decimal.Decimal{}, decimal.Decimal{},
		dec("100"), decimal.Decimal{}, decimal.Decimal{}, clock.Now()); !ok {
		t.Fatal("ticker rejected after authority window expired")
	}
}

func TestStreamGapsIndependent(t *testing.T) {
	n, clock := testNormalizer(t)

	if _, ok := n.FromBook("BTCUSDT", dec("100"), dec("101"), decimal.Decimal{}, clock.Now()); !ok {
		t.Fatal("book frame rejected")
	}
	// A trade right after a book event passes: gaps are per stream kind.
	if !n.AdmitTrade("BTCUSDT") {
		t.Fatal("trade throttled by book gap")
	}
	if n.AdmitTrade("BTCUSDT") {
		t.Fatal("second trade inside 100ms gap admitted")
	}
}
