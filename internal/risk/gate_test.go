package risk

import (
	"io"
	"log/slog"
	"testing"
	"time"

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

type gateClock struct{ t time.Time }

func (c *gateClock) Now() time.Time          { return c.t }
func (c *gateClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newGate(t *testing.T) (*Gate, *gateClock) {
	t.Helper()
	clock := &gateClock{t: time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := NewGate(DefaultParameters(), nil, logger)
	g.SetClock(clock.Now)
	return g, clock
}

// goodOpp is comfortably inside every default limit.
func goodOpp() types.Opportunity {
	return types.Opportunity{
		ID:              "ARB_000001",
		Symbol:          "BTC",
		BuyVenue:        "Bybit",
		SellVenue:       "Binance",
		BuyPrice:        dec("100"),
		SellPrice:       dec("101"),
		SpreadPct:       dec("1"),
		RecommendedSize: dec("50"), // 5000 USD notional
		ExpectedProfit:  dec("50"),
		SlippageBuy:     dec("0.05"),
		SlippageSell:    dec("0.05"),
	}
}

func TestValidateAccepts(t *testing.T) {
	g, _ := newGate(t)
	ok, reason := g.Validate(goodOpp(), nil, nil)
	if !ok {
		t.Fatalf("rejected with %q", reason)
	}
}

func TestPositionSizeCap(t *testing.T) {
	g, _ := newGate(t)
	opp := goodOpp()
	opp.RecommendedSize = dec("200") // 20000 USD > 10000 cap
	if ok, reason := g.Validate(opp, nil, nil); ok || reason != ReasonPositionSize {
		t.Fatalf("got %v %q, want reject position_size", ok, reason)
	}
}

func TestPositionsPerSymbolCap(t *testing.T) {
	g, _ := newGate(t)
	open := []OpenPosition{
		{Symbol: "BTC", ValueUsd: dec("100")},
		{Symbol: "BTC", ValueUsd: dec("100")},
		{Symbol: "BTC", ValueUsd: dec("100")},
	}
	if ok, reason := g.Validate(goodOpp(), open, nil); ok || reason != ReasonPositionsPerSymbol {
		t.Fatalf("got %v %q, want reject positions_per_symbol", ok, reason)
	}
}

func TestTotalPositionsCap(t *testing.T) {
	g, _ := newGate(t)
	open := make([]OpenPosition, 10)
	for i := range open {
		open[i] = OpenPosition{Symbol: "ETH", ValueUsd: dec("10")}
	}
	if ok, reason := g.Validate(goodOpp(), open, nil); ok || reason != ReasonTotalPositions {
		t.Fatalf("got %v %q, want reject total_positions", ok, reason)
	}
}

func TestTotalExposureCap(t *testing.T) {
	g, clock := newGate(t)
	// Occupy 48k of the 50k budget; a 5k opportunity no longer fits.
	g.PositionOpened("ETH", "Bybit", "Binance", dec("48000"))
	clock.Advance(10 * time.Minute) // clear cooldown from the open above
	if ok, reason := g.Validate(goodOpp(), nil, nil); ok || reason != ReasonTotalExposure {
		t.Fatalf("got %v %q, want reject total_exposure", ok, reason)
	}
}

func TestVenueExposureCap(t *testing.T) {
	g, clock := newGate(t)
	// 38k split across the two venues = 19k each; 5k more breaches 20k.
	g.PositionOpened("ETH", "Bybit", "Binance", dec("38000"))
	clock.Advance(10 * time.Minute)
	if ok, reason := g.Validate(goodOpp(), nil, nil); ok || reason != ReasonVenueExposure {
		t.Fatalf("got %v %q, want reject venue_exposure", ok, reason)
	}
}

func TestSlippageCapAndSentinel(t *testing.T) {
	g, _ := newGate(t)

	opp := goodOpp()
	opp.SlippageSell = dec("0.6")
	if ok, reason := g.Validate(opp, nil, nil); ok || reason != ReasonSlippage {
		t.Fatalf("got %v %q, want reject slippage", ok, reason)
	}

	opp = goodOpp()
	opp.SlippageBuy = dec("999")
	if ok, reason := g.Validate(opp, nil, nil); ok || reason != ReasonSlippage {
		t.Fatalf("sentinel: got %v %q, want reject slippage", ok, reason)
	}
}

func TestNetSpreadFloor(t *testing.T) {
	g, _ := newGate(t)
	opp := goodOpp()
	opp.SpreadPct = dec("0.25")
	opp.SlippageBuy = dec("0.03")
	opp.SlippageSell = dec("0.03")
	// net = 0.19 < 0.2
	if ok, reason := g.Validate(opp, nil, nil); ok || reason != ReasonNetSpread {
		t.Fatalf("got %v %q, want reject net_spread", ok, reason)
	}
}

func TestCooldown(t *testing.T) {
	g, clock := newGate(t)

	if ok, reason := g.Validate(goodOpp(), nil, nil); !ok {
		t.Fatalf("initial accept failed: %q", reason)
	}
	g.PositionOpened("BTC", "Bybit", "Binance", dec("5000"))

	clock.Advance(100 * time.Second)
	if ok, reason := g.Validate(goodOpp(), nil, nil); ok || reason != ReasonCooldown {
		t.Fatalf("t=100s: got %v %q, want reject cooldown", ok, reason)
	}

	clock.Advance(200 * time.Second) // t=300s, cooldown elapsed
	if ok, reason := g.Validate(goodOpp(), nil, nil); !ok {
		t.Fatalf("t=300s: rejected with %q", reason)
	}
}

func TestDailyLossStopsTrading(t *testing.T) {
	g, clock := newGate(t)
	g.PositionOpened("ETH", "Bybit", "Binance", dec("5000"))
	g.PositionClosed("ETH", "Bybit", "Binance", dec("5000"), dec("-1200"))
	clock.Advance(10 * time.Minute)
	if ok, reason := g.Validate(goodOpp(), nil, nil); ok || reason != ReasonDailyLoss {
		t.Fatalf("got %v %q, want reject daily_loss", ok, reason)
	}
}

func TestBlockedSymbolExpires(t *testing.T) {
	g, clock := newGate(t)
	g.BlockSymbol("BTC", time.Minute)

	if ok, reason := g.Validate(goodOpp(), nil, nil); ok || reason != ReasonBlocked {
		t.Fatalf("got %v %q, want reject blocked", ok, reason)
	}

	clock.Advance(2 * time.Minute)
	if ok, reason := g.Validate(goodOpp(), nil, nil); !ok {
		t.Fatalf("after expiry: rejected with %q", reason)
	}
}

func TestBalanceSufficiency(t *testing.T) {
	g, _ := newGate(t)

	// Quote balance on buy venue must cover notional + min balance floor.
	balances := map[string]map[string]types.Balance{
		"Bybit":   {types.QuoteAsset: {Asset: types.QuoteAsset, Free: dec("5500")}},
		"Binance": {"BTC": {Asset: "BTC", Free: dec("50")}},
	}
	// 5000 notional + 1000 floor > 5500 free.
	if ok, reason := g.Validate(goodOpp(), nil, balances); ok || reason != ReasonInsufficientBalance {
		t.Fatalf("got %v %q, want reject insufficient_balance", ok, reason)
	}

	balances["Bybit"][types.QuoteAsset] = types.Balance{Asset: types.QuoteAsset, Free: dec("7000")}
	if ok, reason := g.Validate(goodOpp(), nil, balances); !ok {
		t.Fatalf("with funds: rejected with %q", reason)
	}
}

func TestExposureTotalsStayEqual(t *testing.T) {
	g, _ := newGate(t)

	g.PositionOpened("BTC", "Bybit", "Binance", dec("5000"))
	g.PositionOpened("ETH", "Binance", "Hyperliquid", dec("3000"))

	check := func() {
		s := g.State()
		symTotal, venTotal := decimal.Decimal{}, decimal.Decimal{}
		for _, e := range s.ExposureBySymbol {
			symTotal = symTotal.Add(e)
		}
		for _, e := range s.ExposureByVenue {
			venTotal = venTotal.Add(e)
		}
		if !symTotal.Equal(venTotal) {
			t.Fatalf("exposure totals differ: symbol %s venue %s", symTotal, venTotal)
		}
	}
	check()

	g.PositionClosed("BTC", "Bybit", "Binance", dec("5000"), dec("25"))
	check()
}

func TestDailyReset(t *testing.T) {
	g, clock := newGate(t)
	g.PositionOpened("BTC", "Bybit", "Binance", dec("5000"))
	g.PositionClosed("BTC", "Bybit", "Binance", dec("5000"), dec("-500"))

	clock.Advance(24 * time.Hour)
	// Next validation rolls the day and clears daily counters.
	if ok, reason := g.Validate(goodOpp(), nil, nil); !ok {
		t.Fatalf("rejected after day roll: %q", reason)
	}
	s := g.State()
	if !s.DailyPnl.IsZero() || !s.DrawdownToday.IsZero() {
		t.Errorf("daily state not reset: pnl=%s drawdown=%s", s.DailyPnl, s.DrawdownToday)
	}
}
