package backtest

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"crossarb/internal/recorder"
	"crossarb/pkg/types"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var day = time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC)

// recordQuotes writes a fixture quote log and returns its directory.
func recordQuotes(t *testing.T, quotes []types.Quote) string {
	t.Helper()
	dir := t.TempDir()
	rec := recorder.New(recorder.Config{OutputDir: dir}, testLogger())
	for _, q := range quotes {
		if err := rec.Record(q); err != nil {
			t.Fatal(err)
		}
	}
	if err := rec.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func quote(venueName string, offset time.Duration, bid, ask string) types.Quote {
	return types.Quote{
		Venue:   venueName,
		Symbol:  "BTC",
		Bid:     dec(bid),
		Ask:     dec(ask),
		TsNanos: day.Add(offset).UnixNano(),
	}
}

func baseConfig(dir string) Config {
	return Config{
		DataDir:        dir,
		From:           day,
		To:             day,
		MinSpreadPct:   dec("0.5"),
		ExitTargetPct:  dec("0.1"),
		FeeRate:        dec("0.001"),
		SlippageRate:   dec("0.0005"),
		MaxPositionUsd: dec("1000"),
	}
}

func TestRoundTripNetAccounting(t *testing.T) {
	dir := recordQuotes(t, []types.Quote{
		quote("VenueA", 0, "99", "100"),
		// Entry: spread (101 - 100) / 100 * 100 = 1%.
		quote("VenueB", time.Second, "101", "102"),
		// Exit: spread (100.05 - 100) / 100 * 100 = 0.05% <= 0.1% target.
		quote("VenueB", 2*time.Second, "100.05", "100.2"),
	})

	res, err := New(baseConfig(dir), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}

	tr := res.Trades[0]
	if tr.ID != "BT_000001" || tr.BuyVenue != "VenueA" || tr.SellVenue != "VenueB" {
		t.Errorf("trade = %s %s->%s", tr.ID, tr.BuyVenue, tr.SellVenue)
	}
	if !tr.EntrySpreadPct.Equal(dec("1")) || !tr.ExitSpreadPct.Equal(dec("0.05")) {
		t.Errorf("spreads = %s -> %s, want 1 -> 0.05", tr.EntrySpreadPct, tr.ExitSpreadPct)
	}
	// Cost = (4 * 0.001 + 2 * 0.0005) * 100 = 0.5 percentage points.
	if !tr.CostPct.Equal(dec("0.5")) {
		t.Errorf("cost = %s, want 0.5", tr.CostPct)
	}
	// Net = (1 - 0.05) - 0.5 = 0.45; on 1000 USD that is 4.5 USD.
	if !tr.NetPct.Equal(dec("0.45")) {
		t.Errorf("net pct = %s, want 0.45", tr.NetPct)
	}
	if !tr.NetPnlUsd.Equal(dec("4.5")) {
		t.Errorf("net pnl = %s, want 4.5", tr.NetPnlUsd)
	}
	if tr.ForcedExit {
		t.Error("converged exit flagged as forced")
	}

	if !res.TotalNetPnlUsd.Equal(dec("4.5")) {
		t.Errorf("total pnl = %s, want 4.5", res.TotalNetPnlUsd)
	}
	if !res.WinRate.Equal(dec("1")) {
		t.Errorf("win rate = %s, want 1", res.WinRate)
	}
	if res.AvgDuration != time.Second {
		t.Errorf("avg duration = %s, want 1s", res.AvgDuration)
	}
}

func TestBelowThresholdNoTrades(t *testing.T) {
	dir := recordQuotes(t, []types.Quote{
		quote("VenueA", 0, "99", "100"),
		// Spread 0.3% stays under the 0.5% threshold.
		quote("VenueB", time.Second, "100.3", "100.5"),
	})

	res, err := New(baseConfig(dir), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 0 {
		t.Fatalf("trades = %d, want 0", len(res.Trades))
	}
	if res.QuotesReplayed != 2 {
		t.Errorf("quotes replayed = %d, want 2", res.QuotesReplayed)
	}
}

func TestUnconvergedTradeForceClosed(t *testing.T) {
	dir := recordQuotes(t, []types.Quote{
		quote("VenueA", 0, "99", "100"),
		quote("VenueB", time.Second, "101", "102"),
	})

	res, err := New(baseConfig(dir), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.ForcedExit {
		t.Error("end-of-data exit not flagged as forced")
	}
	// Closed at the last observed spread (still 1%): gross 0, net -0.5.
	if !tr.NetPct.Equal(dec("-0.5")) {
		t.Errorf("net pct = %s, want -0.5", tr.NetPct)
	}
}

func TestInvertedSpreadIsNotConvergence(t *testing.T) {
	dir := recordQuotes(t, []types.Quote{
		quote("VenueA", 0, "99", "100"),
		// Entry at +1%.
		quote("VenueB", time.Second, "101", "102"),
		// Inversion: spread (90 - 100) / 100 * 100 = -10%. |spread| is far
		// from the 0.1% target, so the trade must stay open.
		quote("VenueB", 2*time.Second, "90", "90.5"),
	})

	cfg := baseConfig(dir)
	cfg.MaxOpenPositions = 1

	res, err := New(cfg, testLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	tr := res.Trades[0]
	if !tr.ForcedExit {
		t.Fatalf("inverted spread booked as convergence: exit=%s forced=%t",
			tr.ExitSpreadPct, tr.ForcedExit)
	}
	if !tr.ExitSpreadPct.Equal(dec("-10")) {
		t.Errorf("exit spread = %s, want -10 at end of data", tr.ExitSpreadPct)
	}
}

func TestOnePositionPerVenuePair(t *testing.T) {
	dir := recordQuotes(t, []types.Quote{
		quote("VenueA", 0, "99", "100"),
		quote("VenueB", time.Second, "101", "102"),
		// A second qualifying tick on the same pair must not double-enter.
		quote("VenueB", 2*time.Second, "101.5", "102.5"),
	})

	res, err := New(baseConfig(dir), testLogger()).Run(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Trades) != 1 {
		t.Fatalf("trades = %d, want 1", len(res.Trades))
	}
	if !res.Trades[0].EntrySpreadPct.Equal(dec("1")) {
		t.Errorf("entry spread = %s, want the first tick's 1", res.Trades[0].EntrySpreadPct)
	}
}

func TestTradesCSVWritten(t *testing.T) {
	dir := recordQuotes(t, []types.Quote{
		quote("VenueA", 0, "99", "100"),
		quote("VenueB", time.Second, "101", "102"),
		quote("VenueB", 2*time.Second, "100.05", "100.2"),
	})

	cfg := baseConfig(dir)
	cfg.TradesPath = filepath.Join(t.TempDir(), "backtest_trades.csv")

	if _, err := New(cfg, testLogger()).Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	raw, err := os.ReadFile(cfg.TradesPath)
	if err != nil {
		t.Fatalf("trades csv missing: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	if len(lines) != 2 {
		t.Fatalf("csv lines = %d, want header plus one trade", len(lines))
	}
	if !strings.HasPrefix(lines[0], "trade_id,symbol,buy_venue,sell_venue") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "BT_000001,BTC,VenueA,VenueB") {
		t.Errorf("row = %q", lines[1])
	}
}
