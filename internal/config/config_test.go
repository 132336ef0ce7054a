package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadEnvSubstitution(t *testing.T) {
	t.Setenv("TEST_BYBIT_KEY", "key-from-env")
	t.Setenv("TEST_BYBIT_SECRET", "secret-from-env")

	path := writeTempConfig(t, `
arbitrage:
  min_spread_threshold: 0.3
exchanges:
  bybit:
    enabled: true
    api_key: ${TEST_BYBIT_KEY}
    api_secret: ${TEST_BYBIT_SECRET}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	ex, ok := cfg.Exchanges["bybit"]
	if !ok {
		t.Fatal("bybit exchange missing")
	}
	if ex.ApiKey != "key-from-env" {
		t.Errorf("api_key = %q, want key-from-env", ex.ApiKey)
	}
	if ex.ApiSecret != "secret-from-env" {
		t.Errorf("api_secret = %q, want secret-from-env", ex.ApiSecret)
	}
	if cfg.Arbitrage.MinSpreadThreshold != 0.3 {
		t.Errorf("min_spread_threshold = %v, want 0.3", cfg.Arbitrage.MinSpreadThreshold)
	}
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, `
arbitrage:
  min_spread_threshold: 0.2
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Arbitrage.MaxPositionSize != 10000.0 {
		t.Errorf("max_position_size default = %v, want 10000", cfg.Arbitrage.MaxPositionSize)
	}
	if cfg.Risk.Cooldown != 300*time.Second {
		t.Errorf("cooldown default = %v, want 300s", cfg.Risk.Cooldown)
	}
	if cfg.Risk.MaxPositionsPerSymbol != 3 {
		t.Errorf("max_positions_per_symbol default = %d, want 3", cfg.Risk.MaxPositionsPerSymbol)
	}
	if cfg.Hub.QueueSize != 200000 {
		t.Errorf("queue_size default = %d, want 200000", cfg.Hub.QueueSize)
	}
	if cfg.PriceLogger.PriceChangeThreshold != 1e-5 {
		t.Errorf("price_change_threshold default = %v, want 1e-5", cfg.PriceLogger.PriceChangeThreshold)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate on defaults: %v", err)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero spread threshold", func(c *Config) { c.Arbitrage.MinSpreadThreshold = 0 }},
		{"negative profit threshold", func(c *Config) { c.Arbitrage.MinProfitThreshold = -1 }},
		{"exposure below position size", func(c *Config) { c.Risk.MaxTotalExposure = 1 }},
		{"zero total positions", func(c *Config) { c.Risk.MaxTotalPositions = 0 }},
		{"zero queue size", func(c *Config) { c.Hub.QueueSize = 0 }},
		{"negative fee", func(c *Config) {
			c.Exchanges = map[string]ExchangeConfig{"bybit": {Fees: FeeConfig{Taker: -0.01}}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate accepted invalid config")
			}
		})
	}
}

func TestThresholdForProfile(t *testing.T) {
	a := ArbitrageConfig{
		MinSpreadThreshold:    0.1,
		ConservativeThreshold: 0.5,
		AggressiveThreshold:   0.05,
		TestThreshold:         0.01,
	}
	if got := a.ThresholdForProfile("conservative"); got != 0.5 {
		t.Errorf("conservative = %v, want 0.5", got)
	}
	if got := a.ThresholdForProfile("AGGRESSIVE"); got != 0.05 {
		t.Errorf("aggressive = %v, want 0.05", got)
	}
	if got := a.ThresholdForProfile(""); got != 0.1 {
		t.Errorf("default = %v, want 0.1", got)
	}
	if got := a.ThresholdForProfile("unknown"); got != 0.1 {
		t.Errorf("unknown = %v, want 0.1", got)
	}
}

func TestEnabledExchanges(t *testing.T) {
	cfg := Default()
	cfg.Exchanges = map[string]ExchangeConfig{
		"bybit":       {Enabled: true},
		"binance":     {Enabled: false},
		"hyperliquid": {Enabled: true},
	}
	got := cfg.EnabledExchanges()
	if len(got) != 2 {
		t.Fatalf("EnabledExchanges = %v, want 2 entries", got)
	}
}
