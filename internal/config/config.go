// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml); any
// value of the form ${VAR} is substituted from the environment at load,
// so credentials never live in the file itself.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure. Loaded once at startup and passed by value; never mutated
// afterwards.
type Config struct {
	Arbitrage   ArbitrageConfig           `mapstructure:"arbitrage"`
	Risk        RiskConfig                `mapstructure:"risk"`
	Exchanges   map[string]ExchangeConfig `mapstructure:"exchanges"`
	PriceLogger PriceLoggerConfig         `mapstructure:"price_logger"`
	Websocket   WebsocketConfig           `mapstructure:"websocket"`
	Hub         HubConfig                 `mapstructure:"hub"`
	Logging     LoggingConfig             `mapstructure:"logging"`
	Metrics     MetricsConfig             `mapstructure:"metrics"`
}

// ArbitrageConfig tunes the opportunity detector.
//
//   - MinSpreadThreshold: minimum gross spread in percent for a pair of
//     quotes to qualify (exactly at the threshold qualifies).
//   - MaxPositionSize: cap on notional per position, quote asset.
//   - MinProfitThreshold: minimum expected profit in quote asset.
//   - ExitTargetPct: close both legs once |current spread| shrinks to this.
//   - Conservative/Aggressive/Test thresholds: alternative spread profiles
//     selectable with the monitor --profile flag.
type ArbitrageConfig struct {
	MinSpreadThreshold    float64 `mapstructure:"min_spread_threshold"`
	MaxPositionSize       float64 `mapstructure:"max_position_size"`
	MinProfitThreshold    float64 `mapstructure:"min_profit_threshold"`
	ExitTargetPct         float64 `mapstructure:"exit_target_pct"`
	ConservativeThreshold float64 `mapstructure:"conservative_threshold"`
	AggressiveThreshold   float64 `mapstructure:"aggressive_threshold"`
	TestThreshold         float64 `mapstructure:"test_threshold"`
}

// ThresholdForProfile maps a --profile name to its configured spread
// threshold. Unknown or empty profiles fall back to MinSpreadThreshold.
func (a ArbitrageConfig) ThresholdForProfile(profile string) float64 {
	switch strings.ToLower(profile) {
	case "conservative":
		if a.ConservativeThreshold > 0 {
			return a.ConservativeThreshold
		}
	case "aggressive":
		if a.AggressiveThreshold > 0 {
			return a.AggressiveThreshold
		}
	case "test":
		if a.TestThreshold > 0 {
			return a.TestThreshold
		}
	}
	return a.MinSpreadThreshold
}

// RiskConfig sets the hard limits the risk gate enforces before any
// position is opened. All monetary values are in the quote asset (USDT).
type RiskConfig struct {
	MaxPositionSize       float64       `mapstructure:"max_position_size"`
	MaxTotalExposure      float64       `mapstructure:"max_total_exposure"`
	MaxPositionsPerSymbol int           `mapstructure:"max_positions_per_symbol"`
	MaxTotalPositions     int           `mapstructure:"max_total_positions"`
	MaxSlippagePct        float64       `mapstructure:"max_slippage_pct"`
	MinNetSpread          float64       `mapstructure:"min_net_spread"`
	MaxPositionDuration   time.Duration `mapstructure:"max_position_duration"`
	Cooldown              time.Duration `mapstructure:"cooldown"`
	MaxDailyLoss          float64       `mapstructure:"max_daily_loss"`
	MaxDrawdown           float64       `mapstructure:"max_drawdown"`
	StopLossPct           float64       `mapstructure:"stop_loss_pct"`
	MaxExchangeExposure   float64       `mapstructure:"max_exchange_exposure"`
	MinExchangeBalance    float64       `mapstructure:"min_exchange_balance"`
}

// ExchangeConfig holds per-venue settings. Fee rates are fractional
// (0.0006 = 6 bps); zero means "use the built-in default for this venue".
type ExchangeConfig struct {
	Enabled   bool      `mapstructure:"enabled"`
	ApiKey    string    `mapstructure:"api_key"`
	ApiSecret string    `mapstructure:"api_secret"`
	Testnet   bool      `mapstructure:"testnet"`
	Fees      FeeConfig `mapstructure:"fees"`
}

// FeeConfig overrides the static fee table for one venue.
type FeeConfig struct {
	Maker float64 `mapstructure:"maker"`
	Taker float64 `mapstructure:"taker"`
}

// PriceLoggerConfig controls the quote recorder.
//
//   - OutputDir: root directory for per-day log folders.
//   - Interval: sampling interval for the interval-based writer.
//   - Compress: write .csv.gz instead of .csv.
//   - PriceChangeThreshold: delta mode; record only when bid or ask moved
//     by more than this relative fraction since the last written row.
type PriceLoggerConfig struct {
	OutputDir            string        `mapstructure:"output_dir"`
	Interval             time.Duration `mapstructure:"interval"`
	Compress             bool          `mapstructure:"compress"`
	PriceChangeThreshold float64       `mapstructure:"price_change_threshold"`
}

// WebsocketConfig controls adapter transport behavior.
type WebsocketConfig struct {
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
	PingInterval         time.Duration `mapstructure:"ping_interval"`
	ConnectTimeout       time.Duration `mapstructure:"connect_timeout"`
}

// HubConfig controls ingestion fan-out.
//
//   - QueueSize: bound on each subscriber channel; overflow drops newest.
//   - ShutdownGrace: how long Stop waits for queues to drain.
type HubConfig struct {
	QueueSize     int           `mapstructure:"queue_size"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig controls the Prometheus /metrics listener.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file. ${VAR} references anywhere in the
// file are substituted from the environment before parsing; an unset
// variable substitutes to the empty string.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.Expand(string(raw), os.Getenv)

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	if err := v.ReadConfig(strings.NewReader(expanded)); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config populated with the built-in defaults only,
// used by backtests and tests that do not read a file.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("arbitrage.min_spread_threshold", 0.1)
	v.SetDefault("arbitrage.max_position_size", 10000.0)
	v.SetDefault("arbitrage.min_profit_threshold", 10.0)
	v.SetDefault("arbitrage.exit_target_pct", 0.1)

	v.SetDefault("risk.max_position_size", 10000.0)
	v.SetDefault("risk.max_total_exposure", 50000.0)
	v.SetDefault("risk.max_positions_per_symbol", 3)
	v.SetDefault("risk.max_total_positions", 10)
	v.SetDefault("risk.max_slippage_pct", 0.5)
	v.SetDefault("risk.min_net_spread", 0.2)
	v.SetDefault("risk.max_position_duration", 24*time.Hour)
	v.SetDefault("risk.cooldown", 300*time.Second)
	v.SetDefault("risk.max_daily_loss", 1000.0)
	v.SetDefault("risk.max_drawdown", 5000.0)
	v.SetDefault("risk.stop_loss_pct", 2.0)
	v.SetDefault("risk.max_exchange_exposure", 20000.0)
	v.SetDefault("risk.min_exchange_balance", 1000.0)

	v.SetDefault("price_logger.output_dir", "data/price_logs")
	v.SetDefault("price_logger.interval", time.Second)
	v.SetDefault("price_logger.compress", false)
	v.SetDefault("price_logger.price_change_threshold", 1e-5)

	v.SetDefault("websocket.reconnect_delay", time.Second)
	v.SetDefault("websocket.max_reconnect_attempts", 3)
	v.SetDefault("websocket.ping_interval", 20*time.Second)
	v.SetDefault("websocket.connect_timeout", 10*time.Second)

	v.SetDefault("hub.queue_size", 200000)
	v.SetDefault("hub.shutdown_grace", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 9090)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Arbitrage.MinSpreadThreshold <= 0 {
		return fmt.Errorf("arbitrage.min_spread_threshold must be > 0")
	}
	if c.Arbitrage.MaxPositionSize <= 0 {
		return fmt.Errorf("arbitrage.max_position_size must be > 0")
	}
	if c.Arbitrage.MinProfitThreshold < 0 {
		return fmt.Errorf("arbitrage.min_profit_threshold must be >= 0")
	}
	if c.Arbitrage.ExitTargetPct <= 0 {
		return fmt.Errorf("arbitrage.exit_target_pct must be > 0")
	}
	if c.Risk.MaxTotalExposure < c.Risk.MaxPositionSize {
		return fmt.Errorf("risk.max_total_exposure must be >= risk.max_position_size")
	}
	if c.Risk.MaxPositionsPerSymbol <= 0 {
		return fmt.Errorf("risk.max_positions_per_symbol must be > 0")
	}
	if c.Risk.MaxTotalPositions <= 0 {
		return fmt.Errorf("risk.max_total_positions must be > 0")
	}
	if c.Risk.Cooldown < 0 {
		return fmt.Errorf("risk.cooldown must be >= 0")
	}
	for name, ex := range c.Exchanges {
		if ex.Fees.Maker < 0 || ex.Fees.Taker < 0 {
			return fmt.Errorf("exchanges.%s.fees must be >= 0", name)
		}
	}
	if c.Hub.QueueSize <= 0 {
		return fmt.Errorf("hub.queue_size must be > 0")
	}
	if c.PriceLogger.PriceChangeThreshold < 0 {
		return fmt.Errorf("price_logger.price_change_threshold must be >= 0")
	}
	if c.Websocket.MaxReconnectAttempts <= 0 {
		return fmt.Errorf("websocket.max_reconnect_attempts must be > 0")
	}
	return nil
}

// EnabledExchanges returns the names of venues marked enabled, in no
// particular order.
func (c *Config) EnabledExchanges() []string {
	var out []string
	for name, ex := range c.Exchanges {
		if ex.Enabled {
			out = append(out, name)
		}
	}
	return out
}
