// Cross-venue crypto arbitrage engine — detects transient price
// dislocations for the same symbol across venues and trades them as
// delta-neutral long/short pairs.
//
// Architecture:
//
//	main.go               — CLI: price-logger, monitor, trade, backtest subcommands
//	engine/engine.go      — orchestrator: adapters → hub → detector → risk gate → positions
//	venue/                — adapter interface, quote normalizer, fee table, Hyperliquid feed
//	hub/hub.go            — fan-out with bounded per-subscriber queues and reconnect supervision
//	market/cache.go       — latest quote per (venue, symbol), cross-venue spread math
//	detector/detector.go  — directional pair scan, spread/profit thresholds, sizing
//	risk/gate.go          — exposure, cooldown, slippage, balance and loss limits
//	order/router.go       — idempotent order placement with fill monitoring
//	position/manager.go   — paired position lifecycle: open, reconcile, converge, close
//	recorder/             — CSV quote logs with UTC-day rotation, replay for backtests
//	backtest/backtest.go  — replayed detection with paper accounting and a fee/slippage cost model
//
// How it makes money:
//
//	When the same asset trades at different prices on two venues, the
//	engine buys on the cheap venue and shorts on the expensive one. The
//	pair is market-neutral; profit is realized when the prices converge
//	and both legs are closed.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"crossarb/internal/backtest"
	"crossarb/internal/config"
	"crossarb/internal/engine"
)

var (
	flagConfig    string
	flagLogLevel  string
	flagLogFormat string
	flagSymbols   []string
	flagExchanges []string
)

func main() {
	root := &cobra.Command{
		Use:           "arb",
		Short:         "cross-venue crypto arbitrage engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagConfig, "config", "configs/config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging.level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "override logging.format (text, json)")

	root.AddCommand(priceLoggerCmd(), monitorCmd(), tradeCmd(), backtestCmd())

	if err := root.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies CLI overrides.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, nil, err
	}
	if flagLogLevel != "" {
		cfg.Logging.Level = flagLogLevel
	}
	if flagLogFormat != "" {
		cfg.Logging.Format = flagLogFormat
	}
	if len(flagExchanges) > 0 {
		if cfg.Exchanges == nil {
			cfg.Exchanges = map[string]config.ExchangeConfig{}
		}
		for name := range cfg.Exchanges {
			ex := cfg.Exchanges[name]
			ex.Enabled = false
			cfg.Exchanges[name] = ex
		}
		for _, name := range flagExchanges {
			ex := cfg.Exchanges[name]
			ex.Enabled = true
			cfg.Exchanges[name] = ex
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, newLogger(cfg.Logging), nil
}

func newLogger(lc config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(lc.Level)}
	var handler slog.Handler
	if lc.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// runEngine builds a core with the given options and drives it until a
// signal arrives or the duration elapses.
func runEngine(opts engine.Options, duration time.Duration) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	core, err := engine.New(cfg, opts, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	return core.Run(ctx)
}

func priceLoggerCmd() *cobra.Command {
	var (
		interval time.Duration
		compress bool
	)
	cmd := &cobra.Command{
		Use:   "price-logger",
		Short: "record normalized quotes to rotating CSV logs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("interval") {
				cfg.PriceLogger.Interval = interval
			}
			if cmd.Flags().Changed("compress") {
				cfg.PriceLogger.Compress = compress
			}

			core, err := engine.New(cfg, engine.Options{
				Symbols: flagSymbols,
				Record:  true,
			}, logger)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return core.Run(ctx)
		},
	}
	cmd.Flags().StringSliceVar(&flagSymbols, "symbols", nil, "symbols to record (required)")
	cmd.Flags().StringSliceVar(&flagExchanges, "exchanges", nil, "venues to record (default: all enabled)")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "sampling interval")
	cmd.Flags().BoolVar(&compress, "compress", false, "gzip the output files")
	_ = cmd.MarkFlagRequired("symbols")
	return cmd
}

func monitorCmd() *cobra.Command {
	var (
		duration time.Duration
		profile  string
	)
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "detect and print opportunities without trading",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(engine.Options{
				Symbols: flagSymbols,
				Profile: profile,
			}, duration)
		},
	}
	cmd.Flags().StringSliceVar(&flagSymbols, "symbols", nil, "symbols to monitor (required)")
	cmd.Flags().StringSliceVar(&flagExchanges, "exchanges", nil, "venues to monitor (default: all enabled)")
	cmd.Flags().DurationVar(&duration, "duration", 0, "stop after this long (0 = run until signalled)")
	cmd.Flags().StringVar(&profile, "profile", "", "spread threshold profile: conservative, aggressive, test")
	_ = cmd.MarkFlagRequired("symbols")
	return cmd
}

func tradeCmd() *cobra.Command {
	var (
		paper   bool
		profile string
	)
	cmd := &cobra.Command{
		Use:   "trade",
		Short: "detect, validate and execute arbitrage positions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEngine(engine.Options{
				Symbols: flagSymbols,
				Profile: profile,
				Execute: true,
				Paper:   paper,
			}, 0)
		},
	}
	cmd.Flags().StringSliceVar(&flagSymbols, "symbols", nil, "symbols to trade (required)")
	cmd.Flags().StringSliceVar(&flagExchanges, "exchanges", nil, "venues to trade on (default: all enabled)")
	cmd.Flags().BoolVar(&paper, "paper", false, "execute against simulated venues")
	cmd.Flags().StringVar(&profile, "profile", "", "spread threshold profile: conservative, aggressive, test")
	_ = cmd.MarkFlagRequired("symbols")
	return cmd
}

func backtestCmd() *cobra.Command {
	var (
		start, end  string
		dataDir     string
		fee         float64
		slippage    float64
		minSpread   float64
		exitTarget  float64
		maxPosition float64
		minProfit   float64
		tradesOut   string
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "replay recorded quotes through the detector with paper accounting",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			from, err := time.Parse("2006-01-02", start)
			if err != nil {
				return fmt.Errorf("--start: %w", err)
			}
			to, err := time.Parse("2006-01-02", end)
			if err != nil {
				return fmt.Errorf("--end: %w", err)
			}
			if dataDir == "" {
				dataDir = cfg.PriceLogger.OutputDir
			}

			bt := backtest.New(backtest.Config{
				DataDir:        dataDir,
				From:           from,
				To:             to,
				MinSpreadPct:   decimal.NewFromFloat(minSpread),
				ExitTargetPct:  decimal.NewFromFloat(exitTarget),
				MinProfitUsd:   decimal.NewFromFloat(minProfit),
				FeeRate:        decimal.NewFromFloat(fee),
				SlippageRate:   decimal.NewFromFloat(slippage),
				MaxPositionUsd: decimal.NewFromFloat(maxPosition),
				TradesPath:     tradesOut,
			}, logger)

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			res, err := bt.Run(ctx)
			if err != nil {
				return err
			}
			printBacktestSummary(res)
			return nil
		},
	}
	cmd.Flags().StringVar(&start, "start", "", "first day, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&end, "end", "", "last day, YYYY-MM-DD (required)")
	cmd.Flags().StringVar(&dataDir, "data-dir", "", "recorded quote directory (default: price_logger.output_dir)")
	cmd.Flags().Float64Var(&fee, "fee", 0.001, "taker fee per leg, fractional")
	cmd.Flags().Float64Var(&slippage, "slippage", 0.0005, "slippage per venue crossing, fractional")
	cmd.Flags().Float64Var(&minSpread, "min-spread", 0.5, "entry spread threshold, percent")
	cmd.Flags().Float64Var(&exitTarget, "exit", 0.1, "exit spread target, percent")
	cmd.Flags().Float64Var(&maxPosition, "max-position", 10000, "position notional cap, USD")
	cmd.Flags().Float64Var(&minProfit, "min-profit", 0, "minimum expected profit, USD")
	cmd.Flags().StringVar(&tradesOut, "trades-out", "", "write per-trade CSV to this path")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func printBacktestSummary(res *backtest.Result) {
	fmt.Printf("quotes replayed:   %d\n", res.QuotesReplayed)
	fmt.Printf("opportunities:     %d\n", res.Opportunities)
	fmt.Printf("trades:            %d\n", len(res.Trades))
	if len(res.Trades) == 0 {
		return
	}
	fmt.Printf("net pnl:           %s USD\n", res.TotalNetPnlUsd.StringFixed(2))
	fmt.Printf("win rate:          %s%%\n", res.WinRate.Mul(decimal.NewFromInt(100)).StringFixed(1))
	fmt.Printf("avg net per trade: %s%%\n", res.AvgNetPct.StringFixed(4))
	fmt.Printf("avg duration:      %s\n", res.AvgDuration.Round(time.Second))
}
