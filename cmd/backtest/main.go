// Package main provides the backtest command line entry point: it loads
// bar data through the cache, runs one strategy (or a sweep of all of
// them) over the requested window, and persists the results.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/atlas-desktop/backtest-engine/internal/analytics"
	"github.com/atlas-desktop/backtest-engine/internal/backtest"
	"github.com/atlas-desktop/backtest-engine/internal/datacache"
	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/provider"
	"github.com/atlas-desktop/backtest-engine/internal/resultstore"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

func main() {
	cfg := loadConfig()

	logger := setupLogger(cfg.GetString("log-level"))
	defer logger.Sync()

	logger.Info("Starting backtest engine",
		zap.String("symbol", cfg.GetString("symbol")),
		zap.String("strategy", cfg.GetString("strategy")),
		zap.String("start", cfg.GetString("start")),
		zap.String("end", cfg.GetString("end")),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	start, err := time.ParseInLocation("2006-01-02", cfg.GetString("start"), time.UTC)
	if err != nil {
		logger.Fatal("Invalid start date", zap.Error(err))
	}
	end, err := time.ParseInLocation("2006-01-02", cfg.GetString("end"), time.UTC)
	if err != nil {
		logger.Fatal("Invalid end date", zap.Error(err))
	}

	registry := prometheus.NewRegistry()

	csv := provider.NewCSV(logger, cfg.GetString("data-dir"))
	cache, err := datacache.New(logger, csv, types.CacheConfig{
		Root: cfg.GetString("cache-dir"),
	}, registry)
	if err != nil {
		logger.Fatal("Failed to initialize data cache", zap.Error(err))
	}

	store, err := resultstore.Open(logger, types.StoreConfig{
		Path: cfg.GetString("store"),
	})
	if err != nil {
		logger.Fatal("Failed to open result store", zap.Error(err))
	}
	defer store.Close()

	service := backtest.NewService(
		logger,
		cache,
		strategy.NewRegistry(logger),
		engine.New(logger),
		analytics.New(logger),
		store,
		registry,
	)

	engineCfg := types.EngineConfig{
		InitialCapital: decimal.NewFromFloat(cfg.GetFloat64("capital")),
		SlippageBps:    decimal.NewFromFloat(cfg.GetFloat64("slippage-bps")),
		TaxRate:        decimal.NewFromFloat(cfg.GetFloat64("tax-rate")),
	}

	reqs, err := buildRequests(cfg.GetString("symbol"), cfg.GetString("strategy"), start, end, engineCfg)
	if err != nil {
		logger.Fatal("Invalid strategy selection", zap.Error(err))
	}

	outcomes := service.Sweep(ctx, reqs, cfg.GetInt("workers"))

	failed := 0
	for _, o := range outcomes {
		if o.Err != nil {
			failed++
			logger.Error("Run failed",
				zap.String("strategy", string(o.Request.StrategyKind)),
				zap.Error(o.Err),
			)
			continue
		}
		logger.Info("Run summary",
			zap.String("run_id", o.Result.RunID),
			zap.String("strategy", string(o.Result.StrategyKind)),
			zap.Float64("total_return_pct", o.Result.Metrics.TotalReturn),
			zap.Float64("annual_return_pct", o.Result.Metrics.AnnualReturn),
			zap.Float64("max_drawdown_pct", o.Result.Metrics.MaxDrawdown),
			zap.Float64("sharpe", o.Result.Metrics.SharpeRatio),
			zap.Int("trades", o.Result.Metrics.TotalTrades),
		)
	}
	if failed > 0 {
		logger.Warn("Backtest finished with failures", zap.Int("failed", failed))
		os.Exit(1)
	}
}

// buildRequests expands the strategy selection into run requests; "all"
// sweeps every registered variant with its default parameters.
func buildRequests(symbol, selection string, start, end time.Time, engineCfg types.EngineConfig) ([]types.RunRequest, error) {
	defaults := map[types.StrategyKind]types.StrategyParams{
		types.KindTrendMomentum:           types.DefaultTrendMomentumParams(),
		types.KindMeanReversionVolatility: types.DefaultMeanReversionVolatilityParams(),
		types.KindVolumeConfirmedTrend:    types.DefaultVolumeConfirmedTrendParams(),
	}

	var kinds []types.StrategyKind
	if selection == "all" {
		kinds = []types.StrategyKind{
			types.KindTrendMomentum,
			types.KindMeanReversionVolatility,
			types.KindVolumeConfirmedTrend,
		}
	} else {
		for _, name := range strings.Split(selection, ",") {
			kind := types.StrategyKind(strings.TrimSpace(name))
			if _, ok := defaults[kind]; !ok {
				return nil, fmt.Errorf("unknown strategy %q", name)
			}
			kinds = append(kinds, kind)
		}
	}

	reqs := make([]types.RunRequest, 0, len(kinds))
	for _, kind := range kinds {
		reqs = append(reqs, types.RunRequest{
			Symbol:       symbol,
			Period:       types.PeriodDaily,
			Start:        start,
			End:          end,
			StrategyKind: kind,
			Params:       defaults[kind],
			Engine:       engineCfg,
		})
	}
	return reqs, nil
}

// loadConfig merges defaults, an optional backtest.yaml, environment
// variables (BACKTEST_*), and command line flags, in rising precedence.
func loadConfig() *viper.Viper {
	v := viper.New()

	flag.String("data-dir", "./data", "Directory holding <symbol>_<period>.csv files")
	flag.String("cache-dir", "./cache", "Directory for the validated data cache")
	flag.String("store", "./results.db", "Result store path")
	flag.String("symbol", "AAPL", "Symbol to backtest")
	flag.String("strategy", "all", "Strategy kind, comma separated list, or all")
	flag.String("start", "2023-01-01", "Window start (YYYY-MM-DD)")
	flag.String("end", "2023-12-31", "Window end (YYYY-MM-DD)")
	flag.Float64("capital", 100_000, "Initial capital")
	flag.Float64("slippage-bps", 10, "Slippage in basis points")
	flag.Float64("tax-rate", 0.0003, "Transaction tax rate per side")
	flag.Int("workers", 0, "Sweep workers (0 = NumCPU)")
	flag.String("log-level", "info", "Log level (debug, info, warn, error)")
	flag.Parse()

	flag.VisitAll(func(f *flag.Flag) {
		v.SetDefault(f.Name, f.DefValue)
	})

	v.SetConfigName("backtest")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
			os.Exit(1)
		}
	}

	v.SetEnvPrefix("BACKTEST")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	// Explicit flags win over file and environment.
	flag.Visit(func(f *flag.Flag) {
		v.Set(f.Name, f.Value.String())
	})
	return v
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	config := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := config.Build()
	if err != nil {
		panic(err)
	}

	return logger
}
