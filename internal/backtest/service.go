// Package backtest wires the data cache, strategy registry, simulation
// engine, analyzer, and result store into end-to-end runs.
package backtest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/internal/analytics"
	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// DataSource yields the validated bar series for a dataset.
type DataSource interface {
	Get(ctx context.Context, symbol string, period types.Period, start, end time.Time) ([]types.Bar, error)
}

// ResultSink receives completed results.
type ResultSink interface {
	Save(ctx context.Context, res types.BacktestResult) error
}

type Service struct {
	logger   *zap.Logger
	data     DataSource
	registry *strategy.Registry
	engine   *engine.Engine
	analyzer *analytics.Analyzer
	sink     ResultSink
	clock    func() time.Time
	metrics  *serviceMetrics
}

func NewService(
	logger *zap.Logger,
	data DataSource,
	registry *strategy.Registry,
	eng *engine.Engine,
	analyzer *analytics.Analyzer,
	sink ResultSink,
	reg prometheus.Registerer,
) *Service {
	return &Service{
		logger:   logger,
		data:     data,
		registry: registry,
		engine:   eng,
		analyzer: analyzer,
		sink:     sink,
		clock:    time.Now,
		metrics:  newServiceMetrics(reg),
	}
}

// Run executes one backtest end to end and persists the result.
func (s *Service) Run(ctx context.Context, req types.RunRequest) (types.BacktestResult, error) {
	res, err := s.run(ctx, req)
	if err != nil {
		s.metrics.runs.WithLabelValues("failed").Inc()
		return types.BacktestResult{}, err
	}
	s.metrics.runs.WithLabelValues("completed").Inc()
	return res, nil
}

func (s *Service) run(ctx context.Context, req types.RunRequest) (types.BacktestResult, error) {
	if req.Params == nil {
		return types.BacktestResult{}, &strategy.ConfigError{
			Kind: req.StrategyKind, Field: "params", Reason: "missing",
		}
	}
	if req.StrategyKind != req.Params.Kind() {
		return types.BacktestResult{}, &strategy.ConfigError{
			Kind: req.StrategyKind, Field: "strategyKind", Reason: "does not match params type",
		}
	}

	strat, err := s.registry.Create(req.Params)
	if err != nil {
		return types.BacktestResult{}, err
	}

	bars, err := s.data.Get(ctx, req.Symbol, req.Period, req.Start, req.End)
	if err != nil {
		return types.BacktestResult{}, fmt.Errorf("load bars for %s: %w", req.Symbol, err)
	}

	simRes, err := s.engine.Run(req.Engine, strat, bars)
	if err != nil {
		return types.BacktestResult{}, fmt.Errorf("simulate %s %s: %w", req.Symbol, req.StrategyKind, err)
	}

	metrics := s.analyzer.Compute(simRes.Trades, simRes.EquityCurve, req.Engine.InitialCapital)

	createdAt := s.clock().UTC()
	result := types.BacktestResult{
		RunID:        newRunID(req, createdAt),
		Symbol:       req.Symbol,
		Period:       req.Period,
		Start:        req.Start,
		End:          req.End,
		StrategyKind: req.StrategyKind,
		Params:       req.Params,
		Metrics:      metrics,
		CreatedAt:    createdAt,
	}

	if err := s.sink.Save(ctx, result); err != nil {
		return types.BacktestResult{}, fmt.Errorf("persist run %s: %w", result.RunID, err)
	}

	s.logger.Info("backtest complete",
		zap.String("run_id", result.RunID),
		zap.String("symbol", req.Symbol),
		zap.String("strategy", string(req.StrategyKind)),
		zap.Float64("total_return_pct", metrics.TotalReturn),
		zap.Int("trades", metrics.TotalTrades),
	)
	return result, nil
}

// newRunID hashes the run's identity plus its creation instant, so repeated
// runs of the same configuration get distinct ids.
func newRunID(req types.RunRequest, createdAt time.Time) string {
	paramsJSON, _ := json.Marshal(req.Params)
	composite := fmt.Sprintf("%s|%s|%s|%s|%s|%s|%d",
		req.Symbol,
		req.Period,
		req.Start.UTC().Format("2006-01-02"),
		req.End.UTC().Format("2006-01-02"),
		req.StrategyKind,
		paramsJSON,
		createdAt.UnixNano(),
	)
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])[:16]
}

type serviceMetrics struct {
	runs *prometheus.CounterVec
}

func newServiceMetrics(reg prometheus.Registerer) *serviceMetrics {
	m := &serviceMetrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "backtest", Subsystem: "service", Name: "runs_total",
			Help: "Backtest runs by outcome.",
		}, []string{"status"}),
	}
	if reg != nil {
		reg.MustRegister(m.runs)
	}
	return m
}
