package backtest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/internal/analytics"
	"github.com/atlas-desktop/backtest-engine/internal/engine"
	"github.com/atlas-desktop/backtest-engine/internal/strategy"
	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

type stubData struct {
	bars []types.Bar
	err  error
}

func (d stubData) Get(context.Context, string, types.Period, time.Time, time.Time) ([]types.Bar, error) {
	return d.bars, d.err
}

type memorySink struct {
	mu    sync.Mutex
	saved []types.BacktestResult
	err   error
}

func (m *memorySink) Save(_ context.Context, res types.BacktestResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, res)
	return nil
}

func (m *memorySink) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.saved)
}

func trendingBars(n int) []types.Bar {
	bars := make([]types.Bar, n)
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := range bars {
		p := decimal.NewFromInt(int64(100 + i))
		bars[i] = types.Bar{Date: d, Open: p, High: p, Low: p, Close: p, Volume: decimal.NewFromInt(1000)}
		d = d.AddDate(0, 0, 1)
	}
	return bars
}

func newTestService(data DataSource, sink ResultSink) *Service {
	logger := zap.NewNop()
	return NewService(
		logger,
		data,
		strategy.NewRegistry(logger),
		engine.New(logger),
		analytics.New(logger),
		sink,
		nil,
	)
}

func defaultRequest() types.RunRequest {
	return types.RunRequest{
		Symbol:       "AAPL",
		Period:       types.PeriodDaily,
		Start:        time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		End:          time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		StrategyKind: types.KindTrendMomentum,
		Params:       types.DefaultTrendMomentumParams(),
		Engine:       types.DefaultEngineConfig(),
	}
}

func TestRunEndToEnd(t *testing.T) {
	sink := &memorySink{}
	s := newTestService(stubData{bars: trendingBars(60)}, sink)

	res, err := s.Run(context.Background(), defaultRequest())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if res.RunID == "" || len(res.RunID) != 16 {
		t.Fatalf("unexpected run id %q", res.RunID)
	}
	if len(res.Metrics.EquityCurve) != 60 {
		t.Fatalf("expected 60 equity points, got %d", len(res.Metrics.EquityCurve))
	}
	if sink.count() != 1 {
		t.Fatalf("expected 1 persisted result, got %d", sink.count())
	}
}

func TestRunRejectsKindMismatch(t *testing.T) {
	s := newTestService(stubData{bars: trendingBars(60)}, &memorySink{})

	req := defaultRequest()
	req.StrategyKind = types.KindMeanReversionVolatility // params stay trend momentum

	_, err := s.Run(context.Background(), req)
	if !errors.Is(err, strategy.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestRunPropagatesDataError(t *testing.T) {
	wantErr := errors.New("feed offline")
	s := newTestService(stubData{err: wantErr}, &memorySink{})

	_, err := s.Run(context.Background(), defaultRequest())
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected data error, got %v", err)
	}
}

func TestRunInsufficientBars(t *testing.T) {
	s := newTestService(stubData{bars: trendingBars(5)}, &memorySink{})

	_, err := s.Run(context.Background(), defaultRequest())
	if !errors.Is(err, engine.ErrInsufficientData) {
		t.Fatalf("expected ErrInsufficientData, got %v", err)
	}
}

func TestRunDeterministicMetrics(t *testing.T) {
	sink := &memorySink{}
	s := newTestService(stubData{bars: trendingBars(90)}, sink)

	first, err := s.Run(context.Background(), defaultRequest())
	if err != nil {
		t.Fatalf("first Run: %v", err)
	}
	second, err := s.Run(context.Background(), defaultRequest())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}

	if first.RunID == second.RunID {
		t.Fatal("expected distinct run ids for repeated runs")
	}
	a, _ := json.Marshal(first.Metrics)
	b, _ := json.Marshal(second.Metrics)
	if string(a) != string(b) {
		t.Fatalf("metrics differ across identical runs:\n%s\n%s", a, b)
	}
}

func TestRunIDIncludesCreationInstant(t *testing.T) {
	req := defaultRequest()
	t0 := time.Date(2024, 7, 1, 10, 0, 0, 0, time.UTC)

	a := newRunID(req, t0)
	b := newRunID(req, t0.Add(time.Nanosecond))
	if a == b {
		t.Fatal("expected different ids for different creation instants")
	}
	if a != newRunID(req, t0) {
		t.Fatal("expected stable id for identical inputs")
	}
}

func TestSweepRunsAll(t *testing.T) {
	sink := &memorySink{}
	s := newTestService(stubData{bars: trendingBars(60)}, sink)

	reqs := make([]types.RunRequest, 6)
	for i := range reqs {
		reqs[i] = defaultRequest()
	}

	outcomes := s.Sweep(context.Background(), reqs, 3)
	if len(outcomes) != len(reqs) {
		t.Fatalf("expected %d outcomes, got %d", len(reqs), len(outcomes))
	}
	for i, o := range outcomes {
		if o.Err != nil {
			t.Fatalf("outcome %d failed: %v", i, o.Err)
		}
	}
	if sink.count() != len(reqs) {
		t.Fatalf("expected %d persisted results, got %d", len(reqs), sink.count())
	}
}

func TestSweepCancelledBeforeStart(t *testing.T) {
	sink := &memorySink{}
	s := newTestService(stubData{bars: trendingBars(60)}, sink)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	reqs := []types.RunRequest{defaultRequest(), defaultRequest()}
	outcomes := s.Sweep(ctx, reqs, 2)

	for i, o := range outcomes {
		if !errors.Is(o.Err, context.Canceled) {
			t.Fatalf("outcome %d: expected context.Canceled, got %v", i, o.Err)
		}
	}
	if sink.count() != 0 {
		t.Fatalf("expected no persisted results, got %d", sink.count())
	}
}

func TestSweepKeepsFailuresIsolated(t *testing.T) {
	sink := &memorySink{}
	good := defaultRequest()
	bad := defaultRequest()
	bad.Params = types.TrendMomentumParams{MACDFast: 26, MACDSlow: 12, MACDSignal: 9, RSIPeriod: 14, RSIBuyMax: 65}

	s := newTestService(stubData{bars: trendingBars(60)}, sink)
	outcomes := s.Sweep(context.Background(), []types.RunRequest{good, bad, good}, 2)

	if outcomes[0].Err != nil || outcomes[2].Err != nil {
		t.Fatalf("valid runs failed: %v, %v", outcomes[0].Err, outcomes[2].Err)
	}
	if !errors.Is(outcomes[1].Err, strategy.ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for bad run, got %v", outcomes[1].Err)
	}
	if sink.count() != 2 {
		t.Fatalf("expected 2 persisted results, got %d", sink.count())
	}
}
