package analytics

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

func curveFrom(equities []float64) []types.EquityCurvePoint {
	curve := make([]types.EquityCurvePoint, len(equities))
	d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, e := range equities {
		curve[i] = types.EquityCurvePoint{
			Date:   d,
			Equity: decimal.NewFromFloat(e),
			Price:  decimal.NewFromInt(100),
		}
		d = d.AddDate(0, 0, 1)
	}
	return curve
}

func TestComputeFlatCurve(t *testing.T) {
	a := New(zap.NewNop())
	equities := make([]float64, 30)
	for i := range equities {
		equities[i] = 100_000
	}

	m := a.Compute(nil, curveFrom(equities), decimal.NewFromInt(100_000))

	if m.SharpeRatio != 0 {
		t.Fatalf("expected sharpe 0 for zero-variance returns, got %v", m.SharpeRatio)
	}
	if m.TotalReturn != 0 {
		t.Fatalf("expected total return 0, got %v", m.TotalReturn)
	}
	if m.MaxDrawdown != 0 {
		t.Fatalf("expected drawdown 0, got %v", m.MaxDrawdown)
	}
	if m.TradeWinRate != 0 || m.ProfitLossRatio != 0 || m.TotalTrades != 0 {
		t.Fatalf("expected zero trade stats, got %+v", m)
	}
}

func TestComputeReturns(t *testing.T) {
	a := New(zap.NewNop())
	// 100k to 120k over 252 trading days: annual return equals total return.
	equities := make([]float64, tradingDaysPerYear)
	for i := range equities {
		equities[i] = 100_000 + float64(i)*20_000/float64(tradingDaysPerYear-1)
	}
	equities[len(equities)-1] = 120_000

	m := a.Compute(nil, curveFrom(equities), decimal.NewFromInt(100_000))

	if math.Abs(m.TotalReturn-20) > 1e-9 {
		t.Fatalf("expected total return 20%%, got %v", m.TotalReturn)
	}
	if math.Abs(m.AnnualReturn-20) > 1e-9 {
		t.Fatalf("expected annual return 20%%, got %v", m.AnnualReturn)
	}
}

func TestComputeMaxDrawdown(t *testing.T) {
	a := New(zap.NewNop())
	m := a.Compute(nil, curveFrom([]float64{100, 120, 60, 90, 130}), decimal.NewFromInt(100))

	// Peak 120 to trough 60 is -50%.
	if math.Abs(m.MaxDrawdown-(-50)) > 1e-9 {
		t.Fatalf("expected max drawdown -50, got %v", m.MaxDrawdown)
	}
}

func TestComputeDrawdownBounds(t *testing.T) {
	a := New(zap.NewNop())
	m := a.Compute(nil, curveFrom([]float64{100, 0.0001}), decimal.NewFromInt(100))
	if m.MaxDrawdown < -100 || m.MaxDrawdown > 0 {
		t.Fatalf("drawdown out of bounds: %v", m.MaxDrawdown)
	}
}

func TestComputeTradeStats(t *testing.T) {
	a := New(zap.NewNop())
	trades := []types.Trade{
		{Profit: decimal.NewFromInt(300), ProfitPct: 30},
		{Profit: decimal.NewFromInt(100), ProfitPct: 10},
		{Profit: decimal.NewFromInt(-100), ProfitPct: -10},
		{Profit: decimal.Zero, ProfitPct: 0},
	}

	m := a.Compute(trades, curveFrom([]float64{100, 110}), decimal.NewFromInt(100))

	if m.TotalTrades != 4 {
		t.Fatalf("expected 4 trades, got %d", m.TotalTrades)
	}
	// 2 of 4 trades have a positive percent return.
	if math.Abs(m.TradeWinRate-50) > 1e-12 {
		t.Fatalf("expected win rate 50, got %v", m.TradeWinRate)
	}
	// Mean winning pct 20 against mean non-winning pct |(-10+0)/2| = 5.
	if math.Abs(m.ProfitLossRatio-4) > 1e-12 {
		t.Fatalf("expected P/L ratio 4, got %v", m.ProfitLossRatio)
	}
}

func TestComputeRatioUsesPercentReturns(t *testing.T) {
	a := New(zap.NewNop())
	// A large position with a tiny percent gain against a small position
	// with a deep percent loss: money averages would say 10, percent
	// returns say 0.1.
	trades := []types.Trade{
		{Profit: decimal.NewFromInt(1000), ProfitPct: 1},
		{Profit: decimal.NewFromInt(-100), ProfitPct: -10},
	}

	m := a.Compute(trades, curveFrom([]float64{100, 110}), decimal.NewFromInt(100))

	if math.Abs(m.TradeWinRate-50) > 1e-12 {
		t.Fatalf("expected win rate 50, got %v", m.TradeWinRate)
	}
	if math.Abs(m.ProfitLossRatio-0.1) > 1e-12 {
		t.Fatalf("expected P/L ratio 0.1, got %v", m.ProfitLossRatio)
	}
}

func TestComputeAllWinningTrades(t *testing.T) {
	a := New(zap.NewNop())
	trades := []types.Trade{
		{Profit: decimal.NewFromInt(100), ProfitPct: 10},
		{Profit: decimal.NewFromInt(50), ProfitPct: 5},
	}

	m := a.Compute(trades, curveFrom([]float64{100, 110}), decimal.NewFromInt(100))

	if m.TradeWinRate != 100 {
		t.Fatalf("expected win rate 100, got %v", m.TradeWinRate)
	}
	if m.ProfitLossRatio != 0 {
		t.Fatalf("expected P/L ratio 0 with no losing trades, got %v", m.ProfitLossRatio)
	}
}

func TestComputeEmptyCurve(t *testing.T) {
	a := New(zap.NewNop())
	m := a.Compute(nil, nil, decimal.NewFromInt(100_000))

	if !m.FinalEquity.Equal(decimal.NewFromInt(100_000)) {
		t.Fatalf("expected final equity to fall back to capital, got %s", m.FinalEquity)
	}
	if m.TotalReturn != 0 || m.SharpeRatio != 0 {
		t.Fatalf("expected zero metrics for empty curve, got %+v", m)
	}
}
