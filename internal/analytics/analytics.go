// Package analytics derives summary performance metrics from a completed
// simulation.
package analytics

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// tradingDaysPerYear is the annualization base for daily bars.
const tradingDaysPerYear = 252

type Analyzer struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Analyzer {
	return &Analyzer{logger: logger}
}

// Compute summarizes the trades and equity curve of one run. Returns,
// drawdown, and win rate are percentages; the profit/loss ratio compares
// mean winning to mean losing percent returns. With no completed trades
// the trade statistics are zero, and a flat equity curve yields a Sharpe
// ratio of zero.
func (a *Analyzer) Compute(trades []types.Trade, curve []types.EquityCurvePoint, initialCapital decimal.Decimal) types.PerformanceMetrics {
	m := types.PerformanceMetrics{
		TotalTrades:     len(trades),
		CompletedTrades: trades,
		EquityCurve:     curve,
		InitialCapital:  initialCapital,
		FinalEquity:     initialCapital,
	}
	if len(curve) == 0 {
		return m
	}
	m.FinalEquity = curve[len(curve)-1].Equity

	initial, _ := initialCapital.Float64()
	final, _ := m.FinalEquity.Float64()

	m.TotalReturn = (final/initial - 1) * 100
	m.AnnualReturn = annualReturn(initial, final, len(curve))
	m.MaxDrawdown = maxDrawdown(curve)
	m.SharpeRatio = sharpeRatio(curve)
	m.TradeWinRate, m.ProfitLossRatio = tradeStats(trades)

	a.logger.Debug("metrics computed",
		zap.Float64("total_return_pct", m.TotalReturn),
		zap.Float64("max_drawdown_pct", m.MaxDrawdown),
		zap.Float64("sharpe", m.SharpeRatio),
		zap.Int("trades", m.TotalTrades),
	)
	return m
}

// annualReturn compounds the total return down to a per-year rate using
// the observed number of trading days.
func annualReturn(initial, final float64, days int) float64 {
	if days == 0 || initial <= 0 || final <= 0 {
		return 0
	}
	growth := final / initial
	return (math.Pow(growth, tradingDaysPerYear/float64(days)) - 1) * 100
}

// maxDrawdown is the deepest peak-to-trough decline in percent, always in
// [-100, 0].
func maxDrawdown(curve []types.EquityCurvePoint) float64 {
	peak := math.Inf(-1)
	worst := 0.0
	for _, pt := range curve {
		eq, _ := pt.Equity.Float64()
		if eq > peak {
			peak = eq
		}
		if peak <= 0 {
			continue
		}
		dd := (eq/peak - 1) * 100
		if dd < worst {
			worst = dd
		}
	}
	if worst < -100 {
		worst = -100
	}
	return worst
}

// sharpeRatio annualizes mean/std of the daily equity returns; population
// standard deviation, zero when the returns have no variance.
func sharpeRatio(curve []types.EquityCurvePoint) float64 {
	if len(curve) < 2 {
		return 0
	}
	returns := make([]float64, 0, len(curve)-1)
	prev, _ := curve[0].Equity.Float64()
	for _, pt := range curve[1:] {
		eq, _ := pt.Equity.Float64()
		if prev != 0 {
			returns = append(returns, eq/prev-1)
		}
		prev = eq
	}
	if len(returns) == 0 {
		return 0
	}

	var sum float64
	for _, r := range returns {
		sum += r
	}
	mean := sum / float64(len(returns))

	var ss float64
	for _, r := range returns {
		d := r - mean
		ss += d * d
	}
	std := math.Sqrt(ss / float64(len(returns)))
	if std == 0 {
		return 0
	}
	return mean / std * math.Sqrt(tradingDaysPerYear)
}

// tradeStats returns the win rate in percent and the ratio of the mean
// winning to the mean losing percent return. Both are zero with no
// completed trades; the ratio is also zero when there is no losing (or no
// winning) trade to compare against.
func tradeStats(trades []types.Trade) (winRate, plRatio float64) {
	if len(trades) == 0 {
		return 0, 0
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, tr := range trades {
		if tr.ProfitPct > 0 {
			wins++
			winSum += tr.ProfitPct
		} else {
			losses++
			lossSum += tr.ProfitPct
		}
	}

	winRate = 100 * float64(wins) / float64(len(trades))
	if wins > 0 && losses > 0 {
		if lossMean := math.Abs(lossSum / float64(losses)); lossMean != 0 {
			plRatio = (winSum / float64(wins)) / lossMean
		}
	}
	return winRate, plRatio
}
