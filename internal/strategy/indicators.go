package strategy

import (
	"math"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// Indicator series are float64 with NaN during the warmup window. Any
// comparison against NaN is false, so rules stay inactive until every
// input they touch has a real value.

func closes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Close.Float64()
	}
	return out
}

func volumes(bars []types.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i], _ = b.Volume.Float64()
	}
	return out
}

// ema computes an exponential moving average seeded at the first value,
// alpha = 2/(period+1).
func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 {
		return out
	}
	alpha := 2.0 / float64(period+1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = alpha*values[i] + (1-alpha)*out[i-1]
	}
	return out
}

// rollingMean is a simple moving average; the first period-1 entries are NaN.
func rollingMean(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	var sum float64
	for i, v := range values {
		sum += v
		if i >= period {
			sum -= values[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		} else {
			out[i] = math.NaN()
		}
	}
	return out
}

// rollingStd is the sample standard deviation over a trailing window; the
// first period-1 entries are NaN.
func rollingStd(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i < period-1 {
			out[i] = math.NaN()
			continue
		}
		window := values[i-period+1 : i+1]
		var sum float64
		for _, v := range window {
			sum += v
		}
		mean := sum / float64(period)
		var ss float64
		for _, v := range window {
			d := v - mean
			ss += d * d
		}
		out[i] = math.Sqrt(ss / float64(period-1))
	}
	return out
}

// rsi is the relative strength index over simple averages of gains and
// losses; the first period entries are NaN.
func rsi(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	for i := range values {
		if i < period {
			out[i] = math.NaN()
			continue
		}
		var gain, loss float64
		for j := i - period + 1; j <= i; j++ {
			d := values[j] - values[j-1]
			if d > 0 {
				gain += d
			} else {
				loss -= d
			}
		}
		gain /= float64(period)
		loss /= float64(period)
		switch {
		case loss == 0 && gain == 0:
			out[i] = math.NaN()
		case loss == 0:
			out[i] = 100
		default:
			out[i] = 100 - 100/(1+gain/loss)
		}
	}
	return out
}

// macd returns the MACD line and its signal line.
func macd(values []float64, fast, slow, signal int) (line, signalLine []float64) {
	fastEMA := ema(values, fast)
	slowEMA := ema(values, slow)
	line = make([]float64, len(values))
	for i := range values {
		line[i] = fastEMA[i] - slowEMA[i]
	}
	signalLine = ema(line, signal)
	return line, signalLine
}

// bollinger returns the upper, middle, and lower bands for the given
// window and width in standard deviations.
func bollinger(values []float64, period int, width float64) (upper, mid, lower []float64) {
	mid = rollingMean(values, period)
	std := rollingStd(values, period)
	upper = make([]float64, len(values))
	lower = make([]float64, len(values))
	for i := range values {
		upper[i] = mid[i] + width*std[i]
		lower[i] = mid[i] - width*std[i]
	}
	return upper, mid, lower
}
