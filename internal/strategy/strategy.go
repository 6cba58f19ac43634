// Package strategy implements the signal-generating trading strategies
// and their parameter validation.
package strategy

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

var (
	// ErrInvalidConfig is the sentinel wrapped by every parameter
	// validation failure.
	ErrInvalidConfig = errors.New("invalid strategy config")

	// ErrUnknownStrategy is returned for a kind the registry has no
	// factory for.
	ErrUnknownStrategy = errors.New("unknown strategy")
)

// ConfigError names the parameter that failed validation.
type ConfigError struct {
	Kind   types.StrategyKind
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("%s: %s %s", e.Kind, e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error { return ErrInvalidConfig }

// Strategy turns a bar series into one signal per bar. Implementations are
// pure: the same bars always yield the same signals, and no state survives
// between calls.
type Strategy interface {
	Kind() types.StrategyKind
	MinBars() int
	GenerateSignals(bars []types.Bar) []types.Signal
}

type factory func(types.StrategyParams) (Strategy, error)

// Registry maps strategy kinds to validated constructors.
type Registry struct {
	logger    *zap.Logger
	factories map[types.StrategyKind]factory
}

func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
		factories: map[types.StrategyKind]factory{
			types.KindTrendMomentum:           newTrendMomentum,
			types.KindMeanReversionVolatility: newMeanReversionVolatility,
			types.KindVolumeConfirmedTrend:    newVolumeConfirmedTrend,
		},
	}
}

// Create validates params and returns a ready strategy.
func (r *Registry) Create(params types.StrategyParams) (Strategy, error) {
	f, ok := r.factories[params.Kind()]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownStrategy, params.Kind())
	}
	s, err := f(params)
	if err != nil {
		r.logger.Warn("strategy config rejected",
			zap.String("kind", string(params.Kind())),
			zap.Error(err),
		)
		return nil, err
	}
	return s, nil
}

// Kinds returns the registered strategy kinds.
func (r *Registry) Kinds() []types.StrategyKind {
	kinds := make([]types.StrategyKind, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	return kinds
}

// trendMomentum buys when the MACD line is above its signal line while RSI
// stays below the overbought ceiling, and exits as soon as either condition
// breaks.
type trendMomentum struct {
	p types.TrendMomentumParams
}

func newTrendMomentum(params types.StrategyParams) (Strategy, error) {
	p, ok := params.(types.TrendMomentumParams)
	if !ok {
		return nil, &ConfigError{Kind: types.KindTrendMomentum, Field: "params", Reason: "has wrong type"}
	}
	switch {
	case p.MACDFast < 1:
		return nil, &ConfigError{Kind: p.Kind(), Field: "macdFast", Reason: "must be at least 1"}
	case p.MACDSlow <= p.MACDFast:
		return nil, &ConfigError{Kind: p.Kind(), Field: "macdSlow", Reason: "must exceed macdFast"}
	case p.MACDSignal < 1:
		return nil, &ConfigError{Kind: p.Kind(), Field: "macdSignal", Reason: "must be at least 1"}
	case p.RSIPeriod < 2:
		return nil, &ConfigError{Kind: p.Kind(), Field: "rsiPeriod", Reason: "must be at least 2"}
	case p.RSIBuyMax <= 0 || p.RSIBuyMax >= 100:
		return nil, &ConfigError{Kind: p.Kind(), Field: "rsiBuyMax", Reason: "must be between 0 and 100"}
	}
	return &trendMomentum{p: p}, nil
}

func (s *trendMomentum) Kind() types.StrategyKind { return types.KindTrendMomentum }

func (s *trendMomentum) MinBars() int {
	return maxInt(s.p.MACDSlow, s.p.RSIPeriod)
}

func (s *trendMomentum) GenerateSignals(bars []types.Bar) []types.Signal {
	prices := closes(bars)
	line, signalLine := macd(prices, s.p.MACDFast, s.p.MACDSlow, s.p.MACDSignal)
	strength := rsi(prices, s.p.RSIPeriod)

	signals := make([]types.Signal, len(bars))
	holding := false
	for i := range bars {
		want := line[i] > signalLine[i] && strength[i] < s.p.RSIBuyMax
		signals[i] = transition(bars[i], &holding, want)
	}
	return signals
}

// meanReversionVolatility buys oversold closes below the lower Bollinger
// band and sells once price recovers above the upper band or RSI turns
// overbought.
type meanReversionVolatility struct {
	p types.MeanReversionVolatilityParams
}

func newMeanReversionVolatility(params types.StrategyParams) (Strategy, error) {
	p, ok := params.(types.MeanReversionVolatilityParams)
	if !ok {
		return nil, &ConfigError{Kind: types.KindMeanReversionVolatility, Field: "params", Reason: "has wrong type"}
	}
	switch {
	case p.BBPeriod < 2:
		return nil, &ConfigError{Kind: p.Kind(), Field: "bbPeriod", Reason: "must be at least 2"}
	case p.BBStd <= 0:
		return nil, &ConfigError{Kind: p.Kind(), Field: "bbStd", Reason: "must be positive"}
	case p.RSIPeriod < 2:
		return nil, &ConfigError{Kind: p.Kind(), Field: "rsiPeriod", Reason: "must be at least 2"}
	case p.RSIOversold <= 0 || p.RSIOversold >= 100:
		return nil, &ConfigError{Kind: p.Kind(), Field: "rsiOversold", Reason: "must be between 0 and 100"}
	case p.RSIOverbought <= p.RSIOversold:
		return nil, &ConfigError{Kind: p.Kind(), Field: "rsiOverbought", Reason: "must exceed rsiOversold"}
	case p.RSIOverbought >= 100:
		return nil, &ConfigError{Kind: p.Kind(), Field: "rsiOverbought", Reason: "must be below 100"}
	}
	return &meanReversionVolatility{p: p}, nil
}

func (s *meanReversionVolatility) Kind() types.StrategyKind {
	return types.KindMeanReversionVolatility
}

func (s *meanReversionVolatility) MinBars() int {
	return maxInt(s.p.BBPeriod, s.p.RSIPeriod)
}

func (s *meanReversionVolatility) GenerateSignals(bars []types.Bar) []types.Signal {
	prices := closes(bars)
	upper, _, lower := bollinger(prices, s.p.BBPeriod, s.p.BBStd)
	strength := rsi(prices, s.p.RSIPeriod)

	signals := make([]types.Signal, len(bars))
	holding := false
	for i := range bars {
		var want bool
		if holding {
			want = !(prices[i] > upper[i] || strength[i] > s.p.RSIOverbought)
		} else {
			want = prices[i] < lower[i] && strength[i] < s.p.RSIOversold
		}
		signals[i] = transition(bars[i], &holding, want)
	}
	return signals
}

// volumeConfirmedTrend enters when the fast moving average is above the
// slow one and volume runs above its own average by the configured factor;
// it exits on the moving-average cross back down.
type volumeConfirmedTrend struct {
	p types.VolumeConfirmedTrendParams
}

func newVolumeConfirmedTrend(params types.StrategyParams) (Strategy, error) {
	p, ok := params.(types.VolumeConfirmedTrendParams)
	if !ok {
		return nil, &ConfigError{Kind: types.KindVolumeConfirmedTrend, Field: "params", Reason: "has wrong type"}
	}
	switch {
	case p.FastMA < 1:
		return nil, &ConfigError{Kind: p.Kind(), Field: "fastMA", Reason: "must be at least 1"}
	case p.SlowMA <= p.FastMA:
		return nil, &ConfigError{Kind: p.Kind(), Field: "slowMA", Reason: "must exceed fastMA"}
	case p.VolumePeriod < 1:
		return nil, &ConfigError{Kind: p.Kind(), Field: "volumePeriod", Reason: "must be at least 1"}
	case p.VolumeFactor <= 0:
		return nil, &ConfigError{Kind: p.Kind(), Field: "volumeFactor", Reason: "must be positive"}
	}
	return &volumeConfirmedTrend{p: p}, nil
}

func (s *volumeConfirmedTrend) Kind() types.StrategyKind {
	return types.KindVolumeConfirmedTrend
}

func (s *volumeConfirmedTrend) MinBars() int {
	return maxInt(s.p.SlowMA, s.p.VolumePeriod)
}

func (s *volumeConfirmedTrend) GenerateSignals(bars []types.Bar) []types.Signal {
	prices := closes(bars)
	vols := volumes(bars)
	fast := rollingMean(prices, s.p.FastMA)
	slow := rollingMean(prices, s.p.SlowMA)
	volAvg := rollingMean(vols, s.p.VolumePeriod)

	signals := make([]types.Signal, len(bars))
	holding := false
	for i := range bars {
		var want bool
		if holding {
			want = !(fast[i] < slow[i])
		} else {
			want = fast[i] > slow[i] && vols[i] > s.p.VolumeFactor*volAvg[i]
		}
		signals[i] = transition(bars[i], &holding, want)
	}
	return signals
}

// transition maps a desired-position flag to a buy, sell, or hold signal
// and advances the holding state.
func transition(bar types.Bar, holding *bool, want bool) types.Signal {
	sig := types.Signal{Date: bar.Date, Action: types.ActionHold}
	switch {
	case want && !*holding:
		sig.Action = types.ActionBuy
		sig.Strength = 1
	case !want && *holding:
		sig.Action = types.ActionSell
		sig.Strength = 1
	}
	*holding = want
	return sig
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
