// Package types provides shared type definitions for the backtesting engine.
package types

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Period represents the bar aggregation period of a dataset.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// SignalAction represents the action recommended by a strategy for one bar.
type SignalAction string

const (
	ActionBuy  SignalAction = "buy"
	ActionSell SignalAction = "sell"
	ActionHold SignalAction = "hold"
)

// Bar represents a single OHLCV observation. Bars are immutable and ordered
// by date inside a dataset.
type Bar struct {
	Date   time.Time       `json:"date"`
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume decimal.Decimal `json:"volume"`
}

// DatasetHandle identifies one cached dataset and carries the integrity
// sidecar values used to validate it on every load.
type DatasetHandle struct {
	Symbol      string    `json:"symbol"`
	Period      Period    `json:"period"`
	Start       time.Time `json:"start"`
	End         time.Time `json:"end"`
	ContentHash string    `json:"contentHash"`
	RowCount    int       `json:"rowCount"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// Signal is one strategy decision for one bar. Strength is in [0, 1].
type Signal struct {
	Date     time.Time    `json:"date"`
	Action   SignalAction `json:"action"`
	Strength float64      `json:"strength"`
}

// Position represents the open-trade state. At most one position is open
// per run.
type Position struct {
	EntryDate  time.Time       `json:"entryDate"`
	EntryPrice decimal.Decimal `json:"entryPrice"`
	Quantity   int64           `json:"quantity"`
}

// Trade represents a closed round trip. Immutable once recorded.
type Trade struct {
	ID          string          `json:"id"`
	BuyDate     time.Time       `json:"buyDate"`
	SellDate    time.Time       `json:"sellDate"`
	BuyPrice    decimal.Decimal `json:"buyPrice"`
	SellPrice   decimal.Decimal `json:"sellPrice"`
	Quantity    int64           `json:"quantity"`
	HoldingDays int             `json:"holdingDays"`
	Profit      decimal.Decimal `json:"profit"`
	ProfitPct   float64         `json:"profitPct"`
}

// EquityCurvePoint represents one point on the equity curve. The curve is
// strictly 1:1 with the input bars, in the same order.
type EquityCurvePoint struct {
	Date   time.Time       `json:"date"`
	Equity decimal.Decimal `json:"equity"`
	Price  decimal.Decimal `json:"price"`
}

// PerformanceMetrics represents the summary statistics of one run.
// Percentage fields are in percent units (12.5 means 12.5%); MaxDrawdown is
// non-positive.
type PerformanceMetrics struct {
	TotalReturn     float64            `json:"totalReturn"`
	AnnualReturn    float64            `json:"annualReturn"`
	MaxDrawdown     float64            `json:"maxDrawdown"`
	SharpeRatio     float64            `json:"sharpeRatio"`
	TradeWinRate    float64            `json:"tradeWinRate"`
	ProfitLossRatio float64            `json:"profitLossRatio"`
	TotalTrades     int                `json:"totalTrades"`
	CompletedTrades []Trade            `json:"completedTrades"`
	EquityCurve     []EquityCurvePoint `json:"equityCurve"`
	InitialCapital  decimal.Decimal    `json:"initialCapital"`
	FinalEquity     decimal.Decimal    `json:"finalEquity"`
}

// BacktestResult is the unit persisted by the result store and the sole
// contract consumed by reporting layers.
type BacktestResult struct {
	RunID        string             `json:"runId"`
	Symbol       string             `json:"symbol"`
	Period       Period             `json:"period"`
	Start        time.Time          `json:"start"`
	End          time.Time          `json:"end"`
	StrategyKind StrategyKind       `json:"strategyKind"`
	Params       StrategyParams     `json:"params"`
	Metrics      PerformanceMetrics `json:"metrics"`
	CreatedAt    time.Time          `json:"createdAt"`
}

// StrategyKind identifies one of the closed set of strategy variants.
type StrategyKind string

const (
	KindTrendMomentum           StrategyKind = "trend_momentum"
	KindMeanReversionVolatility StrategyKind = "mean_reversion_volatility"
	KindVolumeConfirmedTrend    StrategyKind = "volume_confirmed_trend"
)

// StrategyParams is the closed set of per-variant parameter blocks.
type StrategyParams interface {
	Kind() StrategyKind
}

// TrendMomentumParams configures the MACD trend filter with an RSI
// overbought guard.
type TrendMomentumParams struct {
	MACDFast   int     `json:"macdFast"`
	MACDSlow   int     `json:"macdSlow"`
	MACDSignal int     `json:"macdSignal"`
	RSIPeriod  int     `json:"rsiPeriod"`
	RSIBuyMax  float64 `json:"rsiBuyMax"`
}

func (TrendMomentumParams) Kind() StrategyKind { return KindTrendMomentum }

// DefaultTrendMomentumParams returns the standard parameterization.
func DefaultTrendMomentumParams() TrendMomentumParams {
	return TrendMomentumParams{MACDFast: 12, MACDSlow: 26, MACDSignal: 9, RSIPeriod: 14, RSIBuyMax: 65}
}

// MeanReversionVolatilityParams configures the Bollinger band reversion
// entry with RSI confirmation.
type MeanReversionVolatilityParams struct {
	BBPeriod      int     `json:"bbPeriod"`
	BBStd         float64 `json:"bbStd"`
	RSIPeriod     int     `json:"rsiPeriod"`
	RSIOversold   float64 `json:"rsiOversold"`
	RSIOverbought float64 `json:"rsiOverbought"`
}

func (MeanReversionVolatilityParams) Kind() StrategyKind { return KindMeanReversionVolatility }

// DefaultMeanReversionVolatilityParams returns the standard parameterization.
func DefaultMeanReversionVolatilityParams() MeanReversionVolatilityParams {
	return MeanReversionVolatilityParams{BBPeriod: 20, BBStd: 2.0, RSIPeriod: 14, RSIOversold: 35, RSIOverbought: 65}
}

// VolumeConfirmedTrendParams configures the MA crossover trend with a
// volume confirmation filter.
type VolumeConfirmedTrendParams struct {
	FastMA       int     `json:"fastMA"`
	SlowMA       int     `json:"slowMA"`
	VolumePeriod int     `json:"volumePeriod"`
	VolumeFactor float64 `json:"volumeFactor"`
}

func (VolumeConfirmedTrendParams) Kind() StrategyKind { return KindVolumeConfirmedTrend }

// DefaultVolumeConfirmedTrendParams returns the standard parameterization.
func DefaultVolumeConfirmedTrendParams() VolumeConfirmedTrendParams {
	return VolumeConfirmedTrendParams{FastMA: 5, SlowMA: 20, VolumePeriod: 20, VolumeFactor: 1.2}
}

// DecodeParams unmarshals a serialized parameter block for the given kind.
func DecodeParams(kind StrategyKind, raw []byte) (StrategyParams, error) {
	switch kind {
	case KindTrendMomentum:
		var p TrendMomentumParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindMeanReversionVolatility:
		var p MeanReversionVolatilityParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	case KindVolumeConfirmedTrend:
		var p VolumeConfirmedTrendParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown strategy kind %q", kind)
	}
}
