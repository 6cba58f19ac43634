// Package engine runs the sequential walk-forward simulation: one pass
// over the bars, whole-share fills at the close, slippage and transaction
// tax applied on both sides.
package engine

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/atlas-desktop/backtest-engine/pkg/types"
)

// ErrInsufficientData is returned when the bar series is shorter than the
// strategy's warmup window.
var ErrInsufficientData = errors.New("insufficient bars for strategy warmup")

// SignalSource is what the engine needs from a strategy.
type SignalSource interface {
	MinBars() int
	GenerateSignals(bars []types.Bar) []types.Signal
}

// Result is the raw outcome of one simulation before analysis.
type Result struct {
	Trades       []types.Trade
	EquityCurve  []types.EquityCurvePoint
	FinalEquity  decimal.Decimal
	OpenPosition *types.Position
}

type Engine struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

var (
	one        = decimal.NewFromInt(1)
	hundred    = decimal.NewFromInt(100)
	bpsDivisor = decimal.NewFromInt(10_000)
)

// Run walks the bars in order, executing the strategy's signals against a
// single long position. Fills happen at the bar close adjusted for
// slippage; the tax rate is charged on both the buy and the sell side. A
// position still open after the last bar is reported in the result and
// stays valued in the equity curve, not force-liquidated.
func (e *Engine) Run(cfg types.EngineConfig, src SignalSource, bars []types.Bar) (*Result, error) {
	if err := checkConfig(cfg); err != nil {
		return nil, err
	}
	if len(bars) < src.MinBars() {
		return nil, fmt.Errorf("%w: have %d bars, need %d", ErrInsufficientData, len(bars), src.MinBars())
	}

	signals := src.GenerateSignals(bars)
	if len(signals) != len(bars) {
		return nil, fmt.Errorf("strategy emitted %d signals for %d bars", len(signals), len(bars))
	}

	slip := cfg.SlippageBps.Div(bpsDivisor)
	buyMult := one.Add(slip)
	sellMult := one.Sub(slip)
	taxMult := one.Add(cfg.TaxRate)
	netMult := one.Sub(cfg.TaxRate)

	cash := cfg.InitialCapital
	var position *types.Position
	var openCost decimal.Decimal

	result := &Result{
		EquityCurve: make([]types.EquityCurvePoint, 0, len(bars)),
	}

	for i, bar := range bars {
		switch signals[i].Action {
		case types.ActionBuy:
			if position != nil {
				break
			}
			exec := bar.Close.Mul(buyMult)
			qty := cash.Div(exec.Mul(taxMult)).IntPart()
			if qty <= 0 {
				break
			}
			cost := exec.Mul(decimal.NewFromInt(qty)).Mul(taxMult)
			cash = cash.Sub(cost)
			openCost = cost
			position = &types.Position{
				EntryDate:  bar.Date,
				EntryPrice: exec,
				Quantity:   qty,
			}

		case types.ActionSell:
			if position == nil {
				break
			}
			exec := bar.Close.Mul(sellMult)
			qtyDec := decimal.NewFromInt(position.Quantity)
			revenue := exec.Mul(qtyDec).Mul(netMult)
			cash = cash.Add(revenue)

			profit := revenue.Sub(openCost)
			basis := position.EntryPrice.Mul(qtyDec)
			trade := types.Trade{
				ID:          uuid.NewString(),
				BuyDate:     position.EntryDate,
				SellDate:    bar.Date,
				BuyPrice:    position.EntryPrice,
				SellPrice:   exec,
				Quantity:    position.Quantity,
				HoldingDays: int(bar.Date.Sub(position.EntryDate).Hours() / 24),
				Profit:      profit,
				ProfitPct:   profit.Div(basis).Mul(hundred).InexactFloat64(),
			}
			result.Trades = append(result.Trades, trade)
			position = nil
			openCost = decimal.Zero
		}

		equity := cash
		if position != nil {
			equity = equity.Add(bar.Close.Mul(decimal.NewFromInt(position.Quantity)))
		}
		result.EquityCurve = append(result.EquityCurve, types.EquityCurvePoint{
			Date:   bar.Date,
			Equity: equity,
			Price:  bar.Close,
		})
	}

	result.FinalEquity = result.EquityCurve[len(result.EquityCurve)-1].Equity
	result.OpenPosition = position

	e.logger.Debug("simulation complete",
		zap.Int("bars", len(bars)),
		zap.Int("trades", len(result.Trades)),
		zap.String("final_equity", result.FinalEquity.String()),
		zap.Bool("open_position", position != nil),
	)
	return result, nil
}

func checkConfig(cfg types.EngineConfig) error {
	switch {
	case cfg.InitialCapital.Sign() <= 0:
		return fmt.Errorf("initial capital must be positive, got %s", cfg.InitialCapital)
	case cfg.SlippageBps.Sign() < 0:
		return fmt.Errorf("slippage must not be negative, got %s bps", cfg.SlippageBps)
	case cfg.TaxRate.Sign() < 0 || cfg.TaxRate.GreaterThanOrEqual(one):
		return fmt.Errorf("tax rate must be in [0, 1), got %s", cfg.TaxRate)
	}
	return nil
}
