// Package types provides configuration types for the backtesting engine.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineConfig represents the execution parameters of a simulation run.
type EngineConfig struct {
	InitialCapital decimal.Decimal `json:"initialCapital"`
	SlippageBps    decimal.Decimal `json:"slippageBps"`
	TaxRate        decimal.Decimal `json:"taxRate"`
}

// DefaultEngineConfig returns the standard execution parameters.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		InitialCapital: decimal.NewFromInt(100000),
		SlippageBps:    decimal.NewFromInt(10),
		TaxRate:        decimal.NewFromFloat(0.0003),
	}
}

// RunRequest describes one backtest run: which dataset, which strategy, and
// how to execute it.
type RunRequest struct {
	Symbol       string         `json:"symbol"`
	Period       Period         `json:"period"`
	Start        time.Time      `json:"start"`
	End          time.Time      `json:"end"`
	StrategyKind StrategyKind   `json:"strategyKind"`
	Params       StrategyParams `json:"params"`
	Engine       EngineConfig   `json:"engine"`
}

// CacheConfig configures the historical data cache. Root and the staleness
// clock are explicit values injected at construction.
type CacheConfig struct {
	Root  string
	Clock func() time.Time
}

// StoreConfig configures the result store.
type StoreConfig struct {
	Path string
}
