// Package backtest defines the boundary the historical replay harness
// programs against. The harness itself (simulated matching, fee models,
// result analytics) lives outside the core; strategies run unmodified
// because replay drives the same Strategy contract the live runtime does.
package backtest

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// KlineSource streams historical bars in chronological order. Live
// connectors and archive readers both satisfy it.
type KlineSource interface {
	Klines(ctx context.Context, symbol types.Symbol, interval string, start, end time.Time) (<-chan types.Kline, error)
}

// Clock abstracts time so replays can run faster than wall clock. The live
// engine uses the real clock; a replay advances it per bar.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// FillModel decides how a simulated venue fills an order intent against a
// bar. Implementations range from close-price fills to intrabar walks.
type FillModel interface {
	Fill(o *types.Order, bar types.Kline) (executed decimal.Decimal, price decimal.Decimal, done bool)
}

// Report is the replay outcome for one strategy.
type Report struct {
	StrategyID   string
	Start, End   time.Time
	Trades       int
	GrossPnL     decimal.Decimal
	Fees         decimal.Decimal
	NetPnL       decimal.Decimal
	MaxDrawdown  decimal.Decimal
	FinalState   *types.StrategyState
}

// Runner replays a kline window through a strategy. The single production
// implementation lives with the backtesting tool, not in the core.
type Runner interface {
	Run(ctx context.Context, strategyID string, source KlineSource, fills FillModel) (*Report, error)
}
