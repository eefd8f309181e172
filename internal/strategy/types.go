// Package strategy defines the strategy contract and the runtime that
// schedules strategies over market data: parallel across strategies, serial
// per strategy.
package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"tradecore/internal/market"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// Action is a strategy decision.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionHold Action = "hold"
)

// Result is what Analyze produces. Hold results carry no order fields.
type Result struct {
	Action     Action
	Quantity   decimal.Decimal
	Price      decimal.Decimal // zero = market
	StopLoss   decimal.Decimal
	TakeProfit decimal.Decimal
	Confidence float64
	Reason     string
	Metadata   map[string]string
}

// DataRequest declares one market-data slice a strategy needs.
type DataRequest struct {
	Type     common.DataType
	Interval string // klines only
	Depth    int    // orderbook only
	Limit    int    // window the runtime keeps for snapshots
	Method   string // websocket | rest | auto (default auto)
}

// Requirements is the declarative subscription and warm-up contract a
// strategy announces at registration.
type Requirements struct {
	Exchange      string
	Symbol        types.Symbol
	Data          []DataRequest
	InitialKlines int    // bars fetched before the first Analyze
	KlineInterval string // interval for the warm-up fetch
	LongOnly      bool   // recovery flags negative positions as suspect
}

// RecoveryContext is handed to a strategy exactly once before its first
// Analyze after a restart.
type RecoveryContext struct {
	Position   decimal.Decimal
	AvgPrice   decimal.Decimal
	OpenOrders []*types.Order
}

// Strategy is the capability set the runtime schedules. Analyze must be a
// pure function of the snapshot and internal state: no I/O, no clocks.
type Strategy interface {
	ID() string
	Requirements() Requirements

	Initialize(params map[string]any) error
	Analyze(data *market.Data) (*Result, error)

	SaveState() *types.StrategyState
	RestoreState(state *types.StrategyState) error
	SetRecoveryContext(rc *RecoveryContext)

	Cleanup() error
}

// Err marks an analyzer failure (non-fatal; pauses the strategy past the
// error-rate threshold).
type Err struct {
	StrategyID string
	Err        error
}

func (e *Err) Error() string {
	return fmt.Sprintf("strategy %s: %v", e.StrategyID, e.Err)
}

func (e *Err) Unwrap() error { return e.Err }

// Executor turns an accepted strategy result into an exchange order. The
// engine implements it with the risk filter in front of the Order Manager.
type Executor interface {
	Execute(ctx context.Context, strategyID string, req Requirements, res *Result) (*types.Order, error)
}

// Factory builds a strategy instance from a declaration. Registered per
// strategy type.
type Factory func(id string, req Requirements, params map[string]any) (Strategy, error)
