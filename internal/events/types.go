package events

import (
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Kind enumerates the event topics inside the trading core.
type Kind string

const (
	KindTickerUpdate    Kind = "ticker_update"
	KindOrderBookUpdate Kind = "orderbook_update"
	KindTradeUpdate     Kind = "trade_update"
	KindKlineUpdate     Kind = "kline_update"

	KindOrderCreated         Kind = "order_created"
	KindOrderFilled          Kind = "order_filled"
	KindOrderPartiallyFilled Kind = "order_partially_filled"
	KindOrderCancelled       Kind = "order_cancelled"
	KindOrderRejected        Kind = "order_rejected"

	KindBalanceUpdate  Kind = "balance_update"
	KindPositionUpdate Kind = "position_update"

	KindStrategySignal Kind = "strategy_signal"
	KindStrategyError  Kind = "strategy_error"

	KindRiskLimitExceeded Kind = "risk_limit_exceeded"
	KindEmergencyStop     Kind = "emergency_stop"

	KindEngineStarted Kind = "engine_started"
	KindEngineStopped Kind = "engine_stopped"
	KindEngineError   Kind = "engine_error"

	KindExchangeConnected    Kind = "exchange_connected"
	KindExchangeDisconnected Kind = "exchange_disconnected"
	KindExchangeError        Kind = "exchange_error"
)

// KindForStatus maps an order status to its event kind. Unknown statuses
// (terminal transitions already absorbed) map to "".
func KindForStatus(s types.OrderStatus) Kind {
	switch s {
	case types.StatusNew:
		return KindOrderCreated
	case types.StatusPartiallyFilled:
		return KindOrderPartiallyFilled
	case types.StatusFilled:
		return KindOrderFilled
	case types.StatusCanceled, types.StatusExpired:
		return KindOrderCancelled
	case types.StatusRejected:
		return KindOrderRejected
	}
	return ""
}

// Event is the envelope delivered to subscribers. Exactly one payload field
// is populated, matching Kind.
type Event struct {
	Kind       Kind
	Exchange   string
	Symbol     types.Symbol
	StrategyID string
	Time       time.Time

	Ticker    *types.Ticker
	Book      *types.OrderBook
	Trade     *types.Trade
	Kline     *types.Kline
	Order     *types.Order
	Balances  []types.Balance
	Positions []types.Position
	Signal    *SignalPayload
	Risk      *RiskPayload
	Engine    *EnginePayload
	Error     *ErrorPayload
}

// SignalPayload carries a strategy decision (or analyzer failure context).
type SignalPayload struct {
	Action     string
	Quantity   decimal.Decimal
	Price      decimal.Decimal
	Confidence float64
	Reason     string
}

// RiskPayload carries a risk-limit violation.
type RiskPayload struct {
	LimitType string
	Severity  string // warning | critical
	Value     decimal.Decimal
	Limit     decimal.Decimal
	Reason    string
}

// EnginePayload carries engine lifecycle metadata.
type EnginePayload struct {
	Message  string
	Metadata map[string]string
}

// ErrorPayload carries a structured failure for strategy/exchange errors.
type ErrorPayload struct {
	Kind    string
	Reason  string
	Retried bool
}
