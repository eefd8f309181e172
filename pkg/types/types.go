// Package types defines the shared domain vocabulary for the trading core —
// order and position records, balances, market data payloads, and the symbol
// form. It has no dependencies on internal packages, so it can be imported by
// any layer.
//
// All monetary, quantity and price fields use decimal.Decimal. Floats never
// carry money; rounding is explicit per operation (half-up).
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType denotes supported order types.
type OrderType string

const (
	OrderTypeMarket          OrderType = "MARKET"
	OrderTypeLimit           OrderType = "LIMIT"
	OrderTypeStopLoss        OrderType = "STOP_LOSS"
	OrderTypeStopLossLimit   OrderType = "STOP_LOSS_LIMIT"
	OrderTypeTakeProfit      OrderType = "TAKE_PROFIT"
	OrderTypeTakeProfitLimit OrderType = "TAKE_PROFIT_LIMIT"
)

// TimeInForce captures TIF semantics.
type TimeInForce string

const (
	TIFGTC TimeInForce = "GTC" // Good Till Cancelled
	TIFIOC TimeInForce = "IOC" // Immediate Or Cancel
	TIFFOK TimeInForce = "FOK" // Fill Or Kill
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew             OrderStatus = "NEW"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
	StatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transitions are accepted from s.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// IsOpen reports whether the order still rests on the exchange.
func (s OrderStatus) IsOpen() bool {
	return s == StatusNew || s == StatusPartiallyFilled
}

// Fill is a single trade execution against an order.
type Fill struct {
	TradeID  string
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Fee      decimal.Decimal
	FeeAsset string
	Time     time.Time
}

// Order is the engine's view of an exchange order. Identity is the
// exchange-assigned ID plus the locally generated ClientOrderID, which is
// unique per process lifetime and carried across exchange calls for
// end-to-end correlation.
type Order struct {
	ID            string
	ClientOrderID string
	StrategyID    string
	Exchange      string
	Symbol        Symbol

	Side        Side
	Type        OrderType
	TimeInForce TimeInForce
	Quantity    decimal.Decimal
	Price       decimal.Decimal // zero for MARKET
	StopPrice   decimal.Decimal // zero unless a stop/take-profit type

	Status                  OrderStatus
	ExecutedQuantity        decimal.Decimal
	CumulativeQuoteQuantity decimal.Decimal
	AveragePrice            decimal.Decimal
	Fills                   []Fill

	Timestamp  time.Time
	UpdateTime time.Time
}

// RemainingQuantity returns the unfilled quantity.
func (o *Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.ExecutedQuantity)
}

// IsFullyFilled reports whether the executed quantity covers the order.
func (o *Order) IsFullyFilled() bool {
	return o.ExecutedQuantity.GreaterThanOrEqual(o.Quantity)
}

// SignedExecuted returns the executed quantity signed by side: BUY positive,
// SELL negative. Position arithmetic across the core uses this convention.
func (o *Order) SignedExecuted() decimal.Decimal {
	if o.Side == SideSell {
		return o.ExecutedQuantity.Neg()
	}
	return o.ExecutedQuantity
}

// Clone returns a deep copy, including fills.
func (o *Order) Clone() *Order {
	cp := *o
	if len(o.Fills) > 0 {
		cp.Fills = make([]Fill, len(o.Fills))
		copy(cp.Fills, o.Fills)
	}
	return &cp
}

// PositionSide is derived from the sign of a position's quantity.
type PositionSide string

const (
	PositionLong  PositionSide = "long"
	PositionShort PositionSide = "short"
	PositionFlat  PositionSide = "flat"
)

// Position is a net position per symbol. Quantity is signed: positive long,
// negative short. Side is always derived from the sign, never stored.
type Position struct {
	Exchange      string
	Symbol        Symbol
	Quantity      decimal.Decimal
	AvgPrice      decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
	Leverage      decimal.Decimal
	UpdatedAt     time.Time
}

// Side derives the position direction from the quantity sign.
func (p *Position) Side() PositionSide {
	switch p.Quantity.Sign() {
	case 1:
		return PositionLong
	case -1:
		return PositionShort
	}
	return PositionFlat
}

// Notional returns |quantity| * markPrice.
func (p *Position) Notional() decimal.Decimal {
	return p.Quantity.Abs().Mul(p.MarkPrice)
}

// PnL returns the exchange-reported unrealized PnL when present, otherwise
// (mark - avg) * signedQuantity.
func (p *Position) PnL() decimal.Decimal {
	if !p.UnrealizedPnl.IsZero() {
		return p.UnrealizedPnl
	}
	return p.MarkPrice.Sub(p.AvgPrice).Mul(p.Quantity)
}

// Balance is a per-asset account balance. Total is always Free + Locked.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
}

// Total returns the invariant sum Free + Locked.
func (b Balance) Total() decimal.Decimal {
	return b.Free.Add(b.Locked)
}

// AccountSnapshot is the Account Polling Service output: balances and
// positions for one exchange at one instant, with derived aggregates.
type AccountSnapshot struct {
	Exchange           string
	Balances           []Balance
	Positions          []Position
	TotalPositionValue decimal.Decimal
	UnrealizedPnl      decimal.Decimal
	Time               time.Time
}

// StrategyState is the immutable resumable snapshot of one strategy. It is
// the only data needed to resume the strategy's decisions after a restart.
type StrategyState struct {
	StrategyID      string
	InternalState   map[string]any
	IndicatorData   map[string]float64
	LastSignal      string
	SignalTime      time.Time
	CurrentPosition decimal.Decimal
	AveragePrice    decimal.Decimal
	LastUpdateTime  time.Time
}

// Clone returns a deep copy so callers can never mutate a stored snapshot.
func (s *StrategyState) Clone() *StrategyState {
	cp := *s
	if s.InternalState != nil {
		cp.InternalState = make(map[string]any, len(s.InternalState))
		for k, v := range s.InternalState {
			cp.InternalState[k] = v
		}
	}
	if s.IndicatorData != nil {
		cp.IndicatorData = make(map[string]float64, len(s.IndicatorData))
		for k, v := range s.IndicatorData {
			cp.IndicatorData[k] = v
		}
	}
	return &cp
}

// IssueLevel grades a recovery issue.
type IssueLevel string

const (
	IssueInfo    IssueLevel = "info"
	IssueWarning IssueLevel = "warning"
	IssueError   IssueLevel = "error"
)

// RecoveryIssue is one structured finding from startup reconciliation.
type RecoveryIssue struct {
	Level   IssueLevel
	Message string
	OrderID string // set when the issue is tied to a specific order
}

// StrategyRecoveryResult is the outcome of the State Manager's
// RecoverStrategyState: the
// recovered snapshot (nil when none existed), open and partially filled
// orders reconciled against the exchange, the recomputed net position, and
// everything worth telling the operator about.
type StrategyRecoveryResult struct {
	StrategyID    string
	State         *StrategyState
	OpenOrders    []*Order
	TotalPosition decimal.Decimal
	AveragePrice  decimal.Decimal
	Issues        []RecoveryIssue
	RecoveryTime  time.Duration
}

// HasErrors reports whether any issue is error-level.
func (r *StrategyRecoveryResult) HasErrors() bool {
	for _, is := range r.Issues {
		if is.Level == IssueError {
			return true
		}
	}
	return false
}
