// Package common defines the connector contract every venue adapter
// implements, plus the shared plumbing (typed errors, rate limiting, server
// time sync) the adapters build on.
package common

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// DataType names one market-data slice a connector can stream.
type DataType string

const (
	DataTicker    DataType = "ticker"
	DataOrderBook DataType = "orderbook"
	DataTrades    DataType = "trades"
	DataKlines    DataType = "klines"
)

// StreamKey identifies one upstream market-data stream on a venue.
type StreamKey struct {
	Symbol   types.Symbol
	Type     DataType
	Interval string // klines only
	Depth    int    // orderbook only
	Limit    int    // trades/klines history window
}

// StreamEvent is the envelope connectors push for market data. Exactly one
// payload pointer is non-nil, matching Type.
type StreamEvent struct {
	Type   DataType
	Ticker *types.Ticker
	Book   *types.OrderBook
	Trade  *types.Trade
	Kline  *types.Kline
}

// Time returns the payload timestamp.
func (e StreamEvent) Time() time.Time {
	switch e.Type {
	case DataTicker:
		return e.Ticker.Time
	case DataOrderBook:
		return e.Book.Time
	case DataTrades:
		return e.Trade.Time
	case DataKlines:
		return e.Kline.CloseTime
	}
	return time.Time{}
}

// Seq returns the upstream sequence number, 0 when the venue has none.
func (e StreamEvent) Seq() int64 {
	switch e.Type {
	case DataTicker:
		return e.Ticker.Seq
	case DataOrderBook:
		return e.Book.Seq
	case DataTrades:
		return e.Trade.Seq
	}
	return 0
}

// OrderIntent is an order the core wants placed. The ClientOrderID is always
// set by the caller before the intent reaches a connector.
type OrderIntent struct {
	ClientOrderID string
	Symbol        types.Symbol
	Side          types.Side
	Type          types.OrderType
	TimeInForce   types.TimeInForce
	Quantity      decimal.Decimal
	Price         decimal.Decimal
	StopPrice     decimal.Decimal
}

// Connector abstracts a trading venue: REST plus streaming, orders plus
// account state. Implementations must be safe for concurrent use.
type Connector interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect() error
	IsConnected() bool

	// SubscribeMarketData opens one upstream stream. The returned channel is
	// closed when the stream ends; the cancel func releases the upstream.
	SubscribeMarketData(ctx context.Context, key StreamKey) (<-chan StreamEvent, func(), error)

	// SubscribeOrderUpdates streams this account's order status changes.
	SubscribeOrderUpdates(ctx context.Context) (<-chan types.Order, func(), error)

	GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error)
	PlaceOrder(ctx context.Context, intent OrderIntent) (*types.Order, error)
	CancelOrder(ctx context.Context, symbol types.Symbol, id string) error

	GetBalances(ctx context.Context) ([]types.Balance, error)
	GetPositions(ctx context.Context) ([]types.Position, error)
	GetKlines(ctx context.Context, symbol types.Symbol, interval string, start, end time.Time, limit int) ([]types.Kline, error)

	// REST snapshots backing the Subscription Manager's polling fallback.
	GetTicker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error)
	GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error)
	GetTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error)
}


// ErrorKind classifies connector failures.
type ErrorKind string

const (
	ErrAuth      ErrorKind = "auth"
	ErrRateLimit ErrorKind = "rate_limit"
	ErrNetwork   ErrorKind = "network"
	ErrBadSymbol ErrorKind = "bad_symbol"
	ErrUnknown   ErrorKind = "unknown"
)

// ExchangeError is the typed error every connector returns. Retryable drives
// the core's backoff policy; callers never sniff error strings.
type ExchangeError struct {
	Exchange  string
	Kind      ErrorKind
	Retryable bool
	Op        string
	Err       error
}

func (e *ExchangeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%s): %v", e.Exchange, e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s (%s)", e.Exchange, e.Op, e.Kind)
}

func (e *ExchangeError) Unwrap() error { return e.Err }

// NewError builds an ExchangeError; rate-limit and network failures are
// retryable by default.
func NewError(exchange string, kind ErrorKind, op string, err error) *ExchangeError {
	return &ExchangeError{
		Exchange:  exchange,
		Kind:      kind,
		Retryable: kind == ErrRateLimit || kind == ErrNetwork,
		Op:        op,
		Err:       err,
	}
}
