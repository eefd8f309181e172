package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Ticker carries the last price plus 24h aggregates for a symbol.
type Ticker struct {
	Exchange string
	Symbol   Symbol
	Last     decimal.Decimal
	Bid      decimal.Decimal
	Ask      decimal.Decimal
	High24h  decimal.Decimal
	Low24h   decimal.Decimal
	Volume   decimal.Decimal
	Change   decimal.Decimal // 24h change percent
	Time     time.Time
	Seq      int64 // upstream sequence when the venue provides one
}

// BookLevel is one [price, qty] rung of an order book ladder.
type BookLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

// OrderBook is a depth snapshot. Bids descend, asks ascend.
type OrderBook struct {
	Exchange string
	Symbol   Symbol
	Bids     []BookLevel
	Asks     []BookLevel
	Time     time.Time
	Seq      int64
}

// BestBid returns the top bid, or a zero level when the book is empty.
func (b *OrderBook) BestBid() BookLevel {
	if len(b.Bids) == 0 {
		return BookLevel{}
	}
	return b.Bids[0]
}

// BestAsk returns the top ask, or a zero level when the book is empty.
func (b *OrderBook) BestAsk() BookLevel {
	if len(b.Asks) == 0 {
		return BookLevel{}
	}
	return b.Asks[0]
}

// Trade is a public market trade print.
type Trade struct {
	Exchange string
	Symbol   Symbol
	TradeID  string
	Side     Side
	Price    decimal.Decimal
	Quantity decimal.Decimal
	Time     time.Time
	Seq      int64
}

// Kline is a candlestick bar. IsClosed=false bars are still forming: they are
// advisory only and must not drive irreversible decisions.
type Kline struct {
	Exchange  string
	Symbol    Symbol
	Interval  string
	OpenTime  time.Time
	CloseTime time.Time
	Open      decimal.Decimal
	High      decimal.Decimal
	Low       decimal.Decimal
	Close     decimal.Decimal
	Volume    decimal.Decimal
	IsClosed  bool
}
