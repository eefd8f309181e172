package binance

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// Wire formats for the subset of the Binance spot API the core consumes.
// Numbers arrive as strings and are parsed into decimals at this boundary.

type ticker24h struct {
	Symbol             string `json:"symbol"`
	LastPrice          string `json:"lastPrice"`
	BidPrice           string `json:"bidPrice"`
	AskPrice           string `json:"askPrice"`
	HighPrice          string `json:"highPrice"`
	LowPrice           string `json:"lowPrice"`
	Volume             string `json:"volume"`
	PriceChangePercent string `json:"priceChangePercent"`
	CloseTime          int64  `json:"closeTime"`
}

type depthResponse struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

type tradeResponse struct {
	ID           int64  `json:"id"`
	Price        string `json:"price"`
	Qty          string `json:"qty"`
	Time         int64  `json:"time"`
	IsBuyerMaker bool   `json:"isBuyerMaker"`
}

type orderResponse struct {
	Symbol             string `json:"symbol"`
	OrderID            int64  `json:"orderId"`
	ClientOrderID      string `json:"clientOrderId"`
	Price              string `json:"price"`
	OrigQty            string `json:"origQty"`
	ExecutedQty        string `json:"executedQty"`
	CummulativeQuoteQty string `json:"cummulativeQuoteQty"`
	Status             string `json:"status"`
	TimeInForce        string `json:"timeInForce"`
	Type               string `json:"type"`
	Side               string `json:"side"`
	StopPrice          string `json:"stopPrice"`
	Time               int64  `json:"time"`
	UpdateTime         int64  `json:"updateTime"`
	TransactTime       int64  `json:"transactTime"`
}

type accountResponse struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func dec(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func (t *ticker24h) toTicker(symbol types.Symbol, exchange string) *types.Ticker {
	return &types.Ticker{
		Exchange: exchange,
		Symbol:   symbol,
		Last:     dec(t.LastPrice),
		Bid:      dec(t.BidPrice),
		Ask:      dec(t.AskPrice),
		High24h:  dec(t.HighPrice),
		Low24h:   dec(t.LowPrice),
		Volume:   dec(t.Volume),
		Change:   dec(t.PriceChangePercent),
		Time:     time.UnixMilli(t.CloseTime),
	}
}

func (d *depthResponse) toBook(symbol types.Symbol, exchange string) *types.OrderBook {
	book := &types.OrderBook{
		Exchange: exchange,
		Symbol:   symbol,
		Time:     time.Now(),
		Seq:      d.LastUpdateID,
	}
	book.Bids = toLevels(d.Bids)
	book.Asks = toLevels(d.Asks)
	return book
}

func toLevels(raw [][]string) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		out = append(out, types.BookLevel{Price: dec(l[0]), Quantity: dec(l[1])})
	}
	return out
}

func (t *tradeResponse) toTrade(symbol types.Symbol, exchange string) types.Trade {
	side := types.SideBuy
	if t.IsBuyerMaker {
		side = types.SideSell // taker sold into the bid
	}
	return types.Trade{
		Exchange: exchange,
		Symbol:   symbol,
		TradeID:  fmt.Sprintf("%d", t.ID),
		Side:     side,
		Price:    dec(t.Price),
		Quantity: dec(t.Qty),
		Time:     time.UnixMilli(t.Time),
		Seq:      t.ID,
	}
}

func (o *orderResponse) toOrder(symbol types.Symbol, exchange string) *types.Order {
	executed := dec(o.ExecutedQty)
	cumQuote := dec(o.CummulativeQuoteQty)
	avg := decimal.Zero
	if !executed.IsZero() && !cumQuote.IsZero() {
		avg = cumQuote.DivRound(executed, 8)
	}
	created := o.Time
	if created == 0 {
		created = o.TransactTime
	}
	updated := o.UpdateTime
	if updated == 0 {
		updated = o.TransactTime
	}
	return &types.Order{
		ID:                      fmt.Sprintf("%d", o.OrderID),
		ClientOrderID:           o.ClientOrderID,
		Exchange:                exchange,
		Symbol:                  symbol,
		Side:                    types.Side(o.Side),
		Type:                    types.OrderType(o.Type),
		TimeInForce:             types.TimeInForce(o.TimeInForce),
		Quantity:                dec(o.OrigQty),
		Price:                   dec(o.Price),
		StopPrice:               dec(o.StopPrice),
		Status:                  mapStatus(o.Status),
		ExecutedQuantity:        executed,
		CumulativeQuoteQuantity: cumQuote,
		AveragePrice:            avg,
		Timestamp:               time.UnixMilli(created),
		UpdateTime:              time.UnixMilli(updated),
	}
}

// mapStatus normalizes Binance statuses onto the core set. PENDING_CANCEL
// stays open until a definitive terminal status arrives.
func mapStatus(s string) types.OrderStatus {
	switch s {
	case "NEW", "PENDING_NEW", "PENDING_CANCEL":
		return types.StatusNew
	case "PARTIALLY_FILLED":
		return types.StatusPartiallyFilled
	case "FILLED":
		return types.StatusFilled
	case "CANCELED":
		return types.StatusCanceled
	case "REJECTED":
		return types.StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return types.StatusExpired
	}
	return types.StatusNew
}

func parseKline(raw []any, symbol types.Symbol, exchange, interval string) (types.Kline, bool) {
	if len(raw) < 7 {
		return types.Kline{}, false
	}
	openTime, ok1 := raw[0].(float64)
	closeTime, ok2 := raw[6].(float64)
	if !ok1 || !ok2 {
		return types.Kline{}, false
	}
	str := func(i int) string {
		s, _ := raw[i].(string)
		return s
	}
	return types.Kline{
		Exchange:  exchange,
		Symbol:    symbol,
		Interval:  interval,
		OpenTime:  time.UnixMilli(int64(openTime)),
		CloseTime: time.UnixMilli(int64(closeTime)),
		Open:      dec(str(1)),
		High:      dec(str(2)),
		Low:       dec(str(3)),
		Close:     dec(str(4)),
		Volume:    dec(str(5)),
		IsClosed:  time.Now().After(time.UnixMilli(int64(closeTime))),
	}, true
}
