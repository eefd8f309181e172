package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

const (
	wsConnectTimeout   = 15 * time.Second
	listenKeyKeepAlive = 30 * time.Minute
)

// SubscribeMarketData opens one websocket stream for the key and adapts its
// messages to StreamEvents. The channel closes when the socket drops; the
// Subscription Manager handles reconnects.
func (c *Connector) SubscribeMarketData(ctx context.Context, key common.StreamKey) (<-chan common.StreamEvent, func(), error) {
	stream, err := streamName(key)
	if err != nil {
		return nil, nil, common.NewError("binance", common.ErrBadSymbol, "subscribe", err)
	}

	conn, err := c.dial(ctx, "/ws/"+stream)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan common.StreamEvent, 256)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer conn.Close()
		for {
			if streamCtx.Err() != nil {
				return
			}
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if streamCtx.Err() == nil {
					c.log.Warn().Err(err).Str("stream", stream).Msg("market stream read error")
				}
				return
			}
			if ev, ok := c.parseMarketMessage(key, msg); ok {
				select {
				case out <- ev:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	return out, cancel, nil
}

func streamName(key common.StreamKey) (string, error) {
	sym := strings.ToLower(key.Symbol.Normalize("binance"))
	switch key.Type {
	case common.DataTicker:
		return sym + "@ticker", nil
	case common.DataOrderBook:
		depth := key.Depth
		if depth != 5 && depth != 10 && depth != 20 {
			depth = 20
		}
		return fmt.Sprintf("%s@depth%d@100ms", sym, depth), nil
	case common.DataTrades:
		return sym + "@trade", nil
	case common.DataKlines:
		if key.Interval == "" {
			return "", fmt.Errorf("kline stream needs an interval")
		}
		return sym + "@kline_" + key.Interval, nil
	}
	return "", fmt.Errorf("unsupported data type %q", key.Type)
}

func (c *Connector) dial(ctx context.Context, path string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, wsConnectTimeout)
	defer cancel()

	u := c.wsBase + path
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		return nil, common.NewError("binance", common.ErrNetwork, "ws dial", err)
	}
	return conn, nil
}

func (c *Connector) parseMarketMessage(key common.StreamKey, msg []byte) (common.StreamEvent, bool) {
	switch key.Type {
	case common.DataTicker:
		var m struct {
			EventTime int64  `json:"E"`
			Last      string `json:"c"`
			Bid       string `json:"b"`
			Ask       string `json:"a"`
			High      string `json:"h"`
			Low       string `json:"l"`
			Volume    string `json:"v"`
			Change    string `json:"P"`
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			return common.StreamEvent{}, false
		}
		return common.StreamEvent{Type: common.DataTicker, Ticker: &types.Ticker{
			Exchange: "binance",
			Symbol:   key.Symbol,
			Last:     dec(m.Last),
			Bid:      dec(m.Bid),
			Ask:      dec(m.Ask),
			High24h:  dec(m.High),
			Low24h:   dec(m.Low),
			Volume:   dec(m.Volume),
			Change:   dec(m.Change),
			Time:     time.UnixMilli(m.EventTime),
		}}, true
	case common.DataOrderBook:
		var m struct {
			LastUpdateID int64      `json:"lastUpdateId"`
			Bids         [][]string `json:"bids"`
			Asks         [][]string `json:"asks"`
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			return common.StreamEvent{}, false
		}
		return common.StreamEvent{Type: common.DataOrderBook, Book: &types.OrderBook{
			Exchange: "binance",
			Symbol:   key.Symbol,
			Bids:     toLevels(m.Bids),
			Asks:     toLevels(m.Asks),
			Time:     time.Now(),
			Seq:      m.LastUpdateID,
		}}, true
	case common.DataTrades:
		var m struct {
			EventTime    int64  `json:"E"`
			TradeID      int64  `json:"t"`
			Price        string `json:"p"`
			Qty          string `json:"q"`
			IsBuyerMaker bool   `json:"m"`
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			return common.StreamEvent{}, false
		}
		side := types.SideBuy
		if m.IsBuyerMaker {
			side = types.SideSell
		}
		return common.StreamEvent{Type: common.DataTrades, Trade: &types.Trade{
			Exchange: "binance",
			Symbol:   key.Symbol,
			TradeID:  fmt.Sprintf("%d", m.TradeID),
			Side:     side,
			Price:    dec(m.Price),
			Quantity: dec(m.Qty),
			Time:     time.UnixMilli(m.EventTime),
			Seq:      m.TradeID,
		}}, true
	case common.DataKlines:
		var m struct {
			Kline struct {
				OpenTime  int64  `json:"t"`
				CloseTime int64  `json:"T"`
				Interval  string `json:"i"`
				Open      string `json:"o"`
				High      string `json:"h"`
				Low       string `json:"l"`
				Close     string `json:"c"`
				Volume    string `json:"v"`
				Closed    bool   `json:"x"`
			} `json:"k"`
		}
		if err := json.Unmarshal(msg, &m); err != nil {
			return common.StreamEvent{}, false
		}
		k := m.Kline
		return common.StreamEvent{Type: common.DataKlines, Kline: &types.Kline{
			Exchange:  "binance",
			Symbol:    key.Symbol,
			Interval:  k.Interval,
			OpenTime:  time.UnixMilli(k.OpenTime),
			CloseTime: time.UnixMilli(k.CloseTime),
			Open:      dec(k.Open),
			High:      dec(k.High),
			Low:       dec(k.Low),
			Close:     dec(k.Close),
			Volume:    dec(k.Volume),
			IsClosed:  k.Closed,
		}}, true
	}
	return common.StreamEvent{}, false
}

// SubscribeOrderUpdates opens the user data stream: create a listen key,
// keep it alive every 30 minutes, and adapt executionReport messages into
// order records.
func (c *Connector) SubscribeOrderUpdates(ctx context.Context) (<-chan types.Order, func(), error) {
	listenKey, err := c.createListenKey(ctx)
	if err != nil {
		return nil, nil, err
	}

	conn, err := c.dial(ctx, "/ws/"+listenKey)
	if err != nil {
		return nil, nil, err
	}

	out := make(chan types.Order, 256)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		ticker := time.NewTicker(listenKeyKeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-streamCtx.Done():
				return
			case <-ticker.C:
				if err := c.keepAliveListenKey(streamCtx, listenKey); err != nil {
					c.log.Warn().Err(err).Msg("listen key keepalive failed")
				}
			}
		}
	}()

	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if streamCtx.Err() == nil {
					c.log.Warn().Err(err).Msg("user stream read error")
				}
				return
			}
			if o, ok := c.parseExecutionReport(msg); ok {
				select {
				case out <- *o:
				case <-streamCtx.Done():
					return
				}
			}
		}
	}()

	go func() {
		<-streamCtx.Done()
		conn.Close()
	}()

	return out, cancel, nil
}

func (c *Connector) parseExecutionReport(msg []byte) (*types.Order, bool) {
	// The event type field is occasionally non-string on combined streams;
	// probe it loosely before binding the full report.
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(msg, &probe); err != nil {
		return nil, false
	}
	var eventType string
	if raw, ok := probe["e"]; !ok || json.Unmarshal(raw, &eventType) != nil {
		return nil, false
	}
	if eventType != "executionReport" {
		return nil, false
	}

	var rep struct {
		Symbol          string `json:"s"`
		Side            string `json:"S"`
		OrderType       string `json:"o"`
		TimeInForce     string `json:"f"`
		Qty             string `json:"q"`
		Price           string `json:"p"`
		StopPrice       string `json:"P"`
		Status          string `json:"X"`
		OrderID         int64  `json:"i"`
		ClientOrderID   string `json:"c"`
		CumulativeQty   string `json:"z"`
		CumulativeQuote string `json:"Z"`
		OrderTime       int64  `json:"O"`
		EventTime       int64  `json:"E"`
	}
	if err := json.Unmarshal(msg, &rep); err != nil {
		return nil, false
	}

	symbol, err := types.SymbolFromExchange("binance", rep.Symbol, false)
	if err != nil {
		c.log.Warn().Str("symbol", rep.Symbol).Msg("unmapped symbol on user stream")
		return nil, false
	}

	executed := dec(rep.CumulativeQty)
	cumQuote := dec(rep.CumulativeQuote)
	avg := dec("")
	if !executed.IsZero() && !cumQuote.IsZero() {
		avg = cumQuote.DivRound(executed, 8)
	}
	return &types.Order{
		ID:                      fmt.Sprintf("%d", rep.OrderID),
		ClientOrderID:           rep.ClientOrderID,
		Exchange:                "binance",
		Symbol:                  symbol,
		Side:                    types.Side(rep.Side),
		Type:                    types.OrderType(rep.OrderType),
		TimeInForce:             types.TimeInForce(rep.TimeInForce),
		Quantity:                dec(rep.Qty),
		Price:                   dec(rep.Price),
		StopPrice:               dec(rep.StopPrice),
		Status:                  mapStatus(rep.Status),
		ExecutedQuantity:        executed,
		CumulativeQuoteQuantity: cumQuote,
		AveragePrice:            avg,
		Timestamp:               time.UnixMilli(rep.OrderTime),
		UpdateTime:              time.UnixMilli(rep.EventTime),
	}, true
}

func (c *Connector) createListenKey(ctx context.Context) (string, error) {
	var out struct {
		ListenKey string `json:"listenKey"`
	}
	resp, err := c.rest.R().SetContext(ctx).Post("/api/v3/userDataStream")
	if err != nil {
		return "", common.NewError("binance", common.ErrNetwork, "listen key", err)
	}
	if resp.IsError() {
		return "", common.NewError("binance", common.ErrAuth, "listen key",
			fmt.Errorf("HTTP %d", resp.StatusCode()))
	}
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return "", common.NewError("binance", common.ErrUnknown, "listen key", err)
	}
	return out.ListenKey, nil
}

func (c *Connector) keepAliveListenKey(ctx context.Context, key string) error {
	resp, err := c.rest.R().SetContext(ctx).
		SetQueryParamsFromValues(url.Values{"listenKey": {key}}).
		Put("/api/v3/userDataStream")
	if err != nil {
		return err
	}
	if resp.IsError() {
		return fmt.Errorf("keepalive: HTTP %d", resp.StatusCode())
	}
	return nil
}
