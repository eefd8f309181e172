package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

type wsRequest struct {
	Op   string     `json:"op"`
	Args []wsChannel `json:"args"`
}

type wsChannel struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId,omitempty"`

	// login args
	APIKey     string `json:"apiKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
	Timestamp  string `json:"timestamp,omitempty"`
	Sign       string `json:"sign,omitempty"`
}

type wsMessage struct {
	Event string          `json:"event"`
	Arg   wsChannel       `json:"arg"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Data  json.RawMessage `json:"data"`
}

// SubscribeMarketData opens one public websocket subscription for the key.
func (c *Connector) SubscribeMarketData(ctx context.Context, key common.StreamKey) (<-chan common.StreamEvent, func(), error) {
	channel, err := channelFor(key)
	if err != nil {
		return nil, nil, common.NewError("okx", common.ErrBadSymbol, "subscribe", err)
	}

	conn, err := c.dialWS(ctx, wsPublicURL)
	if err != nil {
		return nil, nil, err
	}

	sub := wsRequest{Op: "subscribe", Args: []wsChannel{{Channel: channel, InstID: key.Symbol.Normalize("okx")}}}
	if err := conn.WriteJSON(sub); err != nil {
		conn.Close()
		return nil, nil, common.NewError("okx", common.ErrNetwork, "subscribe", err)
	}

	out := make(chan common.StreamEvent, 256)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if streamCtx.Err() == nil {
					c.log.Warn().Err(err).Str("channel", channel).Msg("public stream read error")
				}
				return
			}
			for _, ev := range c.parsePublic(key, msg) {
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

func channelFor(key common.StreamKey) (string, error) {
	switch key.Type {
	case common.DataTicker:
		return "tickers", nil
	case common.DataOrderBook:
		return "books5", nil
	case common.DataTrades:
		return "trades", nil
	case common.DataKlines:
		if key.Interval == "" {
			return "", fmt.Errorf("kline stream needs an interval")
		}
		return "candle" + key.Interval, nil
	}
	return "", fmt.Errorf("unsupported data type %q", key.Type)
}

func (c *Connector) dialWS(ctx context.Context, u string) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, wsDialTimeout)
	defer cancel()
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, u, nil)
	if err != nil {
		return nil, common.NewError("okx", common.ErrNetwork, "ws dial", err)
	}
	return conn, nil
}

func (c *Connector) parsePublic(key common.StreamKey, msg []byte) []common.StreamEvent {
	var m wsMessage
	if err := json.Unmarshal(msg, &m); err != nil || m.Event != "" || len(m.Data) == 0 {
		return nil
	}

	switch key.Type {
	case common.DataTicker:
		var rows []struct {
			Last  string `json:"last"`
			BidPx string `json:"bidPx"`
			AskPx string `json:"askPx"`
			Ts    string `json:"ts"`
		}
		if json.Unmarshal(m.Data, &rows) != nil {
			return nil
		}
		out := make([]common.StreamEvent, 0, len(rows))
		for _, r := range rows {
			out = append(out, common.StreamEvent{Type: common.DataTicker, Ticker: &types.Ticker{
				Exchange: "okx", Symbol: key.Symbol,
				Last: dec(r.Last), Bid: dec(r.BidPx), Ask: dec(r.AskPx), Time: ms(r.Ts),
			}})
		}
		return out
	case common.DataOrderBook:
		var rows []struct {
			Bids [][]string `json:"bids"`
			Asks [][]string `json:"asks"`
			Ts   string     `json:"ts"`
		}
		if json.Unmarshal(m.Data, &rows) != nil {
			return nil
		}
		out := make([]common.StreamEvent, 0, len(rows))
		for _, r := range rows {
			out = append(out, common.StreamEvent{Type: common.DataOrderBook, Book: &types.OrderBook{
				Exchange: "okx", Symbol: key.Symbol,
				Bids: levels(r.Bids), Asks: levels(r.Asks), Time: ms(r.Ts),
			}})
		}
		return out
	case common.DataTrades:
		var rows []struct {
			TradeID string `json:"tradeId"`
			Px      string `json:"px"`
			Sz      string `json:"sz"`
			Side    string `json:"side"`
			Ts      string `json:"ts"`
		}
		if json.Unmarshal(m.Data, &rows) != nil {
			return nil
		}
		out := make([]common.StreamEvent, 0, len(rows))
		for _, r := range rows {
			side := types.SideBuy
			if r.Side == "sell" {
				side = types.SideSell
			}
			seq, _ := strconv.ParseInt(r.TradeID, 10, 64)
			out = append(out, common.StreamEvent{Type: common.DataTrades, Trade: &types.Trade{
				Exchange: "okx", Symbol: key.Symbol, TradeID: r.TradeID,
				Side: side, Price: dec(r.Px), Quantity: dec(r.Sz), Time: ms(r.Ts), Seq: seq,
			}})
		}
		return out
	case common.DataKlines:
		var rows [][]string
		if json.Unmarshal(m.Data, &rows) != nil {
			return nil
		}
		out := make([]common.StreamEvent, 0, len(rows))
		for _, row := range rows {
			if len(row) < 9 {
				continue
			}
			out = append(out, common.StreamEvent{Type: common.DataKlines, Kline: &types.Kline{
				Exchange: "okx", Symbol: key.Symbol, Interval: key.Interval,
				OpenTime: ms(row[0]), CloseTime: ms(row[0]).Add(barDuration(key.Interval)),
				Open: dec(row[1]), High: dec(row[2]), Low: dec(row[3]), Close: dec(row[4]),
				Volume: dec(row[5]), IsClosed: row[8] == "1",
			}})
		}
		return out
	}
	return nil
}

// SubscribeOrderUpdates logs into the private websocket and subscribes to
// the orders channel across spot and swap.
func (c *Connector) SubscribeOrderUpdates(ctx context.Context) (<-chan types.Order, func(), error) {
	conn, err := c.dialWS(ctx, wsPrivateURL)
	if err != nil {
		return nil, nil, err
	}

	ts := strconv.FormatInt(time.Now().Unix(), 10)
	login := wsRequest{Op: "login", Args: []wsChannel{{
		APIKey:     c.cfg.APIKey,
		Passphrase: c.cfg.Passphrase,
		Timestamp:  ts,
		Sign:       c.sign(ts + "GET" + "/users/self/verify"),
	}}}
	if err := conn.WriteJSON(login); err != nil {
		conn.Close()
		return nil, nil, common.NewError("okx", common.ErrAuth, "ws login", err)
	}

	// Await the login ack before subscribing.
	conn.SetReadDeadline(time.Now().Add(wsDialTimeout))
	_, ack, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, nil, common.NewError("okx", common.ErrAuth, "ws login", err)
	}
	var ackMsg wsMessage
	if json.Unmarshal(ack, &ackMsg) != nil || ackMsg.Code != "0" {
		conn.Close()
		return nil, nil, common.NewError("okx", common.ErrAuth, "ws login",
			fmt.Errorf("login rejected: %s", ackMsg.Msg))
	}
	conn.SetReadDeadline(time.Time{})

	if err := conn.WriteJSON(wsRequest{Op: "subscribe", Args: []wsChannel{{Channel: "orders"}}}); err != nil {
		conn.Close()
		return nil, nil, common.NewError("okx", common.ErrNetwork, "subscribe orders", err)
	}

	out := make(chan types.Order, 256)
	streamCtx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(out)
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if streamCtx.Err() == nil {
					c.log.Warn().Err(err).Msg("private stream read error")
				}
				return
			}
			var m wsMessage
			if json.Unmarshal(msg, &m) != nil || m.Arg.Channel != "orders" || len(m.Data) == 0 {
				continue
			}
			var rows []orderData
			if json.Unmarshal(m.Data, &rows) != nil {
				continue
			}
			for i := range rows {
				o, err := rows[i].toOrder()
				if err != nil {
					continue
				}
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
