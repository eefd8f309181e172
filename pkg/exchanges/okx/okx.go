// Package okx implements the Connector contract for OKX spot and
// perpetual-swap markets. Instrument ids use the venue's dash form
// (BTC-USDT, BTC-USDT-SWAP) produced by the symbol normalizer.
package okx

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

const (
	restBase      = "https://www.okx.com"
	wsPublicURL   = "wss://ws.okx.com:8443/ws/v5/public"
	wsPrivateURL  = "wss://ws.okx.com:8443/ws/v5/private"
	restTimeout   = 10 * time.Second
	placeTimeout  = 20 * time.Second
	wsDialTimeout = 15 * time.Second
)

// Config holds OKX credentials. Passphrase is the API key passphrase set at
// key creation.
type Config struct {
	APIKey     string
	APISecret  string
	Passphrase string
	Simulated  bool // demo-trading header
}

// Connector is the OKX adapter.
type Connector struct {
	cfg  Config
	rest *resty.Client
	log  zerolog.Logger

	mu        sync.Mutex
	connected bool
}

// New creates a disconnected OKX connector.
func New(cfg Config, log zerolog.Logger) *Connector {
	client := resty.New().
		SetBaseURL(restBase).
		SetTimeout(restTimeout)
	if cfg.Simulated {
		client.SetHeader("x-simulated-trading", "1")
	}
	return &Connector{
		cfg:  cfg,
		rest: client,
		log:  log.With().Str("component", "okx").Logger(),
	}
}

func (c *Connector) Name() string { return "okx" }

func (c *Connector) Connect(ctx context.Context) error {
	// Reachability probe: public time endpoint.
	var out restEnvelope[struct {
		Ts string `json:"ts"`
	}]
	resp, err := c.rest.R().SetContext(ctx).Get("/api/v5/public/time")
	if err != nil {
		return common.NewError("okx", common.ErrNetwork, "connect", err)
	}
	if resp.IsError() {
		return common.NewError("okx", common.ErrNetwork, "connect", fmt.Errorf("HTTP %d", resp.StatusCode()))
	}
	_ = json.Unmarshal(resp.Body(), &out)

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	c.log.Info().Msg("connected")
	return nil
}

func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// restEnvelope is OKX's uniform {code, msg, data} wrapper.
type restEnvelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
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

func ms(s string) time.Time {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(v)
}

func (c *Connector) get(ctx context.Context, path string, q url.Values, out any) error {
	resp, err := c.rest.R().SetContext(ctx).SetQueryParamsFromValues(q).Get(path)
	if err != nil {
		return common.NewError("okx", common.ErrNetwork, path, err)
	}
	return c.decode(resp, path, out)
}

// signedCall signs per OKX v5: HMAC-SHA256 over timestamp+method+path+body,
// base64 encoded.
func (c *Connector) signedCall(ctx context.Context, method, path string, q url.Values, body, out any) error {
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")
	fullPath := path
	if len(q) > 0 {
		fullPath += "?" + q.Encode()
	}
	var payload string
	req := c.rest.R().SetContext(ctx)
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return common.NewError("okx", common.ErrUnknown, path, err)
		}
		payload = string(raw)
		req.SetHeader("Content-Type", "application/json").SetBody(raw)
	}
	req.SetHeader("OK-ACCESS-KEY", c.cfg.APIKey).
		SetHeader("OK-ACCESS-SIGN", c.sign(ts+method+fullPath+payload)).
		SetHeader("OK-ACCESS-TIMESTAMP", ts).
		SetHeader("OK-ACCESS-PASSPHRASE", c.cfg.Passphrase)

	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.SetQueryParamsFromValues(q).Get(path)
	case "POST":
		resp, err = req.Post(path)
	default:
		return fmt.Errorf("okx: unsupported method %s", method)
	}
	if err != nil {
		return common.NewError("okx", common.ErrNetwork, path, err)
	}
	return c.decode(resp, path, out)
}

func (c *Connector) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func (c *Connector) decode(resp *resty.Response, op string, out any) error {
	if resp.IsError() {
		kind := common.ErrUnknown
		switch resp.StatusCode() {
		case 401, 403:
			kind = common.ErrAuth
		case 429:
			kind = common.ErrRateLimit
		default:
			if resp.StatusCode() >= 500 {
				kind = common.ErrNetwork
			}
		}
		return common.NewError("okx", kind, op, fmt.Errorf("HTTP %d: %s", resp.StatusCode(), resp.String()))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return common.NewError("okx", common.ErrUnknown, op, err)
	}
	return nil
}

// GetTicker fetches the market ticker.
func (c *Connector) GetTicker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error) {
	var out restEnvelope[struct {
		Last   string `json:"last"`
		BidPx  string `json:"bidPx"`
		AskPx  string `json:"askPx"`
		High24 string `json:"high24h"`
		Low24  string `json:"low24h"`
		Vol24  string `json:"vol24h"`
		Ts     string `json:"ts"`
	}]
	q := url.Values{"instId": {symbol.Normalize("okx")}}
	if err := c.get(ctx, "/api/v5/market/ticker", q, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, common.NewError("okx", common.ErrBadSymbol, "ticker", fmt.Errorf("no data for %s", symbol))
	}
	d := out.Data[0]
	return &types.Ticker{
		Exchange: "okx",
		Symbol:   symbol,
		Last:     dec(d.Last),
		Bid:      dec(d.BidPx),
		Ask:      dec(d.AskPx),
		High24h:  dec(d.High24),
		Low24h:   dec(d.Low24),
		Volume:   dec(d.Vol24),
		Time:     ms(d.Ts),
	}, nil
}

// GetOrderBook fetches a depth snapshot.
func (c *Connector) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var out restEnvelope[struct {
		Bids [][]string `json:"bids"`
		Asks [][]string `json:"asks"`
		Ts   string     `json:"ts"`
	}]
	q := url.Values{"instId": {symbol.Normalize("okx")}, "sz": {strconv.Itoa(depth)}}
	if err := c.get(ctx, "/api/v5/market/books", q, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, common.NewError("okx", common.ErrBadSymbol, "books", fmt.Errorf("no data for %s", symbol))
	}
	d := out.Data[0]
	return &types.OrderBook{
		Exchange: "okx",
		Symbol:   symbol,
		Bids:     levels(d.Bids),
		Asks:     levels(d.Asks),
		Time:     ms(d.Ts),
	}, nil
}

func levels(raw [][]string) []types.BookLevel {
	out := make([]types.BookLevel, 0, len(raw))
	for _, l := range raw {
		if len(l) < 2 {
			continue
		}
		out = append(out, types.BookLevel{Price: dec(l[0]), Quantity: dec(l[1])})
	}
	return out
}

// GetTrades fetches recent public trades.
func (c *Connector) GetTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	var out restEnvelope[struct {
		TradeID string `json:"tradeId"`
		Px      string `json:"px"`
		Sz      string `json:"sz"`
		Side    string `json:"side"`
		Ts      string `json:"ts"`
	}]
	q := url.Values{"instId": {symbol.Normalize("okx")}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/api/v5/market/trades", q, &out); err != nil {
		return nil, err
	}
	trades := make([]types.Trade, 0, len(out.Data))
	for _, d := range out.Data {
		side := types.SideBuy
		if d.Side == "sell" {
			side = types.SideSell
		}
		seq, _ := strconv.ParseInt(d.TradeID, 10, 64)
		trades = append(trades, types.Trade{
			Exchange: "okx",
			Symbol:   symbol,
			TradeID:  d.TradeID,
			Side:     side,
			Price:    dec(d.Px),
			Quantity: dec(d.Sz),
			Time:     ms(d.Ts),
			Seq:      seq,
		})
	}
	return trades, nil
}

// GetKlines fetches candle history. OKX returns newest first; the core wants
// oldest first.
func (c *Connector) GetKlines(ctx context.Context, symbol types.Symbol, interval string, start, end time.Time, limit int) ([]types.Kline, error) {
	var out restEnvelope[[]string]
	q := url.Values{"instId": {symbol.Normalize("okx")}, "bar": {interval}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !end.IsZero() {
		q.Set("after", strconv.FormatInt(end.UnixMilli(), 10))
	}
	if err := c.get(ctx, "/api/v5/market/candles", q, &out); err != nil {
		return nil, err
	}
	bars := make([]types.Kline, 0, len(out.Data))
	for i := len(out.Data) - 1; i >= 0; i-- {
		row := out.Data[i]
		if len(row) < 9 {
			continue
		}
		bars = append(bars, types.Kline{
			Exchange:  "okx",
			Symbol:    symbol,
			Interval:  interval,
			OpenTime:  ms(row[0]),
			CloseTime: ms(row[0]).Add(barDuration(interval)),
			Open:      dec(row[1]),
			High:      dec(row[2]),
			Low:       dec(row[3]),
			Close:     dec(row[4]),
			Volume:    dec(row[5]),
			IsClosed:  row[8] == "1",
		})
	}
	return bars, nil
}

func barDuration(interval string) time.Duration {
	if d, err := time.ParseDuration(interval); err == nil {
		return d
	}
	return time.Minute
}

type orderData struct {
	InstID      string `json:"instId"`
	OrdID       string `json:"ordId"`
	ClOrdID     string `json:"clOrdId"`
	Px          string `json:"px"`
	Sz          string `json:"sz"`
	Side        string `json:"side"`
	OrdType     string `json:"ordType"`
	State       string `json:"state"`
	AccFillSz   string `json:"accFillSz"`
	AvgPx       string `json:"avgPx"`
	CTime       string `json:"cTime"`
	UTime       string `json:"uTime"`
	SlTriggerPx string `json:"slTriggerPx"`
}

func (d *orderData) toOrder() (*types.Order, error) {
	symbol, err := types.SymbolFromExchange("okx", d.InstID, false)
	if err != nil {
		return nil, err
	}
	side := types.SideBuy
	if d.Side == "sell" {
		side = types.SideSell
	}
	executed := dec(d.AccFillSz)
	avg := dec(d.AvgPx)
	return &types.Order{
		ID:                      d.OrdID,
		ClientOrderID:           d.ClOrdID,
		Exchange:                "okx",
		Symbol:                  symbol,
		Side:                    side,
		Type:                    mapOrderType(d.OrdType),
		Quantity:                dec(d.Sz),
		Price:                   dec(d.Px),
		StopPrice:               dec(d.SlTriggerPx),
		Status:                  mapState(d.State),
		ExecutedQuantity:        executed,
		CumulativeQuoteQuantity: executed.Mul(avg),
		AveragePrice:            avg,
		Timestamp:               ms(d.CTime),
		UpdateTime:              ms(d.UTime),
	}, nil
}

func mapOrderType(t string) types.OrderType {
	switch t {
	case "market":
		return types.OrderTypeMarket
	case "limit":
		return types.OrderTypeLimit
	}
	return types.OrderTypeLimit
}

func mapState(s string) types.OrderStatus {
	switch s {
	case "live":
		return types.StatusNew
	case "partially_filled":
		return types.StatusPartiallyFilled
	case "filled":
		return types.StatusFilled
	case "canceled", "mmp_canceled":
		return types.StatusCanceled
	}
	return types.StatusNew
}

// GetOrder queries one order.
func (c *Connector) GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error) {
	q := url.Values{"instId": {symbol.Normalize("okx")}}
	if id != "" {
		q.Set("ordId", id)
	} else if clientOrderID != "" {
		q.Set("clOrdId", clientOrderID)
	}
	var out restEnvelope[orderData]
	if err := c.signedCall(ctx, "GET", "/api/v5/trade/order", q, nil, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, common.NewError("okx", common.ErrUnknown, "order", fmt.Errorf("order %s not found", id))
	}
	return out.Data[0].toOrder()
}

// PlaceOrder submits an order intent.
func (c *Connector) PlaceOrder(ctx context.Context, intent common.OrderIntent) (*types.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, placeTimeout)
	defer cancel()

	body := map[string]string{
		"instId":  intent.Symbol.Normalize("okx"),
		"tdMode":  tdMode(intent.Symbol),
		"side":    map[types.Side]string{types.SideBuy: "buy", types.SideSell: "sell"}[intent.Side],
		"ordType": map[bool]string{true: "market", false: "limit"}[intent.Type == types.OrderTypeMarket],
		"sz":      intent.Quantity.String(),
		"clOrdId": intent.ClientOrderID,
	}
	if intent.Type != types.OrderTypeMarket {
		body["px"] = intent.Price.String()
	}

	var out restEnvelope[struct {
		OrdID   string `json:"ordId"`
		ClOrdID string `json:"clOrdId"`
		SCode   string `json:"sCode"`
		SMsg    string `json:"sMsg"`
	}]
	if err := c.signedCall(ctx, "POST", "/api/v5/trade/order", nil, body, &out); err != nil {
		return nil, err
	}
	if len(out.Data) == 0 || out.Data[0].SCode != "0" {
		msg := out.Msg
		if len(out.Data) > 0 {
			msg = out.Data[0].SMsg
		}
		return nil, common.NewError("okx", common.ErrUnknown, "place_order", fmt.Errorf("rejected: %s", msg))
	}

	now := time.Now()
	return &types.Order{
		ID:            out.Data[0].OrdID,
		ClientOrderID: intent.ClientOrderID,
		Exchange:      "okx",
		Symbol:        intent.Symbol,
		Side:          intent.Side,
		Type:          intent.Type,
		TimeInForce:   intent.TimeInForce,
		Quantity:      intent.Quantity,
		Price:         intent.Price,
		StopPrice:     intent.StopPrice,
		Status:        types.StatusNew,
		Timestamp:     now,
		UpdateTime:    now,
	}, nil
}

func tdMode(symbol types.Symbol) string {
	if symbol.MarketType() == types.MarketPerpetual {
		return "cross"
	}
	return "cash"
}

// CancelOrder cancels a resting order.
func (c *Connector) CancelOrder(ctx context.Context, symbol types.Symbol, id string) error {
	body := map[string]string{"instId": symbol.Normalize("okx"), "ordId": id}
	var out restEnvelope[struct {
		SCode string `json:"sCode"`
		SMsg  string `json:"sMsg"`
	}]
	if err := c.signedCall(ctx, "POST", "/api/v5/trade/cancel-order", nil, body, &out); err != nil {
		return err
	}
	if len(out.Data) > 0 && out.Data[0].SCode != "0" {
		return common.NewError("okx", common.ErrUnknown, "cancel_order", fmt.Errorf("rejected: %s", out.Data[0].SMsg))
	}
	return nil
}

// GetBalances fetches the trading-account balances.
func (c *Connector) GetBalances(ctx context.Context) ([]types.Balance, error) {
	var out restEnvelope[struct {
		Details []struct {
			Ccy      string `json:"ccy"`
			AvailBal string `json:"availBal"`
			FrozenBal string `json:"frozenBal"`
		} `json:"details"`
	}]
	if err := c.signedCall(ctx, "GET", "/api/v5/account/balance", url.Values{}, nil, &out); err != nil {
		return nil, err
	}
	var balances []types.Balance
	for _, acct := range out.Data {
		for _, d := range acct.Details {
			b := types.Balance{Asset: d.Ccy, Free: dec(d.AvailBal), Locked: dec(d.FrozenBal)}
			if b.Total().IsZero() {
				continue
			}
			balances = append(balances, b)
		}
	}
	return balances, nil
}

// GetPositions fetches swap positions. Short positions come back with
// negative quantity, matching the core's sign convention.
func (c *Connector) GetPositions(ctx context.Context) ([]types.Position, error) {
	var out restEnvelope[struct {
		InstID  string `json:"instId"`
		Pos     string `json:"pos"`
		PosSide string `json:"posSide"`
		AvgPx   string `json:"avgPx"`
		MarkPx  string `json:"markPx"`
		Upl     string `json:"upl"`
		Lever   string `json:"lever"`
		UTime   string `json:"uTime"`
	}]
	q := url.Values{"instType": {"SWAP"}}
	if err := c.signedCall(ctx, "GET", "/api/v5/account/positions", q, nil, &out); err != nil {
		return nil, err
	}
	positions := make([]types.Position, 0, len(out.Data))
	for _, d := range out.Data {
		symbol, err := types.SymbolFromExchange("okx", d.InstID, true)
		if err != nil {
			continue
		}
		qty := dec(d.Pos)
		if d.PosSide == "short" && qty.Sign() > 0 {
			qty = qty.Neg()
		}
		positions = append(positions, types.Position{
			Exchange:      "okx",
			Symbol:        symbol,
			Quantity:      qty,
			AvgPrice:      dec(d.AvgPx),
			MarkPrice:     dec(d.MarkPx),
			UnrealizedPnl: dec(d.Upl),
			Leverage:      dec(d.Lever),
			UpdatedAt:     ms(d.UTime),
		})
	}
	return positions, nil
}
