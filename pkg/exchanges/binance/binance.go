// Package binance implements the Connector contract for Binance spot. REST
// calls go through resty with request signing and weight tracking; market
// and user-data streams ride one gorilla websocket per subscription.
package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"

	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

const (
	mainnetREST = "https://api.binance.com"
	testnetREST = "https://testnet.binance.vision"
	mainnetWS   = "wss://stream.binance.com:9443"
	testnetWS   = "wss://testnet.binance.vision"

	restTimeout  = 10 * time.Second
	placeTimeout = 20 * time.Second
	weightHeader = "X-Mbx-Used-Weight-1m"
)

// Config holds the connector settings.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
}

// Connector is the Binance spot adapter.
type Connector struct {
	cfg     Config
	rest    *resty.Client
	wsBase  string
	limiter *common.RateLimiter
	clock   *common.TimeSync
	log     zerolog.Logger

	mu        sync.Mutex
	connected bool
	cancel    context.CancelFunc
}

// New creates a disconnected Binance connector.
func New(cfg Config, log zerolog.Logger) *Connector {
	base, wsBase := mainnetREST, mainnetWS
	if cfg.Testnet {
		base, wsBase = testnetREST, testnetWS
	}

	rest := resty.New().
		SetBaseURL(base).
		SetTimeout(restTimeout).
		SetHeader("X-MBX-APIKEY", cfg.APIKey)

	c := &Connector{
		cfg:     cfg,
		rest:    rest,
		wsBase:  wsBase,
		limiter: common.NewRateLimiter(10, 1200, time.Minute),
		log:     log.With().Str("component", "binance").Logger(),
	}
	c.clock = common.NewTimeSync(c.serverTime, log)
	return c
}

func (c *Connector) Name() string { return "binance" }

// Connect verifies reachability and starts the clock sync loop.
func (c *Connector) Connect(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	if _, err := c.serverTime(ctx); err != nil {
		cancel()
		return common.NewError("binance", common.ErrNetwork, "connect", err)
	}
	c.clock.Start(runCtx)

	c.mu.Lock()
	c.connected = true
	c.cancel = cancel
	c.mu.Unlock()
	c.log.Info().Bool("testnet", c.cfg.Testnet).Msg("connected")
	return nil
}

// Disconnect stops background loops. Open streams end with their contexts.
func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.connected = false
	return nil
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *Connector) serverTime(ctx context.Context) (int64, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	resp, err := c.rest.R().SetContext(ctx).SetResult(&out).Get("/api/v3/time")
	if err != nil {
		return 0, err
	}
	if resp.IsError() {
		return 0, fmt.Errorf("server time: HTTP %d", resp.StatusCode())
	}
	return out.ServerTime, nil
}

// GetTicker fetches the 24h ticker snapshot.
func (c *Connector) GetTicker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error) {
	var out ticker24h
	if err := c.get(ctx, "/api/v3/ticker/24hr", url.Values{"symbol": {symbol.Normalize("binance")}}, &out); err != nil {
		return nil, err
	}
	return out.toTicker(symbol, "binance"), nil
}

// GetOrderBook fetches a depth snapshot.
func (c *Connector) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error) {
	if depth <= 0 {
		depth = 20
	}
	var out depthResponse
	q := url.Values{"symbol": {symbol.Normalize("binance")}, "limit": {strconv.Itoa(depth)}}
	if err := c.get(ctx, "/api/v3/depth", q, &out); err != nil {
		return nil, err
	}
	return out.toBook(symbol, "binance"), nil
}

// GetTrades fetches recent public trades.
func (c *Connector) GetTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []tradeResponse
	q := url.Values{"symbol": {symbol.Normalize("binance")}, "limit": {strconv.Itoa(limit)}}
	if err := c.get(ctx, "/api/v3/trades", q, &out); err != nil {
		return nil, err
	}
	trades := make([]types.Trade, len(out))
	for i := range out {
		trades[i] = out[i].toTrade(symbol, "binance")
	}
	return trades, nil
}

// GetKlines fetches candlestick history.
func (c *Connector) GetKlines(ctx context.Context, symbol types.Symbol, interval string, start, end time.Time, limit int) ([]types.Kline, error) {
	q := url.Values{"symbol": {symbol.Normalize("binance")}, "interval": {interval}}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if !start.IsZero() {
		q.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	}
	if !end.IsZero() {
		q.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	}
	var raw [][]any
	if err := c.get(ctx, "/api/v3/klines", q, &raw); err != nil {
		return nil, err
	}
	out := make([]types.Kline, 0, len(raw))
	for _, row := range raw {
		if k, ok := parseKline(row, symbol, "binance", interval); ok {
			out = append(out, k)
		}
	}
	return out, nil
}

// GetOrder queries one order by exchange id or client order id.
func (c *Connector) GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error) {
	q := url.Values{"symbol": {symbol.Normalize("binance")}}
	if id != "" {
		q.Set("orderId", id)
	} else if clientOrderID != "" {
		q.Set("origClientOrderId", clientOrderID)
	}
	var out orderResponse
	if err := c.signedCall(ctx, "GET", "/api/v3/order", q, &out); err != nil {
		return nil, err
	}
	return out.toOrder(symbol, "binance"), nil
}

// PlaceOrder submits an order intent; the extended deadline covers matching.
func (c *Connector) PlaceOrder(ctx context.Context, intent common.OrderIntent) (*types.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, placeTimeout)
	defer cancel()

	q := url.Values{
		"symbol":           {intent.Symbol.Normalize("binance")},
		"side":             {string(intent.Side)},
		"type":             {string(intent.Type)},
		"quantity":         {intent.Quantity.String()},
		"newClientOrderId": {intent.ClientOrderID},
	}
	if intent.Type != types.OrderTypeMarket {
		q.Set("price", intent.Price.String())
		tif := intent.TimeInForce
		if tif == "" {
			tif = types.TIFGTC
		}
		q.Set("timeInForce", string(tif))
	}
	if !intent.StopPrice.IsZero() {
		q.Set("stopPrice", intent.StopPrice.String())
	}

	var out orderResponse
	if err := c.signedCall(ctx, "POST", "/api/v3/order", q, &out); err != nil {
		return nil, err
	}
	return out.toOrder(intent.Symbol, "binance"), nil
}

// CancelOrder cancels a resting order.
func (c *Connector) CancelOrder(ctx context.Context, symbol types.Symbol, id string) error {
	q := url.Values{"symbol": {symbol.Normalize("binance")}, "orderId": {id}}
	var out orderResponse
	return c.signedCall(ctx, "DELETE", "/api/v3/order", q, &out)
}

// GetBalances fetches the spot account balances, skipping empty assets.
func (c *Connector) GetBalances(ctx context.Context) ([]types.Balance, error) {
	var out accountResponse
	if err := c.signedCall(ctx, "GET", "/api/v3/account", url.Values{}, &out); err != nil {
		return nil, err
	}
	balances := make([]types.Balance, 0, len(out.Balances))
	for _, b := range out.Balances {
		bal := types.Balance{Asset: b.Asset, Free: dec(b.Free), Locked: dec(b.Locked)}
		if bal.Total().IsZero() {
			continue
		}
		balances = append(balances, bal)
	}
	return balances, nil
}

// GetPositions returns nothing: spot carries no position records. Balances
// are the source of truth for spot exposure.
func (c *Connector) GetPositions(ctx context.Context) ([]types.Position, error) {
	return nil, nil
}

// get performs an unsigned REST call.
func (c *Connector) get(ctx context.Context, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.NewError("binance", common.ErrNetwork, path, err)
	}
	resp, err := c.rest.R().SetContext(ctx).SetQueryParamsFromValues(q).Get(path)
	if err != nil {
		return common.NewError("binance", common.ErrNetwork, path, err)
	}
	return c.decode(resp, path, out)
}

// signedCall performs a signed REST call: timestamp from the synced clock,
// HMAC-SHA256 signature over the query string.
func (c *Connector) signedCall(ctx context.Context, method, path string, q url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return common.NewError("binance", common.ErrNetwork, path, err)
	}

	q.Set("timestamp", strconv.FormatInt(c.clock.Now(), 10))
	q.Set("recvWindow", "5000")
	q.Set("signature", c.sign(q.Encode()))

	req := c.rest.R().SetContext(ctx).SetQueryParamsFromValues(q)
	var resp *resty.Response
	var err error
	switch method {
	case "GET":
		resp, err = req.Get(path)
	case "POST":
		resp, err = req.Post(path)
	case "DELETE":
		resp, err = req.Delete(path)
	default:
		return fmt.Errorf("binance: unsupported method %s", method)
	}
	if err != nil {
		return common.NewError("binance", common.ErrNetwork, path, err)
	}
	return c.decode(resp, path, out)
}

func (c *Connector) sign(payload string) string {
	mac := hmac.New(sha256.New, []byte(c.cfg.APISecret))
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

func (c *Connector) decode(resp *resty.Response, op string, out any) error {
	c.limiter.UpdateFromHeader(resp.Header().Get(weightHeader))

	if resp.IsError() {
		var apiErr apiError
		_ = json.Unmarshal(resp.Body(), &apiErr)
		return common.NewError("binance", classify(resp.StatusCode(), apiErr.Code), op,
			fmt.Errorf("HTTP %d: %s", resp.StatusCode(), apiErr.Msg))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return common.NewError("binance", common.ErrUnknown, op, err)
	}
	return nil
}

// classify maps HTTP/venue error codes to the core taxonomy.
func classify(status, code int) common.ErrorKind {
	switch {
	case status == 401 || status == 403 || code == -2014 || code == -1022:
		return common.ErrAuth
	case status == 418 || status == 429 || code == -1003:
		return common.ErrRateLimit
	case code == -1121: // invalid symbol
		return common.ErrBadSymbol
	case status >= 500:
		return common.ErrNetwork
	}
	return common.ErrUnknown
}
