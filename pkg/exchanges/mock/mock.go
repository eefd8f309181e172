// Package mock provides a scriptable in-memory connector used by the
// engine's dry-run mode and the test suite. Market data and order
// transitions are injected by the caller; nothing leaves the process.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// Connector is the scriptable venue. Zero value is unusable; call New.
type Connector struct {
	name string

	mu        sync.Mutex
	connected bool
	orders    map[string]*types.Order // by exchange id
	byClient  map[string]string       // clientOrderID -> id
	balances  []types.Balance
	positions []types.Position
	klines    map[string][]types.Kline // symbol|interval
	tickers   map[types.Symbol]*types.Ticker
	books     map[types.Symbol]*types.OrderBook
	trades    map[types.Symbol][]types.Trade
	nextID    int

	streams      []chan common.StreamEvent
	streamKeys   []common.StreamKey
	orderStreams []chan types.Order

	// placeHook, installed with SetPlaceHook, runs on every placed order.
	// PlaceOrder acks orders as NEW; tests drive later transitions through
	// Transition.
	placeHook func(*types.Order)
}

// New creates a disconnected mock venue.
func New(name string) *Connector {
	return &Connector{
		name:     name,
		orders:   make(map[string]*types.Order),
		byClient: make(map[string]string),
		klines:   make(map[string][]types.Kline),
		tickers:  make(map[types.Symbol]*types.Ticker),
		books:    make(map[types.Symbol]*types.OrderBook),
		trades:   make(map[types.Symbol][]types.Trade),
	}
}

func (c *Connector) Name() string { return c.name }

func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = true
	return nil
}

func (c *Connector) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	for _, ch := range c.streams {
		if ch != nil {
			close(ch)
		}
	}
	for _, ch := range c.orderStreams {
		close(ch)
	}
	c.streams, c.streamKeys, c.orderStreams = nil, nil, nil
	return nil
}

func (c *Connector) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// SetPlaceHook installs a callback run on every placed order, letting tests
// script the venue's immediate response.
func (c *Connector) SetPlaceHook(fn func(*types.Order)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.placeHook = fn
}

// SubscribeMarketData registers a stream for the key. Events arrive via the
// Push* methods.
func (c *Connector) SubscribeMarketData(ctx context.Context, key common.StreamKey) (<-chan common.StreamEvent, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, common.NewError(c.name, common.ErrNetwork, "subscribe", fmt.Errorf("not connected"))
	}
	ch := make(chan common.StreamEvent, 256)
	c.streams = append(c.streams, ch)
	c.streamKeys = append(c.streamKeys, key)
	idx := len(c.streams) - 1
	cancel := func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if idx < len(c.streams) && c.streams[idx] == ch {
			close(ch)
			c.streams[idx] = nil
		}
	}
	return ch, cancel, nil
}

// SubscribeOrderUpdates registers the account order stream.
func (c *Connector) SubscribeOrderUpdates(ctx context.Context) (<-chan types.Order, func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return nil, nil, common.NewError(c.name, common.ErrNetwork, "subscribe_orders", fmt.Errorf("not connected"))
	}
	ch := make(chan types.Order, 256)
	c.orderStreams = append(c.orderStreams, ch)
	return ch, func() {}, nil
}

// PlaceOrder acks the intent as NEW with a fresh exchange id.
func (c *Connector) PlaceOrder(ctx context.Context, intent common.OrderIntent) (*types.Order, error) {
	c.mu.Lock()
	if !c.connected {
		c.mu.Unlock()
		return nil, common.NewError(c.name, common.ErrNetwork, "place_order", fmt.Errorf("not connected"))
	}
	c.nextID++
	now := time.Now()
	o := &types.Order{
		ID:            fmt.Sprintf("%s-%d", c.name, c.nextID),
		ClientOrderID: intent.ClientOrderID,
		Exchange:      c.name,
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
	}
	c.orders[o.ID] = o
	c.byClient[o.ClientOrderID] = o.ID
	hook := c.placeHook
	c.mu.Unlock()

	if hook != nil {
		hook(o)
	}
	return o.Clone(), nil
}

// CancelOrder transitions a resting order to CANCELED and streams it.
func (c *Connector) CancelOrder(ctx context.Context, symbol types.Symbol, id string) error {
	c.mu.Lock()
	o, ok := c.orders[id]
	if !ok {
		c.mu.Unlock()
		return common.NewError(c.name, common.ErrUnknown, "cancel_order", fmt.Errorf("order %s not found", id))
	}
	if o.Status.IsTerminal() {
		c.mu.Unlock()
		return nil
	}
	o.Status = types.StatusCanceled
	o.UpdateTime = time.Now()
	cp := o.Clone()
	c.mu.Unlock()

	c.streamOrder(*cp, false)
	return nil
}

// GetOrder returns the venue's current record.
func (c *Connector) GetOrder(ctx context.Context, symbol types.Symbol, id, clientOrderID string) (*types.Order, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if o, ok := c.orders[id]; ok {
		return o.Clone(), nil
	}
	if real, ok := c.byClient[clientOrderID]; ok {
		return c.orders[real].Clone(), nil
	}
	return nil, common.NewError(c.name, common.ErrUnknown, "get_order", fmt.Errorf("order %s not found", id))
}

func (c *Connector) GetBalances(ctx context.Context) ([]types.Balance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Balance, len(c.balances))
	copy(out, c.balances)
	return out, nil
}

func (c *Connector) GetPositions(ctx context.Context) ([]types.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.Position, len(c.positions))
	copy(out, c.positions)
	return out, nil
}

func (c *Connector) GetKlines(ctx context.Context, symbol types.Symbol, interval string, start, end time.Time, limit int) ([]types.Kline, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	bars := c.klines[string(symbol)+"|"+interval]
	if limit > 0 && len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	out := make([]types.Kline, len(bars))
	copy(out, bars)
	return out, nil
}

func (c *Connector) GetTicker(ctx context.Context, symbol types.Symbol) (*types.Ticker, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.tickers[symbol]; ok {
		cp := *t
		return &cp, nil
	}
	return nil, common.NewError(c.name, common.ErrBadSymbol, "get_ticker", fmt.Errorf("no ticker for %s", symbol))
}

func (c *Connector) GetOrderBook(ctx context.Context, symbol types.Symbol, depth int) (*types.OrderBook, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if b, ok := c.books[symbol]; ok {
		cp := *b
		return &cp, nil
	}
	return nil, common.NewError(c.name, common.ErrBadSymbol, "get_orderbook", fmt.Errorf("no book for %s", symbol))
}

func (c *Connector) GetTrades(ctx context.Context, symbol types.Symbol, limit int) ([]types.Trade, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	trades := c.trades[symbol]
	if limit > 0 && len(trades) > limit {
		trades = trades[len(trades)-limit:]
	}
	out := make([]types.Trade, len(trades))
	copy(out, trades)
	return out, nil
}

// --- scripting surface ---

// SetBalances installs the balances returned by GetBalances.
func (c *Connector) SetBalances(b []types.Balance) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances = b
}

// SetPositions installs the positions returned by GetPositions.
func (c *Connector) SetPositions(p []types.Position) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positions = p
}

// SeedKlines installs kline history served by GetKlines.
func (c *Connector) SeedKlines(symbol types.Symbol, interval string, bars []types.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.klines[string(symbol)+"|"+interval] = bars
}

// PushTicker streams a ticker to every matching subscription and records it
// for REST polls.
func (c *Connector) PushTicker(t types.Ticker) {
	t.Exchange = c.name
	c.mu.Lock()
	cp := t
	c.tickers[t.Symbol] = &cp
	c.mu.Unlock()
	c.push(common.StreamEvent{Type: common.DataTicker, Ticker: &t}, t.Symbol)
}

// PushKline streams a kline.
func (c *Connector) PushKline(k types.Kline) {
	k.Exchange = c.name
	c.push(common.StreamEvent{Type: common.DataKlines, Kline: &k}, k.Symbol)
}

// PushTrade streams a public trade.
func (c *Connector) PushTrade(t types.Trade) {
	t.Exchange = c.name
	c.mu.Lock()
	c.trades[t.Symbol] = append(c.trades[t.Symbol], t)
	c.mu.Unlock()
	c.push(common.StreamEvent{Type: common.DataTrades, Trade: &t}, t.Symbol)
}

// PushBook streams a depth snapshot.
func (c *Connector) PushBook(b types.OrderBook) {
	b.Exchange = c.name
	c.mu.Lock()
	cp := b
	c.books[b.Symbol] = &cp
	c.mu.Unlock()
	c.push(common.StreamEvent{Type: common.DataOrderBook, Book: &b}, b.Symbol)
}

func (c *Connector) push(ev common.StreamEvent, symbol types.Symbol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, ch := range c.streams {
		if ch == nil {
			continue
		}
		key := c.streamKeys[i]
		if key.Symbol != symbol || key.Type != ev.Type {
			continue
		}
		select {
		case ch <- ev:
		default:
		}
	}
}

// Transition scripts an order status change on the venue. suppressStream
// skips the push update, simulating a dropped websocket message so the sync
// path has something to find.
func (c *Connector) Transition(id string, status types.OrderStatus, executed, avgPrice decimal.Decimal, suppressStream bool) error {
	c.mu.Lock()
	o, ok := c.orders[id]
	if !ok {
		if real, found := c.byClient[id]; found {
			o, ok = c.orders[real], true
		}
	}
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("mock: order %s not found", id)
	}
	o.Status = status
	o.ExecutedQuantity = executed
	o.AveragePrice = avgPrice
	o.CumulativeQuoteQuantity = executed.Mul(avgPrice)
	o.UpdateTime = time.Now()
	cp := o.Clone()
	c.mu.Unlock()

	c.streamOrder(*cp, suppressStream)
	return nil
}

func (c *Connector) streamOrder(o types.Order, suppress bool) {
	if suppress {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.orderStreams {
		select {
		case ch <- o:
		default:
		}
	}
}
