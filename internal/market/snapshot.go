// Package market maintains the rolling market-data state the Strategy
// Runtime reads: latest ticker, top-of-book depth, recent trades and klines
// per interval, kept in fixed-capacity rings.
package market

import (
	"sync"
	"time"

	"tradecore/internal/events"
	"tradecore/pkg/ring"
	"tradecore/pkg/types"
)

// Defaults for rolling window sizes.
const (
	DefaultTradeWindow = 100
	DefaultKlineWindow = 500
	DefaultBookDepth   = 20
)

// Data is the curated snapshot handed to Strategy.Analyze: immutable copies,
// never shared mutable state.
type Data struct {
	Exchange string
	Symbol   types.Symbol
	Time     time.Time

	Ticker *types.Ticker
	Book   *types.OrderBook
	Trades []types.Trade
	Klines map[string][]types.Kline // interval -> bars, oldest first

	// OrderEvent carries the order-update context when the dispatch was
	// triggered by one of this strategy's orders rather than market data.
	OrderEvent *types.Order
}

// ClosedKlines filters to finished bars for an interval.
func (d *Data) ClosedKlines(interval string) []types.Kline {
	bars := d.Klines[interval]
	out := make([]types.Kline, 0, len(bars))
	for _, k := range bars {
		if k.IsClosed {
			out = append(out, k)
		}
	}
	return out
}

type slot struct {
	ticker *types.Ticker
	book   *types.OrderBook
	trades *ring.Ring[types.Trade]
	klines map[string]*ring.Ring[types.Kline]
}

// Cache aggregates bus market-data events per (exchange, symbol).
type Cache struct {
	mu          sync.RWMutex
	slots       map[string]*slot
	tradeWindow int
	klineWindow int
}

// NewCache creates an empty cache with the given window sizes (zero values
// take the defaults).
func NewCache(tradeWindow, klineWindow int) *Cache {
	if tradeWindow <= 0 {
		tradeWindow = DefaultTradeWindow
	}
	if klineWindow <= 0 {
		klineWindow = DefaultKlineWindow
	}
	return &Cache{
		slots:       make(map[string]*slot),
		tradeWindow: tradeWindow,
		klineWindow: klineWindow,
	}
}

func key(exchange string, symbol types.Symbol) string {
	return exchange + "|" + string(symbol)
}

func (c *Cache) slotFor(exchange string, symbol types.Symbol) *slot {
	k := key(exchange, symbol)
	s, ok := c.slots[k]
	if !ok {
		s = &slot{
			trades: ring.New[types.Trade](c.tradeWindow),
			klines: make(map[string]*ring.Ring[types.Kline]),
		}
		c.slots[k] = s
	}
	return s
}

// Apply folds one bus event into the cache. Non-market events are ignored.
func (c *Cache) Apply(ev events.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch ev.Kind {
	case events.KindTickerUpdate:
		c.slotFor(ev.Exchange, ev.Symbol).ticker = ev.Ticker
	case events.KindOrderBookUpdate:
		c.slotFor(ev.Exchange, ev.Symbol).book = ev.Book
	case events.KindTradeUpdate:
		c.slotFor(ev.Exchange, ev.Symbol).trades.Push(*ev.Trade)
	case events.KindKlineUpdate:
		s := c.slotFor(ev.Exchange, ev.Symbol)
		r, ok := s.klines[ev.Kline.Interval]
		if !ok {
			r = ring.New[types.Kline](c.klineWindow)
			s.klines[ev.Kline.Interval] = r
		}
		// A forming bar replaces the previous forming bar for the same
		// open time; a closed bar is appended once.
		if last, ok := r.Newest(); ok && last.OpenTime.Equal(ev.Kline.OpenTime) {
			if !last.IsClosed {
				replaceNewest(r, *ev.Kline)
			}
			return
		}
		r.Push(*ev.Kline)
	}
}

func replaceNewest(r *ring.Ring[types.Kline], k types.Kline) {
	items := r.Items()
	items[len(items)-1] = k
	fresh := ring.New[types.Kline](r.Cap())
	for _, it := range items {
		fresh.Push(it)
	}
	*r = *fresh
}

// SeedKlines preloads history (e.g. the initial-data fetch priming
// indicators) before live updates arrive.
func (c *Cache) SeedKlines(exchange string, symbol types.Symbol, interval string, bars []types.Kline) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.slotFor(exchange, symbol)
	r, ok := s.klines[interval]
	if !ok {
		r = ring.New[types.Kline](c.klineWindow)
		s.klines[interval] = r
	}
	for _, k := range bars {
		r.Push(k)
	}
}

// Snapshot composes an immutable Data view for one (exchange, symbol):
// latest ticker, top-N book levels, the last trades, and the last klines
// per requested interval.
func (c *Cache) Snapshot(exchange string, symbol types.Symbol, intervals []string, depth, tradeN, klineN int) *Data {
	if depth <= 0 {
		depth = DefaultBookDepth
	}
	if tradeN <= 0 {
		tradeN = c.tradeWindow
	}
	if klineN <= 0 {
		klineN = c.klineWindow
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	d := &Data{
		Exchange: exchange,
		Symbol:   symbol,
		Time:     time.Now(),
		Klines:   make(map[string][]types.Kline, len(intervals)),
	}
	s, ok := c.slots[key(exchange, symbol)]
	if !ok {
		return d
	}

	if s.ticker != nil {
		t := *s.ticker
		d.Ticker = &t
	}
	if s.book != nil {
		b := types.OrderBook{
			Exchange: s.book.Exchange,
			Symbol:   s.book.Symbol,
			Time:     s.book.Time,
			Seq:      s.book.Seq,
		}
		b.Bids = append(b.Bids, topN(s.book.Bids, depth)...)
		b.Asks = append(b.Asks, topN(s.book.Asks, depth)...)
		d.Book = &b
	}
	d.Trades = s.trades.Last(tradeN)
	for _, iv := range intervals {
		if r, ok := s.klines[iv]; ok {
			d.Klines[iv] = r.Last(klineN)
		}
	}
	return d
}

func topN(levels []types.BookLevel, n int) []types.BookLevel {
	if len(levels) > n {
		levels = levels[:n]
	}
	out := make([]types.BookLevel, len(levels))
	copy(out, levels)
	return out
}
