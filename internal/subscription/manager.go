// Package subscription owns the upstream market-data subscriptions and
// coalesces overlapping requests: one upstream per key, shared by every
// strategy that asked for it, released when the reference count hits zero.
package subscription

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/events"
	"tradecore/internal/strategy"
	"tradecore/pkg/config"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// Method names the transport serving a key.
type Method string

const (
	MethodWebsocket Method = "websocket"
	MethodRest      Method = "rest"
	MethodAuto      Method = "auto"
)

// Backoff bounds for failing upstreams: base 500ms, cap 30s, full jitter.
const (
	backoffBase = 500 * time.Millisecond
	backoffCap  = 30 * time.Second
	failureSpan = 5 // exchange_error every N consecutive failures
)

// Key identifies one coalesced upstream subscription.
type Key struct {
	Exchange string
	Symbol   types.Symbol
	Type     common.DataType
	Interval string
	Depth    int
	Limit    int
}

type entry struct {
	refCount    int
	subscribers map[string]bool
	method      Method
	cancel      context.CancelFunc

	// dedupe for brief WS/REST overlap during recovery
	lastTime time.Time
	lastSeq  int64
	dedupeMu sync.Mutex
}

// Manager maps keys to live upstreams and tracks which strategy holds which
// key. All map mutations go through its own lock; upstream I/O runs on
// per-key goroutines.
type Manager struct {
	connectors map[string]common.Connector
	bus        *events.Bus
	intervals  config.SubscriptionsConfig
	log        zerolog.Logger

	mu      sync.Mutex
	entries map[Key]*entry
	owned   map[string][]Key // strategyID -> keys
}

// NewManager wires the subscription manager.
func NewManager(connectors map[string]common.Connector, bus *events.Bus,
	intervals config.SubscriptionsConfig, log zerolog.Logger) *Manager {
	if intervals.TickerInterval <= 0 {
		intervals.TickerInterval = time.Second
	}
	if intervals.OrderBookInterval <= 0 {
		intervals.OrderBookInterval = 500 * time.Millisecond
	}
	if intervals.TradesInterval <= 0 {
		intervals.TradesInterval = 2 * time.Second
	}
	if intervals.KlinesInterval <= 0 {
		intervals.KlinesInterval = time.Minute
	}
	return &Manager{
		connectors: connectors,
		bus:        bus,
		intervals:  intervals,
		entries:    make(map[Key]*entry),
		owned:      make(map[string][]Key),
		log:        log.With().Str("component", "subscriptions").Logger(),
	}
}

// Subscribe opens (or joins) one upstream per requested data slice.
func (m *Manager) Subscribe(ctx context.Context, strategyID string, req strategy.Requirements) error {
	for _, dr := range req.Data {
		key := Key{
			Exchange: req.Exchange,
			Symbol:   req.Symbol,
			Type:     dr.Type,
			Interval: dr.Interval,
			Depth:    dr.Depth,
			Limit:    dr.Limit,
		}
		if err := m.subscribeKey(ctx, strategyID, key, Method(dr.Method)); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) subscribeKey(ctx context.Context, strategyID string, key Key, method Method) error {
	m.mu.Lock()
	if e, ok := m.entries[key]; ok {
		e.refCount++
		e.subscribers[strategyID] = true
		m.owned[strategyID] = append(m.owned[strategyID], key)
		m.mu.Unlock()
		m.log.Debug().Interface("key", key).Int("refcount", e.refCount).Msg("joined existing upstream")
		return nil
	}
	m.mu.Unlock()

	conn, ok := m.connectors[key.Exchange]
	if !ok {
		return &common.ExchangeError{Exchange: key.Exchange, Kind: common.ErrUnknown, Op: "subscribe"}
	}

	upCtx, cancel := context.WithCancel(ctx)
	e := &entry{
		refCount:    1,
		subscribers: map[string]bool{strategyID: true},
		cancel:      cancel,
	}

	if method == "" {
		method = MethodAuto
	}
	used, err := m.open(upCtx, conn, key, e, method)
	if err != nil {
		cancel()
		return err
	}
	e.method = used

	m.mu.Lock()
	m.entries[key] = e
	m.owned[strategyID] = append(m.owned[strategyID], key)
	m.mu.Unlock()

	m.log.Info().Interface("key", key).Str("method", string(used)).Msg("upstream opened")
	return nil
}

// open establishes the upstream: websocket when supported and allowed, REST
// polling otherwise.
func (m *Manager) open(ctx context.Context, conn common.Connector, key Key, e *entry, method Method) (Method, error) {
	if method == MethodWebsocket || method == MethodAuto {
		ch, stop, err := conn.SubscribeMarketData(ctx, common.StreamKey{
			Symbol:   key.Symbol,
			Type:     key.Type,
			Interval: key.Interval,
			Depth:    key.Depth,
			Limit:    key.Limit,
		})
		if err == nil {
			go m.runStream(ctx, conn, key, e, ch, stop)
			return MethodWebsocket, nil
		}
		if method == MethodWebsocket {
			return "", err
		}
		m.log.Warn().Err(err).Interface("key", key).Msg("websocket unavailable, polling via REST")
	}
	go m.runPoller(ctx, conn, key, e)
	return MethodRest, nil
}

// runStream forwards WS events and reconnects with bounded backoff when the
// upstream drops.
func (m *Manager) runStream(ctx context.Context, conn common.Connector, key Key, e *entry,
	ch <-chan common.StreamEvent, stop func()) {
	failures := 0
	for {
		m.drain(ctx, key, e, ch, stop)
		if ctx.Err() != nil {
			return
		}

		// Stream ended while still wanted: reconnect.
		failures++
		m.reportFailures(key, failures, nil)
		if !m.sleep(ctx, failures) {
			return
		}
		var err error
		ch, stop, err = conn.SubscribeMarketData(ctx, common.StreamKey{
			Symbol:   key.Symbol,
			Type:     key.Type,
			Interval: key.Interval,
			Depth:    key.Depth,
			Limit:    key.Limit,
		})
		if err != nil {
			ch, stop = nil, nil
			continue
		}
		failures = 0
	}
}

func (m *Manager) drain(ctx context.Context, key Key, e *entry, ch <-chan common.StreamEvent, stop func()) {
	if ch == nil {
		return
	}
	defer func() {
		if stop != nil {
			stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			m.forward(key, e, ev)
		}
	}
}

// runPoller fetches REST snapshots at the configured cadence for the data
// type, with backoff on failure.
func (m *Manager) runPoller(ctx context.Context, conn common.Connector, key Key, e *entry) {
	interval := m.pollInterval(key.Type)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.pollOnce(ctx, conn, key, e); err != nil {
				failures++
				m.reportFailures(key, failures, err)
				if !m.sleep(ctx, failures) {
					return
				}
				continue
			}
			failures = 0
		}
	}
}

func (m *Manager) pollOnce(ctx context.Context, conn common.Connector, key Key, e *entry) error {
	switch key.Type {
	case common.DataTicker:
		t, err := conn.GetTicker(ctx, key.Symbol)
		if err != nil {
			return err
		}
		m.forward(key, e, common.StreamEvent{Type: common.DataTicker, Ticker: t})
	case common.DataOrderBook:
		b, err := conn.GetOrderBook(ctx, key.Symbol, key.Depth)
		if err != nil {
			return err
		}
		m.forward(key, e, common.StreamEvent{Type: common.DataOrderBook, Book: b})
	case common.DataTrades:
		trades, err := conn.GetTrades(ctx, key.Symbol, key.Limit)
		if err != nil {
			return err
		}
		for i := range trades {
			m.forward(key, e, common.StreamEvent{Type: common.DataTrades, Trade: &trades[i]})
		}
	case common.DataKlines:
		limit := key.Limit
		if limit <= 0 {
			limit = 2
		}
		bars, err := conn.GetKlines(ctx, key.Symbol, key.Interval, time.Time{}, time.Time{}, limit)
		if err != nil {
			return err
		}
		for i := range bars {
			m.forward(key, e, common.StreamEvent{Type: common.DataKlines, Kline: &bars[i]})
		}
	}
	return nil
}

// forward publishes one upstream update, deduplicating by (timestamp, seq)
// so a brief WS/REST overlap never double-fires.
func (m *Manager) forward(key Key, e *entry, ev common.StreamEvent) {
	t, seq := ev.Time(), ev.Seq()
	e.dedupeMu.Lock()
	if !t.IsZero() && t.Equal(e.lastTime) && seq == e.lastSeq {
		e.dedupeMu.Unlock()
		return
	}
	e.lastTime, e.lastSeq = t, seq
	e.dedupeMu.Unlock()

	out := events.Event{Exchange: key.Exchange, Symbol: key.Symbol, Time: t}
	switch ev.Type {
	case common.DataTicker:
		out.Kind, out.Ticker = events.KindTickerUpdate, ev.Ticker
	case common.DataOrderBook:
		out.Kind, out.Book = events.KindOrderBookUpdate, ev.Book
	case common.DataTrades:
		out.Kind, out.Trade = events.KindTradeUpdate, ev.Trade
	case common.DataKlines:
		out.Kind, out.Kline = events.KindKlineUpdate, ev.Kline
	default:
		return
	}
	m.bus.Publish(out)
}

// Unsubscribe releases every key held by the strategy; upstreams close when
// their reference count reaches zero.
func (m *Manager) Unsubscribe(strategyID string) {
	m.mu.Lock()
	keys := m.owned[strategyID]
	delete(m.owned, strategyID)

	var closing []context.CancelFunc
	for _, key := range keys {
		e, ok := m.entries[key]
		if !ok {
			continue
		}
		delete(e.subscribers, strategyID)
		e.refCount--
		if e.refCount <= 0 {
			delete(m.entries, key)
			closing = append(closing, e.cancel)
			m.log.Info().Interface("key", key).Msg("upstream released")
		}
	}
	m.mu.Unlock()

	for _, cancel := range closing {
		cancel()
	}
}

// RefCount returns the reference count for a key (0 when absent).
func (m *Manager) RefCount(key Key) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e.refCount
	}
	return 0
}

// ActiveKeys lists all live upstream keys.
func (m *Manager) ActiveKeys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		out = append(out, k)
	}
	return out
}

func (m *Manager) pollInterval(t common.DataType) time.Duration {
	switch t {
	case common.DataTicker:
		return m.intervals.TickerInterval
	case common.DataOrderBook:
		return m.intervals.OrderBookInterval
	case common.DataTrades:
		return m.intervals.TradesInterval
	case common.DataKlines:
		return m.intervals.KlinesInterval
	}
	return time.Second
}

// sleep waits one backoff step (full jitter), returning false when ctx ends.
func (m *Manager) sleep(ctx context.Context, failures int) bool {
	d := backoffBase << uint(failures-1)
	if d > backoffCap || d <= 0 {
		d = backoffCap
	}
	d = time.Duration(rand.Int63n(int64(d) + 1))
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// reportFailures emits exchange_error after every failureSpan consecutive
// failures on one key.
func (m *Manager) reportFailures(key Key, failures int, err error) {
	if failures%failureSpan != 0 {
		return
	}
	reason := "upstream closed"
	if err != nil {
		reason = err.Error()
	}
	m.log.Error().Interface("key", key).Int("consecutive_failures", failures).Msg("upstream keeps failing")
	m.bus.Publish(events.Event{
		Kind:     events.KindExchangeError,
		Exchange: key.Exchange,
		Symbol:   key.Symbol,
		Time:     time.Now(),
		Error:    &events.ErrorPayload{Kind: "subscription", Reason: reason, Retried: true},
	})
}
