// Package events implements the process-wide typed publish/subscribe hub.
//
// Delivery is at-least-once within the process. Each subscriber owns a
// bounded buffer drained by a dedicated goroutine, so handlers never block
// publishers; under back-pressure the bus drops per the configured policy
// and counts the drops. Events published from a single goroutine reach each
// subscriber in publish order; no cross-publisher ordering is promised.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tradecore/pkg/types"
)

// Overflow policies for full subscriber buffers.
const (
	DropOldest = "drop_oldest"
	DropNewest = "drop_newest"
)

// Subscriber receives events. Kinds narrows delivery; nil means all kinds.
// HandleEvent runs on the subscriber's own delivery goroutine and may block
// without affecting publishers.
type Subscriber interface {
	Name() string
	Kinds() []Kind
	HandleEvent(Event)
}

// SubscriberFunc adapts a function to the Subscriber interface.
type SubscriberFunc struct {
	ID     string
	Filter []Kind
	Fn     func(Event)
}

func (s *SubscriberFunc) Name() string       { return s.ID }
func (s *SubscriberFunc) Kinds() []Kind      { return s.Filter }
func (s *SubscriberFunc) HandleEvent(e Event) { s.Fn(e) }

// SubscriberStats exposes per-subscriber delivery counters.
type SubscriberStats struct {
	Delivered uint64
	Dropped   uint64
}

type subscription struct {
	sub       Subscriber
	kinds     map[Kind]bool // nil = all
	ch        chan Event
	delivered atomic.Uint64
	dropped   atomic.Uint64
	done      chan struct{}
}

// Bus is the typed event hub. Zero value is not usable; call NewBus.
type Bus struct {
	bufferSize int
	policy     string
	log        zerolog.Logger

	mu     sync.RWMutex
	subs   []*subscription
	closed bool
}

// NewBus creates a bus with the given per-subscriber buffer size and
// overflow policy (DropOldest or DropNewest).
func NewBus(bufferSize int, policy string, log zerolog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	if policy != DropNewest {
		policy = DropOldest
	}
	return &Bus{
		bufferSize: bufferSize,
		policy:     policy,
		log:        log.With().Str("component", "eventbus").Logger(),
	}
}

// Subscribe registers a subscriber and starts its delivery goroutine.
// The returned func unsubscribes and stops delivery.
func (b *Bus) Subscribe(sub Subscriber) func() {
	s := &subscription{
		sub:  sub,
		ch:   make(chan Event, b.bufferSize),
		done: make(chan struct{}),
	}
	if kinds := sub.Kinds(); kinds != nil {
		s.kinds = make(map[Kind]bool, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = true
		}
	}

	b.mu.Lock()
	b.subs = append(b.subs, s)
	b.mu.Unlock()

	go func() {
		for {
			select {
			case <-s.done:
				return
			case ev := <-s.ch:
				s.delivered.Add(1)
				s.sub.HandleEvent(ev)
			}
		}
	}()

	return func() { b.remove(s) }
}

func (b *Bus) remove(s *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, cur := range b.subs {
		if cur == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			close(s.done)
			return
		}
	}
}

// Publish fans the event out to every matching subscriber without blocking.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, s := range b.subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		b.offer(s, ev)
	}
}

func (b *Bus) offer(s *subscription, ev Event) {
	select {
	case s.ch <- ev:
		return
	default:
	}

	if b.policy == DropNewest {
		s.dropped.Add(1)
		return
	}

	// drop_oldest: evict one queued event, then retry once.
	select {
	case <-s.ch:
		s.dropped.Add(1)
	default:
	}
	select {
	case s.ch <- ev:
	default:
		s.dropped.Add(1)
	}
}

// Stats returns delivery counters keyed by subscriber name.
func (b *Bus) Stats() map[string]SubscriberStats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]SubscriberStats, len(b.subs))
	for _, s := range b.subs {
		out[s.sub.Name()] = SubscriberStats{
			Delivered: s.delivered.Load(),
			Dropped:   s.dropped.Load(),
		}
	}
	return out
}

// Close stops accepting publishes and detaches all subscribers.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, s := range b.subs {
		close(s.done)
	}
	b.subs = nil
}

// StatusGate suppresses duplicate order-status events. Both the exchange
// stream path and the sync poller funnel status changes through one gate,
// so each transition is visible exactly once regardless of which path saw
// it first.
type StatusGate struct {
	mu   sync.Mutex
	last map[string]types.OrderStatus
}

// NewStatusGate creates an empty gate.
func NewStatusGate() *StatusGate {
	return &StatusGate{last: make(map[string]types.OrderStatus)}
}

// Pass records the transition and reports whether it is new for the order.
// The caller emits the event only on true.
func (g *StatusGate) Pass(orderID string, status types.OrderStatus) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.last[orderID] == status {
		return false
	}
	g.last[orderID] = status
	return true
}

// Last returns the last status the gate saw for an order.
func (g *StatusGate) Last(orderID string) (types.OrderStatus, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.last[orderID]
	return s, ok
}

// Forget drops an order from the gate (explicit purge).
func (g *StatusGate) Forget(orderID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.last, orderID)
}
