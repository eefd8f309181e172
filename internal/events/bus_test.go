package events

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/pkg/types"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	filter []Kind
	block  chan struct{} // when set, handlers block until closed
}

func (c *collector) Name() string  { return "collector" }
func (c *collector) Kinds() []Kind { return c.filter }
func (c *collector) HandleEvent(e Event) {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	c.events = append(c.events, e)
	c.mu.Unlock()
}

func (c *collector) snapshot() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

func TestPublishDeliversInOrder(t *testing.T) {
	bus := NewBus(16, DropOldest, zerolog.Nop())
	defer bus.Close()

	c := &collector{}
	bus.Subscribe(c)

	for i := 0; i < 5; i++ {
		bus.Publish(Event{Kind: KindTickerUpdate, Exchange: "binance", StrategyID: string(rune('a' + i)), Time: time.Now()})
	}

	require.Eventually(t, func() bool { return len(c.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	// Per-publisher FIFO: single goroutine published, order preserved.
	for i, ev := range c.snapshot() {
		assert.Equal(t, KindTickerUpdate, ev.Kind, "event %d", i)
		assert.Equal(t, string(rune('a'+i)), ev.StrategyID, "event %d", i)
	}
}

func TestKindFilter(t *testing.T) {
	bus := NewBus(16, DropOldest, zerolog.Nop())
	defer bus.Close()

	c := &collector{filter: []Kind{KindOrderFilled}}
	bus.Subscribe(c)

	bus.Publish(Event{Kind: KindTickerUpdate})
	bus.Publish(Event{Kind: KindOrderFilled})
	bus.Publish(Event{Kind: KindOrderCreated})

	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, KindOrderFilled, c.snapshot()[0].Kind)
}

func TestDropOldestUnderBackpressure(t *testing.T) {
	bus := NewBus(2, DropOldest, zerolog.Nop())
	defer bus.Close()

	c := &collector{block: make(chan struct{})}
	bus.Subscribe(c)

	// One event enters the handler and blocks; the buffer holds two; the
	// rest force drop-oldest evictions.
	for i := 0; i < 10; i++ {
		bus.Publish(Event{Kind: KindTickerUpdate})
	}

	require.Eventually(t, func() bool {
		st := bus.Stats()["collector"]
		return st.Dropped > 0
	}, time.Second, 5*time.Millisecond)

	close(c.block)
	require.Eventually(t, func() bool {
		st := bus.Stats()["collector"]
		return st.Delivered+st.Dropped >= 9 // publisher never blocked
	}, time.Second, 5*time.Millisecond)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus(16, DropOldest, zerolog.Nop())
	defer bus.Close()

	c := &collector{}
	unsub := bus.Subscribe(c)
	bus.Publish(Event{Kind: KindTickerUpdate})
	require.Eventually(t, func() bool { return len(c.snapshot()) == 1 }, time.Second, 5*time.Millisecond)

	unsub()
	bus.Publish(Event{Kind: KindTickerUpdate})
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.snapshot(), 1)
}

func TestStatusGateSuppressesDuplicates(t *testing.T) {
	g := NewStatusGate()

	assert.True(t, g.Pass("o1", types.StatusNew))
	assert.False(t, g.Pass("o1", types.StatusNew), "same status must not pass twice")
	assert.True(t, g.Pass("o1", types.StatusPartiallyFilled))
	assert.True(t, g.Pass("o1", types.StatusFilled))
	assert.False(t, g.Pass("o1", types.StatusFilled))

	// Independent per order.
	assert.True(t, g.Pass("o2", types.StatusNew))

	g.Forget("o1")
	assert.True(t, g.Pass("o1", types.StatusFilled), "forgotten orders start fresh")
}

func TestKindForStatus(t *testing.T) {
	tests := []struct {
		status types.OrderStatus
		want   Kind
	}{
		{types.StatusNew, KindOrderCreated},
		{types.StatusPartiallyFilled, KindOrderPartiallyFilled},
		{types.StatusFilled, KindOrderFilled},
		{types.StatusCanceled, KindOrderCancelled},
		{types.StatusExpired, KindOrderCancelled},
		{types.StatusRejected, KindOrderRejected},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, KindForStatus(tt.status))
	}
}
