package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/events"
	"tradecore/internal/strategy"
	"tradecore/pkg/config"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/exchanges/mock"
	"tradecore/pkg/types"
)

func newFixture(t *testing.T) (*Manager, *mock.Connector, *events.Bus) {
	t.Helper()
	bus := events.NewBus(64, events.DropOldest, zerolog.Nop())
	t.Cleanup(bus.Close)
	venue := mock.New("binance")
	require.NoError(t, venue.Connect(context.Background()))
	m := NewManager(map[string]common.Connector{"binance": venue}, bus,
		config.SubscriptionsConfig{}, zerolog.Nop())
	return m, venue, bus
}

func tickerReq() strategy.Requirements {
	return strategy.Requirements{
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Data:     []strategy.DataRequest{{Type: common.DataTicker}},
	}
}

// Two strategies subscribing to the same key share one upstream; the
// upstream closes only when the last one unsubscribes.
func TestRefcountCoalescing(t *testing.T) {
	m, _, _ := newFixture(t)
	ctx := context.Background()

	require.NoError(t, m.Subscribe(ctx, "strat-a", tickerReq()))
	require.NoError(t, m.Subscribe(ctx, "strat-b", tickerReq()))

	key := Key{Exchange: "binance", Symbol: "BTC/USDT", Type: common.DataTicker}
	assert.Equal(t, 2, m.RefCount(key))
	assert.Len(t, m.ActiveKeys(), 1, "one upstream for both strategies")

	m.Unsubscribe("strat-a")
	assert.Equal(t, 1, m.RefCount(key))
	assert.Len(t, m.ActiveKeys(), 1)

	m.Unsubscribe("strat-b")
	assert.Equal(t, 0, m.RefCount(key))
	assert.Empty(t, m.ActiveKeys())
}

func TestRefcountNeverNegative(t *testing.T) {
	m, _, _ := newFixture(t)
	require.NoError(t, m.Subscribe(context.Background(), "strat-a", tickerReq()))

	m.Unsubscribe("strat-a")
	m.Unsubscribe("strat-a") // double release must be harmless

	key := Key{Exchange: "binance", Symbol: "BTC/USDT", Type: common.DataTicker}
	assert.Equal(t, 0, m.RefCount(key))
}

func TestStreamEventsReachBus(t *testing.T) {
	m, venue, bus := newFixture(t)
	ctx := context.Background()

	var got []events.Event
	done := make(chan struct{})
	bus.Subscribe(&events.SubscriberFunc{
		ID:     "test",
		Filter: []events.Kind{events.KindTickerUpdate},
		Fn: func(e events.Event) {
			got = append(got, e)
			if len(got) == 1 {
				close(done)
			}
		},
	})

	require.NoError(t, m.Subscribe(ctx, "strat-a", tickerReq()))
	venue.PushTicker(types.Ticker{
		Symbol: "BTC/USDT",
		Last:   decimal.RequireFromString("50000"),
		Time:   time.Now(),
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker never reached the bus")
	}
	assert.Equal(t, "binance", got[0].Exchange)
	assert.True(t, got[0].Ticker.Last.Equal(decimal.RequireFromString("50000")))
}

// Identical (timestamp, seq) pairs are deduplicated when WS and REST
// briefly overlap.
func TestOverlapDedupe(t *testing.T) {
	m, _, bus := newFixture(t)

	count := 0
	bus.Subscribe(&events.SubscriberFunc{
		ID:     "test",
		Filter: []events.Kind{events.KindTickerUpdate},
		Fn:     func(events.Event) { count++ },
	})

	at := time.Now()
	e := &entry{}
	key := Key{Exchange: "binance", Symbol: "BTC/USDT", Type: common.DataTicker}
	tick := &types.Ticker{Symbol: "BTC/USDT", Last: decimal.New(5, 4), Time: at, Seq: 7}
	m.forward(key, e, common.StreamEvent{Type: common.DataTicker, Ticker: tick})
	m.forward(key, e, common.StreamEvent{Type: common.DataTicker, Ticker: tick})

	require.Eventually(t, func() bool { return count >= 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, count)
}

func TestUnknownExchangeFails(t *testing.T) {
	m, _, _ := newFixture(t)
	req := tickerReq()
	req.Exchange = "kraken"
	err := m.Subscribe(context.Background(), "strat-a", req)
	require.Error(t, err)
	var exErr *common.ExchangeError
	require.ErrorAs(t, err, &exErr)
}
