package account

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/events"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/exchanges/mock"
	"tradecore/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestComposeAggregates(t *testing.T) {
	at := time.Now()
	snap := Compose("binance",
		[]types.Balance{{Asset: "USDT", Free: d("100"), Locked: d("50")}},
		[]types.Position{
			{Symbol: "BTC/USDT:USDT", Quantity: d("0.5"), AvgPrice: d("100"), MarkPrice: d("110")},
			{Symbol: "ETH/USDT:USDT", Quantity: d("-2"), AvgPrice: d("50"), MarkPrice: d("40"), UnrealizedPnl: d("21")},
		}, at)

	// total = |0.5|*110 + |-2|*40 = 55 + 80.
	assert.True(t, snap.TotalPositionValue.Equal(d("135")), "total = %s", snap.TotalPositionValue)

	// BTC derives (110-100)*0.5 = 5; ETH keeps the exchange-reported 21.
	assert.True(t, snap.Positions[0].UnrealizedPnl.Equal(d("5")))
	assert.True(t, snap.Positions[1].UnrealizedPnl.Equal(d("21")))
	assert.True(t, snap.UnrealizedPnl.Equal(d("26")))
}

func TestPollOncePublishesPair(t *testing.T) {
	bus := events.NewBus(16, events.DropOldest, zerolog.Nop())
	defer bus.Close()

	var balances, positions int
	done := make(chan struct{})
	bus.Subscribe(&events.SubscriberFunc{
		ID:     "test",
		Filter: []events.Kind{events.KindBalanceUpdate, events.KindPositionUpdate},
		Fn: func(e events.Event) {
			switch e.Kind {
			case events.KindBalanceUpdate:
				balances++
			case events.KindPositionUpdate:
				positions++
			}
			if balances == 1 && positions == 1 {
				close(done)
			}
		},
	})

	venue := mock.New("binance")
	require.NoError(t, venue.Connect(context.Background()))
	venue.SetBalances([]types.Balance{{Asset: "USDT", Free: d("1000")}})
	venue.SetPositions([]types.Position{{Symbol: "BTC/USDT:USDT", Quantity: d("1"), MarkPrice: d("50000")}})

	p := NewPoller(map[string]common.Connector{"binance": venue}, bus, nil, time.Second, zerolog.Nop())
	p.PollOnce(context.Background())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("balance/position pair never published")
	}

	latest, ok := p.Latest("binance")
	require.True(t, ok)
	assert.True(t, latest.TotalPositionValue.Equal(d("50000")))
	assert.Equal(t, 1, p.OpenPositionCount())
}

func TestDisconnectedExchangeSkipped(t *testing.T) {
	bus := events.NewBus(16, events.DropOldest, zerolog.Nop())
	defer bus.Close()

	venue := mock.New("binance") // never connected
	p := NewPoller(map[string]common.Connector{"binance": venue}, bus, nil, time.Second, zerolog.Nop())
	p.PollOnce(context.Background())

	_, ok := p.Latest("binance")
	assert.False(t, ok)
}
