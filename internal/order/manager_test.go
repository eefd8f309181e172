package order

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/events"
	"tradecore/pkg/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

type eventSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *eventSink) Name() string         { return "sink" }
func (s *eventSink) Kinds() []events.Kind { return nil }
func (s *eventSink) HandleEvent(e events.Event) {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
}

func (s *eventSink) byKind(k events.Kind) []events.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []events.Event
	for _, e := range s.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T) (*Manager, *eventSink) {
	t.Helper()
	bus := events.NewBus(64, events.DropOldest, zerolog.Nop())
	t.Cleanup(bus.Close)
	sink := &eventSink{}
	bus.Subscribe(sink)
	return NewManager(bus, events.NewStatusGate(), nil, zerolog.Nop()), sink
}

func limitOrder(id string, qty, price string) *types.Order {
	now := time.Now()
	return &types.Order{
		ID:            id,
		ClientOrderID: "c-" + id,
		Exchange:      "binance",
		Symbol:        "BTC/USDT",
		Side:          types.SideBuy,
		Type:          types.OrderTypeLimit,
		TimeInForce:   types.TIFGTC,
		Quantity:      d(qty),
		Price:         d(price),
		Status:        types.StatusNew,
		Timestamp:     now,
		UpdateTime:    now,
	}
}

func TestAddOrderIndexesAndEmits(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "0.01", "50200")))

	got, ok := m.GetOrder("o1")
	require.True(t, ok)
	assert.Equal(t, types.StatusNew, got.Status)

	// Lookup by client order id resolves too.
	_, ok = m.GetOrder("c-o1")
	assert.True(t, ok)

	assert.Len(t, m.OrdersBySymbol("BTC/USDT"), 1)
	assert.Len(t, m.OrdersByStatus(types.StatusNew), 1)
	assert.Len(t, m.OpenOrders(), 1)

	require.Eventually(t, func() bool {
		return len(sink.byKind(events.KindOrderCreated)) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestUpdateMovesStatusIndexes(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "0.01", "50200")))

	partial := types.StatusPartiallyFilled
	exec := d("0.005")
	_, err := m.UpdateOrder(ctx, "o1", Patch{Status: &partial, ExecutedQuantity: &exec})
	require.NoError(t, err)

	assert.Empty(t, m.OrdersByStatus(types.StatusNew))
	assert.Len(t, m.OrdersByStatus(types.StatusPartiallyFilled), 1)
	assert.Len(t, m.OpenOrders(), 1)
}

func TestTerminalAbsorbing(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "0.01", "50200")))

	filled := types.StatusFilled
	exec := d("0.01")
	avg := d("50198")
	_, err := m.UpdateOrder(ctx, "o1", Patch{Status: &filled, ExecutedQuantity: &exec, AveragePrice: &avg})
	require.NoError(t, err)

	// A CANCELED after FILLED must be rejected.
	canceled := types.StatusCanceled
	_, err = m.UpdateOrder(ctx, "o1", Patch{Status: &canceled})
	var terminal *ErrTerminal
	require.ErrorAs(t, err, &terminal)

	got, _ := m.GetOrder("o1")
	assert.Equal(t, types.StatusFilled, got.Status)

	require.Eventually(t, func() bool {
		return len(sink.byKind(events.KindOrderFilled)) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Empty(t, sink.byKind(events.KindOrderCancelled))
}

func TestMonotoneUpdateTime(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	o := limitOrder("o1", "0.01", "50200")
	o.UpdateTime = time.Now()
	require.NoError(t, m.AddOrder(ctx, o))

	partial := types.StatusPartiallyFilled
	exec := d("0.001")
	_, err := m.UpdateOrder(ctx, "o1", Patch{
		Status:           &partial,
		ExecutedQuantity: &exec,
		UpdateTime:       o.UpdateTime.Add(-time.Minute),
	})
	require.Error(t, err, "stale update must be rejected")
}

func TestExecutedAboveQuantityIsInvariantViolation(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "0.01", "50200")))

	exec := d("0.02")
	_, err := m.UpdateOrder(ctx, "o1", Patch{ExecutedQuantity: &exec})
	var inv *InvariantViolation
	require.ErrorAs(t, err, &inv)
}

func TestFilledRequiresFullExecution(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "0.01", "50200")))

	filled := types.StatusFilled
	exec := d("0.005")
	_, err := m.UpdateOrder(ctx, "o1", Patch{Status: &filled, ExecutedQuantity: &exec})
	var inv *InvariantViolation
	require.ErrorAs(t, err, &inv)
}

func TestExactlyOneEventPerTransition(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "0.01", "50200")))

	// The same FILLED record arrives twice (stream echo + sync pass).
	ex := limitOrder("o1", "0.01", "50200")
	ex.Status = types.StatusFilled
	ex.ExecutedQuantity = d("0.01")
	ex.AveragePrice = d("50198")
	ex.UpdateTime = time.Now().Add(time.Second)
	require.NoError(t, m.ApplyExchangeOrder(ctx, ex))
	require.NoError(t, m.ApplyExchangeOrder(ctx, ex.Clone()))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, sink.byKind(events.KindOrderFilled), 1)
}

func TestOpenQuantityAndVWAP(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	o1 := limitOrder("o1", "1", "100")
	require.NoError(t, m.AddOrder(ctx, o1))
	o2 := limitOrder("o2", "2", "110")
	require.NoError(t, m.AddOrder(ctx, o2))

	assert.True(t, m.OpenQuantity("BTC/USDT", types.SideBuy).Equal(d("3")))

	// Fill o1 fully at 100, o2 half at 110.
	filled := types.StatusFilled
	exec1, avg1 := d("1"), d("100")
	_, err := m.UpdateOrder(ctx, "o1", Patch{Status: &filled, ExecutedQuantity: &exec1, AveragePrice: &avg1})
	require.NoError(t, err)
	partial := types.StatusPartiallyFilled
	exec2, avg2 := d("1"), d("110")
	_, err = m.UpdateOrder(ctx, "o2", Patch{Status: &partial, ExecutedQuantity: &exec2, AveragePrice: &avg2})
	require.NoError(t, err)

	// Open quantity: only o2's remaining 1.
	assert.True(t, m.OpenQuantity("BTC/USDT", types.SideBuy).Equal(d("1")))
	// VWAP over 1@100 + 1@110 = 105.
	assert.True(t, m.AverageFillPrice("BTC/USDT", types.SideBuy).Equal(d("105")))
}

func TestCancelAllOrders(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "1", "100")))
	o2 := limitOrder("o2", "1", "100")
	o2.Symbol = "ETH/USDT"
	require.NoError(t, m.AddOrder(ctx, o2))

	canceled := m.CancelAllOrders(ctx, "BTC/USDT")
	assert.Len(t, canceled, 1)
	assert.Len(t, m.OpenOrders(), 1)

	canceled = m.CancelAllOrders(ctx, "")
	assert.Len(t, canceled, 1)
	assert.Empty(t, m.OpenOrders())
}

func TestRemoveOrderPurges(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	require.NoError(t, m.AddOrder(ctx, limitOrder("o1", "1", "100")))
	require.NoError(t, m.RemoveOrder(ctx, "o1"))

	_, ok := m.GetOrder("o1")
	assert.False(t, ok)
	assert.Empty(t, m.OrdersBySymbol("BTC/USDT"))

	var unknown *ErrUnknownOrder
	assert.ErrorAs(t, m.RemoveOrder(ctx, "o1"), &unknown)
}

func TestApplyExchangeOrderInsertsUnknown(t *testing.T) {
	m, sink := newTestManager(t)
	ctx := context.Background()

	ex := limitOrder("exch-9", "0.5", "99")
	require.NoError(t, m.ApplyExchangeOrder(ctx, ex))

	_, ok := m.GetOrder("exch-9")
	assert.True(t, ok)
	require.Eventually(t, func() bool {
		return len(sink.byKind(events.KindOrderCreated)) == 1
	}, time.Second, 5*time.Millisecond)
}
