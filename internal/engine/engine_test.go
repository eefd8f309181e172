package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/events"
	"tradecore/internal/market"
	"tradecore/internal/strategy"
	"tradecore/pkg/config"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/exchanges/mock"
	"tradecore/pkg/types"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scripted buys a fixed quantity at a fixed limit price the first time the
// ticker reaches its trigger.
type scripted struct {
	id       string
	req      strategy.Requirements
	trigger  decimal.Decimal
	qty      decimal.Decimal
	price    decimal.Decimal
	mu       sync.Mutex
	bought   bool
	position decimal.Decimal
	avg      decimal.Decimal
}

func (s *scripted) ID() string { return s.id }
func (s *scripted) Requirements() strategy.Requirements {
	req := s.req
	req.Data = []strategy.DataRequest{{Type: common.DataTicker}}
	return req
}
func (s *scripted) Initialize(map[string]any) error { return nil }

func (s *scripted) Analyze(data *market.Data) (*strategy.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bought || data.Ticker == nil || data.Ticker.Last.LessThan(s.trigger) {
		return &strategy.Result{Action: strategy.ActionHold}, nil
	}
	s.bought = true
	s.position = s.qty
	s.avg = s.price
	return &strategy.Result{Action: strategy.ActionBuy, Quantity: s.qty, Price: s.price}, nil
}

func (s *scripted) SaveState() *types.StrategyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &types.StrategyState{
		StrategyID:      s.id,
		InternalState:   map[string]any{"bought": s.bought},
		CurrentPosition: s.position,
		AveragePrice:    s.avg,
	}
}

func (s *scripted) RestoreState(st *types.StrategyState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.position = st.CurrentPosition
	s.avg = st.AveragePrice
	if v, ok := st.InternalState["bought"].(bool); ok {
		s.bought = v
	}
	return nil
}

func (s *scripted) SetRecoveryContext(*strategy.RecoveryContext) {}
func (s *scripted) Cleanup() error                              { return nil }

type eventLog struct {
	mu     sync.Mutex
	events []events.Event
}

func (l *eventLog) Name() string         { return "eventlog" }
func (l *eventLog) Kinds() []events.Kind { return nil }
func (l *eventLog) HandleEvent(e events.Event) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) byKind(k events.Kind) []events.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []events.Event
	for _, e := range l.events {
		if e.Kind == k {
			out = append(out, e)
		}
	}
	return out
}

func testConfig(t *testing.T, risk config.RiskConfig) *config.Config {
	t.Helper()
	return &config.Config{
		Engine:       config.EngineConfig{ShutdownTimeout: 5 * time.Second},
		EventBus:     config.EventBusConfig{BufferSize: 256, OverflowPolicy: "drop_oldest"},
		OrderSync:    config.OrderSyncConfig{SyncInterval: time.Second, BatchSize: 5, MaxErrorRecords: 10},
		AccountPoll:  config.AccountPollConfig{Interval: time.Minute},
		StateManager: config.StateManagerConfig{AutosaveInterval: time.Minute, CacheTimeout: 5 * time.Minute, MaxRecoveryTime: time.Minute},
		Risk:         risk,
	}
}

func startEngine(t *testing.T, risk config.RiskConfig, trigger, qty, price string) (*Engine, *mock.Connector, *eventLog, *scripted) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })

	venue := mock.New("binance")
	cfg := testConfig(t, risk)
	e := New(cfg, map[string]common.Connector{"binance": venue}, database, zerolog.Nop())

	logSink := &eventLog{}
	e.Bus().Subscribe(logSink)

	strat := &scripted{
		id:      "scripted-1",
		req:     strategy.Requirements{Exchange: "binance", Symbol: "BTC/USDT"},
		trigger: d(trigger),
		qty:     d(qty),
		price:   d(price),
	}
	require.NoError(t, e.runtime.Register(strat))
	e.strategyCfgs[strat.id] = config.StrategyConfig{ID: strat.id, Type: "scripted", Exchange: "binance", Symbol: "BTC/USDT"}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, e.Start(ctx))
	require.NoError(t, e.StartStrategy(ctx, strat.id))
	t.Cleanup(e.Stop)

	return e, venue, logSink, strat
}

func pushTickers(venue *mock.Connector, prices ...string) {
	for _, p := range prices {
		venue.PushTicker(types.Ticker{Symbol: "BTC/USDT", Last: d(p), Time: time.Now()})
	}
}

// Happy path: tickers trigger a buy, the venue fills in two steps, and the
// engine ends with three ordered status events and a persisted snapshot.
func TestHappyPathLimitFill(t *testing.T) {
	e, venue, logSink, _ := startEngine(t, config.RiskConfig{}, "50250", "0.01", "50200")
	ctx := context.Background()

	pushTickers(venue, "50000", "50100", "50250")

	// The order reaches the venue and the manager.
	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindOrderCreated)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	created := logSink.byKind(events.KindOrderCreated)[0].Order
	require.NoError(t, venue.Transition(created.ID, types.StatusPartiallyFilled, d("0.005"), d("50195"), false))
	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindOrderPartiallyFilled)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, venue.Transition(created.ID, types.StatusFilled, d("0.01"), d("50198"), false))
	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindOrderFilled)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Monotone update times across the three events.
	seq := []events.Event{
		logSink.byKind(events.KindOrderCreated)[0],
		logSink.byKind(events.KindOrderPartiallyFilled)[0],
		logSink.byKind(events.KindOrderFilled)[0],
	}
	for i := 1; i < len(seq); i++ {
		assert.False(t, seq[i].Order.UpdateTime.Before(seq[i-1].Order.UpdateTime),
			"update times must not regress")
	}

	final, ok := e.Orders().GetOrder(created.ID)
	require.True(t, ok)
	assert.Equal(t, types.StatusFilled, final.Status)
	assert.True(t, final.AveragePrice.Equal(d("50198")))

	// Snapshot persisted with the strategy's position.
	require.Eventually(t, func() bool {
		st, err := e.stateMgr.GetStrategyState(ctx, "scripted-1")
		return err == nil && st != nil && st.CurrentPosition.Equal(d("0.01"))
	}, 2*time.Second, 10*time.Millisecond)
}

// A FILLED update the stream drops is recovered by the sync service, and
// the late stream echo adds no second event.
func TestMissedStreamUpdateRecoveredBySync(t *testing.T) {
	e, venue, logSink, _ := startEngine(t, config.RiskConfig{}, "50250", "0.01", "50200")
	ctx := context.Background()

	pushTickers(venue, "50250")
	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindOrderCreated)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	created := logSink.byKind(events.KindOrderCreated)[0].Order

	// Fill with the stream update suppressed.
	require.NoError(t, venue.Transition(created.ID, types.StatusFilled, d("0.01"), d("50198"), true))

	e.syncSvc.SyncOnce(ctx)
	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindOrderFilled)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The echo eventually arrives over the stream: still exactly one event.
	require.NoError(t, venue.Transition(created.ID, types.StatusFilled, d("0.01"), d("50198"), false))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, logSink.byKind(events.KindOrderFilled), 1)
}

// Risk trip: maxPositionSize 0.01, intent 0.02 → rejected before the venue,
// one warning event, no order anywhere.
func TestRiskLimitTrip(t *testing.T) {
	e, venue, logSink, _ := startEngine(t,
		config.RiskConfig{MaxPositionSize: 0.01}, "50250", "0.02", "50200")

	pushTickers(venue, "50250")

	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindRiskLimitExceeded)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	ev := logSink.byKind(events.KindRiskLimitExceeded)[0]
	assert.Equal(t, "warning", ev.Risk.Severity)
	assert.Empty(t, logSink.byKind(events.KindOrderCreated))
	assert.Empty(t, e.Orders().OpenOrders())
}

// Terminal absorbing through the whole stack: FILLED then CANCELED from the
// venue yields one order_filled and a FILLED final status.
func TestTerminalAbsorbingEndToEnd(t *testing.T) {
	e, venue, logSink, _ := startEngine(t, config.RiskConfig{}, "50250", "0.01", "50200")

	pushTickers(venue, "50250")
	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindOrderCreated)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	created := logSink.byKind(events.KindOrderCreated)[0].Order

	require.NoError(t, venue.Transition(created.ID, types.StatusFilled, d("0.01"), d("50198"), false))
	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindOrderFilled)) == 1
	}, 2*time.Second, 10*time.Millisecond)

	// Contradictory late cancel must be absorbed.
	require.NoError(t, venue.Transition(created.ID, types.StatusCanceled, d("0.01"), d("50198"), false))
	time.Sleep(100 * time.Millisecond)

	assert.Empty(t, logSink.byKind(events.KindOrderCancelled))
	final, _ := e.Orders().GetOrder(created.ID)
	assert.Equal(t, types.StatusFilled, final.Status)
	assert.Len(t, logSink.byKind(events.KindOrderFilled), 1)
}

func TestEmergencyStopCancelsEverything(t *testing.T) {
	e, venue, logSink, _ := startEngine(t, config.RiskConfig{}, "50250", "0.01", "50200")

	pushTickers(venue, "50250")
	require.Eventually(t, func() bool {
		return len(e.Orders().OpenOrders()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	e.EmergencyStop("test trigger")

	require.Eventually(t, func() bool {
		return len(logSink.byKind(events.KindEmergencyStop)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, e.Orders().OpenOrders())

	st, ok := e.runtime.StatusOf("scripted-1")
	require.True(t, ok)
	assert.Equal(t, strategy.StatusStopped, st)
}

func TestEngineStatus(t *testing.T) {
	e, _, _, _ := startEngine(t, config.RiskConfig{}, "50250", "0.01", "50200")

	s := e.GetStatus()
	assert.True(t, s.Running)
	assert.True(t, s.Exchanges["binance"])
	require.Len(t, s.Strategies, 1)
	assert.Equal(t, "scripted-1", s.Strategies[0].ID)
}
