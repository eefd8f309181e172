package strategy

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/events"
	"tradecore/internal/market"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

type noopSubs struct{}

func (noopSubs) Subscribe(ctx context.Context, strategyID string, req Requirements) error { return nil }
func (noopSubs) Unsubscribe(strategyID string)                                            {}

type recordingExecutor struct {
	mu    sync.Mutex
	calls []*Result
}

func (r *recordingExecutor) Execute(ctx context.Context, strategyID string, req Requirements, res *Result) (*types.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, res)
	return &types.Order{ID: "x", StrategyID: strategyID}, nil
}

// probe is a configurable strategy double.
type probe struct {
	id       string
	analyze  func(*market.Data) (*Result, error)
	inFlight atomic.Int32
	overlaps atomic.Int32
	analyzed atomic.Int32
}

func (p *probe) ID() string { return p.id }
func (p *probe) Requirements() Requirements {
	return Requirements{
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Data:     []DataRequest{{Type: common.DataTicker}},
	}
}
func (p *probe) Initialize(map[string]any) error { return nil }

func (p *probe) Analyze(data *market.Data) (*Result, error) {
	if p.inFlight.Add(1) > 1 {
		p.overlaps.Add(1)
	}
	defer p.inFlight.Add(-1)
	p.analyzed.Add(1)
	if p.analyze != nil {
		return p.analyze(data)
	}
	return &Result{Action: ActionHold}, nil
}

func (p *probe) SaveState() *types.StrategyState {
	return &types.StrategyState{StrategyID: p.id}
}
func (p *probe) RestoreState(*types.StrategyState) error { return nil }
func (p *probe) SetRecoveryContext(*RecoveryContext)     {}
func (p *probe) Cleanup() error                          { return nil }

func newRuntimeFixture(t *testing.T, exec Executor) (*Runtime, *events.Bus) {
	t.Helper()
	bus := events.NewBus(1024, events.DropOldest, zerolog.Nop())
	t.Cleanup(bus.Close)
	rt := NewRuntime(bus, market.NewCache(0, 0), noopSubs{}, exec, nil, zerolog.Nop())
	rt.Start()
	t.Cleanup(rt.Stop)
	return rt, bus
}

func ticker(last string) events.Event {
	return events.Event{
		Kind:     events.KindTickerUpdate,
		Exchange: "binance",
		Symbol:   "BTC/USDT",
		Ticker:   &types.Ticker{Exchange: "binance", Symbol: "BTC/USDT", Last: d(last), Time: time.Now()},
	}
}

func TestAnalyzeCallsAreSerialized(t *testing.T) {
	p := &probe{id: "p1", analyze: func(*market.Data) (*Result, error) {
		time.Sleep(2 * time.Millisecond)
		return &Result{Action: ActionHold}, nil
	}}
	rt, bus := newRuntimeFixture(t, &recordingExecutor{})
	require.NoError(t, rt.Register(p))
	require.NoError(t, rt.StartStrategy(context.Background(), "p1", nil))

	for i := 0; i < 50; i++ {
		bus.Publish(ticker("100"))
	}

	require.Eventually(t, func() bool { return p.analyzed.Load() >= 10 }, 2*time.Second, 5*time.Millisecond)
	assert.Zero(t, p.overlaps.Load(), "analyze must never run concurrently for one strategy")
}

func TestErrorRatePausesStrategy(t *testing.T) {
	p := &probe{id: "p1", analyze: func(*market.Data) (*Result, error) {
		return nil, errors.New("boom")
	}}
	rt, bus := newRuntimeFixture(t, &recordingExecutor{})
	require.NoError(t, rt.Register(p))

	var strategyErrors atomic.Int32
	bus.Subscribe(&events.SubscriberFunc{
		ID:     "errcount",
		Filter: []events.Kind{events.KindStrategyError},
		Fn:     func(events.Event) { strategyErrors.Add(1) },
	})

	require.NoError(t, rt.StartStrategy(context.Background(), "p1", nil))

	for i := 0; i < 20; i++ {
		bus.Publish(ticker("100"))
		time.Sleep(time.Millisecond)
	}

	require.Eventually(t, func() bool {
		st, _ := rt.StatusOf("p1")
		return st == StatusPaused
	}, 2*time.Second, 5*time.Millisecond)

	assert.GreaterOrEqual(t, strategyErrors.Load(), int32(5))

	// Paused strategies stop receiving events.
	before := p.analyzed.Load()
	bus.Publish(ticker("100"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, p.analyzed.Load())
}

func TestNonHoldResultReachesExecutor(t *testing.T) {
	exec := &recordingExecutor{}
	fired := false
	p := &probe{id: "p1", analyze: func(*market.Data) (*Result, error) {
		if fired {
			return &Result{Action: ActionHold}, nil
		}
		fired = true
		return &Result{Action: ActionBuy, Quantity: d("0.01"), Price: d("100")}, nil
	}}
	rt, bus := newRuntimeFixture(t, exec)
	require.NoError(t, rt.Register(p))
	require.NoError(t, rt.StartStrategy(context.Background(), "p1", nil))

	var signals atomic.Int32
	bus.Subscribe(&events.SubscriberFunc{
		ID:     "sigcount",
		Filter: []events.Kind{events.KindStrategySignal},
		Fn:     func(events.Event) { signals.Add(1) },
	})

	bus.Publish(ticker("100"))

	require.Eventually(t, func() bool {
		exec.mu.Lock()
		defer exec.mu.Unlock()
		return len(exec.calls) == 1
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return signals.Load() == 1 }, 2*time.Second, 5*time.Millisecond)
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	rt, _ := newRuntimeFixture(t, &recordingExecutor{})
	require.NoError(t, rt.Register(&probe{id: "p1"}))
	require.Error(t, rt.Register(&probe{id: "p1"}))
}

func TestStopReleasesAndCleansUp(t *testing.T) {
	rt, bus := newRuntimeFixture(t, &recordingExecutor{})
	p := &probe{id: "p1"}
	require.NoError(t, rt.Register(p))
	require.NoError(t, rt.StartStrategy(context.Background(), "p1", nil))

	require.NoError(t, rt.StopStrategy("p1"))
	st, ok := rt.StatusOf("p1")
	require.True(t, ok)
	assert.Equal(t, StatusStopped, st)

	// Events after stop are ignored.
	before := p.analyzed.Load()
	bus.Publish(ticker("100"))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, before, p.analyzed.Load())

	// Delete removes it entirely.
	require.NoError(t, rt.DeleteStrategy("p1"))
	_, ok = rt.StatusOf("p1")
	assert.False(t, ok)
}
