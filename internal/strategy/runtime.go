package strategy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/events"
	"tradecore/internal/market"
	"tradecore/pkg/types"
)

// Status of a managed strategy instance.
type Status string

const (
	StatusActive  Status = "active"
	StatusPaused  Status = "paused"
	StatusStopped Status = "stopped"
)

// Error-rate pause threshold: this many analyzer errors inside the window
// transition the strategy to paused.
const (
	defaultErrorLimit  = 5
	defaultErrorWindow = time.Minute
)

const mailboxSize = 256

// Subscriptions is the slice of the Subscription Manager the runtime uses.
type Subscriptions interface {
	Subscribe(ctx context.Context, strategyID string, req Requirements) error
	Unsubscribe(strategyID string)
}

// StateSaver is the slice of the State Manager the runtime writes through.
type StateSaver interface {
	SaveStrategyState(ctx context.Context, state *types.StrategyState) error
}

type instance struct {
	strat  Strategy
	req    Requirements
	status Status

	mailbox chan events.Event
	cancel  context.CancelFunc
	done    chan struct{}

	errTimes []time.Time
	dropped  uint64

	lastResult *Result
}

// Runtime owns all strategy instances and their dispatch loops. Analyze
// calls for one strategy never overlap; different strategies run on their
// own goroutines.
type Runtime struct {
	bus      *events.Bus
	cache    *market.Cache
	subs     Subscriptions
	executor Executor
	saver    StateSaver
	log      zerolog.Logger

	errorLimit  int
	errorWindow time.Duration

	mu        sync.RWMutex
	instances map[string]*instance
	unsub     func()
}

// NewRuntime wires the runtime. executor and saver may be nil only in tests.
func NewRuntime(bus *events.Bus, cache *market.Cache, subs Subscriptions,
	executor Executor, saver StateSaver, log zerolog.Logger) *Runtime {
	return &Runtime{
		bus:         bus,
		cache:       cache,
		subs:        subs,
		executor:    executor,
		saver:       saver,
		errorLimit:  defaultErrorLimit,
		errorWindow: defaultErrorWindow,
		instances:   make(map[string]*instance),
		log:         log.With().Str("component", "strategy_runtime").Logger(),
	}
}

// Start attaches the runtime to the bus. Events relevant to a strategy
// (subscribed market data or its own order updates) land in its mailbox.
func (r *Runtime) Start() {
	r.unsub = r.bus.Subscribe(&events.SubscriberFunc{
		ID: "strategy_runtime",
		Filter: []events.Kind{
			events.KindTickerUpdate, events.KindOrderBookUpdate,
			events.KindTradeUpdate, events.KindKlineUpdate,
			events.KindOrderCreated, events.KindOrderPartiallyFilled,
			events.KindOrderFilled, events.KindOrderCancelled,
			events.KindOrderRejected,
		},
		Fn: r.route,
	})
}

// Stop detaches from the bus and stops every strategy loop.
func (r *Runtime) Stop() {
	if r.unsub != nil {
		r.unsub()
	}
	r.mu.Lock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		_ = r.StopStrategy(id)
	}
}

// Register adds a strategy in stopped state. It opens no subscriptions;
// StartStrategy does, so the strategy's feed reaches the market-data cache
// only after it starts (or while another active strategy subscribes to the
// same feed).
func (r *Runtime) Register(s Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := s.ID()
	if _, dup := r.instances[id]; dup {
		return fmt.Errorf("strategy %s: already registered", id)
	}
	r.instances[id] = &instance{
		strat:  s,
		req:    s.Requirements(),
		status: StatusStopped,
	}
	return nil
}

// StartStrategy opens the strategy's subscriptions, applies the optional
// recovery context, and launches its dispatch loop.
func (r *Runtime) StartStrategy(ctx context.Context, id string, rc *RecoveryContext) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("strategy %s: not registered", id)
	}
	if inst.status == StatusActive {
		r.mu.Unlock()
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	inst.status = StatusActive
	inst.mailbox = make(chan events.Event, mailboxSize)
	inst.cancel = cancel
	inst.done = make(chan struct{})
	inst.errTimes = nil
	r.mu.Unlock()

	if rc != nil {
		inst.strat.SetRecoveryContext(rc)
	}

	if err := r.subs.Subscribe(ctx, id, inst.req); err != nil {
		cancel()
		r.mu.Lock()
		inst.status = StatusStopped
		r.mu.Unlock()
		return fmt.Errorf("strategy %s: subscribe: %w", id, err)
	}

	go r.loop(loopCtx, inst)
	r.log.Info().Str("strategy_id", id).Msg("strategy started")
	return nil
}

// PauseStrategy stops event delivery but retains all state.
func (r *Runtime) PauseStrategy(id string) error {
	return r.halt(id, StatusPaused)
}

// StopStrategy releases subscriptions and runs Cleanup.
func (r *Runtime) StopStrategy(id string) error {
	if err := r.halt(id, StatusStopped); err != nil {
		return err
	}
	r.mu.RLock()
	inst := r.instances[id]
	r.mu.RUnlock()
	if err := inst.strat.Cleanup(); err != nil {
		r.log.Warn().Err(err).Str("strategy_id", id).Msg("cleanup failed")
	}
	return nil
}

// DeleteStrategy stops and forgets the instance.
func (r *Runtime) DeleteStrategy(id string) error {
	if err := r.StopStrategy(id); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.instances, id)
	r.mu.Unlock()
	return nil
}

func (r *Runtime) halt(id string, to Status) error {
	r.mu.Lock()
	inst, ok := r.instances[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("strategy %s: not registered", id)
	}
	if inst.status != StatusActive {
		inst.status = to
		r.mu.Unlock()
		return nil
	}
	inst.status = to
	cancel, done := inst.cancel, inst.done
	r.mu.Unlock()

	r.subs.Unsubscribe(id)
	cancel()
	<-done
	r.log.Info().Str("strategy_id", id).Str("status", string(to)).Msg("strategy halted")
	return nil
}

// StatusOf returns the lifecycle status for one strategy.
func (r *Runtime) StatusOf(id string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return "", false
	}
	return inst.status, true
}

// List returns the ids of all registered strategies.
func (r *Runtime) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instances))
	for id := range r.instances {
		out = append(out, id)
	}
	return out
}

// Get returns the registered strategy implementation.
func (r *Runtime) Get(id string) (Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, false
	}
	return inst.strat, true
}

// SnapshotAll collects current snapshots of every active strategy for the
// State Manager's autosave sweep.
func (r *Runtime) SnapshotAll() []*types.StrategyState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*types.StrategyState, 0, len(r.instances))
	for id, inst := range r.instances {
		if inst.status != StatusActive {
			continue
		}
		st := inst.strat.SaveState()
		st.StrategyID = id
		if inst.lastResult != nil {
			st.LastSignal = string(inst.lastResult.Action)
		}
		out = append(out, st)
	}
	return out
}

// route delivers one bus event to every interested active strategy.
// The market cache is fed first so snapshots built later in the dispatch
// loop always include the event that woke them.
func (r *Runtime) route(ev events.Event) {
	r.cache.Apply(ev)

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, inst := range r.instances {
		if inst.status != StatusActive {
			continue
		}
		if !r.relevant(inst, ev) {
			continue
		}
		select {
		case inst.mailbox <- ev:
		default:
			inst.dropped++
		}
	}
}

func (r *Runtime) relevant(inst *instance, ev events.Event) bool {
	if ev.Order != nil {
		return ev.Order.StrategyID == inst.strat.ID()
	}
	return ev.Exchange == inst.req.Exchange && ev.Symbol == inst.req.Symbol
}

// loop is the per-strategy dispatch loop: await event, build snapshot,
// analyze, execute, snapshot state.
func (r *Runtime) loop(ctx context.Context, inst *instance) {
	defer close(inst.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-inst.mailbox:
			r.dispatch(ctx, inst, ev)
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, inst *instance, ev events.Event) {
	id := inst.strat.ID()
	data := r.snapshotFor(inst)
	if ev.Order != nil {
		data.OrderEvent = ev.Order
	}

	res, err := inst.strat.Analyze(data)
	if err != nil {
		r.analyzeError(ctx, inst, err)
		return
	}
	if res == nil || res.Action == ActionHold {
		return
	}

	r.bus.Publish(events.Event{
		Kind:       events.KindStrategySignal,
		Exchange:   inst.req.Exchange,
		Symbol:     inst.req.Symbol,
		StrategyID: id,
		Time:       time.Now(),
		Signal: &events.SignalPayload{
			Action:     string(res.Action),
			Quantity:   res.Quantity,
			Price:      res.Price,
			Confidence: res.Confidence,
			Reason:     res.Reason,
		},
	})

	if r.executor == nil {
		return
	}
	if _, err := r.executor.Execute(ctx, id, inst.req, res); err != nil {
		r.log.Warn().Err(err).Str("strategy_id", id).Msg("order intent rejected")
		return
	}

	r.mu.Lock()
	inst.lastResult = res
	r.mu.Unlock()
	r.persistSnapshot(ctx, inst, res)
}

func (r *Runtime) persistSnapshot(ctx context.Context, inst *instance, res *Result) {
	if r.saver == nil {
		return
	}
	state := inst.strat.SaveState()
	state.StrategyID = inst.strat.ID()
	state.LastSignal = string(res.Action)
	state.SignalTime = time.Now()
	state.LastUpdateTime = time.Now()
	if err := r.saver.SaveStrategyState(ctx, state); err != nil {
		r.log.Warn().Err(err).Str("strategy_id", state.StrategyID).Msg("snapshot save failed")
	}
}

func (r *Runtime) snapshotFor(inst *instance) *market.Data {
	var intervals []string
	depth, tradeN, klineN := 0, 0, 0
	for _, dr := range inst.req.Data {
		switch dr.Type {
		case "klines":
			if dr.Interval != "" {
				intervals = append(intervals, dr.Interval)
			}
			if dr.Limit > klineN {
				klineN = dr.Limit
			}
		case "orderbook":
			if dr.Depth > depth {
				depth = dr.Depth
			}
		case "trades":
			if dr.Limit > tradeN {
				tradeN = dr.Limit
			}
		}
	}
	return r.cache.Snapshot(inst.req.Exchange, inst.req.Symbol, intervals, depth, tradeN, klineN)
}

// analyzeError emits strategy_error, counts against the rolling window, and
// pauses the strategy past the threshold.
func (r *Runtime) analyzeError(ctx context.Context, inst *instance, err error) {
	id := inst.strat.ID()
	r.log.Error().Err(err).Str("strategy_id", id).Msg("analyze failed")

	r.bus.Publish(events.Event{
		Kind:       events.KindStrategyError,
		StrategyID: id,
		Exchange:   inst.req.Exchange,
		Symbol:     inst.req.Symbol,
		Time:       time.Now(),
		Error:      &events.ErrorPayload{Kind: "strategy", Reason: err.Error()},
	})

	now := time.Now()
	cutoff := now.Add(-r.errorWindow)
	kept := inst.errTimes[:0]
	for _, t := range inst.errTimes {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	inst.errTimes = append(kept, now)

	if len(inst.errTimes) >= r.errorLimit {
		r.log.Warn().Str("strategy_id", id).Int("errors", len(inst.errTimes)).
			Msg("error rate exceeded, pausing strategy")
		// Pause from a fresh goroutine: halt joins the loop goroutine we
		// are currently on.
		go func() {
			if err := r.PauseStrategy(id); err != nil {
				r.log.Error().Err(err).Str("strategy_id", id).Msg("pause failed")
			}
		}()
	}
	_ = ctx
}
