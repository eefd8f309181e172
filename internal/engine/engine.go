// Package engine composes the trading core: event bus, subscription
// manager, strategy runtime, state manager, order manager with its sync
// service, account poller and risk filter. It owns every task's lifecycle
// and the emergency-stop path.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"tradecore/internal/account"
	"tradecore/internal/events"
	"tradecore/internal/market"
	"tradecore/internal/order"
	"tradecore/internal/risk"
	"tradecore/internal/state"
	"tradecore/internal/strategy"
	"tradecore/internal/subscription"
	"tradecore/pkg/config"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// Engine is the composition root and control surface of the trading core.
type Engine struct {
	cfg        *config.Config
	connectors map[string]common.Connector
	database   *db.Database
	log        zerolog.Logger

	bus      *events.Bus
	gate     *events.StatusGate
	cache    *market.Cache
	subs     *subscription.Manager
	runtime  *strategy.Runtime
	stateMgr *state.Manager
	orderMgr *order.Manager
	syncSvc  *order.SyncService
	poller   *account.Poller
	riskMgr  *risk.Manager

	mu           sync.Mutex
	strategyCfgs map[string]config.StrategyConfig
	started      time.Time
	running      bool

	ctx      context.Context
	cancel   context.CancelFunc
	group    *errgroup.Group
	stopOnce sync.Once
}

// New wires all components. connectors maps exchange name to its adapter;
// database may be nil for fully in-memory runs (tests).
func New(cfg *config.Config, connectors map[string]common.Connector, database *db.Database, log zerolog.Logger) *Engine {
	e := &Engine{
		cfg:          cfg,
		connectors:   connectors,
		database:     database,
		strategyCfgs: make(map[string]config.StrategyConfig),
		log:          log.With().Str("component", "engine").Logger(),
	}

	e.bus = events.NewBus(cfg.EventBus.BufferSize, cfg.EventBus.OverflowPolicy, log)
	e.gate = events.NewStatusGate()
	e.cache = market.NewCache(0, 0)

	var orderStore db.OrderStore
	var stateStore db.StrategyStateStore
	var snapStore db.AccountSnapshotStore
	if database != nil {
		orderStore, stateStore, snapStore = database, database, database
	}

	e.orderMgr = order.NewManager(e.bus, e.gate, orderStore, log)
	e.syncSvc = order.NewSyncService(e.orderMgr, connectors,
		cfg.OrderSync.SyncInterval, cfg.OrderSync.BatchSize, cfg.OrderSync.MaxErrorRecords, log)
	if stateStore != nil {
		e.stateMgr = state.NewManager(stateStore, orderStore, connectors,
			cfg.StateManager.CacheTimeout, cfg.StateManager.AutosaveInterval,
			cfg.StateManager.MaxRecoveryTime, log)
	}
	e.subs = subscription.NewManager(connectors, e.bus, cfg.Subscriptions, log)
	e.riskMgr = risk.NewManager(cfg.Risk, e.bus, log)
	e.poller = account.NewPoller(connectors, e.bus, snapStore, cfg.AccountPoll.Interval, log)

	var saver strategy.StateSaver
	if e.stateMgr != nil {
		saver = e.stateMgr
	}
	e.runtime = strategy.NewRuntime(e.bus, e.cache, e.subs, e, saver, log)

	return e
}

// Bus exposes the event hub for external read-only observers.
func (e *Engine) Bus() *events.Bus { return e.bus }

// Orders exposes the order manager for status queries.
func (e *Engine) Orders() *order.Manager { return e.orderMgr }

// Start brings the whole core up: connectors, order streams, strategy
// recovery, and the periodic services.
func (e *Engine) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)
	e.group, e.ctx = errgroup.WithContext(e.ctx)

	for name, conn := range e.connectors {
		if err := conn.Connect(e.ctx); err != nil {
			e.bus.Publish(events.Event{
				Kind: events.KindExchangeError, Exchange: name, Time: time.Now(),
				Error: &events.ErrorPayload{Kind: "connect", Reason: err.Error()},
			})
			e.log.Error().Err(err).Str("exchange", name).Msg("connector failed to connect")
			continue
		}
		e.bus.Publish(events.Event{Kind: events.KindExchangeConnected, Exchange: name, Time: time.Now()})
		e.consumeOrderStream(name, conn)
	}

	if err := e.seedOrders(e.ctx); err != nil {
		e.log.Warn().Err(err).Msg("order seed from store failed")
	}

	e.runtime.Start()
	if err := e.loadStrategies(e.ctx); err != nil {
		return err
	}

	e.syncSvc.Start(e.ctx)
	if err := e.poller.Start(e.ctx); err != nil {
		return err
	}
	if e.stateMgr != nil {
		e.stateMgr.StartAutosave(e.ctx, e.runtime)
	}

	e.mu.Lock()
	e.started = time.Now()
	e.running = true
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Kind: events.KindEngineStarted, Time: time.Now(),
		Engine: &events.EnginePayload{Message: "engine started"},
	})
	e.log.Info().Int("exchanges", len(e.connectors)).Int("strategies", len(e.strategyCfgs)).Msg("engine started")
	return nil
}

// consumeOrderStream funnels a connector's push order updates into the
// Order Manager. The shared status gate keeps this path and the sync
// poller from double-firing on the same transition.
func (e *Engine) consumeOrderStream(name string, conn common.Connector) {
	ch, stop, err := conn.SubscribeOrderUpdates(e.ctx)
	if err != nil {
		e.log.Warn().Err(err).Str("exchange", name).Msg("order stream unavailable; relying on sync poller")
		return
	}
	e.group.Go(func() error {
		defer stop()
		for {
			select {
			case <-e.ctx.Done():
				return nil
			case o, ok := <-ch:
				if !ok {
					return nil
				}
				e.applyStreamOrder(&o)
			}
		}
	})
}

func (e *Engine) applyStreamOrder(o *types.Order) {
	// Stream records carry no strategy tag: recover it from the local copy.
	if local, ok := e.orderMgr.GetOrder(o.ID); ok {
		o.StrategyID = local.StrategyID
	} else if local, ok := e.orderMgr.GetOrder(o.ClientOrderID); ok {
		o.StrategyID = local.StrategyID
	}
	if err := e.orderMgr.ApplyExchangeOrder(e.ctx, o); err != nil {
		var inv *order.InvariantViolation
		if errors.As(err, &inv) {
			e.EmergencyStop(inv.Error())
			return
		}
		e.log.Warn().Err(err).Str("order_id", o.ID).Msg("stream order update rejected")
	}
}

// seedOrders rebuilds the in-memory order set from the order store so the
// sync service immediately reconciles whatever was open before a restart.
func (e *Engine) seedOrders(ctx context.Context) error {
	if e.database == nil {
		return nil
	}
	for _, status := range []types.OrderStatus{types.StatusNew, types.StatusPartiallyFilled} {
		rows, err := e.database.ListOrders(ctx, db.OrderFilter{Status: status})
		if err != nil {
			return err
		}
		for _, o := range rows {
			// Pre-seed the gate so reloading does not re-fire old events.
			e.gate.Pass(o.ID, o.Status)
			if err := e.orderMgr.AddOrder(ctx, o); err != nil {
				e.log.Warn().Err(err).Str("order_id", o.ID).Msg("order seed skipped")
			}
		}
	}
	return nil
}

// loadStrategies builds, recovers and starts every declared strategy.
func (e *Engine) loadStrategies(ctx context.Context) error {
	for _, sc := range e.cfg.Strategies {
		if err := e.CreateStrategy(ctx, sc); err != nil {
			return err
		}
		if err := e.StartStrategy(ctx, sc.ID); err != nil {
			return err
		}
	}
	return nil
}

// Stop drains all tasks within the shutdown timeout and runs the final
// autosave. Safe to call more than once.
func (e *Engine) Stop() {
	e.stopOnce.Do(e.stop)
}

func (e *Engine) stop() {
	e.log.Info().Msg("engine stopping")
	e.runtime.Stop()
	if e.cancel != nil {
		e.cancel()
	}

	done := make(chan struct{})
	go func() {
		if e.group != nil {
			_ = e.group.Wait()
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.Engine.ShutdownTimeout):
		e.log.Warn().Msg("shutdown timeout exceeded, abandoning stragglers")
	}

	if e.stateMgr != nil {
		e.stateMgr.FinalSave(e.runtime, 10*time.Second)
	}
	for name, conn := range e.connectors {
		if err := conn.Disconnect(); err != nil {
			e.log.Warn().Err(err).Str("exchange", name).Msg("disconnect failed")
		}
		e.bus.Publish(events.Event{Kind: events.KindExchangeDisconnected, Exchange: name, Time: time.Now()})
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()

	e.bus.Publish(events.Event{
		Kind: events.KindEngineStopped, Time: time.Now(),
		Engine: &events.EnginePayload{Message: "engine stopped"},
	})
	e.bus.Close()
	e.log.Info().Msg("engine stopped")
}

// EmergencyStop halts all trading: every strategy is stopped, open orders
// are cancelled best-effort upstream and locally, and the engine reports
// itself stopped. Triggered by invariant violations and critical risk
// limits.
func (e *Engine) EmergencyStop(reason string) {
	e.log.Error().Str("reason", reason).Msg("EMERGENCY STOP")
	e.bus.Publish(events.Event{
		Kind: events.KindEmergencyStop, Time: time.Now(),
		Risk: &events.RiskPayload{Severity: risk.SeverityCritical, Reason: reason},
	})

	for _, id := range e.runtime.List() {
		if err := e.runtime.StopStrategy(id); err != nil {
			e.log.Warn().Err(err).Str("strategy_id", id).Msg("emergency strategy stop failed")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	for _, o := range e.orderMgr.OpenOrders() {
		conn, ok := e.connectors[o.Exchange]
		if !ok || !conn.IsConnected() {
			continue
		}
		if err := conn.CancelOrder(ctx, o.Symbol, o.ID); err != nil {
			e.log.Warn().Err(err).Str("order_id", o.ID).Msg("emergency cancel failed")
		}
	}
	e.orderMgr.CancelAllOrders(ctx, "")

	e.bus.Publish(events.Event{
		Kind: events.KindEngineStopped, Time: time.Now(),
		Engine: &events.EnginePayload{Message: "emergency stop: " + reason},
	})
}

// Execute implements strategy.Executor: risk-check the intent, place it on
// the exchange, then hand the ack to the Order Manager.
func (e *Engine) Execute(ctx context.Context, strategyID string, req strategy.Requirements, res *strategy.Result) (*types.Order, error) {
	conn, ok := e.connectors[req.Exchange]
	if !ok || !conn.IsConnected() {
		return nil, fmt.Errorf("exchange %s not connected", req.Exchange)
	}

	intent := common.OrderIntent{
		ClientOrderID: newClientOrderID(),
		Symbol:        req.Symbol,
		Side:          types.SideBuy,
		Type:          types.OrderTypeLimit,
		TimeInForce:   types.TIFGTC,
		Quantity:      res.Quantity,
		Price:         res.Price,
		StopPrice:     res.StopLoss,
	}
	if res.Action == strategy.ActionSell {
		intent.Side = types.SideSell
	}
	if res.Price.IsZero() {
		intent.Type = types.OrderTypeMarket
		intent.TimeInForce = ""
	}

	if err := e.riskMgr.CheckIntent(intent, e.intentContext(ctx, strategyID)); err != nil {
		var v *risk.Violation
		if errors.As(err, &v) && v.Severity == risk.SeverityCritical {
			go e.EmergencyStop(v.Error())
		}
		return nil, err
	}

	ack, err := conn.PlaceOrder(ctx, intent)
	if err != nil {
		e.bus.Publish(events.Event{
			Kind: events.KindExchangeError, Exchange: req.Exchange, Symbol: req.Symbol,
			StrategyID: strategyID, Time: time.Now(),
			Error: &events.ErrorPayload{Kind: "place_order", Reason: err.Error()},
		})
		return nil, err
	}

	ack.StrategyID = strategyID
	if err := e.orderMgr.AddOrder(ctx, ack); err != nil {
		return nil, err
	}
	return ack, nil
}

func (e *Engine) intentContext(ctx context.Context, strategyID string) risk.IntentContext {
	ic := risk.IntentContext{OpenPositions: e.poller.OpenPositionCount()}
	if e.stateMgr != nil {
		if st, err := e.stateMgr.GetStrategyState(ctx, strategyID); err == nil && st != nil {
			ic.CurrentPosition = st.CurrentPosition
		}
	}
	return ic
}

func newClientOrderID() string {
	return "tc-" + uuid.NewString()
}

// --- control surface (consumed by CLI/UI translators) ---

// CreateStrategy registers a strategy instance from its declaration.
func (e *Engine) CreateStrategy(ctx context.Context, sc config.StrategyConfig) error {
	symbol, err := types.ParseSymbol(sc.Symbol)
	if err != nil {
		return fmt.Errorf("strategy %s: %w", sc.ID, err)
	}
	req := strategy.Requirements{
		Exchange:      sc.Exchange,
		Symbol:        symbol,
		KlineInterval: sc.Interval,
	}
	strat, err := strategy.Build(sc.Type, sc.ID, req, sc.Params)
	if err != nil {
		return err
	}
	if err := e.runtime.Register(strat); err != nil {
		return err
	}
	e.mu.Lock()
	e.strategyCfgs[sc.ID] = sc
	e.mu.Unlock()
	return nil
}

// StartStrategy recovers persisted state, primes kline history, and starts
// the dispatch loop.
func (e *Engine) StartStrategy(ctx context.Context, id string) error {
	strat, ok := e.runtime.Get(id)
	if !ok {
		return fmt.Errorf("strategy %s: not registered", id)
	}
	req := strat.Requirements()

	var rc *strategy.RecoveryContext
	if e.stateMgr != nil {
		res, err := e.stateMgr.RecoverStrategyState(ctx, id, req.LongOnly)
		if err != nil {
			return err
		}
		if res.State != nil {
			if rerr := strat.RestoreState(res.State); rerr != nil {
				e.log.Warn().Err(rerr).Str("strategy_id", id).Msg("state restore failed, starting clean")
			}
		}
		rc = &strategy.RecoveryContext{
			Position:   res.TotalPosition,
			AvgPrice:   res.AveragePrice,
			OpenOrders: res.OpenOrders,
		}
		if res.HasErrors() {
			e.log.Error().Str("strategy_id", id).Msg("recovery exceeded budget, strategy stays paused")
			return e.runtime.PauseStrategy(id)
		}
	}

	e.primeKlines(ctx, req)
	return e.runtime.StartStrategy(ctx, id, rc)
}

// primeKlines fetches the warm-up history a strategy declared.
func (e *Engine) primeKlines(ctx context.Context, req strategy.Requirements) {
	if req.InitialKlines <= 0 || req.KlineInterval == "" {
		return
	}
	conn, ok := e.connectors[req.Exchange]
	if !ok || !conn.IsConnected() {
		return
	}
	bars, err := conn.GetKlines(ctx, req.Symbol, req.KlineInterval, time.Time{}, time.Time{}, req.InitialKlines)
	if err != nil {
		e.log.Warn().Err(err).Str("symbol", string(req.Symbol)).Msg("kline warm-up fetch failed")
		return
	}
	e.cache.SeedKlines(req.Exchange, req.Symbol, req.KlineInterval, bars)
}

// StopStrategy halts one strategy, retaining its state.
func (e *Engine) StopStrategy(id string) error {
	return e.runtime.StopStrategy(id)
}

// UpdateStrategy replaces a strategy's parameters: stop, rebuild, restart.
func (e *Engine) UpdateStrategy(ctx context.Context, sc config.StrategyConfig) error {
	running := false
	if st, ok := e.runtime.StatusOf(sc.ID); ok {
		running = st == strategy.StatusActive
		if err := e.runtime.DeleteStrategy(sc.ID); err != nil {
			return err
		}
	}
	if err := e.CreateStrategy(ctx, sc); err != nil {
		return err
	}
	if running {
		return e.StartStrategy(ctx, sc.ID)
	}
	return nil
}

// DeleteStrategy removes a strategy and its persisted snapshot.
func (e *Engine) DeleteStrategy(ctx context.Context, id string) error {
	if err := e.runtime.DeleteStrategy(id); err != nil {
		return err
	}
	e.mu.Lock()
	delete(e.strategyCfgs, id)
	e.mu.Unlock()
	if e.stateMgr != nil {
		return e.stateMgr.DeleteStrategyState(ctx, id)
	}
	return nil
}

// ListStrategies returns the declared strategies with their live status.
func (e *Engine) ListStrategies() []StrategyInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]StrategyInfo, 0, len(e.strategyCfgs))
	for id, sc := range e.strategyCfgs {
		info := StrategyInfo{ID: id, Type: sc.Type, Exchange: sc.Exchange, Symbol: sc.Symbol}
		if st, ok := e.runtime.StatusOf(id); ok {
			info.Status = string(st)
		}
		out = append(out, info)
	}
	return out
}

// StrategyInfo is the control-surface view of one strategy.
type StrategyInfo struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Exchange string `json:"exchange"`
	Symbol   string `json:"symbol"`
	Status   string `json:"status"`
}

// Status reports aggregate engine health.
type Status struct {
	Running    bool                              `json:"running"`
	Uptime     time.Duration                     `json:"uptime"`
	Exchanges  map[string]bool                   `json:"exchanges"`
	Strategies []StrategyInfo                    `json:"strategies"`
	Orders     map[string]int                    `json:"orders"`
	Sync       order.SyncStats                   `json:"sync"`
	BusStats   map[string]events.SubscriberStats `json:"bus"`
	DailyPnL   decimal.Decimal                   `json:"daily_pnl"`
}

// GetStatus composes the engine status snapshot.
func (e *Engine) GetStatus() Status {
	e.mu.Lock()
	running, started := e.running, e.started
	e.mu.Unlock()

	exchanges := make(map[string]bool, len(e.connectors))
	for name, conn := range e.connectors {
		exchanges[name] = conn.IsConnected()
	}
	s := Status{
		Running:    running,
		Exchanges:  exchanges,
		Strategies: e.ListStrategies(),
		Orders:     e.orderMgr.Stats(),
		Sync:       e.syncSvc.Stats(),
		BusStats:   e.bus.Stats(),
		DailyPnL:   e.riskMgr.DailyPnL(),
	}
	if running {
		s.Uptime = time.Since(started)
	}
	return s
}
