// Package order holds the in-memory order set with its indexes, the state
// machine for order transitions, and the sync service that reconciles local
// orders against exchange truth.
package order

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/pkg/db"
	"tradecore/pkg/types"
)

// InvariantViolation marks a logic bug in order bookkeeping. It is fatal:
// the engine escalates it to an emergency stop.
type InvariantViolation struct {
	OrderID string
	Reason  string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("order %s: invariant violation: %s", e.OrderID, e.Reason)
}

// ErrTerminal is returned when an update targets an order that already
// reached a terminal status.
type ErrTerminal struct {
	OrderID string
	Status  types.OrderStatus
}

func (e *ErrTerminal) Error() string {
	return fmt.Sprintf("order %s: already terminal (%s)", e.OrderID, e.Status)
}

// ErrUnknownOrder is returned when no order matches the given id.
type ErrUnknownOrder struct{ OrderID string }

func (e *ErrUnknownOrder) Error() string {
	return fmt.Sprintf("order %s: not found", e.OrderID)
}

// Patch is a partial order update. Nil fields are left untouched.
type Patch struct {
	Status                  *types.OrderStatus
	ExecutedQuantity        *decimal.Decimal
	CumulativeQuoteQuantity *decimal.Decimal
	AveragePrice            *decimal.Decimal
	ExchangeID              string // late exchange-id assignment for acked orders
	Fills                   []types.Fill
	UpdateTime              time.Time
}

// Manager is the in-memory store of all orders with three indexes: by id,
// by symbol, by status. All mutations hold the writer lock; reads share the
// reader lock. Accepted mutations are written through to the order store so
// a restart can rebuild the trail.
type Manager struct {
	mu         sync.RWMutex
	orders     map[string]*types.Order          // id -> order
	byClientID map[string]string                // clientOrderID -> id
	bySymbol   map[types.Symbol]map[string]bool // symbol -> id set
	byStatus   map[types.OrderStatus]map[string]bool

	bus   *events.Bus
	gate  *events.StatusGate
	store db.OrderStore
	log   zerolog.Logger
}

// NewManager creates an order manager publishing through bus and gate.
// store may be nil in tests; persistence failures are logged, never fatal.
func NewManager(bus *events.Bus, gate *events.StatusGate, store db.OrderStore, log zerolog.Logger) *Manager {
	return &Manager{
		orders:     make(map[string]*types.Order),
		byClientID: make(map[string]string),
		bySymbol:   make(map[types.Symbol]map[string]bool),
		byStatus:   make(map[types.OrderStatus]map[string]bool),
		bus:        bus,
		gate:       gate,
		store:      store,
		log:        log.With().Str("component", "order_manager").Logger(),
	}
}

// AddOrder inserts a new order and updates all indexes atomically. An
// order_created event is emitted when the status is NEW.
func (m *Manager) AddOrder(ctx context.Context, o *types.Order) error {
	if o.ID == "" {
		return &InvariantViolation{OrderID: o.ClientOrderID, Reason: "empty order id"}
	}
	if o.ExecutedQuantity.GreaterThan(o.Quantity) {
		return &InvariantViolation{OrderID: o.ID, Reason: "executed > quantity"}
	}

	m.mu.Lock()
	if _, dup := m.orders[o.ID]; dup {
		m.mu.Unlock()
		return fmt.Errorf("order %s: already tracked", o.ID)
	}
	cp := o.Clone()
	m.orders[cp.ID] = cp
	if cp.ClientOrderID != "" {
		m.byClientID[cp.ClientOrderID] = cp.ID
	}
	m.indexAdd(cp)
	m.mu.Unlock()

	m.persist(ctx, cp)
	m.emit(cp)
	return nil
}

// UpdateOrder applies a partial update under the order state machine:
// no transitions out of terminal statuses, monotone UpdateTime, and
// executed quantity never above quantity. On a status change the id moves
// between status indexes atomically and exactly one event is published.
func (m *Manager) UpdateOrder(ctx context.Context, id string, p Patch) (*types.Order, error) {
	m.mu.Lock()
	o, ok := m.resolveLocked(id)
	if !ok {
		m.mu.Unlock()
		return nil, &ErrUnknownOrder{OrderID: id}
	}

	if o.Status.IsTerminal() {
		m.mu.Unlock()
		return nil, &ErrTerminal{OrderID: o.ID, Status: o.Status}
	}
	if !p.UpdateTime.IsZero() && p.UpdateTime.Before(o.UpdateTime) {
		m.mu.Unlock()
		return nil, fmt.Errorf("order %s: stale update (%s < %s)", o.ID, p.UpdateTime, o.UpdateTime)
	}

	if p.ExecutedQuantity != nil && p.ExecutedQuantity.GreaterThan(o.Quantity) {
		m.mu.Unlock()
		return nil, &InvariantViolation{OrderID: o.ID, Reason: "executed > quantity"}
	}
	if p.Status != nil && *p.Status == types.StatusFilled {
		executed := o.ExecutedQuantity
		if p.ExecutedQuantity != nil {
			executed = *p.ExecutedQuantity
		}
		if !executed.Equal(o.Quantity) {
			m.mu.Unlock()
			return nil, &InvariantViolation{OrderID: o.ID, Reason: "FILLED with executed != quantity"}
		}
	}

	prevStatus := o.Status
	if p.ExchangeID != "" && p.ExchangeID != o.ID {
		// Exchange id arrives with the first ack for locally created orders.
		delete(m.orders, o.ID)
		m.indexRemove(o)
		o.ID = p.ExchangeID
		m.orders[o.ID] = o
		if o.ClientOrderID != "" {
			m.byClientID[o.ClientOrderID] = o.ID
		}
		m.indexAdd(o)
	}
	if p.ExecutedQuantity != nil {
		o.ExecutedQuantity = *p.ExecutedQuantity
	}
	if p.CumulativeQuoteQuantity != nil {
		o.CumulativeQuoteQuantity = *p.CumulativeQuoteQuantity
	}
	if p.AveragePrice != nil {
		o.AveragePrice = *p.AveragePrice
	}
	if len(p.Fills) > 0 {
		o.Fills = append(o.Fills, p.Fills...)
	}
	if !p.UpdateTime.IsZero() {
		o.UpdateTime = p.UpdateTime
	} else {
		o.UpdateTime = time.Now()
	}
	if p.Status != nil && *p.Status != prevStatus {
		m.statusIndexMove(o, prevStatus, *p.Status)
		o.Status = *p.Status
	}

	cp := o.Clone()
	m.mu.Unlock()

	m.persist(ctx, cp)
	if cp.Status != prevStatus {
		m.emit(cp)
	}
	return cp, nil
}

// ApplyExchangeOrder folds an exchange-reported order record into the local
// set: unknown orders are inserted, known ones patched. Both the connector
// stream path and the sync poller land here, so the shared status gate sees
// every transition once.
func (m *Manager) ApplyExchangeOrder(ctx context.Context, ex *types.Order) error {
	m.mu.RLock()
	local, known := m.resolveLocked(ex.ID)
	if !known && ex.ClientOrderID != "" {
		local, known = m.resolveLocked(ex.ClientOrderID)
	}
	var id string
	if known {
		id = local.ID
	}
	m.mu.RUnlock()

	if !known {
		return m.AddOrder(ctx, ex)
	}

	status := ex.Status
	_, err := m.UpdateOrder(ctx, id, Patch{
		Status:                  &status,
		ExecutedQuantity:        &ex.ExecutedQuantity,
		CumulativeQuoteQuantity: &ex.CumulativeQuoteQuantity,
		AveragePrice:            &ex.AveragePrice,
		ExchangeID:              ex.ID,
		UpdateTime:              ex.UpdateTime,
	})
	if _, terminal := err.(*ErrTerminal); terminal {
		// Terminal-absorbing: late stream echoes are expected, not errors.
		return nil
	}
	return err
}

// RemoveOrder purges an order from memory, indexes, gate and store.
func (m *Manager) RemoveOrder(ctx context.Context, id string) error {
	m.mu.Lock()
	o, ok := m.resolveLocked(id)
	if !ok {
		m.mu.Unlock()
		return &ErrUnknownOrder{OrderID: id}
	}
	delete(m.orders, o.ID)
	delete(m.byClientID, o.ClientOrderID)
	m.indexRemove(o)
	m.mu.Unlock()

	m.gate.Forget(o.ID)
	if m.store != nil {
		if err := m.store.DeleteOrder(ctx, o.ID); err != nil {
			m.log.Warn().Err(err).Str("order_id", o.ID).Msg("purge from store failed")
		}
	}
	return nil
}

// CancelAllOrders transitions every open order (optionally narrowed to one
// symbol) to CANCELED. It does not talk to exchanges; callers cancel
// upstream first when they need to.
func (m *Manager) CancelAllOrders(ctx context.Context, symbol types.Symbol) []*types.Order {
	open := m.OpenOrders()
	canceled := make([]*types.Order, 0, len(open))
	status := types.StatusCanceled
	for _, o := range open {
		if symbol != "" && o.Symbol != symbol {
			continue
		}
		upd, err := m.UpdateOrder(ctx, o.ID, Patch{Status: &status})
		if err != nil {
			m.log.Warn().Err(err).Str("order_id", o.ID).Msg("cancel-all transition failed")
			continue
		}
		canceled = append(canceled, upd)
	}
	return canceled
}

// --- queries ---

// GetOrder returns a copy of the order by exchange id or client order id.
func (m *Manager) GetOrder(id string) (*types.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.resolveLocked(id)
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// OrdersBySymbol returns copies of all orders for a symbol.
func (m *Manager) OrdersBySymbol(symbol types.Symbol) []*types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.bySymbol[symbol])
}

// OrdersByStatus returns copies of all orders in a status.
func (m *Manager) OrdersByStatus(status types.OrderStatus) []*types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.collect(m.byStatus[status])
}

// OpenOrders returns NEW plus PARTIALLY_FILLED orders.
func (m *Manager) OpenOrders() []*types.Order {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := m.collect(m.byStatus[types.StatusNew])
	return append(out, m.collect(m.byStatus[types.StatusPartiallyFilled])...)
}

// OpenQuantity sums the unfilled quantity of open orders per (symbol, side).
func (m *Manager) OpenQuantity(symbol types.Symbol, side types.Side) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := decimal.Zero
	for id := range m.bySymbol[symbol] {
		o := m.orders[id]
		if o.Side == side && o.Status.IsOpen() {
			total = total.Add(o.RemainingQuantity())
		}
	}
	return total
}

// AverageFillPrice computes the volume-weighted average fill price across
// all orders for (symbol, side). Zero when nothing executed.
func (m *Manager) AverageFillPrice(symbol types.Symbol, side types.Side) decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	qty := decimal.Zero
	notional := decimal.Zero
	for id := range m.bySymbol[symbol] {
		o := m.orders[id]
		if o.Side != side || o.ExecutedQuantity.IsZero() {
			continue
		}
		qty = qty.Add(o.ExecutedQuantity)
		if !o.CumulativeQuoteQuantity.IsZero() {
			notional = notional.Add(o.CumulativeQuoteQuantity)
		} else {
			notional = notional.Add(o.ExecutedQuantity.Mul(o.AveragePrice))
		}
	}
	if qty.IsZero() {
		return decimal.Zero
	}
	return notional.DivRound(qty, 8)
}

// Stats aggregates counts per status plus the total tracked set.
func (m *Manager) Stats() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := map[string]int{"total": len(m.orders)}
	for status, set := range m.byStatus {
		out[string(status)] = len(set)
	}
	return out
}

// --- internals ---

func (m *Manager) resolveLocked(id string) (*types.Order, bool) {
	if o, ok := m.orders[id]; ok {
		return o, true
	}
	if real, ok := m.byClientID[id]; ok {
		o, ok := m.orders[real]
		return o, ok
	}
	return nil, false
}

func (m *Manager) indexAdd(o *types.Order) {
	if m.bySymbol[o.Symbol] == nil {
		m.bySymbol[o.Symbol] = make(map[string]bool)
	}
	m.bySymbol[o.Symbol][o.ID] = true
	if m.byStatus[o.Status] == nil {
		m.byStatus[o.Status] = make(map[string]bool)
	}
	m.byStatus[o.Status][o.ID] = true
}

func (m *Manager) indexRemove(o *types.Order) {
	delete(m.bySymbol[o.Symbol], o.ID)
	delete(m.byStatus[o.Status], o.ID)
}

func (m *Manager) statusIndexMove(o *types.Order, from, to types.OrderStatus) {
	delete(m.byStatus[from], o.ID)
	if m.byStatus[to] == nil {
		m.byStatus[to] = make(map[string]bool)
	}
	m.byStatus[to][o.ID] = true
}

func (m *Manager) collect(set map[string]bool) []*types.Order {
	out := make([]*types.Order, 0, len(set))
	for id := range set {
		out = append(out, m.orders[id].Clone())
	}
	return out
}

func (m *Manager) persist(ctx context.Context, o *types.Order) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveOrder(ctx, o); err != nil {
		m.log.Warn().Err(err).Str("order_id", o.ID).Msg("order write-through failed")
	}
}

// emit publishes the status event for the order's current status, gated so
// each (order, status) pair fires at most once process-wide.
func (m *Manager) emit(o *types.Order) {
	kind := events.KindForStatus(o.Status)
	if kind == "" || m.bus == nil {
		return
	}
	if !m.gate.Pass(o.ID, o.Status) {
		return
	}
	m.bus.Publish(events.Event{
		Kind:       kind,
		Exchange:   o.Exchange,
		Symbol:     o.Symbol,
		StrategyID: o.StrategyID,
		Time:       o.UpdateTime,
		Order:      o,
	})
}
