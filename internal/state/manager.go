// Package state persists and restores strategy snapshots, and rebuilds a
// strategy's position and open-order context after a restart by reconciling
// the local order trail with exchange truth.
package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// StateError marks recovery/consistency failures.
type StateError struct {
	StrategyID string
	Reason     string
	Err        error
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state %s: %s: %v", e.StrategyID, e.Reason, e.Err)
	}
	return fmt.Sprintf("state %s: %s", e.StrategyID, e.Reason)
}

func (e *StateError) Unwrap() error { return e.Err }

// ErrRecoveryInProgress rejects concurrent recoveries for one strategy.
var ErrRecoveryInProgress = errors.New("recovery already in progress")

// Source supplies the current snapshots of all active strategies for
// autosave sweeps.
type Source interface {
	SnapshotAll() []*types.StrategyState
}

type cacheEntry struct {
	state *types.StrategyState
	at    time.Time
}

// Manager is a write-through cache over the durable strategy-state store.
type Manager struct {
	store      db.StrategyStateStore
	orders     db.OrderStore
	connectors map[string]common.Connector
	log        zerolog.Logger

	cacheTTL        time.Duration
	autosaveEvery   time.Duration
	maxRecoveryTime time.Duration

	mu         sync.Mutex
	cache      map[string]*cacheEntry
	recovering map[string]bool
}

// NewManager wires the state manager. connectors may be nil when recovery
// should trust local persistence only.
func NewManager(store db.StrategyStateStore, orders db.OrderStore,
	connectors map[string]common.Connector,
	cacheTTL, autosaveEvery, maxRecoveryTime time.Duration, log zerolog.Logger) *Manager {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	if autosaveEvery <= 0 {
		autosaveEvery = 30 * time.Second
	}
	if maxRecoveryTime <= 0 {
		maxRecoveryTime = time.Minute
	}
	return &Manager{
		store:           store,
		orders:          orders,
		connectors:      connectors,
		cacheTTL:        cacheTTL,
		autosaveEvery:   autosaveEvery,
		maxRecoveryTime: maxRecoveryTime,
		cache:           make(map[string]*cacheEntry),
		recovering:      make(map[string]bool),
		log:             log.With().Str("component", "state_manager").Logger(),
	}
}

// SaveStrategyState persists a snapshot write-through: cache then store.
// The snapshot is cloned so later caller mutations never leak in.
func (m *Manager) SaveStrategyState(ctx context.Context, state *types.StrategyState) error {
	if state == nil || state.StrategyID == "" {
		return &StateError{Reason: "snapshot without strategy id"}
	}
	cp := state.Clone()
	if cp.LastUpdateTime.IsZero() {
		cp.LastUpdateTime = time.Now()
	}

	m.mu.Lock()
	m.cache[cp.StrategyID] = &cacheEntry{state: cp, at: time.Now()}
	m.mu.Unlock()

	blob, err := encodeSnapshot(cp)
	if err != nil {
		return &StateError{StrategyID: cp.StrategyID, Reason: "encode snapshot", Err: err}
	}
	if err := m.store.SaveState(ctx, cp.StrategyID, blob); err != nil {
		return &StateError{StrategyID: cp.StrategyID, Reason: "persist snapshot", Err: err}
	}
	return nil
}

// GetStrategyState reads the snapshot from cache when fresh, falling back
// to the durable store. Returns nil without error when none exists.
func (m *Manager) GetStrategyState(ctx context.Context, strategyID string) (*types.StrategyState, error) {
	m.mu.Lock()
	if e, ok := m.cache[strategyID]; ok && time.Since(e.at) < m.cacheTTL {
		st := e.state.Clone()
		m.mu.Unlock()
		return st, nil
	}
	m.mu.Unlock()

	blob, err := m.store.GetState(ctx, strategyID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &StateError{StrategyID: strategyID, Reason: "read snapshot", Err: err}
	}
	state, err := decodeSnapshot(blob)
	if err != nil {
		return nil, &StateError{StrategyID: strategyID, Reason: "decode snapshot", Err: err}
	}

	m.mu.Lock()
	m.cache[strategyID] = &cacheEntry{state: state.Clone(), at: time.Now()}
	m.mu.Unlock()
	return state, nil
}

// DeleteStrategyState removes the snapshot on strategy deletion.
func (m *Manager) DeleteStrategyState(ctx context.Context, strategyID string) error {
	m.mu.Lock()
	delete(m.cache, strategyID)
	m.mu.Unlock()
	return m.store.DeleteState(ctx, strategyID)
}

// StartAutosave runs periodic snapshot sweeps over src until ctx ends.
func (m *Manager) StartAutosave(ctx context.Context, src Source) {
	go func() {
		ticker := time.NewTicker(m.autosaveEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.autosave(ctx, src)
			}
		}
	}()
}

// FinalSave is the shutdown autosave with its own best-effort deadline.
func (m *Manager) FinalSave(src Source, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	m.autosave(ctx, src)
}

func (m *Manager) autosave(ctx context.Context, src Source) {
	for _, st := range src.SnapshotAll() {
		if err := m.SaveStrategyState(ctx, st); err != nil {
			m.log.Warn().Err(err).Str("strategy_id", st.StrategyID).Msg("autosave failed")
		}
	}
}

// RecoverStrategyState runs the startup reconciliation for one strategy:
// read the last snapshot, reconcile every non-terminal local order with the
// exchange, recompute the net position from the executed trail, and grade
// anything suspicious as issues. Per-order failures degrade to warnings and
// never abort the recovery.
func (m *Manager) RecoverStrategyState(ctx context.Context, strategyID string, longOnly bool) (*types.StrategyRecoveryResult, error) {
	m.mu.Lock()
	if m.recovering[strategyID] {
		m.mu.Unlock()
		return nil, fmt.Errorf("strategy %s: %w", strategyID, ErrRecoveryInProgress)
	}
	m.recovering[strategyID] = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.recovering, strategyID)
		m.mu.Unlock()
	}()

	start := time.Now()
	res := &types.StrategyRecoveryResult{StrategyID: strategyID}

	// Step 2: last snapshot.
	state, err := m.GetStrategyState(ctx, strategyID)
	if err != nil {
		res.Issues = append(res.Issues, types.RecoveryIssue{
			Level: types.IssueWarning, Message: fmt.Sprintf("snapshot read failed: %v", err),
		})
	} else if state == nil {
		res.Issues = append(res.Issues, types.RecoveryIssue{
			Level: types.IssueInfo, Message: "no snapshot found, starting clean",
		})
	} else {
		res.State = state
		res.Issues = append(res.Issues, types.RecoveryIssue{
			Level:   types.IssueInfo,
			Message: fmt.Sprintf("recovered snapshot from %s", state.LastUpdateTime.Format(time.RFC3339)),
		})
	}

	// Step 3: local orders, exchange truth wins for non-terminal ones.
	local, err := m.orders.ListOrders(ctx, db.OrderFilter{StrategyID: strategyID})
	if err != nil {
		res.Issues = append(res.Issues, types.RecoveryIssue{
			Level: types.IssueWarning, Message: fmt.Sprintf("order trail read failed: %v", err),
		})
	}
	for i, o := range local {
		if o.Status.IsTerminal() {
			continue
		}
		reconciled, rerr := m.reconcileOrder(ctx, o)
		if rerr != nil {
			res.Issues = append(res.Issues, types.RecoveryIssue{
				Level:   types.IssueWarning,
				OrderID: o.ID,
				Message: fmt.Sprintf("exchange query failed, keeping local copy: %v", rerr),
			})
			reconciled = o
		}
		local[i] = reconciled
		if reconciled.Status.IsOpen() {
			res.OpenOrders = append(res.OpenOrders, reconciled)
		}
	}

	// Step 4: recompute position from the executed trail.
	res.TotalPosition, res.AveragePrice = PositionFromOrders(local)

	// Step 5: consistency checks.
	if longOnly && res.TotalPosition.Sign() < 0 {
		res.Issues = append(res.Issues, types.RecoveryIssue{
			Level:   types.IssueWarning,
			Message: fmt.Sprintf("negative position %s for long-only strategy", res.TotalPosition),
		})
	}
	if len(res.OpenOrders) > 10 {
		res.Issues = append(res.Issues, types.RecoveryIssue{
			Level:   types.IssueWarning,
			Message: fmt.Sprintf("%d open orders after recovery", len(res.OpenOrders)),
		})
	}

	res.RecoveryTime = time.Since(start)
	if res.RecoveryTime > m.maxRecoveryTime {
		res.Issues = append(res.Issues, types.RecoveryIssue{
			Level:   types.IssueError,
			Message: fmt.Sprintf("recovery took %s, budget %s", res.RecoveryTime, m.maxRecoveryTime),
		})
	}

	m.log.Info().
		Str("strategy_id", strategyID).
		Str("position", res.TotalPosition.String()).
		Int("open_orders", len(res.OpenOrders)).
		Dur("elapsed", res.RecoveryTime).
		Msg("strategy recovery complete")
	return res, nil
}

// reconcileOrder overwrites the local order with the exchange record and
// persists the result.
func (m *Manager) reconcileOrder(ctx context.Context, local *types.Order) (*types.Order, error) {
	conn, ok := m.connectors[local.Exchange]
	if !ok || !conn.IsConnected() {
		return nil, fmt.Errorf("connector %s unavailable", local.Exchange)
	}
	remote, err := conn.GetOrder(ctx, local.Symbol, local.ID, local.ClientOrderID)
	if err != nil {
		return nil, err
	}
	remote.StrategyID = local.StrategyID
	if err := m.orders.SaveOrder(ctx, remote); err != nil {
		m.log.Warn().Err(err).Str("order_id", remote.ID).Msg("reconciled order persist failed")
	}
	return remote, nil
}

// PositionFromOrders folds an order trail (oldest first) into a net signed
// position and running weighted-average entry price. BUY adds, SELL
// subtracts; reductions keep the entry price, flips restart it.
func PositionFromOrders(orders []*types.Order) (pos, avg decimal.Decimal) {
	for _, o := range orders {
		if o.ExecutedQuantity.IsZero() {
			continue
		}
		price := o.AveragePrice
		if price.IsZero() && !o.ExecutedQuantity.IsZero() && !o.CumulativeQuoteQuantity.IsZero() {
			price = o.CumulativeQuoteQuantity.DivRound(o.ExecutedQuantity, 8)
		}
		pos, avg = applyFill(pos, avg, o.SignedExecuted(), price)
	}
	return pos, avg
}

func applyFill(pos, avg, signedQty, price decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	newPos := pos.Add(signedQty)
	switch {
	case newPos.IsZero():
		return decimal.Zero, decimal.Zero
	case pos.IsZero():
		return newPos, price
	case pos.Sign() == signedQty.Sign():
		// Increasing exposure: weight the entry price.
		notional := avg.Mul(pos.Abs()).Add(price.Mul(signedQty.Abs()))
		return newPos, notional.DivRound(newPos.Abs(), 8)
	case pos.Sign() == newPos.Sign():
		// Reduced but not flipped: entry price unchanged.
		return newPos, avg
	default:
		// Flipped through zero: the fill price opens the new exposure.
		return newPos, price
	}
}
