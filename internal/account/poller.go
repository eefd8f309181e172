// Package account runs the periodic balance/position snapshot service. It
// is independent of the trading path: snapshots feed analytics and the
// balance/position events, nothing here blocks an order.
package account

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"tradecore/internal/events"
	"tradecore/pkg/db"
	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/types"
)

// Poller fetches balances and positions per exchange on a fixed cadence,
// publishes balance_update + position_update pairs, and appends the
// composed snapshot to the snapshot store. A cycle that fails is skipped,
// not queued, so recovery never thunders.
type Poller struct {
	connectors map[string]common.Connector
	bus        *events.Bus
	store      db.AccountSnapshotStore
	interval   time.Duration
	log        zerolog.Logger

	cron *cron.Cron

	mu     sync.RWMutex
	latest map[string]*types.AccountSnapshot
}

// NewPoller wires the account polling service.
func NewPoller(connectors map[string]common.Connector, bus *events.Bus,
	store db.AccountSnapshotStore, interval time.Duration, log zerolog.Logger) *Poller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Poller{
		connectors: connectors,
		bus:        bus,
		store:      store,
		interval:   interval,
		latest:     make(map[string]*types.AccountSnapshot),
		log:        log.With().Str("component", "account_poll").Logger(),
	}
}

// Start schedules the polling job. Overlapping runs are skipped so a slow
// exchange can never stack cycles.
func (p *Poller) Start(ctx context.Context) error {
	p.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	_, err := p.cron.AddFunc(fmt.Sprintf("@every %s", p.interval), func() {
		p.PollOnce(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule account poll: %w", err)
	}
	p.cron.Start()

	go func() {
		<-ctx.Done()
		p.cron.Stop()
	}()

	p.log.Info().Dur("interval", p.interval).Msg("account polling started")
	return nil
}

// PollOnce snapshots every connected exchange.
func (p *Poller) PollOnce(ctx context.Context) {
	for name, conn := range p.connectors {
		if !conn.IsConnected() {
			continue
		}
		if err := p.pollExchange(ctx, name, conn); err != nil {
			p.log.Warn().Err(err).Str("exchange", name).Msg("account poll cycle skipped")
		}
	}
}

func (p *Poller) pollExchange(ctx context.Context, name string, conn common.Connector) error {
	balances, err := conn.GetBalances(ctx)
	if err != nil {
		return fmt.Errorf("balances: %w", err)
	}
	positions, err := conn.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("positions: %w", err)
	}

	snap := Compose(name, balances, positions, time.Now())

	p.mu.Lock()
	p.latest[name] = snap
	p.mu.Unlock()

	now := snap.Time
	p.bus.Publish(events.Event{
		Kind: events.KindBalanceUpdate, Exchange: name, Time: now, Balances: balances,
	})
	p.bus.Publish(events.Event{
		Kind: events.KindPositionUpdate, Exchange: name, Time: now, Positions: snap.Positions,
	})

	if p.store != nil {
		payload, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("encode snapshot: %w", err)
		}
		if err := p.store.AppendSnapshot(ctx, name, now, payload); err != nil {
			return fmt.Errorf("persist snapshot: %w", err)
		}
	}
	return nil
}

// Latest returns the most recent snapshot for an exchange.
func (p *Poller) Latest(exchange string) (*types.AccountSnapshot, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.latest[exchange]
	return s, ok
}

// OpenPositionCount counts non-flat positions across all exchanges, for
// the risk filter's maxOpenPositions check.
func (p *Poller) OpenPositionCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := 0
	for _, snap := range p.latest {
		for _, pos := range snap.Positions {
			if !pos.Quantity.IsZero() {
				n++
			}
		}
	}
	return n
}

// Compose builds a snapshot with the derived aggregates: total position
// value as the sum of |quantity|*mark, and unrealized PnL taken from the
// exchange when reported or derived from (mark - avg) * signedQuantity.
func Compose(exchange string, balances []types.Balance, positions []types.Position, at time.Time) *types.AccountSnapshot {
	totalValue := decimal.Zero
	totalPnl := decimal.Zero
	out := make([]types.Position, len(positions))
	for i, pos := range positions {
		pos.UnrealizedPnl = pos.PnL()
		pos.UpdatedAt = at
		totalValue = totalValue.Add(pos.Notional())
		totalPnl = totalPnl.Add(pos.UnrealizedPnl)
		out[i] = pos
	}
	return &types.AccountSnapshot{
		Exchange:           exchange,
		Balances:           balances,
		Positions:          out,
		TotalPositionValue: totalValue,
		UnrealizedPnl:      totalPnl,
		Time:               at,
	}
}
