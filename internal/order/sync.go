package order

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/pkg/exchanges/common"
	"tradecore/pkg/ring"
	"tradecore/pkg/types"
)

// SyncError is one failed per-order query kept in the bounded error ring.
type SyncError struct {
	Exchange string
	OrderID  string
	Err      string
	Time     time.Time
}

// SyncStats snapshots the reconciliation counters.
type SyncStats struct {
	TotalSyncs      uint64
	SuccessfulSyncs uint64
	FailedSyncs     uint64
	OrdersUpdated   uint64
	LastErrors      []SyncError
}

// SyncService periodically polls open orders against their exchanges and
// republishes status changes the stream may have dropped. All changes flow
// through the Order Manager, whose shared status gate suppresses the
// duplicate that would otherwise fire when both the poller and the stream
// observe the same transition.
type SyncService struct {
	manager    *Manager
	connectors map[string]common.Connector
	interval   time.Duration
	batchSize  int
	log        zerolog.Logger

	totalSyncs      atomic.Uint64
	successfulSyncs atomic.Uint64
	failedSyncs     atomic.Uint64
	ordersUpdated   atomic.Uint64

	errMu   sync.Mutex
	lastErr *ring.Ring[SyncError]
}

// NewSyncService creates the reconciliation loop. interval is clamped to a
// 1s minimum; batchSize bounds concurrent per-exchange queries.
func NewSyncService(manager *Manager, connectors map[string]common.Connector,
	interval time.Duration, batchSize, maxErrorRecords int, log zerolog.Logger) *SyncService {
	if interval < time.Second {
		interval = time.Second
	}
	if batchSize <= 0 {
		batchSize = 5
	}
	if maxErrorRecords <= 0 {
		maxErrorRecords = 10
	}
	return &SyncService{
		manager:    manager,
		connectors: connectors,
		interval:   interval,
		batchSize:  batchSize,
		lastErr:    ring.New[SyncError](maxErrorRecords),
		log:        log.With().Str("component", "order_sync").Logger(),
	}
}

// Start runs the loop until ctx is cancelled.
func (s *SyncService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.SyncOnce(ctx)
			}
		}
	}()
	s.log.Info().Dur("interval", s.interval).Int("batch", s.batchSize).Msg("order sync started")
}

// SyncOnce performs one reconciliation pass over all local open orders.
func (s *SyncService) SyncOnce(ctx context.Context) {
	s.totalSyncs.Add(1)

	open := s.manager.OpenOrders()
	if len(open) == 0 {
		s.successfulSyncs.Add(1)
		return
	}

	byExchange := make(map[string][]*types.Order)
	for _, o := range open {
		byExchange[o.Exchange] = append(byExchange[o.Exchange], o)
	}

	failed := false
	for exchange, orders := range byExchange {
		conn, ok := s.connectors[exchange]
		if !ok || !conn.IsConnected() {
			s.log.Debug().Str("exchange", exchange).Msg("skipping sync: connector not connected")
			continue
		}
		if !s.syncExchange(ctx, conn, orders) {
			failed = true
		}
	}

	if failed {
		s.failedSyncs.Add(1)
	} else {
		s.successfulSyncs.Add(1)
	}
}

func (s *SyncService) syncExchange(ctx context.Context, conn common.Connector, orders []*types.Order) bool {
	sem := make(chan struct{}, s.batchSize)
	var wg sync.WaitGroup
	var okAll atomic.Bool
	okAll.Store(true)

	for _, o := range orders {
		if ctx.Err() != nil {
			return okAll.Load()
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(local *types.Order) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := s.syncOrder(ctx, conn, local); err != nil {
				okAll.Store(false)
				s.recordError(conn.Name(), local.ID, err)
			}
		}(o)
	}
	wg.Wait()
	return okAll.Load()
}

func (s *SyncService) syncOrder(ctx context.Context, conn common.Connector, local *types.Order) error {
	remote, err := conn.GetOrder(ctx, local.Symbol, local.ID, local.ClientOrderID)
	if err != nil {
		return err
	}

	if !s.changed(local, remote) {
		return nil
	}

	remote.StrategyID = local.StrategyID // exchange records don't carry our tags
	if err := s.manager.ApplyExchangeOrder(ctx, remote); err != nil {
		return err
	}
	s.ordersUpdated.Add(1)
	s.log.Info().
		Str("order_id", local.ID).
		Str("status", string(remote.Status)).
		Str("executed", remote.ExecutedQuantity.String()).
		Msg("order reconciled from exchange")
	return nil
}

// changed reports divergence in any of status, executed quantity or
// cumulative quote quantity.
func (s *SyncService) changed(local, remote *types.Order) bool {
	return local.Status != remote.Status ||
		!local.ExecutedQuantity.Equal(remote.ExecutedQuantity) ||
		!local.CumulativeQuoteQuantity.Equal(remote.CumulativeQuoteQuantity)
}

func (s *SyncService) recordError(exchange, orderID string, err error) {
	s.errMu.Lock()
	s.lastErr.Push(SyncError{Exchange: exchange, OrderID: orderID, Err: err.Error(), Time: time.Now()})
	s.errMu.Unlock()
	s.log.Warn().Err(err).Str("exchange", exchange).Str("order_id", orderID).Msg("order sync query failed")
}

// Stats returns the per-sync counters and the bounded error history.
func (s *SyncService) Stats() SyncStats {
	s.errMu.Lock()
	errs := s.lastErr.Items()
	s.errMu.Unlock()
	return SyncStats{
		TotalSyncs:      s.totalSyncs.Load(),
		SuccessfulSyncs: s.successfulSyncs.Load(),
		FailedSyncs:     s.failedSyncs.Load(),
		OrdersUpdated:   s.ordersUpdated.Load(),
		LastErrors:      errs,
	}
}
