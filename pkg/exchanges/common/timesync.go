package common

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TimeSync tracks the offset between local and exchange server clocks so
// signed requests carry timestamps the venue accepts.
type TimeSync struct {
	getServerTime func(ctx context.Context) (int64, error)
	offset        int64 // milliseconds, server - local
	lastSync      time.Time
	syncInterval  time.Duration
	log           zerolog.Logger
	mu            sync.RWMutex
}

// NewTimeSync creates a time synchronization manager.
func NewTimeSync(getServerTime func(ctx context.Context) (int64, error), log zerolog.Logger) *TimeSync {
	return &TimeSync{
		getServerTime: getServerTime,
		syncInterval:  30 * time.Minute,
		log:           log.With().Str("component", "timesync").Logger(),
	}
}

// Start runs an initial sync and then resyncs periodically until ctx ends.
func (ts *TimeSync) Start(ctx context.Context) {
	if err := ts.Sync(ctx); err != nil {
		ts.log.Warn().Err(err).Msg("initial time sync failed")
	}

	go func() {
		ticker := time.NewTicker(ts.syncInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := ts.Sync(ctx); err != nil {
					ts.log.Warn().Err(err).Msg("time sync failed")
				}
			}
		}
	}()
}

// Sync fetches server time and updates the offset, assuming symmetric latency.
func (ts *TimeSync) Sync(ctx context.Context) error {
	localBefore := time.Now().UnixMilli()
	serverTime, err := ts.getServerTime(ctx)
	if err != nil {
		return err
	}
	localAfter := time.Now().UnixMilli()

	latency := (localAfter - localBefore) / 2
	local := localBefore + latency

	ts.mu.Lock()
	ts.offset = serverTime - local
	ts.lastSync = time.Now()
	ts.mu.Unlock()

	ts.log.Debug().Int64("offset_ms", serverTime-local).Msg("time synced")
	return nil
}

// Now returns the current time in exchange clock milliseconds.
func (ts *TimeSync) Now() int64 {
	ts.mu.RLock()
	defer ts.mu.RUnlock()
	return time.Now().UnixMilli() + ts.offset
}
