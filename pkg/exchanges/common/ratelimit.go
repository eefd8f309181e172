package common

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter combines a local token bucket with weight tracking from API
// response headers. The bucket smooths request bursts; the header tracking
// mirrors the venue's own accounting so we back off before a ban.
type RateLimiter struct {
	bucket *rate.Limiter

	usedWeight    int
	limit         int
	lastReset     time.Time
	resetInterval time.Duration
	mu            sync.RWMutex
}

// NewRateLimiter creates a rate limiter.
// rps: local request budget per second.
// weightLimit: maximum venue weight per window (e.g. 1200/min for spot).
func NewRateLimiter(rps float64, weightLimit int, resetInterval time.Duration) *RateLimiter {
	return &RateLimiter{
		bucket:        rate.NewLimiter(rate.Limit(rps), int(rps)+1),
		limit:         weightLimit,
		resetInterval: resetInterval,
		lastReset:     time.Now(),
	}
}

// Wait blocks until a request may be sent, honoring the context deadline.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	if rl.NearLimit() {
		// Hold one extra window step when venue accounting is nearly spent.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return rl.bucket.Wait(ctx)
}

// UpdateFromHeader records the used weight reported by an API response.
func (rl *RateLimiter) UpdateFromHeader(headerValue string) {
	if headerValue == "" {
		return
	}
	weight, err := strconv.Atoi(headerValue)
	if err != nil {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		rl.usedWeight = 0
		rl.lastReset = time.Now()
	}
	rl.usedWeight = weight
}

// Usage returns the current used weight, limit, and percentage.
func (rl *RateLimiter) Usage() (used int, limit int, percentage float64) {
	rl.mu.RLock()
	defer rl.mu.RUnlock()
	if time.Since(rl.lastReset) >= rl.resetInterval {
		return 0, rl.limit, 0
	}
	return rl.usedWeight, rl.limit, float64(rl.usedWeight) / float64(rl.limit) * 100
}

// NearLimit reports whether venue weight accounting is above 90%.
func (rl *RateLimiter) NearLimit() bool {
	_, _, pct := rl.Usage()
	return pct >= 90
}
