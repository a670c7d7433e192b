package web

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// statusCacheTTL bounds how often /api/status may trigger a full
// withheld-fee scan against the ledger.
const statusCacheTTL = 30 * time.Second

// cachedStatus memoizes AccumulatedFees so bursts of dashboard polling
// reuse one ledger scan instead of issuing one per request.
type cachedStatus struct {
	inner StatusProvider
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	value   uint64
	fetched time.Time
	valid   bool
}

func newCachedStatus(inner StatusProvider, clock clockwork.Clock, ttl time.Duration) *cachedStatus {
	return &cachedStatus{inner: inner, clock: clock, ttl: ttl}
}

func (c *cachedStatus) AccumulatedFees(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.valid && c.clock.Since(c.fetched) < c.ttl {
		return c.value, nil
	}

	value, err := c.inner.AccumulatedFees(ctx)
	if err != nil {
		// A dashboard read should not fail because one scan did; serve
		// the stale figure when there is one.
		if c.valid {
			return c.value, nil
		}
		return 0, err
	}

	c.value = value
	c.fetched = c.clock.Now()
	c.valid = true
	return value, nil
}
