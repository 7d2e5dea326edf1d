// Package cache keeps short-lived Redis copies of processor-owned facts.
// Nothing stored here is authoritative; fund movements always re-query the
// processor.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const capabilityPrefix = "payout:capable:"

// CapabilityCache caches whether a payout account can receive funds.  A
// nil Redis client turns every lookup into a miss.
type CapabilityCache struct {
	rdb redis.Cmdable
	ttl time.Duration
}

// NewCapabilityCache returns a cache over rdb.  A nil client yields a
// cache that always misses.
func NewCapabilityCache(rdb redis.Cmdable, ttl time.Duration) *CapabilityCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &CapabilityCache{rdb: rdb, ttl: ttl}
}

func (c *CapabilityCache) enabled() bool {
	if c == nil || c.rdb == nil {
		return false
	}
	if cl, ok := c.rdb.(*redis.Client); ok && cl == nil {
		return false
	}
	return true
}

// Get returns the cached capability and whether an entry was present.
func (c *CapabilityCache) Get(ctx context.Context, accountRef string) (capable, found bool, err error) {
	if !c.enabled() {
		return false, false, nil
	}
	v, err := c.rdb.Get(ctx, capabilityPrefix+accountRef).Result()
	if errors.Is(err, redis.Nil) {
		return false, false, nil
	}
	if err != nil {
		return false, false, err
	}
	return v == "1", true, nil
}

// Set stores the capability for the configured TTL.
func (c *CapabilityCache) Set(ctx context.Context, accountRef string, capable bool) error {
	if !c.enabled() {
		return nil
	}
	v := "0"
	if capable {
		v = "1"
	}
	return c.rdb.Set(ctx, capabilityPrefix+accountRef, v, c.ttl).Err()
}

// Invalidate drops the entry, e.g. after an account.updated notification.
func (c *CapabilityCache) Invalidate(ctx context.Context, accountRef string) error {
	if !c.enabled() {
		return nil
	}
	return c.rdb.Del(ctx, capabilityPrefix+accountRef).Err()
}
