// Package tiered implements a two-level (L1 + L2) cache adapter.
package tiered

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/port/cache"
	"github.com/Strob0t/CrawlFleet/internal/resilience"
)

// Cache combines an L1 (in-process) and L2 (remote) cache.
// Get checks L1 first, then L2 (backfilling L1 on L2 hit).
// Set and Delete operate on both levels. L2 failures are logged and
// degrade the cache to L1 only; a breaker stops calling a failing L2.
type Cache struct {
	l1       cache.Cache
	l2       cache.Cache
	l1Expire time.Duration
	breaker  *resilience.Breaker
}

var _ cache.Cache = (*Cache)(nil)

// New creates a tiered cache with the given L1 and L2 backends.
// l1Expire controls how long L2 backfill entries live in L1. breaker may be nil.
func New(l1, l2 cache.Cache, l1Expire time.Duration, breaker *resilience.Breaker) *Cache {
	if breaker == nil {
		breaker = resilience.NewBreaker(5, 30*time.Second)
	}
	return &Cache{l1: l1, l2: l2, l1Expire: l1Expire, breaker: breaker}
}

// Get checks L1, then L2. On L2 hit, backfills L1.
func (c *Cache) Get(ctx context.Context, key string) (data []byte, ok bool, err error) {
	val, found, err := c.l1.Get(ctx, key)
	if err != nil {
		return nil, false, err
	}
	if found {
		return val, true, nil
	}

	err = c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		var l2err error
		val, found, l2err = c.l2.Get(ctx, key)
		return l2err
	})
	if err != nil {
		slog.WarnContext(ctx, "l2 cache get failed", "key", key, "error", err)
		return nil, false, nil
	}
	if found {
		_ = c.l1.Set(ctx, key, val, c.l1Expire)
		return val, true, nil
	}
	return nil, false, nil
}

// Set writes to both L1 and L2.
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.l1.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	if err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return c.l2.Set(ctx, key, value, ttl)
	}); err != nil {
		slog.WarnContext(ctx, "l2 cache set failed", "key", key, "error", err)
	}
	return nil
}

// Delete removes from both L1 and L2.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.l1.Delete(ctx, key); err != nil {
		return err
	}
	if err := c.breaker.ExecuteContext(ctx, func(ctx context.Context) error {
		return c.l2.Delete(ctx, key)
	}); err != nil {
		slog.WarnContext(ctx, "l2 cache delete failed", "key", key, "error", err)
	}
	return nil
}
