// Package locker defines the resource locker port (interface).
package locker

import (
	"context"
	"time"
)

// Locker grants time-bounded, non-blocking leases on resource keys.
//
// Acquire is a test-and-set: it returns false (without error) when another
// holder owns a live lease. Acquiring a key already held by the same holder
// refreshes its expiry. Release is a no-op for expired or foreign leases.
type Locker interface {
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, holder string) error
}
