// Package cache defines the key-value cache port behind the center's
// completion records.
package cache

import (
	"context"
	"time"
)

// Cache stores opaque values by key. A miss is reported as ok=false with a
// nil error; errors are reserved for backend failures. A ttl of zero or less
// leaves expiry to the backend.
type Cache interface {
	Get(ctx context.Context, key string) (data []byte, ok bool, err error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
