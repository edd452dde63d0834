// Package redislock implements the locker port on Redis, for agents on
// different hosts sharing contention domains.
package redislock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/port/locker"
)

// extendScript refreshes the expiry only if the caller still holds the key.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseScript deletes the key only if the caller still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker stores one key per lease whose value is the holder; Redis expiry
// enforces the ttl.
type Locker struct {
	client *redis.Client
	prefix string
}

var _ locker.Locker = (*Locker)(nil)

// Connect dials Redis and verifies the connection.
func Connect(ctx context.Context, cfg config.Redis) (*Locker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DisableIdentity: true,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	slog.Info("redis connected", "addr", cfg.Addr)
	return New(client, cfg.Prefix), nil
}

// New wraps an existing client.
func New(client *redis.Client, prefix string) *Locker {
	return &Locker{client: client, prefix: prefix}
}

// Acquire grants key to holder unless another holder has a live lease.
func (l *Locker) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	k := l.prefix + key

	ok, err := l.client.SetNX(ctx, k, holder, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if ok {
		return true, nil
	}

	n, err := extendScript.Run(ctx, l.client, []string{k}, holder, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("redis extend %s: %w", key, err)
	}
	return n == 1, nil
}

// Release drops holder's lease on key. Foreign or expired leases are left alone.
func (l *Locker) Release(ctx context.Context, key, holder string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.prefix + key}, holder).Err(); err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	return nil
}

// Close closes the underlying client.
func (l *Locker) Close() error {
	return l.client.Close()
}
