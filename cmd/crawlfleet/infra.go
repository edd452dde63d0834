package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/Strob0t/CrawlFleet/internal/adapter/filelock"
	"github.com/Strob0t/CrawlFleet/internal/adapter/memory"
	cfnats "github.com/Strob0t/CrawlFleet/internal/adapter/nats"
	"github.com/Strob0t/CrawlFleet/internal/adapter/natskv"
	"github.com/Strob0t/CrawlFleet/internal/adapter/postgres"
	"github.com/Strob0t/CrawlFleet/internal/adapter/redislock"
	cfristretto "github.com/Strob0t/CrawlFleet/internal/adapter/ristretto"
	"github.com/Strob0t/CrawlFleet/internal/adapter/tiered"
	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/port/cache"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
	"github.com/Strob0t/CrawlFleet/internal/port/locker"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/resilience"
)

// infra owns the shared connections of one process. Cleanup functions run
// in reverse order of acquisition.
type infra struct {
	queue    messagequeue.Queue
	jetQueue *cfnats.Queue // nil on the memory channel
	cleanup  []func()
}

func (in *infra) onClose(fn func()) { in.cleanup = append(in.cleanup, fn) }

func (in *infra) Close() {
	for i := len(in.cleanup) - 1; i >= 0; i-- {
		in.cleanup[i]()
	}
}

// openChannel connects the message channel. A memory channel only connects
// components of the same process.
func openChannel(ctx context.Context, cfg *config.Config, role string, allowMemory bool) (*infra, error) {
	in := &infra{}
	switch cfg.Channel.Backend {
	case "memory":
		if !allowMemory {
			return nil, fmt.Errorf("channel: the memory backend only serves the standalone command")
		}
		q := memory.NewQueue()
		in.queue = q
		in.onClose(func() { _ = q.Close() })
	default:
		q, err := cfnats.Connect(ctx, cfnats.Options{
			URL:    cfg.NATS.URL,
			Stream: cfg.NATS.Stream,
			MaxAge: cfg.NATS.MaxAge,
			Name:   "crawlfleet-" + role,
		})
		if err != nil {
			return nil, fmt.Errorf("nats: %w", err)
		}
		in.queue = q
		in.jetQueue = q
		in.onClose(func() {
			if err := q.Drain(); err != nil {
				slog.Warn("nats drain failed", "error", err)
			}
		})
	}
	return in, nil
}

// completionCache builds the center's completion cache: ristretto in
// process, backed by a JetStream KV bucket when NATS is the channel.
func (in *infra) completionCache(ctx context.Context, cfg *config.Config) (cache.Cache, error) {
	l1, err := cfristretto.New(cfg.Cache.L1MaxSizeMB << 20)
	if err != nil {
		return nil, fmt.Errorf("l1 cache: %w", err)
	}
	in.onClose(l1.Close)
	if in.jetQueue == nil {
		return l1, nil
	}

	kv, err := in.jetQueue.KeyValue(ctx, cfg.NATS.CacheName, cfg.NATS.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("l2 cache: %w", err)
	}
	breaker := resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	return tiered.New(l1, natskv.New(kv), cfg.Cache.TTL, breaker), nil
}

// auditStore opens the Postgres audit store and applies migrations. It
// returns nil when no DSN is configured.
func (in *infra) auditStore(ctx context.Context, cfg *config.Config) (database.Store, error) {
	if cfg.Postgres.DSN == "" {
		slog.Info("postgres disabled, audit history off")
		return nil, nil
	}
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	in.onClose(pool.Close)
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")
	return postgres.NewStore(pool), nil
}

// resourceLocker builds the locker selected by locker.backend.
func (in *infra) resourceLocker(ctx context.Context, cfg *config.Config) (locker.Locker, error) {
	switch cfg.Locker.Backend {
	case "memory":
		return memory.NewLocker(), nil
	case "natskv":
		if in.jetQueue == nil {
			return nil, fmt.Errorf("locker: natskv requires the nats channel")
		}
		kv, err := in.jetQueue.KeyValue(ctx, cfg.NATS.KVBucket, 0)
		if err != nil {
			return nil, fmt.Errorf("locker: %w", err)
		}
		return natskv.NewLocker(kv), nil
	case "redis":
		l, err := redislock.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, fmt.Errorf("locker: %w", err)
		}
		in.onClose(func() { _ = l.Close() })
		return l, nil
	default:
		l, err := filelock.New(cfg.Locker.Dir)
		if err != nil {
			return nil, fmt.Errorf("locker: %w", err)
		}
		return l, nil
	}
}
