package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cfhttp "github.com/Strob0t/CrawlFleet/internal/adapter/http"
	cfotel "github.com/Strob0t/CrawlFleet/internal/adapter/otel"
	cfprom "github.com/Strob0t/CrawlFleet/internal/adapter/prometheus"
	"github.com/Strob0t/CrawlFleet/internal/adapter/scheduler"
	"github.com/Strob0t/CrawlFleet/internal/adapter/ws"
	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/middleware"
	"github.com/Strob0t/CrawlFleet/internal/port/database"
	"github.com/Strob0t/CrawlFleet/internal/service"
)

func newCenterCmd(load configLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "center",
		Short: "Run the agent register center and its admin API",
		RunE: func(_ *cobra.Command, _ []string) error {
			return process(load, "center", func(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
				shutdown, err := cfotel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service+"-center")
				if err != nil {
					return fmt.Errorf("telemetry: %w", err)
				}
				defer flushTelemetry(shutdown)

				in, err := openChannel(ctx, cfg, "center", false)
				if err != nil {
					return err
				}
				defer in.Close()

				return runCenter(ctx, cfg, log, in)
			})
		},
	}
}

// runCenter serves the register center on in's channel until ctx is done.
func runCenter(ctx context.Context, cfg *config.Config, log *slog.Logger, in *infra) error {
	completions, err := in.completionCache(ctx, cfg)
	if err != nil {
		return err
	}
	store, err := in.auditStore(ctx, cfg)
	if err != nil {
		return err
	}
	stats, err := service.BuildStatistics(cfg.Statistics.Sinks, cfg.Breaker, log)
	if err != nil {
		return fmt.Errorf("statistics: %w", err)
	}

	hub := ws.NewHub(cfg.Server.CORSOrigin, log)
	defer hub.Close()

	center, err := service.NewCenter(cfg.Center, service.CenterDeps{
		Queue:         in.queue,
		Sink:          stats,
		Upstream:      scheduler.New(in.queue),
		Cache:         completions,
		Store:         store,
		Hub:           hub,
		Logger:        log,
		CompletionTTL: cfg.Cache.TTL,
	})
	if err != nil {
		return fmt.Errorf("center: %w", err)
	}

	srv := newAdminServer(cfg, center, store, in, hub)
	stopCleanup := func() {}
	if cfg.Rate.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
		stopCleanup = limiter.StartCleanup(time.Minute, 10*time.Minute)
		srv.Handler = limiter.Handler(srv.Handler)
	}
	defer stopCleanup()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return center.Run(gctx)
	})
	g.Go(func() error {
		slog.Info("starting admin server", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("admin server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down admin server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newAdminServer(cfg *config.Config, center *service.Center, store database.Store, in *infra, hub *ws.Hub) *http.Server {
	reg := prometheus.DefaultRegisterer
	reg.MustRegister(cfprom.NewAgentCollector(center.Snapshot))
	httpMetrics := cfprom.NewHTTPMetrics(reg)

	handlers := &cfhttp.Handlers{
		Center: center,
		Store:  store,
		Queue:  in.queue,
	}
	router := cfhttp.NewRouter(handlers, cfhttp.RouterOptions{
		CORSOrigin: cfg.Server.CORSOrigin,
		Middleware: []func(http.Handler) http.Handler{
			cfotel.HTTPMiddleware(cfg.Logging.Service + "-center"),
			httpMetrics.Middleware,
		},
		Metrics: cfprom.Handler(prometheus.DefaultGatherer),
		WS:      hub.HandleWS,
	})

	return &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

func flushTelemetry(shutdown cfotel.ShutdownFunc) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		slog.Warn("telemetry shutdown failed", "error", err)
	}
}
