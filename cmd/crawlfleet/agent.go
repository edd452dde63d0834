package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/Strob0t/CrawlFleet/internal/adapter/httpdownload"
	cfotel "github.com/Strob0t/CrawlFleet/internal/adapter/otel"
	"github.com/Strob0t/CrawlFleet/internal/adapter/probe"
	"github.com/Strob0t/CrawlFleet/internal/adapter/redial"
	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/hostinfo"
	"github.com/Strob0t/CrawlFleet/internal/port/locker"
	"github.com/Strob0t/CrawlFleet/internal/port/messagequeue"
	"github.com/Strob0t/CrawlFleet/internal/port/network"
	"github.com/Strob0t/CrawlFleet/internal/service"
)

func newAgentCmd(load configLoader) *cobra.Command {
	var id string

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run a downloader agent",
		RunE: func(_ *cobra.Command, _ []string) error {
			return process(load, "agent", func(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
				if id != "" {
					cfg.Agent.ID = id
				}
				shutdown, err := cfotel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service+"-agent")
				if err != nil {
					return fmt.Errorf("telemetry: %w", err)
				}
				defer flushTelemetry(shutdown)

				in, err := openChannel(ctx, cfg, "agent", false)
				if err != nil {
					return err
				}
				defer in.Close()

				lk, err := in.resourceLocker(ctx, cfg)
				if err != nil {
					return err
				}
				a, err := buildAgent(ctx, cfg, log, in.queue, lk)
				if err != nil {
					return err
				}
				return a.Run(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "agent id (default: a fresh UUID per start)")
	return cmd
}

// buildAgent assembles a downloader agent. Agents of one process share the
// locker.
func buildAgent(ctx context.Context, cfg *config.Config, log *slog.Logger, queue messagequeue.Queue, lk locker.Locker) (*service.Agent, error) {
	deps := service.AgentDeps{
		Queue:  queue,
		Locker: lk,
		Downloader: httpdownload.New(httpdownload.Config{
			UserAgent: cfg.Agent.UserAgent,
			Timeout:   cfg.Agent.DownloadTimeout,
		}),
		Sampler: hostinfo.SystemSampler{},
		Logger:  log,
	}

	switch cfg.Detector.Mode {
	case "off":
		log.Info("internet detector disabled")
	default:
		deps.Monitor = service.NewConnectivityMonitor(cfg.Detector, probe.FromEndpoints(cfg.Detector.Endpoints), log)
		var r network.Redialer = redial.Unsupported{}
		if cfg.Detector.Mode == "dialup" {
			r = redial.NewCommand(cfg.Redialer.DownCommand, cfg.Redialer.UpCommand, cfg.Redialer.Settle)
		}
		deps.Redial = service.NewRedial(cfg.Redialer, r, deps.Monitor, log)
	}

	identity := hostinfo.Identity(ctx, cfg.Agent.ID, time.Now())
	a, err := service.NewAgent(cfg.Agent, identity, deps)
	if err != nil {
		return nil, err
	}
	log.Info("agent identity",
		"agent_id", identity.ID,
		"hostname", identity.Hostname,
		"address", identity.Address,
		"detector", cfg.Detector.Mode,
		"locker", cfg.Locker.Backend,
	)
	return a, nil
}
