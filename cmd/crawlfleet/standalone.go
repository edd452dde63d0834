package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	cfotel "github.com/Strob0t/CrawlFleet/internal/adapter/otel"
	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/service"
)

func newStandaloneCmd(load configLoader) *cobra.Command {
	var agents int

	cmd := &cobra.Command{
		Use:   "standalone",
		Short: "Run the register center and local agents in one process",
		Long: `Run the register center and one or more agents in one process.
With channel.backend=memory no NATS server is needed.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if agents < 1 {
				return fmt.Errorf("--agents must be at least 1")
			}
			return process(load, "standalone", func(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
				shutdown, err := cfotel.Setup(ctx, cfg.Telemetry, cfg.Logging.Service)
				if err != nil {
					return fmt.Errorf("telemetry: %w", err)
				}
				defer flushTelemetry(shutdown)

				in, err := openChannel(ctx, cfg, "standalone", true)
				if err != nil {
					return err
				}
				defer in.Close()

				lk, err := in.resourceLocker(ctx, cfg)
				if err != nil {
					return err
				}

				// Agents run under their own generated identities.
				agentCfg := *cfg
				agentCfg.Agent.ID = ""
				fleet := make([]*service.Agent, agents)
				for i := range fleet {
					if fleet[i], err = buildAgent(ctx, &agentCfg, log, in.queue, lk); err != nil {
						return err
					}
				}

				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error { return runCenter(gctx, cfg, log, in) })
				for _, a := range fleet {
					g.Go(func() error { return a.Run(gctx) })
				}
				return g.Wait()
			})
		},
	}
	cmd.Flags().IntVar(&agents, "agents", 1, "number of local agents")
	return cmd
}
