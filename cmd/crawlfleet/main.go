package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Strob0t/CrawlFleet/internal/config"
	"github.com/Strob0t/CrawlFleet/internal/logger"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "crawlfleet",
		Short:         "Distributed crawler agent fleet: register center and downloader agents",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultConfigFile, "YAML configuration file")

	load := func() (*config.Config, error) {
		cfg, err := config.LoadFrom(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return cfg, nil
	}

	root.AddCommand(
		newCenterCmd(load),
		newAgentCmd(load),
		newStandaloneCmd(load),
		newMigrateCmd(load),
		newVersionCmd(),
	)
	return root
}

type configLoader func() (*config.Config, error)

// process runs fn with a logger and a context cancelled on SIGINT or SIGTERM.
func process(load configLoader, role string, fn func(ctx context.Context, cfg *config.Config, log *slog.Logger) error) error {
	cfg, err := load()
	if err != nil {
		return err
	}

	log, closer := logger.New(cfg.Logging)
	defer closer.Close()
	log = log.With("role", role)
	slog.SetDefault(log)

	slog.Info("config loaded",
		"channel", cfg.Channel.Backend,
		"log_level", cfg.Logging.Level,
		"version", version,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return fn(ctx, cfg, log)
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "crawlfleet", version)
		},
	}
}
