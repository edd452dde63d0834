package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/Strob0t/CrawlFleet/internal/adapter/postgres"
	"github.com/Strob0t/CrawlFleet/internal/config"
)

func newMigrateCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the audit store schema",
	}

	withDSN := func(fn func(ctx context.Context, dsn string) error) func(*cobra.Command, []string) error {
		return func(_ *cobra.Command, _ []string) error {
			return process(load, "migrate", func(ctx context.Context, cfg *config.Config, _ *slog.Logger) error {
				if cfg.Postgres.DSN == "" {
					return fmt.Errorf("postgres.dsn (DATABASE_URL) is not set")
				}
				return fn(ctx, cfg.Postgres.DSN)
			})
		}
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back the last migrations",
		RunE: withDSN(func(ctx context.Context, dsn string) error {
			if err := postgres.RollbackMigrations(ctx, dsn, steps); err != nil {
				return err
			}
			slog.Info("migrations rolled back", "steps", steps)
			return nil
		}),
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply pending migrations",
			RunE: withDSN(func(ctx context.Context, dsn string) error {
				if err := postgres.RunMigrations(ctx, dsn); err != nil {
					return err
				}
				slog.Info("migrations applied")
				return nil
			}),
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDSN(func(ctx context.Context, dsn string) error {
					v, err := postgres.MigrationVersion(ctx, dsn)
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), "schema version", v)
					return nil
				})(cmd, args)
			},
		},
	)
	return cmd
}
