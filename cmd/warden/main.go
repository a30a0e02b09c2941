package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"warden/cmd/internal/app"
	"warden/cmd/internal/migrations"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:           "warden",
		Short:         "Identity and session service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Optional YAML config file; the environment overrides it")

	cmd.AddCommand(newServeCommand(&cfgFile))
	cmd.AddCommand(newMigrateCommand(&cfgFile))
	return cmd
}

func newServeCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := bootstrap(*cfgFile)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := app.New(ctx, cfg, log)
			if err != nil {
				log.Error("app.init.fail", zap.Error(err))
				return err
			}
			return a.Run(ctx)
		},
	}
}

func newMigrateCommand(cfgFile *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the Postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: withPool(cfgFile, func(ctx context.Context, pool *pgxpool.Pool, schema string, cmd *cobra.Command) error {
			if err := migrations.Up(ctx, pool, schema); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema %s is up to date\n", schema)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: withPool(cfgFile, func(ctx context.Context, pool *pgxpool.Pool, schema string, cmd *cobra.Command) error {
			return migrations.Down(ctx, pool, schema)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List applied and pending migrations",
		RunE: withPool(cfgFile, func(ctx context.Context, pool *pgxpool.Pool, schema string, cmd *cobra.Command) error {
			rows, err := migrations.List(ctx, pool, schema)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range rows {
				state := "pending"
				if r.Applied {
					state = "applied"
				}
				fmt.Fprintf(out, "%05d  %-8s %s\n", r.Version, state, r.Source)
			}
			return nil
		}),
	})
	return cmd
}

type poolFunc func(ctx context.Context, pool *pgxpool.Pool, schema string, cmd *cobra.Command) error

// withPool loads config, opens the database and hands the pool to fn.
func withPool(cfgFile *string, fn poolFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := bootstrap(*cfgFile)
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		if cfg.Database.URL == "" {
			return errors.New("migrate: DATABASE_URL is not set")
		}
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		pool, err := app.NewDBPool(ctx, cfg.Database, log)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, pool, cfg.Database.Schema, cmd)
	}
}

func bootstrap(cfgFile string) (app.Config, *zap.Logger, error) {
	cfg, err := app.LoadConfig(cfgFile)
	if err != nil {
		return app.Config{}, nil, err
	}
	log, err := app.NewLogger(cfg.Log)
	if err != nil {
		return app.Config{}, nil, err
	}
	return cfg, log, nil
}
