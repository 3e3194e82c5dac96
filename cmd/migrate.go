package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/relaybot/internal/database"
)

func migrateCmd() *cli.Command {
	flags := []cli.Flag{
		&cli.StringFlag{
			Name:    "store-url",
			Usage:   "PostgreSQL connection string, overrides store.url",
			Sources: cli.EnvVars("RB_STORE_URL"),
		},
	}

	return &cli.Command{
		Name:  "migrate",
		Usage: "Run PostgreSQL store migrations",
		Commands: []*cli.Command{
			{
				Name:  "up",
				Usage: "Apply all pending migrations",
				Flags: flags,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withPool(ctx, cmd, database.Migrate)
				},
			},
			{
				Name:  "down",
				Usage: "Roll back the last migration",
				Flags: flags,
				Action: func(ctx context.Context, cmd *cli.Command) error {
					return withPool(ctx, cmd, database.MigrateDown)
				},
			},
		},
	}
}

func withPool(ctx context.Context, cmd *cli.Command, fn func(context.Context, *pgxpool.Pool) error) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if v := cmd.String("store-url"); v != "" {
		cfg.Store.URL = v
	}
	if cfg.Store.Driver != "postgres" && cmd.String("store-url") == "" {
		return fmt.Errorf("migrations only apply to the postgres store driver, configured driver is %q", cfg.Store.Driver)
	}
	if cfg.Store.URL == "" {
		return fmt.Errorf("database URL is required (set RB_STORE_URL or --store-url)")
	}

	pool, err := database.Connect(ctx, cfg.Store.URL, cfg.Store.MaxConnections)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()

	return fn(ctx, pool)
}
