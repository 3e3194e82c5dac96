package cmd

import (
	"context"

	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/relaybot/internal/controller"
)

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the bot: chat commands, executor, feed poller and HTTP API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "store-url",
				Usage:   "Redis or PostgreSQL URL, overrides store.url",
				Sources: cli.EnvVars("RB_STORE_URL"),
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if v := cmd.String("store-url"); v != "" {
				cfg.Store.URL = v
			}
			return controller.Run(ctx, cfg)
		},
	}
}
