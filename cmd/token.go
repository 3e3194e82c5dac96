package cmd

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/relaybot/internal/controller"
	"github.com/viperadnan-git/relaybot/internal/controller/api/middleware"
)

func tokenCmd() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Issue an HTTP API token for an operator",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "operator",
				Usage:    "Operator id, the same as the Telegram user id",
				Required: true,
			},
			&cli.DurationFlag{
				Name:  "expiry",
				Usage: "Token lifetime, overrides auth.jwt_expiry",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			st, err := controller.OpenStore(ctx, cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			secret, err := controller.EnsureJWTSecret(ctx, st, cfg.Auth.JWTSecret)
			if err != nil {
				return err
			}
			expiry := cfg.Auth.JWTExpiry
			if d := cmd.Duration("expiry"); d > 0 {
				expiry = d
			}
			token, err := middleware.IssueToken(secret, cmd.String("operator"), expiry)
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
}
