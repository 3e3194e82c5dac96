package cmd

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v3"
	"github.com/viperadnan-git/relaybot/internal/config"
)

var version = "dev"

func App() *cli.Command {
	return &cli.Command{
		Name:    "relaybot",
		Version: version,
		Usage:   "Chat-driven torrent and media relay: cached debrid, seedbox, yt-dlp, feeds and uploads.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to TOML config file",
				Sources: cli.EnvVars("RELAYBOT_CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides logging.level",
				Sources: cli.EnvVars("RB_LOGGING_LEVEL"),
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			migrateCmd(),
			tokenCmd(),
		},
	}
}

// loadConfig reads the config named by --config and applies its logging
// section to the global logger.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Logging.Level = v
	}
	setupLogging(cfg.Logging)
	return cfg, nil
}

func setupLogging(c config.LoggingConfig) {
	if c.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		log.Warn().Str("level", c.Level).Msg("unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Debug().Str("level", level.String()).Str("format", c.Format).Msg("logging configured")
}
