// Package enginesetup builds the configured backend adapters (Real-Debrid,
// aria2, yt-dlp, rclone) into a ready Registry and process Manager. It sits
// above the engine package and its implementations so it can import both
// without a cycle.
package enginesetup

import (
	"context"

	"github.com/rs/zerolog/log"
	appconfig "github.com/viperadnan-git/relaybot/internal/config"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/engine/aria2"
	"github.com/viperadnan-git/relaybot/internal/core/engine/realdebrid"
	"github.com/viperadnan-git/relaybot/internal/core/engine/ytdlp"
	"github.com/viperadnan-git/relaybot/internal/core/executor"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/process"
	"github.com/viperadnan-git/relaybot/internal/core/route"
	"github.com/viperadnan-git/relaybot/internal/core/statusloop"
	"github.com/viperadnan-git/relaybot/internal/core/storage"
)

// Result holds the outputs of InitBackends. A backend left out of the config
// stays nil and its jobs are refused up front.
type Result struct {
	Registry *engine.Registry
	ProcMgr  *process.Manager
	Backends executor.Backends
	Enabled  map[job.Backend]bool

	Cache         route.CacheChecker
	CacheLister   statusloop.CacheLister
	SeedboxLister statusloop.SeedboxLister
}

func InitBackends(ctx context.Context, cfg *appconfig.Config) *Result {
	r := &Result{
		Registry: engine.NewRegistry(),
		ProcMgr:  process.NewManager(),
		Enabled:  map[job.Backend]bool{},
	}
	tryInitRealDebrid(cfg, r)
	tryInitAria2(cfg, r)
	tryInitYtDlp(cfg, r)
	tryInitRclone(ctx, cfg, r)
	return r
}

func tryInitRealDebrid(cfg *appconfig.Config, r *Result) {
	if cfg.RealDebrid.Token == "" {
		return
	}
	rd := realdebrid.NewClient(cfg.RealDebrid.BaseURL, cfg.RealDebrid.Token, cfg.Backends.Timeout)
	r.Backends.Cache = rd
	r.Cache = rd
	r.CacheLister = rd
	r.Enabled[job.BackendCacheProvider] = true
	r.Registry.Register("real-debrid", rd)
	log.Info().Msg("real-debrid backend registered")
}

func tryInitAria2(cfg *appconfig.Config, r *Result) {
	if !cfg.Aria2.Enabled {
		return
	}
	acfg := aria2.Config{
		RPCURL:      cfg.Aria2.RPCURL,
		RPCSecret:   cfg.Aria2.RPCSecret,
		DownloadDir: cfg.Aria2.DownloadDir,
		Timeout:     cfg.Backends.Timeout,
	}
	if cfg.Aria2.SFTPAddr != "" {
		acfg.SFTP = &aria2.SFTPConfig{
			Addr:     cfg.Aria2.SFTPAddr,
			User:     cfg.Aria2.SFTPUser,
			Password: cfg.Aria2.SFTPPassword,
			KeyFile:  cfg.Aria2.SFTPKeyFile,
			HostKey:  cfg.Aria2.SFTPHostKey,
			Timeout:  cfg.Backends.Timeout,
		}
	}
	sb := aria2.New(acfg)
	if cfg.Aria2.Trackers {
		sb.LoadTrackers()
	}
	if cfg.Aria2.Managed {
		r.ProcMgr.Register(sb.Daemon(cfg.Aria2.RPCPort))
	}
	r.Backends.Seedbox = sb
	r.SeedboxLister = sb
	r.Enabled[job.BackendSeedbox] = true
	r.Registry.Register("aria2", sb)
	log.Info().Bool("managed", cfg.Aria2.Managed).Bool("sftp", acfg.SFTP != nil).Msg("aria2 seedbox registered")
}

func tryInitYtDlp(cfg *appconfig.Config, r *Result) {
	if !cfg.Fetcher.Enabled {
		return
	}
	f := ytdlp.New(cfg.Fetcher.Binary, cfg.Fetcher.DefaultFormat)
	if err := f.Check(); err != nil {
		log.Warn().Err(err).Msg("yt-dlp not available, /ytdl disabled")
		return
	}
	r.Backends.Fetcher = f
	r.Enabled[job.BackendLocalFetcher] = true
	r.Registry.Register("yt-dlp", f)
	log.Info().Msg("yt-dlp fetcher registered")
}

func tryInitRclone(ctx context.Context, cfg *appconfig.Config, r *Result) {
	if cfg.Rclone.Remote == "" {
		return
	}
	mirror := storage.NewRclone(storage.RcloneConfig{
		RemoteName: cfg.Rclone.Remote,
		BasePath:   cfg.Rclone.BasePath,
		Binary:     cfg.Rclone.Binary,
		Config:     cfg.Rclone.Params,
	})
	if err := mirror.Check(ctx); err != nil {
		log.Warn().Err(err).Str("remote", cfg.Rclone.Remote).Msg("rclone check failed, uploads may fail")
	}
	r.Backends.Mirror = mirror
	r.Enabled[job.BackendCloudMirror] = true
	r.Registry.Register("rclone", mirror)
	log.Info().Str("remote", cfg.Rclone.Remote).Msg("cloud mirror registered")
}
