// Package controller wires the store, backends, executor, feed poller and
// the chat and HTTP surfaces into one running bot.
package controller

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/chat/telegram"
	"github.com/viperadnan-git/relaybot/internal/config"
	"github.com/viperadnan-git/relaybot/internal/controller/api"
	"github.com/viperadnan-git/relaybot/internal/core/enginesetup"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/executor"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/fileserver"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/notify"
	"github.com/viperadnan-git/relaybot/internal/core/packager"
	"github.com/viperadnan-git/relaybot/internal/core/route"
	"github.com/viperadnan-git/relaybot/internal/core/service"
	"github.com/viperadnan-git/relaybot/internal/core/statusloop"
	"github.com/viperadnan-git/relaybot/internal/core/storage"
	"github.com/viperadnan-git/relaybot/internal/core/store"
	"github.com/viperadnan-git/relaybot/internal/core/sysinfo"
)

func OpenStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	return store.Open(ctx, store.Options{
		Driver:         cfg.Store.Driver,
		URL:            cfg.Store.URL,
		MaxConnections: cfg.Store.MaxConnections,
		LocalPath:      cfg.Store.LocalPath,
	})
}

func Run(ctx context.Context, cfg *config.Config) error {
	st, err := OpenStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	jwtSecret, err := EnsureJWTSecret(ctx, st, cfg.Auth.JWTSecret)
	if err != nil {
		return fmt.Errorf("jwt secret: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	locker := lock.New(st, cfg.Lock.TTL)
	bus := event.NewBus()
	jobs := job.NewManager(st, bus)
	b := enginesetup.InitBackends(ctx, cfg)
	registry, procMgr := b.Registry, b.ProcMgr
	if err := procMgr.StartAll(ctx); err != nil {
		log.Warn().Err(err).Msg("process manager start (some daemons may not be available)")
	}

	var bot *telegram.Bot
	if cfg.Telegram.Token != "" {
		bot, err = telegram.New(telegram.Config{
			Token:        cfg.Telegram.Token,
			APIEndpoint:  cfg.Telegram.APIEndpoint,
			AllowedUsers: cfg.Telegram.AllowedUsers,
			Timeout:      cfg.Backends.TransferTimeout,
		})
		if err != nil {
			return err
		}
		b.Backends.Chat = bot
		b.Enabled[job.BackendTelegram] = true
	} else {
		log.Warn().Msg("telegram.token is empty, running without the chat surface")
	}

	work, err := storage.NewWorkspace(cfg.Jobs.WorkDir)
	if err != nil {
		return fmt.Errorf("workspace: %w", err)
	}
	router := route.NewRouter(b.Cache, cfg.Backends.Timeout)

	exec := executor.New(jobs, locker, bus, work, packager.New(cfg.Packager.MaxArchiveSize), b.Backends, executor.Config{
		PollInterval:     cfg.Backends.PollInterval,
		BackendTimeout:   cfg.Backends.Timeout,
		TransferTimeout:  cfg.Backends.TransferTimeout,
		FetcherTimeLimit: cfg.Fetcher.TimeLimit,
		AutoUpload:       cfg.Upload.Auto,
		DefaultTarget:    job.Backend(cfg.Upload.DefaultTarget),
		MirrorPath:       cfg.Upload.MirrorPath,
		RetryMax:         cfg.Backends.RetryMax,
		LeaseTTL:         cfg.Jobs.LeaseTTL,
	})
	poller := feed.NewPoller(st, jobs, locker, router, bus, &http.Client{Timeout: cfg.Feeds.FetchTimeout}, feed.Config{
		PollInterval: cfg.Feeds.PollInterval,
		FetchTimeout: cfg.Feeds.FetchTimeout,
		UploadTarget: job.Backend(cfg.Upload.DefaultTarget),
	})

	var files *fileserver.Server
	svcCfg := service.Config{
		DefaultTarget: job.Backend(cfg.Upload.DefaultTarget),
		MirrorPath:    cfg.Upload.MirrorPath,
		Enabled:       b.Enabled,
		Backends:      service.Backends{
			Cache:   b.Backends.Cache,
			Seedbox: b.Backends.Seedbox,
			Mirror:  b.Backends.Mirror,
		},
	}
	if cfg.Server.Enabled {
		files = fileserver.NewServer(fileserver.NewSigner(jwtSecret), work, cfg.Server.BaseURL(), cfg.Server.LinkExpiry)
		svcCfg.Links = files
	}
	downloads := service.NewDownloadService(jobs, router, work, svcCfg)
	feeds := service.NewFeedService(poller)
	snapshot := func(ctx context.Context) (sysinfo.Snapshot, error) {
		return sysinfo.Take(ctx, cfg.Jobs.WorkDir)
	}

	if err := exec.Start(ctx); err != nil {
		return fmt.Errorf("start executor: %w", err)
	}
	if err := poller.Start(ctx); err != nil {
		return fmt.Errorf("start feed poller: %w", err)
	}
	go jobs.RunPruner(ctx, cfg.Jobs.Retention, cfg.Jobs.PruneInterval)
	go procMgr.Watch(ctx)

	var (
		notifier *notify.Notifier
		status   *statusloop.Aggregator
	)
	if bot != nil {
		notifier = notify.New(jobs, bot, cfg.Backends.Timeout)
		unsub := notifier.Attach(bus)
		defer unsub()

		status = statusloop.New(st, jobs, bot, statusloop.Sources{
			Cache:    b.CacheLister,
			Seedbox:  b.SeedboxLister,
			Feeds:    poller,
			Snapshot: snapshot,
		}, cfg.Status.Interval, cfg.Backends.Timeout)
		if err := status.Start(ctx); err != nil {
			return fmt.Errorf("start status aggregator: %w", err)
		}
		go bot.Run(ctx, telegram.NewDispatcher(downloads, feeds, status, cfg.Backends.Timeout))
	}

	var e *echo.Echo
	if cfg.Server.Enabled {
		e = echo.New()
		e.HideBanner = true
		e.HidePort = true
		api.SetupRouter(e, api.RouterConfig{
			JWTSecret:     jwtSecret,
			Downloads:     downloads,
			Feeds:         feeds,
			Registry:      registry,
			HealthTimeout: cfg.Backends.Timeout,
			Snapshot:      snapshot,
			Files:         files,
		})
		go func() {
			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("HTTP server failed")
				stop()
			}
		}()
	}

	printBanner(cfg, registry.List(), bot != nil, st.Distributed())
	<-ctx.Done()

	log.Info().Msg("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if e != nil {
		if err := e.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("server shutdown error")
		}
	}
	exec.Wait()
	poller.Wait()
	if status != nil {
		status.Wait()
	}
	if notifier != nil {
		notifier.Wait()
	}
	if err := procMgr.StopAll(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("stop daemons")
	}
	return nil
}

func printBanner(cfg *config.Config, backends []string, chat, distributed bool) {
	fmt.Println()
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println("  relaybot started")
	fmt.Println()
	fmt.Printf("  Store:    %s (distributed locks: %t)\n", cfg.Store.Driver, distributed)
	fmt.Printf("  Backends: %v\n", backends)
	fmt.Printf("  Chat:     %t\n", chat)
	if cfg.Server.Enabled {
		fmt.Printf("  HTTP:     http://%s:%d/api/v1\n", cfg.Server.Host, cfg.Server.Port)
	}
	fmt.Println("═══════════════════════════════════════════════════════")
	fmt.Println()
}
