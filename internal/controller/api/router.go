package api

import (
	"context"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humaecho"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/viperadnan-git/relaybot/internal/controller/api/handlers"
	"github.com/viperadnan-git/relaybot/internal/controller/api/middleware"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/fileserver"
	"github.com/viperadnan-git/relaybot/internal/core/service"
	"github.com/viperadnan-git/relaybot/internal/core/sysinfo"
)

type RouterConfig struct {
	JWTSecret     string
	Downloads     *service.DownloadService
	Feeds         *service.FeedService
	Registry      *engine.Registry
	HealthTimeout time.Duration
	Snapshot      func(ctx context.Context) (sysinfo.Snapshot, error)
	// Files serves signed download links under /dl when set.
	Files *fileserver.Server
}

var bearer = []map[string][]string{{"BearerAuth": {}}}

func SetupRouter(e *echo.Echo, cfg RouterConfig) {
	handlers.InitErrors()

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.RateLimiter(echomw.NewRateLimiterMemoryStore(20)))

	if cfg.Files != nil {
		e.GET("/dl/:token/:filename", echo.WrapHandler(http.HandlerFunc(cfg.Files.ServeFile)))
	}

	v1 := e.Group("/api/v1")
	config := huma.DefaultConfig("relaybot API", "1.0.0")
	config.Servers = []*huma.Server{{URL: "/api/v1"}}
	config.Info.Description = "Torrent and media relay: downloads, uploads and feed subscriptions"
	config.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"BearerAuth": {
			Type:         "http",
			Scheme:       "bearer",
			BearerFormat: "JWT",
			Description:  "Operator token from `relaybot token`",
		},
	}

	api := humaecho.NewWithGroup(e, v1, config)
	authMw := middleware.Auth(cfg.JWTSecret)

	stats := handlers.NewStatsHandler(cfg.Downloads, cfg.Registry, cfg.HealthTimeout, cfg.Snapshot)
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Backend and host health",
		Tags:        []string{"Health"},
	}, stats.Health)

	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Job counts for the operator",
		Tags:        []string{"Health"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, stats.Get)

	jobs := handlers.NewJobsHandler(cfg.Downloads)
	huma.Register(api, huma.Operation{
		OperationID:   "jobs-add",
		Method:        http.MethodPost,
		Path:          "/jobs",
		Summary:       "Queue a download",
		Tags:          []string{"Jobs"},
		Security:      bearer,
		Middlewares:   huma.Middlewares{authMw},
		DefaultStatus: http.StatusCreated,
	}, jobs.Add)

	huma.Register(api, huma.Operation{
		OperationID:   "jobs-stream",
		Method:        http.MethodPost,
		Path:          "/jobs/stream",
		Summary:       "Resolve a hoster link to a direct link",
		Tags:          []string{"Jobs"},
		Security:      bearer,
		Middlewares:   huma.Middlewares{authMw},
		DefaultStatus: http.StatusCreated,
	}, jobs.Stream)

	huma.Register(api, huma.Operation{
		OperationID: "jobs-list",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List jobs",
		Tags:        []string{"Jobs"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, jobs.List)

	huma.Register(api, huma.Operation{
		OperationID: "jobs-get",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get a job",
		Tags:        []string{"Jobs"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, jobs.Get)

	huma.Register(api, huma.Operation{
		OperationID: "jobs-cancel",
		Method:      http.MethodDelete,
		Path:        "/jobs/{id}",
		Summary:     "Request cancellation",
		Tags:        []string{"Jobs"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, jobs.Cancel)

	huma.Register(api, huma.Operation{
		OperationID: "jobs-files",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}/files",
		Summary:     "Download links for a finished job's files",
		Tags:        []string{"Jobs"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, jobs.Files)

	huma.Register(api, huma.Operation{
		OperationID:   "jobs-upload",
		Method:        http.MethodPost,
		Path:          "/jobs/{id}/upload",
		Summary:       "Upload a finished job's files",
		Tags:          []string{"Jobs"},
		Security:      bearer,
		Middlewares:   huma.Middlewares{authMw},
		DefaultStatus: http.StatusCreated,
	}, jobs.Upload)

	huma.Register(api, huma.Operation{
		OperationID:   "jobs-zip",
		Method:        http.MethodPost,
		Path:          "/jobs/{id}/zip",
		Summary:       "Archive and upload a finished job's files",
		Tags:          []string{"Jobs"},
		Security:      bearer,
		Middlewares:   huma.Middlewares{authMw},
		DefaultStatus: http.StatusCreated,
	}, jobs.Zip)

	feeds := handlers.NewFeedsHandler(cfg.Feeds)
	huma.Register(api, huma.Operation{
		OperationID:   "feeds-add",
		Method:        http.MethodPost,
		Path:          "/feeds",
		Summary:       "Subscribe to a feed",
		Tags:          []string{"Feeds"},
		Security:      bearer,
		Middlewares:   huma.Middlewares{authMw},
		DefaultStatus: http.StatusCreated,
	}, feeds.Add)

	huma.Register(api, huma.Operation{
		OperationID: "feeds-list",
		Method:      http.MethodGet,
		Path:        "/feeds",
		Summary:     "List feed subscriptions",
		Tags:        []string{"Feeds"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, feeds.List)

	huma.Register(api, huma.Operation{
		OperationID: "feeds-remove",
		Method:      http.MethodDelete,
		Path:        "/feeds/{id}",
		Summary:     "Unsubscribe",
		Tags:        []string{"Feeds"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, feeds.Remove)

	huma.Register(api, huma.Operation{
		OperationID: "feeds-poll",
		Method:      http.MethodPost,
		Path:        "/feeds/{id}/poll",
		Summary:     "Poll a feed now",
		Tags:        []string{"Feeds"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, feeds.Poll)

	backends := handlers.NewBackendsHandler(cfg.Downloads)
	huma.Register(api, huma.Operation{
		OperationID: "cache-torrents",
		Method:      http.MethodGet,
		Path:        "/cache/torrents",
		Summary:     "List cache provider torrents",
		Tags:        []string{"Backends"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, backends.CacheTorrents)

	huma.Register(api, huma.Operation{
		OperationID: "cache-delete",
		Method:      http.MethodDelete,
		Path:        "/cache/torrents/{id}",
		Summary:     "Delete a cache provider torrent",
		Tags:        []string{"Backends"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, backends.CacheDelete)

	huma.Register(api, huma.Operation{
		OperationID: "cache-downloads",
		Method:      http.MethodGet,
		Path:        "/cache/downloads",
		Summary:     "Recent unrestricted links",
		Tags:        []string{"Backends"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, backends.CacheDownloads)

	huma.Register(api, huma.Operation{
		OperationID: "seedbox-torrents",
		Method:      http.MethodGet,
		Path:        "/seedbox/torrents",
		Summary:     "List seedbox torrents",
		Tags:        []string{"Backends"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, backends.SeedboxTorrents)

	huma.Register(api, huma.Operation{
		OperationID: "seedbox-action",
		Method:      http.MethodPost,
		Path:        "/seedbox/torrents/{id}/{action}",
		Summary:     "Stop or start a seedbox torrent",
		Tags:        []string{"Backends"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, backends.SeedboxAction)

	huma.Register(api, huma.Operation{
		OperationID: "seedbox-delete",
		Method:      http.MethodDelete,
		Path:        "/seedbox/torrents/{id}",
		Summary:     "Remove a seedbox torrent, keeping its files",
		Tags:        []string{"Backends"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, backends.SeedboxDelete)

	huma.Register(api, huma.Operation{
		OperationID: "mirror-list",
		Method:      http.MethodGet,
		Path:        "/mirror",
		Summary:     "List a cloud mirror folder",
		Tags:        []string{"Backends"},
		Security:    bearer,
		Middlewares: huma.Middlewares{authMw},
	}, backends.MirrorList)
}
