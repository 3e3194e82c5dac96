// Package service holds the operations behind operator commands. Chat and
// HTTP surfaces both call into it.
package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/route"
	"github.com/viperadnan-git/relaybot/internal/core/storage"
	"github.com/viperadnan-git/relaybot/internal/core/util"
)

type Router interface {
	Route(ctx context.Context, item route.Item) job.Backend
}

// Via selects how a download is fulfilled.
type Via string

const (
	ViaAuto    Via = "auto"
	ViaCache   Via = "cache"
	ViaSeedbox Via = "seedbox"
	ViaFetcher Via = "fetcher"
)

type Config struct {
	DefaultTarget job.Backend
	MirrorPath    string
	// Enabled lists the configured backends. Nil enables all of them.
	Enabled map[job.Backend]bool
	// Links signs download URLs for local files; nil disables them.
	Links Linker
	// Backends serve the management operations. Nil entries are off.
	Backends Backends
}

type DownloadService struct {
	jobs   *job.Manager
	router Router
	work   *storage.Workspace
	cfg    Config
}

func NewDownloadService(jobs *job.Manager, router Router, work *storage.Workspace, cfg Config) *DownloadService {
	if cfg.DefaultTarget == "" {
		cfg.DefaultTarget = job.BackendTelegram
	}
	return &DownloadService{jobs: jobs, router: router, work: work, cfg: cfg}
}

func (s *DownloadService) enabled(b job.Backend) error {
	if s.cfg.Enabled == nil || s.cfg.Enabled[b] {
		return nil
	}
	return notConfigured(string(b))
}

type AddDownloadRequest struct {
	URL   string
	Via   Via
	Owner string
	Name  string
	// ChatID receives the follow-up upload when the default target is chat.
	ChatID string
}

// Add creates a download job. Torrent links sent with ViaAuto go through
// the routing policy; everything else goes where the operator asked.
func (s *DownloadService) Add(ctx context.Context, req AddDownloadRequest) (*job.Job, error) {
	log.Debug().Str("via", string(req.Via)).Str("url", req.URL).Str("owner", req.Owner).Msg("add download request")

	if req.Via == "" {
		req.Via = ViaAuto
	}
	var (
		kind    job.Kind
		backend job.Backend
	)
	switch req.Via {
	case ViaCache, ViaSeedbox, ViaAuto:
		if !util.IsMagnet(req.URL) && !util.IsTorrentURL(req.URL) {
			return nil, fmt.Errorf("%w: %q is not a magnet link or .torrent URL", ErrInvalidLink, req.URL)
		}
		switch req.Via {
		case ViaCache:
			backend = job.BackendCacheProvider
		case ViaSeedbox:
			backend = job.BackendSeedbox
		default:
			if s.router == nil {
				backend = job.BackendSeedbox
			} else {
				backend = s.router.Route(ctx, route.Item{Link: req.URL, Preference: route.PreferAuto})
			}
		}
		kind = job.KindSeedboxDownload
		if backend == job.BackendCacheProvider {
			kind = job.KindCacheDownload
		}
		if req.Name == "" && util.IsMagnet(req.URL) {
			req.Name = util.MagnetName(req.URL)
		}
	case ViaFetcher:
		if !isWebURL(req.URL) {
			return nil, fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidLink, req.URL)
		}
		kind, backend = job.KindFetcherRun, job.BackendLocalFetcher
	default:
		return nil, fmt.Errorf("%w: unknown download method %q", ErrInvalidArgs, req.Via)
	}
	if err := s.enabled(backend); err != nil {
		return nil, err
	}
	var dest string
	if s.cfg.DefaultTarget == job.BackendTelegram {
		dest = req.ChatID
	}

	j, err := s.jobs.Create(ctx, job.CreateRequest{
		Kind:        kind,
		Backend:     backend,
		Owner:       req.Owner,
		Source:      job.SourceCommand,
		URL:         req.URL,
		Name:        req.Name,
		Destination: dest,
	})
	if err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	return j, nil
}

// Stream resolves a hoster link to a direct link through the cache provider.
func (s *DownloadService) Stream(ctx context.Context, owner, link string) (*job.Job, error) {
	if !isWebURL(link) {
		return nil, fmt.Errorf("%w: %q is not an http(s) URL", ErrInvalidLink, link)
	}
	if err := s.enabled(job.BackendCacheProvider); err != nil {
		return nil, err
	}
	return s.jobs.Create(ctx, job.CreateRequest{
		Kind:    job.KindStream,
		Backend: job.BackendCacheProvider,
		Owner:   owner,
		Source:  job.SourceCommand,
		URL:     link,
	})
}

type TransferRequest struct {
	JobID string
	Owner string
	// Target is telegram or cloud-mirror; empty uses the configured default.
	Target      job.Backend
	Destination string
	// ChatID is the fallback destination for chat uploads.
	ChatID string
}

// Upload sends the local files of a completed download to a target.
func (s *DownloadService) Upload(ctx context.Context, req TransferRequest) (*job.Job, error) {
	return s.transfer(ctx, job.KindUpload, req)
}

// Zip archives the local files of a completed download and uploads the
// archive. Only one archive runs at a time; others wait pending.
func (s *DownloadService) Zip(ctx context.Context, req TransferRequest) (*job.Job, error) {
	return s.transfer(ctx, job.KindCompression, req)
}

func (s *DownloadService) transfer(ctx context.Context, kind job.Kind, req TransferRequest) (*job.Job, error) {
	src, err := s.Get(ctx, req.JobID, req.Owner)
	if err != nil {
		return nil, err
	}
	local, err := s.localPath(src)
	if err != nil {
		return nil, err
	}

	target := req.Target
	if target == "" {
		target = s.cfg.DefaultTarget
	}
	if target != job.BackendTelegram && target != job.BackendCloudMirror {
		return nil, fmt.Errorf("%w: upload target must be %s or %s", ErrInvalidArgs, job.BackendTelegram, job.BackendCloudMirror)
	}
	if err := s.enabled(target); err != nil {
		return nil, err
	}
	dest := req.Destination
	if dest == "" {
		dest = req.ChatID
		if target == job.BackendCloudMirror {
			dest = s.cfg.MirrorPath
		}
	}
	if target == job.BackendTelegram && dest == "" {
		return nil, fmt.Errorf("%w: a destination chat id is required", ErrInvalidArgs)
	}

	return s.jobs.Create(ctx, job.CreateRequest{
		Kind:        kind,
		Backend:     target,
		Owner:       req.Owner,
		Source:      job.SourceCommand,
		URL:         local,
		Name:        src.Name,
		Destination: dest,
		ParentID:    src.ID,
	})
}

// localPath is where a completed job left its files in the workspace.
func (s *DownloadService) localPath(j *job.Job) (string, error) {
	switch j.Kind {
	case job.KindSeedboxDownload, job.KindFetcherRun, job.KindCompression:
	default:
		return "", fmt.Errorf("%w: %s is a %s", ErrNotReady, j.ID, j.Kind)
	}
	if j.State != job.StateCompleted {
		return "", fmt.Errorf("%w: %s is %s", ErrNotReady, j.ID, j.State)
	}
	p := filepath.Clean(j.Result)
	if s.work != nil && !s.work.Contains(p) {
		return "", fmt.Errorf("%w: %s has no files in the workspace", ErrNotReady, j.ID)
	}
	if _, err := os.Stat(p); err != nil {
		return "", fmt.Errorf("%w: %s files are gone", ErrNotReady, j.ID)
	}
	return p, nil
}

// Files lists the local files a completed job left in the workspace. root
// is the directory the returned paths are relative to.
func (s *DownloadService) Files(ctx context.Context, id, owner string) (string, []engine.FileInfo, error) {
	j, err := s.Get(ctx, id, owner)
	if err != nil {
		return "", nil, err
	}
	p, err := s.localPath(j)
	if err != nil {
		return "", nil, err
	}
	info, err := os.Stat(p)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %s files are gone", ErrNotReady, j.ID)
	}
	if !info.IsDir() {
		return filepath.Dir(p), []engine.FileInfo{{Path: filepath.Base(p), Size: info.Size()}}, nil
	}
	return p, engine.ScanFiles(p), nil
}

// Get returns the job only to its owner.
func (s *DownloadService) Get(ctx context.Context, id, owner string) (*job.Job, error) {
	j, err := s.jobs.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if j.Owner != owner {
		return nil, fmt.Errorf("%w: %s", job.ErrNotFound, id)
	}
	return j, nil
}

// Cancel flags the job for cancellation. The executor cleans up.
func (s *DownloadService) Cancel(ctx context.Context, id, owner string) (*job.Job, error) {
	j, err := s.Get(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	if j.State.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrFinished, id, j.State)
	}
	return s.jobs.RequestCancel(ctx, id)
}

func (s *DownloadService) List(ctx context.Context, owner string, activeOnly bool) ([]*job.Job, error) {
	return s.jobs.List(ctx, job.Filter{Owner: owner, Active: activeOnly})
}

func isWebURL(link string) bool {
	u, err := url.Parse(link)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
