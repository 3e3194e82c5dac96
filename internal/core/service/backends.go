package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

// DownloadHistoryLimit is how many unrestricted links CacheDownloads returns.
const DownloadHistoryLimit = 15

// Backends are the adapters the management operations talk to directly.
// Nil entries are reported as not configured.
type Backends struct {
	Cache   engine.CacheProvider
	Seedbox engine.Seedbox
	Mirror  engine.Mirror
}

func (s *DownloadService) cache() (engine.CacheProvider, error) {
	if s.cfg.Backends.Cache == nil {
		return nil, notConfigured("cache provider")
	}
	return s.cfg.Backends.Cache, nil
}

func (s *DownloadService) seedbox() (engine.Seedbox, error) {
	if s.cfg.Backends.Seedbox == nil {
		return nil, notConfigured("seedbox")
	}
	return s.cfg.Backends.Seedbox, nil
}

// CacheTorrents lists the torrents held by the cache provider account.
func (s *DownloadService) CacheTorrents(ctx context.Context) ([]engine.CacheTorrent, error) {
	c, err := s.cache()
	if err != nil {
		return nil, err
	}
	return c.List(ctx)
}

// CacheDelete removes a torrent from the cache provider account.
func (s *DownloadService) CacheDelete(ctx context.Context, operator, id string) error {
	c, err := s.cache()
	if err != nil {
		return err
	}
	if id = strings.TrimSpace(id); id == "" {
		return fmt.Errorf("%w: a torrent id is required", ErrInvalidArgs)
	}
	if err := c.Delete(ctx, id); err != nil {
		return err
	}
	log.Info().Str("operator", operator).Str("torrent", id).Msg("cache provider torrent deleted")
	return nil
}

// CacheDownloads returns the provider's recent unrestricted links.
func (s *DownloadService) CacheDownloads(ctx context.Context) ([]engine.CacheDownload, error) {
	c, err := s.cache()
	if err != nil {
		return nil, err
	}
	return c.Downloads(ctx, DownloadHistoryLimit)
}

// SeedboxTorrents lists every torrent on the seedbox.
func (s *DownloadService) SeedboxTorrents(ctx context.Context) ([]engine.SeedboxTorrent, error) {
	sb, err := s.seedbox()
	if err != nil {
		return nil, err
	}
	return sb.List(ctx)
}

// SeedboxAction is a state change applied to one seedbox torrent.
type SeedboxAction string

const (
	SeedboxStop   SeedboxAction = "stop"
	SeedboxStart  SeedboxAction = "start"
	SeedboxDelete SeedboxAction = "delete"
)

// SeedboxControl stops, resumes or deletes a seedbox torrent by handle.
// Deleting removes the torrent from the client; the files stay on disk.
func (s *DownloadService) SeedboxControl(ctx context.Context, operator string, action SeedboxAction, handle string) error {
	sb, err := s.seedbox()
	if err != nil {
		return err
	}
	if handle = strings.TrimSpace(handle); handle == "" {
		return fmt.Errorf("%w: a torrent handle is required", ErrInvalidArgs)
	}
	switch action {
	case SeedboxStop:
		err = sb.Stop(ctx, handle)
	case SeedboxStart:
		err = sb.Start(ctx, handle)
	case SeedboxDelete:
		err = sb.Delete(ctx, handle)
	default:
		return fmt.Errorf("%w: unknown seedbox action %q", ErrInvalidArgs, action)
	}
	if err != nil {
		return err
	}
	log.Info().Str("operator", operator).Str("action", string(action)).Str("handle", handle).Msg("seedbox torrent updated")
	return nil
}

// MirrorList lists a cloud mirror folder. An empty path lists the
// configured upload folder.
func (s *DownloadService) MirrorList(ctx context.Context, path string) ([]engine.MirrorEntry, error) {
	m := s.cfg.Backends.Mirror
	if m == nil {
		return nil, notConfigured("cloud mirror")
	}
	if path == "" {
		path = s.cfg.MirrorPath
	}
	if strings.Contains(path, "..") {
		return nil, fmt.Errorf("%w: folder path may not contain ..", ErrInvalidArgs)
	}
	return m.ListFolder(ctx, path)
}
