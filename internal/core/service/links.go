package service

import (
	"context"
	"path/filepath"
	"time"
)

// Linker signs a download URL for one local file of a job.
type Linker interface {
	Link(jobID, file, operator string) (string, time.Time, error)
}

type FileLink struct {
	Name    string
	Size    int64
	URL     string
	Expires time.Time
}

// Links returns a signed download URL for every local file of a finished job.
func (s *DownloadService) Links(ctx context.Context, id, owner string) ([]FileLink, error) {
	if s.cfg.Links == nil {
		return nil, notConfigured("file link")
	}
	root, files, err := s.Files(ctx, id, owner)
	if err != nil {
		return nil, err
	}
	links := make([]FileLink, 0, len(files))
	for _, f := range files {
		u, expires, err := s.cfg.Links.Link(id, filepath.Join(root, f.Path), owner)
		if err != nil {
			return nil, err
		}
		links = append(links, FileLink{Name: f.Path, Size: f.Size, URL: u, Expires: expires})
	}
	return links, nil
}
