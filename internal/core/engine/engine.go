package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/viperadnan-git/relaybot/internal/core/store"
)

var (
	// ErrTransient is a backend failure worth retrying: timeouts, 5xx, rate limits.
	ErrTransient = errors.New("transient backend error")
	// ErrFatal is a backend failure that retrying cannot fix.
	ErrFatal = errors.New("fatal backend error")
	// ErrTimedOut is returned by a fetcher that hit its time limit.
	ErrTimedOut = errors.New("time limit exceeded")
	// ErrNotConfigured means the backend has no credentials or endpoint.
	ErrNotConfigured = errors.New("backend not configured")
	ErrUnknownHandle = errors.New("unknown backend handle")
)

func Transient(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrTransient, fmt.Sprintf(format, args...))
}

func Fatal(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFatal, fmt.Sprintf(format, args...))
}

// IsTransient classifies an adapter error. Anything not recognised as
// retryable is treated as fatal so a job cannot retry forever.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrFatal) || errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrTimedOut) {
		return false
	}
	if errors.Is(err, ErrTransient) || store.IsTransient(err) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Availability is the answer of a cache lookup.
type Availability int

const (
	AvailabilityUnknown Availability = iota
	AvailabilityCached
	AvailabilityNotCached
)

func (a Availability) String() string {
	switch a {
	case AvailabilityCached:
		return "cached"
	case AvailabilityNotCached:
		return "not-cached"
	}
	return "unknown"
}

// CacheStatus mirrors the provider's torrent states that matter to callers.
type CacheStatus string

const (
	CacheQueued         CacheStatus = "queued"
	CacheSelectingFiles CacheStatus = "selecting-files"
	CacheDownloading    CacheStatus = "downloading"
	CacheDownloaded     CacheStatus = "downloaded"
	CacheError          CacheStatus = "error"
)

type CacheTorrent struct {
	ID       string
	Hash     string
	Name     string
	Status   CacheStatus
	Progress float64
	Bytes    int64
	Links    []string
	Message  string
}

// CacheDownload is one entry of the provider's unrestricted-link history.
type CacheDownload struct {
	ID        string
	Filename  string
	Size      int64
	Link      string
	Download  string
	Generated time.Time
}

// CacheProvider is a remote service that may already hold content.
type CacheProvider interface {
	CheckCached(ctx context.Context, hash string) (Availability, error)
	Submit(ctx context.Context, link string) (ref string, err error)
	SelectFiles(ctx context.Context, ref string) error
	Info(ctx context.Context, ref string) (CacheTorrent, error)
	List(ctx context.Context) ([]CacheTorrent, error)
	Delete(ctx context.Context, ref string) error
	// Unrestrict turns a hoster link into a direct download link.
	Unrestrict(ctx context.Context, link string) (string, error)
	// Downloads returns the most recent unrestricted links, newest first.
	Downloads(ctx context.Context, limit int) ([]CacheDownload, error)
}

type SeedboxStatus string

const (
	SeedboxActive   SeedboxStatus = "active"
	SeedboxWaiting  SeedboxStatus = "waiting"
	SeedboxPaused   SeedboxStatus = "paused"
	SeedboxComplete SeedboxStatus = "complete"
	SeedboxError    SeedboxStatus = "error"
	SeedboxRemoved  SeedboxStatus = "removed"
)

type SeedboxTorrent struct {
	Handle    string
	Name      string
	Status    SeedboxStatus
	Completed int64
	Total     int64
	Speed     int64
	Dir       string
	Files     []string
	Message   string
}

// Seedbox is a remote torrent client the operator owns.
type Seedbox interface {
	Add(ctx context.Context, link string) (handle string, err error)
	Status(ctx context.Context, handle string) (SeedboxTorrent, error)
	List(ctx context.Context) ([]SeedboxTorrent, error)
	// Stop halts transfer and keeps the data.
	Stop(ctx context.Context, handle string) error
	// Start resumes a stopped torrent.
	Start(ctx context.Context, handle string) error
	Delete(ctx context.Context, handle string) error
	// FetchCompleted makes the finished files available under destDir and
	// returns the local path.
	FetchCompleted(ctx context.Context, handle, destDir string) (string, error)
}

type FetchProgress struct {
	Percent    float64
	Downloaded int64
	Total      int64
	Speed      int64
}

type FetchResult struct {
	Name  string
	Dir   string
	Files []FileInfo
}

// Fetcher runs a generic media download under a time limit.
type Fetcher interface {
	Fetch(ctx context.Context, url, dir string, limit time.Duration, progress func(FetchProgress)) (FetchResult, error)
}

type MirrorEntry struct {
	Path  string
	Size  int64
	IsDir bool
}

// Mirror is cloud storage reachable through rclone.
type Mirror interface {
	Upload(ctx context.Context, localPath, dest string) (link string, err error)
	ListFolder(ctx context.Context, path string) ([]MirrorEntry, error)
}

// Chat is the operator's messaging surface.
type Chat interface {
	SendStatus(ctx context.Context, chatID, text string) (messageRef string, err error)
	EditStatus(ctx context.Context, chatID, messageRef, text string) error
	Delete(ctx context.Context, chatID, messageRef string) error
	Send(ctx context.Context, chatID, text string) error
	SendDocument(ctx context.Context, chatID, path, caption string) error
}

type FileInfo struct {
	Path string
	Size int64
}

type HealthStatus struct {
	OK      bool
	Message string
	Latency time.Duration
}

// ScanFiles recursively lists all files under a directory. Paths are relative to dir.
func ScanFiles(dir string) []FileInfo {
	var files []FileInfo
	filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, _ := filepath.Rel(dir, path)
		var size int64
		if info, err := d.Info(); err == nil {
			size = info.Size()
		}
		files = append(files, FileInfo{Path: rel, Size: size})
		return nil
	})
	return files
}

// TotalSize sums the sizes of files.
func TotalSize(files []FileInfo) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}
