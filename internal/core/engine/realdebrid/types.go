package realdebrid

import (
	"time"

	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

type addResponse struct {
	ID  string `json:"id"`
	URI string `json:"uri"`
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode int    `json:"error_code"`
}

type torrentInfo struct {
	ID       string   `json:"id"`
	Filename string   `json:"filename"`
	Hash     string   `json:"hash"`
	Bytes    int64    `json:"bytes"`
	Progress float64  `json:"progress"`
	Status   string   `json:"status"`
	Links    []string `json:"links"`
}

type unrestrictResponse struct {
	Filename string `json:"filename"`
	Download string `json:"download"`
}

type downloadItem struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Filesize  int64     `json:"filesize"`
	Link      string    `json:"link"`
	Download  string    `json:"download"`
	Generated time.Time `json:"generated"`
}

type userResponse struct {
	Username string `json:"username"`
	Type     string `json:"type"`
}

func (t torrentInfo) convert() engine.CacheTorrent {
	status, msg := mapStatus(t.Status)
	return engine.CacheTorrent{
		ID:       t.ID,
		Hash:     t.Hash,
		Name:     t.Filename,
		Status:   status,
		Progress: t.Progress / 100,
		Bytes:    t.Bytes,
		Links:    t.Links,
		Message:  msg,
	}
}

// mapStatus maps Real-Debrid torrent states to cache states.
func mapStatus(s string) (engine.CacheStatus, string) {
	switch s {
	case "magnet_conversion", "queued":
		return engine.CacheQueued, s
	case "waiting_files_selection":
		return engine.CacheSelectingFiles, s
	case "downloading", "compressing", "uploading":
		return engine.CacheDownloading, s
	case "downloaded":
		return engine.CacheDownloaded, s
	case "magnet_error", "error", "virus", "dead":
		return engine.CacheError, s
	default:
		return engine.CacheQueued, s
	}
}
