package aria2

import (
	"encoding/json"
	"path/filepath"
	"strconv"

	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

// aria2 JSON-RPC request/response types

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type statusResponse struct {
	GID             string      `json:"gid"`
	Status          string      `json:"status"`
	TotalLength     string      `json:"totalLength"`
	CompletedLength string      `json:"completedLength"`
	DownloadSpeed   string      `json:"downloadSpeed"`
	ErrorCode       string      `json:"errorCode"`
	ErrorMessage    string      `json:"errorMessage"`
	Dir             string      `json:"dir"`
	InfoHash        string      `json:"infoHash"`
	Seeder          string      `json:"seeder"`
	BitTorrent      *btInfo     `json:"bittorrent"`
	Files           []fileEntry `json:"files"`
	FollowedBy      []string    `json:"followedBy"`
	Following       string      `json:"following"`
}

type btInfo struct {
	Info struct {
		Name string `json:"name"`
	} `json:"info"`
}

type fileEntry struct {
	Index           string `json:"index"`
	Path            string `json:"path"`
	Length          string `json:"length"`
	CompletedLength string `json:"completedLength"`
	Selected        string `json:"selected"`
}

// mapStatus maps aria2 status to seedbox states. A seeding torrent has
// finished downloading.
func mapStatus(aria2Status string, seeder bool) engine.SeedboxStatus {
	switch aria2Status {
	case "active":
		if seeder {
			return engine.SeedboxComplete
		}
		return engine.SeedboxActive
	case "waiting":
		return engine.SeedboxWaiting
	case "paused":
		return engine.SeedboxPaused
	case "complete":
		return engine.SeedboxComplete
	case "removed":
		return engine.SeedboxRemoved
	case "error":
		return engine.SeedboxError
	default:
		return engine.SeedboxActive
	}
}

// name is the torrent name, else the first file's base name.
func (s *statusResponse) name() string {
	if s.BitTorrent != nil && s.BitTorrent.Info.Name != "" {
		return s.BitTorrent.Info.Name
	}
	for _, f := range s.Files {
		if f.Path != "" {
			return filepath.Base(f.Path)
		}
	}
	return s.GID
}

func (s *statusResponse) convert() engine.SeedboxTorrent {
	total, _ := strconv.ParseInt(s.TotalLength, 10, 64)
	completed, _ := strconv.ParseInt(s.CompletedLength, 10, 64)
	speed, _ := strconv.ParseInt(s.DownloadSpeed, 10, 64)

	t := engine.SeedboxTorrent{
		Handle:    s.GID,
		Name:      s.name(),
		Status:    mapStatus(s.Status, s.Seeder == "true"),
		Completed: completed,
		Total:     total,
		Speed:     speed,
		Dir:       s.Dir,
		Message:   s.ErrorMessage,
	}
	for _, f := range s.Files {
		if f.Path != "" && f.Selected != "false" {
			t.Files = append(t.Files, f.Path)
		}
	}
	return t
}
