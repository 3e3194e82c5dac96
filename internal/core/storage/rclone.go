// Package storage holds the cloud-mirror adapter and the local staging area
// that downloads pass through before upload.
package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

// RcloneConfig configures the rclone-backed mirror.
type RcloneConfig struct {
	RemoteName string            `koanf:"remote"`    // e.g. "gdrive"
	BasePath   string            `koanf:"base_path"` // e.g. "relaybot"
	Binary     string            `koanf:"binary"`    // default: "rclone"
	Config     map[string]string `koanf:"config"`    // rclone remote params, applied with "rclone config create"
}

// Rclone implements engine.Mirror using the rclone CLI.
type Rclone struct {
	cfg RcloneConfig
}

var _ engine.Mirror = (*Rclone)(nil)

func NewRclone(cfg RcloneConfig) *Rclone {
	if cfg.Binary == "" {
		cfg.Binary = "rclone"
	}
	return &Rclone{cfg: cfg}
}

// Check validates that the rclone binary exists and the remote is accessible.
// If Config params are provided, the remote is created/updated first via "rclone config create".
func (p *Rclone) Check(ctx context.Context) error {
	if p.cfg.RemoteName == "" {
		return fmt.Errorf("%w: rclone remote name is empty", engine.ErrNotConfigured)
	}

	start := time.Now()
	out, err := p.run(ctx, "version")
	if err != nil {
		return fmt.Errorf("%w: rclone binary not working: %v", engine.ErrNotConfigured, err)
	}
	version := strings.SplitN(string(out), "\n", 2)[0]
	log.Debug().Str("version", version).Dur("duration", time.Since(start)).Msg("rclone binary found")

	if err := p.ensureRemote(ctx); err != nil {
		return fmt.Errorf("rclone config create: %w", err)
	}

	start = time.Now()
	if _, err := p.run(ctx, "lsd", p.remotePath("")); err != nil {
		return fmt.Errorf("rclone remote %q not accessible: %w", p.cfg.RemoteName, err)
	}
	log.Info().Str("remote", p.cfg.RemoteName).Str("base_path", p.cfg.BasePath).Dur("duration", time.Since(start)).Msg("rclone mirror ready")
	return nil
}

func (p *Rclone) Health(ctx context.Context) engine.HealthStatus {
	start := time.Now()
	_, err := p.run(ctx, "lsd", p.remotePath(""))
	latency := time.Since(start)
	if err != nil {
		return engine.HealthStatus{OK: false, Message: err.Error(), Latency: latency}
	}
	return engine.HealthStatus{OK: true, Message: "rclone " + p.cfg.RemoteName, Latency: latency}
}

// ensureRemote creates or updates the rclone remote from inline Config params.
// This is a no-op if Config is empty (assumes remote is pre-configured).
func (p *Rclone) ensureRemote(ctx context.Context) error {
	if len(p.cfg.Config) == 0 {
		return nil
	}

	remoteType, ok := p.cfg.Config["type"]
	if !ok || remoteType == "" {
		return fmt.Errorf("rclone config requires a 'type' field")
	}

	args := []string{"config", "create", p.cfg.RemoteName, remoteType}
	for k, v := range p.cfg.Config {
		if k == "type" {
			continue
		}
		args = append(args, k+"="+v)
	}

	if _, err := p.run(ctx, args...); err != nil {
		return err
	}
	log.Info().Str("remote", p.cfg.RemoteName).Str("type", remoteType).Msg("rclone remote created")
	return nil
}

// Upload copies a local file or directory under dest on the remote and
// returns a shareable link when the remote supports one, else the remote path.
func (p *Rclone) Upload(ctx context.Context, localPath, dest string) (string, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return "", engine.Fatal("upload source: %v", err)
	}
	target := p.remotePath(path.Join(dest, filepath.Base(localPath)))

	start := time.Now()
	verb := "copyto"
	if info.IsDir() {
		verb = "copy"
	}
	if _, err := p.run(ctx, verb, localPath, target); err != nil {
		log.Warn().Err(err).Str("target", target).Dur("duration", time.Since(start)).Msg("rclone upload failed")
		return "", fmt.Errorf("rclone %s: %w", verb, err)
	}
	log.Info().Str("target", target).Dur("duration", time.Since(start)).Msg("rclone upload completed")

	out, err := p.run(ctx, "link", target)
	if err != nil {
		log.Debug().Err(err).Str("target", target).Msg("rclone link unavailable")
		return target, nil
	}
	return strings.TrimSpace(string(out)), nil
}

// lsjsonEntry represents a single entry from rclone lsjson output.
type lsjsonEntry struct {
	Path  string `json:"Path"`
	Name  string `json:"Name"`
	Size  int64  `json:"Size"`
	IsDir bool   `json:"IsDir"`
}

// ListFolder lists the entries directly under dir on the remote.
func (p *Rclone) ListFolder(ctx context.Context, dir string) ([]engine.MirrorEntry, error) {
	out, err := p.run(ctx, "lsjson", p.remotePath(dir))
	if err != nil {
		return nil, fmt.Errorf("rclone lsjson: %w", err)
	}

	var entries []lsjsonEntry
	if err := json.Unmarshal(out, &entries); err != nil {
		return nil, engine.Fatal("parse rclone lsjson output: %v", err)
	}
	res := make([]engine.MirrorEntry, 0, len(entries))
	for _, e := range entries {
		res = append(res, engine.MirrorEntry{Path: e.Path, Size: e.Size, IsDir: e.IsDir})
	}
	return res, nil
}

// remotePath builds the full rclone remote path for a key below BasePath.
func (p *Rclone) remotePath(key string) string {
	base := p.cfg.RemoteName + ":" + p.cfg.BasePath
	if key == "" || key == "." {
		return base
	}
	key = strings.TrimLeft(key, "/")
	if strings.HasSuffix(base, ":") {
		return base + key
	}
	return strings.TrimRight(base, "/") + "/" + key
}

// run executes an rclone command and returns stdout. A failed run is
// transient: rclone exits non-zero for network and quota errors alike.
func (p *Rclone) run(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, p.cfg.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debug().Strs("args", args).Msg("running rclone command")
	if err := cmd.Run(); err != nil {
		var execErr *exec.Error
		if errors.As(err, &execErr) || errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %v", engine.ErrNotConfigured, err)
		}
		stderrStr := strings.TrimSpace(stderr.String())
		if stderrStr != "" {
			log.Warn().Str("stderr", stderrStr).Strs("args", args).Msg("rclone command stderr")
		}
		return nil, engine.Transient("%v (stderr: %s)", err, stderrStr)
	}
	return stdout.Bytes(), nil
}
