// Package ytdlp is the local-fetcher adapter around the yt-dlp binary.
package ytdlp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

type Fetcher struct {
	binary        string
	defaultFormat string
}

var _ engine.Fetcher = (*Fetcher)(nil)

func New(binary, defaultFormat string) *Fetcher {
	if binary == "" {
		binary = "yt-dlp"
	}
	return &Fetcher{binary: binary, defaultFormat: defaultFormat}
}

// Check verifies the binary is on PATH.
func (f *Fetcher) Check() error {
	if _, err := exec.LookPath(f.binary); err != nil {
		return fmt.Errorf("%w: yt-dlp binary not found: %v", engine.ErrNotConfigured, err)
	}
	return nil
}

func (f *Fetcher) Health(ctx context.Context) engine.HealthStatus {
	start := time.Now()
	out, err := exec.CommandContext(ctx, f.binary, "--version").Output()
	latency := time.Since(start)
	if err != nil {
		return engine.HealthStatus{OK: false, Message: err.Error(), Latency: latency}
	}
	return engine.HealthStatus{
		OK:      true,
		Message: "yt-dlp " + strings.TrimSpace(string(out)),
		Latency: latency,
	}
}

// Fetch downloads url into dir. It returns ErrTimedOut when limit elapses
// first, and the caller's context error when the caller cancels.
func (f *Fetcher) Fetch(ctx context.Context, url, dir string, limit time.Duration, progress func(engine.FetchProgress)) (engine.FetchResult, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return engine.FetchResult{}, fmt.Errorf("create fetch dir: %w", err)
	}

	runCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	err := runDownload(runCtx, f.binary, url, dir, f.defaultFormat, progress)
	switch {
	case ctx.Err() != nil:
		return engine.FetchResult{}, ctx.Err()
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		log.Warn().Str("url", url).Dur("limit", limit).Msg("yt-dlp hit its time limit")
		return engine.FetchResult{}, fmt.Errorf("%w after %s", engine.ErrTimedOut, limit)
	case err != nil:
		return engine.FetchResult{}, err
	}

	files := engine.ScanFiles(dir)
	if len(files) == 0 {
		return engine.FetchResult{}, engine.Fatal("yt-dlp produced no files")
	}
	res := engine.FetchResult{Dir: dir, Files: files, Name: filepath.Base(dir)}
	if len(files) == 1 {
		res.Name = files[0].Path
	}
	log.Info().Str("url", url).Int("files", len(files)).Msg("yt-dlp download complete")
	return res, nil
}
