package ytdlp

import (
	"bufio"
	"context"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
)

var progressRe = regexp.MustCompile(`\[download\]\s+(\d+\.?\d*)%\s+of\s+~?\s*(\S+)\s+at\s+(\S+)`)

// runDownload executes yt-dlp and reports progress lines as they arrive.
func runDownload(ctx context.Context, binary, url, downloadDir, format string, progress func(engine.FetchProgress)) error {
	args := []string{
		"--no-warnings",
		"--newline",
		"--progress",
		"-o", filepath.Join(downloadDir, "%(title)s.%(ext)s"),
	}
	if format != "" {
		args = append(args, "-f", format)
	}
	args = append(args, url)

	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.WaitDelay = 5 * time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return engine.Fatal("pipe: %v", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return engine.Fatal("start yt-dlp: %v", err)
	}

	var lastError string
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		log.Debug().Str("ytdlp", line).Msg("yt-dlp output")
		if p, ok := parseProgressLine(line); ok && progress != nil {
			progress(p)
		}
		if strings.HasPrefix(line, "ERROR:") {
			lastError = strings.TrimPrefix(line, "ERROR: ")
		}
	}

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if lastError != "" {
			return engine.Fatal("%s", lastError)
		}
		return engine.Fatal("yt-dlp exit: %v", err)
	}
	return nil
}

func parseProgressLine(line string) (engine.FetchProgress, bool) {
	matches := progressRe.FindStringSubmatch(line)
	if len(matches) < 4 {
		return engine.FetchProgress{}, false
	}
	pct, _ := strconv.ParseFloat(matches[1], 64)
	total := parseSize(matches[2])
	return engine.FetchProgress{
		Percent:    pct / 100.0,
		Total:      total,
		Downloaded: int64(float64(total) * pct / 100.0),
		Speed:      parseSpeed(matches[3]),
	}, true
}

func parseSpeed(s string) int64 {
	s = strings.TrimSpace(s)
	if s == "Unknown" || s == "" {
		return 0
	}
	s = strings.ToUpper(s)
	if !strings.HasSuffix(s, "/S") {
		return 0
	}
	return parseSize(strings.TrimSuffix(s, "/S"))
}

// parseSize reads yt-dlp sizes such as "12.34MiB" or "900KiB".
func parseSize(s string) int64 {
	s = strings.ToUpper(strings.TrimSpace(s))
	multiplier := float64(1)
	switch {
	case strings.HasSuffix(s, "GIB"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "GIB")
	case strings.HasSuffix(s, "MIB"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "MIB")
	case strings.HasSuffix(s, "KIB"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "KIB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	default:
		return 0
	}

	val, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return int64(val * multiplier)
}
