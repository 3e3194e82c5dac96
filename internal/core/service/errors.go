package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/statusloop"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

var (
	ErrInvalidLink = errors.New("invalid link")
	ErrInvalidArgs = errors.New("invalid arguments")
	ErrFinished    = errors.New("job already finished")
	ErrNotReady    = errors.New("job has no local files")
)

// Message turns a command error into the reply the operator sees. Every
// known failure gets a specific, actionable sentence.
func Message(err error) string {
	if err == nil {
		return ""
	}
	detail := err.Error()
	switch {
	case errors.Is(err, ErrInvalidLink):
		return "That link can't be used here: " + trim(detail, ErrInvalidLink) +
			". Send a magnet link or a .torrent URL for /rd and /sb, or an http(s) URL for /ytdl and /stream."
	case errors.Is(err, ErrInvalidArgs):
		return trim(detail, ErrInvalidArgs) + "."
	case errors.Is(err, job.ErrNotFound):
		return "No job " + trim(detail, job.ErrNotFound) + ". Use /jobs to see your jobs."
	case errors.Is(err, ErrFinished):
		return "Job " + trim(detail, ErrFinished) + ", nothing to cancel."
	case errors.Is(err, ErrNotReady):
		return "Job " + trim(detail, ErrNotReady) + ". Only completed seedbox, /ytdl and /zip jobs have local files to send."
	case errors.Is(err, job.ErrConflict):
		return "The job changed while your request was handled. Check it with /job and try again."
	case errors.Is(err, feed.ErrNotFound):
		return "No feed " + trim(detail, feed.ErrNotFound) + ". Use /feeds to see your subscriptions."
	case errors.Is(err, feed.ErrExists):
		return "You are already subscribed to that feed."
	case errors.Is(err, engine.ErrUnknownHandle):
		return "That torrent is not on the backend (" + trim(detail, engine.ErrUnknownHandle) +
			"). List them with /rd_torrents or /sb_torrents."
	case errors.Is(err, engine.ErrNotConfigured):
		return "The " + trim(detail, engine.ErrNotConfigured) + " backend is not configured on this bot."
	case errors.Is(err, statusloop.ErrNoView):
		return "There is no status message open. Use /status to start one."
	case errors.Is(err, lock.ErrBusy):
		return "Another operation is in progress. Try again in a moment."
	case errors.Is(err, store.ErrUnavailable):
		return "Job storage is unreachable right now. Try again in a moment."
	}
	return "Request failed: " + detail
}

// trim keeps what follows the sentinel in a wrapped "...<sentinel>: <detail>" error.
func trim(detail string, sentinel error) string {
	if i := strings.Index(detail, sentinel.Error()); i >= 0 {
		detail = detail[i+len(sentinel.Error()):]
	}
	return strings.TrimPrefix(detail, ": ")
}

func notConfigured(what string) error {
	return fmt.Errorf("%w: %s", engine.ErrNotConfigured, what)
}
