// Package fileserver hands out signed, expiring links to the local files of
// finished jobs and serves them.
package fileserver

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/storage"
)

// Server serves files via signed download tokens.
// URL pattern: /dl/{token}/{filename}
type Server struct {
	signer  *Signer
	work    *storage.Workspace
	baseURL string
	expiry  time.Duration
}

func NewServer(signer *Signer, work *storage.Workspace, baseURL string, expiry time.Duration) *Server {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &Server{
		signer:  signer,
		work:    work,
		baseURL: strings.TrimRight(baseURL, "/"),
		expiry:  expiry,
	}
}

// Link returns a download URL for file, which must lie inside the workspace.
func (s *Server) Link(jobID, file, operator string) (string, time.Time, error) {
	file = filepath.Clean(file)
	if !s.work.Contains(file) {
		return "", time.Time{}, fmt.Errorf("%s is outside the workspace", file)
	}
	expires := time.Now().Add(s.expiry)
	token := s.signer.Sign(Claims{JobID: jobID, Path: file, Operator: operator, Expires: expires})
	return fmt.Sprintf("%s/dl/%s/%s", s.baseURL, token, url.PathEscape(filepath.Base(file))), expires, nil
}

// ServeFile is the http.HandlerFunc for /dl/{token}/{filename} routes.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/dl/")
	token, _, _ := strings.Cut(rest, "/")
	if token == "" {
		http.Error(w, "missing token", http.StatusBadRequest)
		return
	}

	c, err := s.signer.Verify(token)
	if err != nil {
		log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected download token")
		status := http.StatusForbidden
		if errors.Is(err, ErrExpired) {
			status = http.StatusGone
		}
		http.Error(w, "invalid or expired link", status)
		return
	}

	// Prevent path traversal even with a valid signature.
	if !s.work.Contains(c.Path) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}
	f, err := os.Open(c.Path)
	if err != nil {
		log.Debug().Err(err).Str("job_id", c.JobID).Str("file", c.Path).Msg("file not found")
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil || info.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return
	}

	log.Debug().Str("job_id", c.JobID).Str("operator", c.Operator).Str("file", c.Path).Msg("serving file")
	name := path.Base(filepath.ToSlash(c.Path))
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename=%q`, name))
	// ServeContent handles Range requests and the content type.
	http.ServeContent(w, r, name, info.ModTime(), f)
}
