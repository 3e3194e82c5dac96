package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Workspace is the local staging directory. Each job gets its own
// subdirectory named by job id.
type Workspace struct {
	root string
}

func NewWorkspace(root string) (*Workspace, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &Workspace{root: abs}, nil
}

func (w *Workspace) Root() string { return w.root }

// Dir returns the job's directory, creating it.
func (w *Workspace) Dir(jobID string) (string, error) {
	dir := w.path(jobID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create job dir: %w", err)
	}
	return dir, nil
}

// Remove deletes the job's directory. A missing directory is fine.
func (w *Workspace) Remove(jobID string) error {
	return os.RemoveAll(w.path(jobID))
}

// Contains reports whether p lies inside the workspace, so callers never
// remove files they did not stage.
func (w *Workspace) Contains(p string) bool {
	abs, err := filepath.Abs(p)
	if err != nil {
		return false
	}
	return strings.HasPrefix(abs, w.root+string(filepath.Separator))
}

func (w *Workspace) path(jobID string) string {
	return filepath.Join(w.root, filepath.Base(filepath.Clean("/"+jobID)))
}
