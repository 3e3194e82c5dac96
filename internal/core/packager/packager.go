// Package packager prepares downloaded files for upload: image folders are
// zipped, and archives above the size cap are refused.
package packager

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/c2h5oh/datasize"
	"github.com/rs/zerolog/log"
)

// ErrTooLarge is returned when the source exceeds the archive size cap.
var ErrTooLarge = errors.New("archive too large")

var zipKeywords = []string{"pic", "pics", "image", "images"}

// ShouldZip reports whether a folder name marks a picture set.
func ShouldZip(name string) bool {
	lower := strings.ToLower(name)
	for _, k := range zipKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// Size is the total size of the regular files under path.
func Size(path string) (int64, error) {
	var total int64
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total, err
}

type Packager struct {
	maxSize datasize.ByteSize
}

func New(maxSize datasize.ByteSize) *Packager {
	return &Packager{maxSize: maxSize}
}

func (p *Packager) MaxSize() datasize.ByteSize { return p.maxSize }

// Zip archives src (a file or directory) into dst. It refuses sources
// larger than the cap before writing anything.
func (p *Packager) Zip(ctx context.Context, src, dst string) error {
	size, err := Size(src)
	if err != nil {
		return fmt.Errorf("measure %s: %w", src, err)
	}
	if p.maxSize > 0 && datasize.ByteSize(size) > p.maxSize {
		return fmt.Errorf("%w: %s exceeds %s", ErrTooLarge, datasize.ByteSize(size).HR(), p.maxSize.HR())
	}

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	zw := zip.NewWriter(out)

	err = writeTree(ctx, zw, src)
	if cerr := zw.Close(); err == nil {
		err = cerr
	}
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dst)
		return err
	}
	log.Info().Str("src", src).Str("dst", dst).Str("size", datasize.ByteSize(size).HR()).Msg("archive written")
	return nil
}

func writeTree(ctx context.Context, zw *zip.Writer, src string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	base := src
	if !info.IsDir() {
		base = filepath.Dir(src)
	}
	return filepath.WalkDir(src, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(base, p)
		if err != nil {
			return err
		}
		return addFile(zw, p, filepath.ToSlash(rel))
	})
}

func addFile(zw *zip.Writer, path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate})
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// NeedsZip reports whether Prepare would archive anything under base.
func NeedsZip(base string) bool {
	dirents, err := os.ReadDir(base)
	if err != nil {
		return false
	}
	for _, de := range dirents {
		if de.IsDir() && ShouldZip(de.Name()) {
			return true
		}
	}
	return false
}

// Entry is one top-level item of a download prepared for upload.
type Entry struct {
	Name    string
	Path    string
	Zipped  bool
	Skipped bool
	Reason  string
}

// Prepare lists the top-level entries of base. Picture folders are zipped
// next to themselves; those over the cap are skipped when skipLarge is set
// (chat uploads) and uploaded as plain folders otherwise.
func (p *Packager) Prepare(ctx context.Context, base string, skipLarge bool) ([]Entry, error) {
	info, err := os.Stat(base)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return []Entry{{Name: filepath.Base(base), Path: base}}, nil
	}

	dirents, err := os.ReadDir(base)
	if err != nil {
		return nil, err
	}
	entries := make([]Entry, 0, len(dirents))
	for _, de := range dirents {
		e := Entry{Name: de.Name(), Path: filepath.Join(base, de.Name())}
		if de.IsDir() && ShouldZip(de.Name()) {
			zipPath := e.Path + ".zip"
			err := p.Zip(ctx, e.Path, zipPath)
			switch {
			case errors.Is(err, ErrTooLarge) && skipLarge:
				e.Skipped = true
				e.Reason = err.Error()
			case errors.Is(err, ErrTooLarge):
			case err != nil:
				return nil, err
			default:
				e.Zipped = true
				e.Path = zipPath
			}
		}
		entries = append(entries, e)
	}
	return entries, nil
}
