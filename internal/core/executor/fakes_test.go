package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/packager"
)

type fakeSeedbox struct {
	mu       sync.Mutex
	torrents map[string]*engine.SeedboxTorrent
	addErr   error
	next     int
	stopped  []string
	deleted  []string
}

func newFakeSeedbox() *fakeSeedbox {
	return &fakeSeedbox{torrents: map[string]*engine.SeedboxTorrent{}}
}

func (f *fakeSeedbox) Add(_ context.Context, link string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.addErr != nil {
		return "", f.addErr
	}
	f.next++
	h := fmt.Sprintf("gid%d", f.next)
	f.torrents[h] = &engine.SeedboxTorrent{Handle: h, Name: "ubuntu", Status: engine.SeedboxActive, Total: 100}
	return h, nil
}

func (f *fakeSeedbox) set(handle string, status engine.SeedboxStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.torrents[handle]; ok {
		t.Status = status
		return
	}
	f.torrents[handle] = &engine.SeedboxTorrent{Handle: handle, Name: handle, Status: status}
}

func (f *fakeSeedbox) Status(_ context.Context, handle string) (engine.SeedboxTorrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.torrents[handle]
	if !ok {
		return engine.SeedboxTorrent{}, fmt.Errorf("%w: %s", engine.ErrUnknownHandle, handle)
	}
	return *t, nil
}

func (f *fakeSeedbox) List(context.Context) ([]engine.SeedboxTorrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]engine.SeedboxTorrent, 0, len(f.torrents))
	for _, t := range f.torrents {
		out = append(out, *t)
	}
	return out, nil
}

func (f *fakeSeedbox) Stop(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, handle)
	if t, ok := f.torrents[handle]; ok {
		t.Status = engine.SeedboxPaused
	}
	return nil
}

func (f *fakeSeedbox) Start(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.torrents[handle]; ok {
		t.Status = engine.SeedboxActive
	}
	return nil
}

func (f *fakeSeedbox) Delete(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, handle)
	delete(f.torrents, handle)
	return nil
}

func (f *fakeSeedbox) FetchCompleted(_ context.Context, handle, destDir string) (string, error) {
	t, err := f.Status(context.Background(), handle)
	if err != nil {
		return "", err
	}
	local := filepath.Join(destDir, t.Name)
	if err := os.MkdirAll(local, 0o755); err != nil {
		return "", err
	}
	return local, os.WriteFile(filepath.Join(local, "ubuntu.iso"), []byte("iso"), 0o644)
}

func (f *fakeSeedbox) calls() (stopped, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.stopped...), append([]string(nil), f.deleted...)
}

type fakeCache struct {
	mu          sync.Mutex
	infos       map[string]engine.CacheTorrent
	infoErrs    []error
	infoCalls   int
	selected    []string
	deletedRefs []string
}

func (f *fakeCache) CheckCached(context.Context, string) (engine.Availability, error) {
	return engine.AvailabilityCached, nil
}

func (f *fakeCache) Submit(context.Context, string) (string, error) {
	return "RD1", nil
}

func (f *fakeCache) SelectFiles(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, ref)
	info := f.infos[ref]
	info.Status = engine.CacheDownloaded
	f.infos[ref] = info
	return nil
}

func (f *fakeCache) Info(_ context.Context, ref string) (engine.CacheTorrent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.infoCalls++
	if len(f.infoErrs) > 0 {
		err := f.infoErrs[0]
		f.infoErrs = f.infoErrs[1:]
		return engine.CacheTorrent{}, err
	}
	info, ok := f.infos[ref]
	if !ok {
		return engine.CacheTorrent{}, fmt.Errorf("%w: %s", engine.ErrUnknownHandle, ref)
	}
	return info, nil
}

func (f *fakeCache) calls() (info int, deleted []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.infoCalls, append([]string(nil), f.deletedRefs...)
}

func (f *fakeCache) List(context.Context) ([]engine.CacheTorrent, error) { return nil, nil }

func (f *fakeCache) Delete(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedRefs = append(f.deletedRefs, ref)
	return nil
}

func (f *fakeCache) Downloads(context.Context, int) ([]engine.CacheDownload, error) {
	return nil, nil
}

func (f *fakeCache) Unrestrict(_ context.Context, link string) (string, error) {
	return "https://direct.example/" + filepath.Base(link), nil
}

// blockingFetcher runs until its context ends.
type blockingFetcher struct {
	started chan struct{}
}

func (f *blockingFetcher) Fetch(ctx context.Context, _, _ string, _ time.Duration, _ func(engine.FetchProgress)) (engine.FetchResult, error) {
	close(f.started)
	<-ctx.Done()
	return engine.FetchResult{}, ctx.Err()
}

type fakeMirror struct {
	mu       sync.Mutex
	uploaded []string
}

func (f *fakeMirror) Upload(_ context.Context, localPath, dest string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploaded = append(f.uploaded, localPath)
	return "https://drive.example/" + dest + "/" + filepath.Base(localPath), nil
}

func (f *fakeMirror) ListFolder(context.Context, string) ([]engine.MirrorEntry, error) {
	return nil, nil
}

func (f *fakeMirror) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploaded...)
}

type fakeChat struct {
	mu       sync.Mutex
	docs     []string
	messages []string
}

func (f *fakeChat) SendStatus(context.Context, string, string) (string, error) { return "1", nil }
func (f *fakeChat) EditStatus(context.Context, string, string, string) error    { return nil }
func (f *fakeChat) Delete(context.Context, string, string) error                { return nil }

func (f *fakeChat) Send(_ context.Context, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, text)
	return nil
}

func (f *fakeChat) SendDocument(_ context.Context, _, _, caption string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.docs = append(f.docs, caption)
	return nil
}

func (f *fakeChat) captions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.docs...)
}

// gatedArchiver blocks inside Zip until released and records how many
// archives ran at once.
type gatedArchiver struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newGatedArchiver() *gatedArchiver {
	return &gatedArchiver{entered: make(chan struct{}, 8), release: make(chan struct{})}
}

func (a *gatedArchiver) Zip(ctx context.Context, _, dst string) error {
	a.calls.Add(1)
	n := a.active.Add(1)
	defer a.active.Add(-1)
	for {
		cur := a.maxSeen.Load()
		if n <= cur || a.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	a.entered <- struct{}{}
	select {
	case <-a.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return os.WriteFile(dst, []byte("PK"), 0o644)
}

func (a *gatedArchiver) Prepare(ctx context.Context, base string, skipLarge bool) ([]packager.Entry, error) {
	return packager.New(0).Prepare(ctx, base, skipLarge)
}
