package executor

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/packager"
	"github.com/viperadnan-git/relaybot/internal/core/storage"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

type harness struct {
	store store.Store
	jobs  *job.Manager
	exec  *Executor
	work  *storage.Workspace
}

func testConfig(cfg Config) Config {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 20 * time.Millisecond
	}
	if cfg.RetryBase == 0 {
		cfg.RetryBase = 5 * time.Millisecond
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 10 * time.Millisecond
	}
	if cfg.BusyRetry == 0 {
		cfg.BusyRetry = 20 * time.Millisecond
	}
	if cfg.LeaseTTL == 0 {
		cfg.LeaseTTL = 60 * time.Millisecond
	}
	return cfg
}

func newHarness(t *testing.T, backends Backends, archiver Archiver, cfg Config) *harness {
	t.Helper()
	s, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := event.NewBus()
	jobs := job.NewManager(s, bus)
	work, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	if archiver == nil {
		archiver = packager.New(datasize.MB)
	}
	return &harness{
		store: s,
		jobs:  jobs,
		exec:  New(jobs, lock.New(s, time.Minute), bus, work, archiver, backends, testConfig(cfg)),
		work:  work,
	}
}

// peer builds another executor over the same store, the way a second
// process sharing the database would see it.
func (h *harness) peer(t *testing.T, backends Backends) *Executor {
	t.Helper()
	bus := event.NewBus()
	work, err := storage.NewWorkspace(t.TempDir())
	require.NoError(t, err)
	return New(job.NewManager(h.store, bus), lock.New(h.store, time.Minute), bus, work,
		packager.New(datasize.MB), backends, testConfig(Config{}))
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	startExecutor(t, h.exec)
}

// startExecutor runs e until the returned stop is called or the test ends.
func startExecutor(t *testing.T, e *Executor) (stop func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, e.Start(ctx))
	var once sync.Once
	stop = func() {
		once.Do(func() {
			cancel()
			e.Wait()
		})
	}
	t.Cleanup(stop)
	return stop
}

func (h *harness) create(t *testing.T, req job.CreateRequest) *job.Job {
	t.Helper()
	if req.Owner == "" {
		req.Owner = "42"
	}
	j, err := h.jobs.Create(context.Background(), req)
	require.NoError(t, err)
	return j
}

func (h *harness) waitFor(t *testing.T, id string, cond func(j *job.Job) bool) *job.Job {
	t.Helper()
	var last *job.Job
	require.Eventually(t, func() bool {
		j, err := h.jobs.Get(context.Background(), id)
		if err != nil {
			return false
		}
		last = j
		return cond(j)
	}, 3*time.Second, 5*time.Millisecond)
	return last
}

func (h *harness) waitState(t *testing.T, id string, want job.State) *job.Job {
	t.Helper()
	return h.waitFor(t, id, func(j *job.Job) bool { return j.State == want })
}

func newTask() *task { return &task{wake: make(chan struct{}, 1)} }

func TestSeedboxDownloadCompletesAndAutoUploads(t *testing.T) {
	sb := newFakeSeedbox()
	mirror := &fakeMirror{}
	h := newHarness(t, Backends{Seedbox: sb, Mirror: mirror}, nil, Config{
		AutoUpload:    true,
		DefaultTarget: job.BackendCloudMirror,
		MirrorPath:    "downloads",
	})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?xt=urn:btih:abc"})
	h.waitFor(t, j.ID, func(j *job.Job) bool { return j.State == job.StateRunning && j.BackendRef == "gid1" })
	sb.set("gid1", engine.SeedboxComplete)

	done := h.waitState(t, j.ID, job.StateCompleted)
	dir, err := h.work.Dir(j.ID)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "ubuntu"), done.Result)
	assert.Equal(t, "ubuntu", done.Name)

	var upload *job.Job
	require.Eventually(t, func() bool {
		jobs, err := h.jobs.List(context.Background(), job.Filter{Kind: job.KindUpload})
		if err != nil || len(jobs) != 1 {
			return false
		}
		upload = jobs[0]
		return upload.State == job.StateCompleted
	}, 3*time.Second, 5*time.Millisecond)
	assert.Equal(t, j.ID, upload.ParentID)
	assert.Equal(t, job.BackendCloudMirror, upload.Backend)
	assert.Equal(t, "downloads", upload.Destination)
	assert.Equal(t, "https://drive.example/downloads/ubuntu", upload.Result)
	assert.Equal(t, []string{done.Result}, mirror.paths())
}

func TestNoUploadWithoutAutoUpload(t *testing.T) {
	sb := newFakeSeedbox()
	h := newHarness(t, Backends{Seedbox: sb, Mirror: &fakeMirror{}}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?xt=urn:btih:abc"})
	h.waitFor(t, j.ID, func(j *job.Job) bool { return j.BackendRef == "gid1" })
	sb.set("gid1", engine.SeedboxComplete)
	h.waitState(t, j.ID, job.StateCompleted)

	uploads, err := h.jobs.List(context.Background(), job.Filter{Kind: job.KindUpload})
	require.NoError(t, err)
	assert.Empty(t, uploads)
}

func TestCancelRunningJobStopsSeedboxTorrent(t *testing.T) {
	sb := newFakeSeedbox()
	// A long interval shows the cancel does not wait for the next tick.
	h := newHarness(t, Backends{Seedbox: sb}, nil, Config{PollInterval: time.Second})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?xt=urn:btih:abc"})
	h.waitFor(t, j.ID, func(j *job.Job) bool { return j.State == job.StateRunning && j.BackendRef == "gid1" })

	_, err := h.jobs.RequestCancel(context.Background(), j.ID)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		cur, err := h.jobs.Get(context.Background(), j.ID)
		return err == nil && cur.State == job.StateCancelled
	}, time.Second, 5*time.Millisecond)

	stopped, deleted := sb.calls()
	assert.Equal(t, []string{"gid1"}, stopped)
	assert.Empty(t, deleted)
}

func TestCancelPendingJob(t *testing.T) {
	sb := newFakeSeedbox()
	h := newHarness(t, Backends{Seedbox: sb}, nil, Config{})

	// Not started yet, so nothing picks the job up before the cancel.
	j := h.create(t, job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?xt=urn:btih:abc"})
	_, err := h.jobs.RequestCancel(context.Background(), j.ID)
	require.NoError(t, err)

	h.start(t)
	h.waitState(t, j.ID, job.StateCancelled)
	list, _ := sb.List(context.Background())
	assert.Empty(t, list)
}

func TestCancelFetcherRunRemovesWorkDir(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{})}
	h := newHarness(t, Backends{Fetcher: f}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindFetcherRun, Backend: job.BackendLocalFetcher, URL: "https://video.example/v"})
	<-f.started
	dir := filepath.Join(h.work.Root(), j.ID)
	assert.DirExists(t, dir)

	_, err := h.jobs.RequestCancel(context.Background(), j.ID)
	require.NoError(t, err)
	h.waitState(t, j.ID, job.StateCancelled)
	assert.NoDirExists(t, dir)
}

func TestRecoverMarksOrphanedJobsFailed(t *testing.T) {
	sb := newFakeSeedbox()
	sb.set("live", engine.SeedboxActive)
	h := newHarness(t, Backends{Seedbox: sb, Fetcher: &blockingFetcher{started: make(chan struct{})}}, nil, Config{})
	ctx := context.Background()

	running := func(req job.CreateRequest, ref string) *job.Job {
		j := h.create(t, req)
		_, err := h.jobs.Transition(ctx, j.ID, []job.State{job.StatePending}, job.StateRunning, job.WithBackendRef(ref))
		require.NoError(t, err)
		return j
	}
	gone := running(job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?a"}, "vanished")
	live := running(job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?b"}, "live")
	local := running(job.CreateRequest{Kind: job.KindFetcherRun, Backend: job.BackendLocalFetcher, URL: "https://v.example"}, "")

	h.start(t)

	for _, id := range []string{gone.ID, local.ID} {
		j := h.waitState(t, id, job.StateFailed)
		assert.Equal(t, ReasonOrphaned, j.Error)
	}
	cur, err := h.jobs.Get(ctx, live.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, cur.State)

	sb.set("live", engine.SeedboxComplete)
	h.waitState(t, live.ID, job.StateCompleted)
}

func TestPeerLeavesLeasedJobAlone(t *testing.T) {
	f := &blockingFetcher{started: make(chan struct{})}
	h := newHarness(t, Backends{Fetcher: f}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindFetcherRun, Backend: job.BackendLocalFetcher, URL: "https://video.example/v"})
	<-f.started

	other := h.peer(t, Backends{Fetcher: &blockingFetcher{started: make(chan struct{})}})
	startExecutor(t, other)
	// Several recovery rounds on the peer.
	time.Sleep(300 * time.Millisecond)

	cur, err := h.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, cur.State)
	assert.Equal(t, h.exec.ID(), cur.Runner)
	assert.Zero(t, other.Running())
	assert.Equal(t, 1, h.exec.Running())
}

func TestPeerTakesOverAfterOwnerStops(t *testing.T) {
	sb := newFakeSeedbox()
	h := newHarness(t, Backends{Seedbox: sb}, nil, Config{})
	stopOwner := startExecutor(t, h.exec)

	j := h.create(t, job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?xt=urn:btih:abc"})
	h.waitFor(t, j.ID, func(j *job.Job) bool { return j.State == job.StateRunning && j.BackendRef == "gid1" })

	other := h.peer(t, Backends{Seedbox: sb})
	startExecutor(t, other)
	stopOwner()

	h.waitFor(t, j.ID, func(j *job.Job) bool { return j.Runner == other.ID() })
	sb.set("gid1", engine.SeedboxComplete)
	h.waitState(t, j.ID, job.StateCompleted)
}

func TestCacheDownloadSelectsFilesAndUnrestricts(t *testing.T) {
	cache := &fakeCache{
		infos: map[string]engine.CacheTorrent{"RD1": {
			ID: "RD1", Name: "Movie", Status: engine.CacheSelectingFiles,
			Links: []string{"https://host.example/a", "https://host.example/b"},
		}},
		infoErrs: []error{engine.Transient("rate limited"), engine.Transient("rate limited")},
	}
	h := newHarness(t, Backends{Cache: cache}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindCacheDownload, Backend: job.BackendCacheProvider, URL: "magnet:?xt=urn:btih:abc"})
	done := h.waitState(t, j.ID, job.StateCompleted)

	assert.Equal(t, "RD1", done.BackendRef)
	assert.Equal(t, "Movie", done.Name)
	assert.Equal(t, "https://direct.example/a\nhttps://direct.example/b", done.Result)
	assert.Equal(t, []string{"RD1"}, cache.selected)
}

func TestTransientErrorsNeverFailJob(t *testing.T) {
	errs := make([]error, 12)
	for i := range errs {
		errs[i] = engine.Transient("503 service unavailable")
	}
	cache := &fakeCache{
		infos:    map[string]engine.CacheTorrent{"RD1": {ID: "RD1", Name: "Movie", Status: engine.CacheDownloaded, Links: []string{"https://host.example/a"}}},
		infoErrs: errs,
	}
	h := newHarness(t, Backends{Cache: cache}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindCacheDownload, Backend: job.BackendCacheProvider, URL: "magnet:?xt=urn:btih:abc"})
	done := h.waitState(t, j.ID, job.StateCompleted)
	assert.Equal(t, "https://direct.example/a", done.Result)
	calls, _ := cache.calls()
	assert.Equal(t, 13, calls)
}

func TestCancelDuringTransientRetries(t *testing.T) {
	errs := make([]error, 100000)
	for i := range errs {
		errs[i] = engine.Transient("503 service unavailable")
	}
	cache := &fakeCache{infos: map[string]engine.CacheTorrent{}, infoErrs: errs}
	h := newHarness(t, Backends{Cache: cache}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindCacheDownload, Backend: job.BackendCacheProvider, URL: "magnet:?xt=urn:btih:abc"})
	require.Eventually(t, func() bool {
		calls, _ := cache.calls()
		return calls > 10
	}, 3*time.Second, 5*time.Millisecond)

	cur, err := h.jobs.Get(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StateRunning, cur.State)
	assert.Equal(t, "RD1", cur.BackendRef)

	_, err = h.jobs.RequestCancel(context.Background(), j.ID)
	require.NoError(t, err)
	h.waitState(t, j.ID, job.StateCancelled)
	_, deleted := cache.calls()
	assert.Equal(t, []string{"RD1"}, deleted)
}

func TestFatalBackendErrorFailsJob(t *testing.T) {
	sb := newFakeSeedbox()
	sb.addErr = engine.Fatal("invalid magnet")
	h := newHarness(t, Backends{Seedbox: sb}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, URL: "magnet:?bad"})
	failed := h.waitState(t, j.ID, job.StateFailed)
	assert.Contains(t, failed.Error, "invalid magnet")
}

func TestMissingBackendFailsWithReason(t *testing.T) {
	h := newHarness(t, Backends{}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindStream, Backend: job.BackendCacheProvider, URL: "https://host.example/f"})
	failed := h.waitState(t, j.ID, job.StateFailed)
	assert.Contains(t, failed.Error, "not configured")
	assert.Contains(t, failed.Error, "cache provider")
}

func TestStreamReturnsDirectLink(t *testing.T) {
	h := newHarness(t, Backends{Cache: &fakeCache{infos: map[string]engine.CacheTorrent{}}}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindStream, Backend: job.BackendCacheProvider, URL: "https://host.example/file.mkv"})
	done := h.waitState(t, j.ID, job.StateCompleted)
	assert.Equal(t, "https://direct.example/file.mkv", done.Result)
}

func TestChatUploadZipsPictureFolders(t *testing.T) {
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "movie.mkv"), []byte("m"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Pics"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Pics", "1.jpg"), []byte("j"), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(src, "Extras"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "Extras", "notes.txt"), []byte("n"), 0o644))

	chat := &fakeChat{}
	h := newHarness(t, Backends{Chat: chat}, nil, Config{})
	h.start(t)

	j := h.create(t, job.CreateRequest{Kind: job.KindUpload, Backend: job.BackendTelegram, URL: src})
	done := h.waitState(t, j.ID, job.StateCompleted)

	captions := chat.captions()
	sort.Strings(captions)
	assert.Equal(t, []string{"Extras/notes.txt", "Pics.zip", "movie.mkv"}, captions)
	assert.Equal(t, "3 file(s) sent, 0 skipped", done.Result)
	assert.Equal(t, job.Progress{Current: 3, Total: 3}, done.Progress)
}

func TestCompressionSecondCallerIsBusy(t *testing.T) {
	arch := newGatedArchiver()
	h := newHarness(t, Backends{}, arch, Config{})
	ctx := context.Background()
	src := t.TempDir()

	first := h.create(t, job.CreateRequest{Kind: job.KindCompression, Backend: job.BackendTelegram, URL: src})
	second := h.create(t, job.CreateRequest{Kind: job.KindCompression, Backend: job.BackendTelegram, URL: src})

	type result struct {
		out    outcome
		runErr error
		err    error
	}
	firstDone := make(chan result, 1)
	go func() {
		out, runErr, err := h.exec.compress(ctx, first, newTask())
		firstDone <- result{out, runErr, err}
	}()
	<-arch.entered

	_, _, err := h.exec.compress(ctx, second, newTask())
	assert.ErrorIs(t, err, lock.ErrBusy)
	assert.EqualValues(t, 1, arch.calls.Load())
	cur, err := h.jobs.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, cur.State)

	close(arch.release)
	res := <-firstDone
	require.NoError(t, res.err)
	require.NoError(t, res.runErr)
	assert.FileExists(t, res.out.Result)
	assert.EqualValues(t, 1, arch.calls.Load())
}

func TestBusyCompressionRunsAfterLockFrees(t *testing.T) {
	arch := newGatedArchiver()
	mirror := &fakeMirror{}
	h := newHarness(t, Backends{Mirror: mirror}, arch, Config{MirrorPath: "zips"})
	h.start(t)
	src := t.TempDir()

	first := h.create(t, job.CreateRequest{Kind: job.KindCompression, Backend: job.BackendCloudMirror, URL: src, Name: "one"})
	<-arch.entered
	second := h.create(t, job.CreateRequest{Kind: job.KindCompression, Backend: job.BackendCloudMirror, URL: src, Name: "two"})

	// The second job keeps retrying while the first holds the lock.
	time.Sleep(100 * time.Millisecond)
	cur, err := h.jobs.Get(context.Background(), second.ID)
	require.NoError(t, err)
	assert.Equal(t, job.StatePending, cur.State)

	close(arch.release)
	a := h.waitState(t, first.ID, job.StateCompleted)
	b := h.waitState(t, second.ID, job.StateCompleted)
	assert.Equal(t, "one.zip", a.Name)
	assert.Equal(t, "two.zip", b.Name)
	assert.EqualValues(t, 2, arch.calls.Load())
	assert.EqualValues(t, 1, arch.maxSeen.Load())

	require.Eventually(t, func() bool { return len(mirror.paths()) == 2 }, 3*time.Second, 5*time.Millisecond)
}
