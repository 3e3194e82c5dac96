// Package executor runs jobs to completion. Each active job gets one
// goroutine that owns its transitions; cancellation is a persisted flag the
// goroutine observes at every suspension point.
package executor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/packager"
	"github.com/viperadnan-git/relaybot/internal/core/storage"
)

// ReasonOrphaned is recorded on jobs whose backend task vanished while the
// process was down.
const ReasonOrphaned = "orphaned on restart"

var errCancelled = errors.New("cancelled by operator")

type Config struct {
	PollInterval     time.Duration
	BackendTimeout   time.Duration
	TransferTimeout  time.Duration
	FetcherTimeLimit time.Duration

	AutoUpload    bool
	DefaultTarget job.Backend
	MirrorPath    string

	RetryBase time.Duration
	RetryMax  time.Duration
	// BusyRetry is how long a compression job waits after losing the lock.
	BusyRetry time.Duration
	// LeaseTTL is how long a job stays owned by an executor that stopped
	// renewing its lease. Recovery reruns at this interval.
	LeaseTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BackendTimeout <= 0 {
		c.BackendTimeout = 30 * time.Second
	}
	if c.TransferTimeout <= 0 {
		c.TransferTimeout = 2 * time.Hour
	}
	if c.FetcherTimeLimit <= 0 {
		c.FetcherTimeLimit = 10 * time.Minute
	}
	if c.DefaultTarget == "" {
		c.DefaultTarget = job.BackendTelegram
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryMax <= 0 {
		c.RetryMax = time.Minute
	}
	if c.BusyRetry <= 0 {
		c.BusyRetry = 30 * time.Second
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 30 * time.Second
	}
}

// Backends are the adapters jobs run against. Any of them may be nil when
// not configured; jobs routed to a missing backend fail with a clear reason.
type Backends struct {
	Cache   engine.CacheProvider
	Seedbox engine.Seedbox
	Fetcher engine.Fetcher
	Mirror  engine.Mirror
	Chat    engine.Chat
}

// Archiver builds the archives for compression and chat uploads.
type Archiver interface {
	Zip(ctx context.Context, src, dst string) error
	Prepare(ctx context.Context, base string, skipLarge bool) ([]packager.Entry, error)
}

type Executor struct {
	// id is recorded as the runner of every job this executor owns.
	id       string
	jobs     *job.Manager
	locker   *lock.Locker
	bus      event.Bus
	work     *storage.Workspace
	archiver Archiver
	backends Backends
	cfg      Config

	mu      sync.Mutex
	ctx     context.Context
	running map[string]*task
	unsub   func()
	wg      sync.WaitGroup
}

type task struct {
	// wake interrupts a poll sleep so a cancel request is seen promptly.
	wake chan struct{}
}

func New(jobs *job.Manager, locker *lock.Locker, bus event.Bus, work *storage.Workspace, archiver Archiver, backends Backends, cfg Config) *Executor {
	cfg.applyDefaults()
	return &Executor{
		id:       uuid.NewString(),
		jobs:     jobs,
		locker:   locker,
		bus:      bus,
		work:     work,
		archiver: archiver,
		backends: backends,
		cfg:      cfg,
		running:  make(map[string]*task),
	}
}

// ID identifies this executor as a job runner.
func (e *Executor) ID() string { return e.id }

// Start subscribes to job events, recovers jobs left by a previous run and
// launches pending ones. Recovery repeats every LeaseTTL so jobs whose
// owner died are picked up. Jobs run until ctx is cancelled.
func (e *Executor) Start(ctx context.Context) error {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()

	e.unsub = e.bus.SubscribeMany(
		[]event.EventType{event.EventJobCreated, event.EventJobCancelRequested},
		e.onEvent,
	)
	if err := e.Recover(ctx); err != nil {
		return err
	}
	e.wg.Add(1)
	go e.recoverLoop(ctx)
	return nil
}

func (e *Executor) recoverLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.LeaseTTL)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := e.Recover(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Msg("job recovery")
		}
	}
}

// Wait blocks until every job goroutine has returned. Call it after the
// context passed to Start is cancelled.
func (e *Executor) Wait() {
	if e.unsub != nil {
		e.unsub()
	}
	e.wg.Wait()
}

func (e *Executor) onEvent(ctx context.Context, ev event.Event) error {
	je, ok := ev.Payload.(event.JobEvent)
	if !ok {
		return nil
	}
	switch ev.Type {
	case event.EventJobCreated:
		e.Launch(je.JobID)
	case event.EventJobCancelRequested:
		e.onCancel(ctx, je.JobID)
	}
	return nil
}

// onCancel wakes the owning goroutine, or cancels a pending job nobody
// is running yet.
func (e *Executor) onCancel(ctx context.Context, id string) {
	e.mu.Lock()
	t, ok := e.running[id]
	e.mu.Unlock()
	if ok {
		select {
		case t.wake <- struct{}{}:
		default:
		}
		return
	}
	_, err := e.jobs.Transition(ctx, id, []job.State{job.StatePending}, job.StateCancelled)
	if err != nil && !errors.Is(err, job.ErrConflict) {
		log.Warn().Err(err).Str("job_id", id).Msg("cancel pending job failed")
	}
}

// Launch starts the job's goroutine unless one is already running. The
// goroutine first takes the job's lease and gives up if another executor
// holds it.
func (e *Executor) Launch(id string) {
	e.launch(id, nil)
}

func (e *Executor) launch(id string, lease *lock.Lease) {
	e.mu.Lock()
	_, dup := e.running[id]
	if e.ctx == nil || e.ctx.Err() != nil || dup {
		e.mu.Unlock()
		if lease != nil {
			lease.Release()
		}
		return
	}
	t := &task{wake: make(chan struct{}, 1)}
	e.running[id] = t
	ctx := e.ctx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, id)
			e.mu.Unlock()
		}()
		e.own(ctx, id, t, lease)
	}()
}

// own runs the job while renewing its lease. Losing the lease stops the
// goroutine and leaves the job to whoever holds it now.
func (e *Executor) own(ctx context.Context, id string, t *task, lease *lock.Lease) {
	if lease == nil {
		var err error
		lease, err = e.locker.Acquire(ctx, lock.Job(id), e.cfg.LeaseTTL)
		if errors.Is(err, lock.ErrBusy) {
			log.Debug().Str("job_id", id).Msg("job owned by another executor")
			return
		}
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("job lease")
			return
		}
	}
	lost := lease.Hold()
	defer lease.Release()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-lost:
			cancel()
		case <-rctx.Done():
		}
	}()
	e.run(rctx, id, t)
}

func (e *Executor) owns(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.running[id]
	return ok
}

// Running reports the number of jobs owned by this process.
func (e *Executor) Running() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.running)
}

func (e *Executor) run(ctx context.Context, id string, t *task) {
	j, err := e.jobs.Get(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("job_id", id).Msg("load job")
		return
	}

	switch j.State {
	case job.StatePending:
		if j.CancelRequested {
			e.transition(ctx, j, []job.State{job.StatePending}, job.StateCancelled)
			return
		}
		if j.Kind == job.KindCompression {
			e.runCompression(ctx, j, t)
			return
		}
		if _, err := e.jobs.Transition(ctx, id, []job.State{job.StatePending}, job.StateRunning, job.WithRunner(e.id)); err != nil {
			log.Debug().Err(err).Str("job_id", id).Msg("job not started")
			return
		}
	case job.StateRunning:
		log.Info().Str("job_id", id).Str("kind", string(j.Kind)).Str("previous_runner", j.Runner).Msg("resuming job")
		if err := e.jobs.Annotate(ctx, id, job.WithRunner(e.id)); err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("record runner")
		}
	case job.StateCancelling:
		e.finish(ctx, j, outcome{}, errCancelled)
		return
	default:
		return
	}

	out, err := e.execute(ctx, j, t)
	e.finish(ctx, j, out, err)
}

// outcome is what a runner hands back on success.
type outcome struct {
	Result string
	Name   string
	// Local is set when the result is data on local disk that can be uploaded.
	Local string
}

func (e *Executor) execute(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	log.Info().Str("job_id", j.ID).Str("kind", string(j.Kind)).Str("backend", string(j.Backend)).Msg("job running")
	switch j.Kind {
	case job.KindCacheDownload:
		return e.runCache(ctx, j, t)
	case job.KindSeedboxDownload:
		return e.runSeedbox(ctx, j, t)
	case job.KindFetcherRun:
		return e.runFetcher(ctx, j, t)
	case job.KindUpload:
		return e.runUpload(ctx, j, t)
	case job.KindStream:
		return e.runStream(ctx, j, t)
	case job.KindCompression:
		// Compression only runs from pending, under the lock.
		return outcome{}, engine.Fatal("compression cannot be resumed")
	}
	return outcome{}, engine.Fatal("unsupported job kind %q", j.Kind)
}

func (e *Executor) finish(ctx context.Context, j *job.Job, out outcome, runErr error) {
	switch {
	case runErr == nil:
		done, err := e.jobs.Transition(ctx, j.ID, []job.State{job.StateRunning}, job.StateCompleted,
			job.WithResult(out.Result), job.WithName(out.Name))
		if errors.Is(err, job.ErrConflict) {
			// Cancel arrived after the last checkpoint.
			if cur, gerr := e.jobs.Get(ctx, j.ID); gerr == nil && cur.State == job.StateCancelling {
				e.finish(ctx, cur, outcome{}, errCancelled)
			}
			return
		}
		if err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("complete job")
			return
		}
		log.Info().Str("job_id", j.ID).Str("result", out.Result).Msg("job completed")
		e.followUp(ctx, done, out)

	case errors.Is(runErr, errCancelled):
		e.cleanup(j)
		e.transition(ctx, j, []job.State{job.StateCancelling, job.StateRunning}, job.StateCancelled)

	case ctx.Err() != nil:
		log.Info().Str("job_id", j.ID).Str("state", string(j.State)).Msg("executor stopping, job left for recovery")

	default:
		log.Warn().Err(runErr).Str("job_id", j.ID).Str("kind", string(j.Kind)).Msg("job failed")
		e.transition(ctx, j, []job.State{job.StateRunning}, job.StateFailed, job.WithError(failureReason(runErr)))
	}
}

func (e *Executor) transition(ctx context.Context, j *job.Job, from []job.State, to job.State, muts ...job.Mutation) {
	if _, err := e.jobs.Transition(ctx, j.ID, from, to, muts...); err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Str("to", string(to)).Msg("transition failed")
	}
}

// cleanup releases backend resources of a cancelled job. Seedbox torrents
// are stopped, never deleted, so the data survives.
func (e *Executor) cleanup(j *job.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.BackendTimeout)
	defer cancel()

	cur, err := e.jobs.Get(ctx, j.ID)
	if err == nil {
		j = cur
	}
	var cerr error
	switch {
	case j.Kind == job.KindCacheDownload && j.BackendRef != "" && e.backends.Cache != nil:
		cerr = e.backends.Cache.Delete(ctx, j.BackendRef)
	case j.Kind == job.KindSeedboxDownload && j.BackendRef != "" && e.backends.Seedbox != nil:
		cerr = e.backends.Seedbox.Stop(ctx, j.BackendRef)
	case j.Kind == job.KindFetcherRun || j.Kind == job.KindCompression:
		if e.work != nil {
			cerr = e.work.Remove(j.ID)
		}
	}
	if cerr != nil {
		log.Warn().Err(cerr).Str("job_id", j.ID).Str("backend_ref", j.BackendRef).Msg("cancel cleanup failed")
	}
}

// followUp spawns the upload that continues a finished download.
func (e *Executor) followUp(ctx context.Context, j *job.Job, out outcome) {
	if out.Local == "" {
		return
	}
	var target job.Backend
	switch {
	case j.Kind == job.KindCompression:
		target = j.Backend
	case e.cfg.AutoUpload && (j.Kind == job.KindSeedboxDownload || j.Kind == job.KindFetcherRun):
		target = e.cfg.DefaultTarget
	default:
		return
	}

	dest := j.Destination
	if target == job.BackendCloudMirror && dest == "" {
		dest = e.cfg.MirrorPath
	}
	up, err := e.jobs.Create(ctx, job.CreateRequest{
		Kind:        job.KindUpload,
		Backend:     target,
		Owner:       j.Owner,
		Source:      j.Source,
		URL:         out.Local,
		Name:        j.Name,
		Destination: dest,
		ParentID:    j.ID,
		FeedID:      j.FeedID,
	})
	if err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("spawn upload")
		return
	}
	log.Info().Str("job_id", j.ID).Str("upload_id", up.ID).Str("target", string(target)).Msg("upload scheduled")
}

func failureReason(err error) string {
	if errors.Is(err, engine.ErrTimedOut) {
		return "time limit exceeded"
	}
	return err.Error()
}
