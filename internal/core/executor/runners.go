package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/packager"
)

func notConfigured(what string) error {
	return fmt.Errorf("%w: %s", engine.ErrNotConfigured, what)
}

// checkpoint re-reads the job and moves it to cancelling when a cancel was
// requested. A store error skips the check rather than failing the job.
func (e *Executor) checkpoint(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cur, err := e.jobs.Get(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn().Err(err).Str("job_id", id).Msg("cancel check skipped")
		return nil
	}
	if cur.State == job.StateCancelling {
		return errCancelled
	}
	if !cur.CancelRequested {
		return nil
	}
	if _, err := e.jobs.Transition(ctx, id, []job.State{job.StateRunning}, job.StateCancelling); err != nil &&
		!errors.Is(err, job.ErrConflict) {
		log.Warn().Err(err).Str("job_id", id).Msg("mark cancelling")
	}
	log.Info().Str("job_id", id).Msg("cancel observed")
	return errCancelled
}

// sleep waits one poll interval, or less when woken by a cancel request.
func (e *Executor) sleep(ctx context.Context, t *task, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.wake:
	case <-timer.C:
	}
	return nil
}

// pause is the poll-loop suspension point.
func (e *Executor) pause(ctx context.Context, id string, t *task) error {
	if err := e.sleep(ctx, t, e.cfg.PollInterval); err != nil {
		return err
	}
	return e.checkpoint(ctx, id)
}

// call runs one external operation with a bounded timeout. Transient
// failures are retried for as long as it takes, with backoff capped at
// RetryMax; the job state is left alone meanwhile. Cancellation is checked
// before every attempt.
func (e *Executor) call(ctx context.Context, id string, t *task, op string, timeout time.Duration, fn func(ctx context.Context) error) error {
	delay := e.cfg.RetryBase
	for attempt := 1; ; attempt++ {
		if err := e.checkpoint(ctx, id); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(ctx, timeout)
		err := fn(cctx)
		cancel()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !engine.IsTransient(err) {
			return fmt.Errorf("%s: %w", op, err)
		}
		log.Warn().Err(err).Str("job_id", id).Str("op", op).Int("attempt", attempt).Dur("retry_in", delay).Msg("transient backend error")
		if err := e.sleep(ctx, t, delay); err != nil {
			return err
		}
		delay = min(delay*2, e.cfg.RetryMax)
	}
}

// watchCancel derives a context that is cancelled once the job's cancel
// flag is seen. stop ends the watch and reports whether that happened.
func (e *Executor) watchCancel(ctx context.Context, id string, t *task) (context.Context, func() bool) {
	wctx, cancel := context.WithCancel(ctx)
	var seen atomic.Bool
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(e.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-wctx.Done():
				return
			case <-t.wake:
			case <-ticker.C:
			}
			if errors.Is(e.checkpoint(wctx, id), errCancelled) {
				seen.Store(true)
				cancel()
				return
			}
		}
	}()
	return wctx, func() bool {
		cancel()
		<-done
		return seen.Load()
	}
}

func (e *Executor) progress(ctx context.Context, id string, cur, total int64) {
	if err := e.jobs.UpdateProgress(ctx, id, job.Progress{Current: cur, Total: total}); err != nil {
		log.Debug().Err(err).Str("job_id", id).Msg("progress update")
	}
}

func (e *Executor) setRef(ctx context.Context, id, ref string) {
	if err := e.jobs.Annotate(ctx, id, job.WithBackendRef(ref)); err != nil {
		log.Warn().Err(err).Str("job_id", id).Str("backend_ref", ref).Msg("record backend ref")
	}
}

func (e *Executor) runCache(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	cache := e.backends.Cache
	if cache == nil {
		return outcome{}, notConfigured("cache provider")
	}

	ref := j.BackendRef
	if ref == "" {
		err := e.call(ctx, j.ID, t, "submit", e.cfg.BackendTimeout, func(ctx context.Context) (err error) {
			ref, err = cache.Submit(ctx, j.URL)
			return err
		})
		if err != nil {
			return outcome{}, err
		}
		e.setRef(ctx, j.ID, ref)
	}

	for {
		var info engine.CacheTorrent
		err := e.call(ctx, j.ID, t, "info", e.cfg.BackendTimeout, func(ctx context.Context) (err error) {
			info, err = cache.Info(ctx, ref)
			return err
		})
		if err != nil {
			return outcome{}, err
		}

		switch info.Status {
		case engine.CacheSelectingFiles:
			if err := e.call(ctx, j.ID, t, "select files", e.cfg.BackendTimeout, func(ctx context.Context) error {
				return cache.SelectFiles(ctx, ref)
			}); err != nil {
				return outcome{}, err
			}
		case engine.CacheDownloaded:
			links := make([]string, 0, len(info.Links))
			for _, l := range info.Links {
				var direct string
				if err := e.call(ctx, j.ID, t, "unrestrict", e.cfg.BackendTimeout, func(ctx context.Context) (err error) {
					direct, err = cache.Unrestrict(ctx, l)
					return err
				}); err != nil {
					return outcome{}, err
				}
				links = append(links, direct)
			}
			return outcome{Result: strings.Join(links, "\n"), Name: info.Name}, nil
		case engine.CacheError:
			return outcome{}, engine.Fatal("cache provider rejected %s: %s", info.Name, info.Message)
		}

		if info.Bytes > 0 {
			e.progress(ctx, j.ID, int64(info.Progress*float64(info.Bytes)), info.Bytes)
		}
		if err := e.pause(ctx, j.ID, t); err != nil {
			return outcome{}, err
		}
	}
}

func (e *Executor) runSeedbox(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	sb := e.backends.Seedbox
	if sb == nil {
		return outcome{}, notConfigured("seedbox")
	}

	handle := j.BackendRef
	if handle == "" {
		err := e.call(ctx, j.ID, t, "add", e.cfg.BackendTimeout, func(ctx context.Context) (err error) {
			handle, err = sb.Add(ctx, j.URL)
			return err
		})
		if err != nil {
			return outcome{}, err
		}
		e.setRef(ctx, j.ID, handle)
	}

	for {
		var st engine.SeedboxTorrent
		err := e.call(ctx, j.ID, t, "status", e.cfg.BackendTimeout, func(ctx context.Context) (err error) {
			st, err = sb.Status(ctx, handle)
			return err
		})
		if err != nil {
			return outcome{}, err
		}
		// Magnets are replaced by the real download once metadata arrives.
		if st.Handle != "" && st.Handle != handle {
			handle = st.Handle
			e.setRef(ctx, j.ID, handle)
		}

		switch st.Status {
		case engine.SeedboxComplete:
			dir, err := e.work.Dir(j.ID)
			if err != nil {
				return outcome{}, err
			}
			var local string
			if err := e.call(ctx, j.ID, t, "fetch completed", e.cfg.TransferTimeout, func(ctx context.Context) (err error) {
				local, err = sb.FetchCompleted(ctx, handle, dir)
				return err
			}); err != nil {
				return outcome{}, err
			}
			return outcome{Result: local, Name: st.Name, Local: local}, nil
		case engine.SeedboxError:
			return outcome{}, engine.Fatal("seedbox error: %s", st.Message)
		case engine.SeedboxRemoved:
			return outcome{}, engine.Fatal("torrent was removed from the seedbox")
		}

		if st.Total > 0 {
			e.progress(ctx, j.ID, st.Completed, st.Total)
		}
		if err := e.pause(ctx, j.ID, t); err != nil {
			return outcome{}, err
		}
	}
}

func (e *Executor) runFetcher(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	f := e.backends.Fetcher
	if f == nil {
		return outcome{}, notConfigured("fetcher")
	}
	if err := e.checkpoint(ctx, j.ID); err != nil {
		return outcome{}, err
	}
	dir, err := e.work.Dir(j.ID)
	if err != nil {
		return outcome{}, err
	}
	e.setRef(ctx, j.ID, dir)

	var last time.Time
	onProgress := func(p engine.FetchProgress) {
		if time.Since(last) < time.Second || p.Total <= 0 {
			return
		}
		last = time.Now()
		e.progress(ctx, j.ID, p.Downloaded, p.Total)
	}

	wctx, stop := e.watchCancel(ctx, j.ID, t)
	res, err := f.Fetch(wctx, j.URL, dir, e.cfg.FetcherTimeLimit, onProgress)
	if stop() {
		return outcome{}, errCancelled
	}
	if err != nil {
		return outcome{}, err
	}
	e.progress(ctx, j.ID, engine.TotalSize(res.Files), engine.TotalSize(res.Files))
	return outcome{Result: res.Dir, Name: res.Name, Local: res.Dir}, nil
}

func (e *Executor) runStream(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	cache := e.backends.Cache
	if cache == nil {
		return outcome{}, notConfigured("cache provider")
	}
	var link string
	err := e.call(ctx, j.ID, t, "unrestrict", e.cfg.BackendTimeout, func(ctx context.Context) (err error) {
		link, err = cache.Unrestrict(ctx, j.URL)
		return err
	})
	if err != nil {
		return outcome{}, err
	}
	return outcome{Result: link}, nil
}

func (e *Executor) runUpload(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	switch j.Backend {
	case job.BackendCloudMirror:
		m := e.backends.Mirror
		if m == nil {
			return outcome{}, notConfigured("cloud mirror")
		}
		var link string
		err := e.call(ctx, j.ID, t, "upload", e.cfg.TransferTimeout, func(ctx context.Context) (err error) {
			link, err = m.Upload(ctx, j.URL, j.Destination)
			return err
		})
		if err != nil {
			return outcome{}, err
		}
		return outcome{Result: link}, nil
	case job.BackendTelegram:
		return e.uploadChat(ctx, j, t)
	}
	return outcome{}, engine.Fatal("cannot upload to %s", j.Backend)
}

func isDir(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.IsDir()
}

type document struct {
	path    string
	caption string
}

// uploadChat sends the job's files as documents. Picture folders are zipped
// first under the compression lock; folders over the cap are skipped.
func (e *Executor) uploadChat(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	chat := e.backends.Chat
	if chat == nil {
		return outcome{}, notConfigured("chat")
	}
	chatID := j.Destination
	if chatID == "" {
		chatID = j.Owner
	}

	var entries []packager.Entry
	if packager.NeedsZip(j.URL) {
		for {
			if err := e.checkpoint(ctx, j.ID); err != nil {
				return outcome{}, err
			}
			err := e.locker.WithLock(ctx, lock.Compression, func(ctx context.Context) (err error) {
				entries, err = e.archiver.Prepare(ctx, j.URL, true)
				return err
			})
			if errors.Is(err, lock.ErrBusy) {
				log.Debug().Str("job_id", j.ID).Msg("compression busy, upload waits")
				if err := e.pause(ctx, j.ID, t); err != nil {
					return outcome{}, err
				}
				continue
			}
			if err != nil {
				return outcome{}, engine.Fatal("prepare %s: %v", j.URL, err)
			}
			break
		}
	} else {
		var err error
		if entries, err = e.archiver.Prepare(ctx, j.URL, true); err != nil {
			return outcome{}, engine.Fatal("prepare %s: %v", j.URL, err)
		}
	}

	var docs []document
	var skipped []string
	for _, en := range entries {
		switch {
		case en.Skipped:
			skipped = append(skipped, fmt.Sprintf("%s (%s)", en.Name, en.Reason))
		case en.Zipped || !isDir(en.Path):
			docs = append(docs, document{path: en.Path, caption: filepath.Base(en.Path)})
		default:
			for _, f := range engine.ScanFiles(en.Path) {
				docs = append(docs, document{
					path:    filepath.Join(en.Path, f.Path),
					caption: filepath.ToSlash(filepath.Join(en.Name, f.Path)),
				})
			}
		}
	}

	for i, d := range docs {
		if err := e.call(ctx, j.ID, t, "send document", e.cfg.TransferTimeout, func(ctx context.Context) error {
			return chat.SendDocument(ctx, chatID, d.path, d.caption)
		}); err != nil {
			return outcome{}, err
		}
		e.progress(ctx, j.ID, int64(i+1), int64(len(docs)))
	}
	if len(skipped) > 0 {
		msg := "Skipped (too large to archive): " + strings.Join(skipped, ", ")
		if err := e.call(ctx, j.ID, t, "send", e.cfg.BackendTimeout, func(ctx context.Context) error {
			return chat.Send(ctx, chatID, msg)
		}); err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("report skipped folders")
		}
	}
	return outcome{Result: fmt.Sprintf("%d file(s) sent, %d skipped", len(docs), len(skipped))}, nil
}

// runCompression owns a pending compression job. Losing the lock leaves the
// job pending and tries again after BusyRetry.
func (e *Executor) runCompression(ctx context.Context, j *job.Job, t *task) {
	for {
		out, runErr, err := e.compress(ctx, j, t)
		switch {
		case err == nil:
			e.finish(ctx, j, out, runErr)
			return
		case errors.Is(err, job.ErrConflict), errors.Is(err, job.ErrNotFound):
			return
		case errors.Is(err, lock.ErrBusy):
			log.Info().Str("job_id", j.ID).Dur("retry_in", e.cfg.BusyRetry).Msg("compression busy, job stays pending")
		default:
			log.Warn().Err(err).Str("job_id", j.ID).Msg("compression lock unavailable")
		}

		if err := e.sleep(ctx, t, e.cfg.BusyRetry); err != nil {
			return
		}
		cur, err := e.jobs.Get(ctx, j.ID)
		if err != nil {
			log.Warn().Err(err).Str("job_id", j.ID).Msg("reload compression job")
			continue
		}
		if cur.State != job.StatePending {
			return
		}
		if cur.CancelRequested {
			e.transition(ctx, cur, []job.State{job.StatePending}, job.StateCancelled)
			return
		}
	}
}

// compress starts the archive only while holding the compression lock.
// err is lock.ErrBusy when another archive is in progress; runErr is the
// archive's own result.
func (e *Executor) compress(ctx context.Context, j *job.Job, t *task) (out outcome, runErr, err error) {
	err = e.locker.WithLock(ctx, lock.Compression, func(ctx context.Context) error {
		// The lease may have been reassigned after an overrun, so the CAS
		// decides who archives this job.
		if _, err := e.jobs.Transition(ctx, j.ID, []job.State{job.StatePending}, job.StateRunning, job.WithRunner(e.id)); err != nil {
			return err
		}
		out, runErr = e.zip(ctx, j, t)
		return nil
	})
	return out, runErr, err
}

func (e *Executor) zip(ctx context.Context, j *job.Job, t *task) (outcome, error) {
	if e.archiver == nil {
		return outcome{}, notConfigured("archiver")
	}
	dir, err := e.work.Dir(j.ID)
	if err != nil {
		return outcome{}, err
	}
	name := j.Name
	if name == "" {
		name = filepath.Base(j.URL)
	}
	name = strings.TrimSuffix(name, ".zip") + ".zip"
	dst := filepath.Join(dir, name)

	wctx, stop := e.watchCancel(ctx, j.ID, t)
	err = e.archiver.Zip(wctx, j.URL, dst)
	if stop() {
		return outcome{}, errCancelled
	}
	if err != nil {
		if errors.Is(err, packager.ErrTooLarge) {
			return outcome{}, err
		}
		return outcome{}, fmt.Errorf("archive %s: %w", j.URL, err)
	}
	return outcome{Result: dst, Name: name, Local: dst}, nil
}
