package executor

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
)

// Recover reconciles active jobs that no executor owns. A running job is
// owned while its lease is renewed; jobs leased elsewhere are left alone.
// Unowned running jobs whose backend task is gone are failed as orphaned,
// the rest are resumed. Pending jobs are launched.
func (e *Executor) Recover(ctx context.Context) error {
	jobs, err := e.jobs.List(ctx, job.Filter{Active: true})
	if err != nil {
		return fmt.Errorf("list active jobs: %w", err)
	}

	var orphaned, resumed, pending, leased int
	for _, j := range jobs {
		if e.owns(j.ID) {
			continue
		}
		switch j.State {
		case job.StatePending:
			pending++
			e.Launch(j.ID)
		case job.StateRunning, job.StateCancelling:
			lease, err := e.locker.Acquire(ctx, lock.Job(j.ID), e.cfg.LeaseTTL)
			if errors.Is(err, lock.ErrBusy) {
				leased++
				continue
			}
			if err != nil {
				log.Warn().Err(err).Str("job_id", j.ID).Msg("recovery: job lease")
				continue
			}
			live, err := e.alive(ctx, j)
			if err != nil {
				// Unknown is not gone; the resumed runner retries the backend.
				log.Warn().Err(err).Str("job_id", j.ID).Msg("recovery: backend check failed, resuming")
				live = true
			}
			if live {
				resumed++
				e.launch(j.ID, lease)
				continue
			}
			orphaned++
			e.orphan(ctx, j)
			lease.Release()
		}
	}

	ev := log.Debug()
	if orphaned+resumed+pending > 0 {
		ev = log.Info()
	}
	ev.Int("orphaned", orphaned).Int("resumed", resumed).Int("pending", pending).Int("leased", leased).
		Msg("job recovery complete")
	return nil
}

func (e *Executor) orphan(ctx context.Context, j *job.Job) {
	var err error
	if j.State == job.StateCancelling {
		_, err = e.jobs.Transition(ctx, j.ID, []job.State{job.StateCancelling}, job.StateCancelled)
	} else {
		_, err = e.jobs.Transition(ctx, j.ID, []job.State{job.StateRunning}, job.StateFailed, job.WithError(ReasonOrphaned))
	}
	if err != nil {
		log.Warn().Err(err).Str("job_id", j.ID).Msg("recovery: mark orphaned")
		return
	}
	log.Warn().Str("job_id", j.ID).Str("kind", string(j.Kind)).Msg("job orphaned on restart")
}

// alive reports whether the job still has a task on its backend. Local
// work (fetcher runs, archives, uploads) dies with the process.
func (e *Executor) alive(ctx context.Context, j *job.Job) (bool, error) {
	if j.BackendRef == "" {
		return false, nil
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.BackendTimeout)
	defer cancel()

	switch j.Kind {
	case job.KindSeedboxDownload:
		if e.backends.Seedbox == nil {
			return false, nil
		}
		st, err := e.backends.Seedbox.Status(cctx, j.BackendRef)
		if errors.Is(err, engine.ErrUnknownHandle) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return st.Status != engine.SeedboxRemoved, nil

	case job.KindCacheDownload:
		if e.backends.Cache == nil {
			return false, nil
		}
		_, err := e.backends.Cache.Info(cctx, j.BackendRef)
		if errors.Is(err, engine.ErrUnknownHandle) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}
