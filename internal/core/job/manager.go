package job

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

var (
	ErrNotFound = errors.New("job not found")
	// ErrConflict means the stored state was not one the caller expected.
	// Callers re-read and decide; they never overwrite.
	ErrConflict = errors.New("job state conflict")
)

// errUnchanged aborts an update that would write the same record back.
var errUnchanged = errors.New("unchanged")

// Manager is the job registry: lifecycle and persistence of every job.
type Manager struct {
	store store.Store
	bus   event.Bus
	now   func() time.Time
}

func NewManager(s store.Store, bus event.Bus) *Manager {
	return &Manager{store: s, bus: bus, now: time.Now}
}

type CreateRequest struct {
	Kind        Kind
	Backend     Backend
	Owner       string
	Source      Source
	URL         string
	Name        string
	Destination string
	ParentID    string
	FeedID      string
	ItemID      string
}

// Create persists a new pending job. Feed jobs are also tagged under
// item:<feed>:<item> so the poller can tell the item was already scheduled.
// The tag is written before the job record.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Job, error) {
	if !req.Kind.Valid() {
		return nil, fmt.Errorf("invalid job kind %q", req.Kind)
	}
	if !req.Backend.Valid() {
		return nil, fmt.Errorf("invalid backend %q", req.Backend)
	}
	if req.Source == "" {
		req.Source = SourceCommand
	}

	now := m.now().UTC()
	j := &Job{
		ID:          shortuuid.New(),
		Kind:        req.Kind,
		Backend:     req.Backend,
		State:       StatePending,
		Owner:       req.Owner,
		Source:      req.Source,
		URL:         req.URL,
		Name:        req.Name,
		Destination: req.Destination,
		ParentID:    req.ParentID,
		FeedID:      req.FeedID,
		ItemID:      req.ItemID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// The tag goes first: a crash in between leaves an item marked without a
	// job, never a job the poller would schedule a second time.
	tagged := j.FeedID != "" && j.ItemID != ""
	if tagged {
		tag := store.Record{"job_id": j.ID, "created_at": now.Format(time.RFC3339Nano)}
		if err := m.store.Set(ctx, store.ItemKey(j.FeedID, j.ItemID), tag); err != nil {
			return nil, fmt.Errorf("tag feed item: %w", err)
		}
	}
	if err := m.store.Set(ctx, store.JobKey(j.ID), toRecord(j)); err != nil {
		if tagged {
			if derr := m.store.Delete(ctx, store.ItemKey(j.FeedID, j.ItemID)); derr != nil {
				log.Warn().Err(derr).Str("feed_id", j.FeedID).Str("item_id", j.ItemID).Msg("untag feed item")
			}
		}
		return nil, fmt.Errorf("persist job: %w", err)
	}
	if err := m.store.Append(ctx, store.JobsIndex, j.ID); err != nil {
		return nil, fmt.Errorf("index job: %w", err)
	}

	log.Info().Str("job_id", j.ID).Str("kind", string(j.Kind)).Str("backend", string(j.Backend)).
		Str("owner", j.Owner).Str("source", string(j.Source)).Msg("job created")
	m.publish(ctx, event.EventJobCreated, j)
	return j, nil
}

func (m *Manager) Get(ctx context.Context, id string) (*Job, error) {
	rec, err := m.store.Get(ctx, store.JobKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// Mutation edits non-state fields alongside a transition.
type Mutation func(j *Job)

func WithError(reason string) Mutation   { return func(j *Job) { j.Error = reason } }
func WithBackendRef(ref string) Mutation { return func(j *Job) { j.BackendRef = ref } }
func WithResult(res string) Mutation     { return func(j *Job) { j.Result = res } }
func WithRunner(id string) Mutation      { return func(j *Job) { j.Runner = id } }
func WithName(name string) Mutation {
	return func(j *Job) {
		if name != "" {
			j.Name = name
		}
	}
}

// Transition moves the job to `to` only if its stored state is one of
// `from`. Terminal jobs never move. Mismatches return ErrConflict.
func (m *Manager) Transition(ctx context.Context, id string, from []State, to State, muts ...Mutation) (*Job, error) {
	var out *Job
	err := m.store.Update(ctx, store.JobKey(id), func(cur store.Record) (store.Record, error) {
		j, err := fromRecord(cur)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() || !slices.Contains(from, j.State) {
			return nil, fmt.Errorf("%w: job %s is %s, wanted one of %v", ErrConflict, id, j.State, from)
		}
		j.State = to
		for _, mut := range muts {
			mut(j)
		}
		if to == StateCompleted && j.Progress.Total > 0 {
			j.Progress.Current = j.Progress.Total
		}
		j.UpdatedAt = m.now().UTC()
		out = j
		return toRecord(j), nil
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}

	log.Debug().Str("job_id", id).Str("state", string(to)).Msg("job transition")
	if t, ok := transitionEvents[to]; ok {
		m.publish(ctx, t, out)
	}
	return out, nil
}

var transitionEvents = map[State]event.EventType{
	StateRunning:   event.EventJobStarted,
	StateCompleted: event.EventJobCompleted,
	StateFailed:    event.EventJobFailed,
	StateCancelled: event.EventJobCancelled,
}

// Annotate edits non-state fields of a live job without a transition.
func (m *Manager) Annotate(ctx context.Context, id string, muts ...Mutation) error {
	err := m.store.Update(ctx, store.JobKey(id), func(cur store.Record) (store.Record, error) {
		j, err := fromRecord(cur)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return nil, errUnchanged
		}
		for _, mut := range muts {
			mut(j)
		}
		j.UpdatedAt = m.now().UTC()
		return toRecord(j), nil
	})
	return m.updateErr(id, err)
}

// UpdateProgress records progress without touching state. A lower current
// value than the stored one is ignored.
func (m *Manager) UpdateProgress(ctx context.Context, id string, p Progress) error {
	var out *Job
	err := m.store.Update(ctx, store.JobKey(id), func(cur store.Record) (store.Record, error) {
		j, err := fromRecord(cur)
		if err != nil {
			return nil, err
		}
		if j.State.Terminal() {
			return nil, errUnchanged
		}
		next := j.Progress
		if p.Current > next.Current {
			next.Current = p.Current
		}
		if p.Total > 0 {
			next.Total = p.Total
		}
		if next == j.Progress {
			return nil, errUnchanged
		}
		j.Progress = next
		j.UpdatedAt = m.now().UTC()
		out = j
		return toRecord(j), nil
	})
	if err := m.updateErr(id, err); err != nil {
		return err
	}
	if out != nil {
		m.publish(ctx, event.EventJobProgress, out)
	}
	return nil
}

// RequestCancel sets the cancel flag. It is idempotent and has no effect on
// terminal jobs; the owning executor observes the flag cooperatively.
func (m *Manager) RequestCancel(ctx context.Context, id string) (*Job, error) {
	var (
		out     *Job
		changed bool
	)
	err := m.store.Update(ctx, store.JobKey(id), func(cur store.Record) (store.Record, error) {
		j, err := fromRecord(cur)
		if err != nil {
			return nil, err
		}
		out = j
		if j.State.Terminal() || j.CancelRequested {
			return nil, errUnchanged
		}
		j.CancelRequested = true
		j.UpdatedAt = m.now().UTC()
		changed = true
		return toRecord(j), nil
	})
	if err := m.updateErr(id, err); err != nil {
		return nil, err
	}
	if changed {
		log.Info().Str("job_id", id).Msg("cancel requested")
		m.publish(ctx, event.EventJobCancelRequested, out)
	}
	return out, nil
}

// List returns jobs matching f, newest first. Undecodable records are
// logged and left out so one bad record does not hide every other job.
func (m *Manager) List(ctx context.Context, f Filter) ([]*Job, error) {
	ids, err := m.store.Members(ctx, store.JobsIndex)
	if err != nil {
		return nil, err
	}

	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		j, err := m.Get(ctx, id)
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, store.ErrCorrupt):
			log.Error().Err(err).Str("job_id", id).Msg("skipping corrupt job record")
			continue
		case err != nil:
			return nil, err
		}
		if f.match(j) {
			jobs = append(jobs, j)
		}
	}
	sort.Slice(jobs, func(a, b int) bool { return jobs[a].CreatedAt.After(jobs[b].CreatedAt) })
	return jobs, nil
}

// ItemScheduled reports whether a job was ever created for a feed item.
// The tag outlives pruning of the job itself.
func (m *Manager) ItemScheduled(ctx context.Context, feedID, itemID string) (bool, error) {
	_, err := m.store.Get(ctx, store.ItemKey(feedID, itemID))
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Prune deletes terminal jobs last updated before now-retention.
func (m *Manager) Prune(ctx context.Context, retention time.Duration) (int, error) {
	ids, err := m.store.Members(ctx, store.JobsIndex)
	if err != nil {
		return 0, err
	}
	cutoff := m.now().Add(-retention)
	pruned := 0
	for _, id := range ids {
		j, err := m.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			_ = m.store.Remove(ctx, store.JobsIndex, id)
			continue
		}
		if err != nil {
			log.Warn().Err(err).Str("job_id", id).Msg("prune: skipping job")
			continue
		}
		if !j.State.Terminal() || j.UpdatedAt.After(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, store.JobKey(id)); err != nil {
			return pruned, err
		}
		if err := m.store.Remove(ctx, store.JobsIndex, id); err != nil {
			return pruned, err
		}
		pruned++
	}
	if pruned > 0 {
		log.Info().Int("pruned", pruned).Dur("retention", retention).Msg("pruned finished jobs")
	}
	return pruned, nil
}

// RunPruner prunes on every interval until ctx is done.
func (m *Manager) RunPruner(ctx context.Context, retention, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Prune(ctx, retention); err != nil {
				log.Warn().Err(err).Msg("job prune failed")
			}
		}
	}
}

func (m *Manager) updateErr(id string, err error) error {
	switch {
	case err == nil, errors.Is(err, errUnchanged):
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	default:
		return err
	}
}

func (m *Manager) publish(ctx context.Context, t event.EventType, j *Job) {
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, event.Event{
		Type: t,
		Payload: event.JobEvent{
			JobID:   j.ID,
			Owner:   j.Owner,
			Kind:    string(j.Kind),
			Backend: string(j.Backend),
			Source:  string(j.Source),
			Name:    j.Name,
			State:   string(j.State),
			Error:   j.Error,
		},
	})
}
