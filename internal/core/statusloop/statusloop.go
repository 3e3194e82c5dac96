// Package statusloop keeps one live status message per operator, refreshed
// from the job registry and live backend polls.
package statusloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/store"
	"github.com/viperadnan-git/relaybot/internal/core/sysinfo"
)

var ErrNoView = errors.New("no status view")

// View is the persisted singleton status message of one operator.
type View struct {
	Operator       string
	ChatID         string
	MessageRef     string
	LastRenderedAt time.Time
}

func toRecord(v *View) store.Record {
	return store.Record{
		"operator":         v.Operator,
		"chat_id":          v.ChatID,
		"message_ref":      v.MessageRef,
		"last_rendered_at": v.LastRenderedAt.UTC().Format(time.RFC3339Nano),
	}
}

func fromRecord(rec store.Record) (*View, error) {
	v := &View{Operator: rec["operator"], ChatID: rec["chat_id"], MessageRef: rec["message_ref"]}
	if v.Operator == "" || v.ChatID == "" || v.MessageRef == "" {
		return nil, fmt.Errorf("%w: status view missing fields", store.ErrCorrupt)
	}
	t, err := time.Parse(time.RFC3339Nano, rec["last_rendered_at"])
	if err != nil {
		return nil, fmt.Errorf("%w: status view %s last_rendered_at: %v", store.ErrCorrupt, v.Operator, err)
	}
	v.LastRenderedAt = t
	return v, nil
}

type CacheLister interface {
	List(ctx context.Context) ([]engine.CacheTorrent, error)
}

type SeedboxLister interface {
	List(ctx context.Context) ([]engine.SeedboxTorrent, error)
}

type FeedLister interface {
	List(ctx context.Context, owner string) ([]*feed.Feed, error)
}

// Sources are polled on every refresh. Nil sources are left out of the view.
type Sources struct {
	Cache    CacheLister
	Seedbox  SeedboxLister
	Feeds    FeedLister
	Snapshot func(ctx context.Context) (sysinfo.Snapshot, error)
}

type Aggregator struct {
	store    store.Store
	jobs     *job.Manager
	chat     engine.Chat
	src      Sources
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	opening  map[string]*sync.Mutex
	ctx      context.Context
	loops    map[string]context.CancelFunc
	wg       sync.WaitGroup
}

func New(s store.Store, jobs *job.Manager, chat engine.Chat, src Sources, interval, timeout time.Duration) *Aggregator {
	if interval <= 0 {
		interval = time.Minute
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Aggregator{
		store:    s,
		jobs:     jobs,
		chat:     chat,
		src:      src,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		inFlight: make(map[string]bool),
		opening:  make(map[string]*sync.Mutex),
		loops:    make(map[string]context.CancelFunc),
	}
}

// operatorLock serialises Open and Close for one operator.
func (a *Aggregator) operatorLock(operator string) *sync.Mutex {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, ok := a.opening[operator]
	if !ok {
		m = &sync.Mutex{}
		a.opening[operator] = m
	}
	return m
}

// Open posts a fresh status message in chatID. Any previous view of the
// operator is retired first, so exactly one stays live.
func (a *Aggregator) Open(ctx context.Context, operator, chatID string) (*View, error) {
	m := a.operatorLock(operator)
	m.Lock()
	defer m.Unlock()

	if err := a.retire(ctx, operator); err != nil {
		return nil, err
	}

	text := a.Render(ctx, operator)
	ref, err := a.chat.SendStatus(ctx, chatID, text)
	if err != nil {
		return nil, fmt.Errorf("send status: %w", err)
	}
	v := &View{Operator: operator, ChatID: chatID, MessageRef: ref, LastRenderedAt: a.now().UTC()}
	if err := a.store.Set(ctx, store.StatusKey(operator), toRecord(v)); err != nil {
		return nil, fmt.Errorf("persist status view: %w", err)
	}
	if err := a.store.Append(ctx, store.StatusesIndex, operator); err != nil {
		return nil, fmt.Errorf("index status view: %w", err)
	}
	log.Info().Str("operator", operator).Str("chat_id", chatID).Str("message_ref", ref).Msg("status view opened")
	a.startLoop(operator)
	return v, nil
}

// Close retires the operator's view.
func (a *Aggregator) Close(ctx context.Context, operator string) error {
	m := a.operatorLock(operator)
	m.Lock()
	defer m.Unlock()

	if _, err := a.Get(ctx, operator); err != nil {
		return err
	}
	a.stopLoop(operator)
	return a.retire(ctx, operator)
}

func (a *Aggregator) Get(ctx context.Context, operator string) (*View, error) {
	rec, err := a.store.Get(ctx, store.StatusKey(operator))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w for %s", ErrNoView, operator)
	}
	if err != nil {
		return nil, err
	}
	return fromRecord(rec)
}

// retire deletes the old message and record. A message the chat no longer
// has is not an error.
func (a *Aggregator) retire(ctx context.Context, operator string) error {
	old, err := a.Get(ctx, operator)
	switch {
	case errors.Is(err, ErrNoView):
		return nil
	case errors.Is(err, store.ErrCorrupt):
		log.Warn().Err(err).Str("operator", operator).Msg("dropping corrupt status view")
	case err != nil:
		return err
	default:
		if derr := a.chat.Delete(ctx, old.ChatID, old.MessageRef); derr != nil {
			log.Debug().Err(derr).Str("operator", operator).Str("message_ref", old.MessageRef).Msg("old status message not deleted")
		}
	}
	if err := a.store.Delete(ctx, store.StatusKey(operator)); err != nil {
		return err
	}
	log.Debug().Str("operator", operator).Msg("status view retired")
	return a.store.Remove(ctx, store.StatusesIndex, operator)
}

// Refresh re-renders the operator's view. It returns false without doing
// anything when a refresh for the operator is still in flight.
func (a *Aggregator) Refresh(ctx context.Context, operator string) (bool, error) {
	a.mu.Lock()
	if a.inFlight[operator] {
		a.mu.Unlock()
		log.Debug().Str("operator", operator).Msg("status refresh in flight, tick skipped")
		return false, nil
	}
	a.inFlight[operator] = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		delete(a.inFlight, operator)
		a.mu.Unlock()
	}()

	v, err := a.Get(ctx, operator)
	if err != nil {
		return false, err
	}
	text := a.Render(ctx, operator)

	ectx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	if err := a.chat.EditStatus(ectx, v.ChatID, v.MessageRef, text); err != nil {
		return true, fmt.Errorf("edit status: %w", err)
	}

	err = a.store.Update(ctx, store.StatusKey(operator), func(cur store.Record) (store.Record, error) {
		// A concurrent Open replaced the view; leave the new one alone.
		if cur["message_ref"] != v.MessageRef {
			return nil, ErrNoView
		}
		next := cur.Clone()
		next["last_rendered_at"] = a.now().UTC().Format(time.RFC3339Nano)
		return next, nil
	})
	if err != nil && !errors.Is(err, ErrNoView) && !errors.Is(err, store.ErrNotFound) {
		return true, err
	}
	return true, nil
}

// Start resumes the refresh loop of every stored view.
func (a *Aggregator) Start(ctx context.Context) error {
	a.mu.Lock()
	a.ctx = ctx
	a.mu.Unlock()

	operators, err := a.store.Members(ctx, store.StatusesIndex)
	if err != nil {
		return fmt.Errorf("list status views: %w", err)
	}
	for _, op := range operators {
		a.startLoop(op)
	}
	log.Info().Int("views", len(operators)).Dur("interval", a.interval).Msg("status aggregator started")
	return nil
}

func (a *Aggregator) Wait() { a.wg.Wait() }

func (a *Aggregator) startLoop(operator string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ctx == nil || a.ctx.Err() != nil {
		return
	}
	if _, ok := a.loops[operator]; ok {
		return
	}
	ctx, cancel := context.WithCancel(a.ctx)
	a.loops[operator] = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.loop(ctx, operator)
	}()
}

func (a *Aggregator) stopLoop(operator string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.loops[operator]; ok {
		cancel()
		delete(a.loops, operator)
	}
}

// loop fires a refresh per tick without waiting for it, so a slow refresh
// makes the following ticks skip.
func (a *Aggregator) loop(ctx context.Context, operator string) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()
	var refreshes sync.WaitGroup
	defer refreshes.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshes.Add(1)
			go func() {
				defer refreshes.Done()
				_, err := a.Refresh(ctx, operator)
				switch {
				case errors.Is(err, ErrNoView):
					a.stopLoop(operator)
				case err != nil && ctx.Err() == nil:
					log.Warn().Err(err).Str("operator", operator).Msg("status refresh failed")
				}
			}()
		}
	}
}
