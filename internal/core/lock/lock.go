package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

// ErrBusy is returned when another holder owns the lease. It means
// "retry later" and is never reported to the operator as a failure.
var ErrBusy = store.ErrBusy

// Well-known lock names.
const (
	Compression = "compression"
)

// Job names the lease an executor holds while it owns a job.
func Job(id string) string { return "job:" + id }

// FeedItem names the lock guarding job creation for one feed item.
func FeedItem(feedID, itemID string) string {
	return "feed-item:" + feedID + ":" + itemID
}

// Locker runs critical sections under named leases.
type Locker struct {
	store store.Store
	ttl   time.Duration
}

// New returns a Locker whose leases default to ttl. The ttl must comfortably
// exceed the longest critical section; an overrunning section can lose its
// lease, so sections re-check persisted state before side effects.
func New(s store.Store, ttl time.Duration) *Locker {
	return &Locker{store: s, ttl: ttl}
}

// WithLock runs fn only if name is acquired and returns ErrBusy immediately
// otherwise. There is no waiting and no queueing.
func (l *Locker) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	return l.WithLockTTL(ctx, name, l.ttl, fn)
}

func (l *Locker) WithLockTTL(ctx context.Context, name string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return err
	}
	defer lease.Release()
	return fn(ctx)
}

// Lease is a held lock. Hold keeps it alive until Release.
type Lease struct {
	store store.Store
	name  string
	token string
	ttl   time.Duration
	start time.Time

	stop chan struct{}
	done chan struct{}
	lost chan struct{}
}

// Acquire takes name for ttl, or returns ErrBusy.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lease, error) {
	token, err := l.store.AcquireLock(ctx, name, ttl)
	if err != nil {
		if errors.Is(err, store.ErrBusy) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	return &Lease{
		store: l.store,
		name:  name,
		token: token,
		ttl:   ttl,
		start: time.Now(),
		lost:  make(chan struct{}),
	}, nil
}

// Name is the lock name.
func (ls *Lease) Name() string { return ls.name }

// Hold renews the lease every third of its ttl until Release. The returned
// channel closes if the lease is lost to expiry or another holder; renewal
// errors that are not ErrNotHeld are logged and retried on the next tick.
// Call Hold at most once.
func (ls *Lease) Hold() <-chan struct{} {
	ls.stop = make(chan struct{})
	ls.done = make(chan struct{})
	go func() {
		defer close(ls.done)
		ticker := time.NewTicker(max(ls.ttl/3, time.Millisecond))
		defer ticker.Stop()
		for {
			select {
			case <-ls.stop:
				return
			case <-ticker.C:
			}
			ctx, cancel := context.WithTimeout(context.Background(), ls.ttl)
			err := ls.store.RenewLock(ctx, ls.name, ls.token, ls.ttl)
			cancel()
			if errors.Is(err, store.ErrNotHeld) {
				log.Warn().Str("lock", ls.name).Dur("held", time.Since(ls.start)).Msg("lease lost")
				close(ls.lost)
				return
			}
			if err != nil {
				log.Warn().Err(err).Str("lock", ls.name).Msg("lease renewal failed")
			}
		}
	}()
	return ls.lost
}

// Release stops renewal and frees the lease. It uses a fresh context so a
// cancelled caller still frees it.
func (ls *Lease) Release() {
	if ls.stop != nil {
		close(ls.stop)
		<-ls.done
	}
	rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ls.store.ReleaseLock(rctx, ls.name, ls.token); err != nil {
		if errors.Is(err, store.ErrNotHeld) {
			log.Warn().Str("lock", ls.name).Dur("held", time.Since(ls.start)).Dur("ttl", ls.ttl).
				Msg("lease expired before release")
			return
		}
		log.Warn().Err(err).Str("lock", ls.name).Msg("lock release failed")
	}
}
