package store

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound    = errors.New("record not found")
	ErrUnavailable = errors.New("store unavailable")
	ErrCorrupt     = errors.New("corrupt record")
	ErrBusy        = errors.New("lock busy")
	ErrNotHeld     = errors.New("lock not held")
)

// Record is a flat field map. Entities are never nested inside each other;
// relationships are kept as id references.
type Record map[string]string

// Clone returns a copy safe to mutate.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// UpdateFunc receives the current record and returns its replacement.
// Returning an error aborts the update and is passed back to the caller.
type UpdateFunc func(cur Record) (Record, error)

// Store is the persistence contract shared by every backend.
// Implementations must be safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) (Record, error)
	Set(ctx context.Context, key string, rec Record) error
	// Update atomically replaces the record at key with fn's result.
	// Returns ErrNotFound without calling fn when the key is absent.
	Update(ctx context.Context, key string, fn UpdateFunc) error
	Delete(ctx context.Context, key string) error

	// Append adds member to the set at setKey. Duplicate appends are no-ops.
	Append(ctx context.Context, setKey, member string) error
	Members(ctx context.Context, setKey string) ([]string, error)
	Contains(ctx context.Context, setKey, member string) (bool, error)
	Remove(ctx context.Context, setKey, member string) error

	// AcquireLock grants a lease on name for ttl and returns the holder token,
	// or ErrBusy when an unexpired holder exists.
	AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error)
	// ReleaseLock frees name if token still holds it, ErrNotHeld otherwise.
	ReleaseLock(ctx context.Context, name, token string) error
	// RenewLock pushes the expiry of a held lease to ttl from now. It returns
	// ErrNotHeld once the lease has expired or passed to another holder.
	RenewLock(ctx context.Context, name, token string, ttl time.Duration) error

	// Distributed reports whether locks are honoured across processes.
	Distributed() bool
	Close() error
}

// Key helpers for the persisted layout.

func JobKey(id string) string       { return "job:" + id }
func FeedKey(id string) string      { return "feed:" + id }
func LockKey(name string) string    { return "lock:" + name }
func StatusKey(owner string) string { return "status:" + owner }
func SeenKey(feedID string) string  { return "feed:" + feedID + ":seen" }
func SettingKey(name string) string { return "setting:" + name }

// ItemKey tags a feed item with the job created for it.
func ItemKey(feedID, itemID string) string { return "item:" + feedID + ":" + itemID }

const (
	JobsIndex     = "jobs"
	FeedsIndex    = "feeds"
	StatusesIndex = "statuses"
)

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	return errors.Is(err, ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}
