package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

// key prefixes
const (
	recordPrefix = "r/"
	setPrefix    = "s/"
)

// Badger is the local durable fallback. Its locks live in process memory,
// so mutual exclusion only holds within a single process.
type Badger struct {
	db *badger.DB

	mu     sync.Mutex
	leases map[string]lease
}

type lease struct {
	token   string
	expires time.Time
}

// OpenBadger opens (or creates) a badger database at path.
// An empty path opens an in-memory database.
func OpenBadger(path string) (*Badger, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Badger{db: db, leases: make(map[string]lease)}, nil
}

func recordKey(key string) []byte { return []byte(recordPrefix + key) }

func memberPrefix(setKey string) []byte { return []byte(setPrefix + setKey + "\x00") }

func memberKey(setKey, member string) []byte {
	return append(memberPrefix(setKey), member...)
}

func decodeRecord(key string, item *badger.Item) (Record, error) {
	var rec Record
	err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return rec, nil
}

func (b *Badger) Get(_ context.Context, key string) (Record, error) {
	var rec Record
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		rec, err = decodeRecord(key, item)
		return err
	})
	return rec, err
}

func (b *Badger) Set(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(recordKey(key), data)
	})
}

func (b *Badger) Update(ctx context.Context, key string, fn UpdateFunc) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(recordKey(key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		cur, err := decodeRecord(key, item)
		if err != nil {
			return err
		}
		next, err := fn(cur)
		if err != nil {
			return err
		}
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal %s: %w", key, err)
		}
		return txn.Set(recordKey(key), data)
	})
}

func (b *Badger) Delete(ctx context.Context, key string) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete(recordKey(key))
	})
}

func (b *Badger) Append(ctx context.Context, setKey, member string) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Set(memberKey(setKey, member), nil)
	})
}

func (b *Badger) Members(_ context.Context, setKey string) ([]string, error) {
	prefix := memberPrefix(setKey)
	var members []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			members = append(members, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return members, err
}

func (b *Badger) Contains(_ context.Context, setKey, member string) (bool, error) {
	found := false
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(memberKey(setKey, member))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

func (b *Badger) Remove(ctx context.Context, setKey, member string) error {
	return b.retryUpdate(ctx, func(txn *badger.Txn) error {
		return txn.Delete(memberKey(setKey, member))
	})
}

func (b *Badger) AcquireLock(_ context.Context, name string, ttl time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	if l, ok := b.leases[name]; ok && now.Before(l.expires) {
		return "", ErrBusy
	}
	token := uuid.NewString()
	b.leases[name] = lease{token: token, expires: now.Add(ttl)}
	return token, nil
}

func (b *Badger) ReleaseLock(_ context.Context, name, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	l, ok := b.leases[name]
	if !ok || l.token != token || time.Now().After(l.expires) {
		return ErrNotHeld
	}
	delete(b.leases, name)
	return nil
}

func (b *Badger) RenewLock(_ context.Context, name, token string, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	l, ok := b.leases[name]
	if !ok || l.token != token || now.After(l.expires) {
		return ErrNotHeld
	}
	b.leases[name] = lease{token: token, expires: now.Add(ttl)}
	return nil
}

func (b *Badger) Distributed() bool { return false }

func (b *Badger) Close() error { return b.db.Close() }

// retryUpdate retries a write transaction on badger.ErrConflict.
func (b *Badger) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}

		err := b.db.Update(fn)
		if err == nil {
			return nil
		}
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
		lastErr = err
	}
	return fmt.Errorf("%w: transaction conflict after %d retries: %v", ErrUnavailable, maxRetries, lastErr)
}
