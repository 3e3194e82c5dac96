package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const maxWatchRetries = 20

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

var renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// Redis stores records as hashes and ledgers as sets.
type Redis struct {
	rdb *redis.Client
}

// NewRedis connects to url (redis://...) and pings the server.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("%w: ping redis: %v", ErrUnavailable, err)
	}
	log.Debug().Str("addr", opt.Addr).Int("db", opt.DB).Msg("redis store connected")
	return &Redis{rdb: rdb}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (Record, error) {
	fields, err := r.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, r.wrap("get", key, err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return Record(fields), nil
}

func (r *Redis) Set(ctx context.Context, key string, rec Record) error {
	_, err := r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		if len(rec) > 0 {
			p.HSet(ctx, key, hashArgs(rec)...)
		}
		return nil
	})
	if err != nil {
		return r.wrap("set", key, err)
	}
	return nil
}

func (r *Redis) Update(ctx context.Context, key string, fn UpdateFunc) error {
	var fnErr error
	txf := func(tx *redis.Tx) error {
		cur, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(cur) == 0 {
			return ErrNotFound
		}
		next, err := fn(Record(cur))
		if err != nil {
			fnErr = err
			return err
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Del(ctx, key)
			p.HSet(ctx, key, hashArgs(next)...)
			return nil
		})
		return err
	}

	for i := 0; i < maxWatchRetries; i++ {
		fnErr = nil
		err := r.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case fnErr != nil:
			return fnErr
		case errors.Is(err, ErrNotFound):
			return ErrNotFound
		case errors.Is(err, redis.TxFailedErr):
			continue
		default:
			return r.wrap("update", key, err)
		}
	}
	return fmt.Errorf("%w: update %s: too many concurrent writers", ErrUnavailable, key)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return r.wrap("delete", key, err)
	}
	return nil
}

func (r *Redis) Append(ctx context.Context, setKey, member string) error {
	if err := r.rdb.SAdd(ctx, setKey, member).Err(); err != nil {
		return r.wrap("append", setKey, err)
	}
	return nil
}

func (r *Redis) Members(ctx context.Context, setKey string) ([]string, error) {
	members, err := r.rdb.SMembers(ctx, setKey).Result()
	if err != nil {
		return nil, r.wrap("members", setKey, err)
	}
	return members, nil
}

func (r *Redis) Contains(ctx context.Context, setKey, member string) (bool, error) {
	ok, err := r.rdb.SIsMember(ctx, setKey, member).Result()
	if err != nil {
		return false, r.wrap("contains", setKey, err)
	}
	return ok, nil
}

func (r *Redis) Remove(ctx context.Context, setKey, member string) error {
	if err := r.rdb.SRem(ctx, setKey, member).Err(); err != nil {
		return r.wrap("remove", setKey, err)
	}
	return nil
}

func (r *Redis) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	ok, err := r.rdb.SetNX(ctx, LockKey(name), token, ttl).Result()
	if err != nil {
		return "", r.wrap("acquire", LockKey(name), err)
	}
	if !ok {
		return "", ErrBusy
	}
	return token, nil
}

func (r *Redis) ReleaseLock(ctx context.Context, name, token string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{LockKey(name)}, token).Int()
	if err != nil {
		return r.wrap("release", LockKey(name), err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) RenewLock(ctx context.Context, name, token string, ttl time.Duration) error {
	n, err := renewScript.Run(ctx, r.rdb, []string{LockKey(name)}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return r.wrap("renew", LockKey(name), err)
	}
	if n == 0 {
		return ErrNotHeld
	}
	return nil
}

func (r *Redis) Distributed() bool { return true }

func (r *Redis) Close() error { return r.rdb.Close() }

// wrap classifies a redis error. Type mismatches mean the key holds
// something this package never wrote.
func (r *Redis) wrap(op, key string, err error) error {
	if strings.HasPrefix(err.Error(), "WRONGTYPE") {
		return fmt.Errorf("%w: %s %s: %v", ErrCorrupt, op, key, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}

func hashArgs(rec Record) []any {
	args := make([]any, 0, len(rec)*2)
	for k, v := range rec {
		args = append(args, k, v)
	}
	return args
}
