package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Postgres keeps records in kv_records, ledgers in kv_sets and leases in
// kv_locks. The tables are created by database.Migrate.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

func (p *Postgres) Get(ctx context.Context, key string) (Record, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx, `SELECT fields FROM kv_records WHERE key = $1`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, p.wrap("get", key, err)
	}
	return decodeJSON(key, raw)
}

func (p *Postgres) Set(ctx context.Context, key string, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO kv_records (key, fields, updated_at) VALUES ($1, $2, NOW())
		ON CONFLICT (key) DO UPDATE SET fields = EXCLUDED.fields, updated_at = NOW()
	`, key, data)
	if err != nil {
		return p.wrap("set", key, err)
	}
	return nil
}

func (p *Postgres) Update(ctx context.Context, key string, fn UpdateFunc) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return p.wrap("begin", key, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var raw []byte
	err = tx.QueryRow(ctx, `SELECT fields FROM kv_records WHERE key = $1 FOR UPDATE`, key).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return p.wrap("select", key, err)
	}
	cur, err := decodeJSON(key, raw)
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
	if _, err := tx.Exec(ctx, `UPDATE kv_records SET fields = $2, updated_at = NOW() WHERE key = $1`, key, data); err != nil {
		return p.wrap("update", key, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return p.wrap("commit", key, err)
	}
	return nil
}

func (p *Postgres) Delete(ctx context.Context, key string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_records WHERE key = $1`, key); err != nil {
		return p.wrap("delete", key, err)
	}
	return nil
}

func (p *Postgres) Append(ctx context.Context, setKey, member string) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO kv_sets (set_key, member) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, setKey, member)
	if err != nil {
		return p.wrap("append", setKey, err)
	}
	return nil
}

func (p *Postgres) Members(ctx context.Context, setKey string) ([]string, error) {
	rows, err := p.pool.Query(ctx, `SELECT member FROM kv_sets WHERE set_key = $1 ORDER BY added_at`, setKey)
	if err != nil {
		return nil, p.wrap("members", setKey, err)
	}
	members, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, p.wrap("members", setKey, err)
	}
	return members, nil
}

func (p *Postgres) Contains(ctx context.Context, setKey, member string) (bool, error) {
	var ok bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM kv_sets WHERE set_key = $1 AND member = $2)`,
		setKey, member).Scan(&ok)
	if err != nil {
		return false, p.wrap("contains", setKey, err)
	}
	return ok, nil
}

func (p *Postgres) Remove(ctx context.Context, setKey, member string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM kv_sets WHERE set_key = $1 AND member = $2`, setKey, member); err != nil {
		return p.wrap("remove", setKey, err)
	}
	return nil
}

func (p *Postgres) AcquireLock(ctx context.Context, name string, ttl time.Duration) (string, error) {
	token := uuid.NewString()
	tag, err := p.pool.Exec(ctx, `
		INSERT INTO kv_locks (name, holder, expires_at)
		VALUES ($1, $2, NOW() + $3 * INTERVAL '1 millisecond')
		ON CONFLICT (name) DO UPDATE
			SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
			WHERE kv_locks.expires_at < NOW()
	`, name, token, ttl.Milliseconds())
	if err != nil {
		return "", p.wrap("acquire", LockKey(name), err)
	}
	if tag.RowsAffected() == 0 {
		return "", ErrBusy
	}
	return token, nil
}

func (p *Postgres) ReleaseLock(ctx context.Context, name, token string) error {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM kv_locks WHERE name = $1 AND holder = $2 AND expires_at >= NOW()`,
		name, token)
	if err != nil {
		return p.wrap("release", LockKey(name), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

func (p *Postgres) RenewLock(ctx context.Context, name, token string, ttl time.Duration) error {
	tag, err := p.pool.Exec(ctx, `
		UPDATE kv_locks SET expires_at = NOW() + $3 * INTERVAL '1 millisecond'
		WHERE name = $1 AND holder = $2 AND expires_at >= NOW()
	`, name, token, ttl.Milliseconds())
	if err != nil {
		return p.wrap("renew", LockKey(name), err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotHeld
	}
	return nil
}

func (p *Postgres) Distributed() bool { return true }

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) wrap(op, key string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s %s: %v", ErrUnavailable, op, key, err)
}

func decodeJSON(key string, raw []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return rec, nil
}
