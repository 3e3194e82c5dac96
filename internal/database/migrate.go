package database

import (
	"context"
	"embed"
	"fmt"
	"sort"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type migration struct {
	version int
	up      string
	down    string
}

// loadMigrations pairs NNN_name.up.sql with NNN_name.down.sql, ordered by version.
func loadMigrations() ([]migration, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int]*migration)
	for _, entry := range entries {
		name := entry.Name()
		var version int
		if _, err := fmt.Sscanf(name, "%03d_", &version); err != nil {
			continue
		}
		m, ok := byVersion[version]
		if !ok {
			m = &migration{version: version}
			byVersion[version] = m
		}
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			m.up = name
		case strings.HasSuffix(name, ".down.sql"):
			m.down = name
		}
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].version < out[j].version })
	return out, nil
}

func currentVersion(ctx context.Context, pool *pgxpool.Pool) (int, error) {
	_, err := pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return 0, fmt.Errorf("create migrations table: %w", err)
	}

	var v int
	if err := pool.QueryRow(ctx, "SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&v); err != nil {
		return 0, fmt.Errorf("get current version: %w", err)
	}
	return v, nil
}

// Migrate applies every pending up migration, one transaction each.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	current, err := currentVersion(ctx, pool)
	if err != nil {
		return err
	}
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= current || m.up == "" {
			continue
		}
		if err := apply(ctx, pool, m.up, "INSERT INTO schema_migrations (version) VALUES ($1)", m.version); err != nil {
			return err
		}
		log.Info().Int("version", m.version).Str("file", m.up).Msg("applied migration")
	}
	return nil
}

// MigrateDown rolls back the most recently applied migration.
func MigrateDown(ctx context.Context, pool *pgxpool.Pool) error {
	current, err := currentVersion(ctx, pool)
	if err != nil {
		return err
	}
	if current == 0 {
		log.Info().Msg("no migrations to roll back")
		return nil
	}
	migrations, err := loadMigrations()
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version != current {
			continue
		}
		if m.down == "" {
			return fmt.Errorf("migration %d has no down file", m.version)
		}
		if err := apply(ctx, pool, m.down, "DELETE FROM schema_migrations WHERE version = $1", m.version); err != nil {
			return err
		}
		log.Info().Int("version", m.version).Str("file", m.down).Msg("rolled back migration")
		return nil
	}
	return fmt.Errorf("migration %d not found", current)
}

func apply(ctx context.Context, pool *pgxpool.Pool, file, record string, version int) error {
	sql, err := migrationsFS.ReadFile("migrations/" + file)
	if err != nil {
		return fmt.Errorf("read migration %s: %w", file, err)
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx for migration %d: %w", version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, string(sql)); err != nil {
		return fmt.Errorf("apply %s: %w", file, err)
	}
	if _, err := tx.Exec(ctx, record, version); err != nil {
		return fmt.Errorf("record migration %d: %w", version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %d: %w", version, err)
	}
	return nil
}
