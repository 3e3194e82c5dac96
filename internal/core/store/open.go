package store

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/database"
)

// Options selects and configures a backend.
type Options struct {
	Driver         string // redis, postgres or local
	URL            string
	MaxConnections int
	// LocalPath is the badger directory used by the local driver and as
	// the fallback when the remote backend cannot be reached.
	LocalPath string
}

// Open connects to the configured backend. When a remote backend is
// unreachable it opens the local store instead and logs the degradation
// here, once; callers never see it again.
func Open(ctx context.Context, opts Options) (Store, error) {
	var (
		remote Store
		err    error
	)
	switch opts.Driver {
	case "redis":
		remote, err = NewRedis(ctx, opts.URL)
	case "postgres":
		remote, err = openPostgres(ctx, opts)
	case "local", "badger", "":
		return OpenBadger(opts.LocalPath)
	default:
		return nil, fmt.Errorf("unknown store driver %q", opts.Driver)
	}
	if err == nil {
		log.Info().Str("driver", opts.Driver).Msg("store ready")
		return remote, nil
	}

	local, lerr := OpenBadger(opts.LocalPath)
	if lerr != nil {
		return nil, fmt.Errorf("remote store: %v; local fallback: %w", err, lerr)
	}
	log.Warn().Err(err).
		Str("driver", opts.Driver).
		Str("path", opts.LocalPath).
		Msg("remote store unreachable, using local store; locks are process-local only")
	return local, nil
}

func openPostgres(ctx context.Context, opts Options) (Store, error) {
	pool, err := database.Connect(ctx, opts.URL, opts.MaxConnections)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	return NewPostgres(pool), nil
}
