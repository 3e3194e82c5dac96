// Package route decides which backend fulfils a download.
package route

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/util"
)

type Preference string

const (
	PreferAuto    Preference = "auto"
	ForcedCache   Preference = "forced-cache"
	ForcedSeedbox Preference = "forced-seedbox"
)

func (p Preference) Valid() bool {
	switch p {
	case PreferAuto, ForcedCache, ForcedSeedbox:
		return true
	}
	return false
}

// ParsePreference maps "" to auto.
func ParsePreference(s string) (Preference, error) {
	if s == "" {
		return PreferAuto, nil
	}
	p := Preference(s)
	if !p.Valid() {
		return "", fmt.Errorf("invalid engine preference %q", s)
	}
	return p, nil
}

type Item struct {
	Link       string
	Private    bool
	Preference Preference
}

// Decide is pure. Precedence: forced preference, then private items to the
// seedbox, then cached items to the cache provider, then the seedbox.
func Decide(item Item, avail engine.Availability) job.Backend {
	switch item.Preference {
	case ForcedCache:
		return job.BackendCacheProvider
	case ForcedSeedbox:
		return job.BackendSeedbox
	}
	if item.Private {
		return job.BackendSeedbox
	}
	if avail == engine.AvailabilityCached {
		return job.BackendCacheProvider
	}
	return job.BackendSeedbox
}

// NeedsAvailability reports whether Decide's answer depends on a cache lookup.
func NeedsAvailability(item Item) bool {
	return (item.Preference == "" || item.Preference == PreferAuto) && !item.Private
}

type CacheChecker interface {
	CheckCached(ctx context.Context, hash string) (engine.Availability, error)
}

// Router performs the fallible availability check around Decide.
type Router struct {
	cache   CacheChecker
	http    *http.Client
	timeout time.Duration
}

// NewRouter returns a Router. A nil cache makes every lookup Unknown.
func NewRouter(cache CacheChecker, timeout time.Duration) *Router {
	return &Router{
		cache:   cache,
		http:    &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Route never fails: any error during the lookup routes to the seedbox.
func (r *Router) Route(ctx context.Context, item Item) job.Backend {
	if !NeedsAvailability(item) {
		return Decide(item, engine.AvailabilityUnknown)
	}
	avail, err := r.availability(ctx, item.Link)
	if err != nil {
		log.Debug().Err(err).Str("link", item.Link).Msg("availability check failed, routing to seedbox")
		avail = engine.AvailabilityUnknown
	}
	return Decide(item, avail)
}

func (r *Router) availability(ctx context.Context, link string) (engine.Availability, error) {
	if r.cache == nil {
		return engine.AvailabilityUnknown, nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	hash, err := r.infoHash(ctx, link)
	if err != nil {
		return engine.AvailabilityUnknown, err
	}
	return r.cache.CheckCached(ctx, hash)
}

func (r *Router) infoHash(ctx context.Context, link string) (string, error) {
	if util.IsMagnet(link) {
		return util.MagnetHash(link)
	}
	if !util.IsTorrentURL(link) {
		return "", fmt.Errorf("not a torrent link")
	}
	data, err := util.FetchTorrent(ctx, r.http, link)
	if err != nil {
		return "", err
	}
	return util.TorrentInfoHash(data)
}
