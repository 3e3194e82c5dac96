package route

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/job"
)

const magnet = "magnet:?xt=urn:btih:0123456789ABCDEF0123456789ABCDEF01234567&dn=ubuntu"

type fakeCache struct {
	avail engine.Availability
	err   error
	delay time.Duration
	calls atomic.Int32
	hash  string
}

func (f *fakeCache) CheckCached(ctx context.Context, hash string) (engine.Availability, error) {
	f.calls.Add(1)
	f.hash = hash
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return engine.AvailabilityUnknown, ctx.Err()
		}
	}
	return f.avail, f.err
}

func TestDecide(t *testing.T) {
	all := []engine.Availability{engine.AvailabilityUnknown, engine.AvailabilityCached, engine.AvailabilityNotCached}

	tests := []struct {
		name  string
		item  Item
		avail engine.Availability
		want  job.Backend
	}{
		{"auto cached", Item{Preference: PreferAuto}, engine.AvailabilityCached, job.BackendCacheProvider},
		{"auto not cached", Item{Preference: PreferAuto}, engine.AvailabilityNotCached, job.BackendSeedbox},
		{"auto unknown", Item{Preference: PreferAuto}, engine.AvailabilityUnknown, job.BackendSeedbox},
		{"empty preference cached", Item{}, engine.AvailabilityCached, job.BackendCacheProvider},
		{"private cached", Item{Private: true}, engine.AvailabilityCached, job.BackendSeedbox},
		{"forced cache beats private", Item{Private: true, Preference: ForcedCache}, engine.AvailabilityNotCached, job.BackendCacheProvider},
		{"forced seedbox beats cached", Item{Preference: ForcedSeedbox}, engine.AvailabilityCached, job.BackendSeedbox},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.item, tt.avail))
		})
	}

	// Forced preferences ignore availability entirely.
	for _, a := range all {
		assert.Equal(t, job.BackendCacheProvider, Decide(Item{Preference: ForcedCache}, a))
		assert.Equal(t, job.BackendSeedbox, Decide(Item{Preference: ForcedSeedbox}, a))
	}
}

func TestDecideIsPure(t *testing.T) {
	item := Item{Link: magnet, Preference: PreferAuto}
	first := Decide(item, engine.AvailabilityCached)
	for i := 0; i < 100; i++ {
		assert.Equal(t, first, Decide(item, engine.AvailabilityCached))
	}
}

func TestRouter_PrivateItemSkipsLookup(t *testing.T) {
	cache := &fakeCache{avail: engine.AvailabilityCached}
	r := NewRouter(cache, time.Second)

	got := r.Route(context.Background(), Item{Link: magnet, Private: true, Preference: PreferAuto})
	assert.Equal(t, job.BackendSeedbox, got)
	assert.Zero(t, cache.calls.Load())
}

func TestRouter_CachedMagnet(t *testing.T) {
	cache := &fakeCache{avail: engine.AvailabilityCached}
	r := NewRouter(cache, time.Second)

	got := r.Route(context.Background(), Item{Link: magnet})
	assert.Equal(t, job.BackendCacheProvider, got)
	assert.Equal(t, "0123456789abcdef0123456789abcdef01234567", cache.hash)
}

func TestRouter_LookupFailureFallsBackToSeedbox(t *testing.T) {
	tests := []struct {
		name  string
		cache *fakeCache
		link  string
	}{
		{"provider error", &fakeCache{err: errors.New("503")}, magnet},
		{"provider timeout", &fakeCache{avail: engine.AvailabilityCached, delay: time.Second}, magnet},
		{"not a torrent", &fakeCache{avail: engine.AvailabilityCached}, "https://example.com/video"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(tt.cache, 50*time.Millisecond)
			assert.Equal(t, job.BackendSeedbox, r.Route(context.Background(), Item{Link: tt.link}))
		})
	}
}

func TestRouter_TorrentURL(t *testing.T) {
	torrent := "d4:infod6:lengthi42e4:name8:file.bin12:piece lengthi16384eee"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(torrent))
	}))
	defer srv.Close()

	cache := &fakeCache{avail: engine.AvailabilityCached}
	r := NewRouter(cache, time.Second)

	got := r.Route(context.Background(), Item{Link: srv.URL + "/file.torrent"})
	assert.Equal(t, job.BackendCacheProvider, got)
	assert.Len(t, cache.hash, 40)
}

func TestRouter_NilCache(t *testing.T) {
	r := NewRouter(nil, time.Second)
	assert.Equal(t, job.BackendSeedbox, r.Route(context.Background(), Item{Link: magnet}))
}

func TestParsePreference(t *testing.T) {
	p, err := ParsePreference("")
	assert.NoError(t, err)
	assert.Equal(t, PreferAuto, p)

	p, err = ParsePreference("forced-seedbox")
	assert.NoError(t, err)
	assert.Equal(t, ForcedSeedbox, p)

	_, err = ParsePreference("fastest")
	assert.Error(t, err)
}
