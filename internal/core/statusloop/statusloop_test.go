package statusloop

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/store"
	"github.com/viperadnan-git/relaybot/internal/core/sysinfo"
)

type message struct {
	chatID string
	text   string
}

type fakeChat struct {
	mu      sync.Mutex
	next    int
	live    map[string]message
	edits   int
	gate    chan struct{}
	editing chan struct{}
}

func newFakeChat() *fakeChat {
	return &fakeChat{live: make(map[string]message)}
}

func (c *fakeChat) SendStatus(_ context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	ref := fmt.Sprintf("m%d", c.next)
	c.live[ref] = message{chatID: chatID, text: text}
	return ref, nil
}

func (c *fakeChat) EditStatus(ctx context.Context, chatID, ref, text string) error {
	if c.editing != nil {
		c.editing <- struct{}{}
	}
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.live[ref]; !ok {
		return errors.New("message to edit not found")
	}
	c.edits++
	c.live[ref] = message{chatID: chatID, text: text}
	return nil
}

func (c *fakeChat) Delete(_ context.Context, _, ref string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.live, ref)
	return nil
}

func (c *fakeChat) Send(context.Context, string, string) error                 { return nil }
func (c *fakeChat) SendDocument(context.Context, string, string, string) error { return nil }

func (c *fakeChat) liveRefs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var refs []string
	for ref := range c.live {
		refs = append(refs, ref)
	}
	return refs
}

func (c *fakeChat) text(ref string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.live[ref].text
}

type fakeCache struct{ torrents []engine.CacheTorrent }

func (f fakeCache) List(context.Context) ([]engine.CacheTorrent, error) { return f.torrents, nil }

type fakeSeedbox struct {
	torrents []engine.SeedboxTorrent
	err      error
}

func (f fakeSeedbox) List(context.Context) ([]engine.SeedboxTorrent, error) {
	return f.torrents, f.err
}

type fakeFeeds struct{ feeds []*feed.Feed }

func (f fakeFeeds) List(context.Context, string) ([]*feed.Feed, error) { return f.feeds, nil }

func newAggregator(t *testing.T, src Sources) (*Aggregator, *fakeChat, *job.Manager) {
	t.Helper()
	s, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	jobs := job.NewManager(s, event.NewBus())
	chat := newFakeChat()
	a := New(s, jobs, chat, src, time.Minute, time.Second)
	a.now = func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }
	return a, chat, jobs
}

func TestOpen_SecondViewRetiresFirst(t *testing.T) {
	a, chat, _ := newAggregator(t, Sources{})
	ctx := context.Background()

	first, err := a.Open(ctx, "42", "42")
	require.NoError(t, err)
	second, err := a.Open(ctx, "42", "-100")
	require.NoError(t, err)

	assert.NotEqual(t, first.MessageRef, second.MessageRef)
	assert.Equal(t, []string{second.MessageRef}, chat.liveRefs())

	got, err := a.Get(ctx, "42")
	require.NoError(t, err)
	assert.Equal(t, second.MessageRef, got.MessageRef)
	assert.Equal(t, "-100", got.ChatID)
}

func TestOpen_OperatorsAreIndependent(t *testing.T) {
	a, chat, _ := newAggregator(t, Sources{})
	ctx := context.Background()

	_, err := a.Open(ctx, "1", "1")
	require.NoError(t, err)
	_, err = a.Open(ctx, "2", "2")
	require.NoError(t, err)
	assert.Len(t, chat.liveRefs(), 2)
}

func TestClose(t *testing.T) {
	a, chat, _ := newAggregator(t, Sources{})
	ctx := context.Background()

	assert.ErrorIs(t, a.Close(ctx, "42"), ErrNoView)

	_, err := a.Open(ctx, "42", "42")
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx, "42"))
	assert.Empty(t, chat.liveRefs())

	_, err = a.Get(ctx, "42")
	assert.ErrorIs(t, err, ErrNoView)
}

func TestRefresh_SkipsWhileInFlight(t *testing.T) {
	a, chat, _ := newAggregator(t, Sources{})
	ctx := context.Background()
	_, err := a.Open(ctx, "42", "42")
	require.NoError(t, err)

	chat.gate = make(chan struct{})
	chat.editing = make(chan struct{}, 1)

	done := make(chan bool)
	go func() {
		ran, err := a.Refresh(ctx, "42")
		assert.NoError(t, err)
		done <- ran
	}()
	<-chat.editing

	ran, err := a.Refresh(ctx, "42")
	require.NoError(t, err)
	assert.False(t, ran)

	close(chat.gate)
	assert.True(t, <-done)
	assert.Equal(t, 1, chat.edits)

	// The flag clears once the slow refresh finishes.
	chat.editing = nil
	ran, err = a.Refresh(ctx, "42")
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRefresh_NoView(t *testing.T) {
	a, _, _ := newAggregator(t, Sources{})
	_, err := a.Refresh(context.Background(), "42")
	assert.ErrorIs(t, err, ErrNoView)
}

func TestRender_Idle(t *testing.T) {
	a, _, _ := newAggregator(t, Sources{
		Cache:   fakeCache{torrents: []engine.CacheTorrent{{Name: "old", Status: engine.CacheDownloaded, Progress: 1}}},
		Seedbox: fakeSeedbox{},
		Snapshot: func(context.Context) (sysinfo.Snapshot, error) {
			return sysinfo.Snapshot{CPUPercent: 12}, nil
		},
	})
	text := a.Render(context.Background(), "42")
	assert.Contains(t, text, "Status (2024-05-01 12:00:00 UTC)")
	assert.Contains(t, text, "Everything is idle.")
	assert.Contains(t, text, "CPU 12%")
	assert.NotContains(t, text, "old")
}

func TestRender_Sections(t *testing.T) {
	a, _, jobs := newAggregator(t, Sources{
		Cache: fakeCache{torrents: []engine.CacheTorrent{
			{Name: "Big.Movie.2024", Status: engine.CacheDownloading, Progress: 0.5},
		}},
		Seedbox: fakeSeedbox{torrents: []engine.SeedboxTorrent{
			{Name: "ubuntu.iso", Status: engine.SeedboxActive, Completed: 25, Total: 100, Speed: 2048},
			{Name: "done.iso", Status: engine.SeedboxComplete, Completed: 100, Total: 100},
		}},
		Feeds: fakeFeeds{feeds: []*feed.Feed{{URL: "https://tracker.example/rss", LastError: "http error: 502 Bad Gateway"}}},
	})
	ctx := context.Background()

	active, err := jobs.Create(ctx, job.CreateRequest{
		Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, Owner: "42",
		Source: job.SourceCommand, URL: "magnet:?xt=urn:btih:abc", Name: "ubuntu",
	})
	require.NoError(t, err)

	failed, err := jobs.Create(ctx, job.CreateRequest{
		Kind: job.KindCacheDownload, Backend: job.BackendCacheProvider, Owner: "42",
		Source: job.SourceFeed, FeedID: "f1", ItemID: "i1", URL: "magnet:?xt=urn:btih:def", Name: "Show.S01E01",
	})
	require.NoError(t, err)
	_, err = jobs.Transition(ctx, failed.ID, []job.State{job.StatePending}, job.StateFailed, job.WithError("torrent rejected"))
	require.NoError(t, err)

	_, err = jobs.Create(ctx, job.CreateRequest{
		Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, Owner: "7",
		Source: job.SourceCommand, URL: "magnet:?xt=urn:btih:ghi", Name: "someone-else",
	})
	require.NoError(t, err)

	text := a.Render(ctx, "42")
	assert.Contains(t, text, "["+active.ID+"] seedbox-download ubuntu")
	assert.Contains(t, text, "Feed failures:\n• ["+failed.ID+"] Show.S01E01: torrent rejected")
	assert.Contains(t, text, "https://tracker.example/rss: http error: 502 Bad Gateway")
	assert.Contains(t, text, "Real-Debrid:\n• Big.Movie.2024\n  downloading 50%")
	assert.Contains(t, text, "ubuntu.iso\n  active 25.0% 2.0 KB/s")
	assert.NotContains(t, text, "done.iso")
	assert.NotContains(t, text, "someone-else")
	assert.NotContains(t, text, "Everything is idle")
}

func TestRender_UnavailableBackend(t *testing.T) {
	a, _, _ := newAggregator(t, Sources{Seedbox: fakeSeedbox{err: errors.New("connection refused")}})
	text := a.Render(context.Background(), "42")
	assert.Contains(t, text, "Seedbox: unavailable")
	assert.NotContains(t, text, "Everything is idle")
}

func TestStart_RefreshesOnTick(t *testing.T) {
	a, chat, _ := newAggregator(t, Sources{})
	a.interval = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	defer func() {
		cancel()
		a.Wait()
	}()

	require.NoError(t, a.Start(ctx))
	v, err := a.Open(ctx, "42", "42")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		chat.mu.Lock()
		defer chat.mu.Unlock()
		return chat.edits >= 2
	}, 3*time.Second, 10*time.Millisecond)
	assert.Contains(t, chat.text(v.MessageRef), "Everything is idle.")
}
