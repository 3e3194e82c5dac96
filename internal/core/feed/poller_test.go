package feed

import (
	"context"
	"fmt"
	"html"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/route"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

type cachedEverything struct{ calls atomic.Int32 }

func (c *cachedEverything) CheckCached(context.Context, string) (engine.Availability, error) {
	c.calls.Add(1)
	return engine.AvailabilityCached, nil
}

type feedServer struct {
	*httptest.Server
	mu     sync.Mutex
	body   string
	status int
}

func newFeedServer(t *testing.T) *feedServer {
	fs := &feedServer{status: http.StatusOK}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.mu.Lock()
		defer fs.mu.Unlock()
		w.Header().Set("Content-Type", "application/rss+xml")
		w.WriteHeader(fs.status)
		_, _ = w.Write([]byte(fs.body))
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) serve(items ...string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.body = `<?xml version="1.0"?><rss version="2.0"><channel><title>t</title>` + strings.Join(items, "") + `</channel></rss>`
}

func magnet(n int) string {
	return fmt.Sprintf("magnet:?xt=urn:btih:%040x&dn=item%d", n, n)
}

func item(guid, link string, published int64) string {
	return fmt.Sprintf(`<item><title>%s</title><guid>%s</guid><link>%s</link><pubDate>%s</pubDate></item>`,
		guid, guid, html.EscapeString(link), time.Unix(published, 0).UTC().Format(time.RFC1123Z))
}

type fixture struct {
	poller *Poller
	jobs   *job.Manager
	store  store.Store
	server *feedServer
	cache  *cachedEverything
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.OpenBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bus := event.NewBus()
	jobs := job.NewManager(s, bus)
	cache := &cachedEverything{}
	p := NewPoller(s, jobs, lock.New(s, time.Minute), route.NewRouter(cache, time.Second), bus, nil, cfg)
	// Watermark T=100.
	p.now = func() time.Time { return time.Unix(100, 0) }
	return &fixture{poller: p, jobs: jobs, store: s, server: newFeedServer(t), cache: cache}
}

func (fx *fixture) subscribe(t *testing.T, private bool) *Feed {
	t.Helper()
	f, err := fx.poller.Subscribe(context.Background(), SubscribeRequest{
		URL: fx.server.URL, Owner: "42", TargetChannel: "-100123", Private: private,
	})
	require.NoError(t, err)
	return f
}

func (fx *fixture) feedJobs(t *testing.T) []*job.Job {
	t.Helper()
	jobs, err := fx.jobs.List(context.Background(), job.Filter{})
	require.NoError(t, err)
	return jobs
}

func TestPoll_OnlyItemsAfterWatermark(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, false)
	fx.server.serve(item("old", magnet(1), 90), item("new", magnet(2), 110))

	res, err := fx.poller.Poll(context.Background(), f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, Result{Items: 2, New: 1}, res)

	jobs := fx.feedJobs(t)
	require.Len(t, jobs, 1)
	j := jobs[0]
	assert.Equal(t, magnet(2), j.URL)
	assert.Equal(t, "new", j.Name)
	assert.Equal(t, job.SourceFeed, j.Source)
	assert.Equal(t, job.BackendCacheProvider, j.Backend)
	assert.Equal(t, job.KindCacheDownload, j.Kind)
	assert.Equal(t, "-100123", j.Destination)
	assert.Equal(t, f.ID, j.FeedID)
	assert.Equal(t, "42", j.Owner)
}

func TestPoll_RepollCreatesNothing(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, false)
	fx.server.serve(item("a", magnet(1), 110), item("b", magnet(2), 120))
	ctx := context.Background()

	first, err := fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, 2, first.New)

	second, err := fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, 0, second.New)
	assert.Len(t, fx.feedJobs(t), 2)
}

func TestPoll_ItemTagPreventsDuplicate(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, false)
	fx.server.serve(item("a", magnet(1), 110))
	ctx := context.Background()

	itemID := ItemID(&gofeed.Item{GUID: "a"}, magnet(1))
	// A job exists for the item but the ledger append never happened.
	_, err := fx.jobs.Create(ctx, job.CreateRequest{
		Kind: job.KindSeedboxDownload, Backend: job.BackendSeedbox, Owner: "42",
		Source: job.SourceFeed, FeedID: f.ID, ItemID: itemID, URL: magnet(1),
	})
	require.NoError(t, err)

	res, err := fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, 0, res.New)
	assert.Len(t, fx.feedJobs(t), 1)

	seen, err := fx.store.Contains(ctx, store.SeenKey(f.ID), itemID)
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestPoll_PrivateFeedAlwaysUsesSeedbox(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, true)
	fx.server.serve(item("a", magnet(1), 110))

	_, err := fx.poller.Poll(context.Background(), f.ID, "42")
	require.NoError(t, err)

	jobs := fx.feedJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.BackendSeedbox, jobs[0].Backend)
	assert.Equal(t, job.KindSeedboxDownload, jobs[0].Kind)
	assert.Zero(t, fx.cache.calls.Load())
}

func TestPoll_CloudTargetUsesCloudDestination(t *testing.T) {
	fx := newFixture(t, Config{UploadTarget: job.BackendCloudMirror})
	f, err := fx.poller.Subscribe(context.Background(), SubscribeRequest{
		URL: fx.server.URL, Owner: "42", TargetChannel: "-100123", CloudDestination: "tv/shows",
	})
	require.NoError(t, err)
	fx.server.serve(item("a", magnet(1), 110))

	_, err = fx.poller.Poll(context.Background(), f.ID, "42")
	require.NoError(t, err)
	jobs := fx.feedJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, "tv/shows", jobs[0].Destination)
}

func undated(guid, link string) string {
	return fmt.Sprintf(`<item><title>%s</title><guid>%s</guid><link>%s</link></item>`, guid, guid, html.EscapeString(link))
}

func TestPoll_UndatedItemsAfterFirstPoll(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, false)
	ctx := context.Background()

	fx.server.serve(undated("backlog", magnet(1)))
	res, err := fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, Result{Items: 1, Baseline: 1}, res)
	assert.Empty(t, fx.feedJobs(t))

	fx.server.serve(undated("backlog", magnet(1)), undated("fresh", magnet(2)))
	res, err = fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, Result{Items: 2, New: 1}, res)

	jobs := fx.feedJobs(t)
	require.Len(t, jobs, 1)
	assert.Equal(t, magnet(2), jobs[0].URL)

	res, err = fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Zero(t, res.New)
}

func TestPoll_UndatedItemAfterEmptyFirstPoll(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, false)
	ctx := context.Background()

	fx.server.serve()
	_, err := fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)

	fx.server.serve(undated("fresh", magnet(3)))
	res, err := fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, res.New)
	assert.Len(t, fx.feedJobs(t), 1)
}

func TestPoll_FailedFirstPollSetsNoBaseline(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, false)
	ctx := context.Background()

	fx.server.mu.Lock()
	fx.server.status = http.StatusBadGateway
	fx.server.mu.Unlock()
	_, err := fx.poller.Poll(ctx, f.ID, "42")
	require.Error(t, err)

	fx.server.mu.Lock()
	fx.server.status = http.StatusOK
	fx.server.mu.Unlock()
	fx.server.serve(undated("backlog", magnet(1)))
	res, err := fx.poller.Poll(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.Equal(t, 1, res.Baseline)
	assert.Empty(t, fx.feedJobs(t))

	got, err := fx.poller.Get(ctx, f.ID, "42")
	require.NoError(t, err)
	assert.False(t, got.BaselineAt.IsZero())
}

func TestPoll_FetchErrorIsRecordedOnFeed(t *testing.T) {
	fx := newFixture(t, Config{})
	f := fx.subscribe(t, false)
	fx.server.mu.Lock()
	fx.server.status = http.StatusBadGateway
	fx.server.mu.Unlock()

	_, err := fx.poller.Poll(context.Background(), f.ID, "42")
	require.Error(t, err)

	got, err := fx.poller.Get(context.Background(), f.ID, "42")
	require.NoError(t, err)
	assert.Contains(t, got.LastError, "502")
	assert.Empty(t, fx.feedJobs(t))
}

func TestSubscribe(t *testing.T) {
	fx := newFixture(t, Config{})
	ctx := context.Background()
	f := fx.subscribe(t, false)
	assert.Equal(t, time.Unix(100, 0).UTC(), f.AddedAt)
	assert.Equal(t, route.PreferAuto, f.Preference)

	_, err := fx.poller.Subscribe(ctx, SubscribeRequest{URL: fx.server.URL, Owner: "42"})
	assert.ErrorIs(t, err, ErrExists)

	_, err = fx.poller.Subscribe(ctx, SubscribeRequest{URL: "ftp://example.com/feed", Owner: "42"})
	assert.Error(t, err)

	_, err = fx.poller.Subscribe(ctx, SubscribeRequest{URL: "https://example.com/rss", Owner: "42", Preference: "fastest"})
	assert.Error(t, err)

	feeds, err := fx.poller.List(ctx, "42")
	require.NoError(t, err)
	require.Len(t, feeds, 1)
	assert.Equal(t, f.ID, feeds[0].ID)
	assert.Equal(t, "-100123", feeds[0].TargetChannel)

	others, err := fx.poller.List(ctx, "7")
	require.NoError(t, err)
	assert.Empty(t, others)

	assert.ErrorIs(t, fx.poller.Unsubscribe(ctx, f.ID, "7"), ErrNotFound)
	require.NoError(t, fx.poller.Unsubscribe(ctx, f.ID, "42"))
	_, err = fx.poller.Poll(ctx, f.ID, "42")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStart_PollsOnEveryTick(t *testing.T) {
	fx := newFixture(t, Config{PollInterval: 20 * time.Millisecond})
	f := fx.subscribe(t, false)
	fx.server.serve(item("a", magnet(1), 110))

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, fx.poller.Start(ctx))
	defer func() {
		cancel()
		fx.poller.Wait()
	}()

	require.Eventually(t, func() bool { return len(fx.feedJobs(t)) == 1 }, 3*time.Second, 10*time.Millisecond)

	fx.server.serve(item("a", magnet(1), 110), item("b", magnet(2), 130))
	require.Eventually(t, func() bool { return len(fx.feedJobs(t)) == 2 }, 3*time.Second, 10*time.Millisecond)

	got, err := fx.poller.Get(ctx, f.ID, "")
	require.NoError(t, err)
	assert.False(t, got.LastPolledAt.IsZero())
}

func TestTorrentLink(t *testing.T) {
	assert.Equal(t, magnet(1), TorrentLink(&gofeed.Item{Link: magnet(1)}))
	assert.Equal(t, "https://t.example/get?id=5", TorrentLink(&gofeed.Item{
		Link:       "https://t.example/details/5",
		Enclosures: []*gofeed.Enclosure{{URL: "https://t.example/get?id=5", Type: "application/x-bittorrent"}},
	}))
	assert.Equal(t, "https://t.example/a.torrent", TorrentLink(&gofeed.Item{
		Link:  "https://t.example/details/5",
		Links: []string{"https://t.example/details/5", "https://t.example/a.torrent"},
	}))
	assert.Empty(t, TorrentLink(&gofeed.Item{Link: "https://blog.example/post"}))
}

func TestItemID(t *testing.T) {
	byGUID := ItemID(&gofeed.Item{GUID: "g", Link: "l"}, "t")
	assert.Len(t, byGUID, 32)
	assert.Equal(t, byGUID, ItemID(&gofeed.Item{GUID: "g", Link: "other"}, "t"))
	assert.NotEqual(t, byGUID, ItemID(&gofeed.Item{Link: "l"}, "t"))
	assert.Equal(t, ItemID(&gofeed.Item{}, "t"), ItemID(&gofeed.Item{Link: "t"}, "x"))
}
