package feed

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/event"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/lock"
	"github.com/viperadnan-git/relaybot/internal/core/route"
	"github.com/viperadnan-git/relaybot/internal/core/store"
)

// errSeen aborts scheduling of an item another poll already handled.
var errSeen = errors.New("item already scheduled")

// Router picks the backend for an item. It never fails.
type Router interface {
	Route(ctx context.Context, item route.Item) job.Backend
}

type Config struct {
	PollInterval time.Duration
	FetchTimeout time.Duration
	// UploadTarget decides whether feed jobs carry the feed's chat or cloud
	// destination.
	UploadTarget job.Backend
}

type Poller struct {
	store  store.Store
	jobs   *job.Manager
	locker *lock.Locker
	router Router
	bus    event.Bus
	parser *gofeed.Parser
	cfg    Config
	now    func() time.Time

	mu    sync.Mutex
	ctx   context.Context
	loops map[string]context.CancelFunc
	wg    sync.WaitGroup
}

func NewPoller(s store.Store, jobs *job.Manager, locker *lock.Locker, router Router, bus event.Bus, client *http.Client, cfg Config) *Poller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 15 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{}
	}
	parser := gofeed.NewParser()
	parser.UserAgent = "relaybot/1.0"
	parser.Client = client
	return &Poller{
		store:  s,
		jobs:   jobs,
		locker: locker,
		router: router,
		bus:    bus,
		parser: parser,
		cfg:    cfg,
		now:    time.Now,
		loops:  make(map[string]context.CancelFunc),
	}
}

type SubscribeRequest struct {
	URL              string
	Owner            string
	TargetChannel    string
	CloudDestination string
	Preference       route.Preference
	Private          bool
}

// Subscribe stores a feed with the current time as its watermark, so only
// items published from now on are picked up.
func (p *Poller) Subscribe(ctx context.Context, req SubscribeRequest) (*Feed, error) {
	u, err := url.Parse(req.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("invalid feed url %q", req.URL)
	}
	if req.Preference == "" {
		req.Preference = route.PreferAuto
	}
	if !req.Preference.Valid() {
		return nil, fmt.Errorf("invalid engine preference %q", req.Preference)
	}

	existing, err := p.List(ctx, req.Owner)
	if err != nil {
		return nil, err
	}
	for _, f := range existing {
		if f.URL == req.URL {
			return nil, fmt.Errorf("%w: %s", ErrExists, f.ID)
		}
	}

	f := &Feed{
		ID:               shortuuid.New(),
		URL:              req.URL,
		Owner:            req.Owner,
		AddedAt:          p.now().UTC(),
		TargetChannel:    req.TargetChannel,
		CloudDestination: req.CloudDestination,
		Preference:       req.Preference,
		Private:          req.Private,
	}
	if err := p.store.Set(ctx, store.FeedKey(f.ID), toRecord(f)); err != nil {
		return nil, fmt.Errorf("persist feed: %w", err)
	}
	if err := p.store.Append(ctx, store.FeedsIndex, f.ID); err != nil {
		return nil, fmt.Errorf("index feed: %w", err)
	}
	log.Info().Str("feed_id", f.ID).Str("url", f.URL).Str("owner", f.Owner).Bool("private", f.Private).Msg("feed subscribed")
	p.startLoop(f.ID)
	return f, nil
}

// Unsubscribe removes the feed. Its seen ledger is kept.
func (p *Poller) Unsubscribe(ctx context.Context, id, owner string) error {
	if _, err := p.Get(ctx, id, owner); err != nil {
		return err
	}
	p.stopLoop(id)
	if err := p.store.Delete(ctx, store.FeedKey(id)); err != nil {
		return err
	}
	if err := p.store.Remove(ctx, store.FeedsIndex, id); err != nil {
		return err
	}
	log.Info().Str("feed_id", id).Msg("feed removed")
	return nil
}

// Get loads a feed. A non-empty owner must match.
func (p *Poller) Get(ctx context.Context, id, owner string) (*Feed, error) {
	rec, err := p.store.Get(ctx, store.FeedKey(id))
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	f, err := fromRecord(rec)
	if err != nil {
		return nil, err
	}
	if owner != "" && f.Owner != owner {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return f, nil
}

// List returns the feeds of owner, or every feed when owner is empty.
func (p *Poller) List(ctx context.Context, owner string) ([]*Feed, error) {
	ids, err := p.store.Members(ctx, store.FeedsIndex)
	if err != nil {
		return nil, err
	}
	feeds := make([]*Feed, 0, len(ids))
	for _, id := range ids {
		f, err := p.Get(ctx, id, "")
		switch {
		case errors.Is(err, ErrNotFound):
			continue
		case errors.Is(err, store.ErrCorrupt):
			log.Error().Err(err).Str("feed_id", id).Msg("skipping corrupt feed record")
			continue
		case err != nil:
			return nil, err
		}
		if owner == "" || f.Owner == owner {
			feeds = append(feeds, f)
		}
	}
	return feeds, nil
}

// Result summarises one poll.
type Result struct {
	Items   int
	New     int
	Skipped int
	// Baseline counts undated items recorded as seen by the first poll.
	Baseline int
}

// Poll runs one poll of the feed now. The periodic tick uses the same path.
func (p *Poller) Poll(ctx context.Context, id, owner string) (Result, error) {
	f, err := p.Get(ctx, id, owner)
	if err != nil {
		return Result{}, err
	}
	return p.poll(ctx, f)
}

func (p *Poller) poll(ctx context.Context, f *Feed) (Result, error) {
	var res Result
	fctx, cancel := context.WithTimeout(ctx, p.cfg.FetchTimeout)
	parsed, err := p.parser.ParseURLWithContext(f.URL, fctx)
	cancel()
	if err != nil {
		err = fmt.Errorf("fetch feed %s: %w", f.URL, err)
		p.recordPoll(ctx, f, res, err)
		return res, err
	}

	for _, it := range parsed.Items {
		link := TorrentLink(it)
		if link == "" {
			continue
		}
		res.Items++
		published, dated := publishTime(it)
		if dated && !published.After(f.AddedAt) {
			continue
		}
		itemID := ItemID(it, link)
		seen, err := p.store.Contains(ctx, store.SeenKey(f.ID), itemID)
		if err != nil {
			p.recordPoll(ctx, f, res, err)
			return res, err
		}
		if seen {
			continue
		}
		if !dated && f.BaselineAt.IsZero() {
			// No date to compare with the watermark, so whatever the feed
			// holds at its first poll counts as history.
			if err := p.store.Append(ctx, store.SeenKey(f.ID), itemID); err != nil {
				p.recordPoll(ctx, f, res, err)
				return res, err
			}
			res.Baseline++
			continue
		}

		err = p.schedule(ctx, f, it, link, itemID)
		switch {
		case err == nil:
			res.New++
		case errors.Is(err, errSeen):
		case errors.Is(err, lock.ErrBusy):
			// Another process is scheduling this item.
			res.Skipped++
		default:
			log.Warn().Err(err).Str("feed_id", f.ID).Str("item_id", itemID).Msg("schedule feed item")
			res.Skipped++
		}
	}

	p.recordPoll(ctx, f, res, nil)
	log.Info().Str("feed_id", f.ID).Int("items", res.Items).Int("new", res.New).Int("skipped", res.Skipped).
		Int("baseline", res.Baseline).Msg("feed polled")
	return res, nil
}

// schedule creates the job for one item under the item's lock, re-checking
// both dedup signals once the lock is held.
func (p *Poller) schedule(ctx context.Context, f *Feed, it *gofeed.Item, link, itemID string) error {
	return p.locker.WithLock(ctx, lock.FeedItem(f.ID, itemID), func(ctx context.Context) error {
		seen, err := p.store.Contains(ctx, store.SeenKey(f.ID), itemID)
		if err != nil {
			return err
		}
		if seen {
			return errSeen
		}
		scheduled, err := p.jobs.ItemScheduled(ctx, f.ID, itemID)
		if err != nil {
			return err
		}
		if scheduled {
			// The job exists but the ledger append was lost.
			if err := p.store.Append(ctx, store.SeenKey(f.ID), itemID); err != nil {
				return err
			}
			return errSeen
		}

		backend := p.router.Route(ctx, route.Item{Link: link, Private: f.Private, Preference: f.Preference})
		kind := job.KindSeedboxDownload
		if backend == job.BackendCacheProvider {
			kind = job.KindCacheDownload
		}
		dest := f.TargetChannel
		if p.cfg.UploadTarget == job.BackendCloudMirror {
			dest = f.CloudDestination
		}
		j, err := p.jobs.Create(ctx, job.CreateRequest{
			Kind:        kind,
			Backend:     backend,
			Owner:       f.Owner,
			Source:      job.SourceFeed,
			URL:         link,
			Name:        it.Title,
			Destination: dest,
			FeedID:      f.ID,
			ItemID:      itemID,
		})
		if err != nil {
			return err
		}
		log.Info().Str("feed_id", f.ID).Str("job_id", j.ID).Str("backend", string(backend)).Str("title", it.Title).Msg("feed item scheduled")
		return p.store.Append(ctx, store.SeenKey(f.ID), itemID)
	})
}

func (p *Poller) recordPoll(ctx context.Context, f *Feed, res Result, pollErr error) {
	errText := ""
	if pollErr != nil {
		errText = pollErr.Error()
		log.Warn().Err(pollErr).Str("feed_id", f.ID).Msg("feed poll failed")
	}
	err := p.store.Update(ctx, store.FeedKey(f.ID), func(cur store.Record) (store.Record, error) {
		next := cur.Clone()
		now := p.now().UTC().Format(time.RFC3339Nano)
		next["last_polled_at"] = now
		if errText == "" {
			delete(next, "last_error")
			if next["baseline_at"] == "" {
				next["baseline_at"] = now
			}
		} else {
			next["last_error"] = errText
		}
		return next, nil
	})
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		log.Warn().Err(err).Str("feed_id", f.ID).Msg("record feed poll")
	}
	if p.bus != nil {
		_ = p.bus.Publish(ctx, event.Event{
			Type:    event.EventFeedPolled,
			Payload: event.FeedEvent{FeedID: f.ID, Owner: f.Owner, NewJobs: res.New, Error: errText},
		})
	}
}

// Start launches one polling loop per stored feed. Feeds subscribed later
// get their loop on Subscribe.
func (p *Poller) Start(ctx context.Context) error {
	p.mu.Lock()
	p.ctx = ctx
	p.mu.Unlock()

	feeds, err := p.List(ctx, "")
	if err != nil {
		return fmt.Errorf("list feeds: %w", err)
	}
	for _, f := range feeds {
		p.startLoop(f.ID)
	}
	log.Info().Int("feeds", len(feeds)).Dur("interval", p.cfg.PollInterval).Msg("feed poller started")
	return nil
}

// Wait blocks until every loop has returned.
func (p *Poller) Wait() { p.wg.Wait() }

func (p *Poller) startLoop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ctx == nil || p.ctx.Err() != nil {
		return
	}
	if _, ok := p.loops[id]; ok {
		return
	}
	ctx, cancel := context.WithCancel(p.ctx)
	p.loops[id] = cancel
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.loop(ctx, id)
	}()
}

func (p *Poller) stopLoop(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if cancel, ok := p.loops[id]; ok {
		cancel()
		delete(p.loops, id)
	}
}

func (p *Poller) loop(ctx context.Context, id string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f, err := p.Get(ctx, id, "")
			if errors.Is(err, ErrNotFound) {
				p.stopLoop(id)
				return
			}
			if err != nil {
				log.Warn().Err(err).Str("feed_id", id).Msg("load feed")
				continue
			}
			_, _ = p.poll(ctx, f)
		}
	}
}
