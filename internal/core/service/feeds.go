package service

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/route"
)

type FeedService struct {
	poller *feed.Poller
}

func NewFeedService(p *feed.Poller) *FeedService {
	return &FeedService{poller: p}
}

type AddFeedRequest struct {
	URL              string
	Owner            string
	TargetChannel    string
	CloudDestination string
	Preference       string
	Private          bool
}

func (s *FeedService) Add(ctx context.Context, req AddFeedRequest) (*feed.Feed, error) {
	if !isWebURL(req.URL) {
		return nil, fmt.Errorf("%w: feed url %q must be http(s)", ErrInvalidArgs, req.URL)
	}
	pref, err := route.ParsePreference(req.Preference)
	if err != nil {
		return nil, fmt.Errorf("%w: engine preference must be %s, %s or %s", ErrInvalidArgs,
			route.PreferAuto, route.ForcedCache, route.ForcedSeedbox)
	}
	f, err := s.poller.Subscribe(ctx, feed.SubscribeRequest{
		URL:              req.URL,
		Owner:            req.Owner,
		TargetChannel:    req.TargetChannel,
		CloudDestination: req.CloudDestination,
		Preference:       pref,
		Private:          req.Private,
	})
	if err != nil {
		return nil, err
	}
	log.Info().Str("feed_id", f.ID).Str("owner", req.Owner).Msg("feed added")
	return f, nil
}

func (s *FeedService) List(ctx context.Context, owner string) ([]*feed.Feed, error) {
	return s.poller.List(ctx, owner)
}

func (s *FeedService) Remove(ctx context.Context, id, owner string) error {
	return s.poller.Unsubscribe(ctx, id, owner)
}

// Poll runs a feed now, through the same path as the periodic tick.
func (s *FeedService) Poll(ctx context.Context, id, owner string) (feed.Result, error) {
	return s.poller.Poll(ctx, id, owner)
}
