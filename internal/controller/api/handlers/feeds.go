package handlers

import (
	"context"
	"time"

	"github.com/viperadnan-git/relaybot/internal/controller/api/middleware"
	"github.com/viperadnan-git/relaybot/internal/core/feed"
	"github.com/viperadnan-git/relaybot/internal/core/service"
)

type FeedsHandler struct {
	svc *service.FeedService
}

func NewFeedsHandler(svc *service.FeedService) *FeedsHandler {
	return &FeedsHandler{svc: svc}
}

type AddFeedInput struct {
	Body struct {
		URL              string `json:"url" minLength:"1" doc:"RSS or Atom feed URL"`
		Preference       string `json:"preference,omitempty" enum:"auto,forced-cache,forced-seedbox" default:"auto"`
		Private          bool   `json:"private,omitempty" doc:"Items come from a private tracker"`
		TargetChannel    string `json:"target_channel,omitempty" doc:"Chat that receives finished items"`
		CloudDestination string `json:"cloud_destination,omitempty" doc:"Cloud path for finished items"`
	}
}

type FeedIDInput struct {
	ID string `path:"id" doc:"Feed ID"`
}

type FeedDTO struct {
	ID               string     `json:"id"`
	URL              string     `json:"url"`
	Preference       string     `json:"preference"`
	Private          bool       `json:"private"`
	TargetChannel    string     `json:"target_channel,omitempty"`
	CloudDestination string     `json:"cloud_destination,omitempty"`
	AddedAt          time.Time  `json:"added_at"`
	LastPolledAt     *time.Time `json:"last_polled_at,omitempty"`
	LastError        string     `json:"last_error,omitempty"`
}

func newFeedDTO(f *feed.Feed) FeedDTO {
	dto := FeedDTO{
		ID:               f.ID,
		URL:              f.URL,
		Preference:       string(f.Preference),
		Private:          f.Private,
		TargetChannel:    f.TargetChannel,
		CloudDestination: f.CloudDestination,
		AddedAt:          f.AddedAt,
		LastError:        f.LastError,
	}
	if !f.LastPolledAt.IsZero() {
		t := f.LastPolledAt
		dto.LastPolledAt = &t
	}
	return dto
}

type PollDTO struct {
	Items   int `json:"items"`
	New     int `json:"new"`
	Skipped int `json:"skipped"`
}

func (h *FeedsHandler) Add(ctx context.Context, input *AddFeedInput) (*DataOutput[FeedDTO], error) {
	f, err := h.svc.Add(ctx, service.AddFeedRequest{
		URL:              input.Body.URL,
		Owner:            middleware.GetOperator(ctx),
		TargetChannel:    input.Body.TargetChannel,
		CloudDestination: input.Body.CloudDestination,
		Preference:       input.Body.Preference,
		Private:          input.Body.Private,
	})
	if err != nil {
		return nil, fail(err)
	}
	return OK(newFeedDTO(f)), nil
}

func (h *FeedsHandler) List(ctx context.Context, _ *EmptyInput) (*DataOutput[[]FeedDTO], error) {
	feeds, err := h.svc.List(ctx, middleware.GetOperator(ctx))
	if err != nil {
		return nil, fail(err)
	}
	out := make([]FeedDTO, 0, len(feeds))
	for _, f := range feeds {
		out = append(out, newFeedDTO(f))
	}
	return OK(out), nil
}

func (h *FeedsHandler) Remove(ctx context.Context, input *FeedIDInput) (*MsgOutput, error) {
	if err := h.svc.Remove(ctx, input.ID, middleware.GetOperator(ctx)); err != nil {
		return nil, fail(err)
	}
	return Msg("feed removed"), nil
}

// Poll runs the feed now, the same way the periodic poll does.
func (h *FeedsHandler) Poll(ctx context.Context, input *FeedIDInput) (*DataOutput[PollDTO], error) {
	res, err := h.svc.Poll(ctx, input.ID, middleware.GetOperator(ctx))
	if err != nil {
		return nil, fail(err)
	}
	return OK(PollDTO{Items: res.Items, New: res.New, Skipped: res.Skipped}), nil
}
