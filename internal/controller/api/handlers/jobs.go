package handlers

import (
	"context"
	"time"

	"github.com/viperadnan-git/relaybot/internal/controller/api/middleware"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/service"
)

type JobsHandler struct {
	svc *service.DownloadService
}

func NewJobsHandler(svc *service.DownloadService) *JobsHandler {
	return &JobsHandler{svc: svc}
}

// --- Input types ---

type AddJobInput struct {
	Body struct {
		URL  string `json:"url" minLength:"1" doc:"Magnet link, .torrent URL or media page URL"`
		Via  string `json:"via,omitempty" enum:"auto,cache,seedbox,fetcher" default:"auto" doc:"How to fulfil the download"`
		Name string `json:"name,omitempty" doc:"Display name"`
		// ChatID receives the upload when the default target is the chat.
		ChatID string `json:"chat_id,omitempty" doc:"Chat that receives the finished upload"`
	}
}

type ListJobsInput struct {
	All bool `query:"all" default:"false" doc:"Include finished jobs"`
}

type JobIDInput struct {
	ID string `path:"id" doc:"Job ID"`
}

type TransferInput struct {
	ID   string `path:"id" doc:"Job ID"`
	Body struct {
		Target      string `json:"target,omitempty" enum:"telegram,cloud-mirror" doc:"Upload target, defaults to the configured one"`
		Destination string `json:"destination,omitempty" doc:"Chat id or cloud path"`
	}
}

type StreamInput struct {
	Body struct {
		URL string `json:"url" minLength:"1" format:"uri" doc:"Hoster link"`
	}
}

// --- DTO types ---

type JobDTO struct {
	ID              string    `json:"id"`
	Kind            string    `json:"kind"`
	Backend         string    `json:"backend"`
	State           string    `json:"state"`
	Source          string    `json:"source"`
	URL             string    `json:"url,omitempty"`
	Name            string    `json:"name,omitempty"`
	Destination     string    `json:"destination,omitempty"`
	ParentID        string    `json:"parent_id,omitempty"`
	FeedID          string    `json:"feed_id,omitempty"`
	Result          string    `json:"result,omitempty"`
	Error           string    `json:"error,omitempty"`
	Progress        float64   `json:"progress" doc:"Fraction done (0-1)"`
	CancelRequested bool      `json:"cancel_requested"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newJobDTO(j *job.Job) JobDTO {
	return JobDTO{
		ID:              j.ID,
		Kind:            string(j.Kind),
		Backend:         string(j.Backend),
		State:           string(j.State),
		Source:          string(j.Source),
		URL:             j.URL,
		Name:            j.Name,
		Destination:     j.Destination,
		ParentID:        j.ParentID,
		FeedID:          j.FeedID,
		Result:          j.Result,
		Error:           j.Error,
		Progress:        j.Progress.Fraction(),
		CancelRequested: j.CancelRequested,
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
	}
}

// --- Handlers ---

func (h *JobsHandler) Add(ctx context.Context, input *AddJobInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.Add(ctx, service.AddDownloadRequest{
		URL:    input.Body.URL,
		Via:    service.Via(input.Body.Via),
		Owner:  middleware.GetOperator(ctx),
		Name:   input.Body.Name,
		ChatID: input.Body.ChatID,
	})
	if err != nil {
		return nil, fail(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) Stream(ctx context.Context, input *StreamInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.Stream(ctx, middleware.GetOperator(ctx), input.Body.URL)
	if err != nil {
		return nil, fail(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) List(ctx context.Context, input *ListJobsInput) (*DataOutput[[]JobDTO], error) {
	jobs, err := h.svc.List(ctx, middleware.GetOperator(ctx), !input.All)
	if err != nil {
		return nil, fail(err)
	}
	out := make([]JobDTO, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, newJobDTO(j))
	}
	return OK(out), nil
}

func (h *JobsHandler) Get(ctx context.Context, input *JobIDInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.Get(ctx, input.ID, middleware.GetOperator(ctx))
	if err != nil {
		return nil, fail(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) Cancel(ctx context.Context, input *JobIDInput) (*DataOutput[JobDTO], error) {
	j, err := h.svc.Cancel(ctx, input.ID, middleware.GetOperator(ctx))
	if err != nil {
		return nil, fail(err)
	}
	return OK(newJobDTO(j)), nil
}

func (h *JobsHandler) Upload(ctx context.Context, input *TransferInput) (*DataOutput[JobDTO], error) {
	return h.transfer(ctx, input, h.svc.Upload)
}

func (h *JobsHandler) Zip(ctx context.Context, input *TransferInput) (*DataOutput[JobDTO], error) {
	return h.transfer(ctx, input, h.svc.Zip)
}

func (h *JobsHandler) transfer(ctx context.Context, input *TransferInput, fn func(context.Context, service.TransferRequest) (*job.Job, error)) (*DataOutput[JobDTO], error) {
	j, err := fn(ctx, service.TransferRequest{
		JobID:       input.ID,
		Owner:       middleware.GetOperator(ctx),
		Target:      job.Backend(input.Body.Target),
		Destination: input.Body.Destination,
	})
	if err != nil {
		return nil, fail(err)
	}
	return OK(newJobDTO(j)), nil
}

type FileDTO struct {
	Name      string    `json:"name"`
	Size      int64     `json:"size"`
	URL       string    `json:"url" doc:"Signed download link"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (h *JobsHandler) Files(ctx context.Context, input *JobIDInput) (*DataOutput[[]FileDTO], error) {
	links, err := h.svc.Links(ctx, input.ID, middleware.GetOperator(ctx))
	if err != nil {
		return nil, fail(err)
	}
	out := make([]FileDTO, 0, len(links))
	for _, l := range links {
		out = append(out, FileDTO{Name: l.Name, Size: l.Size, URL: l.URL, ExpiresAt: l.Expires})
	}
	return OK(out), nil
}
