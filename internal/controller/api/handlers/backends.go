package handlers

import (
	"context"
	"time"

	"github.com/viperadnan-git/relaybot/internal/controller/api/middleware"
	"github.com/viperadnan-git/relaybot/internal/core/service"
)

// BackendsHandler manages torrents directly on the cache provider and the
// seedbox, outside of any job.
type BackendsHandler struct {
	svc *service.DownloadService
}

func NewBackendsHandler(svc *service.DownloadService) *BackendsHandler {
	return &BackendsHandler{svc: svc}
}

type TorrentIDInput struct {
	ID string `path:"id" doc:"Provider torrent id or seedbox gid"`
}

type SeedboxActionInput struct {
	ID     string `path:"id" doc:"Seedbox gid"`
	Action string `path:"action" enum:"stop,start" doc:"State change"`
}

type MirrorListInput struct {
	Path string `query:"path" doc:"Folder below the remote base, defaults to the upload folder"`
}

type CacheTorrentDTO struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Hash     string  `json:"hash,omitempty"`
	Status   string  `json:"status"`
	Progress float64 `json:"progress" doc:"Fraction done (0-1)"`
	Bytes    int64   `json:"bytes"`
}

type CacheDownloadDTO struct {
	ID        string    `json:"id"`
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	Download  string    `json:"download"`
	Generated time.Time `json:"generated"`
}

type SeedboxTorrentDTO struct {
	GID       string `json:"gid"`
	Name      string `json:"name"`
	Status    string `json:"status"`
	Completed int64  `json:"completed"`
	Total     int64  `json:"total"`
	Speed     int64  `json:"speed"`
}

type MirrorEntryDTO struct {
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

func (h *BackendsHandler) CacheTorrents(ctx context.Context, _ *struct{}) (*DataOutput[[]CacheTorrentDTO], error) {
	torrents, err := h.svc.CacheTorrents(ctx)
	if err != nil {
		return nil, fail(err)
	}
	out := make([]CacheTorrentDTO, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, CacheTorrentDTO{ID: t.ID, Name: t.Name, Hash: t.Hash, Status: string(t.Status), Progress: t.Progress, Bytes: t.Bytes})
	}
	return OK(out), nil
}

func (h *BackendsHandler) CacheDelete(ctx context.Context, input *TorrentIDInput) (*MsgOutput, error) {
	if err := h.svc.CacheDelete(ctx, middleware.GetOperator(ctx), input.ID); err != nil {
		return nil, fail(err)
	}
	return Msg("torrent deleted"), nil
}

func (h *BackendsHandler) CacheDownloads(ctx context.Context, _ *struct{}) (*DataOutput[[]CacheDownloadDTO], error) {
	items, err := h.svc.CacheDownloads(ctx)
	if err != nil {
		return nil, fail(err)
	}
	out := make([]CacheDownloadDTO, 0, len(items))
	for _, d := range items {
		out = append(out, CacheDownloadDTO{ID: d.ID, Filename: d.Filename, Size: d.Size, Download: d.Download, Generated: d.Generated})
	}
	return OK(out), nil
}

func (h *BackendsHandler) SeedboxTorrents(ctx context.Context, _ *struct{}) (*DataOutput[[]SeedboxTorrentDTO], error) {
	torrents, err := h.svc.SeedboxTorrents(ctx)
	if err != nil {
		return nil, fail(err)
	}
	out := make([]SeedboxTorrentDTO, 0, len(torrents))
	for _, t := range torrents {
		out = append(out, SeedboxTorrentDTO{GID: t.Handle, Name: t.Name, Status: string(t.Status), Completed: t.Completed, Total: t.Total, Speed: t.Speed})
	}
	return OK(out), nil
}

func (h *BackendsHandler) SeedboxAction(ctx context.Context, input *SeedboxActionInput) (*MsgOutput, error) {
	action := service.SeedboxAction(input.Action)
	if err := h.svc.SeedboxControl(ctx, middleware.GetOperator(ctx), action, input.ID); err != nil {
		return nil, fail(err)
	}
	return Msg("torrent " + input.Action + " done"), nil
}

func (h *BackendsHandler) SeedboxDelete(ctx context.Context, input *TorrentIDInput) (*MsgOutput, error) {
	if err := h.svc.SeedboxControl(ctx, middleware.GetOperator(ctx), service.SeedboxDelete, input.ID); err != nil {
		return nil, fail(err)
	}
	return Msg("torrent removed, files kept"), nil
}

func (h *BackendsHandler) MirrorList(ctx context.Context, input *MirrorListInput) (*DataOutput[[]MirrorEntryDTO], error) {
	entries, err := h.svc.MirrorList(ctx, input.Path)
	if err != nil {
		return nil, fail(err)
	}
	out := make([]MirrorEntryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, MirrorEntryDTO{Path: e.Path, Size: e.Size, IsDir: e.IsDir})
	}
	return OK(out), nil
}
