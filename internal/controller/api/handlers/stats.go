package handlers

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/viperadnan-git/relaybot/internal/controller/api/middleware"
	"github.com/viperadnan-git/relaybot/internal/core/engine"
	"github.com/viperadnan-git/relaybot/internal/core/job"
	"github.com/viperadnan-git/relaybot/internal/core/service"
	"github.com/viperadnan-git/relaybot/internal/core/sysinfo"
)

type StatsHandler struct {
	downloads *service.DownloadService
	registry  *engine.Registry
	timeout   time.Duration
	snapshot  func(ctx context.Context) (sysinfo.Snapshot, error)
}

func NewStatsHandler(downloads *service.DownloadService, registry *engine.Registry, timeout time.Duration, snapshot func(ctx context.Context) (sysinfo.Snapshot, error)) *StatsHandler {
	return &StatsHandler{downloads: downloads, registry: registry, timeout: timeout, snapshot: snapshot}
}

type EmptyInput struct{}

type BackendDTO struct {
	OK        bool   `json:"ok" doc:"Backend answered its health probe"`
	Message   string `json:"message,omitempty" doc:"Failure detail"`
	LatencyMS int64  `json:"latency_ms" doc:"Probe latency in milliseconds"`
}

type HostDTO struct {
	CPUPercent  float64 `json:"cpu_percent"`
	MemPercent  float64 `json:"mem_percent"`
	DiskPercent float64 `json:"disk_percent"`
	DiskFree    uint64  `json:"disk_free"`
}

type HealthDTO struct {
	Status   string                `json:"status" doc:"ok or degraded"`
	Backends map[string]BackendDTO `json:"backends"`
	Host     *HostDTO              `json:"host,omitempty"`
}

// Health is unauthenticated. Any failing backend marks the bot degraded.
func (h *StatsHandler) Health(ctx context.Context, _ *EmptyInput) (*DataOutput[HealthDTO], error) {
	dto := HealthDTO{Status: "ok", Backends: map[string]BackendDTO{}}
	for name, st := range h.registry.Health(ctx, h.timeout) {
		if !st.OK {
			dto.Status = "degraded"
		}
		dto.Backends[name] = BackendDTO{OK: st.OK, Message: st.Message, LatencyMS: st.Latency.Milliseconds()}
	}
	if h.snapshot != nil {
		snap, err := h.snapshot(ctx)
		if err != nil {
			log.Debug().Err(err).Msg("host snapshot incomplete")
		}
		dto.Host = &HostDTO{
			CPUPercent:  snap.CPUPercent,
			MemPercent:  snap.MemPercent,
			DiskPercent: snap.DiskPercent,
			DiskFree:    snap.DiskFree,
		}
	}
	return OK(dto), nil
}

type StatsDTO struct {
	ActiveJobs    int `json:"active_jobs"`
	CompletedJobs int `json:"completed_jobs"`
	FailedJobs    int `json:"failed_jobs"`
	TotalJobs     int `json:"total_jobs"`
}

func (h *StatsHandler) Get(ctx context.Context, _ *EmptyInput) (*DataOutput[StatsDTO], error) {
	jobs, err := h.downloads.List(ctx, middleware.GetOperator(ctx), false)
	if err != nil {
		return nil, fail(err)
	}
	var dto StatsDTO
	for _, j := range jobs {
		dto.TotalJobs++
		switch {
		case !j.State.Terminal():
			dto.ActiveJobs++
		case j.State == job.StateCompleted:
			dto.CompletedJobs++
		case j.State == job.StateFailed:
			dto.FailedJobs++
		}
	}
	return OK(dto), nil
}
