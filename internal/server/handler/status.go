package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/expertwatch/internal/domain"
	"github.com/alanyoungcy/expertwatch/internal/normalize"
	"github.com/alanyoungcy/expertwatch/internal/pipeline"
)

// BacklogCounter reports how many detections are not yet processed.
type BacklogCounter interface {
	CountUnprocessed(ctx context.Context) (int64, error)
}

// StatusDeps are the live sources behind /api/status. Nil funcs are omitted.
type StatusDeps struct {
	Mode        string
	Participant string
	StartedAt   time.Time
	Health      func() domain.OrchestratorHealth
	Normalizer  func() normalize.Stats
	Sink        func() pipeline.SinkStats
	Backlog     BacklogCounter
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Mode          string                     `json:"mode"`
	Participant   string                     `json:"participant"`
	UptimeSeconds int64                      `json:"uptime_seconds"`
	Ingest        *domain.OrchestratorHealth `json:"ingest,omitempty"`
	Normalizer    *normalize.Stats           `json:"normalizer,omitempty"`
	Sink          *pipeline.SinkStats        `json:"sink,omitempty"`
	Backlog       *int64                     `json:"backlog,omitempty"`
}

// StatusHandler serves the ingest status snapshot.
type StatusHandler struct {
	deps   StatusDeps
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(deps StatusDeps, logger *slog.Logger) *StatusHandler {
	if deps.StartedAt.IsZero() {
		deps.StartedAt = time.Now()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StatusHandler{deps: deps, logger: logger.With(slog.String("handler", "status"))}
}

// GetStatus responds with watcher health, pipeline counters and backlog.
// The code is 503 while the aggregate status is unhealthy.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Mode:          h.deps.Mode,
		Participant:   h.deps.Participant,
		UptimeSeconds: int64(time.Since(h.deps.StartedAt).Seconds()),
	}
	code := http.StatusOK

	if h.deps.Health != nil {
		health := h.deps.Health()
		resp.Ingest = &health
		if health.Status == domain.StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
	}
	if h.deps.Normalizer != nil {
		stats := h.deps.Normalizer()
		resp.Normalizer = &stats
	}
	if h.deps.Sink != nil {
		stats := h.deps.Sink()
		resp.Sink = &stats
	}
	if h.deps.Backlog != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
		n, err := h.deps.Backlog.CountUnprocessed(ctx)
		cancel()
		if err != nil {
			h.logger.WarnContext(r.Context(), "backlog count failed", slog.String("error", err.Error()))
		} else {
			resp.Backlog = &n
		}
	}

	writeJSON(w, code, resp)
}
