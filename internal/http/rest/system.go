package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/transferd/internal/downloader"
	"github.com/italolelis/transferd/internal/logctx"
	"github.com/italolelis/transferd/internal/scheduler"
	"github.com/italolelis/transferd/internal/telemetry"
)

// RetryJobResponse is one deferred transfer waiting for connectivity.
type RetryJobResponse struct {
	ID          string    `json:"id"`
	Account     string    `json:"account"`
	RemotePath  string    `json:"remote_path"`
	ScheduledAt time.Time `json:"scheduled_at"`
}

// StatusResponse is the operational snapshot served by /status.
type StatusResponse struct {
	InstanceID string                  `json:"instance_id"`
	Uptime     string                  `json:"uptime"`
	Pending    int                     `json:"pending"`
	Active     *ActiveTransferResponse `json:"active,omitempty"`
	RetryJobs  []RetryJobResponse      `json:"retry_jobs,omitempty"`
}

// SystemHandler serves the unauthenticated operational endpoints: liveness,
// metrics scraping, and the status snapshot.
type SystemHandler struct {
	instanceID string
	startedAt  time.Time
	engine     *downloader.Downloader
	scheduler  *scheduler.Scheduler
	telemetry  *telemetry.Telemetry
}

// NewSystemHandler creates the handler for the operational endpoints.
func NewSystemHandler(instanceID string, engine *downloader.Downloader, sched *scheduler.Scheduler, t *telemetry.Telemetry) *SystemHandler {
	return &SystemHandler{
		instanceID: instanceID,
		startedAt:  time.Now(),
		engine:     engine,
		scheduler:  sched,
		telemetry:  t,
	}
}

func (h *SystemHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", h.HandleHealth)
	r.Get("/status", h.HandleStatus)
	r.Handle("/metrics", h.telemetry.Handler())

	return r
}

func (h *SystemHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// HandleStatus reports the instance identity and what the engine is doing
// right now: queue depth, the active transfer with its progress, and the
// deferred transfers waiting on connectivity.
func (h *SystemHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	response := &StatusResponse{
		InstanceID: h.instanceID,
		Uptime:     time.Since(h.startedAt).Round(time.Second).String(),
		Pending:    h.engine.Pending(),
	}

	if active := h.engine.Active(); active != nil {
		response.Active = activeResponse(active, h.engine.Progress())
	}

	for _, j := range h.scheduler.Jobs() {
		response.RetryJobs = append(response.RetryJobs, RetryJobResponse{
			ID:          j.ID,
			Account:     j.Owner,
			RemotePath:  j.RemotePath,
			ScheduledAt: j.ScheduledAt,
		})
	}

	w.Header().Set("Content-Type", "application/json")

	if err := json.NewEncoder(w).Encode(response); err != nil {
		logger.Error("failed to encode response", "err", err)
		http.Error(w, "failed to encode response", http.StatusInternalServerError)

		return
	}
}
