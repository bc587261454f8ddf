package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/dvloznov/finance-logbook/internal/api/middleware"
	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/jobs"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/syncengine"
)

// recentRuns is how many runs GET /api/sync/status includes.
const recentRuns = 10

// SyncHandler handles sync control and status endpoints.
type SyncHandler struct {
	syncer     Syncer
	queue      Queue
	watermarks Watermarks
	runs       jobs.RunStore
}

// NewSyncHandler creates a new sync handler.
func NewSyncHandler(syncer Syncer, queue Queue, watermarks Watermarks, runs jobs.RunStore) *SyncHandler {
	return &SyncHandler{syncer: syncer, queue: queue, watermarks: watermarks, runs: runs}
}

type reportView struct {
	RunID        string    `json:"run_id"`
	Reason       string    `json:"reason"`
	Status       string    `json:"status"`
	StartedAt    time.Time `json:"started_at"`
	FinishedAt   time.Time `json:"finished_at"`
	Pushed       int       `json:"pushed"`
	Skipped      int       `json:"skipped"`
	Remaining    int       `json:"remaining"`
	Pulled       int       `json:"pulled"`
	Pruned       int       `json:"pruned"`
	FailedTables []string  `json:"failed_tables,omitempty"`
	PushError    string    `json:"push_error,omitempty"`
	PullError    string    `json:"pull_error,omitempty"`
}

func viewReport(r syncengine.Report) reportView {
	v := reportView{
		RunID:        r.RunID,
		Reason:       string(r.Reason),
		Status:       string(r.Status()),
		StartedAt:    r.Started,
		FinishedAt:   r.Finished,
		Pushed:       r.Push.Applied,
		Skipped:      r.Push.Skipped,
		Remaining:    r.Push.Remaining,
		Pulled:       r.Pull.Upserted(),
		Pruned:       r.Pull.Pruned(),
		FailedTables: r.Pull.Failed(),
	}
	if r.PushErr != nil {
		v.PushError = r.PushErr.Error()
	}
	if r.PullErr != nil {
		v.PullError = r.PullErr.Error()
	}
	return v
}

// Trigger handles POST /api/sync
// With ?wait=true the cycle runs inline and its report is returned;
// otherwise the cycle is scheduled and the request returns at once.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") != "true" {
		h.syncer.Trigger(syncengine.ReasonManual)
		middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
		return
	}

	ctx := r.Context()
	report, err := h.syncer.FullSync(ctx, syncengine.ReasonManual)
	if errors.Is(err, domain.ErrSyncInProgress) {
		middleware.WriteJSON(w, http.StatusAccepted, map[string]string{"status": "coalesced"})
		return
	}
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Manual sync failed")
		writeDomainError(w, err, "Sync failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, viewReport(report))
}

// Status handles GET /api/sync/status
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	depth, err := h.queue.Depth(ctx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to read outbox depth")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read sync status")
		return
	}

	resp := map[string]interface{}{
		"running":      h.syncer.Running(),
		"outbox_depth": depth,
	}

	wm, ok, err := h.watermarks.Watermark(ctx)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to read watermark")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to read sync status")
		return
	}
	if ok {
		resp["watermark"] = wm
	}

	if last, ok := h.syncer.Last(); ok {
		resp["last"] = viewReport(last)
	}

	if h.runs != nil {
		runs, err := h.runs.ListRuns(ctx, jobs.RunFilter{Limit: recentRuns})
		if err != nil {
			log := logger.FromContext(ctx)
			log.Error().Err(err).Msg("Failed to list runs")
			middleware.WriteError(w, http.StatusInternalServerError, "Failed to read sync status")
			return
		}
		resp["runs"] = runs
	}

	middleware.WriteJSON(w, http.StatusOK, resp)
}

// ListRuns handles GET /api/sync/runs
func (h *SyncHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	filter := jobs.RunFilter{
		Reason: query.Get("reason"),
		Status: jobs.RunStatus(query.Get("status")),
	}

	if limitStr := query.Get("limit"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			filter.Limit = limit
		}
	}

	if offsetStr := query.Get("offset"); offsetStr != "" {
		if offset, err := strconv.Atoi(offsetStr); err == nil {
			filter.Offset = offset
		}
	}

	runs, err := h.runs.ListRuns(ctx, filter)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /api/sync/runs/{id}
func (h *SyncHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	runID := chi.URLParam(r, "id")

	run, err := h.runs.GetRun(ctx, runID)
	if err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("run_id", runID).Msg("Failed to get run")
		middleware.WriteError(w, http.StatusNotFound, "Run not found")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, run)
}
