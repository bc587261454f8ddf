package jobs

import (
	"context"
	"time"
)

// RunStatus represents the outcome of a sync run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is in progress.
	RunStatusRunning RunStatus = "running"
	// RunStatusSucceeded indicates push and every table pull succeeded.
	RunStatusSucceeded RunStatus = "succeeded"
	// RunStatusPartial indicates the run finished with some push or pull failures.
	RunStatusPartial RunStatus = "partial"
	// RunStatusFailed indicates nothing could be synchronized.
	RunStatusFailed RunStatus = "failed"
	// RunStatusOffline indicates the run was skipped or interrupted because the remote was unreachable.
	RunStatusOffline RunStatus = "offline"
)

// SyncRun records one push + pull cycle.
type SyncRun struct {
	// RunID is the unique identifier for this run.
	RunID string `json:"run_id"`

	// Reason is what triggered the run (manual, online, periodic, ...).
	Reason string `json:"reason"`

	// Status is the current status of the run.
	Status RunStatus `json:"status"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// FinishedAt is when the run finished.
	FinishedAt *time.Time `json:"finished_at,omitempty"`

	// Pushed is the number of outbox entries applied remotely.
	Pushed int `json:"pushed"`

	// Skipped is the number of outbox entries bypassed because this client cannot replay them.
	Skipped int `json:"skipped"`

	// Remaining is the outbox depth after push.
	Remaining int `json:"remaining"`

	// Pulled is the number of rows applied locally.
	Pulled int `json:"pulled"`

	// Pruned is the number of local rows removed because the remote no longer has them.
	Pruned int `json:"pruned"`

	// FailedTables lists the tables whose pull failed.
	FailedTables []string `json:"failed_tables,omitempty"`

	// Error contains error details if push failed.
	Error string `json:"error,omitempty"`
}

// Duration returns how long the run took, or zero while it is running.
func (r *SyncRun) Duration() time.Duration {
	if r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// RunStore defines the interface for storing and retrieving sync run history.
type RunStore interface {
	// SaveRun saves or updates a run.
	SaveRun(ctx context.Context, run *SyncRun) error

	// GetRun retrieves a run by ID.
	GetRun(ctx context.Context, runID string) (*SyncRun, error)

	// ListRuns retrieves runs newest first with optional filtering.
	ListRuns(ctx context.Context, filter RunFilter) ([]*SyncRun, error)
}

// RunFilter defines filtering criteria for listing runs.
type RunFilter struct {
	// Reason filters runs by trigger reason.
	Reason string

	// Status filters runs by status.
	Status RunStatus

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
