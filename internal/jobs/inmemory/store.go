package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/jobs"
)

// DefaultCapacity is the number of runs kept when NewStore is given zero.
const DefaultCapacity = 100

// Store is an in-memory implementation of RunStore.
// It keeps the most recent runs only and is safe for concurrent use.
// History is lost on restart; the local store holds everything that matters.
type Store struct {
	mu       sync.RWMutex
	runs     map[string]*jobs.SyncRun
	order    []string
	capacity int
}

// NewStore creates a run history bounded to capacity entries.
func NewStore(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		runs:     make(map[string]*jobs.SyncRun),
		capacity: capacity,
	}
}

// SaveRun implements the RunStore interface.
// Saving a known run updates it in place; a new run evicts the oldest one when full.
func (s *Store) SaveRun(ctx context.Context, run *jobs.SyncRun) error {
	if run.RunID == "" {
		return fmt.Errorf("run ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.RunID]; !exists {
		s.order = append(s.order, run.RunID)
		if len(s.order) > s.capacity {
			delete(s.runs, s.order[0])
			s.order = s.order[1:]
		}
	}

	s.runs[run.RunID] = copyRun(run)
	return nil
}

// GetRun implements the RunStore interface.
func (s *Store) GetRun(ctx context.Context, runID string) (*jobs.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("run %s: %w", runID, domain.ErrNotFound)
	}
	return copyRun(run), nil
}

// ListRuns implements the RunStore interface.
func (s *Store) ListRuns(ctx context.Context, filter jobs.RunFilter) ([]*jobs.SyncRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*jobs.SyncRun
	for i := len(s.order) - 1; i >= 0; i-- {
		run := s.runs[s.order[i]]
		if filter.Reason != "" && run.Reason != filter.Reason {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		result = append(result, copyRun(run))
	}
	// Insertion order already matches start order except for clock steps.
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.SyncRun{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// copyRun returns a deep copy so callers cannot mutate stored runs.
func copyRun(run *jobs.SyncRun) *jobs.SyncRun {
	c := *run
	if run.FinishedAt != nil {
		t := *run.FinishedAt
		c.FinishedAt = &t
	}
	c.FailedTables = append([]string(nil), run.FailedTables...)
	return &c
}

// Ensure Store implements RunStore interface.
var _ jobs.RunStore = (*Store)(nil)
