package inmemory

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/jobs"
)

func run(id string, minute int, status jobs.RunStatus) *jobs.SyncRun {
	return &jobs.SyncRun{
		RunID:     id,
		Reason:    "manual",
		Status:    status,
		StartedAt: time.Date(2026, 3, 14, 9, minute, 0, 0, time.UTC),
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	ctx := context.Background()
	s := NewStore(10)

	r := run("r1", 0, jobs.RunStatusRunning)
	if err := s.SaveRun(ctx, r); err != nil {
		t.Fatalf("SaveRun: %v", err)
	}

	// Mutating the caller's copy must not leak into the store.
	r.Status = jobs.RunStatusFailed

	got, err := s.GetRun(ctx, "r1")
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if got.Status != jobs.RunStatusRunning {
		t.Errorf("Status = %s, want running", got.Status)
	}

	if _, err := s.GetRun(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := s.SaveRun(ctx, &jobs.SyncRun{}); err == nil {
		t.Error("expected error for empty run ID")
	}
}

func TestStore_ListNewestFirstAndBounded(t *testing.T) {
	ctx := context.Background()
	s := NewStore(3)

	for i := 0; i < 5; i++ {
		status := jobs.RunStatusSucceeded
		if i%2 == 1 {
			status = jobs.RunStatusPartial
		}
		if err := s.SaveRun(ctx, run(fmt.Sprintf("r%d", i), i, status)); err != nil {
			t.Fatalf("SaveRun: %v", err)
		}
	}

	tests := []struct {
		name   string
		filter jobs.RunFilter
		want   []string
	}{
		{"all", jobs.RunFilter{}, []string{"r4", "r3", "r2"}},
		{"status", jobs.RunFilter{Status: jobs.RunStatusPartial}, []string{"r3"}},
		{"limit", jobs.RunFilter{Limit: 1}, []string{"r4"}},
		{"offset", jobs.RunFilter{Offset: 2}, []string{"r2"}},
		{"offset past end", jobs.RunFilter{Offset: 9}, []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runs, err := s.ListRuns(ctx, tt.filter)
			if err != nil {
				t.Fatalf("ListRuns: %v", err)
			}
			if len(runs) != len(tt.want) {
				t.Fatalf("got %d runs, want %d", len(runs), len(tt.want))
			}
			for i, r := range runs {
				if r.RunID != tt.want[i] {
					t.Errorf("runs[%d] = %s, want %s", i, r.RunID, tt.want[i])
				}
			}
		})
	}
}

func TestSyncRun_Duration(t *testing.T) {
	r := run("r1", 0, jobs.RunStatusRunning)
	if r.Duration() != 0 {
		t.Error("running run should have zero duration")
	}
	done := r.StartedAt.Add(1500 * time.Millisecond)
	r.FinishedAt = &done
	if r.Duration() != 1500*time.Millisecond {
		t.Errorf("Duration = %s", r.Duration())
	}
}
