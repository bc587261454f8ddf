package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/jobs"
	"github.com/dvloznov/finance-logbook/internal/jobs/inmemory"
	"github.com/dvloznov/finance-logbook/internal/remote/memory"
	"github.com/dvloznov/finance-logbook/internal/retry"
	"github.com/dvloznov/finance-logbook/internal/settlement"
	"github.com/dvloznov/finance-logbook/internal/syncengine"
)

type fakeSyncer struct {
	mu        sync.Mutex
	triggered []syncengine.Reason
	err       error
	report    syncengine.Report
}

func (f *fakeSyncer) FullSync(ctx context.Context, reason syncengine.Reason) (syncengine.Report, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return syncengine.Report{}, f.err
	}
	r := f.report
	r.Reason = reason
	return r, nil
}

func (f *fakeSyncer) Trigger(reason syncengine.Reason) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggered = append(f.triggered, reason)
}

func (f *fakeSyncer) Running() bool { return false }

func (f *fakeSyncer) Last() (syncengine.Report, bool) { return f.report, f.report.RunID != "" }

type fakeQueue int

func (q fakeQueue) Depth(ctx context.Context) (int, error) { return int(q), nil }

type fakeWatermarks struct{ t time.Time }

func (f fakeWatermarks) Watermark(ctx context.Context) (time.Time, bool, error) {
	return f.t, !f.t.IsZero(), nil
}

type testServer struct {
	*httptest.Server
	syncer *fakeSyncer
	remote *memory.Store
	runs   *inmemory.Store
	writes atomic.Int32
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	rs := memory.New("ana@example.com")
	rs.Seed(domain.TableTransactions, domain.Row{
		"id":         "t1",
		"amount":     decimal.NewFromInt(100),
		"type":       "Gasto",
		"settled":    false,
		"updated_at": time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	svc := settlement.NewService(rs, settlement.WithRetryPolicy(retry.Policy{MaxAttempts: 1}))

	ts := &testServer{
		syncer: &fakeSyncer{report: syncengine.Report{RunID: "run-1", Reason: syncengine.ReasonStartup}},
		remote: rs,
		runs:   inmemory.NewStore(10),
	}
	srv := NewServer(Deps{
		Syncer:          ts.syncer,
		Queue:           fakeQueue(3),
		Watermarks:      fakeWatermarks{t: time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)},
		Runs:            ts.runs,
		Settlements:     svc,
		AfterSettlement: func() { ts.writes.Add(1) },
	}, zerolog.Nop())
	srv.EnableMetrics()

	ts.Server = httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) do(t *testing.T, method, path, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	req, err := http.NewRequest(method, ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]interface{}
	if len(raw) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decoding %s: %v", raw, err)
		}
	}
	return resp, out
}

func decimalField(t *testing.T, m map[string]interface{}, key string) decimal.Decimal {
	t.Helper()
	s, ok := m[key].(string)
	if !ok {
		t.Fatalf("%s: got %T, want string", key, m[key])
	}
	return decimal.RequireFromString(s)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	resp, body := ts.do(t, http.MethodGet, "/health", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "healthy" {
		t.Errorf("body = %v", body)
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("missing X-Request-ID header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t)
	resp, _ := ts.do(t, http.MethodGet, "/metrics", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestRecordSettlement(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/settlements", `{"txn_id":"t1","amount":"60"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	totals := body["totals"].(map[string]interface{})
	if got := decimalField(t, totals, "remaining"); !got.Equal(decimal.NewFromInt(40)) {
		t.Errorf("remaining = %s, want 40", got)
	}
	if body["settled"] != false {
		t.Errorf("settled = %v, want false", body["settled"])
	}

	resp, body = ts.do(t, http.MethodPost, "/api/settlements", `{"txn_id":"t1","amount":40}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body = %v", resp.StatusCode, body)
	}
	totals = body["totals"].(map[string]interface{})
	if got := decimalField(t, totals, "paid"); !got.Equal(decimal.NewFromInt(100)) {
		t.Errorf("paid = %s, want 100", got)
	}
	if body["settled"] != true {
		t.Errorf("settled = %v, want true", body["settled"])
	}
	if n := ts.writes.Load(); n != 2 {
		t.Errorf("afterWrite ran %d times, want 2", n)
	}

	payment := body["payment"].(map[string]interface{})
	resp, body = ts.do(t, http.MethodDelete, "/api/settlements/"+payment["id"].(string), "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, body = %v", resp.StatusCode, body)
	}
	if body["settled"] != false {
		t.Errorf("settled after delete = %v, want false", body["settled"])
	}
}

func TestRecordSettlement_Errors(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{"malformed body", `{`, http.StatusBadRequest},
		{"missing txn id", `{"amount":"5"}`, http.StatusBadRequest},
		{"zero amount", `{"txn_id":"t1","amount":"0"}`, http.StatusBadRequest},
		{"negative amount", `{"txn_id":"t1","amount":"-3"}`, http.StatusBadRequest},
		{"unknown transaction", `{"txn_id":"nope","amount":"5"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			resp, body := ts.do(t, http.MethodPost, "/api/settlements", tt.body)
			if resp.StatusCode != tt.status {
				t.Errorf("status = %d, want %d (body %v)", resp.StatusCode, tt.status, body)
			}
			if _, ok := body["error"]; !ok {
				t.Errorf("body has no error field: %v", body)
			}
			if ts.writes.Load() != 0 {
				t.Errorf("afterWrite ran on failure")
			}
		})
	}
}

func TestTriggerSync(t *testing.T) {
	ts := newTestServer(t)

	resp, body := ts.do(t, http.MethodPost, "/api/sync", "")
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["status"] != "scheduled" {
		t.Errorf("body = %v", body)
	}
	ts.syncer.mu.Lock()
	if len(ts.syncer.triggered) != 1 || ts.syncer.triggered[0] != syncengine.ReasonManual {
		t.Errorf("triggered = %v", ts.syncer.triggered)
	}
	ts.syncer.mu.Unlock()

	resp, body = ts.do(t, http.MethodPost, "/api/sync?wait=true", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("wait status = %d", resp.StatusCode)
	}
	if body["reason"] != "manual" || body["status"] != "succeeded" {
		t.Errorf("report = %v", body)
	}

	ts.syncer.mu.Lock()
	ts.syncer.err = domain.ErrSyncInProgress
	ts.syncer.mu.Unlock()
	resp, body = ts.do(t, http.MethodPost, "/api/sync?wait=true", "")
	if resp.StatusCode != http.StatusAccepted || body["status"] != "coalesced" {
		t.Errorf("in-progress: status = %d, body = %v", resp.StatusCode, body)
	}
}

func TestSyncStatus(t *testing.T) {
	ts := newTestServer(t)
	started := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	if err := ts.runs.SaveRun(context.Background(), &jobs.SyncRun{
		RunID: "run-1", Reason: "startup", Status: jobs.RunStatusSucceeded, StartedAt: started,
	}); err != nil {
		t.Fatal(err)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/sync/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["outbox_depth"] != float64(3) {
		t.Errorf("outbox_depth = %v", body["outbox_depth"])
	}
	if body["watermark"] != "2026-02-01T12:00:00Z" {
		t.Errorf("watermark = %v", body["watermark"])
	}
	if runs, _ := body["runs"].([]interface{}); len(runs) != 1 {
		t.Errorf("runs = %v", body["runs"])
	}
	last, _ := body["last"].(map[string]interface{})
	if last["run_id"] != "run-1" {
		t.Errorf("last = %v", body["last"])
	}
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	if err := ts.runs.SaveRun(context.Background(), &jobs.SyncRun{RunID: "r1", Reason: "manual", Status: jobs.RunStatusPartial}); err != nil {
		t.Fatal(err)
	}

	resp, body := ts.do(t, http.MethodGet, "/api/sync/runs/r1", "")
	if resp.StatusCode != http.StatusOK || body["status"] != "partial" {
		t.Errorf("status = %d, body = %v", resp.StatusCode, body)
	}

	resp, _ = ts.do(t, http.MethodGet, "/api/sync/runs/missing", "")
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("missing run status = %d", resp.StatusCode)
	}

	resp, body = ts.do(t, http.MethodGet, "/api/sync/runs?status=partial", "")
	if resp.StatusCode != http.StatusOK || body["count"] != float64(1) {
		t.Errorf("list: status = %d, body = %v", resp.StatusCode, body)
	}
}
