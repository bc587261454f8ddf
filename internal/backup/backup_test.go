package backup

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/localstore"
)

// mockObjectStore keeps objects in memory.
type mockObjectStore struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func newMockObjectStore() *mockObjectStore {
	return &mockObjectStore{objects: make(map[string][]byte)}
}

func (m *mockObjectStore) Upload(ctx context.Context, bucket, object string, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[bucket+"/"+object] = data
	return nil
}

func (m *mockObjectStore) Download(ctx context.Context, bucket, object string, w io.Writer) error {
	m.mu.Lock()
	data, ok := m.objects[bucket+"/"+object]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("object %s/%s not found", bucket, object)
	}
	_, err := io.Copy(w, bytes.NewReader(data))
	return err
}

func (m *mockObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for key := range m.objects {
		name := strings.TrimPrefix(key, bucket+"/")
		if name != key && strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

func TestParseURI(t *testing.T) {
	tests := []struct {
		uri        string
		wantBucket string
		wantObject string
		wantErr    bool
	}{
		{"gs://b/backups/c1/x.db", "b", "backups/c1/x.db", false},
		{"backups/c1/x.db", "default", "backups/c1/x.db", false},
		{"gs://b", "", "", true},
		{"gs:///x.db", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			bucket, object, err := ParseURI(tt.uri, "default")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if bucket != tt.wantBucket || object != tt.wantObject {
				t.Errorf("got (%q, %q), want (%q, %q)", bucket, object, tt.wantBucket, tt.wantObject)
			}
		})
	}
}

func TestUploadAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := localstore.Open(ctx, filepath.Join(dir, "logbook.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	if _, err := store.Put(ctx, domain.TableVerticals, domain.Row{"id": "v1", "name": "Household"}); err != nil {
		t.Fatal(err)
	}
	clientID, err := store.ClientID(ctx)
	if err != nil {
		t.Fatal(err)
	}

	objects := newMockObjectStore()
	svc := NewService(objects, "bucket", "/backups/")
	clock := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return clock }

	uri, err := svc.Upload(ctx, store)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	want := "gs://bucket/backups/" + clientID + "/20260501T080000Z.db"
	if uri != want {
		t.Errorf("uri = %q, want %q", uri, want)
	}

	clock = clock.Add(time.Hour)
	if _, err := svc.Upload(ctx, store); err != nil {
		t.Fatalf("second Upload: %v", err)
	}
	latest, err := svc.Latest(ctx, clientID)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(latest, "20260501T090000Z.db") {
		t.Errorf("Latest = %q", latest)
	}

	restored := filepath.Join(dir, "restored", "logbook.db")
	if err := svc.Restore(ctx, uri, restored); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	copyStore, err := localstore.Open(ctx, restored)
	if err != nil {
		t.Fatalf("opening restored store: %v", err)
	}
	defer copyStore.Close()

	row, err := copyStore.Get(ctx, domain.TableVerticals, "v1")
	if err != nil {
		t.Fatalf("Get from restored store: %v", err)
	}
	if row.String("name") != "Household" {
		t.Errorf("restored row = %v", row)
	}
	depth, err := copyStore.Outbox().Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Errorf("restored outbox depth = %d, want 1", depth)
	}
}

func TestUpload_RequiresBucket(t *testing.T) {
	svc := NewService(newMockObjectStore(), "", "")
	if _, err := svc.Upload(context.Background(), nil); err == nil {
		t.Error("expected error without a bucket")
	}
}

func TestRestore_MissingObjectKeepsDest(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(newMockObjectStore(), "bucket", "")
	dest := filepath.Join(dir, "logbook.db")

	if err := svc.Restore(context.Background(), "nope.db", dest); err == nil {
		t.Fatal("expected error")
	}
	matches, _ := filepath.Glob(filepath.Join(dir, ".*restore*"))
	if len(matches) != 0 {
		t.Errorf("temporary files left behind: %v", matches)
	}
}
