// Package backup copies snapshots of the local store to object storage and
// restores them.
package backup

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dvloznov/finance-logbook/internal/logger"
)

// objectTimeLayout sorts lexicographically in time order.
const objectTimeLayout = "20060102T150405Z"

// Source produces a consistent copy of the local store.
type Source interface {
	Snapshot(ctx context.Context, dest string) error
	ClientID(ctx context.Context) (string, error)
}

// Service uploads and restores local store snapshots.
type Service struct {
	store  ObjectStore
	bucket string
	prefix string
	now    func() time.Time
}

// NewService returns a Service writing to bucket under prefix.
func NewService(store ObjectStore, bucket, prefix string) *Service {
	return &Service{
		store:  store,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) clientPrefix(clientID string) string {
	if s.prefix == "" {
		return clientID + "/"
	}
	return s.prefix + "/" + clientID + "/"
}

// Upload snapshots src and uploads it as <prefix>/<client id>/<timestamp>.db.
// It returns the gs:// URI of the new object.
func (s *Service) Upload(ctx context.Context, src Source) (string, error) {
	if s.bucket == "" {
		return "", fmt.Errorf("Upload: no backup bucket configured")
	}
	clientID, err := src.ClientID(ctx)
	if err != nil {
		return "", fmt.Errorf("Upload: %w", err)
	}

	tmp, err := os.MkdirTemp("", "logbook-backup-")
	if err != nil {
		return "", fmt.Errorf("Upload: %w", err)
	}
	defer os.RemoveAll(tmp)

	snapshot := filepath.Join(tmp, "snapshot.db")
	if err := src.Snapshot(ctx, snapshot); err != nil {
		return "", fmt.Errorf("Upload: %w", err)
	}

	f, err := os.Open(snapshot)
	if err != nil {
		return "", fmt.Errorf("Upload: open snapshot: %w", err)
	}
	defer f.Close()

	object := s.clientPrefix(clientID) + s.now().Format(objectTimeLayout) + ".db"
	if err := s.store.Upload(ctx, s.bucket, object, f); err != nil {
		return "", fmt.Errorf("Upload: %w", err)
	}

	uri := fmt.Sprintf("gs://%s/%s", s.bucket, object)
	log := logger.FromContext(ctx)
	log.Info().Str("uri", uri).Str("client_id", clientID).Msg("Uploaded local store backup")
	return uri, nil
}

// List returns the backups of clientID, oldest first.
func (s *Service) List(ctx context.Context, clientID string) ([]string, error) {
	names, err := s.store.List(ctx, s.bucket, s.clientPrefix(clientID))
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	var out []string
	for _, n := range names {
		if path.Ext(n) == ".db" {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest backup object of clientID.
func (s *Service) Latest(ctx context.Context, clientID string) (string, error) {
	names, err := s.List(ctx, clientID)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", fmt.Errorf("Latest: no backups for client %s", clientID)
	}
	return names[len(names)-1], nil
}

// Restore downloads object (a gs:// URI or an object name in the configured
// bucket) and atomically replaces dest with it. The store at dest must be closed.
func (s *Service) Restore(ctx context.Context, object, dest string) error {
	bucket, name, err := ParseURI(object, s.bucket)
	if err != nil {
		return fmt.Errorf("Restore: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("Restore: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+baseName(name)+".restore-*")
	if err != nil {
		return fmt.Errorf("Restore: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.store.Download(ctx, bucket, name, tmp); err != nil {
		tmp.Close()
		return fmt.Errorf("Restore: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("Restore: %w", err)
	}

	// Stale WAL files would be replayed over the restored database.
	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(dest + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("Restore: removing %s: %w", dest+suffix, err)
		}
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return fmt.Errorf("Restore: %w", err)
	}

	log := logger.FromContext(ctx)
	log.Info().Str("object", name).Str("dest", dest).Msg("Restored local store backup")
	return nil
}
