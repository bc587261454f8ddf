package backup

import (
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ObjectStore is the blob storage the backups live in.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, object string, r io.Reader) error
	Download(ctx context.Context, bucket, object string, w io.Writer) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
}

// GCSObjectStore is the Google Cloud Storage ObjectStore.
type GCSObjectStore struct {
	client *storage.Client
}

var _ ObjectStore = (*GCSObjectStore)(nil)

// NewGCSObjectStore creates a storage client. An empty credentialsFile uses
// Application Default Credentials (gcloud auth application-default login).
func NewGCSObjectStore(ctx context.Context, credentialsFile string) (*GCSObjectStore, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	return &GCSObjectStore{client: client}, nil
}

// Close closes the storage client.
func (s *GCSObjectStore) Close() error {
	return s.client.Close()
}

// Upload streams r into bucket/object.
func (s *GCSObjectStore) Upload(ctx context.Context, bucket, object string, r io.Reader) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := s.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = "application/vnd.sqlite3"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("copy snapshot to GCS writer: %w", err)
	}
	// Close finalizes the upload.
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalize upload: %w", err)
	}
	return nil
}

// Download copies bucket/object into w.
func (s *GCSObjectStore) Download(ctx context.Context, bucket, object string, w io.Writer) error {
	rc, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		return fmt.Errorf("open GCS object reader %s/%s: %w", bucket, object, err)
	}
	defer rc.Close()

	if _, err := io.Copy(w, rc); err != nil {
		return fmt.Errorf("read GCS object: %w", err)
	}
	return nil
}

// List returns the object names under prefix.
func (s *GCSObjectStore) List(ctx context.Context, bucket, prefix string) ([]string, error) {
	it := s.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var names []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

// ParseURI splits gs://bucket/path/to/object. A value without the scheme is
// taken as an object name in defaultBucket.
func ParseURI(uri, defaultBucket string) (bucket, object string, err error) {
	if !strings.HasPrefix(uri, "gs://") {
		if uri == "" {
			return "", "", fmt.Errorf("empty object name")
		}
		return defaultBucket, uri, nil
	}

	parts := strings.SplitN(strings.TrimPrefix(uri, "gs://"), "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid GCS URI (no object path): %s", uri)
	}
	return parts[0], parts[1], nil
}

// baseName extracts the file name, e.g. "gs://bucket/folder/x.db" -> "x.db".
func baseName(object string) string {
	return path.Base(object)
}
