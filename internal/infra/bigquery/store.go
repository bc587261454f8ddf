// Package bigquery implements remote.Store on BigQuery. Every table is
// addressed through its normalize.Descriptor, so statements only ever name
// whitelisted columns.
package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/normalize"
	"github.com/dvloznov/finance-logbook/internal/remote"
)

// Config selects the project and dataset holding the synchronized tables.
type Config struct {
	Project string
	Dataset string
	// CredentialsFile is a service account key; empty uses application default credentials.
	CredentialsFile string
	// Principal, when set, is reported by CurrentUser instead of SESSION_USER().
	Principal string
}

// Store is the BigQuery remote store.
type Store struct {
	client    *bigquery.Client
	cfg       Config
	registry  *normalize.Registry
	principal string
}

var _ remote.Store = (*Store)(nil)

// NewStore creates a Store with its own BigQuery client.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Project == "" || cfg.Dataset == "" {
		return nil, fmt.Errorf("NewStore: project and dataset are required")
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, cfg.Project, opts...)
	if err != nil {
		return nil, fmt.Errorf("NewStore: creating client: %w", err)
	}
	return NewStoreWithClient(client, cfg), nil
}

// NewStoreWithClient creates a Store over an existing client.
func NewStoreWithClient(client *bigquery.Client, cfg Config) *Store {
	return &Store{
		client:    client,
		cfg:       cfg,
		registry:  normalize.DefaultRegistry(),
		principal: strings.TrimSpace(cfg.Principal),
	}
}

// Close closes the BigQuery client connection.
func (s *Store) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

func (s *Store) ref(table string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.cfg.Project, s.cfg.Dataset, table)
}

func (s *Store) descriptor(table string) (normalize.Descriptor, error) {
	desc, ok := s.registry.Lookup(table)
	if !ok {
		return normalize.Descriptor{}, fmt.Errorf("%s: %w", table, domain.ErrUnknownTable)
	}
	return desc, nil
}

// Select reads rows of table matching q, ordered by id.
func (s *Store) Select(ctx context.Context, table string, q remote.Query) ([]domain.Row, error) {
	desc, err := s.descriptor(table)
	if err != nil {
		return nil, fmt.Errorf("Select: %w", err)
	}
	stmt, err := buildSelect(s.ref(table), desc, q)
	if err != nil {
		return nil, fmt.Errorf("Select: %w", err)
	}

	query := s.client.Query(stmt.SQL)
	query.Parameters = stmt.Params
	it, err := query.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("Select %s: reading query: %w", table, err)
	}

	var rows []domain.Row
	for {
		var values map[string]bigquery.Value
		err := it.Next(&values)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Select %s: iterating: %w", table, err)
		}
		rows = append(rows, fromValues(values))
	}
	return rows, nil
}

// Upsert merges row on id. A stored row with a later updated_at is kept.
func (s *Store) Upsert(ctx context.Context, table string, row domain.Row) error {
	desc, err := s.descriptor(table)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	stmt, err := buildMerge(s.ref(table), desc, row)
	if err != nil {
		return fmt.Errorf("Upsert: %w", err)
	}
	if err := s.exec(ctx, stmt); err != nil {
		return fmt.Errorf("Upsert %s/%s: %w", table, row.ID(), err)
	}
	return nil
}

// Update patches the named columns of one row.
func (s *Store) Update(ctx context.Context, table, id string, patch domain.Row) error {
	desc, err := s.descriptor(table)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	stmt, err := buildUpdate(s.ref(table), desc, id, patch)
	if err != nil {
		return fmt.Errorf("Update: %w", err)
	}
	if err := s.exec(ctx, stmt); err != nil {
		return fmt.Errorf("Update %s/%s: %w", table, id, err)
	}
	return nil
}

// Delete removes one row.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	if _, err := s.descriptor(table); err != nil {
		return fmt.Errorf("Delete: %w", err)
	}
	if err := s.exec(ctx, buildDelete(s.ref(table), id)); err != nil {
		return fmt.Errorf("Delete %s/%s: %w", table, id, err)
	}
	return nil
}

// CurrentUser returns the configured principal, or the caller's identity as
// BigQuery sees it.
func (s *Store) CurrentUser(ctx context.Context) (string, error) {
	if s.principal != "" {
		return s.principal, nil
	}

	it, err := s.client.Query(`SELECT SESSION_USER() AS principal`).Read(ctx)
	if err != nil {
		return "", fmt.Errorf("CurrentUser: reading query: %w", err)
	}
	var row struct {
		Principal bigquery.NullString `bigquery:"principal"`
	}
	err = it.Next(&row)
	if err == iterator.Done || (err == nil && strings.TrimSpace(row.Principal.StringVal) == "") {
		return "", domain.ErrUnauthenticated
	}
	if err != nil {
		return "", fmt.Errorf("CurrentUser: iterating: %w", err)
	}
	return row.Principal.StringVal, nil
}

// exec runs a DML statement and waits for it to finish.
func (s *Store) exec(ctx context.Context, stmt statement) error {
	q := s.client.Query(stmt.SQL)
	q.Parameters = stmt.Params

	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
