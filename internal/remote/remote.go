// Package remote defines the contract the sync engine needs from the
// server-side store.
package remote

import (
	"context"
	"time"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

// Query narrows a Select.
type Query struct {
	// UpdatedSince keeps rows with updated_at strictly after it. Zero selects all rows.
	UpdatedSince time.Time
	// Where keeps rows whose column equals the value, e.g. {"txn_id": id}.
	Where map[string]any
}

// Store is the remote relational backend. Rows are in remote shape.
// Upsert resolves conflicts on id; Update patches the named columns only.
type Store interface {
	Select(ctx context.Context, table string, q Query) ([]domain.Row, error)
	Upsert(ctx context.Context, table string, row domain.Row) error
	Update(ctx context.Context, table string, id string, patch domain.Row) error
	Delete(ctx context.Context, table string, id string) error
	// CurrentUser returns the authenticated principal, or domain.ErrUnauthenticated.
	CurrentUser(ctx context.Context) (string, error)
}
