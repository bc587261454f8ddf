package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

const metaSyncLease = "sync_lease"

// AcquireSyncLease claims the sync cycle for holder across every process that
// opens this database. While another holder's lease is unexpired it returns
// an error wrapping domain.ErrSyncInProgress. Acquiring again as the same
// holder extends the lease, which is how a long cycle renews it.
func (s *Store) AcquireSyncLease(ctx context.Context, holder string, ttl time.Duration) error {
	if holder == "" || strings.Contains(holder, "|") {
		return fmt.Errorf("AcquireSyncLease: invalid holder %q", holder)
	}

	// The DSN makes every transaction BEGIN IMMEDIATE, so the read and the
	// write below cannot interleave with another process.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("AcquireSyncLease: begin: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	current, expires, err := readLease(ctx, tx)
	if err != nil {
		return fmt.Errorf("AcquireSyncLease: %w", err)
	}
	if current != "" && current != holder && now.Before(expires) {
		return fmt.Errorf("AcquireSyncLease: held by %s until %s: %w",
			current, expires.Format(time.RFC3339), domain.ErrSyncInProgress)
	}

	value := holder + "|" + domain.FormatTimestamp(now.Add(ttl))
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, metaSyncLease, value, domain.FormatTimestamp(now)); err != nil {
		return fmt.Errorf("AcquireSyncLease: writing lease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("AcquireSyncLease: commit: %w", err)
	}
	return nil
}

// ReleaseSyncLease drops holder's lease. A lease held by someone else is left alone.
func (s *Store) ReleaseSyncLease(ctx context.Context, holder string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ReleaseSyncLease: begin: %w", err)
	}
	defer tx.Rollback()

	current, _, err := readLease(ctx, tx)
	if err != nil {
		return fmt.Errorf("ReleaseSyncLease: %w", err)
	}
	if current != holder {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM meta WHERE key = ?`, metaSyncLease); err != nil {
		return fmt.Errorf("ReleaseSyncLease: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ReleaseSyncLease: commit: %w", err)
	}
	return nil
}

// SyncLease reports the current lease holder and expiry, if any.
func (s *Store) SyncLease(ctx context.Context) (holder string, expires time.Time, err error) {
	return readLease(ctx, s.db)
}

type rowQuerier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func readLease(ctx context.Context, q rowQuerier) (string, time.Time, error) {
	var v string
	err := q.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, metaSyncLease).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, fmt.Errorf("reading sync lease: %w", err)
	}
	holder, ts, ok := strings.Cut(v, "|")
	if !ok {
		// Unreadable leases count as expired.
		return "", time.Time{}, nil
	}
	expires, ok := domain.ParseTimestamp(ts)
	if !ok {
		return "", time.Time{}, nil
	}
	return holder, expires, nil
}
