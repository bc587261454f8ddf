// Package localstore is the on-device SQLite mirror of the remote tables.
// User writes go through Put and Delete, which append the matching outbox
// entry in the same transaction; pull writes go through ApplyRemote and never
// touch the outbox.
package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/outbox"
)

// Store is safe for concurrent use.
type Store struct {
	db    *sql.DB
	path  string
	queue *outbox.Queue
	now   func() time.Time

	mu   sync.RWMutex
	hook func(table string)
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces the wall clock used for audit timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Open opens (creating if needed) the store at path and migrates it to the latest schema.
func Open(ctx context.Context, path string, opts ...Option) (*Store, error) {
	return open(ctx, path, LatestVersion(), opts...)
}

func open(ctx context.Context, path string, version int, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("Open: creating database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(1)&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("Open: opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: pinging database: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	s := &Store{
		db:    db,
		path:  path,
		queue: outbox.NewQueue(db),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}

	if _, err := migrate(ctx, db, version); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("Open: %w", err)
	}
	return s, nil
}

// Close checkpoints the WAL and closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	if _, err := s.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		log := logger.New()
		log.Warn().Err(err).Str("path", s.path).Msg("Failed to checkpoint WAL")
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("Close: %w", err)
	}
	s.db = nil
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Outbox returns the queue of pending mutations.
func (s *Store) Outbox() *outbox.Queue { return s.queue }

// SchemaVersion returns the applied schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	return schemaVersion(ctx, s.db)
}

// OnMutation registers fn to run after every committed user write.
func (s *Store) OnMutation(fn func(table string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

func (s *Store) notify(table string) {
	s.mu.RLock()
	fn := s.hook
	s.mu.RUnlock()
	if fn != nil {
		fn(table)
	}
}

// Put writes row into table and queues the matching outbox entry atomically.
// Columns missing from row keep their stored value; an empty id is assigned.
// It returns the row as stored.
func (s *Store) Put(ctx context.Context, table string, row domain.Row) (domain.Row, error) {
	cols, ok := columnsFor(table)
	if !ok {
		return nil, fmt.Errorf("Put %s: %w", table, domain.ErrUnknownTable)
	}

	id := row.ID()
	if id == "" {
		id = uuid.NewString()
	}
	now := domain.FormatTimestamp(s.now())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("Put %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	existing, err := getRow(ctx, tx, table, cols, id)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("Put %s: %w", table, err)
	}

	op := outbox.OpInsert
	merged := domain.Row{}
	if existing != nil {
		op = outbox.OpUpdate
		merged = existing
	}
	for k, v := range row {
		if k == "created_at" && (v == nil || v == "") {
			continue
		}
		merged[k] = v
	}
	merged["id"] = id
	if merged.String("created_at") == "" {
		merged["created_at"] = now
	}
	merged["updated_at"] = now

	stored := canonical(cols, merged)
	if err := upsertRow(ctx, tx, table, cols, stored); err != nil {
		return nil, fmt.Errorf("Put %s: %w", table, err)
	}
	if _, err := outbox.Enqueue(ctx, tx, outbox.Entry{Table: table, Op: op, RowID: id, Snapshot: stored}); err != nil {
		return nil, fmt.Errorf("Put %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("Put %s: commit: %w", table, err)
	}

	s.notify(table)
	return stored, nil
}

// Get returns the row with id, or domain.ErrNotFound.
func (s *Store) Get(ctx context.Context, table, id string) (domain.Row, error) {
	cols, ok := columnsFor(table)
	if !ok {
		return nil, fmt.Errorf("Get %s: %w", table, domain.ErrUnknownTable)
	}
	row, err := getRow(ctx, s.db, table, cols, id)
	if err != nil {
		return nil, fmt.Errorf("Get %s/%s: %w", table, id, err)
	}
	return row, nil
}

// Query returns the rows of table matching pred (all rows when pred is nil),
// soft-deleted rows included.
func (s *Store) Query(ctx context.Context, table string, pred func(domain.Row) bool) ([]domain.Row, error) {
	cols, ok := columnsFor(table)
	if !ok {
		return nil, fmt.Errorf("Query %s: %w", table, domain.ErrUnknownTable)
	}

	order := orderBy[table]
	if order == "" {
		order = "id"
	}
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s ORDER BY %s`, columnNames(cols), table, order))
	if err != nil {
		return nil, fmt.Errorf("Query %s: %w", table, err)
	}
	defer rows.Close()

	var out []domain.Row
	for rows.Next() {
		row, err := scanRow(rows, cols)
		if err != nil {
			return nil, fmt.Errorf("Query %s: %w", table, err)
		}
		if pred == nil || pred(row) {
			out = append(out, row)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Query %s: %w", table, err)
	}
	return out, nil
}

// Delete removes the row with id. Tables with a deleted flag keep the row and
// set the flag; others drop it. Either way a delete entry is queued.
func (s *Store) Delete(ctx context.Context, table, id string) error {
	cols, ok := columnsFor(table)
	if !ok {
		return fmt.Errorf("Delete %s: %w", table, domain.ErrUnknownTable)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("Delete %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	existing, err := getRow(ctx, tx, table, cols, id)
	if err != nil {
		return fmt.Errorf("Delete %s/%s: %w", table, id, err)
	}

	if softDeletes(cols) {
		existing["deleted"] = true
		existing["updated_at"] = domain.FormatTimestamp(s.now())
		if err := upsertRow(ctx, tx, table, cols, existing); err != nil {
			return fmt.Errorf("Delete %s/%s: %w", table, id, err)
		}
	} else if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
		return fmt.Errorf("Delete %s/%s: %w", table, id, err)
	}

	if _, err := outbox.Enqueue(ctx, tx, outbox.Entry{Table: table, Op: outbox.OpDelete, RowID: id, Snapshot: existing}); err != nil {
		return fmt.Errorf("Delete %s/%s: %w", table, id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("Delete %s/%s: commit: %w", table, id, err)
	}

	s.notify(table)
	return nil
}

// ApplyOptions controls how ApplyRemote reconciles a table.
type ApplyOptions struct {
	// Prune deletes local rows whose id is absent from the applied rows. Only
	// meaningful when rows is a full snapshot; an empty snapshot clears the table.
	Prune bool
}

// ApplyResult counts what ApplyRemote changed.
type ApplyResult struct {
	Upserted  int
	Pruned    int
	Protected int
}

// ApplyRemote writes confirmed remote state into table in one transaction,
// bypassing the outbox. Rows with mutations still queued in the outbox are
// neither overwritten nor pruned; the queue is read inside the same write
// transaction, so a user write committed mid-pull is always covered.
func (s *Store) ApplyRemote(ctx context.Context, table string, rows []domain.Row, opts ApplyOptions) (ApplyResult, error) {
	var res ApplyResult
	cols, ok := columnsFor(table)
	if !ok {
		return res, fmt.Errorf("ApplyRemote %s: %w", table, domain.ErrUnknownTable)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, fmt.Errorf("ApplyRemote %s: begin: %w", table, err)
	}
	defer tx.Rollback()

	protected, err := outbox.PendingRowIDs(ctx, tx, table)
	if err != nil {
		return res, fmt.Errorf("ApplyRemote %s: %w", table, err)
	}

	seen := make(map[string]struct{}, len(rows))
	for _, row := range rows {
		id := row.ID()
		if id == "" {
			continue
		}
		seen[id] = struct{}{}
		if _, ok := protected[id]; ok {
			res.Protected++
			continue
		}
		if err := upsertRow(ctx, tx, table, cols, canonical(cols, row)); err != nil {
			return ApplyResult{}, fmt.Errorf("ApplyRemote %s/%s: %w", table, id, err)
		}
		res.Upserted++
	}

	if opts.Prune {
		ids, err := listIDs(ctx, tx, table)
		if err != nil {
			return ApplyResult{}, fmt.Errorf("ApplyRemote %s: %w", table, err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			if _, ok := protected[id]; ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id); err != nil {
				return ApplyResult{}, fmt.Errorf("ApplyRemote %s: pruning %s: %w", table, id, err)
			}
			res.Pruned++
		}
	}

	if err := tx.Commit(); err != nil {
		return ApplyResult{}, fmt.Errorf("ApplyRemote %s: commit: %w", table, err)
	}
	return res, nil
}

// Count returns the number of rows in table, soft-deleted rows included.
func (s *Store) Count(ctx context.Context, table string) (int, error) {
	if _, ok := columnsFor(table); !ok {
		return 0, fmt.Errorf("Count %s: %w", table, domain.ErrUnknownTable)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM %s`, table)).Scan(&n); err != nil {
		return 0, fmt.Errorf("Count %s: %w", table, err)
	}
	return n, nil
}

// Snapshot writes a consistent copy of the database to dest, replacing any existing file.
func (s *Store) Snapshot(ctx context.Context, dest string) error {
	if err := os.Remove(dest); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("Snapshot: removing %s: %w", dest, err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?`, dest); err != nil {
		return fmt.Errorf("Snapshot: %w", err)
	}
	return nil
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func getRow(ctx context.Context, q querier, table string, cols []column, id string) (domain.Row, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE id = ?`, columnNames(cols), table), id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, domain.ErrNotFound
	}
	return scanRow(rows, cols)
}

func scanRow(rows *sql.Rows, cols []column) (domain.Row, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("scanning row: %w", err)
	}
	return scanValues(cols, vals), nil
}

func upsertRow(ctx context.Context, db execer, table string, cols []column, row domain.Row) error {
	names := make([]string, len(cols))
	marks := make([]string, len(cols))
	sets := make([]string, 0, len(cols)-1)
	args := make([]any, len(cols))
	for i, c := range cols {
		names[i] = c.name
		marks[i] = "?"
		if c.name != "id" {
			sets = append(sets, fmt.Sprintf("%s = excluded.%s", c.name, c.name))
		}
		args[i] = row[c.name]
	}

	query := fmt.Sprintf(
		`INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(id) DO UPDATE SET %s`,
		table, strings.Join(names, ", "), strings.Join(marks, ", "), strings.Join(sets, ", "),
	)
	if _, err := db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upserting %s: %w", row.ID(), err)
	}
	return nil
}

func listIDs(ctx context.Context, q querier, table string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`SELECT id FROM %s`, table))
	if err != nil {
		return nil, fmt.Errorf("listing ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scanning id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
