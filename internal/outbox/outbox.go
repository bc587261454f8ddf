// Package outbox is the durable queue of local mutations waiting to be applied
// to the remote store. Entries are appended inside the same SQLite transaction
// as the row write they describe and removed only after the remote store
// confirmed them.
package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/logger"
)

// Op is the kind of mutation an entry records.
type Op string

const (
	OpInsert Op = "insert"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Valid reports whether o is an operation this client knows how to replay.
func (o Op) Valid() bool {
	return o == OpInsert || o == OpUpdate || o == OpDelete
}

// Schema creates the outbox table. The local store runs it as part of its first migration.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS outbox (
		seq          INTEGER PRIMARY KEY AUTOINCREMENT,
		id           TEXT NOT NULL UNIQUE,
		table_name   TEXT NOT NULL,
		op           TEXT NOT NULL,
		row_id       TEXT NOT NULL,
		snapshot     TEXT NOT NULL,
		enqueued_at  INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_outbox_table_row ON outbox(table_name, row_id)`,
}

// Entry is one queued mutation. Entries are immutable once enqueued.
type Entry struct {
	ID         string     `json:"id"`
	Seq        int64      `json:"seq"`
	Table      string     `json:"table"`
	Op         Op         `json:"op"`
	RowID      string     `json:"row_id"`
	Snapshot   domain.Row `json:"snapshot"`
	EnqueuedAt time.Time  `json:"enqueued_at"`
}

// DBTX is satisfied by both *sql.DB and *sql.Tx.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Enqueue appends e to the tail of the queue using db, which should be the
// transaction that wrote the row. ID and EnqueuedAt are assigned here; the
// timestamp is forced strictly above the current tail so replay order and
// timestamp order agree even when the wall clock steps back.
func Enqueue(ctx context.Context, db DBTX, e Entry) (Entry, error) {
	if e.Table == "" || e.RowID == "" {
		return Entry{}, fmt.Errorf("Enqueue: table and row id are required")
	}

	snapshot, err := json.Marshal(e.Snapshot)
	if err != nil {
		return Entry{}, fmt.Errorf("Enqueue: encoding snapshot: %w", err)
	}

	var tail sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(enqueued_at) FROM outbox`).Scan(&tail); err != nil {
		return Entry{}, fmt.Errorf("Enqueue: reading tail: %w", err)
	}
	ts := time.Now().UTC().UnixNano()
	if tail.Valid && ts <= tail.Int64 {
		ts = tail.Int64 + 1
	}

	e.ID = uuid.NewString()
	e.EnqueuedAt = time.Unix(0, ts).UTC()

	res, err := db.ExecContext(ctx, `
		INSERT INTO outbox (id, table_name, op, row_id, snapshot, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.Table, string(e.Op), e.RowID, string(snapshot), ts)
	if err != nil {
		return Entry{}, fmt.Errorf("Enqueue: inserting entry: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return e, nil
}

// Queue reads and trims the outbox.
type Queue struct {
	db *sql.DB
}

// NewQueue returns a Queue over db.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// Drain returns every queued entry in enqueue order. It does not remove anything.
func (q *Queue) Drain(ctx context.Context) ([]Entry, error) {
	return q.list(ctx, "")
}

// Entries returns the queued entries for one table in enqueue order.
func (q *Queue) Entries(ctx context.Context, table string) ([]Entry, error) {
	return q.list(ctx, table)
}

func (q *Queue) list(ctx context.Context, table string) ([]Entry, error) {
	query := `SELECT seq, id, table_name, op, row_id, snapshot, enqueued_at FROM outbox`
	var args []any
	if table != "" {
		query += ` WHERE table_name = ?`
		args = append(args, table)
	}
	query += ` ORDER BY seq ASC`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("Drain: querying outbox: %w", err)
	}
	defer rows.Close()

	log := logger.FromContext(ctx)
	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			op       string
			snapshot string
			ts       int64
		)
		if err := rows.Scan(&e.Seq, &e.ID, &e.Table, &op, &e.RowID, &snapshot, &ts); err != nil {
			return nil, fmt.Errorf("Drain: scanning entry: %w", err)
		}
		e.Op = Op(op)
		e.EnqueuedAt = time.Unix(0, ts).UTC()
		if err := json.Unmarshal([]byte(snapshot), &e.Snapshot); err != nil {
			// The entry stays queued; push skips entries without row data.
			log.Warn().Err(err).Str("entry_id", e.ID).Str("table", e.Table).Msg("Undecodable outbox snapshot")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("Drain: iterating entries: %w", err)
	}
	return entries, nil
}

// Acknowledge removes an entry after the remote store confirmed it.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id); err != nil {
		return fmt.Errorf("Acknowledge: deleting entry %s: %w", id, err)
	}
	return nil
}

// Drop removes an entry that can never be applied. The reason is logged.
func (q *Queue) Drop(ctx context.Context, id, reason string) error {
	res, err := q.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("Drop: deleting entry %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	log := logger.FromContext(ctx)
	log.Warn().
		Str("entry_id", id).
		Str("reason", reason).
		Int64("removed", n).
		Msg("Dropped outbox entry")
	return nil
}

// Depth returns the number of queued entries.
func (q *Queue) Depth(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox`).Scan(&n); err != nil {
		return 0, fmt.Errorf("Depth: counting entries: %w", err)
	}
	return n, nil
}

// PendingRowIDs returns the ids of rows in table that still have queued mutations.
func (q *Queue) PendingRowIDs(ctx context.Context, table string) (map[string]struct{}, error) {
	return PendingRowIDs(ctx, q.db, table)
}

// PendingRowIDs reads the pending row ids of table through db, so a caller
// holding a write transaction sees exactly the entries committed before it.
func PendingRowIDs(ctx context.Context, db DBTX, table string) (map[string]struct{}, error) {
	rows, err := db.QueryContext(ctx, `SELECT DISTINCT row_id FROM outbox WHERE table_name = ?`, table)
	if err != nil {
		return nil, fmt.Errorf("PendingRowIDs: querying %s: %w", table, err)
	}
	defer rows.Close()

	ids := make(map[string]struct{})
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("PendingRowIDs: scanning: %w", err)
		}
		ids[id] = struct{}{}
	}
	return ids, rows.Err()
}
