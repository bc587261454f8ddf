package localstore

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/outbox"
)

// Migration is one forward-only schema version. Statements run first, then
// Upgrade rewrites rows whose shape changed. Both run in one transaction
// together with the user_version bump, so each version applies exactly once.
type Migration struct {
	Version    int
	Name       string
	Statements []string
	Upgrade    func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []Migration{
	{
		Version: 1,
		Name:    "base_tables",
		Statements: append([]string{
			`CREATE TABLE IF NOT EXISTS txns (
				id             TEXT PRIMARY KEY,
				amount         TEXT NOT NULL DEFAULT '0.00',
				type           TEXT NOT NULL DEFAULT 'expense',
				currency       TEXT NOT NULL DEFAULT 'COP',
				date           TEXT,
				time           TEXT,
				vertical_id    TEXT,
				category_id    TEXT,
				contributor_id TEXT,
				description    TEXT,
				deleted        INTEGER NOT NULL DEFAULT 0,
				created_at     TEXT,
				updated_at     TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS verticals (
				id         TEXT PRIMARY KEY,
				name       TEXT,
				created_at TEXT,
				updated_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS categories (
				id          TEXT PRIMARY KEY,
				name        TEXT,
				vertical_id TEXT,
				type        TEXT NOT NULL DEFAULT 'expense',
				created_at  TEXT,
				updated_at  TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS contributors (
				id         TEXT PRIMARY KEY,
				name       TEXT,
				email      TEXT,
				phone      TEXT,
				created_at TEXT,
				updated_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS settlement_payments (
				id         TEXT PRIMARY KEY,
				txn_id     TEXT NOT NULL,
				amount     TEXT NOT NULL DEFAULT '0.00',
				paid_at    TEXT,
				note       TEXT,
				created_at TEXT,
				updated_at TEXT
			)`,
			`CREATE TABLE IF NOT EXISTS meta (
				key        TEXT PRIMARY KEY,
				value      TEXT NOT NULL,
				updated_at TEXT NOT NULL
			)`,
		}, outbox.Schema...),
	},
	{
		Version: 2,
		Name:    "retreats",
		Statements: []string{
			`CREATE TABLE IF NOT EXISTS retreats (
				id         TEXT PRIMARY KEY,
				name       TEXT,
				location   TEXT,
				starts_on  TEXT,
				ends_on    TEXT,
				created_at TEXT,
				updated_at TEXT
			)`,
			`ALTER TABLE txns ADD COLUMN retreat_id TEXT`,
		},
		Upgrade: func(ctx context.Context, tx *sql.Tx) error {
			// Older clients wrote "" for unset references.
			_, err := tx.ExecContext(ctx, `
				UPDATE txns SET
					retreat_id     = NULL,
					vertical_id    = NULLIF(vertical_id, ''),
					category_id    = NULLIF(category_id, ''),
					contributor_id = NULLIF(contributor_id, '')
			`)
			return err
		},
	},
	{
		Version: 3,
		Name:    "settlement_flags",
		Statements: []string{
			`ALTER TABLE txns ADD COLUMN is_settlement INTEGER`,
			`ALTER TABLE txns ADD COLUMN settled INTEGER`,
		},
		Upgrade: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE txns SET
					is_settlement = COALESCE(is_settlement, 0),
					settled       = COALESCE(settled, 0)
			`)
			return err
		},
	},
	{
		Version: 4,
		Name:    "contributor_status",
		Statements: []string{
			`ALTER TABLE contributors ADD COLUMN active INTEGER`,
		},
		Upgrade: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE contributors SET
					active = COALESCE(active, 1),
					email  = NULLIF(TRIM(email), ''),
					phone  = NULLIF(TRIM(phone), '')
			`)
			return err
		},
	},
	{
		Version: 5,
		Name:    "read_indexes",
		Statements: []string{
			`CREATE INDEX IF NOT EXISTS idx_txns_occurred ON txns(date, time)`,
			`CREATE INDEX IF NOT EXISTS idx_settlement_payments_txn ON settlement_payments(txn_id)`,
		},
	},
}

// LatestVersion is the schema version a fully migrated store reports.
func LatestVersion() int {
	return migrations[len(migrations)-1].Version
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("schemaVersion: %w", err)
	}
	return v, nil
}

// migrate applies every migration above the current user_version up to target.
func migrate(ctx context.Context, db *sql.DB, target int) (int, error) {
	log := logger.FromContext(ctx)

	current, err := schemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current || m.Version > target {
			continue
		}
		if err := applyMigration(ctx, db, m); err != nil {
			return applied, fmt.Errorf("migrate: %04d_%s: %w", m.Version, m.Name, err)
		}
		log.Info().Int("version", m.Version).Str("name", m.Name).Msg("Applied local schema migration")
		applied++
	}
	return applied, nil
}

func applyMigration(ctx context.Context, db *sql.DB, m Migration) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range m.Statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec: %w", err)
		}
	}
	if m.Upgrade != nil {
		if err := m.Upgrade(ctx, tx); err != nil {
			return fmt.Errorf("upgrade rows: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, m.Version)); err != nil {
		return fmt.Errorf("bump user_version: %w", err)
	}
	return tx.Commit()
}
