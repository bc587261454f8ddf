package localstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

const (
	metaWatermark = "watermark"
	metaClientID  = "client_id"
	prefPrefix    = "pref:"
)

func (s *Store) getMeta(ctx context.Context, key string) (string, bool, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading meta %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, domain.FormatTimestamp(s.now()))
	if err != nil {
		return fmt.Errorf("writing meta %q: %w", key, err)
	}
	return nil
}

func (s *Store) timeMeta(ctx context.Context, key string) (time.Time, bool, error) {
	v, ok, err := s.getMeta(ctx, key)
	if err != nil || !ok {
		return time.Time{}, false, err
	}
	t, ok := domain.ParseTimestamp(v)
	if !ok {
		return time.Time{}, false, fmt.Errorf("meta %q: malformed timestamp %q", key, v)
	}
	return t, true, nil
}

// Watermark returns the start time of the last completed sync cycle.
// ok is false before the first one.
func (s *Store) Watermark(ctx context.Context) (t time.Time, ok bool, err error) {
	return s.timeMeta(ctx, metaWatermark)
}

// SetWatermark records the start time of a completed sync cycle.
func (s *Store) SetWatermark(ctx context.Context, t time.Time) error {
	return s.setMeta(ctx, metaWatermark, domain.FormatTimestamp(t))
}

// TableWatermark returns the watermark of one table's last successful pull.
func (s *Store) TableWatermark(ctx context.Context, table string) (time.Time, bool, error) {
	return s.timeMeta(ctx, metaWatermark+":"+table)
}

// SetTableWatermark records a successful pull of table.
func (s *Store) SetTableWatermark(ctx context.Context, table string, t time.Time) error {
	return s.setMeta(ctx, metaWatermark+":"+table, domain.FormatTimestamp(t))
}

// Preference returns a stored user preference, or def when unset.
func (s *Store) Preference(ctx context.Context, key, def string) (string, error) {
	v, ok, err := s.getMeta(ctx, prefPrefix+key)
	if err != nil {
		return "", err
	}
	if !ok {
		return def, nil
	}
	return v, nil
}

// SetPreference stores a user preference.
func (s *Store) SetPreference(ctx context.Context, key, value string) error {
	return s.setMeta(ctx, prefPrefix+key, value)
}

// ClientID returns this device's id, generating it on first use.
func (s *Store) ClientID(ctx context.Context) (string, error) {
	v, ok, err := s.getMeta(ctx, metaClientID)
	if err != nil {
		return "", err
	}
	if ok {
		return v, nil
	}
	id := uuid.NewString()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO meta (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`, metaClientID, id, domain.FormatTimestamp(s.now()))
	if err != nil {
		return "", fmt.Errorf("ClientID: %w", err)
	}
	// Another connection may have won the insert.
	v, _, err = s.getMeta(ctx, metaClientID)
	return v, err
}
