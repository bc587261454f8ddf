package domain

import "errors"

var (
	// ErrOffline is returned when an operation needs the remote store and no connection is available.
	ErrOffline = errors.New("no internet connection available")

	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownTable is returned for table names outside SyncedTables.
	ErrUnknownTable = errors.New("unknown table")

	// ErrUnauthenticated is returned when no user identity can be resolved for a push.
	ErrUnauthenticated = errors.New("no authenticated user")

	// ErrSyncInProgress is returned when a sync cycle is already running; the
	// request is coalesced into a single follow-up cycle.
	ErrSyncInProgress = errors.New("sync already in progress")

	// ErrInvalidAmount is returned for non-positive or unparseable amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrMissingID is returned for rows without a primary identifier.
	ErrMissingID = errors.New("row has no id")

	// ErrConflict is returned when a write reuses an id that belongs to another row.
	ErrConflict = errors.New("id already in use")
)
