package localstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

func TestSyncLease(t *testing.T) {
	ctx := context.Background()
	now := fixedNow
	path := filepath.Join(t.TempDir(), "logbook.db")

	daemon, err := Open(ctx, path, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer daemon.Close()
	// A second handle on the same file stands in for the CLI process.
	cli, err := Open(ctx, path, WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	defer cli.Close()

	require.NoError(t, daemon.AcquireSyncLease(ctx, "daemon", time.Minute))

	err = cli.AcquireSyncLease(ctx, "cli", time.Minute)
	assert.ErrorIs(t, err, domain.ErrSyncInProgress)

	// Renewing extends the expiry.
	now = now.Add(30 * time.Second)
	require.NoError(t, daemon.AcquireSyncLease(ctx, "daemon", time.Minute))
	holder, expires, err := cli.SyncLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "daemon", holder)
	assert.True(t, expires.Equal(now.Add(time.Minute)), "expires %s", expires)

	// Releasing someone else's lease does nothing.
	require.NoError(t, cli.ReleaseSyncLease(ctx, "cli"))
	assert.ErrorIs(t, cli.AcquireSyncLease(ctx, "cli", time.Minute), domain.ErrSyncInProgress)

	require.NoError(t, daemon.ReleaseSyncLease(ctx, "daemon"))
	require.NoError(t, cli.AcquireSyncLease(ctx, "cli", time.Minute))

	// An expired lease is taken over.
	now = now.Add(2 * time.Minute)
	require.NoError(t, daemon.AcquireSyncLease(ctx, "daemon", time.Minute))
	holder, _, err = cli.SyncLease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "daemon", holder)
}

func TestAcquireSyncLease_InvalidHolder(t *testing.T) {
	s := openTestStore(t)
	assert.Error(t, s.AcquireSyncLease(context.Background(), "", time.Minute))
	assert.Error(t, s.AcquireSyncLease(context.Background(), "a|b", time.Minute))
}
