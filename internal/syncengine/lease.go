package syncengine

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-logbook/internal/logger"
)

// DefaultLeaseTTL bounds how long a crashed process can block others from syncing.
const DefaultLeaseTTL = 2 * time.Minute

// Lease serializes sync work across processes sharing one local store, so a
// CLI sync and a running daemon never drain the same outbox at once.
type Lease interface {
	AcquireSyncLease(ctx context.Context, holder string, ttl time.Duration) error
	ReleaseSyncLease(ctx context.Context, holder string) error
}

// NewLeaseHolder returns a holder id unique to this process and call.
func NewLeaseHolder() string {
	return fmt.Sprintf("pid%d-%s", os.Getpid(), uuid.NewString())
}

// HoldLease runs fn while holding the lease as holder, renewing it every
// third of ttl. If a renewal fails, fn's context is cancelled. The lease is
// released when fn returns.
func HoldLease(ctx context.Context, l Lease, holder string, ttl time.Duration, fn func(ctx context.Context) error) error {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	if err := l.AcquireSyncLease(ctx, holder, ttl); err != nil {
		return err
	}
	log := logger.FromContext(ctx)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan struct{})
	stopped := make(chan struct{})
	go func() {
		defer close(stopped)
		t := time.NewTicker(ttl / 3)
		defer t.Stop()
		for {
			select {
			case <-done:
				return
			case <-t.C:
				if err := l.AcquireSyncLease(runCtx, holder, ttl); err != nil {
					log.Warn().Err(err).Str("holder", holder).Msg("Lost sync lease, stopping")
					cancel()
					return
				}
			}
		}
	}()

	err := fn(runCtx)
	close(done)
	<-stopped

	if rerr := l.ReleaseSyncLease(context.WithoutCancel(ctx), holder); rerr != nil {
		log.Warn().Err(rerr).Str("holder", holder).Msg("Failed to release sync lease")
	}
	return err
}
