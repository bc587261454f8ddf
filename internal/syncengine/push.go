package syncengine

import (
	"context"
	"errors"
	"fmt"

	"github.com/dvloznov/finance-logbook/internal/connectivity"
	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/metrics"
	"github.com/dvloznov/finance-logbook/internal/normalize"
	"github.com/dvloznov/finance-logbook/internal/outbox"
	"github.com/dvloznov/finance-logbook/internal/remote"
	"github.com/dvloznov/finance-logbook/internal/retry"
)

// PushResult counts what a push did with the queued entries.
type PushResult struct {
	// Applied entries were confirmed remotely and acknowledged.
	Applied int
	// Skipped entries name a table or op this client cannot replay, or carry
	// no row data; they stay queued.
	Skipped int
	// Remaining is the number of entries still queued afterwards.
	Remaining int
	// Offline is set when push did nothing, or stopped early, because the remote was unreachable.
	Offline bool
}

// EntryError is returned when the remote store rejected an entry. The entry
// and everything behind it stay queued.
type EntryError struct {
	Entry outbox.Entry
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("push %s %s/%s: %v", e.Entry.Op, e.Entry.Table, e.Entry.RowID, e.Err)
}

func (e *EntryError) Unwrap() error { return e.Err }

// Pusher drains the outbox into the remote store.
type Pusher struct {
	queue  Outbox
	local  LocalStore
	remote remote.Store
	online connectivity.Checker
	opts   options
}

// NewPusher returns a Pusher.
func NewPusher(queue Outbox, local LocalStore, rs remote.Store, online connectivity.Checker, opts ...Option) *Pusher {
	return &Pusher{queue: queue, local: local, remote: rs, online: online, opts: buildOptions(opts)}
}

// Push applies queued entries in enqueue order and stops at the first entry
// the remote store rejects. Offline, it returns immediately without touching
// the queue.
func (p *Pusher) Push(ctx context.Context) (PushResult, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "push")
	ctx = logger.WithContext(ctx, log)

	var res PushResult
	if !p.online.Online() {
		log.Warn().Msg("Offline, skipping push")
		res.Offline = true
		return res, nil
	}

	user, r := retry.Value(ctx, p.opts.policy, "current_user", func(ctx context.Context) (string, error) {
		u, err := p.remote.CurrentUser(ctx)
		if errors.Is(err, domain.ErrUnauthenticated) {
			return "", retry.Permanent(err)
		}
		return u, err
	})
	if r.Failed() {
		return res, fmt.Errorf("Push: resolving user: %w", r.Err)
	}
	clientID, err := p.local.ClientID(ctx)
	if err != nil {
		return res, fmt.Errorf("Push: %w", err)
	}

	entries, err := p.queue.Drain(ctx)
	if err != nil {
		return res, fmt.Errorf("Push: %w", err)
	}
	res.Remaining = len(entries)

	for _, e := range entries {
		if !p.online.Online() {
			log.Warn().Int("remaining", res.Remaining).Msg("Went offline, stopping push")
			res.Offline = true
			break
		}

		desc, ok := p.opts.registry.Lookup(e.Table)
		if !ok || !e.Op.Valid() || !hasColumns(e) {
			log.Warn().Str("entry_id", e.ID).Str("table", e.Table).Str("op", string(e.Op)).Msg("Skipping outbox entry this client cannot replay")
			metrics.PushedEntries.WithLabelValues(e.Table, "skipped").Inc()
			res.Skipped++
			continue
		}

		nc := normalize.Context{UserID: user, ClientID: clientID, Now: p.opts.now()}
		if err := p.apply(ctx, desc, e, nc); err != nil {
			metrics.PushedEntries.WithLabelValues(e.Table, "failed").Inc()
			log.Error().Err(err).Str("entry_id", e.ID).Str("table", e.Table).Str("op", string(e.Op)).
				Int("applied", res.Applied).Msg("Push stopped at rejected entry")
			return res, &EntryError{Entry: e, Err: err}
		}
		if err := p.queue.Acknowledge(ctx, e.ID); err != nil {
			// The remote has the change; replaying it later is harmless.
			return res, fmt.Errorf("Push: %w", err)
		}
		metrics.PushedEntries.WithLabelValues(e.Table, "applied").Inc()
		res.Applied++
		res.Remaining--
	}

	log.Info().Int("applied", res.Applied).Int("skipped", res.Skipped).Int("remaining", res.Remaining).Msg("Push finished")
	return res, nil
}

// hasColumns reports whether an insert or update carries row data beyond its
// id. An empty snapshot would upsert a row of defaults over the remote one.
func hasColumns(e outbox.Entry) bool {
	if e.Op == outbox.OpDelete {
		return true
	}
	for k := range e.Snapshot {
		if k != "id" {
			return true
		}
	}
	return false
}

func (p *Pusher) apply(ctx context.Context, desc normalize.Descriptor, e outbox.Entry, nc normalize.Context) error {
	table, id := e.Table, e.RowID

	if e.Op == outbox.OpDelete {
		if desc.SoftDelete {
			now := nc.Now
			patch := domain.Row{"deleted_at": now, "updated_at": now}
			return retry.Do(ctx, p.opts.policy, "soft_delete:"+table, func(ctx context.Context) error {
				return p.remote.Update(ctx, table, id, patch)
			}).Err
		}
		return retry.Do(ctx, p.opts.policy, "delete:"+table, func(ctx context.Context) error {
			return p.remote.Delete(ctx, table, id)
		}).Err
	}

	snapshot := e.Snapshot.Clone()
	if snapshot.ID() == "" {
		snapshot["id"] = id
	}
	row, err := desc.ToRemote(snapshot, nc)
	if err != nil {
		return err
	}
	return retry.Do(ctx, p.opts.policy, "upsert:"+table, func(ctx context.Context) error {
		return p.remote.Upsert(ctx, table, row)
	}).Err
}
