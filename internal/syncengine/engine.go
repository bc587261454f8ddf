// Package syncengine reconciles the local store with the remote store:
// push drains the outbox, pull refreshes the local mirror, and the
// Coordinator runs the two as one serialized cycle on every trigger.
package syncengine

import (
	"context"
	"time"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/localstore"
	"github.com/dvloznov/finance-logbook/internal/normalize"
	"github.com/dvloznov/finance-logbook/internal/outbox"
	"github.com/dvloznov/finance-logbook/internal/retry"
)

// Outbox is the part of the mutation queue the engine consumes.
type Outbox interface {
	Drain(ctx context.Context) ([]outbox.Entry, error)
	Acknowledge(ctx context.Context, id string) error
	Depth(ctx context.Context) (int, error)
}

// LocalStore is the part of the local store the engine writes to.
type LocalStore interface {
	ApplyRemote(ctx context.Context, table string, rows []domain.Row, opts localstore.ApplyOptions) (localstore.ApplyResult, error)
	Watermark(ctx context.Context) (time.Time, bool, error)
	SetWatermark(ctx context.Context, t time.Time) error
	TableWatermark(ctx context.Context, table string) (time.Time, bool, error)
	SetTableWatermark(ctx context.Context, table string, t time.Time) error
	ClientID(ctx context.Context) (string, error)
}

// Option configures a Pusher or Puller.
type Option func(*options)

type options struct {
	registry    *normalize.Registry
	policy      retry.Policy
	now         func() time.Time
	incremental bool
}

func defaultOptions() options {
	return options{
		registry: normalize.DefaultRegistry(),
		policy:   retry.DefaultPolicy(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithRegistry replaces the table registry.
func WithRegistry(r *normalize.Registry) Option {
	return func(o *options) { o.registry = r }
}

// WithRetryPolicy sets the policy every remote call runs under.
func WithRetryPolicy(p retry.Policy) Option {
	return func(o *options) { o.policy = p }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithIncremental makes pull fetch only rows updated since the last watermark.
// Incremental pulls cannot see remote deletions, so they never prune.
func WithIncremental(on bool) Option {
	return func(o *options) { o.incremental = on }
}
