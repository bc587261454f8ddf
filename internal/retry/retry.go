// Package retry wraps remote calls in bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/metrics"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts counts the first call. Values below 1 mean 1.
	MaxAttempts int
	// BaseDelay is the wait after the first failure; it doubles per attempt.
	BaseDelay time.Duration
	// MaxDelay caps a single wait.
	MaxDelay time.Duration
	// Jitter randomizes each wait by +/- this fraction.
	Jitter float64
}

// DefaultPolicy returns the policy used for every remote call.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
		Jitter:      0.2,
	}
}

// Result describes how an operation ended.
type Result struct {
	Op       string
	Attempts int
	Err      error
}

// Failed reports whether the operation gave up.
func (r Result) Failed() bool { return r.Err != nil }

// Permanent marks err as not worth retrying. Do stops at once and returns err unwrapped.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.BaseDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = 2
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// Do runs fn until it succeeds, returns a permanent error, the context ends,
// or the policy runs out of attempts. Every failure is logged.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) Result {
	log := logger.FromContext(ctx).With().Str("op", op).Logger()
	res := Result{Op: op}

	attempt := func() error {
		res.Attempts++
		err := fn(ctx)
		if err == nil {
			metrics.RetryAttempts.WithLabelValues(op, "ok").Inc()
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		metrics.RetryAttempts.WithLabelValues(op, "retry").Inc()
		log.Warn().Err(err).Int("attempt", res.Attempts).Dur("wait", wait).Msg("Remote call failed, retrying")
	}

	err := backoff.RetryNotify(attempt, p.backOff(ctx), notify)
	if err == nil {
		return res
	}

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		err = perm.Err
	}
	res.Err = fmt.Errorf("%s: %w", op, err)
	metrics.RetryAttempts.WithLabelValues(op, "failed").Inc()
	log.Error().Err(err).Int("attempts", res.Attempts).Msg("Remote call gave up")
	return res
}

// Value runs fn like Do and returns its value on success.
func Value[T any](ctx context.Context, p Policy, op string, fn func(ctx context.Context) (T, error)) (T, Result) {
	var out T
	res := Do(ctx, p, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, res
}
