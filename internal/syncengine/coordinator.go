package syncengine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/jobs"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/metrics"
)

// Reason names what started a sync cycle.
type Reason string

const (
	ReasonManual     Reason = "manual"
	ReasonStartup    Reason = "startup"
	ReasonOnline     Reason = "online"
	ReasonForeground Reason = "foreground"
	ReasonMutation   Reason = "mutation"
	ReasonPeriodic   Reason = "periodic"
	ReasonExternal   Reason = "external"
)

// Report summarizes one full sync cycle.
type Report struct {
	RunID    string
	Reason   Reason
	Started  time.Time
	Finished time.Time
	Push     PushResult
	PushErr  error
	Pull     PullResult
	PullErr  error
}

// Status classifies the cycle for the run history.
func (r Report) Status() jobs.RunStatus {
	switch {
	case r.Push.Offline || r.Pull.Offline || r.Pull.Interrupted:
		return jobs.RunStatusOffline
	case r.PushErr != nil && r.PullErr != nil:
		return jobs.RunStatusFailed
	case r.PushErr != nil || r.PullErr != nil || len(r.Pull.Failed()) > 0:
		return jobs.RunStatusPartial
	default:
		return jobs.RunStatusSucceeded
	}
}

// Coordinator serializes sync cycles. A cycle requested while one runs is
// coalesced into a single rerun after it.
type Coordinator struct {
	pusher *Pusher
	puller *Puller
	queue  Outbox
	runs   jobs.RunStore

	mu            sync.Mutex
	running       bool
	pending       bool
	pendingReason Reason
	last          *Report

	lease    Lease
	leaseTTL time.Duration
	holder   string

	trigger   chan Reason
	installed sync.Once
	wg        sync.WaitGroup
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLease makes every cycle hold l, so processes sharing the local store
// never sync at the same time.
func WithLease(l Lease, ttl time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.lease = l
		c.leaseTTL = ttl
	}
}

// NewCoordinator returns a Coordinator. runs may be nil.
func NewCoordinator(pusher *Pusher, puller *Puller, queue Outbox, runs jobs.RunStore, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		pusher:  pusher,
		puller:  puller,
		queue:   queue,
		runs:    runs,
		trigger: make(chan Reason, 1),
		holder:  NewLeaseHolder(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// FullSync runs push then pull. Pull runs even when push fails. If another
// cycle is in progress it returns domain.ErrSyncInProgress and the running
// cycle runs once more when it finishes. With a lease held by another process
// it returns an error wrapping domain.ErrSyncInProgress without syncing.
func (c *Coordinator) FullSync(ctx context.Context, reason Reason) (Report, error) {
	c.mu.Lock()
	if c.running {
		c.pending = true
		c.pendingReason = reason
		c.mu.Unlock()
		log := logger.FromContext(ctx)
		log.Debug().Str("reason", string(reason)).Msg("Sync in progress, coalescing")
		return Report{}, domain.ErrSyncInProgress
	}
	c.running = true
	c.mu.Unlock()

	for {
		var report Report
		err := c.withLease(ctx, func(ctx context.Context) error {
			report = c.runCoalesced(ctx, reason)
			return nil
		})

		// The lease is released before running is cleared, so a request
		// that arrived in between is picked up here.
		c.mu.Lock()
		if err != nil || !c.pending || ctx.Err() != nil {
			c.pending = false
			c.running = false
			c.mu.Unlock()
			if err != nil {
				log := logger.FromContext(ctx)
				log.Debug().Err(err).Str("reason", string(reason)).Msg("Sync lease unavailable")
				return Report{}, err
			}
			return report, nil
		}
		c.pending = false
		reason = c.pendingReason
		c.mu.Unlock()
	}
}

func (c *Coordinator) withLease(ctx context.Context, fn func(ctx context.Context) error) error {
	if c.lease == nil {
		return fn(ctx)
	}
	return HoldLease(ctx, c.lease, c.holder, c.leaseTTL, fn)
}

// runCoalesced runs cycles until no request is pending.
func (c *Coordinator) runCoalesced(ctx context.Context, reason Reason) Report {
	report := c.cycle(ctx, reason)
	for {
		c.mu.Lock()
		if !c.pending || ctx.Err() != nil {
			c.last = &report
			c.mu.Unlock()
			return report
		}
		c.pending = false
		next := c.pendingReason
		c.last = &report
		c.mu.Unlock()

		log := logger.FromContext(ctx)
		log.Debug().Str("reason", string(next)).Msg("Running coalesced sync")
		report = c.cycle(ctx, next)
	}
}

// Running reports whether a cycle is in progress.
func (c *Coordinator) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Last returns the most recent finished cycle.
func (c *Coordinator) Last() (Report, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		return Report{}, false
	}
	return *c.last, true
}

func (c *Coordinator) cycle(ctx context.Context, reason Reason) Report {
	report := Report{RunID: uuid.NewString(), Reason: reason, Started: time.Now().UTC()}
	log := logger.FromContext(ctx).With().Str("run_id", report.RunID).Str("reason", string(reason)).Logger()
	ctx = logger.WithContext(ctx, log)

	c.saveRun(ctx, report, nil)
	log.Info().Msg("Sync started")

	report.Push, report.PushErr = c.pusher.Push(ctx)
	report.Pull, report.PullErr = c.puller.Pull(ctx)
	report.Finished = time.Now().UTC()

	status := report.Status()
	metrics.SyncCycles.WithLabelValues(string(reason), string(status)).Inc()
	metrics.SyncDuration.Observe(report.Finished.Sub(report.Started).Seconds())
	if depth, err := c.queue.Depth(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(depth))
	}

	finished := report.Finished
	c.saveRun(ctx, report, &finished)

	ev := log.Info()
	if status == jobs.RunStatusFailed || status == jobs.RunStatusPartial {
		ev = log.Warn()
	}
	ev.Str("status", string(status)).
		Int("pushed", report.Push.Applied).
		Int("pulled", report.Pull.Upserted()).
		Dur("took", report.Finished.Sub(report.Started)).
		Msg("Sync finished")
	return report
}

func (c *Coordinator) saveRun(ctx context.Context, r Report, finished *time.Time) {
	if c.runs == nil {
		return
	}
	run := &jobs.SyncRun{
		RunID:        r.RunID,
		Reason:       string(r.Reason),
		Status:       jobs.RunStatusRunning,
		StartedAt:    r.Started,
		FinishedAt:   finished,
		Pushed:       r.Push.Applied,
		Skipped:      r.Push.Skipped,
		Remaining:    r.Push.Remaining,
		Pulled:       r.Pull.Upserted(),
		Pruned:       r.Pull.Pruned(),
		FailedTables: r.Pull.Failed(),
	}
	if finished != nil {
		run.Status = r.Status()
	}
	if r.PushErr != nil {
		run.Error = r.PushErr.Error()
	} else if r.PullErr != nil {
		run.Error = r.PullErr.Error()
	}
	if err := c.runs.SaveRun(ctx, run); err != nil {
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Msg("Failed to record sync run")
	}
}

// Trigger requests a cycle from the loop started by Install. It never blocks;
// a request made while another is waiting is merged into it.
func (c *Coordinator) Trigger(reason Reason) {
	select {
	case c.trigger <- reason:
	default:
	}
}

// MutationHook returns a callback for localstore.Store.OnMutation that
// requests a sync after every user write.
func (c *Coordinator) MutationHook() func(table string) {
	return func(string) { c.Trigger(ReasonMutation) }
}

// TriggerSource feeds sync requests into the coordinator until ctx is done.
type TriggerSource interface {
	Name() string
	Run(ctx context.Context, fire func(Reason)) error
}

// Install starts the sync loop and every source. It returns immediately;
// call Wait after cancelling ctx to let them finish.
func (c *Coordinator) Install(ctx context.Context, sources ...TriggerSource) {
	log := logger.FromContext(ctx)

	c.installed.Do(func() {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.loop(ctx)
		}()
	})

	for _, src := range sources {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			log.Info().Str("source", src.Name()).Msg("Sync trigger installed")
			if err := src.Run(ctx, c.Trigger); err != nil && ctx.Err() == nil {
				log.Error().Err(err).Str("source", src.Name()).Msg("Sync trigger stopped")
			}
		}()
	}
}

// Wait blocks until the loop and every source have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

func (c *Coordinator) loop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case reason := <-c.trigger:
			// Errors are recorded in the report; ErrSyncInProgress means a
			// manual cycle is running and will rerun for us.
			_, _ = c.FullSync(ctx, reason)
		}
	}
}
