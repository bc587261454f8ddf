package syncengine

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/finance-logbook/internal/connectivity"
	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/localstore"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/metrics"
	"github.com/dvloznov/finance-logbook/internal/remote"
	"github.com/dvloznov/finance-logbook/internal/retry"
)

// TableResult is the outcome of pulling one table.
type TableResult struct {
	Table     string
	Fetched   int
	Upserted  int
	Pruned    int
	Protected int
	// Invalid counts fetched rows dropped because they could not be normalized.
	Invalid int
	Err     error
}

// PullResult is the outcome of a pull across every synchronized table.
type PullResult struct {
	Tables []TableResult
	// Interrupted is set when the remote became unreachable mid-pull; the
	// watermark is left unchanged.
	Interrupted bool
	// Offline is set when pull did nothing because the remote was unreachable.
	Offline bool
	// Watermark is the new watermark, zero when it did not advance.
	Watermark time.Time
}

// Failed returns the tables whose pull failed.
func (r PullResult) Failed() []string {
	var out []string
	for _, t := range r.Tables {
		if t.Err != nil {
			out = append(out, t.Table)
		}
	}
	return out
}

// Upserted sums the rows written locally.
func (r PullResult) Upserted() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Upserted
	}
	return n
}

// Pruned sums the local rows removed.
func (r PullResult) Pruned() int {
	n := 0
	for _, t := range r.Tables {
		n += t.Pruned
	}
	return n
}

// Puller refreshes the local mirror from the remote store.
type Puller struct {
	local  LocalStore
	remote remote.Store
	online connectivity.Checker
	tables []string
	opts   options
}

// NewPuller returns a Puller over every synchronized table, in dependency order.
func NewPuller(local LocalStore, rs remote.Store, online connectivity.Checker, opts ...Option) *Puller {
	return &Puller{
		local:  local,
		remote: rs,
		online: online,
		tables: domain.SyncedTables,
		opts:   buildOptions(opts),
	}
}

// Pull fetches and applies every table. A failing table is recorded and the
// others still run. Offline, it returns immediately without touching the store.
func (p *Puller) Pull(ctx context.Context) (PullResult, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "pull")
	ctx = logger.WithContext(ctx, log)

	var res PullResult
	if !p.online.Online() {
		log.Warn().Msg("Offline, skipping pull")
		res.Offline = true
		return res, nil
	}

	started := p.opts.now()
	for _, table := range p.tables {
		if !p.online.Online() {
			log.Warn().Str("table", table).Msg("Went offline, interrupting pull")
			res.Interrupted = true
			break
		}
		tr := p.pullTable(ctx, table, started)
		if tr.Err != nil {
			metrics.PullFailures.WithLabelValues(table).Inc()
			log.Error().Err(tr.Err).Str("table", table).Msg("Pull of table failed")
		}
		res.Tables = append(res.Tables, tr)
	}

	if res.Interrupted {
		return res, nil
	}
	if err := p.local.SetWatermark(ctx, started); err != nil {
		return res, fmt.Errorf("Pull: %w", err)
	}
	res.Watermark = started

	log.Info().
		Int("upserted", res.Upserted()).
		Int("pruned", res.Pruned()).
		Strs("failed_tables", res.Failed()).
		Time("watermark", started).
		Msg("Pull finished")
	return res, nil
}

func (p *Puller) pullTable(ctx context.Context, table string, started time.Time) TableResult {
	tr := TableResult{Table: table}
	log := logger.FromContext(ctx).With().Str("table", table).Logger()

	desc, ok := p.opts.registry.Lookup(table)
	if !ok {
		tr.Err = fmt.Errorf("pull %s: %w", table, domain.ErrUnknownTable)
		return tr
	}

	// Incremental pulls start from the table's own last success, so a table
	// that failed in an earlier cycle refetches the window it missed.
	var since time.Time
	if p.opts.incremental {
		wm, ok, err := p.local.TableWatermark(ctx, table)
		if err != nil {
			tr.Err = fmt.Errorf("pull %s: %w", table, err)
			return tr
		}
		if ok {
			since = wm
		}
	}

	rows, r := retry.Value(ctx, p.opts.policy, "select:"+table, func(ctx context.Context) ([]domain.Row, error) {
		return p.remote.Select(ctx, table, remote.Query{UpdatedSince: since})
	})
	if r.Failed() {
		// A failed fetch never prunes; only a successful empty fetch clears the table.
		tr.Err = r.Err
		return tr
	}
	tr.Fetched = len(rows)

	locals := make([]domain.Row, 0, len(rows))
	for _, row := range rows {
		local, err := desc.ToLocal(row)
		if err != nil {
			log.Warn().Err(err).Msg("Dropping remote row that cannot be normalized")
			tr.Invalid++
			continue
		}
		locals = append(locals, local)
	}

	applied, err := p.local.ApplyRemote(ctx, table, locals, localstore.ApplyOptions{
		Prune: !p.opts.incremental,
	})
	if err != nil {
		tr.Err = fmt.Errorf("pull %s: %w", table, err)
		return tr
	}
	tr.Upserted, tr.Pruned, tr.Protected = applied.Upserted, applied.Pruned, applied.Protected

	metrics.PulledRows.WithLabelValues(table, "upserted").Add(float64(tr.Upserted))
	metrics.PulledRows.WithLabelValues(table, "pruned").Add(float64(tr.Pruned))
	metrics.PulledRows.WithLabelValues(table, "protected").Add(float64(tr.Protected))

	if err := p.local.SetTableWatermark(ctx, table, started); err != nil {
		log.Warn().Err(err).Msg("Failed to record table watermark")
	}
	if len(rows) == 0 && !p.opts.incremental {
		log.Info().Int("pruned", tr.Pruned).Msg("Remote table is empty, cleared local mirror")
	}
	return tr
}
