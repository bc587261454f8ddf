// Package notionsync mirrors the local transaction log into a Notion
// database. The mirror is one-way: pages are created, updated, and archived
// to follow the local store, and edits made in Notion are overwritten.
package notionsync

import (
	"context"
	"fmt"
	"time"

	"github.com/jomei/notionapi"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/localstore"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/metrics"
	"github.com/dvloznov/finance-logbook/internal/retry"
)

// pageSize is the Notion maximum for database queries.
const pageSize = 100

// Source is the local data the mirror reads.
type Source interface {
	Transactions(ctx context.Context, f localstore.TxnFilter) ([]domain.Transaction, error)
	Query(ctx context.Context, table string, pred func(domain.Row) bool) ([]domain.Row, error)
}

// Result counts what a mirror run did (or would do, in a dry run).
type Result struct {
	Created   int
	Updated   int
	Unchanged int
	Archived  int
	Failed    int
}

// Mirror copies non-deleted local transactions into one Notion database.
type Mirror struct {
	source     Source
	notion     NotionService
	databaseID string
	policy     retry.Policy
	DryRun     bool
}

// NewMirror returns a Mirror writing to databaseID.
func NewMirror(source Source, notion NotionService, databaseID string, policy retry.Policy) *Mirror {
	return &Mirror{source: source, notion: notion, databaseID: databaseID, policy: policy}
}

// Run brings the Notion database in line with the local store. Failures on
// single pages are counted and logged; listing failures abort the run.
func (m *Mirror) Run(ctx context.Context) (Result, error) {
	log := logger.WithComponent(logger.FromContext(ctx), "notion-mirror")
	var res Result

	if m.databaseID == "" {
		return res, fmt.Errorf("Run: no Notion database configured")
	}

	txns, err := m.source.Transactions(ctx, localstore.TxnFilter{})
	if err != nil {
		return res, fmt.Errorf("Run: %w", err)
	}
	names, err := m.names(ctx)
	if err != nil {
		return res, fmt.Errorf("Run: %w", err)
	}
	pages, err := m.queryAll(ctx)
	if err != nil {
		return res, fmt.Errorf("Run: %w", err)
	}

	log.Info().
		Int("transactions", len(txns)).
		Int("pages", len(pages)).
		Bool("dry_run", m.DryRun).
		Msg("Starting Notion mirror")

	wanted := make(map[string]domain.Transaction, len(txns))
	for _, t := range txns {
		wanted[t.ID] = t
	}

	// First page per transaction id wins; the rest are duplicates.
	existing := make(map[string]notionapi.Page, len(pages))
	for _, page := range pages {
		id := pageTransactionID(page)
		_, live := wanted[id]
		_, seen := existing[id]
		if id != "" && live && !seen {
			existing[id] = page
			continue
		}
		m.archive(ctx, page, id, &res)
	}

	for _, t := range txns {
		page, ok := existing[t.ID]
		switch {
		case !ok:
			m.create(ctx, t, names, &res)
		case upToDate(page, t):
			res.Unchanged++
		default:
			m.update(ctx, page, t, names, &res)
		}
	}

	log.Info().
		Int("created", res.Created).
		Int("updated", res.Updated).
		Int("unchanged", res.Unchanged).
		Int("archived", res.Archived).
		Int("failed", res.Failed).
		Msg("Notion mirror completed")
	return res, nil
}

func upToDate(page notionapi.Page, t domain.Transaction) bool {
	ts, ok := pageUpdatedAt(page)
	if !ok || t.UpdatedAt.IsZero() {
		return false
	}
	// Notion keeps millisecond precision.
	return ts.Truncate(time.Millisecond).Equal(t.UpdatedAt.Truncate(time.Millisecond))
}

func (m *Mirror) create(ctx context.Context, t domain.Transaction, names Names, res *Result) {
	log := logger.FromContext(ctx)
	if m.DryRun {
		log.Info().Str("transaction_id", t.ID).Msg("[DRY RUN] Would create Notion page")
		res.Created++
		return
	}
	props := TransactionProperties(t, names)
	page, r := retry.Value(ctx, m.policy, "notion:create", func(ctx context.Context) (*notionapi.Page, error) {
		return m.notion.CreatePage(ctx, m.databaseID, props)
	})
	if r.Failed() {
		log.Warn().Err(r.Err).Str("transaction_id", t.ID).Msg("Failed to create Notion page")
		metrics.MirroredPages.WithLabelValues("failed").Inc()
		res.Failed++
		return
	}
	log.Debug().Str("transaction_id", t.ID).Str("page_id", string(page.ID)).Msg("Created Notion page")
	metrics.MirroredPages.WithLabelValues("created").Inc()
	res.Created++
}

func (m *Mirror) update(ctx context.Context, page notionapi.Page, t domain.Transaction, names Names, res *Result) {
	log := logger.FromContext(ctx)
	if m.DryRun {
		log.Info().Str("transaction_id", t.ID).Str("page_id", string(page.ID)).Msg("[DRY RUN] Would update Notion page")
		res.Updated++
		return
	}
	props := TransactionProperties(t, names)
	r := retry.Do(ctx, m.policy, "notion:update", func(ctx context.Context) error {
		_, err := m.notion.UpdatePage(ctx, string(page.ID), props)
		return err
	})
	if r.Failed() {
		log.Warn().Err(r.Err).Str("transaction_id", t.ID).Str("page_id", string(page.ID)).Msg("Failed to update Notion page")
		metrics.MirroredPages.WithLabelValues("failed").Inc()
		res.Failed++
		return
	}
	metrics.MirroredPages.WithLabelValues("updated").Inc()
	res.Updated++
}

func (m *Mirror) archive(ctx context.Context, page notionapi.Page, txnID string, res *Result) {
	log := logger.FromContext(ctx)
	if m.DryRun {
		log.Info().Str("transaction_id", txnID).Str("page_id", string(page.ID)).Msg("[DRY RUN] Would archive stale Notion page")
		res.Archived++
		return
	}
	r := retry.Do(ctx, m.policy, "notion:archive", func(ctx context.Context) error {
		return m.notion.ArchivePage(ctx, string(page.ID))
	})
	if r.Failed() {
		log.Warn().Err(r.Err).Str("transaction_id", txnID).Str("page_id", string(page.ID)).Msg("Failed to archive stale Notion page")
		metrics.MirroredPages.WithLabelValues("failed").Inc()
		res.Failed++
		return
	}
	metrics.MirroredPages.WithLabelValues("archived").Inc()
	res.Archived++
}

func (m *Mirror) queryAll(ctx context.Context) ([]notionapi.Page, error) {
	var pages []notionapi.Page
	var cursor notionapi.Cursor
	for {
		req := &notionapi.DatabaseQueryRequest{PageSize: pageSize}
		if cursor != "" {
			req.StartCursor = cursor
		}
		resp, r := retry.Value(ctx, m.policy, "notion:query", func(ctx context.Context) (*notionapi.DatabaseQueryResponse, error) {
			return m.notion.QueryDatabase(ctx, m.databaseID, req)
		})
		if r.Failed() {
			return nil, r.Err
		}
		pages = append(pages, resp.Results...)
		if !resp.HasMore {
			return pages, nil
		}
		cursor = resp.NextCursor
	}
}

func (m *Mirror) names(ctx context.Context) (Names, error) {
	verticals, err := m.nameMap(ctx, domain.TableVerticals)
	if err != nil {
		return Names{}, err
	}
	categories, err := m.nameMap(ctx, domain.TableCategories)
	if err != nil {
		return Names{}, err
	}
	return Names{Verticals: verticals, Categories: categories}, nil
}

func (m *Mirror) nameMap(ctx context.Context, table string) (map[string]string, error) {
	rows, err := m.source.Query(ctx, table, nil)
	if err != nil {
		return nil, fmt.Errorf("loading %s: %w", table, err)
	}
	out := make(map[string]string, len(rows))
	for _, r := range rows {
		out[r.ID()] = r.String("name")
	}
	return out, nil
}
