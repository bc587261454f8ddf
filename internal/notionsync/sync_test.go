package notionsync

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/jomei/notionapi"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/localstore"
	"github.com/dvloznov/finance-logbook/internal/retry"
)

// mockNotion is an in-memory Notion database that pages through results
// two at a time.
type mockNotion struct {
	mu        sync.Mutex
	pages     []notionapi.Page
	next      int
	failWrite error
	creates   int
}

func (m *mockNotion) add(props notionapi.Properties) string {
	m.next++
	id := "page-" + strconv.Itoa(m.next)
	m.pages = append(m.pages, notionapi.Page{ID: notionapi.ObjectID(id), Properties: props})
	return id
}

func (m *mockNotion) CreatePage(ctx context.Context, databaseID string, props notionapi.Properties) (*notionapi.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creates++
	if m.failWrite != nil {
		return nil, m.failWrite
	}
	id := m.add(props)
	return &notionapi.Page{ID: notionapi.ObjectID(id), Properties: props}, nil
}

func (m *mockNotion) UpdatePage(ctx context.Context, pageID string, props notionapi.Properties) (*notionapi.Page, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite != nil {
		return nil, m.failWrite
	}
	for i := range m.pages {
		if string(m.pages[i].ID) == pageID {
			for k, v := range props {
				m.pages[i].Properties[k] = v
			}
			p := m.pages[i]
			return &p, nil
		}
	}
	return nil, fmt.Errorf("page %s not found", pageID)
}

func (m *mockNotion) ArchivePage(ctx context.Context, pageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.pages {
		if string(m.pages[i].ID) == pageID {
			m.pages = append(m.pages[:i], m.pages[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("page %s not found", pageID)
}

func (m *mockNotion) QueryDatabase(ctx context.Context, databaseID string, req *notionapi.DatabaseQueryRequest) (*notionapi.DatabaseQueryResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	start := 0
	if req.StartCursor != "" {
		start, _ = strconv.Atoi(string(req.StartCursor))
	}
	end := start + 2
	if end > len(m.pages) {
		end = len(m.pages)
	}
	resp := &notionapi.DatabaseQueryResponse{Results: append([]notionapi.Page(nil), m.pages[start:end]...)}
	if end < len(m.pages) {
		resp.HasMore = true
		resp.NextCursor = notionapi.Cursor(strconv.Itoa(end))
	}
	return resp, nil
}

func (m *mockNotion) pageFor(txnID string) (notionapi.Page, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.pages {
		if pageTransactionID(p) == txnID {
			return p, true
		}
	}
	return notionapi.Page{}, false
}

func stalePage(txnID string) notionapi.Properties {
	props := notionapi.Properties{
		propDescription: notionapi.TitleProperty{Title: richText("old")},
		propUpdatedAt:   notionapi.DateProperty{Date: dateValue(time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC))},
	}
	if txnID != "" {
		props[propTransactionID] = notionapi.RichTextProperty{RichText: richText(txnID)}
	}
	return props
}

func testPolicy() retry.Policy {
	return retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func seedStore(t *testing.T) *localstore.Store {
	t.Helper()
	ctx := context.Background()
	store, err := localstore.Open(ctx, filepath.Join(t.TempDir(), "logbook.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })

	if _, err := store.Put(ctx, domain.TableVerticals, domain.Row{"id": "v1", "name": "Household"}); err != nil {
		t.Fatal(err)
	}
	vertical := "v1"
	txns := []domain.Transaction{
		{ID: "t1", Amount: decimal.RequireFromString("12.50"), Type: domain.TxnExpense, Currency: domain.CurrencyUSD,
			Date: civil.Date{Year: 2026, Month: 3, Day: 1}, Time: civil.Time{Hour: 9}, VerticalID: &vertical, Description: "Groceries"},
		{ID: "t2", Amount: decimal.RequireFromString("200"), Type: domain.TxnIncome, Currency: domain.CurrencyCOP,
			Date: civil.Date{Year: 2026, Month: 3, Day: 2}, Description: "Salary"},
		{ID: "t3", Amount: decimal.RequireFromString("5"), Type: domain.TxnExpense, Currency: domain.CurrencyEUR,
			Date: civil.Date{Year: 2026, Month: 3, Day: 3}, Description: "Coffee"},
	}
	for _, txn := range txns {
		if _, err := store.PutTransaction(ctx, txn); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Delete(ctx, domain.TableTransactions, "t3"); err != nil {
		t.Fatal(err)
	}
	return store
}

func TestMirror_Run(t *testing.T) {
	ctx := context.Background()
	store := seedStore(t)

	notion := &mockNotion{}
	notion.add(stalePage("t2"))
	notion.add(stalePage("gone"))
	notion.add(stalePage(""))
	notion.add(stalePage("t2"))
	notion.add(stalePage("t3"))

	mirror := NewMirror(store, notion, "db", testPolicy())
	res, err := mirror.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	want := Result{Created: 1, Updated: 1, Archived: 4}
	if res != want {
		t.Errorf("first run = %+v, want %+v", res, want)
	}

	page, ok := notion.pageFor("t1")
	if !ok {
		t.Fatal("no page for t1")
	}
	if v, ok := page.Properties[propVertical].(notionapi.SelectProperty); !ok || v.Select.Name != "Household" {
		t.Errorf("Vertical = %#v", page.Properties[propVertical])
	}
	if k, ok := page.Properties[propKind].(notionapi.SelectProperty); !ok || k.Select.Name != string(domain.KindExpense) {
		t.Errorf("Kind = %#v", page.Properties[propKind])
	}
	if a, ok := page.Properties[propAmount].(notionapi.NumberProperty); !ok || a.Number != 12.5 {
		t.Errorf("Amount = %#v", page.Properties[propAmount])
	}

	res, err = mirror.Run(ctx)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if want := (Result{Unchanged: 2}); res != want {
		t.Errorf("second run = %+v, want %+v", res, want)
	}
}

func TestMirror_DryRun(t *testing.T) {
	store := seedStore(t)
	notion := &mockNotion{}
	notion.add(stalePage("gone"))

	mirror := NewMirror(store, notion, "db", testPolicy())
	mirror.DryRun = true
	res, err := mirror.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if want := (Result{Created: 2, Archived: 1}); res != want {
		t.Errorf("dry run = %+v, want %+v", res, want)
	}
	if notion.creates != 0 || len(notion.pages) != 1 {
		t.Errorf("dry run touched Notion: creates=%d pages=%d", notion.creates, len(notion.pages))
	}
}

func TestMirror_WriteFailuresAreCounted(t *testing.T) {
	store := seedStore(t)
	notion := &mockNotion{failWrite: errors.New("rate limited")}

	res, err := NewMirror(store, notion, "db", testPolicy()).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Failed != 2 || res.Created != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestMirror_RequiresDatabase(t *testing.T) {
	if _, err := NewMirror(nil, &mockNotion{}, "", testPolicy()).Run(context.Background()); err == nil {
		t.Error("expected error without a database id")
	}
}

func TestTransactionProperties_Untitled(t *testing.T) {
	txn := domain.Transaction{ID: "s1", Type: domain.TxnIncome, IsSettlement: true, Currency: domain.CurrencyCOP}
	props := TransactionProperties(txn, Names{})

	title, ok := props[propDescription].(notionapi.TitleProperty)
	if !ok || plainText(title.Title) != string(domain.KindSettlementIn) {
		t.Errorf("title = %#v", props[propDescription])
	}
	if _, ok := props[propDate]; ok {
		t.Error("Date set for a transaction without a date")
	}
	if _, ok := props[propUpdatedAt]; ok {
		t.Error("Updated At set for an unsaved transaction")
	}
}
