package bigquery

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/normalize"
	"github.com/dvloznov/finance-logbook/internal/remote"
)

const testRef = "`proj.logbook.txns`"

func paramNames(params []bigquery.QueryParameter) []string {
	names := make([]string, len(params))
	for i, p := range params {
		names[i] = p.Name
	}
	return names
}

func TestBuildSelect(t *testing.T) {
	since := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name       string
		query      remote.Query
		wantWhere  string
		wantParams []string
		wantErr    bool
	}{
		{
			name:       "all rows",
			query:      remote.Query{},
			wantWhere:  "",
			wantParams: []string{},
		},
		{
			name:       "incremental",
			query:      remote.Query{UpdatedSince: since},
			wantWhere:  " WHERE updated_at > @since",
			wantParams: []string{"since"},
		},
		{
			name:       "filtered",
			query:      remote.Query{UpdatedSince: since, Where: map[string]any{"settled": true, "category_id": "c1"}},
			wantWhere:  " WHERE updated_at > @since AND category_id = @w_category_id AND settled = @w_settled",
			wantParams: []string{"since", "w_category_id", "w_settled"},
		},
		{
			name:    "unknown column",
			query:   remote.Query{Where: map[string]any{"1=1; DROP TABLE txns; --": "x"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stmt, err := buildSelect(testRef, normalize.Transactions(), tt.query)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !strings.HasPrefix(stmt.SQL, "SELECT id, user_id, client_id, amount") {
				t.Errorf("SQL = %q", stmt.SQL)
			}
			want := "FROM " + testRef + tt.wantWhere + " ORDER BY id"
			if !strings.HasSuffix(stmt.SQL, want) {
				t.Errorf("SQL = %q, want suffix %q", stmt.SQL, want)
			}
			if got := paramNames(stmt.Params); strings.Join(got, ",") != strings.Join(tt.wantParams, ",") {
				t.Errorf("params = %v, want %v", got, tt.wantParams)
			}
		})
	}
}

func TestBuildMerge(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)
	row := domain.Row{
		"id":           "t1",
		"amount":       decimal.RequireFromString("12.50"),
		"type":         "Gasto",
		"occurred_on":  now,
		"settled":      false,
		"description":  nil,
		"updated_at":   now,
		"not_a_column": "ignored",
	}

	stmt, err := buildMerge(testRef, normalize.Transactions(), row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, want := range []string{
		"MERGE " + testRef + " T",
		"@p_id AS id",
		"ON T.id = S.id",
		"WHEN MATCHED AND (T.updated_at IS NULL OR T.updated_at <= S.updated_at) THEN UPDATE SET",
		"amount = S.amount",
		"WHEN NOT MATCHED THEN INSERT (id, amount, type, occurred_on, description, settled, updated_at)",
	} {
		if !strings.Contains(stmt.SQL, want) {
			t.Errorf("SQL missing %q:\n%s", want, stmt.SQL)
		}
	}
	if strings.Contains(stmt.SQL, "not_a_column") {
		t.Errorf("SQL names a column outside the whitelist:\n%s", stmt.SQL)
	}
	if strings.Contains(stmt.SQL, "id = S.id,") {
		t.Errorf("SQL updates the primary key:\n%s", stmt.SQL)
	}

	byName := map[string]interface{}{}
	for _, p := range stmt.Params {
		byName[p.Name] = p.Value
	}
	if rat, ok := byName["p_amount"].(*big.Rat); !ok || rat.FloatString(2) != "12.50" {
		t.Errorf("p_amount = %#v", byName["p_amount"])
	}
	if ns, ok := byName["p_description"].(bigquery.NullString); !ok || ns.Valid {
		t.Errorf("p_description = %#v, want null string", byName["p_description"])
	}
	if nt, ok := byName["p_occurred_on"].(bigquery.NullTimestamp); !ok || !nt.Valid || !nt.Timestamp.Equal(now) {
		t.Errorf("p_occurred_on = %#v", byName["p_occurred_on"])
	}

	if _, err := buildMerge(testRef, normalize.Transactions(), domain.Row{"amount": "1"}); !errors.Is(err, domain.ErrMissingID) {
		t.Errorf("missing id: err = %v", err)
	}
}

func TestBuildUpdate(t *testing.T) {
	now := time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

	stmt, err := buildUpdate(testRef, normalize.Transactions(), "t1", domain.Row{"deleted_at": now, "updated_at": now})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := "UPDATE " + testRef + " SET deleted_at = @p_deleted_at, updated_at = @p_updated_at WHERE id = @id AND (updated_at IS NULL OR updated_at <= @p_updated_at)"
	if stmt.SQL != want {
		t.Errorf("SQL =\n%s\nwant\n%s", stmt.SQL, want)
	}
	if got := strings.Join(paramNames(stmt.Params), ","); got != "p_deleted_at,p_updated_at,id" {
		t.Errorf("params = %s", got)
	}

	if _, err := buildUpdate(testRef, normalize.Transactions(), "t1", domain.Row{"bogus": 1}); err == nil {
		t.Error("expected error for column outside the whitelist")
	}
	if _, err := buildUpdate(testRef, normalize.Transactions(), "", domain.Row{"settled": true}); !errors.Is(err, domain.ErrMissingID) {
		t.Errorf("missing id: err = %v", err)
	}
}

func TestBuildDelete(t *testing.T) {
	stmt := buildDelete(testRef, "t1")
	if stmt.SQL != "DELETE FROM "+testRef+" WHERE id = @id" {
		t.Errorf("SQL = %q", stmt.SQL)
	}
	if len(stmt.Params) != 1 || stmt.Params[0].Value != "t1" {
		t.Errorf("params = %#v", stmt.Params)
	}
}

func TestParamNulls(t *testing.T) {
	tests := []struct {
		name string
		col  normalize.Column
		want interface{}
	}{
		{"string", normalize.Column{Name: "x", Kind: normalize.KindString}, bigquery.NullString{}},
		{"timestamp", normalize.Column{Name: "x", Kind: normalize.KindTimestamp}, bigquery.NullTimestamp{Timestamp: time.Time{}.UTC()}},
		{"date", normalize.Column{Name: "x", Kind: normalize.KindDate}, bigquery.NullDate{}},
		{"bool", normalize.Column{Name: "x", Kind: normalize.KindBool}, bigquery.NullBool{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := param(tt.col, domain.Row{"x": nil}); got != tt.want {
				t.Errorf("param = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestFromValues(t *testing.T) {
	day := civil.Date{Year: 2026, Month: 4, Day: 3}
	row := fromValues(map[string]bigquery.Value{
		"amount":  big.NewRat(2550, 100),
		"missing": (*big.Rat)(nil),
		"starts":  day,
		"settled": true,
		"id":      "t1",
	})

	d, ok := row["amount"].(decimal.Decimal)
	if !ok || !d.Equal(decimal.RequireFromString("25.5")) {
		t.Errorf("amount = %#v", row["amount"])
	}
	if row["missing"] != nil {
		t.Errorf("missing = %#v, want nil", row["missing"])
	}
	if row["starts"] != day {
		t.Errorf("starts = %#v", row["starts"])
	}
	if row.ID() != "t1" || row["settled"] != true {
		t.Errorf("row = %#v", row)
	}
}
