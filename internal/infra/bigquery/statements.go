package bigquery

import (
	"fmt"
	"sort"
	"strings"

	"cloud.google.com/go/bigquery"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/normalize"
	"github.com/dvloznov/finance-logbook/internal/remote"
)

// statement is a parameterized SQL statement.
type statement struct {
	SQL    string
	Params []bigquery.QueryParameter
}

// present returns the descriptor columns row carries, in declaration order.
func present(desc normalize.Descriptor, row domain.Row) []normalize.Column {
	var cols []normalize.Column
	for _, c := range desc.RemoteColumns {
		if _, ok := row[c.Name]; ok {
			cols = append(cols, c)
		}
	}
	return cols
}

func buildSelect(ref string, desc normalize.Descriptor, q remote.Query) (statement, error) {
	var (
		where  []string
		params []bigquery.QueryParameter
	)
	if !q.UpdatedSince.IsZero() {
		where = append(where, "updated_at > @since")
		params = append(params, bigquery.QueryParameter{Name: "since", Value: q.UpdatedSince.UTC()})
	}

	keys := make([]string, 0, len(q.Where))
	for k := range q.Where {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		col, ok := desc.Column(k)
		if !ok {
			return statement{}, fmt.Errorf("filter on %s.%s: column not allowed", desc.Table, k)
		}
		name := "w_" + col.Name
		where = append(where, fmt.Sprintf("%s = @%s", col.Name, name))
		params = append(params, bigquery.QueryParameter{Name: name, Value: param(col, domain.Row{col.Name: q.Where[k]})})
	}

	sql := fmt.Sprintf("SELECT %s FROM %s", strings.Join(desc.ColumnNames(), ", "), ref)
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY id"
	return statement{SQL: sql, Params: params}, nil
}

func buildMerge(ref string, desc normalize.Descriptor, row domain.Row) (statement, error) {
	if row.ID() == "" {
		return statement{}, fmt.Errorf("merge into %s: %w", desc.Table, domain.ErrMissingID)
	}
	cols := present(desc, row)

	var (
		source  = make([]string, len(cols))
		names   = make([]string, len(cols))
		values  = make([]string, len(cols))
		sets    []string
		params  = make([]bigquery.QueryParameter, len(cols))
		stamped bool
	)
	for i, c := range cols {
		source[i] = fmt.Sprintf("@p_%s AS %s", c.Name, c.Name)
		names[i] = c.Name
		values[i] = "S." + c.Name
		params[i] = bigquery.QueryParameter{Name: "p_" + c.Name, Value: param(c, row)}
		if c.Name != "id" {
			sets = append(sets, fmt.Sprintf("%s = S.%s", c.Name, c.Name))
		}
		if c.Name == "updated_at" {
			stamped = true
		}
	}

	matched := "WHEN MATCHED"
	if stamped {
		// Last write wins: an older incoming row never overwrites a newer one.
		matched += " AND (T.updated_at IS NULL OR T.updated_at <= S.updated_at)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE %s T\n", ref)
	fmt.Fprintf(&b, "USING (SELECT %s) S\n", strings.Join(source, ", "))
	b.WriteString("ON T.id = S.id\n")
	if len(sets) > 0 {
		fmt.Fprintf(&b, "%s THEN UPDATE SET %s\n", matched, strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)", strings.Join(names, ", "), strings.Join(values, ", "))
	return statement{SQL: b.String(), Params: params}, nil
}

func buildUpdate(ref string, desc normalize.Descriptor, id string, patch domain.Row) (statement, error) {
	if id == "" {
		return statement{}, fmt.Errorf("update %s: %w", desc.Table, domain.ErrMissingID)
	}
	var (
		sets   []string
		params []bigquery.QueryParameter
	)
	for _, c := range present(desc, patch) {
		if c.Name == "id" {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = @p_%s", c.Name, c.Name))
		params = append(params, bigquery.QueryParameter{Name: "p_" + c.Name, Value: param(c, patch)})
	}
	for k := range patch {
		if _, ok := desc.Column(k); !ok {
			return statement{}, fmt.Errorf("update %s.%s: column not allowed", desc.Table, k)
		}
	}
	if len(sets) == 0 {
		return statement{}, fmt.Errorf("update %s/%s: empty patch", desc.Table, id)
	}

	sql := fmt.Sprintf("UPDATE %s SET %s WHERE id = @id", ref, strings.Join(sets, ", "))
	if _, ok := patch["updated_at"]; ok {
		sql += " AND (updated_at IS NULL OR updated_at <= @p_updated_at)"
	}
	params = append(params, bigquery.QueryParameter{Name: "id", Value: id})
	return statement{SQL: sql, Params: params}, nil
}

func buildDelete(ref, id string) statement {
	return statement{
		SQL:    fmt.Sprintf("DELETE FROM %s WHERE id = @id", ref),
		Params: []bigquery.QueryParameter{{Name: "id", Value: id}},
	}
}
