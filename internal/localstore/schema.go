package localstore

import (
	"strings"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

type colKind int

const (
	colText colKind = iota
	colBool
)

// column describes a local column. def is used when a write omits the column.
type column struct {
	name string
	kind colKind
	def  any
}

func text(name string) column           { return column{name: name, kind: colText} }
func textOr(name, def string) column    { return column{name: name, kind: colText, def: def} }
func flag(name string, def bool) column { return column{name: name, kind: colBool, def: def} }

// tables is the current local schema, i.e. the shape after every migration ran.
var tables = map[string][]column{
	domain.TableTransactions: {
		text("id"),
		textOr("amount", "0.00"),
		textOr("type", string(domain.TxnExpense)),
		textOr("currency", string(domain.DefaultCurrency)),
		text("date"),
		text("time"),
		text("vertical_id"),
		text("category_id"),
		text("contributor_id"),
		text("retreat_id"),
		text("description"),
		flag("is_settlement", false),
		flag("settled", false),
		flag("deleted", false),
		text("created_at"),
		text("updated_at"),
	},
	domain.TableVerticals: {
		text("id"), text("name"), text("created_at"), text("updated_at"),
	},
	domain.TableCategories: {
		text("id"), text("name"), text("vertical_id"), textOr("type", string(domain.TxnExpense)),
		text("created_at"), text("updated_at"),
	},
	domain.TableContributors: {
		text("id"), text("name"), text("email"), text("phone"), flag("active", true),
		text("created_at"), text("updated_at"),
	},
	domain.TableRetreats: {
		text("id"), text("name"), text("location"), text("starts_on"), text("ends_on"),
		text("created_at"), text("updated_at"),
	},
	domain.TableSettlementPayments: {
		text("id"), text("txn_id"), textOr("amount", "0.00"), text("paid_at"), text("note"),
		text("created_at"), text("updated_at"),
	},
}

// orderBy gives each table a stable read order.
var orderBy = map[string]string{
	domain.TableTransactions:       "date, time, id",
	domain.TableSettlementPayments: "paid_at, id",
}

func columnsFor(table string) ([]column, bool) {
	cols, ok := tables[table]
	return cols, ok
}

func columnNames(cols []column) string {
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.name
	}
	return strings.Join(names, ", ")
}

// softDeletes reports whether the table keeps deleted rows behind a flag.
func softDeletes(cols []column) bool {
	for _, c := range cols {
		if c.name == "deleted" {
			return true
		}
	}
	return false
}

// canonical coerces row onto cols: booleans become bool, text becomes string or nil.
// Columns missing from row take their default.
func canonical(cols []column, row domain.Row) domain.Row {
	out := make(domain.Row, len(cols))
	for _, c := range cols {
		v, present := row[c.name]
		switch c.kind {
		case colBool:
			def, _ := c.def.(bool)
			out[c.name] = row.BoolOr(c.name, def)
		default:
			switch {
			case !present || (v == nil && c.def != nil):
				out[c.name] = c.def
			case v == nil:
				out[c.name] = nil
			default:
				out[c.name] = row.String(c.name)
			}
		}
	}
	return out
}

// scanValues turns raw driver values back into a canonical row.
func scanValues(cols []column, vals []any) domain.Row {
	out := make(domain.Row, len(cols))
	for i, c := range cols {
		switch c.kind {
		case colBool:
			def, _ := c.def.(bool)
			switch v := vals[i].(type) {
			case int64:
				out[c.name] = v != 0
			case bool:
				out[c.name] = v
			default:
				out[c.name] = def
			}
		default:
			switch v := vals[i].(type) {
			case nil:
				out[c.name] = nil
			case []byte:
				out[c.name] = string(v)
			case string:
				out[c.name] = v
			default:
				out[c.name] = domain.Row{"v": v}.String("v")
			}
		}
	}
	return out
}

// NotDeleted is a Query predicate that hides soft-deleted rows.
func NotDeleted(r domain.Row) bool {
	return !r.BoolOr("deleted", false)
}
