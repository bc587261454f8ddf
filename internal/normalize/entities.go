package normalize

import (
	"github.com/dvloznov/finance-logbook/internal/domain"
)

// field describes one column of a table whose local and remote shapes share names.
type field struct {
	Column
	def     any      // value used when the row carries nothing usable
	allowed []string // closed set for enum-like strings
	stamp   bool     // filled with the current instant on the way to the remote store
}

var auditFields = []field{
	{Column: Column{Name: "created_at", Kind: KindTimestamp}, stamp: true},
	{Column: Column{Name: "updated_at", Kind: KindTimestamp}, stamp: true},
}

func withAudit(fields ...field) []field {
	out := append([]field{{Column: Column{Name: "id", Kind: KindString}}}, fields...)
	return append(out, auditFields...)
}

// Verticals returns the descriptor for the verticals table.
func Verticals() Descriptor {
	return entity(domain.TableVerticals, withAudit(
		field{Column: Column{Name: "name", Kind: KindString}, def: ""},
	))
}

// Categories returns the descriptor for the categories table.
func Categories() Descriptor {
	return entity(domain.TableCategories, withAudit(
		field{Column: Column{Name: "name", Kind: KindString}, def: ""},
		field{Column: Column{Name: "vertical_id", Kind: KindString, Nullable: true}},
		field{
			Column:  Column{Name: "type", Kind: KindString},
			def:     string(domain.TxnExpense),
			allowed: []string{string(domain.TxnIncome), string(domain.TxnExpense)},
		},
	))
}

// Contributors returns the descriptor for the contributors table.
func Contributors() Descriptor {
	return entity(domain.TableContributors, withAudit(
		field{Column: Column{Name: "name", Kind: KindString}, def: ""},
		field{Column: Column{Name: "email", Kind: KindString, Nullable: true}},
		field{Column: Column{Name: "phone", Kind: KindString, Nullable: true}},
		field{Column: Column{Name: "active", Kind: KindBool}, def: true},
	))
}

// Retreats returns the descriptor for the retreats table.
func Retreats() Descriptor {
	return entity(domain.TableRetreats, withAudit(
		field{Column: Column{Name: "name", Kind: KindString}, def: ""},
		field{Column: Column{Name: "location", Kind: KindString, Nullable: true}},
		field{Column: Column{Name: "starts_on", Kind: KindDate, Nullable: true}},
		field{Column: Column{Name: "ends_on", Kind: KindDate, Nullable: true}},
	))
}

// SettlementPayments returns the descriptor for the settlement_payments table.
func SettlementPayments() Descriptor {
	return entity(domain.TableSettlementPayments, withAudit(
		field{Column: Column{Name: "txn_id", Kind: KindString}, def: ""},
		field{Column: Column{Name: "amount", Kind: KindNumeric}},
		field{Column: Column{Name: "paid_at", Kind: KindTimestamp}, stamp: true},
		field{Column: Column{Name: "note", Kind: KindString, Nullable: true}},
	))
}

func entity(table string, fields []field) Descriptor {
	cols := make([]Column, len(fields))
	for i, f := range fields {
		cols[i] = f.Column
	}
	return Descriptor{
		Table:         table,
		RemoteColumns: cols,
		toRemote: func(row domain.Row, nc Context) domain.Row {
			out := make(domain.Row, len(fields))
			for _, f := range fields {
				out[f.Name] = f.remote(row, nc)
			}
			return out
		},
		toLocal: func(row domain.Row) domain.Row {
			out := make(domain.Row, len(fields))
			for _, f := range fields {
				out[f.Name] = f.local(row)
			}
			return out
		},
	}
}

func (f field) local(row domain.Row) any {
	switch f.Kind {
	case KindNumeric:
		return Amount(row, f.Name).StringFixed(2)
	case KindTimestamp:
		return localTimestamp(row, f.Name)
	case KindDate:
		return localDate(row, f.Name)
	case KindBool:
		def, _ := f.def.(bool)
		return row.BoolOr(f.Name, def)
	default:
		return f.text(row)
	}
}

func (f field) remote(row domain.Row, nc Context) any {
	switch f.Kind {
	case KindNumeric:
		return Amount(row, f.Name)
	case KindTimestamp:
		if f.stamp {
			return remoteTimestampOr(row, f.Name, nc.now())
		}
		return remoteTimestamp(row, f.Name)
	case KindDate:
		return remoteDate(row, f.Name)
	case KindBool:
		def, _ := f.def.(bool)
		return row.BoolOr(f.Name, def)
	default:
		return f.text(row)
	}
}

func (f field) text(row domain.Row) any {
	if f.Nullable {
		return row.NullableString(f.Name)
	}
	def, _ := f.def.(string)
	s := row.String(f.Name)
	if f.allowed != nil {
		return oneOf(s, f.allowed, def)
	}
	if s == "" {
		return def
	}
	return s
}
