package normalize

import (
	"strings"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

// Remote encodings of the transaction type.
const (
	RemoteIncome  = "Ingreso"
	RemoteExpense = "Gasto"
	RemoteSettled = "Settled"
)

// Settled rows carry their direction as a leading marker in description.
// The kind column is authoritative when present; the marker keeps older
// clients and rows written before the column existed readable.
const (
	markerIncome  = "[Ingreso]"
	markerExpense = "[Gasto]"
)

var transactionColumns = []Column{
	{Name: "id", Kind: KindString},
	{Name: "user_id", Kind: KindString, Nullable: true},
	{Name: "client_id", Kind: KindString, Nullable: true},
	{Name: "amount", Kind: KindNumeric},
	{Name: "type", Kind: KindString},
	{Name: "kind", Kind: KindString, Nullable: true},
	{Name: "currency", Kind: KindString},
	{Name: "occurred_on", Kind: KindTimestamp},
	{Name: "vertical_id", Kind: KindString, Nullable: true},
	{Name: "category_id", Kind: KindString, Nullable: true},
	{Name: "contributor_id", Kind: KindString, Nullable: true},
	{Name: "retreat_id", Kind: KindString, Nullable: true},
	{Name: "description", Kind: KindString, Nullable: true},
	{Name: "settled", Kind: KindBool},
	{Name: "deleted_at", Kind: KindTimestamp, Nullable: true},
	{Name: "created_at", Kind: KindTimestamp},
	{Name: "updated_at", Kind: KindTimestamp},
}

var foreignKeys = []string{"vertical_id", "category_id", "contributor_id", "retreat_id"}

// Transactions returns the descriptor for the txns table.
func Transactions() Descriptor {
	return Descriptor{
		Table:         domain.TableTransactions,
		SoftDelete:    true,
		RemoteColumns: transactionColumns,
		toRemote:      transactionToRemote,
		toLocal:       transactionToLocal,
	}
}

// TransactionToRemote maps a typed transaction to the remote shape.
func TransactionToRemote(t domain.Transaction, nc Context) (domain.Row, error) {
	return Transactions().ToRemote(t.Row(), nc)
}

// TransactionToLocal maps a remote row to a typed transaction.
func TransactionToLocal(row domain.Row) (domain.Transaction, error) {
	local, err := Transactions().ToLocal(row)
	if err != nil {
		return domain.Transaction{}, err
	}
	return domain.TransactionFromRow(local), nil
}

func isRemoteTransaction(row domain.Row) bool {
	return row.Has("occurred_on") && !row.Has("date")
}

func transactionToRemote(row domain.Row, nc Context) domain.Row {
	if isRemoteTransaction(row) {
		return canonicalRemoteTransaction(row, nc)
	}

	now := nc.now()
	local := canonicalLocalTransaction(row)
	kind := domain.KindOf(domain.TxnType(local.String("type")), local.BoolOr("is_settlement", false))

	occurredOn := now
	if d, ok := local.Date("date"); ok {
		tm, _ := local.ClockTime("time")
		occurredOn = compose(d, tm)
	}

	description := local.String("description")
	remoteType := RemoteExpense
	switch {
	case kind.IsSettlement():
		remoteType = RemoteSettled
		description = withMarker(kind, description)
	case kind == domain.KindIncome:
		remoteType = RemoteIncome
	}

	updatedAt := remoteTimestampOr(local, "updated_at", now)
	var deletedAt any
	if local.BoolOr("deleted", false) {
		deletedAt = updatedAt
	}

	out := domain.Row{
		"id":          local.ID(),
		"user_id":     nullable(firstNonEmpty(nc.UserID, row.String("user_id"))),
		"client_id":   nullable(firstNonEmpty(nc.ClientID, row.String("client_id"))),
		"amount":      Amount(local, "amount"),
		"type":        remoteType,
		"kind":        string(kind),
		"currency":    local.String("currency"),
		"occurred_on": occurredOn,
		"description": description,
		"settled":     local.BoolOr("settled", false),
		"deleted_at":  deletedAt,
		"created_at":  remoteTimestampOr(local, "created_at", now),
		"updated_at":  updatedAt,
	}
	for _, fk := range foreignKeys {
		out[fk] = local[fk]
	}
	return out
}

func canonicalRemoteTransaction(row domain.Row, nc Context) domain.Row {
	now := nc.now()
	remoteType := oneOf(row.String("type"), []string{RemoteIncome, RemoteExpense, RemoteSettled}, RemoteExpense)
	kind := remoteKind(row, remoteType)

	out := domain.Row{
		"id":          row.ID(),
		"user_id":     nullable(firstNonEmpty(row.String("user_id"), nc.UserID)),
		"client_id":   nullable(firstNonEmpty(row.String("client_id"), nc.ClientID)),
		"amount":      Amount(row, "amount"),
		"type":        remoteType,
		"kind":        string(kind),
		"currency":    string(domain.ParseCurrency(row.String("currency"))),
		"occurred_on": remoteTimestampOr(row, "occurred_on", now),
		"description": row.String("description"),
		"settled":     row.BoolOr("settled", false),
		"deleted_at":  remoteTimestamp(row, "deleted_at"),
		"created_at":  remoteTimestampOr(row, "created_at", now),
		"updated_at":  remoteTimestampOr(row, "updated_at", now),
	}
	for _, fk := range foreignKeys {
		out[fk] = row.NullableString(fk)
	}
	return out
}

func transactionToLocal(row domain.Row) domain.Row {
	if !isRemoteTransaction(row) {
		return canonicalLocalTransaction(row)
	}

	remoteType := row.String("type")
	kind := remoteKind(row, remoteType)
	description := row.String("description")
	if remoteType == RemoteSettled {
		description = stripMarker(description)
	}

	out := domain.Row{
		"id":            row.ID(),
		"amount":        Amount(row, "amount").StringFixed(2),
		"type":          string(kind.Type()),
		"currency":      string(domain.ParseCurrency(row.String("currency"))),
		"date":          nil,
		"time":          nil,
		"description":   description,
		"is_settlement": kind.IsSettlement(),
		"settled":       row.BoolOr("settled", false),
		"deleted":       false,
		"created_at":    localTimestamp(row, "created_at"),
		"updated_at":    localTimestamp(row, "updated_at"),
	}
	if ts, ok := row.Time("occurred_on"); ok {
		out["date"] = civil.DateOf(ts).String()
		out["time"] = civil.TimeOf(ts).String()
	}
	if _, ok := row.Time("deleted_at"); ok {
		out["deleted"] = true
	}
	for _, fk := range foreignKeys {
		out[fk] = row.NullableString(fk)
	}
	return out
}

func canonicalLocalTransaction(row domain.Row) domain.Row {
	out := domain.Row{
		"id":            row.ID(),
		"amount":        Amount(row, "amount").StringFixed(2),
		"type":          string(domain.ParseTxnType(row.String("type"))),
		"currency":      string(domain.ParseCurrency(row.String("currency"))),
		"date":          nil,
		"time":          nil,
		"description":   row.String("description"),
		"is_settlement": row.BoolOr("is_settlement", false),
		"settled":       row.BoolOr("settled", false),
		"deleted":       row.BoolOr("deleted", false),
		"created_at":    localTimestamp(row, "created_at"),
		"updated_at":    localTimestamp(row, "updated_at"),
	}
	if d, ok := row.Date("date"); ok {
		out["date"] = d.String()
		tm, ok := row.ClockTime("time")
		if !ok {
			tm = civil.Time{}
		}
		out["time"] = tm.String()
	}
	for _, fk := range foreignKeys {
		out[fk] = row.NullableString(fk)
	}
	return out
}

// remoteKind resolves the explicit kind of a remote row: the kind column when
// it agrees with the type, otherwise the type plus description marker.
func remoteKind(row domain.Row, remoteType string) domain.TxnKind {
	if k, ok := domain.ParseTxnKind(row.String("kind")); ok && kindMatchesType(k, remoteType) {
		return k
	}
	switch remoteType {
	case RemoteIncome:
		return domain.KindIncome
	case RemoteSettled:
		if hasMarker(row.String("description"), markerIncome) {
			return domain.KindSettlementIn
		}
		return domain.KindSettlementOut
	default:
		return domain.KindExpense
	}
}

func kindMatchesType(k domain.TxnKind, remoteType string) bool {
	switch remoteType {
	case RemoteSettled:
		return k.IsSettlement()
	case RemoteIncome:
		return k == domain.KindIncome
	case RemoteExpense:
		return k == domain.KindExpense
	default:
		return false
	}
}

func withMarker(kind domain.TxnKind, description string) string {
	marker := markerExpense
	if kind == domain.KindSettlementIn {
		marker = markerIncome
	}
	if description == "" {
		return marker
	}
	return marker + " " + description
}

func hasMarker(description, marker string) bool {
	return len(description) >= len(marker) && strings.EqualFold(description[:len(marker)], marker)
}

func stripMarker(description string) string {
	for _, m := range []string{markerIncome, markerExpense} {
		if hasMarker(description, m) {
			return strings.TrimPrefix(description[len(m):], " ")
		}
	}
	return description
}

func compose(d civil.Date, t civil.Time) time.Time {
	return time.Date(d.Year, d.Month, d.Day, t.Hour, t.Minute, t.Second, t.Nanosecond, time.UTC)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
