package domain

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"
)

// TxnType is the local two-state direction of a transaction.
type TxnType string

const (
	TxnIncome  TxnType = "income"
	TxnExpense TxnType = "expense"
)

// ParseTxnType maps s onto a TxnType, defaulting to expense.
func ParseTxnType(s string) TxnType {
	if TxnType(s) == TxnIncome {
		return TxnIncome
	}
	return TxnExpense
}

// Currency is an ISO code accepted by the logbook.
type Currency string

const (
	CurrencyCOP Currency = "COP"
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
)

// DefaultCurrency is used for rows that carry no recognised currency.
const DefaultCurrency = CurrencyCOP

// ParseCurrency maps s onto a supported Currency, falling back to DefaultCurrency.
func ParseCurrency(s string) Currency {
	switch c := Currency(s); c {
	case CurrencyCOP, CurrencyUSD, CurrencyEUR:
		return c
	default:
		return DefaultCurrency
	}
}

// TxnKind combines direction and settlement-ness into one explicit value.
type TxnKind string

const (
	KindIncome        TxnKind = "income"
	KindExpense       TxnKind = "expense"
	KindSettlementIn  TxnKind = "settlement_in"
	KindSettlementOut TxnKind = "settlement_out"
)

// KindOf derives the kind from the local flag pair.
func KindOf(t TxnType, isSettlement bool) TxnKind {
	switch {
	case isSettlement && t == TxnIncome:
		return KindSettlementIn
	case isSettlement:
		return KindSettlementOut
	case t == TxnIncome:
		return KindIncome
	default:
		return KindExpense
	}
}

// ParseTxnKind returns the kind named by s and whether it was recognised.
func ParseTxnKind(s string) (TxnKind, bool) {
	switch k := TxnKind(s); k {
	case KindIncome, KindExpense, KindSettlementIn, KindSettlementOut:
		return k, true
	default:
		return "", false
	}
}

// IsSettlement reports whether k is one of the settlement kinds.
func (k TxnKind) IsSettlement() bool {
	return k == KindSettlementIn || k == KindSettlementOut
}

// Type returns the local direction for k.
func (k TxnKind) Type() TxnType {
	if k == KindIncome || k == KindSettlementIn {
		return TxnIncome
	}
	return TxnExpense
}

// Transaction is the local shape of a logbook transaction.
type Transaction struct {
	ID            string
	Amount        decimal.Decimal
	Type          TxnType
	Currency      Currency
	Date          civil.Date
	Time          civil.Time
	VerticalID    *string
	CategoryID    *string
	ContributorID *string
	RetreatID     *string
	Description   string
	IsSettlement  bool
	Settled       bool
	Deleted       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Kind returns the explicit kind of the transaction.
func (t Transaction) Kind() TxnKind {
	return KindOf(t.Type, t.IsSettlement)
}

// Row renders t in the canonical local row encoding.
func (t Transaction) Row() Row {
	r := Row{
		"id":             t.ID,
		"amount":         t.Amount.Abs().StringFixed(2),
		"type":           string(ParseTxnType(string(t.Type))),
		"currency":       string(ParseCurrency(string(t.Currency))),
		"date":           nil,
		"time":           nil,
		"vertical_id":    ref(t.VerticalID),
		"category_id":    ref(t.CategoryID),
		"contributor_id": ref(t.ContributorID),
		"retreat_id":     ref(t.RetreatID),
		"description":    t.Description,
		"is_settlement":  t.IsSettlement,
		"settled":        t.Settled,
		"deleted":        t.Deleted,
		"created_at":     nil,
		"updated_at":     nil,
	}
	if t.Date.IsValid() {
		r["date"] = t.Date.String()
		r["time"] = t.Time.String()
	}
	if !t.CreatedAt.IsZero() {
		r["created_at"] = FormatTimestamp(t.CreatedAt)
	}
	if !t.UpdatedAt.IsZero() {
		r["updated_at"] = FormatTimestamp(t.UpdatedAt)
	}
	return r
}

// TransactionFromRow reads a local transaction row. Unparseable fields are left zero.
func TransactionFromRow(r Row) Transaction {
	t := Transaction{
		ID:            r.ID(),
		Type:          ParseTxnType(r.String("type")),
		Currency:      ParseCurrency(r.String("currency")),
		VerticalID:    optional(r, "vertical_id"),
		CategoryID:    optional(r, "category_id"),
		ContributorID: optional(r, "contributor_id"),
		RetreatID:     optional(r, "retreat_id"),
		Description:   r.String("description"),
		IsSettlement:  r.BoolOr("is_settlement", false),
		Settled:       r.BoolOr("settled", false),
		Deleted:       r.BoolOr("deleted", false),
	}
	if amt, ok := r.Decimal("amount"); ok {
		t.Amount = amt.Abs()
	}
	if d, ok := r.Date("date"); ok {
		t.Date = d
	}
	if tm, ok := r.ClockTime("time"); ok {
		t.Time = tm
	}
	if ts, ok := r.Time("created_at"); ok {
		t.CreatedAt = ts
	}
	if ts, ok := r.Time("updated_at"); ok {
		t.UpdatedAt = ts
	}
	return t
}

func ref(s *string) any {
	if s == nil || *s == "" {
		return nil
	}
	return *s
}

func optional(r Row, key string) *string {
	v, ok := r.NullableString(key).(string)
	if !ok {
		return nil
	}
	return &v
}
