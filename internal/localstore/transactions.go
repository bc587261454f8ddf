package localstore

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

// PutTransaction stores t and returns it as stored, with id and audit fields filled in.
func (s *Store) PutTransaction(ctx context.Context, t domain.Transaction) (domain.Transaction, error) {
	if t.Amount.IsNegative() {
		t.Amount = t.Amount.Abs()
	}
	row, err := s.Put(ctx, domain.TableTransactions, t.Row())
	if err != nil {
		return domain.Transaction{}, err
	}
	return domain.TransactionFromRow(row), nil
}

// Transaction returns one transaction by id, deleted or not.
func (s *Store) Transaction(ctx context.Context, id string) (domain.Transaction, error) {
	row, err := s.Get(ctx, domain.TableTransactions, id)
	if err != nil {
		return domain.Transaction{}, err
	}
	return domain.TransactionFromRow(row), nil
}

// TxnFilter narrows Transactions. Zero fields match everything.
type TxnFilter struct {
	From           civil.Date
	To             civil.Date
	Type           domain.TxnType
	SettlementOnly bool
	IncludeDeleted bool
}

func (f TxnFilter) match(t domain.Transaction) bool {
	switch {
	case t.Deleted && !f.IncludeDeleted:
		return false
	case f.Type != "" && t.Type != f.Type:
		return false
	case f.SettlementOnly && !t.IsSettlement:
		return false
	case f.From.IsValid() && t.Date.Before(f.From):
		return false
	case f.To.IsValid() && t.Date.After(f.To):
		return false
	}
	return true
}

// Transactions lists transactions ordered by date and time.
func (s *Store) Transactions(ctx context.Context, f TxnFilter) ([]domain.Transaction, error) {
	rows, err := s.Query(ctx, domain.TableTransactions, nil)
	if err != nil {
		return nil, fmt.Errorf("Transactions: %w", err)
	}
	var out []domain.Transaction
	for _, r := range rows {
		t := domain.TransactionFromRow(r)
		if f.match(t) {
			out = append(out, t)
		}
	}
	return out, nil
}
