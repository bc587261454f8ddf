// Package settlement records payments against transactions and keeps each
// transaction's settled flag in line with the total paid.
package settlement

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/logger"
	"github.com/dvloznov/finance-logbook/internal/metrics"
	"github.com/dvloznov/finance-logbook/internal/normalize"
	"github.com/dvloznov/finance-logbook/internal/remote"
	"github.com/dvloznov/finance-logbook/internal/retry"
)

// Payment is one recorded settlement payment.
type Payment struct {
	ID     string          `json:"id"`
	TxnID  string          `json:"txn_id"`
	Amount decimal.Decimal `json:"amount"`
	PaidAt time.Time       `json:"paid_at"`
	Note   string          `json:"note,omitempty"`
}

// Totals summarizes a transaction's settlement.
type Totals struct {
	Original  decimal.Decimal `json:"original"`
	Paid      decimal.Decimal `json:"paid"`
	Remaining decimal.Decimal `json:"remaining"`
}

// Receipt is returned by every write.
type Receipt struct {
	Payment Payment `json:"payment"`
	Totals  Totals  `json:"totals"`
	Settled bool    `json:"settled"`
}

// Service writes settlement payments to the remote store.
type Service struct {
	remote remote.Store
	policy retry.Policy
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithRetryPolicy sets the policy for remote calls.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Service) { s.policy = p }
}

// NewService returns a Service over rs.
func NewService(rs remote.Store, opts ...Option) *Service {
	s := &Service{
		remote: rs,
		policy: retry.DefaultPolicy(),
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// lock serializes writes per transaction within this process.
func (s *Service) lock(txnID string) func() {
	s.mu.Lock()
	l, ok := s.locks[txnID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[txnID] = l
	}
	s.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Record adds a payment of amount to the transaction and recomputes its totals.
func (s *Service) Record(ctx context.Context, txnID string, amount decimal.Decimal, note string) (Receipt, error) {
	return s.RecordPayment(ctx, Payment{TxnID: txnID, Amount: amount, Note: note})
}

// RecordPayment stores p and recomputes its transaction's totals. An empty
// p.ID gets a fresh one. Recording the same ID again rewrites that payment
// instead of adding another, so a client that saw an error can retry.
func (s *Service) RecordPayment(ctx context.Context, p Payment) (Receipt, error) {
	if p.TxnID == "" {
		return Receipt{}, fmt.Errorf("Record: txn_id: %w", domain.ErrMissingID)
	}
	if !p.Amount.IsPositive() {
		return Receipt{}, fmt.Errorf("Record: amount %s: %w", p.Amount, domain.ErrInvalidAmount)
	}
	defer s.lock(p.TxnID)()

	txn, err := s.transaction(ctx, p.TxnID)
	if err != nil {
		return Receipt{}, fmt.Errorf("Record: %w", err)
	}

	now := s.now()
	paidAt := domain.FormatTimestamp(now)
	if p.ID == "" {
		p.ID = uuid.NewString()
	} else {
		prev, ok, err := s.payment(ctx, p.ID)
		if err != nil {
			return Receipt{}, fmt.Errorf("Record: %w", err)
		}
		if ok {
			if prev.String("txn_id") != p.TxnID {
				return Receipt{}, fmt.Errorf("Record: payment %s belongs to another transaction: %w", p.ID, domain.ErrConflict)
			}
			if t, ok := prev.Time("paid_at"); ok {
				paidAt = domain.FormatTimestamp(t)
			}
		}
	}

	local := domain.Row{
		"id":      p.ID,
		"txn_id":  p.TxnID,
		"amount":  p.Amount.Round(2).StringFixed(2),
		"paid_at": paidAt,
		"note":    p.Note,
	}
	row, err := normalize.SettlementPayments().ToRemote(local, normalize.Context{Now: now})
	if err != nil {
		return Receipt{}, fmt.Errorf("Record: %w", err)
	}
	if r := retry.Do(ctx, s.policy, "upsert:"+domain.TableSettlementPayments, func(ctx context.Context) error {
		return s.remote.Upsert(ctx, domain.TableSettlementPayments, row)
	}); r.Failed() {
		return Receipt{}, fmt.Errorf("Record: inserting payment: %w", r.Err)
	}

	totals, settled, err := s.recompute(ctx, txn)
	if err != nil {
		return Receipt{}, fmt.Errorf("Record: payment %s stored, retry with the same payment_id: %w", p.ID, err)
	}
	metrics.Settlements.WithLabelValues(strconv.FormatBool(settled)).Inc()

	payment := paymentFromRow(row)
	log := logger.FromContext(ctx)
	log.Info().
		Str("txn_id", p.TxnID).
		Str("payment_id", payment.ID).
		Str("paid", totals.Paid.StringFixed(2)).
		Bool("settled", settled).
		Msg("Recorded settlement payment")
	return Receipt{Payment: payment, Totals: totals, Settled: settled}, nil
}

func (s *Service) payment(ctx context.Context, id string) (domain.Row, bool, error) {
	rows, r := retry.Value(ctx, s.policy, "select:"+domain.TableSettlementPayments, func(ctx context.Context) ([]domain.Row, error) {
		return s.remote.Select(ctx, domain.TableSettlementPayments, remote.Query{Where: map[string]any{"id": id}})
	})
	if r.Failed() {
		return nil, false, r.Err
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	return rows[0], true, nil
}

// Remove deletes a payment and recomputes its transaction, un-settling it
// when the remaining payments no longer cover the original amount.
func (s *Service) Remove(ctx context.Context, paymentID string) (Receipt, error) {
	row, ok, err := s.payment(ctx, paymentID)
	if err != nil {
		return Receipt{}, fmt.Errorf("Remove: %w", err)
	}
	if !ok {
		return Receipt{}, fmt.Errorf("Remove: payment %s: %w", paymentID, domain.ErrNotFound)
	}
	payment := paymentFromRow(row)
	defer s.lock(payment.TxnID)()

	if r := retry.Do(ctx, s.policy, "delete:"+domain.TableSettlementPayments, func(ctx context.Context) error {
		return s.remote.Delete(ctx, domain.TableSettlementPayments, paymentID)
	}); r.Failed() {
		return Receipt{}, fmt.Errorf("Remove: %w", r.Err)
	}

	txn, err := s.transaction(ctx, payment.TxnID)
	if err != nil {
		return Receipt{}, fmt.Errorf("Remove: %w", err)
	}
	totals, settled, err := s.recompute(ctx, txn)
	if err != nil {
		return Receipt{}, fmt.Errorf("Remove: %w", err)
	}
	return Receipt{Payment: payment, Totals: totals, Settled: settled}, nil
}

// Totals returns the current totals of a transaction without changing anything.
func (s *Service) Totals(ctx context.Context, txnID string) (Totals, bool, error) {
	txn, err := s.transaction(ctx, txnID)
	if err != nil {
		return Totals{}, false, fmt.Errorf("Totals: %w", err)
	}
	paid, err := s.paid(ctx, txnID)
	if err != nil {
		return Totals{}, false, fmt.Errorf("Totals: %w", err)
	}
	totals := summarize(normalize.Amount(txn, "amount"), paid)
	return totals, txn.BoolOr("settled", false), nil
}

// transaction loads a live remote transaction.
func (s *Service) transaction(ctx context.Context, txnID string) (domain.Row, error) {
	rows, r := retry.Value(ctx, s.policy, "select:"+domain.TableTransactions, func(ctx context.Context) ([]domain.Row, error) {
		return s.remote.Select(ctx, domain.TableTransactions, remote.Query{Where: map[string]any{"id": txnID}})
	})
	if r.Failed() {
		return nil, r.Err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("transaction %s: %w", txnID, domain.ErrNotFound)
	}
	if _, deleted := rows[0].Time("deleted_at"); deleted {
		return nil, fmt.Errorf("transaction %s is deleted: %w", txnID, domain.ErrNotFound)
	}
	return rows[0], nil
}

func (s *Service) paid(ctx context.Context, txnID string) (decimal.Decimal, error) {
	rows, r := retry.Value(ctx, s.policy, "select:"+domain.TableSettlementPayments, func(ctx context.Context) ([]domain.Row, error) {
		return s.remote.Select(ctx, domain.TableSettlementPayments, remote.Query{Where: map[string]any{"txn_id": txnID}})
	})
	if r.Failed() {
		return decimal.Zero, r.Err
	}
	paid := decimal.Zero
	for _, row := range rows {
		paid = paid.Add(normalize.Amount(row, "amount"))
	}
	return paid, nil
}

// recompute sums every payment of txn and flips its settled flag to match.
func (s *Service) recompute(ctx context.Context, txn domain.Row) (Totals, bool, error) {
	paid, err := s.paid(ctx, txn.ID())
	if err != nil {
		return Totals{}, false, err
	}
	totals := summarize(normalize.Amount(txn, "amount"), paid)
	settled := paid.GreaterThanOrEqual(totals.Original)

	if settled != txn.BoolOr("settled", false) {
		patch := domain.Row{"settled": settled, "updated_at": s.now()}
		if r := retry.Do(ctx, s.policy, "update:"+domain.TableTransactions, func(ctx context.Context) error {
			return s.remote.Update(ctx, domain.TableTransactions, txn.ID(), patch)
		}); r.Failed() {
			return Totals{}, false, fmt.Errorf("updating settled flag: %w", r.Err)
		}
	}
	return totals, settled, nil
}

func summarize(original, paid decimal.Decimal) Totals {
	remaining := original.Sub(paid)
	if remaining.IsNegative() {
		remaining = decimal.Zero
	}
	return Totals{Original: original, Paid: paid, Remaining: remaining}
}

func paymentFromRow(row domain.Row) Payment {
	p := Payment{
		ID:     row.ID(),
		TxnID:  row.String("txn_id"),
		Amount: normalize.Amount(row, "amount"),
		Note:   row.String("note"),
	}
	if t, ok := row.Time("paid_at"); ok {
		p.PaidAt = t
	}
	return p
}
