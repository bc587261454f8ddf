// Package memory is an in-process remote.Store. Conflicts resolve last write
// wins on updated_at. Failures can be injected per operation.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/remote"
)

// ErrInjected is returned by operations armed with FailNext.
var ErrInjected = errors.New("memory: injected failure")

// Call records one operation against the store.
type Call struct {
	Op    string
	Table string
	ID    string
}

// Store holds tables of remote-shaped rows keyed by id.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string]domain.Row
	user   string
	fail   map[string][]error
	calls  []Call
	hook   func(Call)
}

// New returns an empty store that reports user as the authenticated principal.
// An empty user makes CurrentUser fail with domain.ErrUnauthenticated.
func New(user string) *Store {
	return &Store{
		tables: make(map[string]map[string]domain.Row),
		user:   user,
		fail:   make(map[string][]error),
	}
}

var _ remote.Store = (*Store)(nil)

// Seed writes rows directly, bypassing last-write-wins.
func (s *Store) Seed(table string, rows ...domain.Row) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	for _, r := range rows {
		t[r.ID()] = r.Clone()
	}
}

// Rows returns a copy of table ordered by id.
func (s *Store) Rows(table string) []domain.Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(s.tables[table], nil)
}

// Row returns a copy of one row.
func (s *Store) Row(table, id string) (domain.Row, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.tables[table][id]
	if !ok {
		return nil, false
	}
	return r.Clone(), true
}

// FailNext makes the next n calls of op ("select", "upsert", "update", "delete",
// "current_user") return err. A nil err means ErrInjected. Keys of the form
// "op:table" limit the failure to one table.
func (s *Store) FailNext(key string, n int, err error) {
	if err == nil {
		err = ErrInjected
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.fail[key] = append(s.fail[key], err)
	}
}

// OnCall registers fn to run, outside the lock, before every operation.
func (s *Store) OnCall(fn func(Call)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = fn
}

// Calls returns the operations seen so far.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// SetUser changes the authenticated principal.
func (s *Store) SetUser(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = user
}

func (s *Store) begin(ctx context.Context, c Call) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}

	s.mu.Lock()
	s.calls = append(s.calls, c)
	s.mu.Unlock()

	for _, key := range []string{c.Op + ":" + c.Table, c.Op} {
		if err := s.popFailure(key); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) popFailure(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.fail[key]
	if len(queue) == 0 {
		return nil
	}
	s.fail[key] = queue[1:]
	return queue[0]
}

func (s *Store) table(name string) map[string]domain.Row {
	t, ok := s.tables[name]
	if !ok {
		t = make(map[string]domain.Row)
		s.tables[name] = t
	}
	return t
}

func (s *Store) sorted(t map[string]domain.Row, keep func(domain.Row) bool) []domain.Row {
	ids := make([]string, 0, len(t))
	for id := range t {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]domain.Row, 0, len(ids))
	for _, id := range ids {
		if keep == nil || keep(t[id]) {
			out = append(out, t[id].Clone())
		}
	}
	return out
}

func (s *Store) Select(ctx context.Context, table string, q remote.Query) ([]domain.Row, error) {
	if err := s.begin(ctx, Call{Op: "select", Table: table}); err != nil {
		return nil, fmt.Errorf("select %s: %w", table, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sorted(s.tables[table], func(r domain.Row) bool {
		if !q.UpdatedSince.IsZero() {
			ts, ok := r.Time("updated_at")
			if !ok || !ts.After(q.UpdatedSince) {
				return false
			}
		}
		for col, want := range q.Where {
			if r.String(col) != (domain.Row{col: want}).String(col) {
				return false
			}
		}
		return true
	}), nil
}

// Upsert inserts row or replaces the stored one unless the stored row has a
// later updated_at.
func (s *Store) Upsert(ctx context.Context, table string, row domain.Row) error {
	id := row.ID()
	if err := s.begin(ctx, Call{Op: "upsert", Table: table, ID: id}); err != nil {
		return fmt.Errorf("upsert %s/%s: %w", table, id, err)
	}
	if id == "" {
		return fmt.Errorf("upsert %s: %w", table, domain.ErrMissingID)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t := s.table(table)
	if existing, ok := t[id]; ok && newer(existing, row) {
		return nil
	}
	t[id] = row.Clone()
	return nil
}

func (s *Store) Update(ctx context.Context, table, id string, patch domain.Row) error {
	if err := s.begin(ctx, Call{Op: "update", Table: table, ID: id}); err != nil {
		return fmt.Errorf("update %s/%s: %w", table, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.tables[table][id]
	if !ok {
		// Updating a missing row affects nothing, as in SQL.
		return nil
	}
	if newer(existing, patch) {
		return nil
	}
	for k, v := range patch.Clone() {
		existing[k] = v
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, table, id string) error {
	if err := s.begin(ctx, Call{Op: "delete", Table: table, ID: id}); err != nil {
		return fmt.Errorf("delete %s/%s: %w", table, id, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tables[table], id)
	return nil
}

func (s *Store) CurrentUser(ctx context.Context) (string, error) {
	if err := s.begin(ctx, Call{Op: "current_user"}); err != nil {
		return "", fmt.Errorf("current user: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if strings.TrimSpace(s.user) == "" {
		return "", domain.ErrUnauthenticated
	}
	return s.user, nil
}

// newer reports whether stored was written after incoming.
func newer(stored, incoming domain.Row) bool {
	a, okA := stored.Time("updated_at")
	b, okB := incoming.Time("updated_at")
	return okA && okB && a.After(b)
}
