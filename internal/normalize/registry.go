// Package normalize translates rows between the local mirror shape and the
// remote store shape. Every synchronized table has one Descriptor; callers
// look it up once and never switch on table names themselves.
package normalize

import (
	"fmt"
	"sort"
	"time"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

// Kind is the remote column type, used by remote adapters to encode parameters.
type Kind int

const (
	KindString Kind = iota
	KindNumeric
	KindTimestamp
	KindBool
	KindDate
)

// Column is one remote column.
type Column struct {
	Name     string
	Kind     Kind
	Nullable bool
}

// Context carries the values a normalizer cannot derive from the row itself.
type Context struct {
	UserID   string
	ClientID string
	Now      time.Time
}

func (c Context) now() time.Time {
	if c.Now.IsZero() {
		return time.Now().UTC()
	}
	return c.Now.UTC()
}

// Descriptor holds the transforms and column whitelist for one table.
type Descriptor struct {
	Table string

	// SoftDelete tables are deleted remotely by stamping deleted_at.
	SoftDelete bool

	// RemoteColumns is the allowed-column whitelist for the remote shape.
	RemoteColumns []Column

	toRemote func(domain.Row, Context) domain.Row
	toLocal  func(domain.Row) domain.Row
}

// ToRemote maps a local row to the remote shape. A row already in remote shape
// only gets the remote coercions applied, so repeated application is a no-op.
func (d Descriptor) ToRemote(row domain.Row, nc Context) (domain.Row, error) {
	if row.ID() == "" {
		return nil, fmt.Errorf("ToRemote %s: %w", d.Table, domain.ErrMissingID)
	}
	return d.whitelist(d.toRemote(row, nc)), nil
}

// ToLocal maps a remote row to the local shape; repeated application is a no-op.
func (d Descriptor) ToLocal(row domain.Row) (domain.Row, error) {
	if row.ID() == "" {
		return nil, fmt.Errorf("ToLocal %s: %w", d.Table, domain.ErrMissingID)
	}
	return d.toLocal(row), nil
}

// Column returns the remote column named name.
func (d Descriptor) Column(name string) (Column, bool) {
	for _, c := range d.RemoteColumns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// ColumnNames returns the remote column names in declaration order.
func (d Descriptor) ColumnNames() []string {
	names := make([]string, len(d.RemoteColumns))
	for i, c := range d.RemoteColumns {
		names[i] = c.Name
	}
	return names
}

func (d Descriptor) whitelist(row domain.Row) domain.Row {
	out := make(domain.Row, len(d.RemoteColumns))
	for _, c := range d.RemoteColumns {
		if v, ok := row[c.Name]; ok {
			out[c.Name] = v
		}
	}
	return out
}

// Registry maps table names to descriptors.
type Registry struct {
	tables map[string]Descriptor
}

// NewRegistry builds a registry from descriptors. Duplicate tables are rejected.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{tables: make(map[string]Descriptor, len(descs))}
	for _, d := range descs {
		if d.Table == "" || d.toRemote == nil || d.toLocal == nil {
			return nil, fmt.Errorf("NewRegistry: incomplete descriptor for %q", d.Table)
		}
		if _, dup := r.tables[d.Table]; dup {
			return nil, fmt.Errorf("NewRegistry: duplicate descriptor for %q", d.Table)
		}
		r.tables[d.Table] = d
	}
	return r, nil
}

// DefaultRegistry returns the registry covering every synchronized table.
func DefaultRegistry() *Registry {
	r, err := NewRegistry(
		Transactions(),
		Verticals(),
		Categories(),
		Contributors(),
		Retreats(),
		SettlementPayments(),
	)
	if err != nil {
		panic(err)
	}
	return r
}

// Lookup returns the descriptor for table.
func (r *Registry) Lookup(table string) (Descriptor, bool) {
	d, ok := r.tables[table]
	return d, ok
}

// Tables returns the registered table names, sorted.
func (r *Registry) Tables() []string {
	names := make([]string, 0, len(r.tables))
	for name := range r.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
