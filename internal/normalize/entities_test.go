package normalize

import (
	"reflect"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/shopspring/decimal"

	"github.com/dvloznov/finance-logbook/internal/domain"
)

func TestEntityDefaults(t *testing.T) {
	tests := []struct {
		name  string
		desc  Descriptor
		row   domain.Row
		key   string
		local any
	}{
		{"contributor active defaults to true", Contributors(), domain.Row{"id": "c1", "name": "Ana"}, "active", true},
		{"contributor blank email becomes null", Contributors(), domain.Row{"id": "c1", "email": " "}, "email", nil},
		{"retreat missing dates stay null", Retreats(), domain.Row{"id": "r1"}, "starts_on", nil},
		{"retreat date is kept", Retreats(), domain.Row{"id": "r1", "ends_on": "2026-07-04"}, "ends_on", "2026-07-04"},
		{"category unknown type falls back", Categories(), domain.Row{"id": "k1", "type": "transfer"}, "type", "expense"},
		{"category empty vertical becomes null", Categories(), domain.Row{"id": "k1", "vertical_id": ""}, "vertical_id", nil},
		{"payment amount is rounded", SettlementPayments(), domain.Row{"id": "p1", "amount": "10.005"}, "amount", "10.01"},
		{"vertical missing name is empty", Verticals(), domain.Row{"id": "v1"}, "name", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.desc.ToLocal(tt.row)
			if err != nil {
				t.Fatalf("ToLocal() error = %v", err)
			}
			if got[tt.key] != tt.local {
				t.Errorf("%s = %#v, want %#v", tt.key, got[tt.key], tt.local)
			}
		})
	}
}

func TestEntityRemoteShape(t *testing.T) {
	row := domain.Row{
		"id":        "r1",
		"name":      "Spring retreat",
		"starts_on": "2026-04-01",
		"ends_on":   nil,
		"ignored":   "not a column",
	}
	got, err := Retreats().ToRemote(row, testContext())
	if err != nil {
		t.Fatalf("ToRemote() error = %v", err)
	}
	if _, ok := got["ignored"]; ok {
		t.Error("column outside the whitelist was transmitted")
	}
	if got["starts_on"] != (civil.Date{Year: 2026, Month: time.April, Day: 1}) {
		t.Errorf("starts_on = %#v", got["starts_on"])
	}
	if got["created_at"] != fixedNow || got["updated_at"] != fixedNow {
		t.Errorf("audit stamps = %v/%v, want %v", got["created_at"], got["updated_at"], fixedNow)
	}

	again, err := Retreats().ToRemote(got, testContext())
	if err != nil {
		t.Fatalf("ToRemote(remote) error = %v", err)
	}
	if !reflect.DeepEqual(got, again) {
		t.Errorf("ToRemote not idempotent:\n first: %v\nsecond: %v", got, again)
	}
}

func TestSettlementPaymentRoundTrip(t *testing.T) {
	local := domain.Row{
		"id":         "p1",
		"txn_id":     "txn-1",
		"amount":     "60.00",
		"paid_at":    "2026-03-01T10:00:00Z",
		"note":       nil,
		"created_at": "2026-03-01T10:00:00Z",
		"updated_at": "2026-03-01T10:00:00Z",
	}
	desc := SettlementPayments()
	remote, err := desc.ToRemote(local, testContext())
	if err != nil {
		t.Fatalf("ToRemote() error = %v", err)
	}
	if !remote["amount"].(decimal.Decimal).Equal(decimal.NewFromInt(60)) {
		t.Errorf("amount = %v", remote["amount"])
	}
	back, err := desc.ToLocal(remote)
	if err != nil {
		t.Fatalf("ToLocal() error = %v", err)
	}
	if !reflect.DeepEqual(back, local) {
		t.Errorf("round trip mismatch\n want: %v\n  got: %v", local, back)
	}
}

func TestDefaultRegistryCoversSyncedTables(t *testing.T) {
	reg := DefaultRegistry()
	for _, table := range domain.SyncedTables {
		if _, ok := reg.Lookup(table); !ok {
			t.Errorf("no descriptor for %s", table)
		}
	}
	if _, ok := reg.Lookup("eggs"); ok {
		t.Error("Lookup(eggs) = ok, want miss")
	}
	d, _ := reg.Lookup(domain.TableTransactions)
	if !d.SoftDelete {
		t.Error("txns should soft delete")
	}
}

func TestNewRegistryRejectsDuplicates(t *testing.T) {
	if _, err := NewRegistry(Verticals(), Verticals()); err == nil {
		t.Error("NewRegistry() error = nil, want duplicate error")
	}
}
