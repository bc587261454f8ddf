package main

import (
	"os"
	"strings"
	"testing"
	"testing/fstest"
)

func TestParseFilename(t *testing.T) {
	tests := []struct {
		filename string
		valid    bool
		version  int
		name     string
	}{
		{"0001_create_logbook_tables.sql", true, 1, "create_logbook_tables"},
		{"0012_add_txn_kind.sql", true, 12, "add_txn_kind"},
		{"001_invalid.sql", false, 0, ""},
		{"0001_test", false, 0, ""},
		{"0001.sql", false, 0, ""},
		{"invalid_0001_test.sql", false, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, ok := parseFilename(tt.filename)
			if ok != tt.valid || version != tt.version || name != tt.name {
				t.Errorf("parseFilename = (%d, %q, %v), want (%d, %q, %v)", version, name, ok, tt.version, tt.name, tt.valid)
			}
		})
	}
}

func TestReadMigrations(t *testing.T) {
	fsys := fstest.MapFS{
		"0002_second.sql": {Data: []byte("ALTER TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.txns` ADD COLUMN x STRING;")},
		"0001_first.sql":  {Data: []byte("CREATE TABLE `{{PROJECT_ID}}.{{DATASET_ID}}.verticals` (id STRING);")},
		"README.md":       {Data: []byte("notes")},
	}

	a, err := readMigrations(fsys, Target{Project: "p1", Dataset: "logbook"})
	if err != nil {
		t.Fatalf("readMigrations: %v", err)
	}
	if len(a) != 2 || a[0].Version != 1 || a[1].Version != 2 {
		t.Fatalf("migrations = %+v", a)
	}
	if !strings.Contains(a[0].SQL, "`p1.logbook.verticals`") {
		t.Errorf("placeholders not substituted: %s", a[0].SQL)
	}

	b, err := readMigrations(fsys, Target{Project: "p2", Dataset: "other"})
	if err != nil {
		t.Fatal(err)
	}
	if a[0].Checksum != b[0].Checksum {
		t.Error("checksum depends on the target dataset")
	}
	if a[0].Checksum == a[1].Checksum {
		t.Error("different files share a checksum")
	}
}

func TestReadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"0001_a.sql": {Data: []byte("SELECT 1")},
		"0001_b.sql": {Data: []byte("SELECT 2")},
	}
	if _, err := readMigrations(fsys, Target{Project: "p", Dataset: "d"}); err == nil {
		t.Error("expected an error for a reused version")
	}
}

func TestPlan(t *testing.T) {
	migrations := []Migration{
		{Version: 1, Name: "one", Checksum: "c1"},
		{Version: 2, Name: "two", Checksum: "c2"},
		{Version: 3, Name: "three", Checksum: "c3"},
	}
	applied := []AppliedMigration{
		{Version: 1, Checksum: "c1"},
		{Version: 2, Checksum: "edited"},
	}

	pending, drifted := plan(migrations, applied)
	if len(pending) != 1 || pending[0].Version != 3 {
		t.Errorf("pending = %+v", pending)
	}
	if len(drifted) != 1 || drifted[0].Version != 2 {
		t.Errorf("drifted = %+v", drifted)
	}

	// Rows recorded without a checksum are trusted.
	_, drifted = plan(migrations, []AppliedMigration{{Version: 1}, {Version: 2}, {Version: 3}})
	if len(drifted) != 0 {
		t.Errorf("drifted without checksums = %+v", drifted)
	}
}

func TestRepositoryMigrations(t *testing.T) {
	dir, err := resolveDir("migrations/bigquery")
	if err != nil {
		t.Skip(err)
	}
	ms, err := readMigrations(os.DirFS(dir), Target{Project: "p", Dataset: "d"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ms) == 0 {
		t.Fatal("no migrations found")
	}
	for i, m := range ms {
		if m.Version != i+1 {
			t.Errorf("migration %s: version %d, want %d (no gaps)", m.Filename, m.Version, i+1)
		}
		if strings.Contains(m.SQL, "{{") {
			t.Errorf("migration %s has unsubstituted placeholders", m.Filename)
		}
	}
}
