package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"cloud.google.com/go/civil"

	"github.com/dvloznov/finance-logbook/internal/domain"
	"github.com/dvloznov/finance-logbook/internal/jobs/inmemory"
)

func TestParseWhen(t *testing.T) {
	now := time.Date(2026, 4, 5, 14, 30, 15, 999, time.Local)

	tests := []struct {
		name      string
		date      string
		clock     string
		wantDate  civil.Date
		wantClock civil.Time
		wantErr   bool
	}{
		{"defaults to now", "", "", civil.Date{Year: 2026, Month: 4, Day: 5}, civil.Time{Hour: 14, Minute: 30, Second: 15}, false},
		{"explicit date", "2025-12-31", "", civil.Date{Year: 2025, Month: 12, Day: 31}, civil.Time{Hour: 14, Minute: 30, Second: 15}, false},
		{"short time", "", "09:05", civil.Date{Year: 2026, Month: 4, Day: 5}, civil.Time{Hour: 9, Minute: 5}, false},
		{"full time", "2026-01-02", "23:59:58", civil.Date{Year: 2026, Month: 1, Day: 2}, civil.Time{Hour: 23, Minute: 59, Second: 58}, false},
		{"bad date", "02/01/2026", "", civil.Date{}, civil.Time{}, true},
		{"bad time", "", "25:00", civil.Date{}, civil.Time{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, c, err := parseWhen(tt.date, tt.clock, now)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if d != tt.wantDate || c != tt.wantClock {
				t.Errorf("got %s %s, want %s %s", d, c, tt.wantDate, tt.wantClock)
			}
		})
	}
}

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("logbook %s: %v\n%s", strings.Join(args, " "), err, out.String())
	}
	return out.String()
}

func TestCommands_LocalWriteThenSync(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	cfgFile := filepath.Join(dir, "config.toml")
	content := "[store]\npath = " + quote(filepath.Join(dir, "logbook.db")) + "\n" +
		"[remote]\nbackend = \"memory\"\n" +
		"[sync]\ntrigger_file = " + quote(filepath.Join(dir, "sync.trigger")) + "\n" +
		"[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	id := strings.TrimSpace(execute(t, "--config", cfgFile, "txn", "add",
		"--amount", "1.234,50", "--kind", "income", "--currency", "usd",
		"--date", "2026-03-01", "--time", "08:15", "-d", "Consulting"))
	if id == "" {
		t.Fatal("txn add printed no id")
	}
	if _, err := os.Stat(filepath.Join(dir, "sync.trigger")); err != nil {
		t.Errorf("trigger file not touched: %v", err)
	}

	list := execute(t, "--config", cfgFile, "txn", "list")
	for _, want := range []string{id, "2026-03-01 08:15:00", "income", "1234.50", "USD", "Consulting"} {
		if !strings.Contains(list, want) {
			t.Errorf("txn list missing %q:\n%s", want, list)
		}
	}

	status := execute(t, "--config", cfgFile, "status")
	if !strings.Contains(status, "Outbox:    1 pending") {
		t.Errorf("status before sync:\n%s", status)
	}

	report := execute(t, "--config", cfgFile, "sync")
	if !strings.Contains(report, "push: 1 applied") {
		t.Errorf("sync report:\n%s", report)
	}

	status = execute(t, "--config", cfgFile, "status")
	if !strings.Contains(status, "Outbox:    0 pending") {
		t.Errorf("status after sync:\n%s", status)
	}
}

func TestStartSyncing_StartupCycleSeesConnectivity(t *testing.T) {
	dir := t.TempDir()
	cfgFile := filepath.Join(dir, "config.toml")
	content := "[store]\npath = " + quote(filepath.Join(dir, "logbook.db")) + "\n" +
		"[remote]\nbackend = \"memory\"\n" +
		"[log]\nlevel = \"error\"\n"
	if err := os.WriteFile(cfgFile, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	prev := configPath
	configPath = cfgFile
	t.Cleanup(func() { configPath = prev })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a, ctx, err := openApp(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if _, err := a.store.Put(ctx, domain.TableVerticals, domain.Row{"id": "v1", "name": "Household"}); err != nil {
		t.Fatal(err)
	}

	monitor := a.Monitor()
	coordinator, err := a.Coordinator(ctx, monitor, inmemory.NewStore(inmemory.DefaultCapacity))
	if err != nil {
		t.Fatal(err)
	}
	startSyncing(ctx, monitor, coordinator)

	deadline := time.Now().Add(5 * time.Second)
	for {
		if report, ok := coordinator.Last(); ok {
			if report.Push.Offline || report.Push.Applied != 1 {
				t.Errorf("startup push = %+v, want 1 applied online", report.Push)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("startup cycle did not run")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	coordinator.Wait()
}

func quote(s string) string {
	return `'` + s + `'`
}
