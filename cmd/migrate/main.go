// Command migrate applies the versioned BigQuery DDL in migrations/bigquery
// to the remote logbook dataset and records each one in schema_migrations.
package main

import (
	"context"
	"crypto/sha256"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/rs/zerolog"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/dvloznov/finance-logbook/internal/config"
	"github.com/dvloznov/finance-logbook/internal/logger"
)

// Migration is one migration file.
type Migration struct {
	Version  int
	Name     string
	Filename string
	SQL      string
	Checksum string
}

// AppliedMigration is a row of schema_migrations.
type AppliedMigration struct {
	Version   int
	Name      string
	AppliedAt time.Time
	Checksum  string
	AppliedBy string
}

// Target names the dataset migrations run against.
type Target struct {
	Project string
	Dataset string
}

func (t Target) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", t.Project, t.Dataset, name)
}

var filenamePattern = regexp.MustCompile(`^(\d{4})_(.+)\.sql$`)

var (
	configPath    = flag.String("config", "", "logbook config file (default "+config.DefaultPath()+")")
	projectID     = flag.String("project", "", "GCP project ID (default remote.project)")
	datasetID     = flag.String("dataset", "", "BigQuery dataset ID (default remote.dataset)")
	appliedBy     = flag.String("applied-by", "migrate-cli", "name of the tool applying migrations")
	migrationsDir = flag.String("migrations", "migrations/bigquery", "path to the migrations directory")
	statusOnly    = flag.Bool("status", false, "list applied and pending migrations without running any")
	allowDrift    = flag.Bool("allow-drift", false, "continue when an applied migration file has changed")
)

func main() {
	flag.Parse()
	log := logger.New()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	target := Target{Project: cfg.Remote.Project, Dataset: cfg.Remote.Dataset}
	if *projectID != "" {
		target.Project = *projectID
	}
	if *datasetID != "" {
		target.Dataset = *datasetID
	}
	if target.Project == "" {
		log.Fatal().Msg("No GCP project: pass -project or set remote.project")
	}

	ctx := logger.WithContext(context.Background(), log)

	var opts []option.ClientOption
	if cfg.Remote.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.Remote.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, target.Project, opts...)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create BigQuery client")
	}
	defer client.Close()

	log.Info().Str("project", target.Project).Str("dataset", target.Dataset).Msg("Connected to BigQuery")

	if err := run(ctx, client, target, log); err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}
}

func run(ctx context.Context, client *bigquery.Client, target Target, log zerolog.Logger) error {
	dir, err := resolveDir(*migrationsDir)
	if err != nil {
		return err
	}
	migrations, err := readMigrations(os.DirFS(dir), target)
	if err != nil {
		return err
	}
	log.Info().Int("count", len(migrations)).Str("dir", dir).Msg("Found migration files")

	if err := ensureSchemaMigrationsTable(ctx, client, target); err != nil {
		return fmt.Errorf("ensuring schema_migrations: %w", err)
	}
	applied, err := getAppliedMigrations(ctx, client, target)
	if err != nil {
		return err
	}

	pending, drifted := plan(migrations, applied)
	for _, m := range drifted {
		log.Warn().Int("version", m.Version).Str("name", m.Name).Msg("Applied migration file has changed since it ran")
	}
	if len(drifted) > 0 && !*allowDrift {
		return fmt.Errorf("%d applied migration(s) changed on disk; pass -allow-drift to continue", len(drifted))
	}

	if *statusOnly {
		for _, am := range applied {
			log.Info().Int("version", am.Version).Str("name", am.Name).Time("applied_at", am.AppliedAt).Str("applied_by", am.AppliedBy).Msg("[APPLIED]")
		}
		for _, m := range pending {
			log.Info().Int("version", m.Version).Str("name", m.Name).Msg("[PENDING]")
		}
		return nil
	}

	for _, m := range pending {
		log.Info().Msgf("  [RUN]  %04d_%s", m.Version, m.Name)
		if err := execute(ctx, client, m.SQL, nil); err != nil {
			return fmt.Errorf("executing %s: %w", m.Filename, err)
		}
		if err := recordMigration(ctx, client, target, m); err != nil {
			return fmt.Errorf("recording %s: %w", m.Filename, err)
		}
		log.Info().Msgf("  [OK]   %04d_%s", m.Version, m.Name)
	}

	if len(pending) == 0 {
		log.Info().Msg("No new migrations to apply. Dataset is up to date.")
	} else {
		log.Info().Int("applied", len(pending)).Msg("Migrations applied")
	}
	return nil
}

// resolveDir finds dir from the repository root or from cmd/migrate.
func resolveDir(dir string) (string, error) {
	for _, candidate := range []string{dir, "../../" + dir} {
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("migrations directory not found: %s", dir)
}

// readMigrations loads every NNNN_name.sql file of fsys in version order,
// substituting {{PROJECT_ID}} and {{DATASET_ID}}. The checksum covers the file
// as written, so the same migration has one checksum across datasets.
func readMigrations(fsys fs.FS, target Target) ([]Migration, error) {
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations directory: %w", err)
	}

	seen := map[int]string{}
	var migrations []Migration
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		version, name, ok := parseFilename(e.Name())
		if !ok {
			continue
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("version %04d used by both %s and %s", version, prev, e.Name())
		}
		seen[version] = e.Name()

		content, err := fs.ReadFile(fsys, e.Name())
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", e.Name(), err)
		}
		sql := strings.ReplaceAll(string(content), "{{PROJECT_ID}}", target.Project)
		sql = strings.ReplaceAll(sql, "{{DATASET_ID}}", target.Dataset)

		migrations = append(migrations, Migration{
			Version:  version,
			Name:     name,
			Filename: e.Name(),
			SQL:      sql,
			Checksum: fmt.Sprintf("%x", sha256.Sum256(content)),
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

func parseFilename(filename string) (int, string, bool) {
	m := filenamePattern.FindStringSubmatch(filename)
	if m == nil {
		return 0, "", false
	}
	version, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, "", false
	}
	return version, m[2], true
}

// plan splits migrations into those not yet applied and those applied with a
// different checksum. Applied rows without a checksum are trusted.
func plan(migrations []Migration, applied []AppliedMigration) (pending, drifted []Migration) {
	byVersion := make(map[int]AppliedMigration, len(applied))
	for _, am := range applied {
		byVersion[am.Version] = am
	}
	for _, m := range migrations {
		am, ok := byVersion[m.Version]
		switch {
		case !ok:
			pending = append(pending, m)
		case am.Checksum != "" && am.Checksum != m.Checksum:
			drifted = append(drifted, m)
		}
	}
	return pending, drifted
}

func ensureSchemaMigrationsTable(ctx context.Context, client *bigquery.Client, target Target) error {
	return execute(ctx, client, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			version     INT64 NOT NULL,
			name        STRING NOT NULL,
			applied_at  TIMESTAMP NOT NULL,
			checksum    STRING,
			applied_by  STRING
		)`, target.table("schema_migrations")), nil)
}

func getAppliedMigrations(ctx context.Context, client *bigquery.Client, target Target) ([]AppliedMigration, error) {
	q := client.Query(fmt.Sprintf(`
		SELECT version, name, applied_at, checksum, applied_by
		FROM %s
		ORDER BY version ASC`, target.table("schema_migrations")))
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading applied migrations: %w", err)
	}

	var applied []AppliedMigration
	for {
		var row struct {
			Version   int64
			Name      string
			AppliedAt time.Time
			Checksum  bigquery.NullString
			AppliedBy bigquery.NullString
		}
		err := it.Next(&row)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iterating applied migrations: %w", err)
		}
		applied = append(applied, AppliedMigration{
			Version:   int(row.Version),
			Name:      row.Name,
			AppliedAt: row.AppliedAt,
			Checksum:  row.Checksum.StringVal,
			AppliedBy: row.AppliedBy.StringVal,
		})
	}
	return applied, nil
}

func recordMigration(ctx context.Context, client *bigquery.Client, target Target, m Migration) error {
	return execute(ctx, client, fmt.Sprintf(`
		INSERT INTO %s (version, name, applied_at, checksum, applied_by)
		VALUES (@version, @name, CURRENT_TIMESTAMP(), @checksum, @applied_by)`, target.table("schema_migrations")),
		[]bigquery.QueryParameter{
			{Name: "version", Value: m.Version},
			{Name: "name", Value: m.Name},
			{Name: "checksum", Value: m.Checksum},
			{Name: "applied_by", Value: *appliedBy},
		})
}

func execute(ctx context.Context, client *bigquery.Client, sql string, params []bigquery.QueryParameter) error {
	q := client.Query(sql)
	q.Parameters = params
	job, err := q.Run(ctx)
	if err != nil {
		return fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return fmt.Errorf("job error: %w", err)
	}
	return nil
}
