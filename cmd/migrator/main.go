package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"vaultguard/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/pflag"
	"github.com/zeebo/blake3"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	osArgs    = func() []string { return os.Args[1:] }
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

type migrateConfig struct {
	Dir     string
	DryRun  bool
	Timeout time.Duration
}

func parseFlags(args []string) (migrateConfig, error) {
	fs := pflag.NewFlagSet("migrator", pflag.ContinueOnError)
	cfg := migrateConfig{}
	fs.StringVar(&cfg.Dir, "dir", envOr("MIGRATIONS_DIR", "migrations"), "directory holding *.sql migrations")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "list pending migrations without applying them")
	fs.DurationVar(&cfg.Timeout, "timeout", 20*time.Second, "overall migration timeout")
	if err := fs.Parse(args); err != nil {
		return migrateConfig{}, err
	}
	if strings.TrimSpace(cfg.Dir) == "" {
		return migrateConfig{}, errors.New("--dir must not be empty")
	}
	if cfg.Timeout <= 0 {
		return migrateConfig{}, errors.New("--timeout must be positive")
	}
	return cfg, nil
}

func main() {
	cfg, err := parseFlags(osArgs())
	if err != nil {
		logFatalf("flags: %v", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	m := &migrator{db: pool, dir: cfg.Dir, dryRun: cfg.DryRun}
	if _, err := m.run(ctx); err != nil {
		logFatalf("migration: %v", err)
	}
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

// migrationChecksum fingerprints a migration so edits to an applied file are
// caught on the next run.
func migrationChecksum(sql []byte) string {
	sum := blake3.Sum256(sql)
	return hex.EncodeToString(sum[:])
}

type migrator struct {
	db     migrationDB
	dir    string
	dryRun bool

	readFile func(name string) ([]byte, error)
	glob     func(pattern string) ([]string, error)
	logf     func(format string, args ...any)
}

type migrateResult struct {
	Applied []string
	Pending []string
	Skipped int
}

const ensureMigrationsTable = `
	CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		checksum TEXT NOT NULL DEFAULT '',
		applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);
	ALTER TABLE schema_migrations ADD COLUMN IF NOT EXISTS checksum TEXT NOT NULL DEFAULT ''
`

func (m *migrator) run(ctx context.Context) (migrateResult, error) {
	var res migrateResult
	if m.db == nil {
		return res, fmt.Errorf("db required")
	}
	readFile := m.readFile
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	glob := m.glob
	if glob == nil {
		glob = filepath.Glob
	}
	logf := m.logf
	if logf == nil {
		logf = log.Printf
	}

	if _, err := m.db.Exec(ctx, ensureMigrationsTable); err != nil {
		return res, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := filepath.Clean(m.dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return res, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		cleanFile, err := validateMigrationPath(dir, file)
		if err != nil {
			return res, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return res, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := migrationChecksum(sqlBytes)

		var recorded string
		err = m.db.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE filename=$1`, name).Scan(&recorded)
		switch {
		case err == nil:
			// Rows written before checksums were tracked carry ''.
			if recorded != "" && recorded != sum {
				return res, fmt.Errorf("migration %s was modified after it was applied", name)
			}
			res.Skipped++
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return res, fmt.Errorf("migration lookup: %w", err)
		}

		if m.dryRun {
			res.Pending = append(res.Pending, name)
			logf("pending migration %s", name)
			continue
		}
		if err := m.apply(ctx, name, sum, sqlBytes); err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, name)
		logf("applied migration %s", name)
	}

	logf("migrations: %d applied, %d pending, %d already applied", len(res.Applied), len(res.Pending), res.Skipped)
	return res, nil
}

func (m *migrator) apply(ctx context.Context, name, sum string, sqlBytes []byte) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, string(sqlBytes)); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, name, sum); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
