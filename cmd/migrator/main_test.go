package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeMigratorDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	beginFn    func(ctx context.Context) (pgx.Tx, error)
}

func (f *fakeMigratorDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}

func (f *fakeMigratorDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeMigratorRow{err: pgx.ErrNoRows}
}

func (f *fakeMigratorDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if f.beginFn != nil {
		return f.beginFn(ctx)
	}
	return &fakeMigratorTx{}, nil
}

type fakeMigratorDBCloser struct {
	fakeMigratorDB
	closed bool
}

func (f *fakeMigratorDBCloser) Close() { f.closed = true }

type fakeMigratorRow struct {
	checksum string
	err      error
}

func (r fakeMigratorRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	d, ok := dest[0].(*string)
	if !ok {
		return errors.New("unsupported scan type")
	}
	*d = r.checksum
	return nil
}

type fakeMigratorTx struct {
	execFn        func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	commitErr     error
	rollbackCalls int
}

func (t *fakeMigratorTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *fakeMigratorTx) Commit(ctx context.Context) error          { return t.commitErr }
func (t *fakeMigratorTx) Rollback(ctx context.Context) error {
	t.rollbackCalls++
	return nil
}
func (t *fakeMigratorTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *fakeMigratorTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *fakeMigratorTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *fakeMigratorTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.execFn != nil {
		return t.execFn(ctx, sql, args...)
	}
	return pgconn.NewCommandTag("EXEC 1"), nil
}
func (t *fakeMigratorTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *fakeMigratorTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return fakeMigratorRow{err: errors.New("not implemented")}
}
func (t *fakeMigratorTx) Conn() *pgx.Conn { return nil }

func staticGlob(files ...string) func(string) ([]string, error) {
	return func(string) ([]string, error) { return files, nil }
}

func staticRead(content string) func(string) ([]byte, error) {
	return func(string) ([]byte, error) { return []byte(content), nil }
}

func TestValidateMigrationPath(t *testing.T) {
	dir := filepath.Join("root", "migrations")
	if _, err := validateMigrationPath(dir, filepath.Join(dir, "001_guardian_core.sql")); err != nil {
		t.Fatalf("expected valid path, got %v", err)
	}
	if _, err := validateMigrationPath(dir, filepath.Join("root", "other", "x.sql")); err == nil {
		t.Fatal("expected outside dir error")
	}
	if _, err := validateMigrationPath(dir, filepath.Join(dir, "..", "escape.sql")); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestMigrationChecksumStable(t *testing.T) {
	a := migrationChecksum([]byte("CREATE TABLE guardians ();"))
	if len(a) != 64 {
		t.Fatalf("expected hex blake3-256, got %q", a)
	}
	if a != migrationChecksum([]byte("CREATE TABLE guardians ();")) {
		t.Fatal("checksum must be deterministic")
	}
	if a == migrationChecksum([]byte("CREATE TABLE guardians (id INT);")) {
		t.Fatal("different content must not collide")
	}
}

func TestParseFlags(t *testing.T) {
	t.Setenv("MIGRATIONS_DIR", "/srv/migrations")
	cfg, err := parseFlags(nil)
	if err != nil || cfg.Dir != "/srv/migrations" || cfg.DryRun || cfg.Timeout != 20*time.Second {
		t.Fatalf("unexpected defaults %+v err=%v", cfg, err)
	}
	cfg, err = parseFlags([]string{"--dir", "db/sql", "--dry-run", "--timeout", "5s"})
	if err != nil || cfg.Dir != "db/sql" || !cfg.DryRun || cfg.Timeout != 5*time.Second {
		t.Fatalf("unexpected parsed flags %+v err=%v", cfg, err)
	}
	if _, err := parseFlags([]string{"--dir", " "}); err == nil {
		t.Fatal("expected empty dir error")
	}
	if _, err := parseFlags([]string{"--timeout", "0s"}); err == nil {
		t.Fatal("expected timeout error")
	}
	if _, err := parseFlags([]string{"--bogus"}); err == nil {
		t.Fatal("expected unknown flag error")
	}
}

func TestMigratorAppliesPendingAndSkipsApplied(t *testing.T) {
	const body = "CREATE TABLE guardians (identity TEXT PRIMARY KEY);"
	sum := migrationChecksum([]byte(body))

	var marked [][]any
	tx := &fakeMigratorTx{
		execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
			if strings.HasPrefix(sql, "INSERT INTO schema_migrations") {
				marked = append(marked, args)
			}
			return pgconn.NewCommandTag("EXEC 1"), nil
		},
	}
	db := &fakeMigratorDB{
		queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
			switch args[0] {
			case "001_guardian_core.sql":
				return fakeMigratorRow{checksum: sum}
			case "002_guardian_events.sql":
				return fakeMigratorRow{checksum: ""}
			default:
				return fakeMigratorRow{err: pgx.ErrNoRows}
			}
		},
		beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil },
	}
	var logs []string
	m := &migrator{
		db:       db,
		dir:      "migrations",
		glob:     staticGlob("migrations/003_next.sql", "migrations/001_guardian_core.sql", "migrations/002_guardian_events.sql"),
		readFile: staticRead(body),
		logf:     func(format string, args ...any) { logs = append(logs, format) },
	}
	res, err := m.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Skipped != 2 || len(res.Applied) != 1 || res.Applied[0] != "003_next.sql" {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(marked) != 1 || marked[0][0] != "003_next.sql" || marked[0][1] != sum {
		t.Fatalf("expected checksum recorded, got %v", marked)
	}
	if len(logs) != 2 {
		t.Fatalf("expected apply and summary logs, got %v", logs)
	}
}

func TestMigratorDryRunDoesNotApply(t *testing.T) {
	db := &fakeMigratorDB{
		beginFn: func(ctx context.Context) (pgx.Tx, error) {
			t.Fatal("dry run must not open a transaction")
			return nil, nil
		},
	}
	m := &migrator{
		db:       db,
		dir:      "migrations",
		dryRun:   true,
		glob:     staticGlob("migrations/001.sql", "migrations/002.sql"),
		readFile: staticRead("SELECT 1;"),
		logf:     func(string, ...any) {},
	}
	res, err := m.run(context.Background())
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Pending) != 2 || len(res.Applied) != 0 {
		t.Fatalf("unexpected dry-run result %+v", res)
	}
}

func TestMigratorErrorBranches(t *testing.T) {
	one := staticGlob("migrations/001.sql")
	quiet := func(string, ...any) {}

	cases := []struct {
		name string
		m    *migrator
		want string
	}{
		{"db required", &migrator{dir: "migrations"}, "db required"},
		{"create table failure", &migrator{
			db: &fakeMigratorDB{execFn: func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
				return pgconn.CommandTag{}, errors.New("create fail")
			}},
			dir: "migrations",
		}, "create schema_migrations"},
		{"glob failure", &migrator{
			db: &fakeMigratorDB{}, dir: "migrations",
			glob: func(string) ([]string, error) { return nil, errors.New("glob fail") },
		}, "glob migrations"},
		{"invalid migration path", &migrator{
			db: &fakeMigratorDB{}, dir: "migrations", glob: staticGlob("../evil.sql"),
		}, "invalid migration path"},
		{"read failure", &migrator{
			db: &fakeMigratorDB{}, dir: "migrations", glob: one,
			readFile: func(string) ([]byte, error) { return nil, errors.New("read fail") },
		}, "read migration"},
		{"lookup failure", &migrator{
			db: &fakeMigratorDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeMigratorRow{err: errors.New("lookup fail")}
			}},
			dir: "migrations", glob: one, readFile: staticRead("SELECT 1;"),
		}, "migration lookup"},
		{"modified after apply", &migrator{
			db: &fakeMigratorDB{queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
				return fakeMigratorRow{checksum: "deadbeef"}
			}},
			dir: "migrations", glob: one, readFile: staticRead("SELECT 1;"),
		}, "modified after it was applied"},
		{"begin failure", &migrator{
			db: &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) {
				return nil, errors.New("begin fail")
			}},
			dir: "migrations", glob: one, readFile: staticRead("SELECT 1;"),
		}, "begin migration tx"},
		{"commit failure", &migrator{
			db: &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) {
				return &fakeMigratorTx{commitErr: errors.New("commit fail")}, nil
			}},
			dir: "migrations", glob: one, readFile: staticRead("SELECT 1;"),
		}, "commit migration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.m.logf == nil {
				tc.m.logf = quiet
			}
			_, err := tc.m.run(context.Background())
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q error, got %v", tc.want, err)
			}
		})
	}
}

func TestMigratorRollsBackFailedStatements(t *testing.T) {
	for _, stage := range []string{"apply", "mark"} {
		t.Run(stage, func(t *testing.T) {
			tx := &fakeMigratorTx{
				execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					isMark := strings.HasPrefix(sql, "INSERT INTO schema_migrations")
					if (stage == "mark") == isMark {
						return pgconn.CommandTag{}, errors.New(stage + " fail")
					}
					return pgconn.NewCommandTag("EXEC 1"), nil
				},
			}
			m := &migrator{
				db:       &fakeMigratorDB{beginFn: func(ctx context.Context) (pgx.Tx, error) { return tx, nil }},
				dir:      "migrations",
				glob:     staticGlob("migrations/001.sql"),
				readFile: staticRead("SELECT 1;"),
				logf:     func(string, ...any) {},
			}
			_, err := m.run(context.Background())
			if err == nil || !strings.Contains(err.Error(), stage+" migration") {
				t.Fatalf("expected %s error, got %v", stage, err)
			}
			if tx.rollbackCalls != 1 {
				t.Fatalf("expected rollback, got %d", tx.rollbackCalls)
			}
		})
	}
}
