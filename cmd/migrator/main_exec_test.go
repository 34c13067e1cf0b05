package main

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// TestMainDirectMigrator drives main() through the package-level hooks.
func TestMainDirectMigrator(t *testing.T) {
	origLogFatalf := logFatalf
	origOpenDB := openDBFn
	origArgs := osArgs
	defer func() {
		logFatalf = origLogFatalf
		openDBFn = origOpenDB
		osArgs = origArgs
	}()

	t.Run("main success path", func(t *testing.T) {
		dir := t.TempDir()
		osArgs = func() []string { return []string{"--dir", dir} }
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		db := &fakeMigratorDBCloser{}
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) { return db, nil }

		main()

		if fatalCalled {
			t.Fatal("logFatalf should not be called on success")
		}
		if !db.closed {
			t.Fatal("expected pool to be closed")
		}
	})

	t.Run("bad flags call logFatalf", func(t *testing.T) {
		osArgs = func() []string { return []string{"--timeout", "nope"} }
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			t.Fatal("db must not be opened on flag error")
			return nil, nil
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on flag error")
		}
	})

	t.Run("main db error calls logFatalf", func(t *testing.T) {
		osArgs = func() []string { return nil }
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return nil, errors.New("db connection failed")
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on db error")
		}
	})

	t.Run("main migration error calls logFatalf", func(t *testing.T) {
		osArgs = func() []string { return nil }
		fatalCalled := false
		logFatalf = func(format string, args ...any) { fatalCalled = true }
		openDBFn = func(ctx context.Context) (migratorDBCloser, error) {
			return &fakeMigratorDBCloser{fakeMigratorDB: fakeMigratorDB{
				execFn: func(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
					return pgconn.CommandTag{}, errors.New("exec failed")
				},
				queryRowFn: func(ctx context.Context, sql string, args ...any) pgx.Row {
					return fakeMigratorRow{err: pgx.ErrNoRows}
				},
			}}, nil
		}

		main()

		if !fatalCalled {
			t.Fatal("logFatalf should be called on migration error")
		}
	})
}
