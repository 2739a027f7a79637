package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"accessgov/migrations"
	"accessgov/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// advisoryLockKey serializes migrators started by parallel deploys.
const advisoryLockKey = 0x616363657373

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.OpenPool(ctx, store.PoolConfigFromEnv())
	}
)

type migration struct {
	Name     string
	Checksum string
	SQL      string
}

type applied struct {
	Name     string
	Checksum string
	At       time.Time
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		logFatalf("migrator: %v", err)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("migrator", flag.ContinueOnError)
	dir := flags.String("dir", os.Getenv("MIGRATIONS_DIR"), "read migrations from this directory instead of the embedded set")
	status := flags.Bool("status", false, "print applied and pending migrations without applying")
	timeout := flags.Duration("timeout", 30*time.Second, "overall timeout")
	if err := flags.Parse(args); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var source fs.FS = migrations.FS
	if strings.TrimSpace(*dir) != "" {
		source = os.DirFS(*dir)
	}
	pending, err := loadMigrations(source)
	if err != nil {
		return err
	}

	pool, err := openDBFn(ctx)
	if err != nil {
		return fmt.Errorf("db: %w", err)
	}
	defer pool.Close()

	if *status {
		return printStatus(ctx, pool, pending, log.Printf)
	}
	return runMigrations(ctx, pool, pending, log.Printf)
}

// loadMigrations reads every top-level .sql file in name order.
func loadMigrations(source fs.FS) ([]migration, error) {
	names, err := fs.Glob(source, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(names)
	out := make([]migration, 0, len(names))
	for _, name := range names {
		if path.Base(name) != name {
			return nil, fmt.Errorf("invalid migration path: %s", name)
		}
		raw, err := fs.ReadFile(source, name)
		if err != nil {
			return nil, fmt.Errorf("read migration %s: %w", name, err)
		}
		sum := sha256.Sum256(raw)
		out = append(out, migration{Name: name, Checksum: hex.EncodeToString(sum[:]), SQL: string(raw)})
	}
	return out, nil
}

func ensureTable(ctx context.Context, db migrationDB) error {
	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			checksum TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	return nil
}

func appliedMigrations(ctx context.Context, db migrationDB) (map[string]applied, error) {
	rows, err := db.Query(ctx, `SELECT filename, checksum, applied_at FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()
	out := map[string]applied{}
	for rows.Next() {
		var a applied
		if err := rows.Scan(&a.Name, &a.Checksum, &a.At); err != nil {
			return nil, fmt.Errorf("scan applied migration: %w", err)
		}
		out[a.Name] = a
	}
	return out, rows.Err()
}

// runMigrations applies every migration not yet recorded, each in its own
// transaction. An applied migration whose file changed since is an error.
func runMigrations(ctx context.Context, db migrationDB, all []migration, logf func(format string, args ...any)) error {
	if db == nil {
		return errors.New("db required")
	}
	if logf == nil {
		logf = log.Printf
	}
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	done, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	count := 0
	for _, m := range all {
		if prev, ok := done[m.Name]; ok {
			if prev.Checksum != "" && prev.Checksum != m.Checksum {
				return fmt.Errorf("migration %s changed after it was applied", m.Name)
			}
			continue
		}
		ok, err := applyOne(ctx, db, m)
		if err != nil {
			return err
		}
		if ok {
			count++
			logf("applied migration %s", m.Name)
		}
	}
	logf("migrations up to date: %d applied, %d total", count, len(all))
	return nil
}

// applyOne takes the advisory lock inside the transaction and re-checks the
// ledger, so a concurrent migrator that got there first wins cleanly.
func applyOne(ctx context.Context, db migrationDB, m migration) (bool, error) {
	tx, err := db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(advisoryLockKey)); err != nil {
		return false, fmt.Errorf("migration lock: %w", err)
	}
	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, m.Name).Scan(&exists); err != nil {
		return false, fmt.Errorf("migration lookup: %w", err)
	}
	if exists {
		return false, nil
	}
	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return false, fmt.Errorf("apply migration %s: %w", m.Name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename, checksum) VALUES($1, $2)`, m.Name, m.Checksum); err != nil {
		return false, fmt.Errorf("mark migration %s: %w", m.Name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit migration %s: %w", m.Name, err)
	}
	return true, nil
}

func printStatus(ctx context.Context, db migrationDB, all []migration, logf func(format string, args ...any)) error {
	if err := ensureTable(ctx, db); err != nil {
		return err
	}
	done, err := appliedMigrations(ctx, db)
	if err != nil {
		return err
	}
	for _, m := range all {
		prev, ok := done[m.Name]
		switch {
		case !ok:
			logf("pending  %s", m.Name)
		case prev.Checksum != "" && prev.Checksum != m.Checksum:
			logf("changed  %s (applied %s)", m.Name, prev.At.UTC().Format(time.RFC3339))
		default:
			logf("applied  %s (%s)", m.Name, prev.At.UTC().Format(time.RFC3339))
		}
	}
	return nil
}
