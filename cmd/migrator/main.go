package main

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"zerokeep/migrations"
	"zerokeep/pkg/logging"
	"zerokeep/pkg/store"
)

// Serialises concurrent migrators started by several replicas.
const migrationLockID = 0x7a6b6d67

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
)

func main() {
	logger := logging.Setup(logging.Options{
		JSON:    os.Getenv("LOG_JSON") == "true",
		Service: "zerokeep-migrator",
	})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	if err := runMigrations(ctx, pool, migrationSource(os.Getenv("MIGRATIONS_DIR")), logger); err != nil {
		logFatalf("migration: %v", err)
	}
}

// migrationSource prefers an on-disk directory so operators can ship hotfix
// SQL without rebuilding; otherwise the embedded schema is used.
func migrationSource(dir string) fs.FS {
	if dir = strings.TrimSpace(dir); dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func pendingFiles(fsys fs.FS) ([]string, error) {
	files, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func runMigrations(ctx context.Context, db migrationDB, fsys fs.FS, logger *slog.Logger) error {
	if db == nil {
		return fmt.Errorf("db required")
	}
	if fsys == nil {
		return fmt.Errorf("migration source required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}
	if _, err := db.Exec(ctx, `SELECT pg_advisory_lock($1)`, migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer func() {
		if _, err := db.Exec(context.WithoutCancel(ctx), `SELECT pg_advisory_unlock($1)`, migrationLockID); err != nil {
			logger.Warn("release migration lock", "err", err)
		}
	}()

	files, err := pendingFiles(fsys)
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}

	applied := 0
	for _, name := range files {
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			continue
		}
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyOne(ctx, db, name, string(body)); err != nil {
			return err
		}
		applied++
		logger.Info("applied migration", "file", name)
	}

	logger.Info("migrations complete", "files", len(files), "applied", applied)
	return nil
}

func applyOne(ctx context.Context, db migrationDB, name, body string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, body); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}
