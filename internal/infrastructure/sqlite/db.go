// Package sqlite implements the durable store for workflows, branches, and
// jobs on top of SQLite. Schema changes ship as embedded migrations run by
// golang-migrate on open.
package sqlite

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/ncruces/go-sqlite3/driver" // registers the sqlite3 driver
	_ "github.com/ncruces/go-sqlite3/embed"  // embedded wasm sqlite build

	"github.com/zjrosen/histoflow/internal/log"
	"github.com/zjrosen/histoflow/internal/workflows/domain"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DB owns the SQLite connection and hands out repositories bound to it.
type DB struct {
	conn      *sql.DB
	workflows *workflowRepository
	jobs      *jobRepository
}

// NewDB opens (creating if necessary) the database at path and runs any
// pending migrations. Parent directories are created with 0700.
func NewDB(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)&_pragma=foreign_keys(on)"
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Job goroutines write progress concurrently; a single connection
	// serializes writers below the busy_timeout.
	conn.SetMaxOpenConns(1)

	if err := runMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	log.Debug(log.CatDB, "database opened", "path", path)

	return &DB{
		conn:      conn,
		workflows: newWorkflowRepository(conn),
		jobs:      newJobRepository(conn),
	}, nil
}

func runMigrations(conn *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	driver, err := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("creating migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// WorkflowRepository returns the workflow repository bound to this DB.
func (db *DB) WorkflowRepository() domain.WorkflowRepository {
	return db.workflows
}

// JobRepository returns the job repository bound to this DB.
func (db *DB) JobRepository() domain.JobRepository {
	return db.jobs
}

// Purge truncates the jobs, branches, and workflows tables in a single
// transaction. Called at process start: the system does not claim crash
// recovery of in-flight jobs, so stale rows are cleared before the
// scheduler loop begins.
func (db *DB) Purge() error {
	tx, err := db.conn.Begin()
	if err != nil {
		return fmt.Errorf("beginning purge transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"jobs", "branches", "workflows"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("purging %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing purge: %w", err)
	}

	log.Info(log.CatDB, "job tables purged")
	return nil
}

// Close releases the underlying connection.
func (db *DB) Close() error {
	return db.conn.Close()
}
