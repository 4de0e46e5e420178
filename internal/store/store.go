// Package store implements the coordinator's persistent store: durable,
// relational storage for sessions, events, runs, runners, callbacks, and
// agent blueprints (file- and runner-owned), over the dual SQLite/Postgres dialect
// opened by internal/common/database.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/kandev/agent-coordinator/internal/common/database"
	"github.com/kandev/agent-coordinator/internal/common/dialect"
)

// Store is the persistent store. A single instance is shared by every
// component that needs durable state (event log, session registry,
// runner registry, run queue, callback coordinator, blueprint registry).
type Store struct {
	db     *database.DB
	driver string
}

// Open opens the database connection and runs migrations.
func Open(ctx context.Context, db *database.DB) (*Store, error) {
	s := &Store{db: db, driver: db.Driver}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return s, nil
}

// Close releases the underlying connection.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying *sql.DB for components that need direct
// access.
func (s *Store) DB() *sql.DB { return s.db.DB }

// Driver reports which dialect this store was opened with.
func (s *Store) Driver() string { return s.driver }

// ph returns dialect's i-th placeholder, 1-based.
func (s *Store) ph(i int) string { return dialect.Placeholder(s.driver, i) }

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ErrNotFound is returned by Get-style lookups that find no row.
var ErrNotFound = sql.ErrNoRows

// ErrConflict is returned when a unique constraint rejects an insert
// (duplicate session name, duplicate blueprint name).
var ErrConflict = fmt.Errorf("conflict")

// isUniqueViolation reports whether err came from a unique-constraint
// violation, across both the sqlite3 and pgx drivers' distinct error
// shapes.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value violates unique constraint")
}
