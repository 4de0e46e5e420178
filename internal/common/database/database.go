// Package database opens the persistent store's underlying SQL
// connection, selecting between SQLite (single-host) and PostgreSQL
// (multi-host) by configuration.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/dialect"
)

// DB wraps a *sql.DB along with the dialect it was opened with.
type DB struct {
	*sql.DB
	Driver string
}

// Open establishes the configured database connection and verifies it
// with a ping.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	switch cfg.Driver {
	case dialect.Postgres:
		return openPostgres(ctx, cfg)
	case dialect.SQLite, "":
		return openSQLite(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	connConfig, err := pgx.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	connConfig.ConnectTimeout = 10 * time.Second

	sqlDB := stdlib.OpenDB(*connConfig)
	sqlDB.SetMaxOpenConns(cfg.MaxConns)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}
	return &DB{DB: sqlDB, Driver: dialect.Postgres}, nil
}

func openSQLite(ctx context.Context, cfg config.DatabaseConfig) (*DB, error) {
	path := cfg.Path
	if path == "" {
		path = "./coordinator.db"
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to prepare database directory: %w", err)
			}
		}
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc", path)
	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// SQLite permits only one writer at a time; a single connection avoids
	// SQLITE_BUSY races between the event log's serialized appends.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	if err := sqlDB.PingContext(ctx); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}
	return &DB{DB: sqlDB, Driver: dialect.SQLite}, nil
}
