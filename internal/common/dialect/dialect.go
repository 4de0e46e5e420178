// Package dialect provides SQL fragment helpers for SQLite/PostgreSQL
// portability, so the persistent store can run single-host on SQLite or
// multi-host on Postgres from the same query-building code.
package dialect

import "fmt"

const (
	SQLite   = "sqlite"
	Postgres = "postgres"
)

// IsPostgres returns true if the driver is PostgreSQL.
func IsPostgres(driver string) bool { return driver == Postgres }

// Placeholder returns the positional parameter marker for index i
// (1-based) in the given dialect: "?" for SQLite, "$N" for Postgres.
func Placeholder(driver string, i int) string {
	if IsPostgres(driver) {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// AutoIncrementPK returns the column definition fragment for an
// auto-incrementing integer primary key.
func AutoIncrementPK(driver string) string {
	if IsPostgres(driver) {
		return "BIGSERIAL PRIMARY KEY"
	}
	return "INTEGER PRIMARY KEY AUTOINCREMENT"
}

// BoolToInt converts a boolean to an integer for SQLite storage (SQLite
// has no native boolean type); Postgres uses native booleans.
func BoolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

// Now returns the dialect's current-timestamp SQL fragment.
func Now(driver string) string {
	if IsPostgres(driver) {
		return "now()"
	}
	return "CURRENT_TIMESTAMP"
}
