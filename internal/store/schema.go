package store

import (
	"context"
	"fmt"

	"github.com/kandev/agent-coordinator/internal/common/dialect"
)

// migrate creates the six entity tables if absent. Table creation is
// idempotent (IF NOT EXISTS) so restarts are cheap.
func (s *Store) migrate(ctx context.Context) error {
	pk := dialect.AutoIncrementPK(s.driver)
	jsonType := "TEXT"
	if dialect.IsPostgres(s.driver) {
		jsonType = "JSONB"
	}

	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			session_name TEXT NOT NULL,
			project_dir TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			created_by TEXT NOT NULL,
			parent_session_name TEXT,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_resumed_at TIMESTAMP,
			UNIQUE(created_by, session_name)
		)`),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS events (
			append_id %s,
			session_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			payload %s NOT NULL,
			UNIQUE(session_id, sequence)
		)`, pk, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_events_session_seq ON events(session_id, sequence)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runs (
			run_id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			session_id TEXT NOT NULL,
			session_name TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			parameters %s,
			agent_blueprint %s,
			project_dir TEXT,
			parent_session_id TEXT,
			parent_session_name TEXT,
			callback_strategy TEXT,
			batch_delay_seconds INTEGER,
			executor_type TEXT,
			executor_profile TEXT,
			tags %s,
			status TEXT NOT NULL,
			claimed_by_runner_id TEXT,
			claimed_at TIMESTAMP,
			started_at TIMESTAMP,
			finished_at TIMESTAMP,
			error TEXT,
			executor_session_id TEXT,
			created_at TIMESTAMP NOT NULL
		)`, jsonType, jsonType, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_claimed_by ON runs(claimed_by_runner_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS runners (
			runner_id TEXT PRIMARY KEY,
			hostname TEXT NOT NULL,
			executor_type TEXT NOT NULL,
			executor_profile TEXT,
			project_dir TEXT,
			tags %s,
			last_heartbeat TIMESTAMP NOT NULL,
			status TEXT NOT NULL,
			registered_at TIMESTAMP NOT NULL
		)`, jsonType),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS blueprints (
			name TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			source TEXT NOT NULL,
			description TEXT,
			system_prompt TEXT,
			command %s,
			parameters_schema %s,
			mcp_servers %s,
			owner_runner_id TEXT
		)`, jsonType, jsonType, jsonType),
		`CREATE INDEX IF NOT EXISTS idx_blueprints_owner ON blueprints(owner_runner_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS callbacks (
			callback_id TEXT PRIMARY KEY,
			parent_session_id TEXT NOT NULL,
			parent_session_name TEXT NOT NULL,
			child_session_name TEXT NOT NULL,
			child_session_id TEXT,
			strategy TEXT NOT NULL,
			batch_delay_seconds INTEGER,
			status TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`),
		`CREATE INDEX IF NOT EXISTS idx_callbacks_parent ON callbacks(parent_session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_callbacks_child ON callbacks(child_session_id)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration %q: %w", stmt, err)
		}
	}
	return nil
}
