package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// CreateSession inserts a new session row. Returns ErrConflict if
// (created_by, name) already exists.
func (s *Store) CreateSession(ctx context.Context, sess *v1.Session) error {
	q := fmt.Sprintf(`INSERT INTO sessions
		(session_id, session_name, project_dir, agent_name, created_by, parent_session_name, status, created_at, last_resumed_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))

	_, err := s.db.ExecContext(ctx, q,
		sess.ID, sess.Name, sess.ProjectDir, sess.AgentName, sess.CreatedBy,
		sess.ParentSessionName, sess.Status, sess.CreatedAt, sess.LastResumedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: session name %q already used by %q", ErrConflict, sess.Name, sess.CreatedBy)
		}
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession fetches a session by id. The returned Status is the
// persisted column value; callers needing the event-log-derived status
// should combine this with eventlog.TerminalOf when the session is still
// "running" per this row (see internal/eventlog).
func (s *Store) GetSession(ctx context.Context, sessionID string) (*v1.Session, error) {
	q := fmt.Sprintf(`SELECT session_id, session_name, project_dir, agent_name, created_by,
		parent_session_name, status, created_at, last_resumed_at
		FROM sessions WHERE session_id = %s`, s.ph(1))

	row := s.db.QueryRowContext(ctx, q, sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %q", ErrNotFound, sessionID)
	}
	return sess, err
}

// GetSessionByName fetches a session by (created_by, name).
func (s *Store) GetSessionByName(ctx context.Context, createdBy, name string) (*v1.Session, error) {
	q := fmt.Sprintf(`SELECT session_id, session_name, project_dir, agent_name, created_by,
		parent_session_name, status, created_at, last_resumed_at
		FROM sessions WHERE created_by = %s AND session_name = %s`, s.ph(1), s.ph(2))

	row := s.db.QueryRowContext(ctx, q, createdBy, name)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: session %q/%q", ErrNotFound, createdBy, name)
	}
	return sess, err
}

// UpdateSessionStatus persists a new status.
func (s *Store) UpdateSessionStatus(ctx context.Context, sessionID string, status v1.SessionStatus) error {
	q := fmt.Sprintf(`UPDATE sessions SET status = %s WHERE session_id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// UpdateSessionStatusTx is UpdateSessionStatus run within an
// in-progress transaction, so the event log can commit an event append
// and its derived status transition atomically.
func (s *Store) UpdateSessionStatusTx(ctx context.Context, tx *sql.Tx, sessionID string, status v1.SessionStatus) error {
	q := fmt.Sprintf(`UPDATE sessions SET status = %s WHERE session_id = %s`, s.ph(1), s.ph(2))
	_, err := tx.ExecContext(ctx, q, status, sessionID)
	if err != nil {
		return fmt.Errorf("update session status: %w", err)
	}
	return nil
}

// TouchResumed sets last_resumed_at to now.
func (s *Store) TouchResumed(ctx context.Context, sessionID string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE sessions SET last_resumed_at = %s WHERE session_id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, at, sessionID)
	return err
}

// ListSessions returns sessions matching the filter, newest first.
func (s *Store) ListSessions(ctx context.Context, filter v1.SessionListFilter) ([]*v1.Session, error) {
	query := `SELECT session_id, session_name, project_dir, agent_name, created_by,
		parent_session_name, status, created_at, last_resumed_at FROM sessions WHERE 1=1`
	var args []interface{}
	n := 0

	if filter.CreatedBy != "" {
		n++
		query += fmt.Sprintf(" AND created_by = %s", s.ph(n))
		args = append(args, filter.CreatedBy)
	}
	if filter.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = %s", s.ph(n))
		args = append(args, filter.Status)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*v1.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// DeleteSession removes a session, its events, and any callbacks that
// reference it (as parent or child). Open runs for the session are
// marked stopped by the caller (run queue), not here — the store layer
// does not cross component boundaries on its own.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		stmts := []string{
			fmt.Sprintf(`DELETE FROM events WHERE session_id = %s`, s.ph(1)),
			fmt.Sprintf(`DELETE FROM callbacks WHERE parent_session_id = %s OR child_session_id = %s`, s.ph(1), s.ph(1)),
			fmt.Sprintf(`DELETE FROM sessions WHERE session_id = %s`, s.ph(1)),
		}
		for _, stmt := range stmts {
			if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
				return fmt.Errorf("delete session cascade: %w", err)
			}
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSession(row rowScanner) (*v1.Session, error) {
	var sess v1.Session
	var parentName sql.NullString
	var createdAt sql.NullTime
	var lastResumedAt sql.NullTime

	err := row.Scan(&sess.ID, &sess.Name, &sess.ProjectDir, &sess.AgentName, &sess.CreatedBy,
		&parentName, &sess.Status, &createdAt, &lastResumedAt)
	if err != nil {
		return nil, err
	}
	if parentName.Valid {
		sess.ParentSessionName = &parentName.String
	}
	if createdAt.Valid {
		sess.CreatedAt = createdAt.Time
	}
	if lastResumedAt.Valid {
		t := lastResumedAt.Time
		sess.LastResumedAt = &t
	}
	return &sess, nil
}
