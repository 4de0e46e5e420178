package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

const callbackSelect = `SELECT callback_id, parent_session_id, parent_session_name, child_session_name,
	child_session_id, strategy, batch_delay_seconds, status, created_at, updated_at FROM callbacks`

// InsertCallback persists a new callback registration in CallbackPending.
func (s *Store) InsertCallback(ctx context.Context, cb *v1.CallbackRegistration) error {
	q := fmt.Sprintf(`INSERT INTO callbacks
		(callback_id, parent_session_id, parent_session_name, child_session_name, child_session_id,
		 strategy, batch_delay_seconds, status, created_at, updated_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9), s.ph(10))

	_, err := s.db.ExecContext(ctx, q, cb.ID, cb.ParentSessionID, cb.ParentSessionName, cb.ChildSessionName,
		nullable(cb.ChildSessionID), cb.Strategy, cb.BatchDelaySeconds, cb.Status, cb.CreatedAt, cb.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert callback: %w", err)
	}
	return nil
}

// GetCallback fetches a callback by id.
func (s *Store) GetCallback(ctx context.Context, id string) (*v1.CallbackRegistration, error) {
	q := fmt.Sprintf(`%s WHERE callback_id = %s`, callbackSelect, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, id)
	cb, err := scanCallback(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: callback %q", ErrNotFound, id)
	}
	return cb, err
}

// ListCallbacksByParent returns every callback registered against a
// parent session, regardless of status.
func (s *Store) ListCallbacksByParent(ctx context.Context, parentSessionID string) ([]*v1.CallbackRegistration, error) {
	q := fmt.Sprintf(`%s WHERE parent_session_id = %s ORDER BY created_at ASC`, callbackSelect, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, parentSessionID)
	if err != nil {
		return nil, fmt.Errorf("list callbacks by parent: %w", err)
	}
	defer rows.Close()

	var out []*v1.CallbackRegistration
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

// ListCallbacksByChildName returns pending registrations awaiting a
// specific child session name's creation, scoped to the parent.
func (s *Store) ListCallbacksByChildName(ctx context.Context, parentSessionID, childName string) ([]*v1.CallbackRegistration, error) {
	q := fmt.Sprintf(`%s WHERE parent_session_id = %s AND child_session_name = %s AND status = %s`,
		callbackSelect, s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, q, parentSessionID, childName, v1.CallbackPending)
	if err != nil {
		return nil, fmt.Errorf("list callbacks by child name: %w", err)
	}
	defer rows.Close()

	var out []*v1.CallbackRegistration
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

// ListCallbacksByChildID returns registrations attached to a specific
// child session id — used when the child reaches a terminal state.
func (s *Store) ListCallbacksByChildID(ctx context.Context, childSessionID string) ([]*v1.CallbackRegistration, error) {
	q := fmt.Sprintf(`%s WHERE child_session_id = %s`, callbackSelect, s.ph(1))
	rows, err := s.db.QueryContext(ctx, q, childSessionID)
	if err != nil {
		return nil, fmt.Errorf("list callbacks by child id: %w", err)
	}
	defer rows.Close()

	var out []*v1.CallbackRegistration
	for rows.Next() {
		cb, err := scanCallback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, cb)
	}
	return out, rows.Err()
}

// AttachChild sets child_session_id and moves status to child_running.
func (s *Store) AttachChild(ctx context.Context, callbackID, childSessionID string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE callbacks SET child_session_id = %s, status = %s, updated_at = %s WHERE callback_id = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	_, err := s.db.ExecContext(ctx, q, childSessionID, v1.CallbackChildRunning, at, callbackID)
	return err
}

// UpdateCallbackStatus transitions a callback's status.
func (s *Store) UpdateCallbackStatus(ctx context.Context, callbackID string, status v1.CallbackStatus, at time.Time) error {
	q := fmt.Sprintf(`UPDATE callbacks SET status = %s, updated_at = %s WHERE callback_id = %s`,
		s.ph(1), s.ph(2), s.ph(3))
	_, err := s.db.ExecContext(ctx, q, status, at, callbackID)
	return err
}

func scanCallback(row rowScanner) (*v1.CallbackRegistration, error) {
	var cb v1.CallbackRegistration
	var childID sql.NullString
	var batchDelay sql.NullInt64
	if err := row.Scan(&cb.ID, &cb.ParentSessionID, &cb.ParentSessionName, &cb.ChildSessionName, &childID,
		&cb.Strategy, &batchDelay, &cb.Status, &cb.CreatedAt, &cb.UpdatedAt); err != nil {
		return nil, err
	}
	cb.ChildSessionID = childID.String
	cb.BatchDelaySeconds = int(batchDelay.Int64)
	return &cb, nil
}
