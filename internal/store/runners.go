package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// InsertRunner persists a newly registered runner.
func (s *Store) InsertRunner(ctx context.Context, r *v1.Runner) error {
	tags, err := marshalJSON(r.Tags)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`INSERT INTO runners
		(runner_id, hostname, executor_type, executor_profile, project_dir, tags, last_heartbeat, status, registered_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8), s.ph(9))

	_, err = s.db.ExecContext(ctx, q, r.ID, r.Hostname, r.ExecutorType, r.ExecutorProfile, r.ProjectDir,
		tags, r.LastHeartbeat, r.Status, r.RegisteredAt)
	if err != nil {
		return fmt.Errorf("insert runner: %w", err)
	}
	return nil
}

const runnerSelect = `SELECT runner_id, hostname, executor_type, executor_profile, project_dir, tags,
	last_heartbeat, status, registered_at FROM runners`

// GetRunner fetches a runner by id.
func (s *Store) GetRunner(ctx context.Context, runnerID string) (*v1.Runner, error) {
	q := fmt.Sprintf(`%s WHERE runner_id = %s`, runnerSelect, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, runnerID)
	r, err := scanRunner(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: runner %q", ErrNotFound, runnerID)
	}
	return r, err
}

// ListRunners returns every registered runner (online, stale, and removed).
func (s *Store) ListRunners(ctx context.Context) ([]*v1.Runner, error) {
	rows, err := s.db.QueryContext(ctx, runnerSelect+" ORDER BY registered_at ASC")
	if err != nil {
		return nil, fmt.Errorf("list runners: %w", err)
	}
	defer rows.Close()

	var out []*v1.Runner
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Heartbeat bumps last_heartbeat and, if the runner was stale, returns it
// to online.
func (s *Store) Heartbeat(ctx context.Context, runnerID string, at time.Time) error {
	q := fmt.Sprintf(`UPDATE runners SET last_heartbeat = %s, status = %s
		WHERE runner_id = %s AND status != %s`, s.ph(1), s.ph(2), s.ph(3), s.ph(4))
	res, err := s.db.ExecContext(ctx, q, at, v1.RunnerOnline, runnerID, v1.RunnerRemoved)
	if err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: runner %q", ErrNotFound, runnerID)
	}
	return nil
}

// UpdateRunnerStatus sets a runner's liveness status (online/stale/removed).
func (s *Store) UpdateRunnerStatus(ctx context.Context, runnerID string, status v1.RunnerStatus) error {
	q := fmt.Sprintf(`UPDATE runners SET status = %s WHERE runner_id = %s`, s.ph(1), s.ph(2))
	_, err := s.db.ExecContext(ctx, q, status, runnerID)
	return err
}

// ListStaleCandidates returns online runners whose last_heartbeat is
// older than staleBefore, and stale runners whose last_heartbeat is
// older than removeBefore — used by the heartbeat sweeper.
func (s *Store) ListStaleCandidates(ctx context.Context, staleBefore, removeBefore time.Time) (toStale, toRemove []*v1.Runner, err error) {
	q := fmt.Sprintf(`%s WHERE status = %s AND last_heartbeat < %s`, runnerSelect, s.ph(1), s.ph(2))
	rows, err := s.db.QueryContext(ctx, q, v1.RunnerOnline, staleBefore)
	if err != nil {
		return nil, nil, fmt.Errorf("list stale candidates: %w", err)
	}
	for rows.Next() {
		r, err := scanRunner(rows)
		if err != nil {
			rows.Close()
			return nil, nil, err
		}
		toStale = append(toStale, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	q2 := fmt.Sprintf(`%s WHERE status = %s AND last_heartbeat < %s`, runnerSelect, s.ph(1), s.ph(2))
	rows2, err := s.db.QueryContext(ctx, q2, v1.RunnerStale, removeBefore)
	if err != nil {
		return nil, nil, fmt.Errorf("list remove candidates: %w", err)
	}
	defer rows2.Close()
	for rows2.Next() {
		r, err := scanRunner(rows2)
		if err != nil {
			return nil, nil, err
		}
		toRemove = append(toRemove, r)
	}
	return toStale, toRemove, rows2.Err()
}

func scanRunner(row rowScanner) (*v1.Runner, error) {
	var r v1.Runner
	var tags sql.NullString
	if err := row.Scan(&r.ID, &r.Hostname, &r.ExecutorType, &r.ExecutorProfile, &r.ProjectDir, &tags,
		&r.LastHeartbeat, &r.Status, &r.RegisteredAt); err != nil {
		return nil, err
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &r.Tags)
	}
	return &r, nil
}
