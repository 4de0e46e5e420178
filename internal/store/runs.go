package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// InsertRun persists a newly created run in RunPending status.
func (s *Store) InsertRun(ctx context.Context, run *v1.Run) error {
	params, err := marshalJSON(run.Parameters)
	if err != nil {
		return err
	}
	blueprint, err := marshalJSON(run.AgentBlueprint)
	if err != nil {
		return err
	}
	tags, err := marshalJSON(run.Tags)
	if err != nil {
		return err
	}

	q := fmt.Sprintf(`INSERT INTO runs
		(run_id, type, session_id, session_name, agent_name, parameters, agent_blueprint, project_dir,
		 parent_session_id, parent_session_name, callback_strategy, batch_delay_seconds,
		 executor_type, executor_profile, tags, status, created_at)
		VALUES (%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s,%s)`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5), s.ph(6), s.ph(7), s.ph(8),
		s.ph(9), s.ph(10), s.ph(11), s.ph(12), s.ph(13), s.ph(14), s.ph(15), s.ph(16), s.ph(17))

	_, err = s.db.ExecContext(ctx, q,
		run.ID, run.Type, run.SessionID, run.SessionName, run.AgentName, params, blueprint, run.ProjectDir,
		nullable(run.ParentSessionID), nullable(run.ParentSessionName), nullable(string(run.CallbackStrategy)),
		run.BatchDelaySeconds, nullable(run.ExecutorType), nullable(run.ExecutorProfile), tags,
		run.Status, run.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetRun fetches a run by id.
func (s *Store) GetRun(ctx context.Context, runID string) (*v1.Run, error) {
	q := fmt.Sprintf(`%s WHERE run_id = %s`, runSelect, s.ph(1))
	row := s.db.QueryRowContext(ctx, q, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: run %q", ErrNotFound, runID)
	}
	return run, err
}

// ListRuns returns runs matching filter, newest first.
func (s *Store) ListRuns(ctx context.Context, filter v1.RunListFilter) ([]*v1.Run, error) {
	query := runSelect + " WHERE 1=1"
	var args []interface{}
	n := 0

	if filter.Status != "" {
		n++
		query += fmt.Sprintf(" AND status = %s", s.ph(n))
		args = append(args, filter.Status)
	}
	if filter.AgentName != "" {
		n++
		query += fmt.Sprintf(" AND agent_name = %s", s.ph(n))
		args = append(args, filter.AgentName)
	}
	if filter.SessionID != "" {
		n++
		query += fmt.Sprintf(" AND session_id = %s", s.ph(n))
		args = append(args, filter.SessionID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []*v1.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListPendingRuns returns every run in RunPending status, oldest first —
// used to rehydrate the in-memory priority queue on startup.
func (s *Store) ListPendingRuns(ctx context.Context) ([]*v1.Run, error) {
	query := runSelect + fmt.Sprintf(" WHERE status = %s ORDER BY created_at ASC", s.ph(1))
	rows, err := s.db.QueryContext(ctx, query, v1.RunPending)
	if err != nil {
		return nil, fmt.Errorf("list pending runs: %w", err)
	}
	defer rows.Close()

	var out []*v1.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ListClaimedByRunner returns every run currently claimed or started by
// runnerID — used when a runner is removed to cascade-fail its work.
func (s *Store) ListClaimedByRunner(ctx context.Context, runnerID string) ([]*v1.Run, error) {
	query := runSelect + fmt.Sprintf(" WHERE claimed_by_runner_id = %s AND status IN (%s, %s)",
		s.ph(1), s.ph(2), s.ph(3))
	rows, err := s.db.QueryContext(ctx, query, runnerID, v1.RunClaimed, v1.RunStarted)
	if err != nil {
		return nil, fmt.Errorf("list claimed runs: %w", err)
	}
	defer rows.Close()

	var out []*v1.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// ClaimRun atomically transitions a pending run to claimed, stamping the
// claiming runner and timestamp. Returns ErrConflict (wrapped) if the
// run was no longer pending (another runner already won it).
func (s *Store) ClaimRun(ctx context.Context, tx *sql.Tx, runID, runnerID string, claimedAt time.Time) error {
	q := fmt.Sprintf(`UPDATE runs SET status = %s, claimed_by_runner_id = %s, claimed_at = %s
		WHERE run_id = %s AND status = %s`,
		s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))
	res, err := tx.ExecContext(ctx, q, v1.RunClaimed, runnerID, claimedAt, runID, v1.RunPending)
	if err != nil {
		return fmt.Errorf("claim run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim run rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: run %q no longer pending", ErrConflict, runID)
	}
	return nil
}

// UpdateRunStatus transitions a run's status and optionally other
// terminal fields. Used for Started/Completed/Failed/Stopped.
func (s *Store) UpdateRunStatus(ctx context.Context, fields RunStatusUpdate) error {
	setClauses := []string{fmt.Sprintf("status = %s", s.ph(1))}
	args := []interface{}{fields.Status}
	n := 1

	add := func(col string, val interface{}) {
		n++
		setClauses = append(setClauses, fmt.Sprintf("%s = %s", col, s.ph(n)))
		args = append(args, val)
	}
	if fields.StartedAt != nil {
		add("started_at", *fields.StartedAt)
	}
	if fields.FinishedAt != nil {
		add("finished_at", *fields.FinishedAt)
	}
	if fields.Error != "" {
		add("error", fields.Error)
	}
	if fields.ExecutorSessionID != "" {
		add("executor_session_id", fields.ExecutorSessionID)
	}

	n++
	args = append(args, fields.RunID)
	q := fmt.Sprintf("UPDATE runs SET %s WHERE run_id = %s", strings.Join(setClauses, ", "), s.ph(n))

	if _, err := s.db.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("update run status: %w", err)
	}
	return nil
}

// RunStatusUpdate carries the fields UpdateRunStatus may set.
type RunStatusUpdate struct {
	RunID             string
	Status            v1.RunStatus
	StartedAt         *time.Time
	FinishedAt        *time.Time
	Error             string
	ExecutorSessionID string
}

const runSelect = `SELECT run_id, type, session_id, session_name, agent_name, parameters, agent_blueprint,
	project_dir, parent_session_id, parent_session_name, callback_strategy, batch_delay_seconds,
	executor_type, executor_profile, tags, status, claimed_by_runner_id, claimed_at, started_at,
	finished_at, error, executor_session_id, created_at FROM runs`

func scanRun(row rowScanner) (*v1.Run, error) {
	var run v1.Run
	var params, blueprint, tags sql.NullString
	var parentID, parentName, strategy, execType, execProfile, claimedBy, runErr, execSessionID sql.NullString
	var claimedAt, startedAt, finishedAt sql.NullTime
	var batchDelay sql.NullInt64

	err := row.Scan(&run.ID, &run.Type, &run.SessionID, &run.SessionName, &run.AgentName, &params, &blueprint,
		&run.ProjectDir, &parentID, &parentName, &strategy, &batchDelay,
		&execType, &execProfile, &tags, &run.Status, &claimedBy, &claimedAt, &startedAt,
		&finishedAt, &runErr, &execSessionID, &run.CreatedAt)
	if err != nil {
		return nil, err
	}

	if params.Valid {
		_ = json.Unmarshal([]byte(params.String), &run.Parameters)
	}
	if blueprint.Valid && blueprint.String != "" && blueprint.String != "null" {
		run.AgentBlueprint = &v1.AgentBlueprint{}
		_ = json.Unmarshal([]byte(blueprint.String), run.AgentBlueprint)
	}
	if tags.Valid {
		_ = json.Unmarshal([]byte(tags.String), &run.Tags)
	}
	run.ParentSessionID = parentID.String
	run.ParentSessionName = parentName.String
	run.CallbackStrategy = v1.CallbackStrategy(strategy.String)
	run.BatchDelaySeconds = int(batchDelay.Int64)
	run.ExecutorType = execType.String
	run.ExecutorProfile = execProfile.String
	run.ClaimedByRunnerID = claimedBy.String
	run.Error = runErr.String
	run.ExecutorSessionID = execSessionID.String
	if claimedAt.Valid {
		t := claimedAt.Time
		run.ClaimedAt = &t
	}
	if startedAt.Valid {
		t := startedAt.Time
		run.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		run.FinishedAt = &t
	}
	return &run, nil
}

func marshalJSON(v interface{}) (string, error) {
	if v == nil {
		return "null", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal: %w", err)
	}
	return string(b), nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
