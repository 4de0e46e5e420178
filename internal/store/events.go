package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// eventPayload is the JSON shape persisted in the events.payload column —
// every type-specific field of v1.Event except the ones already broken
// out into their own columns (session_id, sequence, event_type, timestamp).
type eventPayload struct {
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolInput  map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput map[string]interface{} `json:"tool_output,omitempty"`
	Role       string                 `json:"role,omitempty"`
	Content    []v1.ContentBlock      `json:"content,omitempty"`
	ExitCode   int                    `json:"exit_code,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	ResultText string                 `json:"result_text,omitempty"`
	ResultData map[string]interface{} `json:"result_data,omitempty"`
	ResultType v1.ResultType          `json:"result_type,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

func toPayload(e *v1.Event) eventPayload {
	return eventPayload{
		ToolName: e.ToolName, ToolInput: e.ToolInput, ToolOutput: e.ToolOutput,
		Role: e.Role, Content: e.Content,
		ExitCode: e.ExitCode, Reason: e.Reason,
		ResultText: e.ResultText, ResultData: e.ResultData, ResultType: e.ResultType,
		Error: e.Error,
	}
}

func (p eventPayload) apply(e *v1.Event) {
	e.ToolName, e.ToolInput, e.ToolOutput = p.ToolName, p.ToolInput, p.ToolOutput
	e.Role, e.Content = p.Role, p.Content
	e.ExitCode, e.Reason = p.ExitCode, p.Reason
	e.ResultText, e.ResultData, e.ResultType = p.ResultText, p.ResultData, p.ResultType
	e.Error = p.Error
}

// NextSequence returns the next sequence number to assign for
// sessionID. Must be called within the same transaction that will
// insert the event, so callers serialize via the event log's per-session
// lock (see internal/eventlog) rather than relying on this alone.
func (s *Store) NextSequence(ctx context.Context, tx *sql.Tx, sessionID string) (int64, error) {
	q := fmt.Sprintf(`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE session_id = %s`, s.ph(1))
	var next int64
	if err := tx.QueryRowContext(ctx, q, sessionID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next sequence: %w", err)
	}
	return next, nil
}

// InsertEvent persists event within tx and returns the store-assigned
// global append id (used by the broadcaster for resume ordering).
func (s *Store) InsertEvent(ctx context.Context, tx *sql.Tx, event *v1.Event) (int64, error) {
	payload, err := json.Marshal(toPayload(event))
	if err != nil {
		return 0, fmt.Errorf("marshal event payload: %w", err)
	}

	q := fmt.Sprintf(`INSERT INTO events (session_id, sequence, event_type, timestamp, payload)
		VALUES (%s,%s,%s,%s,%s)`, s.ph(1), s.ph(2), s.ph(3), s.ph(4), s.ph(5))

	res, err := tx.ExecContext(ctx, q, event.SessionID, event.Sequence, event.Type, event.Timestamp, string(payload))
	if err != nil {
		return 0, fmt.Errorf("insert event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		// Postgres drivers commonly don't support LastInsertId; fall back
		// to a RETURNING-free lookup by the unique (session_id, sequence) key.
		row := tx.QueryRowContext(ctx, fmt.Sprintf(
			`SELECT append_id FROM events WHERE session_id = %s AND sequence = %s`, s.ph(1), s.ph(2)),
			event.SessionID, event.Sequence)
		if scanErr := row.Scan(&id); scanErr != nil {
			return 0, fmt.Errorf("resolve append id: %w", scanErr)
		}
	}
	return id, nil
}

// ReadEvents returns events for sessionID with sequence >= fromSequence,
// ordered ascending, capped at limit (0 means unbounded).
func (s *Store) ReadEvents(ctx context.Context, sessionID string, fromSequence int64, limit int) ([]*v1.Event, error) {
	q := fmt.Sprintf(`SELECT session_id, sequence, event_type, timestamp, payload
		FROM events WHERE session_id = %s AND sequence >= %s ORDER BY sequence ASC`, s.ph(1), s.ph(2))
	args := []interface{}{sessionID, fromSequence}
	if limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var out []*v1.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// TerminalOf returns the last event for sessionID if it is a terminal
// event (session_stop or result), or nil if none exists yet.
func (s *Store) TerminalOf(ctx context.Context, sessionID string) (*v1.Event, error) {
	q := fmt.Sprintf(`SELECT session_id, sequence, event_type, timestamp, payload
		FROM events WHERE session_id = %s ORDER BY sequence DESC LIMIT 1`, s.ph(1))

	row := s.db.QueryRowContext(ctx, q, sessionID)
	e, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if !e.Type.Terminal() {
		return nil, nil
	}
	return e, nil
}

// LastEventOfType returns the most recent event of type t for sessionID,
// or nil if none exists — used to find the last result event, or the
// last message event when no explicit result event was appended.
func (s *Store) LastEventOfType(ctx context.Context, sessionID string, t v1.EventType) (*v1.Event, error) {
	q := fmt.Sprintf(`SELECT session_id, sequence, event_type, timestamp, payload
		FROM events WHERE session_id = %s AND event_type = %s ORDER BY sequence DESC LIMIT 1`, s.ph(1), s.ph(2))

	row := s.db.QueryRowContext(ctx, q, sessionID, t)
	e, err := scanEvent(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return e, nil
}

func scanEvent(row rowScanner) (*v1.Event, error) {
	var e v1.Event
	var payload string
	if err := row.Scan(&e.SessionID, &e.Sequence, &e.Type, &e.Timestamp, &payload); err != nil {
		return nil, err
	}
	var p eventPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return nil, fmt.Errorf("unmarshal event payload: %w", err)
	}
	p.apply(&e)
	return &e, nil
}
