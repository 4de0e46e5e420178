// Package eventlog appends and serves each session's durable,
// append-only event stream and derives session status from terminal
// events.
package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

const (
	// SubjectAppended fires after every successful Append.
	SubjectAppended = "session.event.appended"
	// SubjectSessionUpdated fires when an append changes the session's
	// derived status: pending to running on the first event, or a
	// terminal status on session_stop, result, or run_failed.
	SubjectSessionUpdated = "session.updated"
)

// Log is the event log component. It owns per-session write
// serialization: SQLite already has a single writer connection, but the
// same in-process lock also protects the Postgres path from two
// concurrent appenders racing on sequence assignment.
type Log struct {
	store *store.Store
	bus   bus.Bus

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

// New constructs a Log over the given store and event bus.
func New(s *store.Store, b bus.Bus) *Log {
	return &Log{store: s, bus: b, locks: make(map[string]*sync.Mutex)}
}

func (l *Log) sessionLock(sessionID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	m, ok := l.locks[sessionID]
	if !ok {
		m = &sync.Mutex{}
		l.locks[sessionID] = m
	}
	return m
}

// Append stores event for sessionID, assigning its sequence and deriving
// any session-status transition atomically. Returns apperr with Kind
// NotFound if the session doesn't exist, or Terminal if the session's
// event log already holds a terminal event.
func (l *Log) Append(ctx context.Context, sessionID string, req *v1.AppendEventRequest) (*v1.Event, error) {
	lock := l.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := l.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("session %q not found", sessionID))
		}
		return nil, apperr.Wrap(err, "load session")
	}

	terminal, err := l.store.TerminalOf(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "check terminal state")
	}
	if terminal != nil {
		return nil, apperr.Terminal(fmt.Sprintf("session %q already reached a terminal event", sessionID))
	}

	event := &v1.Event{
		SessionID:  sessionID,
		Type:       req.EventType,
		Timestamp:  time.Now().UTC(),
		ToolName:   req.ToolName,
		ToolInput:  req.ToolInput,
		ToolOutput: req.ToolOutput,
		Role:       req.Role,
		Content:    req.Content,
		ExitCode:   req.ExitCode,
		Reason:     req.Reason,
		ResultText: req.ResultText,
		ResultData: req.ResultData,
		ResultType: req.ResultType,
		Error:      req.Error,
	}

	var newStatus v1.SessionStatus
	statusChanged := false

	err = l.store.WithTx(ctx, func(tx *sql.Tx) error {
		seq, err := l.store.NextSequence(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		event.Sequence = seq

		if _, err := l.store.InsertEvent(ctx, tx, event); err != nil {
			return err
		}

		if sess.Status == v1.SessionPending {
			newStatus = v1.SessionRunning
			statusChanged = true
		}
		switch event.Type {
		case v1.EventSessionStop:
			if event.ExitCode == 0 {
				newStatus = v1.SessionFinished
			} else {
				newStatus = v1.SessionFailed
			}
			statusChanged = true
		case v1.EventResult:
			newStatus = v1.SessionFinished
			statusChanged = true
		case v1.EventRunFailed:
			newStatus = v1.SessionFailed
			statusChanged = true
		}

		if statusChanged {
			if err := l.store.UpdateSessionStatusTx(ctx, tx, sessionID, newStatus); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, apperr.Wrap(err, "append event")
	}

	if l.bus != nil {
		_ = l.bus.Publish(ctx, SubjectAppended, bus.NewEvent("session.event", "eventlog", map[string]interface{}{
			"session_id": sessionID,
			"event":      event,
		}))
		if statusChanged {
			_ = l.bus.Publish(ctx, SubjectSessionUpdated, bus.NewEvent("session.updated", "eventlog", map[string]interface{}{
				"session_id": sessionID,
				"status":     string(newStatus),
			}))
		}
	}

	return event, nil
}

// Read returns a page of events for sessionID starting at fromSequence.
func (l *Log) Read(ctx context.Context, sessionID string, fromSequence int64, limit int) (*v1.EventPage, error) {
	events, err := l.store.ReadEvents(ctx, sessionID, fromSequence, limit+1)
	if err != nil {
		return nil, apperr.Wrap(err, "read events")
	}

	page := &v1.EventPage{}
	if limit > 0 && len(events) > limit {
		page.Events = events[:limit]
		page.HasMore = true
		page.NextFrom = events[limit].Sequence
	} else {
		page.Events = events
	}
	return page, nil
}

// TerminalOf returns the session's terminal event, or nil if the
// session hasn't reached one yet.
func (l *Log) TerminalOf(ctx context.Context, sessionID string) (*v1.Event, error) {
	e, err := l.store.TerminalOf(ctx, sessionID)
	if err != nil {
		return nil, apperr.Wrap(err, "terminal of")
	}
	return e, nil
}
