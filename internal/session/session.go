// Package session implements the session registry: CRUD over sessions,
// derived status, and result extraction.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/eventlog"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

const (
	SubjectCreated = "session.created"
	SubjectDeleted = "session.deleted"
)

// ChildAttacher is implemented by the callback coordinator: when a
// session is created and its name matches a pending callback's expected
// child name, the registry notifies the coordinator so it can attach the
// new session id and move the registration to child_running.
type ChildAttacher interface {
	OnChildSessionCreated(ctx context.Context, createdBy, parentSessionName, childSessionName, childSessionID string) error
}

// RunStopper is implemented by the run queue: on session deletion, any
// open runs for the session must be marked stopped.
type RunStopper interface {
	StopRunsForSession(ctx context.Context, sessionID, reason string) error
}

// CallbackCanceller is implemented by the callback coordinator: on
// session deletion, any callback registrations naming this session as
// parent or child must be cancelled.
type CallbackCanceller interface {
	CancelForSession(ctx context.Context, sessionID string) error
}

// Registry is the session registry component.
type Registry struct {
	store    *store.Store
	log      *eventlog.Log
	bus      bus.Bus
	children  ChildAttacher
	runs      RunStopper
	callbacks CallbackCanceller
}

// New constructs a Registry. children and runs may be nil at
// construction time and wired later via SetChildAttacher/SetRunStopper
// to break the natural initialization cycle with the callback
// coordinator and run queue, which themselves depend on the registry.
func New(s *store.Store, log *eventlog.Log, b bus.Bus) *Registry {
	return &Registry{store: s, log: log, bus: b}
}

func (r *Registry) SetChildAttacher(c ChildAttacher)       { r.children = c }
func (r *Registry) SetRunStopper(rs RunStopper)            { r.runs = rs }
func (r *Registry) SetCallbackCanceller(c CallbackCanceller) { r.callbacks = c }

// Create inserts a new session. Rejects a duplicate (created_by, name)
// pair with a Conflict error.
func (r *Registry) Create(ctx context.Context, req *v1.CreateSessionRequest) (*v1.Session, error) {
	id, err := newSessionID()
	if err != nil {
		return nil, apperr.Wrap(err, "generate session id")
	}

	sess := &v1.Session{
		ID:                id,
		Name:              req.Name,
		ProjectDir:        req.ProjectDir,
		AgentName:         req.AgentName,
		CreatedBy:         req.CreatedBy,
		ParentSessionName: req.ParentSessionName,
		Status:            v1.SessionPending,
		CreatedAt:         time.Now().UTC(),
	}

	if err := r.store.CreateSession(ctx, sess); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, apperr.Conflict(fmt.Sprintf("session name %q already used by %q", req.Name, req.CreatedBy))
		}
		return nil, apperr.Wrap(err, "create session")
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, SubjectCreated, bus.NewEvent("session.created", "session", map[string]interface{}{
			"session": sess,
		}))
	}

	if r.children != nil && req.ParentSessionName != nil && *req.ParentSessionName != "" {
		if err := r.children.OnChildSessionCreated(ctx, req.CreatedBy, *req.ParentSessionName, req.Name, id); err != nil {
			return nil, apperr.Wrap(err, "attach callback child")
		}
	}

	return sess, nil
}

// Get fetches a session with its persisted status column, which the
// event log updates in the same transaction as each status-changing
// append.
func (r *Registry) Get(ctx context.Context, sessionID string) (*v1.Session, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("session %q not found", sessionID))
		}
		return nil, apperr.Wrap(err, "get session")
	}
	return sess, nil
}

// List returns sessions matching filter.
func (r *Registry) List(ctx context.Context, filter v1.SessionListFilter) ([]*v1.Session, error) {
	sessions, err := r.store.ListSessions(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(err, "list sessions")
	}
	return sessions, nil
}

// Status returns the coarse lifecycle bucket for a session:
// "running" (pending or running), "finished" (finished/failed/stopped),
// or "not_existent".
func (r *Registry) Status(ctx context.Context, sessionID string) (string, error) {
	sess, err := r.store.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "not_existent", nil
		}
		return "", apperr.Wrap(err, "status")
	}
	switch sess.Status {
	case v1.SessionPending, v1.SessionRunning:
		return "running", nil
	default:
		return "finished", nil
	}
}

// Result extracts the session's terminal payload: the last result
// event's data if present, otherwise the text of the last assistant
// message. Fails with ResultNotReady (Conflict kind) if the session
// hasn't reached a terminal state.
func (r *Registry) Result(ctx context.Context, sessionID string) (*v1.SessionResult, error) {
	sess, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status != v1.SessionFinished && sess.Status != v1.SessionFailed && sess.Status != v1.SessionStopped {
		return nil, apperr.Conflict(fmt.Sprintf("session %q result not ready (status=%s)", sessionID, sess.Status))
	}

	if result, err := r.store.LastEventOfType(ctx, sessionID, v1.EventResult); err != nil {
		return nil, apperr.Wrap(err, "load result event")
	} else if result != nil {
		return &v1.SessionResult{
			ResultType: result.ResultType,
			ResultText: result.ResultText,
			ResultData: result.ResultData,
		}, nil
	}

	msg, err := r.store.LastEventOfType(ctx, sessionID, v1.EventMessage)
	if err != nil {
		return nil, apperr.Wrap(err, "load last message event")
	}
	if msg == nil {
		return nil, apperr.NotFound(fmt.Sprintf("session %q has no result or message events", sessionID))
	}

	text := ""
	for _, block := range msg.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return &v1.SessionResult{ResultType: v1.ResultTypeAutonomous, ResultText: text}, nil
}

// Delete removes a session, its events, and any callbacks referencing
// it, after marking any open runs stopped.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if _, err := r.store.GetSession(ctx, sessionID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound(fmt.Sprintf("session %q not found", sessionID))
		}
		return apperr.Wrap(err, "get session")
	}

	if r.runs != nil {
		if err := r.runs.StopRunsForSession(ctx, sessionID, "session deleted"); err != nil {
			return apperr.Wrap(err, "stop open runs")
		}
	}

	if r.callbacks != nil {
		if err := r.callbacks.CancelForSession(ctx, sessionID); err != nil {
			return apperr.Wrap(err, "cancel callbacks")
		}
	}

	if err := r.store.DeleteSession(ctx, sessionID); err != nil {
		return apperr.Wrap(err, "delete session")
	}

	if r.bus != nil {
		_ = r.bus.Publish(ctx, SubjectDeleted, bus.NewEvent("session.deleted", "session", map[string]interface{}{
			"session_id": sessionID,
		}))
	}
	return nil
}

func newSessionID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "ses_" + hex.EncodeToString(b), nil
}
