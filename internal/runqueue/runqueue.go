package runqueue

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/eventlog"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

const (
	SubjectEnqueued = "run.enqueued"

	// DefaultMaxPollWait bounds how long a long-poll may block, per the
	// server-side ceiling on the client-supplied wait timeout.
	DefaultMaxPollWait = 30 * time.Second
)

// SessionCreator is implemented by the session registry: Create is
// invoked when a start_session run arrives without a pre-existing
// session_id.
type SessionCreator interface {
	Create(ctx context.Context, req *v1.CreateSessionRequest) (*v1.Session, error)
}

// BlueprintLookup is implemented by the blueprint registry.
type BlueprintLookup interface {
	Get(ctx context.Context, name string) (*v1.AgentBlueprint, error)
}

// ParamResolver validates parameters against a blueprint's schema and
// performs stage-1 placeholder resolution.
type ParamResolver interface {
	ValidateAndResolveStage1(ctx context.Context, bp *v1.AgentBlueprint, params map[string]interface{}, scope map[string]interface{}, sessionID string) (map[string]interface{}, *v1.AgentBlueprint, error)
}

// CallbackRegistrar is implemented by the callback coordinator. A run
// that names a parent session and a callback strategy registers the
// relationship so the parent is re-entered when this run's session
// reaches a terminal state. childSessionID is empty when the child
// session doesn't exist yet (Register stores a pending registration
// and relies on the session registry's ChildAttacher to attach it);
// non-empty when the session already exists (Register attaches it
// immediately).
// OnParentIdle is called whenever a run belonging to parentSessionID
// reaches a terminal state, giving the callback coordinator a chance to
// retry any dispatch it deferred while that run was still open.
type CallbackRegistrar interface {
	Register(ctx context.Context, parentSessionID, parentSessionName, childSessionName, childSessionID string, strategy v1.CallbackStrategy, batchDelaySeconds int) error
	OnParentIdle(ctx context.Context, parentSessionID string) error
}

// Queue is the run queue component.
type Queue struct {
	store     *store.Store
	bus       bus.Bus
	log       *eventlog.Log
	logger    *logger.Logger
	sessions  SessionCreator
	blueprint BlueprintLookup
	resolver  ParamResolver
	callbacks CallbackRegistrar

	pending *pendingSet
	wake    *wakeBroker
}

// SetCallbackRegistrar wires the callback coordinator in after
// construction, breaking the initialization cycle (the callback
// coordinator dispatches by calling back into Queue.Create).
func (q *Queue) SetCallbackRegistrar(c CallbackRegistrar) { q.callbacks = c }

// New constructs a Queue and rehydrates its in-memory pending set from
// the store (so a coordinator restart doesn't lose runs that were
// already pending).
func New(ctx context.Context, s *store.Store, b bus.Bus, log *eventlog.Log, lg *logger.Logger,
	sessions SessionCreator, blueprint BlueprintLookup, resolver ParamResolver) (*Queue, error) {
	q := &Queue{
		store: s, bus: b, log: log, logger: lg.WithFields(zap.String("component", "run_queue")),
		sessions: sessions, blueprint: blueprint, resolver: resolver,
		pending: newPendingSet(), wake: newWakeBroker(),
	}

	runs, err := s.ListPendingRuns(ctx)
	if err != nil {
		return nil, fmt.Errorf("rehydrate pending runs: %w", err)
	}
	for _, r := range runs {
		q.pending.add(r)
	}
	return q, nil
}

// Shutdown wakes every waiting long-poll. A woken poll rescans the
// pending set and, finding nothing, waits again until its own deadline
// or its request context ends; Shutdown does not make it return early.
func (q *Queue) Shutdown() { q.wake.closeAll() }

// Create validates and enqueues a new run.
func (q *Queue) Create(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error) {
	hasCallback := req.CallbackStrategy != "" && req.ParentSessionName != ""

	sessionID := req.SessionID
	if sessionID == "" {
		if req.Type != v1.RunStartSession {
			return nil, apperr.BadRequest("session_id is required for resume_session and stop_command runs")
		}
		name := req.SessionName
		if name == "" {
			suffix, err := randomHex(6)
			if err != nil {
				return nil, apperr.Wrap(err, "generate session name")
			}
			name = req.AgentName + "-" + suffix
		}

		// Register the callback intent before creating the session, so
		// the session registry's ChildAttacher finds it already in place
		// and can attach the new session id as part of Create.
		if hasCallback && q.callbacks != nil {
			if err := q.callbacks.Register(ctx, req.ParentSessionID, req.ParentSessionName, name, "",
				req.CallbackStrategy, req.BatchDelaySeconds); err != nil {
				q.logger.Error("callback registration failed", zap.String("child_session_name", name), zap.Error(err))
			}
		}

		sess, err := q.sessions.Create(ctx, &v1.CreateSessionRequest{
			Name: name, ProjectDir: req.ProjectDir, AgentName: req.AgentName,
			CreatedBy: req.CreatedBy, ParentSessionName: nonEmpty(req.ParentSessionName),
		})
		if err != nil {
			return nil, err
		}
		sessionID = sess.ID
		req.SessionName = sess.Name
	} else {
		if req.Type == v1.RunResumeSession {
			if err := q.store.TouchResumed(ctx, sessionID, time.Now().UTC()); err != nil {
				q.logger.Error("touch resumed failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
		if hasCallback && q.callbacks != nil {
			// The session already exists — register and attach in one step.
			if err := q.callbacks.Register(ctx, req.ParentSessionID, req.ParentSessionName, req.SessionName, sessionID,
				req.CallbackStrategy, req.BatchDelaySeconds); err != nil {
				q.logger.Error("callback registration failed", zap.String("session_id", sessionID), zap.Error(err))
			}
		}
	}

	bp, err := q.blueprint.Get(ctx, req.AgentName)
	if err != nil {
		return nil, err
	}

	params := req.Parameters
	if params == nil && req.Prompt != "" {
		params = map[string]interface{}{"prompt": req.Prompt}
	}
	if params == nil {
		params = map[string]interface{}{}
	}

	resolvedParams, resolvedBP, err := q.resolver.ValidateAndResolveStage1(ctx, bp, params, req.Scope, sessionID)
	if err != nil {
		return nil, err
	}

	runID, err := randomHex(8)
	if err != nil {
		return nil, apperr.Wrap(err, "generate run id")
	}

	run := &v1.Run{
		ID: "run_" + runID, Type: req.Type, SessionID: sessionID, SessionName: req.SessionName,
		AgentName: req.AgentName, Parameters: resolvedParams, AgentBlueprint: resolvedBP, ProjectDir: req.ProjectDir,
		ParentSessionID: req.ParentSessionID, ParentSessionName: req.ParentSessionName,
		CallbackStrategy: req.CallbackStrategy, BatchDelaySeconds: req.BatchDelaySeconds,
		ExecutorType: req.ExecutorType, ExecutorProfile: req.ExecutorProfile, Tags: req.Tags,
		Status: v1.RunPending, CreatedAt: time.Now().UTC(),
	}

	if err := q.store.InsertRun(ctx, run); err != nil {
		return nil, apperr.Wrap(err, "insert run")
	}
	q.pending.add(run)
	q.wake.wakeAll()

	if q.bus != nil {
		_ = q.bus.Publish(ctx, SubjectEnqueued, bus.NewEvent("run.enqueued", "run_queue", map[string]interface{}{
			"run": run,
		}))
	}

	return &v1.CreateRunResponse{RunID: run.ID, SessionID: sessionID}, nil
}

// Poll long-polls for a matching run, claiming it atomically if found,
// and drains any queued stop commands for runnerID regardless.
func (q *Queue) Poll(ctx context.Context, req *v1.PollRequest) (*v1.PollResponse, error) {
	wait := time.Duration(req.WaitSeconds) * time.Second
	if wait <= 0 || wait > DefaultMaxPollWait {
		wait = DefaultMaxPollWait
	}
	filter := v1.PollFilter{ExecutorType: req.ExecutorType, ExecutorProfile: req.ExecutorProfile, Tags: req.Tags}

	deadline := time.Now().Add(wait)
	for {
		if run, err := q.tryClaim(ctx, req.RunnerID, filter); err != nil {
			return nil, err
		} else if run != nil {
			stops := q.pending.drainStops(req.RunnerID)
			return &v1.PollResponse{Run: run, StopRuns: stops}, nil
		}

		if stops := q.pending.drainStops(req.RunnerID); len(stops) > 0 {
			return &v1.PollResponse{StopRuns: stops}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return &v1.PollResponse{}, nil
		}

		ch, cleanup := q.wake.register()
		timer := time.NewTimer(remaining)
		select {
		case <-ch:
			timer.Stop()
			cleanup()
		case <-timer.C:
			cleanup()
			return &v1.PollResponse{}, nil
		case <-ctx.Done():
			timer.Stop()
			cleanup()
			return &v1.PollResponse{}, nil
		}
	}
}

// tryClaim scans the in-memory pending set for a match and attempts the
// store-level atomic claim. If the store rejects the claim (another
// poller already won the race), it rescans for the next match, up to
// three attempts in all, rather than surfacing a spurious empty response.
func (q *Queue) tryClaim(ctx context.Context, runnerID string, filter v1.PollFilter) (*v1.Run, error) {
	for attempts := 0; attempts < 3; attempts++ {
		run := q.pending.claimFirstMatch(runnerID, filter)
		if run == nil {
			return nil, nil
		}

		now := time.Now().UTC()
		err := q.store.WithTx(ctx, func(tx *sql.Tx) error {
			return q.store.ClaimRun(ctx, tx, run.ID, runnerID, now)
		})
		if err == nil {
			run.Status = v1.RunClaimed
			run.ClaimedByRunnerID = runnerID
			run.ClaimedAt = &now
			return run, nil
		}
		if errors.Is(err, store.ErrConflict) {
			continue // lost the race; try the next match
		}
		return nil, apperr.Wrap(err, "claim run")
	}
	return nil, nil
}

// Started records that the runner has launched the executor for a
// claimed run.
func (q *Queue) Started(ctx context.Context, runID, runnerID, executorSessionID string) error {
	return q.transition(ctx, runID, runnerID, store.RunStatusUpdate{
		RunID: runID, Status: v1.RunStarted, ExecutorSessionID: executorSessionID,
	})
}

// Completed marks a run finished successfully.
func (q *Queue) Completed(ctx context.Context, runID, runnerID string) error {
	now := time.Now().UTC()
	return q.transition(ctx, runID, runnerID, store.RunStatusUpdate{
		RunID: runID, Status: v1.RunFinished, FinishedAt: &now,
	})
}

// Failed marks a run failed and, if the session has no terminal event
// yet (the executor crashed without reporting one), synthesizes a
// run_failed event so the session's derived status still transitions.
func (q *Queue) Failed(ctx context.Context, runID, runnerID, reason string) error {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		return apperr.NotFound(fmt.Sprintf("run %q not found", runID))
	}

	now := time.Now().UTC()
	if err := q.transition(ctx, runID, runnerID, store.RunStatusUpdate{
		RunID: runID, Status: v1.RunFailed, FinishedAt: &now, Error: reason,
	}); err != nil {
		return err
	}
	return q.synthesizeRunFailedIfNeeded(ctx, run.SessionID, reason)
}

// Stopped marks a run stopped following an explicit stop command.
func (q *Queue) Stopped(ctx context.Context, runID, runnerID, reason string) error {
	now := time.Now().UTC()
	return q.transition(ctx, runID, runnerID, store.RunStatusUpdate{
		RunID: runID, Status: v1.RunStopped, FinishedAt: &now, Error: reason,
	})
}

func (q *Queue) transition(ctx context.Context, runID, runnerID string, update store.RunStatusUpdate) error {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return apperr.Wrap(err, "load run")
	}
	if run.ClaimedByRunnerID != runnerID {
		return apperr.Forbidden(fmt.Sprintf("run %q is not claimed by runner %q", runID, runnerID))
	}
	if isTerminalRunStatus(run.Status) {
		// Runners that already reported a terminal state ignore late
		// reports for the same run — this is a no-op, not an error.
		return nil
	}

	if err := q.store.UpdateRunStatus(ctx, update); err != nil {
		return apperr.Wrap(err, "update run status")
	}
	if isTerminalRunStatus(update.Status) {
		q.notifyParentIdle(ctx, run.SessionID)
	}
	return nil
}

// notifyParentIdle tells the callback coordinator that sessionID no
// longer has this run open, in case a dispatch was deferred waiting for
// exactly that.
func (q *Queue) notifyParentIdle(ctx context.Context, sessionID string) {
	if q.callbacks == nil {
		return
	}
	if err := q.callbacks.OnParentIdle(ctx, sessionID); err != nil {
		q.logger.Error("callback parent-idle dispatch failed", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// Stop requests that run_id stop. A pending run is stopped immediately;
// a claimed/started run gets a queued stop command delivered on the
// owning runner's next poll.
func (q *Queue) Stop(ctx context.Context, runID, reason string) error {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return apperr.Wrap(err, "load run")
	}

	switch run.Status {
	case v1.RunPending:
		q.pending.remove(runID)
		now := time.Now().UTC()
		if err := q.store.UpdateRunStatus(ctx, store.RunStatusUpdate{RunID: runID, Status: v1.RunStopped, FinishedAt: &now, Error: reason}); err != nil {
			return err
		}
		q.notifyParentIdle(ctx, run.SessionID)
		return nil
	case v1.RunClaimed, v1.RunStarted:
		q.pending.queueStop(run.ClaimedByRunnerID, v1.StopRunCommand{RunID: runID, Reason: reason})
		q.wake.wakeAll()
		return nil
	default:
		// Already terminal: re-issuing Stop is a no-op.
		return nil
	}
}

// FailRunsForRunner implements runner.RunFailer: called when a runner is
// removed, it fails every run that runner still held.
func (q *Queue) FailRunsForRunner(ctx context.Context, runnerID, reason string) error {
	runs, err := q.store.ListClaimedByRunner(ctx, runnerID)
	if err != nil {
		return fmt.Errorf("list claimed runs: %w", err)
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if err := q.store.UpdateRunStatus(ctx, store.RunStatusUpdate{
			RunID: run.ID, Status: v1.RunFailed, FinishedAt: &now, Error: reason,
		}); err != nil {
			q.logger.Error("fail run for removed runner failed", zap.String("run_id", run.ID), zap.Error(err))
			continue
		}
		q.notifyParentIdle(ctx, run.SessionID)
		if err := q.synthesizeRunFailedIfNeeded(ctx, run.SessionID, reason); err != nil {
			q.logger.Error("synthesize run_failed event failed", zap.String("session_id", run.SessionID), zap.Error(err))
		}
	}
	return nil
}

// StopRunsForSession implements session.RunStopper.
func (q *Queue) StopRunsForSession(ctx context.Context, sessionID, reason string) error {
	runs, err := q.store.ListRuns(ctx, v1.RunListFilter{SessionID: sessionID})
	if err != nil {
		return fmt.Errorf("list runs for session: %w", err)
	}

	now := time.Now().UTC()
	for _, run := range runs {
		if isTerminalRunStatus(run.Status) {
			continue
		}
		if run.Status == v1.RunPending {
			q.pending.remove(run.ID)
		}
		if err := q.store.UpdateRunStatus(ctx, store.RunStatusUpdate{
			RunID: run.ID, Status: v1.RunStopped, FinishedAt: &now, Error: reason,
		}); err != nil {
			return fmt.Errorf("stop run %q: %w", run.ID, err)
		}
		q.notifyParentIdle(ctx, run.SessionID)
	}
	return nil
}

func (q *Queue) synthesizeRunFailedIfNeeded(ctx context.Context, sessionID, reason string) error {
	terminal, err := q.log.TerminalOf(ctx, sessionID)
	if err != nil {
		return err
	}
	if terminal != nil {
		return nil
	}
	_, err = q.log.Append(ctx, sessionID, &v1.AppendEventRequest{EventType: v1.EventRunFailed, Error: reason})
	return err
}

// Get fetches a run by id.
func (q *Queue) Get(ctx context.Context, runID string) (*v1.Run, error) {
	run, err := q.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("run %q not found", runID))
		}
		return nil, apperr.Wrap(err, "get run")
	}
	return run, nil
}

// List returns runs matching filter.
func (q *Queue) List(ctx context.Context, filter v1.RunListFilter) ([]*v1.Run, error) {
	runs, err := q.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, apperr.Wrap(err, "list runs")
	}
	return runs, nil
}

// QueueStatus reports pending-run depth and the age of the oldest
// pending run, for the runner-facing queue status endpoint.
type QueueStatus struct {
	PendingCount  int
	OldestPending *time.Time
}

// Status returns the queue's current depth and oldest-pending age.
func (q *Queue) Status() QueueStatus {
	runs := q.pending.snapshot()
	status := QueueStatus{PendingCount: len(runs)}
	for _, r := range runs {
		if status.OldestPending == nil || r.CreatedAt.Before(*status.OldestPending) {
			t := r.CreatedAt
			status.OldestPending = &t
		}
	}
	return status
}

func isTerminalRunStatus(s v1.RunStatus) bool {
	return s == v1.RunFinished || s == v1.RunFailed || s == v1.RunStopped
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
