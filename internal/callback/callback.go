// Package callback implements the callback coordinator: parent/child
// session registration and the strategy-driven re-entry of a parent
// session when its children reach a terminal state.
package callback

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/eventlog"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// RunEnqueuer is implemented by the run queue: dispatch re-enters the
// parent session with a synthetic resume_session run.
type RunEnqueuer interface {
	Create(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error)
}

// Coordinator is the callback coordinator component.
type Coordinator struct {
	store *store.Store
	bus   bus.Bus
	log   *logger.Logger
	runs  RunEnqueuer

	// batchWindowResets controls whether a batch callback's delay window
	// restarts each time a new sibling child completes, or stays fixed
	// from the first completion.
	batchWindowResets bool

	mu     sync.Mutex
	timers map[string]*time.Timer // parent_session_id -> pending batch dispatch timer
	sub    bus.Subscription
}

// New constructs a Coordinator. runs may be nil at construction and
// wired later via SetRunEnqueuer to break the cycle with the run queue,
// which itself depends on the coordinator to register callbacks.
func New(s *store.Store, b bus.Bus, log *logger.Logger, batchWindowResets bool) *Coordinator {
	return &Coordinator{
		store: s, bus: b, log: log.WithFields(zap.String("component", "callback_coordinator")),
		batchWindowResets: batchWindowResets, timers: make(map[string]*time.Timer),
	}
}

func (c *Coordinator) SetRunEnqueuer(r RunEnqueuer) { c.runs = r }

// Start subscribes to the event log's session-status-change subject so
// the coordinator reacts to terminal events without the run queue or
// event log calling into it directly.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.bus == nil {
		return nil
	}
	sub, err := c.bus.Subscribe(eventlog.SubjectSessionUpdated, c.onSessionUpdated)
	if err != nil {
		return fmt.Errorf("subscribe to session updates: %w", err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes from the bus and cancels every pending batch timer.
func (c *Coordinator) Stop() {
	if c.sub != nil {
		_ = c.sub.Unsubscribe()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.timers = make(map[string]*time.Timer)
}

func (c *Coordinator) onSessionUpdated(ctx context.Context, event *bus.Event) error {
	sessionID, _ := event.Data["session_id"].(string)
	statusStr, _ := event.Data["status"].(string)
	status := v1.SessionStatus(statusStr)
	if sessionID == "" || (status != v1.SessionFinished && status != v1.SessionFailed && status != v1.SessionStopped) {
		return nil
	}
	return c.handleChildTerminal(ctx, sessionID)
}

// Register stores a callback registration. If childSessionID is empty,
// the registration is stored pending and OnChildSessionCreated attaches
// it once the session registry creates the matching session. If
// childSessionID is already known, the registration is attached
// immediately.
func (c *Coordinator) Register(ctx context.Context, parentSessionID, parentSessionName, childSessionName, childSessionID string,
	strategy v1.CallbackStrategy, batchDelaySeconds int) error {
	id, err := newCallbackID()
	if err != nil {
		return fmt.Errorf("generate callback id: %w", err)
	}

	now := time.Now().UTC()
	cb := &v1.CallbackRegistration{
		ID: id, ParentSessionID: parentSessionID, ParentSessionName: parentSessionName,
		ChildSessionName: childSessionName, ChildSessionID: childSessionID,
		Strategy: strategy, BatchDelaySeconds: batchDelaySeconds,
		Status: v1.CallbackPending, CreatedAt: now, UpdatedAt: now,
	}
	if childSessionID != "" {
		cb.Status = v1.CallbackChildRunning
	}

	if err := c.store.InsertCallback(ctx, cb); err != nil {
		return fmt.Errorf("register callback: %w", err)
	}
	return nil
}

// OnChildSessionCreated implements session.ChildAttacher: it attaches
// newly-created childSessionID to any pending registrations awaiting
// that (parent, child name) pair.
func (c *Coordinator) OnChildSessionCreated(ctx context.Context, createdBy, parentSessionName, childSessionName, childSessionID string) error {
	parent, err := c.store.GetSessionByName(ctx, createdBy, parentSessionName)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil // parent tracked only by name elsewhere; nothing to attach
		}
		return fmt.Errorf("find parent session: %w", err)
	}

	regs, err := c.store.ListCallbacksByChildName(ctx, parent.ID, childSessionName)
	if err != nil {
		return fmt.Errorf("list pending callbacks: %w", err)
	}
	now := time.Now().UTC()
	for _, reg := range regs {
		if err := c.store.AttachChild(ctx, reg.ID, childSessionID, now); err != nil {
			c.log.Error("attach callback child failed", zap.String("callback_id", reg.ID), zap.Error(err))
		}
	}
	return nil
}

// handleChildTerminal is invoked when any session reaches a terminal
// status; it finds callbacks whose child is that session and evaluates
// their strategy.
func (c *Coordinator) handleChildTerminal(ctx context.Context, childSessionID string) error {
	regs, err := c.store.ListCallbacksByChildID(ctx, childSessionID)
	if err != nil {
		return fmt.Errorf("list callbacks by child: %w", err)
	}

	parents := make(map[string]struct{})
	for _, reg := range regs {
		if reg.Status != v1.CallbackChildRunning {
			continue
		}
		now := time.Now().UTC()
		if err := c.store.UpdateCallbackStatus(ctx, reg.ID, v1.CallbackChildCompleted, now); err != nil {
			c.log.Error("mark callback child completed failed", zap.String("callback_id", reg.ID), zap.Error(err))
			continue
		}
		parents[reg.ParentSessionID] = struct{}{}

		switch reg.Strategy {
		case v1.CallbackImmediate:
			if err := c.tryDispatch(ctx, reg.ParentSessionID); err != nil {
				c.log.Error("immediate callback dispatch failed", zap.String("parent_session_id", reg.ParentSessionID), zap.Error(err))
			}
		case v1.CallbackBatch:
			c.scheduleBatch(ctx, reg.ParentSessionID, reg.BatchDelaySeconds)
		case v1.CallbackAll:
			if c.allSiblingsTerminal(ctx, reg.ParentSessionID) {
				if err := c.tryDispatch(ctx, reg.ParentSessionID); err != nil {
					c.log.Error("all-strategy callback dispatch failed", zap.String("parent_session_id", reg.ParentSessionID), zap.Error(err))
				}
			}
		}
	}
	return nil
}

func (c *Coordinator) allSiblingsTerminal(ctx context.Context, parentSessionID string) bool {
	regs, err := c.store.ListCallbacksByParent(ctx, parentSessionID)
	if err != nil {
		c.log.Error("list callbacks by parent failed", zap.String("parent_session_id", parentSessionID), zap.Error(err))
		return false
	}
	for _, reg := range regs {
		switch reg.Status {
		case v1.CallbackChildCompleted, v1.CallbackSent, v1.CallbackFailed, v1.CallbackCancelled:
			continue
		default:
			return false
		}
	}
	return true
}

// scheduleBatch arms (or, if batchWindowResets, re-arms) a delay timer
// for parentSessionID, so multiple children completing in quick
// succession are aggregated into one dispatch.
func (c *Coordinator) scheduleBatch(ctx context.Context, parentSessionID string, delaySeconds int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.timers[parentSessionID]; ok {
		if !c.batchWindowResets {
			return // window already running and fixed from first completion
		}
		existing.Stop()
	}

	delay := time.Duration(delaySeconds) * time.Second
	c.timers[parentSessionID] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, parentSessionID)
		c.mu.Unlock()

		if err := c.tryDispatch(context.Background(), parentSessionID); err != nil {
			c.log.Error("batch callback dispatch failed", zap.String("parent_session_id", parentSessionID), zap.Error(err))
		}
	})
}

// tryDispatch performs the parent idle check and, if the parent is free,
// enqueues a resume_session run summarizing the completed children.
// Callbacks still in child_completed for this parent move to
// callback_sent (or callback_failed if enqueue fails); batch/all
// registrations that haven't terminated yet are left untouched.
func (c *Coordinator) tryDispatch(ctx context.Context, parentSessionID string) error {
	busy, err := c.parentHasOpenRun(ctx, parentSessionID)
	if err != nil {
		return err
	}
	if busy {
		// Deferred: the child's completed state stays recorded in the
		// store, so nothing is lost. runqueue.Queue calls OnParentIdle
		// once the parent's open run reaches a terminal state, which
		// re-invokes tryDispatch and picks this registration back up.
		return nil
	}

	parent, err := c.store.GetSession(ctx, parentSessionID)
	if err != nil {
		return fmt.Errorf("load parent session: %w", err)
	}

	regs, err := c.store.ListCallbacksByParent(ctx, parentSessionID)
	if err != nil {
		return fmt.Errorf("list callbacks by parent: %w", err)
	}
	var ready []*v1.CallbackRegistration
	for _, reg := range regs {
		if reg.Status == v1.CallbackChildCompleted {
			ready = append(ready, reg)
		}
	}
	if len(ready) == 0 {
		return nil
	}

	prompt := summarize(ready)
	if c.runs == nil {
		return fmt.Errorf("run enqueuer not wired")
	}
	_, err = c.runs.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunResumeSession, SessionID: parentSessionID, SessionName: parent.Name,
		AgentName: parent.AgentName, Prompt: prompt, ProjectDir: parent.ProjectDir,
	})

	now := time.Now().UTC()
	newStatus := v1.CallbackSent
	if err != nil {
		newStatus = v1.CallbackFailed
	}
	for _, reg := range ready {
		if uerr := c.store.UpdateCallbackStatus(ctx, reg.ID, newStatus, now); uerr != nil {
			c.log.Error("update callback status failed", zap.String("callback_id", reg.ID), zap.Error(uerr))
		}
	}
	return err
}

// OnParentIdle implements runqueue.CallbackRegistrar's parent-idle half:
// the run queue calls this whenever a run on parentSessionID reaches a
// terminal state, so a tryDispatch that was deferred by parentHasOpenRun
// gets a chance to re-run now that the run is no longer open.
func (c *Coordinator) OnParentIdle(ctx context.Context, parentSessionID string) error {
	return c.tryDispatch(ctx, parentSessionID)
}

func (c *Coordinator) parentHasOpenRun(ctx context.Context, parentSessionID string) (bool, error) {
	runs, err := c.store.ListRuns(ctx, v1.RunListFilter{SessionID: parentSessionID})
	if err != nil {
		return false, fmt.Errorf("list parent runs: %w", err)
	}
	for _, run := range runs {
		if run.Status == v1.RunClaimed || run.Status == v1.RunStarted {
			return true, nil
		}
	}
	return false, nil
}

// CancelForSession cancels every callback registration referencing
// sessionID as parent or child, and stops any pending batch timer for
// it. The session registry calls this on deletion, before the store's
// session-deletion cascade removes the rows.
func (c *Coordinator) CancelForSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	if t, ok := c.timers[sessionID]; ok {
		t.Stop()
		delete(c.timers, sessionID)
	}
	c.mu.Unlock()

	regs, err := c.store.ListCallbacksByParent(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list callbacks by parent: %w", err)
	}
	childRegs, err := c.store.ListCallbacksByChildID(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("list callbacks by child: %w", err)
	}
	regs = append(regs, childRegs...)

	now := time.Now().UTC()
	for _, reg := range regs {
		if reg.Status == v1.CallbackSent || reg.Status == v1.CallbackCancelled {
			continue
		}
		if err := c.store.UpdateCallbackStatus(ctx, reg.ID, v1.CallbackCancelled, now); err != nil {
			c.log.Error("cancel callback failed", zap.String("callback_id", reg.ID), zap.Error(err))
		}
	}
	return nil
}

func summarize(ready []*v1.CallbackRegistration) string {
	prompt := "The following child sessions have finished:\n"
	for _, reg := range ready {
		prompt += fmt.Sprintf("- %s (session_id=%s): call GET /sessions/%s/result to retrieve its result\n",
			reg.ChildSessionName, reg.ChildSessionID, reg.ChildSessionID)
	}
	return prompt
}

func newCallbackID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "cb_" + hex.EncodeToString(b), nil
}
