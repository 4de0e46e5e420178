package callback_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/callback"
	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/database"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

type fakeRunEnqueuer struct {
	requests []*v1.CreateRunRequest
	err      error
}

func (f *fakeRunEnqueuer) Create(ctx context.Context, req *v1.CreateRunRequest) (*v1.CreateRunResponse, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &v1.CreateRunResponse{RunID: "run_cb", SessionID: req.SessionID}, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(ctx, db)
	require.NoError(t, err)
	return st
}

func createTestSession(t *testing.T, st *store.Store, id, name string) *v1.Session {
	t.Helper()
	sess := &v1.Session{
		ID: id, Name: name, ProjectDir: "/tmp", AgentName: "echoer",
		CreatedBy: "alice", Status: v1.SessionRunning, CreatedAt: time.Now().UTC(),
	}
	require.NoError(t, st.CreateSession(context.Background(), sess))
	return sess
}

func TestRegisterAttachesImmediatelyWhenChildKnown(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	parent := createTestSession(t, st, "ses_parent", "parent")
	child := createTestSession(t, st, "ses_child", "child")

	co := callback.New(st, bus.NewMemoryBus(), logger.Default(), false)
	require.NoError(t, co.Register(ctx, parent.ID, parent.Name, child.Name, child.ID, v1.CallbackImmediate, 0))

	regs, err := st.ListCallbacksByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, v1.CallbackChildRunning, regs[0].Status)
}

func TestOnChildSessionCreatedAttachesPendingRegistration(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	parent := createTestSession(t, st, "ses_parent2", "parent2")

	co := callback.New(st, bus.NewMemoryBus(), logger.Default(), false)
	require.NoError(t, co.Register(ctx, parent.ID, parent.Name, "child2", "", v1.CallbackImmediate, 0))

	require.NoError(t, co.OnChildSessionCreated(ctx, parent.CreatedBy, parent.Name, "child2", "ses_child2"))

	regs, err := st.ListCallbacksByChildID(ctx, "ses_child2")
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, "ses_child2", regs[0].ChildSessionID)
}

func TestImmediateCallbackDispatchesWhenParentIdle(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus()
	ctx := context.Background()

	parent := createTestSession(t, st, "ses_parent3", "parent3")
	child := createTestSession(t, st, "ses_child3", "child3")

	co := callback.New(st, b, logger.Default(), false)
	fake := &fakeRunEnqueuer{}
	co.SetRunEnqueuer(fake)
	require.NoError(t, co.Start(ctx))
	defer co.Stop()

	require.NoError(t, co.Register(ctx, parent.ID, parent.Name, child.Name, child.ID, v1.CallbackImmediate, 0))

	require.NoError(t, b.Publish(ctx, "session.updated", bus.NewEvent("session.updated", "test", map[string]interface{}{
		"session_id": child.ID, "status": string(v1.SessionFinished),
	})))

	require.Eventually(t, func() bool { return len(fake.requests) == 1 }, time.Second, 10*time.Millisecond)
	assert.Equal(t, parent.ID, fake.requests[0].SessionID)

	regs, err := st.ListCallbacksByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, v1.CallbackSent, regs[0].Status)
}

func TestAllStrategyWaitsForEverySibling(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus()
	ctx := context.Background()

	parent := createTestSession(t, st, "ses_parent4", "parent4")
	child1 := createTestSession(t, st, "ses_child4a", "child4a")
	child2 := createTestSession(t, st, "ses_child4b", "child4b")

	co := callback.New(st, b, logger.Default(), false)
	fake := &fakeRunEnqueuer{}
	co.SetRunEnqueuer(fake)
	require.NoError(t, co.Start(ctx))
	defer co.Stop()

	require.NoError(t, co.Register(ctx, parent.ID, parent.Name, child1.Name, child1.ID, v1.CallbackAll, 0))
	require.NoError(t, co.Register(ctx, parent.ID, parent.Name, child2.Name, child2.ID, v1.CallbackAll, 0))

	require.NoError(t, b.Publish(ctx, "session.updated", bus.NewEvent("session.updated", "test", map[string]interface{}{
		"session_id": child1.ID, "status": string(v1.SessionFinished),
	})))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fake.requests)

	require.NoError(t, b.Publish(ctx, "session.updated", bus.NewEvent("session.updated", "test", map[string]interface{}{
		"session_id": child2.ID, "status": string(v1.SessionFinished),
	})))
	require.Eventually(t, func() bool { return len(fake.requests) == 1 }, time.Second, 10*time.Millisecond)
}

func TestOnParentIdleRedispatchesAfterDeferral(t *testing.T) {
	st := newTestStore(t)
	b := bus.NewMemoryBus()
	ctx := context.Background()

	parent := createTestSession(t, st, "ses_parent6", "parent6")
	child := createTestSession(t, st, "ses_child6", "child6")

	require.NoError(t, st.InsertRun(ctx, &v1.Run{
		ID: "run_busy6", Type: v1.RunStartSession, SessionID: parent.ID, SessionName: parent.Name,
		AgentName: "echoer", Status: v1.RunStarted, CreatedAt: time.Now().UTC(),
	}))

	co := callback.New(st, b, logger.Default(), false)
	fake := &fakeRunEnqueuer{}
	co.SetRunEnqueuer(fake)
	require.NoError(t, co.Start(ctx))
	defer co.Stop()

	require.NoError(t, co.Register(ctx, parent.ID, parent.Name, child.Name, child.ID, v1.CallbackImmediate, 0))

	require.NoError(t, b.Publish(ctx, "session.updated", bus.NewEvent("session.updated", "test", map[string]interface{}{
		"session_id": child.ID, "status": string(v1.SessionFinished),
	})))
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, fake.requests, "dispatch must defer while the parent's run is still open")

	regs, err := st.ListCallbacksByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, v1.CallbackChildCompleted, regs[0].Status)

	require.NoError(t, st.UpdateRunStatus(ctx, store.RunStatusUpdate{RunID: "run_busy6", Status: v1.RunFinished}))
	require.NoError(t, co.OnParentIdle(ctx, parent.ID))

	require.Len(t, fake.requests, 1)
	assert.Equal(t, parent.ID, fake.requests[0].SessionID)

	regs, err = st.ListCallbacksByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, v1.CallbackSent, regs[0].Status)
}

func TestCancelForSessionCancelsOpenRegistrations(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	parent := createTestSession(t, st, "ses_parent5", "parent5")
	child := createTestSession(t, st, "ses_child5", "child5")

	co := callback.New(st, bus.NewMemoryBus(), logger.Default(), false)
	require.NoError(t, co.Register(ctx, parent.ID, parent.Name, child.Name, child.ID, v1.CallbackBatch, 30))

	require.NoError(t, co.CancelForSession(ctx, parent.ID))

	regs, err := st.ListCallbacksByParent(ctx, parent.ID)
	require.NoError(t, err)
	require.Len(t, regs, 1)
	assert.Equal(t, v1.CallbackCancelled, regs[0].Status)
}
