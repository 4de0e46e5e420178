package runqueue_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/blueprint"
	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/database"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/eventlog"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/paramresolve"
	"github.com/kandev/agent-coordinator/internal/runqueue"
	"github.com/kandev/agent-coordinator/internal/session"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

func newTestQueue(t *testing.T) *runqueue.Queue {
	t.Helper()
	q, _ := newTestQueueWithStore(t)
	return q
}

func newTestQueueWithStore(t *testing.T) (*runqueue.Queue, *store.Store) {
	t.Helper()
	ctx := context.Background()

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "echoer.yaml"), []byte(`
type: autonomous
command: ["echo", "${params.prompt}"]
`), 0o644))

	db, err := database.Open(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(ctx, db)
	require.NoError(t, err)

	b := bus.NewMemoryBus()
	elog := eventlog.New(st, b)
	sessions := session.New(st, elog, b)
	blueprints := blueprint.New(st, logger.Default(), dir, blueprint.DefaultRescanInterval)
	require.NoError(t, blueprints.Rescan(ctx))

	q, err := runqueue.New(ctx, st, b, elog, logger.Default(), sessions, blueprints, paramresolve.New())
	require.NoError(t, err)
	return q, st
}

type fakeCallbackRegistrar struct {
	registered  []string
	parentIdled []string
}

func (f *fakeCallbackRegistrar) Register(ctx context.Context, parentSessionID, parentSessionName, childSessionName, childSessionID string,
	strategy v1.CallbackStrategy, batchDelaySeconds int) error {
	f.registered = append(f.registered, childSessionName)
	return nil
}

func (f *fakeCallbackRegistrar) OnParentIdle(ctx context.Context, parentSessionID string) error {
	f.parentIdled = append(f.parentIdled, parentSessionID)
	return nil
}

func TestCreateEnqueuesPendingRun(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	resp, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, resp.RunID)
	assert.NotEmpty(t, resp.SessionID)

	status := q.Status()
	assert.Equal(t, 1, status.PendingCount)
}

func TestPollClaimsMatchingRun(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "bob", ExecutorType: "shell",
	})
	require.NoError(t, err)

	resp, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_1", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	require.NotNil(t, resp.Run)
	assert.Equal(t, v1.RunClaimed, resp.Run.Status)
	assert.Equal(t, 0, q.Status().PendingCount)
}

func TestPollReturnsEmptyWhenNoMatch(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_2", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	assert.Nil(t, resp.Run)
}

func TestLifecycleStartedCompleted(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "carol", ExecutorType: "shell",
	})
	require.NoError(t, err)

	poll, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_3", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	require.NotNil(t, poll.Run)

	require.NoError(t, q.Started(ctx, poll.Run.ID, "runner_3", "exec-session-1"))
	require.NoError(t, q.Completed(ctx, poll.Run.ID, "runner_3"))

	run, err := q.Get(ctx, poll.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunFinished, run.Status)
}

func TestTransitionRejectsWrongRunner(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "dan", ExecutorType: "shell",
	})
	require.NoError(t, err)

	poll, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_4", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	require.NotNil(t, poll.Run)

	err = q.Started(ctx, poll.Run.ID, "someone_else", "exec-session-2")
	require.Error(t, err)
}

func TestStopPendingRunMarksStoppedImmediately(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	resp, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "eve",
	})
	require.NoError(t, err)

	require.NoError(t, q.Stop(ctx, resp.RunID, "cancelled"))

	run, err := q.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunStopped, run.Status)
	assert.Equal(t, 0, q.Status().PendingCount)
}

func TestStopClaimedRunQueuesStopCommandForNextPoll(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	resp, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "frank", ExecutorType: "shell",
	})
	require.NoError(t, err)

	poll, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_5", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	require.NotNil(t, poll.Run)
	assert.Equal(t, resp.RunID, poll.Run.ID)

	require.NoError(t, q.Stop(ctx, resp.RunID, "cancelled"))

	next, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_5", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	require.Len(t, next.StopRuns, 1)
	assert.Equal(t, resp.RunID, next.StopRuns[0].RunID)
}

func TestFailRunsForRunnerFailsClaimedRuns(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	resp, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "gina", ExecutorType: "shell",
	})
	require.NoError(t, err)

	poll, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_6", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	require.NotNil(t, poll.Run)

	require.NoError(t, q.FailRunsForRunner(ctx, "runner_6", "runner lost"))

	run, err := q.Get(ctx, resp.RunID)
	require.NoError(t, err)
	assert.Equal(t, v1.RunFailed, run.Status)
}

func TestCompletedNotifiesCallbackRegistrarOfParentIdle(t *testing.T) {
	q, _ := newTestQueueWithStore(t)
	ctx := context.Background()

	fake := &fakeCallbackRegistrar{}
	q.SetCallbackRegistrar(fake)

	resp, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "iris", ExecutorType: "shell",
	})
	require.NoError(t, err)

	poll, err := q.Poll(ctx, &v1.PollRequest{RunnerID: "runner_7", ExecutorType: "shell", WaitSeconds: 1})
	require.NoError(t, err)
	require.NotNil(t, poll.Run)

	require.NoError(t, q.Started(ctx, poll.Run.ID, "runner_7", "exec-session-7"))
	assert.Empty(t, fake.parentIdled, "Started is not terminal; no parent-idle notification yet")

	require.NoError(t, q.Completed(ctx, poll.Run.ID, "runner_7"))
	require.Len(t, fake.parentIdled, 1)
	assert.Equal(t, resp.SessionID, fake.parentIdled[0])
}

func TestCreateResumeSessionTouchesLastResumedAt(t *testing.T) {
	q, st := newTestQueueWithStore(t)
	ctx := context.Background()

	resp, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "jack",
	})
	require.NoError(t, err)

	before, err := st.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	assert.Nil(t, before.LastResumedAt)

	_, err = q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunResumeSession, SessionID: resp.SessionID, SessionName: "echoer-resumed",
		AgentName: "echoer", Prompt: "continue", CreatedBy: "jack",
	})
	require.NoError(t, err)

	after, err := st.GetSession(ctx, resp.SessionID)
	require.NoError(t, err)
	require.NotNil(t, after.LastResumedAt)
}

func TestListFiltersByStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Create(ctx, &v1.CreateRunRequest{
		Type: v1.RunStartSession, AgentName: "echoer", Prompt: "hi", CreatedBy: "henry",
	})
	require.NoError(t, err)

	runs, err := q.List(ctx, v1.RunListFilter{Status: v1.RunPending})
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
