package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/database"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/eventlog"
	"github.com/kandev/agent-coordinator/internal/session"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

func newTestRegistry(t *testing.T) *session.Registry {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(ctx, db)
	require.NoError(t, err)

	elog := eventlog.New(st, bus.NewMemoryBus())
	return session.New(st, elog, bus.NewMemoryBus())
}

func TestCreateAndGetSession(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, &v1.CreateSessionRequest{
		Name: "alpha", ProjectDir: "/tmp/proj", AgentName: "echoer", CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, v1.SessionPending, sess.Status)

	fetched, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha", fetched.Name)
	assert.Equal(t, "alice", fetched.CreatedBy)
}

func TestCreateRejectsDuplicateName(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Create(ctx, &v1.CreateSessionRequest{
		Name: "dup", ProjectDir: "/tmp", AgentName: "echoer", CreatedBy: "bob",
	})
	require.NoError(t, err)

	_, err = reg.Create(ctx, &v1.CreateSessionRequest{
		Name: "dup", ProjectDir: "/tmp", AgentName: "echoer", CreatedBy: "bob",
	})
	require.Error(t, err)
}

func TestStatusReflectsLifecycle(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, &v1.CreateSessionRequest{
		Name: "status-test", ProjectDir: "/tmp", AgentName: "echoer", CreatedBy: "carol",
	})
	require.NoError(t, err)

	status, err := reg.Status(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, "running", status)

	status, err = reg.Status(ctx, "ses_does_not_exist")
	require.NoError(t, err)
	assert.Equal(t, "not_existent", status)
}

func TestResultNotReadyUntilTerminal(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, &v1.CreateSessionRequest{
		Name: "result-test", ProjectDir: "/tmp", AgentName: "echoer", CreatedBy: "dan",
	})
	require.NoError(t, err)

	_, err = reg.Result(ctx, sess.ID)
	require.Error(t, err)
}

func TestDeleteSessionRemovesIt(t *testing.T) {
	reg := newTestRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, &v1.CreateSessionRequest{
		Name: "to-delete", ProjectDir: "/tmp", AgentName: "echoer", CreatedBy: "eve",
	})
	require.NoError(t, err)

	require.NoError(t, reg.Delete(ctx, sess.ID))

	_, err = reg.Get(ctx, sess.ID)
	require.Error(t, err)
}
