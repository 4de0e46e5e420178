package runner_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/database"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/runner"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

func newTestRegistry(t *testing.T) (*runner.Registry, *store.Store) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	st, err := store.Open(ctx, db)
	require.NoError(t, err)

	return runner.New(st, bus.NewMemoryBus(), logger.Default(), runner.DefaultConfig()), st
}

func TestRegisterAndHeartbeat(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rn, err := reg.Register(ctx, &v1.RegisterRunnerRequest{
		Hostname: "box1", ExecutorType: "shell", Tags: []string{"gpu"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rn.ID)
	assert.Equal(t, v1.RunnerOnline, rn.Status)

	require.NoError(t, reg.Heartbeat(ctx, rn.ID))

	fetched, err := reg.Get(ctx, rn.ID)
	require.NoError(t, err)
	assert.Equal(t, "box1", fetched.Hostname)
}

func TestRegisterWithOwnedBlueprint(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	rn, err := reg.Register(ctx, &v1.RegisterRunnerRequest{
		Hostname: "box2", ExecutorType: "shell",
		Agents: []*v1.AgentBlueprint{{Name: "procagent", Type: v1.BlueprintProcedural, Command: []string{"true"}}},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"procagent"}, rn.Agents)
}

func TestRegisterRejectsDuplicateAgentName(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &v1.RegisterRunnerRequest{
		Hostname: "box3", ExecutorType: "shell",
		Agents: []*v1.AgentBlueprint{{Name: "dupagent", Command: []string{"true"}}},
	})
	require.NoError(t, err)

	_, err = reg.Register(ctx, &v1.RegisterRunnerRequest{
		Hostname: "box4", ExecutorType: "shell",
		Agents: []*v1.AgentBlueprint{{Name: "dupagent", Command: []string{"true"}}},
	})
	require.Error(t, err)
}

func TestHeartbeatUnknownRunnerNotFound(t *testing.T) {
	reg, _ := newTestRegistry(t)
	require.Error(t, reg.Heartbeat(context.Background(), "run_does_not_exist"))
}

func TestListReturnsRegisteredRunners(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, &v1.RegisterRunnerRequest{Hostname: "box5", ExecutorType: "shell"})
	require.NoError(t, err)

	runners, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, runners, 1)
}
