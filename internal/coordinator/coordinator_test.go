package coordinator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/coordinator"
	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

func testConfig() config.Config {
	return config.Config{
		Database:  config.DatabaseConfig{Driver: "sqlite", Path: ":memory:"},
		Broadcast: config.BroadcastConfig{SubscriberQueueSize: 16, ReplayWindowSeconds: 60, HeartbeatIntervalSeconds: 30},
	}
}

func TestNewWiresEveryComponent(t *testing.T) {
	co, err := coordinator.New(context.Background(), testConfig(), logger.Default())
	require.NoError(t, err)
	require.NotNil(t, co.Store)
	require.NotNil(t, co.Sessions)
	require.NotNil(t, co.Runs)
	require.NotNil(t, co.Runners)
	require.NotNil(t, co.Blueprints)
	require.NotNil(t, co.Callbacks)
	require.NotNil(t, co.Broadcast)
}

func TestStartTwiceReturnsErrAlreadyRunning(t *testing.T) {
	co, err := coordinator.New(context.Background(), testConfig(), logger.Default())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, co.Start(ctx))
	defer co.Stop(ctx)

	err = co.Start(ctx)
	assert.ErrorIs(t, err, coordinator.ErrAlreadyRunning)
}

func TestStartStopEndToEndSessionLifecycle(t *testing.T) {
	co, err := coordinator.New(context.Background(), testConfig(), logger.Default())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, co.Start(ctx))

	sess, err := co.Sessions.Create(ctx, &v1.CreateSessionRequest{
		Name: "smoke", ProjectDir: "/tmp", AgentName: "echoer", CreatedBy: "alice",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)

	require.NoError(t, co.Stop(ctx))
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	co, err := coordinator.New(context.Background(), testConfig(), logger.Default())
	require.NoError(t, err)
	assert.NoError(t, co.Stop(context.Background()))
}
