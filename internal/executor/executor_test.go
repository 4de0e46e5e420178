package executor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/executor"
)

func TestSpawnStreamsStdoutLines(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	p, err := executor.Spawn([]string{"/bin/sh", "-c", "echo one; echo two"}, nil, t.TempDir(), func(line string) {
		mu.Lock()
		lines = append(lines, line)
		mu.Unlock()
	}, logger.Default())
	require.NoError(t, err)

	code, _ := p.Wait()
	assert.Equal(t, 0, code)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestWaitReturnsNonZeroExitCodeAndStderrTail(t *testing.T) {
	p, err := executor.Spawn([]string{"/bin/sh", "-c", "echo boom >&2; exit 3"}, nil, t.TempDir(), nil, logger.Default())
	require.NoError(t, err)

	code, stderrTail := p.Wait()
	assert.Equal(t, 3, code)
	assert.Contains(t, stderrTail, "boom")
}

func TestSpawnPassesEnvironment(t *testing.T) {
	var mu sync.Mutex
	var lines []string

	p, err := executor.Spawn([]string{"/bin/sh", "-c", "echo $GREETING"}, map[string]string{"GREETING": "hi"},
		t.TempDir(), func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		}, logger.Default())
	require.NoError(t, err)
	p.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, lines, 1)
	assert.Equal(t, "hi", lines[0])
}

func TestStopSendsGracefulTermination(t *testing.T) {
	p, err := executor.Spawn([]string{"/bin/sh", "-c", "trap 'exit 0' TERM; while true; do sleep 0.05; done"},
		nil, t.TempDir(), nil, logger.Default())
	require.NoError(t, err)

	assert.False(t, p.Stopping())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, p.Stop(ctx, time.Second))
	assert.True(t, p.Stopping())

	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("process did not exit after Stop")
	}
}

func TestSpawnRejectsEmptyCommand(t *testing.T) {
	_, err := executor.Spawn(nil, nil, t.TempDir(), nil, logger.Default())
	require.Error(t, err)
}
