package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// fakeCoordinator is an in-memory double for the Coordinator interface.
type fakeCoordinator struct {
	mu sync.Mutex

	registered  *v1.RegisterRunnerRequest
	heartbeats  int
	polls       []*v1.PollRequest
	pollQueue   []*v1.PollResponse
	started     []string
	completed   []string
	failed      []string
	failReasons []string
	stopped     []string
	events      []*v1.AppendEventRequest
}

func (f *fakeCoordinator) Register(ctx context.Context, req *v1.RegisterRunnerRequest) (*v1.RegisterRunnerResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registered = req
	return &v1.RegisterRunnerResponse{RunnerID: "run_1"}, nil
}

func (f *fakeCoordinator) Heartbeat(ctx context.Context, runnerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.heartbeats++
	return nil
}

func (f *fakeCoordinator) Poll(ctx context.Context, req *v1.PollRequest) (*v1.PollResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls = append(f.polls, req)
	if len(f.pollQueue) == 0 {
		return &v1.PollResponse{}, nil
	}
	resp := f.pollQueue[0]
	f.pollQueue = f.pollQueue[1:]
	return resp, nil
}

func (f *fakeCoordinator) ReportStarted(ctx context.Context, runID, runnerID, executorSessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, runID)
	return nil
}

func (f *fakeCoordinator) ReportCompleted(ctx context.Context, runID, runnerID string, result map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed = append(f.completed, runID)
	return nil
}

func (f *fakeCoordinator) ReportFailed(ctx context.Context, runID, runnerID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, runID)
	f.failReasons = append(f.failReasons, reason)
	return nil
}

func (f *fakeCoordinator) ReportStopped(ctx context.Context, runID, runnerID, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, runID)
	return nil
}

func (f *fakeCoordinator) AppendEvent(ctx context.Context, sessionID string, req *v1.AppendEventRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, req)
	return nil
}

func (f *fakeCoordinator) snapshot() fakeCoordinator {
	f.mu.Lock()
	defer f.mu.Unlock()
	return fakeCoordinator{
		started:     append([]string(nil), f.started...),
		completed:   append([]string(nil), f.completed...),
		failed:      append([]string(nil), f.failed...),
		failReasons: append([]string(nil), f.failReasons...),
		stopped:     append([]string(nil), f.stopped...),
	}
}

func TestRegisterSendsRunnerIdentity(t *testing.T) {
	fc := &fakeCoordinator{}
	s := New(Config{
		Hostname:     "box1",
		ExecutorType: "claude",
		Tags:         []string{"gpu"},
	}, fc, nil, nil)

	require.NoError(t, s.Register(context.Background()))
	require.NotNil(t, fc.registered)
	assert.Equal(t, "box1", fc.registered.Hostname)
	assert.Equal(t, "claude", fc.registered.ExecutorType)
	assert.Equal(t, []string{"gpu"}, fc.registered.Tags)
	assert.Equal(t, "run_1", s.runnerID)
}

func TestLaunchReportsCompletedOnCleanExit(t *testing.T) {
	fc := &fakeCoordinator{}
	s := New(Config{Hostname: "box1", ExecutorType: "shell"}, fc, nil, nil)
	s.runnerID = "run_1"

	run := &v1.Run{
		ID:        "job_1",
		SessionID: "ses_1",
		AgentBlueprint: &v1.AgentBlueprint{
			Name:    "echoer",
			Command: []string{"/bin/sh", "-c", "echo hi"},
		},
	}

	s.launch(context.Background(), run)

	require.Eventually(t, func() bool {
		snap := fc.snapshot()
		return len(snap.completed) == 1 || len(snap.failed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := fc.snapshot()
	assert.Equal(t, []string{"job_1"}, snap.completed)
	assert.Empty(t, snap.failed)
}

func TestLaunchReportsFailedOnNonZeroExit(t *testing.T) {
	fc := &fakeCoordinator{}
	s := New(Config{Hostname: "box1", ExecutorType: "shell"}, fc, nil, nil)
	s.runnerID = "run_1"

	run := &v1.Run{
		ID:        "job_2",
		SessionID: "ses_1",
		AgentBlueprint: &v1.AgentBlueprint{
			Name:    "failer",
			Command: []string{"/bin/sh", "-c", "exit 3"},
		},
	}

	s.launch(context.Background(), run)

	require.Eventually(t, func() bool {
		snap := fc.snapshot()
		return len(snap.completed) == 1 || len(snap.failed) == 1
	}, 2*time.Second, 10*time.Millisecond)

	snap := fc.snapshot()
	assert.Equal(t, []string{"job_2"}, snap.failed)
	assert.Contains(t, snap.failReasons[0], "exit code 3")
}

func TestLaunchFailsFastOnStage2ResolutionError(t *testing.T) {
	fc := &fakeCoordinator{}
	s := New(Config{Hostname: "box1", ExecutorType: "shell"}, fc, nil, nil)
	s.runnerID = "run_1"

	run := &v1.Run{
		ID:        "job_3",
		SessionID: "ses_1",
		AgentBlueprint: &v1.AgentBlueprint{
			Name:    "broken",
			Command: []string{"${unresolved.token}"},
		},
	}

	s.launch(context.Background(), run)

	snap := fc.snapshot()
	require.Len(t, snap.failed, 1)
	assert.Equal(t, "job_3", snap.failed[0])
	assert.Empty(t, snap.started)
}

func TestHandleStopSendsSignalAndReportsStopped(t *testing.T) {
	fc := &fakeCoordinator{}
	s := New(Config{Hostname: "box1", ExecutorType: "shell", StopGrace: time.Second}, fc, nil, nil)
	s.runnerID = "run_1"

	run := &v1.Run{
		ID:        "job_4",
		SessionID: "ses_1",
		AgentBlueprint: &v1.AgentBlueprint{
			Name:    "sleeper",
			Command: []string{"/bin/sh", "-c", "sleep 30"},
		},
	}
	s.launch(context.Background(), run)

	s.mu.Lock()
	_, ok := s.active["job_4"]
	s.mu.Unlock()
	require.True(t, ok)

	s.handleStop(context.Background(), v1.StopRunCommand{RunID: "job_4", Reason: "user requested"})

	snap := fc.snapshot()
	require.Len(t, snap.stopped, 1)
	assert.Equal(t, "job_4", snap.stopped[0])

	s.mu.Lock()
	_, stillActive := s.active["job_4"]
	s.mu.Unlock()
	assert.False(t, stillActive)
}
