// Package supervisor is the runner process: it registers with the
// coordinator, emits heartbeats, long-polls for claimable runs, spawns
// the executor subprocess for each one, forwards the executor's event
// stream back to the coordinator, and reports run status.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/blueprint"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/executor"
	"github.com/kandev/agent-coordinator/internal/mcpgateway"
	"github.com/kandev/agent-coordinator/internal/paramresolve"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// Coordinator is the subset of the coordinator's HTTP API the
// supervisor needs; satisfied by apiclient.Client.
type Coordinator interface {
	Register(ctx context.Context, req *v1.RegisterRunnerRequest) (*v1.RegisterRunnerResponse, error)
	Heartbeat(ctx context.Context, runnerID string) error
	Poll(ctx context.Context, req *v1.PollRequest) (*v1.PollResponse, error)
	ReportStarted(ctx context.Context, runID, runnerID, executorSessionID string) error
	ReportCompleted(ctx context.Context, runID, runnerID string, result map[string]interface{}) error
	ReportFailed(ctx context.Context, runID, runnerID, reason string) error
	ReportStopped(ctx context.Context, runID, runnerID, reason string) error
	AppendEvent(ctx context.Context, sessionID string, req *v1.AppendEventRequest) error
}

// Config configures one supervisor instance. It mirrors
// config.SupervisorConfig so the package has no dependency on viper.
type Config struct {
	Hostname        string
	ExecutorType    string
	ExecutorProfile string
	ProjectDir      string
	Tags            []string
	AgentsDir       string
	PollWait        time.Duration
	HeartbeatEvery  time.Duration
	StopGrace       time.Duration
}

// Supervisor owns this process's registration and its claimed runs.
type Supervisor struct {
	cfg         Config
	coordinator Coordinator
	gateway     *mcpgateway.Gateway
	resolver    *paramresolve.Resolver
	logger      *logger.Logger

	runnerID string

	mu     sync.Mutex
	active map[string]*activeRun // run id -> in-flight execution
}

type activeRun struct {
	run      *v1.Run
	proc     *executor.Process
	stopping bool
}

// New constructs a Supervisor. gateway may be nil in tests that don't
// exercise stage-2 MCP URL resolution.
func New(cfg Config, coordinator Coordinator, gateway *mcpgateway.Gateway, log *logger.Logger) *Supervisor {
	if log == nil {
		log = logger.Default()
	}
	return &Supervisor{
		cfg:         cfg,
		coordinator: coordinator,
		gateway:     gateway,
		resolver:    paramresolve.New(),
		logger:      log.WithFields(zap.String("component", "supervisor")),
		active:      make(map[string]*activeRun),
	}
}

// Register registers this runner with the coordinator, including any
// runner-owned blueprints found under cfg.AgentsDir.
func (s *Supervisor) Register(ctx context.Context) error {
	var agents []*v1.AgentBlueprint
	if s.cfg.AgentsDir != "" {
		loaded, err := blueprint.LoadDir(s.cfg.AgentsDir, v1.BlueprintSourceRunner, func(file string, err error) {
			s.logger.Error("failed to load local agent blueprint", zap.String("file", file), zap.Error(err))
		})
		if err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to read agents directory", zap.String("dir", s.cfg.AgentsDir), zap.Error(err))
		}
		agents = loaded
	}

	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}

	resp, err := s.coordinator.Register(ctx, &v1.RegisterRunnerRequest{
		Hostname:        s.cfg.Hostname,
		ExecutorType:    s.cfg.ExecutorType,
		ExecutorProfile: s.cfg.ExecutorProfile,
		ProjectDir:      s.cfg.ProjectDir,
		Tags:            s.cfg.Tags,
		Agents:          agents,
	})
	if err != nil {
		return fmt.Errorf("supervisor: register: %w", err)
	}
	s.runnerID = resp.RunnerID
	s.logger.Info("registered with coordinator", zap.String("runner_id", s.runnerID), zap.Strings("agents", names))
	return nil
}

// Run blocks, heartbeating and long-polling until ctx is cancelled.
func (s *Supervisor) Run(ctx context.Context) error {
	if s.runnerID == "" {
		if err := s.Register(ctx); err != nil {
			return err
		}
	}

	heartbeatEvery := s.cfg.HeartbeatEvery
	if heartbeatEvery <= 0 {
		heartbeatEvery = 30 * time.Second
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.heartbeatLoop(ctx, heartbeatEvery)
	}()
	go func() {
		defer wg.Done()
		s.pollLoop(ctx)
	}()
	wg.Wait()
	return nil
}

func (s *Supervisor) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.coordinator.Heartbeat(ctx, s.runnerID); err != nil {
				s.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) pollLoop(ctx context.Context) {
	waitSeconds := int(s.cfg.PollWait / time.Second)
	if waitSeconds <= 0 {
		waitSeconds = 30
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := s.coordinator.Poll(ctx, &v1.PollRequest{
			RunnerID:        s.runnerID,
			ExecutorType:    s.cfg.ExecutorType,
			ExecutorProfile: s.cfg.ExecutorProfile,
			Tags:            s.cfg.Tags,
			WaitSeconds:     waitSeconds,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("poll failed, backing off", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		for _, stop := range resp.StopRuns {
			s.handleStop(ctx, stop)
		}
		if resp.Run != nil {
			s.launch(ctx, resp.Run)
		}
	}
}

func (s *Supervisor) handleStop(ctx context.Context, cmd v1.StopRunCommand) {
	s.mu.Lock()
	ar, ok := s.active[cmd.RunID]
	s.mu.Unlock()
	if !ok {
		return
	}

	ar.stopping = true
	if err := ar.proc.Stop(ctx, s.cfg.StopGrace); err != nil {
		s.logger.Error("failed to stop run", zap.String("run_id", cmd.RunID), zap.Error(err))
	}
	if err := s.coordinator.ReportStopped(ctx, cmd.RunID, s.runnerID, cmd.Reason); err != nil {
		s.logger.Error("failed to report stopped", zap.String("run_id", cmd.RunID), zap.Error(err))
	}

	s.mu.Lock()
	delete(s.active, cmd.RunID)
	s.mu.Unlock()
}

// launch resolves stage-2 placeholders, spawns the executor, and
// forwards its stdout as session events until it exits.
func (s *Supervisor) launch(ctx context.Context, run *v1.Run) {
	mcpURL := ""
	if s.gateway != nil {
		mcpURL = s.gateway.URL()
	}
	bp, err := paramresolve.ResolveStage2(run.AgentBlueprint, mcpURL)
	if err != nil {
		s.fail(ctx, run, fmt.Sprintf("stage-2 placeholder resolution: %v", err))
		return
	}

	onLine := func(line string) {
		s.forwardLine(ctx, run.SessionID, line)
	}

	proc, err := executor.Spawn(bp.Command, map[string]string{
		"KANDEV_SESSION_ID": run.SessionID,
		"KANDEV_RUN_ID":     run.ID,
	}, run.ProjectDir, onLine, s.logger)
	if err != nil {
		s.fail(ctx, run, fmt.Sprintf("spawn executor: %v", err))
		return
	}

	ar := &activeRun{run: run, proc: proc}
	s.mu.Lock()
	s.active[run.ID] = ar
	s.mu.Unlock()

	if err := s.coordinator.ReportStarted(ctx, run.ID, s.runnerID, ""); err != nil {
		s.logger.Error("failed to report started", zap.String("run_id", run.ID), zap.Error(err))
	}

	go s.awaitExit(ctx, ar)
}

func (s *Supervisor) awaitExit(ctx context.Context, ar *activeRun) {
	exitCode, stderrTail := ar.proc.Wait()

	s.mu.Lock()
	delete(s.active, ar.run.ID)
	s.mu.Unlock()

	if ar.proc.Stopping() {
		// Stop already reported the terminal status.
		return
	}

	if exitCode != 0 {
		reason := fmt.Sprintf("executor exited with code %d", exitCode)
		if stderrTail != "" {
			reason = fmt.Sprintf("%s: %s", reason, stderrTail)
		}
		if err := s.coordinator.ReportFailed(ctx, ar.run.ID, s.runnerID, reason); err != nil {
			s.logger.Error("failed to report failed run", zap.String("run_id", ar.run.ID), zap.Error(err))
		}
		return
	}

	if err := s.coordinator.ReportCompleted(ctx, ar.run.ID, s.runnerID, nil); err != nil {
		s.logger.Error("failed to report completed run", zap.String("run_id", ar.run.ID), zap.Error(err))
	}
}

func (s *Supervisor) fail(ctx context.Context, run *v1.Run, reason string) {
	s.logger.Error("run failed before launch", zap.String("run_id", run.ID), zap.String("reason", reason))
	if err := s.coordinator.ReportFailed(ctx, run.ID, s.runnerID, reason); err != nil {
		s.logger.Error("failed to report failed run", zap.String("run_id", run.ID), zap.Error(err))
	}
}

// executorLine is the JSON shape an executor writes to stdout, one
// object per line, mirroring v1.AppendEventRequest.
type executorLine struct {
	v1.AppendEventRequest
}

// forwardLine parses one executor stdout line as an event append
// request and forwards it to the coordinator. A line that doesn't
// parse as JSON is logged and dropped rather than crashing the run —
// executors may emit their own diagnostic chatter on stdout too.
func (s *Supervisor) forwardLine(ctx context.Context, sessionID, line string) {
	var el executorLine
	if err := json.Unmarshal([]byte(line), &el); err != nil {
		s.logger.Debug("ignoring non-event stdout line", zap.String("line", line))
		return
	}
	if err := s.coordinator.AppendEvent(ctx, sessionID, &el.AppendEventRequest); err != nil {
		s.logger.Error("failed to append executor event", zap.String("session_id", sessionID), zap.Error(err))
	}
}
