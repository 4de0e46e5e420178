// Package runner implements the runner registry: registration, heartbeat
// liveness tracking, staleness/removal sweeps, and the cascading failure
// that follows a runner's removal.
package runner

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

const (
	SubjectRegistered = "runner.registered"
	SubjectRemoved    = "runner.removed"

	// DefaultStaleAfter is how long a runner may go without a heartbeat
	// before it's considered stale.
	DefaultStaleAfter = 120 * time.Second
	// DefaultRemoveAfter is how long a stale runner may stay unreachable
	// before it's removed and its work cascade-failed.
	DefaultRemoveAfter = 600 * time.Second
	// DefaultSweepInterval is how often the staleness sweep runs.
	DefaultSweepInterval = 15 * time.Second
)

// RunFailer is implemented by the run queue: on runner removal, every
// run it held claimed/started must be failed.
type RunFailer interface {
	FailRunsForRunner(ctx context.Context, runnerID, reason string) error
}

// Config holds the registry's staleness thresholds.
type Config struct {
	StaleAfter    time.Duration
	RemoveAfter   time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns the spec's recommended thresholds.
func DefaultConfig() Config {
	return Config{StaleAfter: DefaultStaleAfter, RemoveAfter: DefaultRemoveAfter, SweepInterval: DefaultSweepInterval}
}

// Registry is the runner registry component.
type Registry struct {
	store  *store.Store
	bus    bus.Bus
	log    *logger.Logger
	config Config
	runs   RunFailer

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Registry. runs may be nil at construction and wired
// later via SetRunFailer once the run queue exists.
func New(s *store.Store, b bus.Bus, log *logger.Logger, cfg Config) *Registry {
	return &Registry{store: s, bus: b, log: log.WithFields(zap.String("component", "runner_registry")), config: cfg}
}

func (r *Registry) SetRunFailer(rf RunFailer) { r.runs = rf }

// Register persists a new runner along with any blueprints it declares
// ownership of. Name conflicts against an existing blueprint reject the
// whole registration.
func (r *Registry) Register(ctx context.Context, req *v1.RegisterRunnerRequest) (*v1.Runner, error) {
	id, err := newRunnerID()
	if err != nil {
		return nil, apperr.Wrap(err, "generate runner id")
	}

	now := time.Now().UTC()
	rn := &v1.Runner{
		ID: id, Hostname: req.Hostname, ExecutorType: req.ExecutorType, ExecutorProfile: req.ExecutorProfile,
		ProjectDir: req.ProjectDir, Tags: req.Tags, LastHeartbeat: now, Status: v1.RunnerOnline, RegisteredAt: now,
	}

	for _, bp := range req.Agents {
		bp.Source = v1.BlueprintSourceRunner
		bp.OwnerRunnerID = id
		if err := r.store.InsertBlueprint(ctx, bp); err != nil {
			// Roll back any blueprints this registration already inserted —
			// conflict on one agent name rejects the whole registration.
			_, _ = r.store.DeleteBlueprintsByOwner(ctx, id)
			if errors.Is(err, store.ErrConflict) {
				return nil, apperr.Conflict(fmt.Sprintf("agent %q already registered by another runner", bp.Name))
			}
			return nil, apperr.Wrap(err, "register runner agents")
		}
		rn.Agents = append(rn.Agents, bp.Name)
	}

	if err := r.store.InsertRunner(ctx, rn); err != nil {
		return nil, apperr.Wrap(err, "register runner")
	}

	r.log.Info("runner registered", zap.String("runner_id", id), zap.String("hostname", req.Hostname))
	if r.bus != nil {
		_ = r.bus.Publish(ctx, SubjectRegistered, bus.NewEvent("runner.registered", "runner", map[string]interface{}{
			"runner": rn,
		}))
	}
	return rn, nil
}

// Heartbeat records liveness for runnerID, reviving it from stale if
// necessary.
func (r *Registry) Heartbeat(ctx context.Context, runnerID string) error {
	if err := r.store.Heartbeat(ctx, runnerID, time.Now().UTC()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return apperr.NotFound(fmt.Sprintf("runner %q not found", runnerID))
		}
		return apperr.Wrap(err, "heartbeat")
	}
	return nil
}

// Get fetches a runner by id.
func (r *Registry) Get(ctx context.Context, runnerID string) (*v1.Runner, error) {
	rn, err := r.store.GetRunner(ctx, runnerID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("runner %q not found", runnerID))
		}
		return nil, apperr.Wrap(err, "get runner")
	}
	return rn, nil
}

// List returns every registered runner.
func (r *Registry) List(ctx context.Context) ([]*v1.Runner, error) {
	runners, err := r.store.ListRunners(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "list runners")
	}
	return runners, nil
}

// Start launches the background staleness sweep.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner registry sweep already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	r.wg.Add(1)
	go r.sweepLoop(ctx)
	return nil
}

// Stop halts the sweep and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Registry) sweepLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.sweep(ctx); err != nil {
				r.log.Error("staleness sweep failed", zap.Error(err))
			}
		}
	}
}

func (r *Registry) sweep(ctx context.Context) error {
	now := time.Now().UTC()
	toStale, toRemove, err := r.store.ListStaleCandidates(ctx, now.Add(-r.config.StaleAfter), now.Add(-r.config.RemoveAfter))
	if err != nil {
		return fmt.Errorf("list stale candidates: %w", err)
	}

	for _, rn := range toStale {
		if err := r.store.UpdateRunnerStatus(ctx, rn.ID, v1.RunnerStale); err != nil {
			r.log.Error("mark runner stale failed", zap.String("runner_id", rn.ID), zap.Error(err))
			continue
		}
		r.log.Warn("runner marked stale", zap.String("runner_id", rn.ID), zap.String("hostname", rn.Hostname))
	}

	for _, rn := range toRemove {
		if err := r.remove(ctx, rn); err != nil {
			r.log.Error("runner removal failed", zap.String("runner_id", rn.ID), zap.Error(err))
		}
	}
	return nil
}

// remove transitions a runner to removed, deletes its owned blueprints,
// and cascade-fails any runs it still held.
func (r *Registry) remove(ctx context.Context, rn *v1.Runner) error {
	if err := r.store.UpdateRunnerStatus(ctx, rn.ID, v1.RunnerRemoved); err != nil {
		return fmt.Errorf("mark removed: %w", err)
	}

	names, err := r.store.DeleteBlueprintsByOwner(ctx, rn.ID)
	if err != nil {
		return fmt.Errorf("delete owned blueprints: %w", err)
	}

	if r.runs != nil {
		if err := r.runs.FailRunsForRunner(ctx, rn.ID, "runner disconnected during execution"); err != nil {
			return fmt.Errorf("fail claimed runs: %w", err)
		}
	}

	r.log.Warn("runner removed", zap.String("runner_id", rn.ID), zap.Strings("deleted_agents", names))
	if r.bus != nil {
		_ = r.bus.Publish(ctx, SubjectRemoved, bus.NewEvent("runner.removed", "runner", map[string]interface{}{
			"runner_id":      rn.ID,
			"deleted_agents": names,
		}))
	}
	return nil
}

func newRunnerID() (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "rnr_" + hex.EncodeToString(b), nil
}
