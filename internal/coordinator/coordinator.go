// Package coordinator assembles the coordinator's components — store,
// event log, session registry, run queue, runner registry, blueprint
// registry, callback coordinator, and SSE broadcaster — into one
// runnable service, wiring the late-binding setters that break their
// natural initialization cycles.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/blueprint"
	"github.com/kandev/agent-coordinator/internal/broadcast"
	"github.com/kandev/agent-coordinator/internal/callback"
	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/database"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/eventlog"
	"github.com/kandev/agent-coordinator/internal/paramresolve"
	"github.com/kandev/agent-coordinator/internal/runner"
	"github.com/kandev/agent-coordinator/internal/runqueue"
	"github.com/kandev/agent-coordinator/internal/session"
	"github.com/kandev/agent-coordinator/internal/store"
)

// ErrAlreadyRunning is returned by Start when called twice.
var ErrAlreadyRunning = errors.New("coordinator: already running")

// Coordinator holds every coordinator-side component, fully wired.
type Coordinator struct {
	Config config.Config
	Logger *logger.Logger

	DB    *database.DB
	Store *store.Store
	Bus   bus.Bus

	EventLog   *eventlog.Log
	Sessions   *session.Registry
	Runs       *runqueue.Queue
	Runners    *runner.Registry
	Blueprints *blueprint.Registry
	Callbacks  *callback.Coordinator
	Broadcast  *broadcast.Broadcaster

	mu      sync.Mutex
	running bool
}

// New opens the database, constructs every component, and wires the
// setters that resolve their mutual dependencies. It does not start any
// background loop — call Start for that.
func New(ctx context.Context, cfg config.Config, log *logger.Logger) (*Coordinator, error) {
	if log == nil {
		log = logger.Default()
	}
	clog := log.WithFields(zap.String("component", "coordinator"))

	db, err := database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("coordinator: open database: %w", err)
	}

	st, err := store.Open(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("coordinator: open store: %w", err)
	}

	var eventBus bus.Bus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSBus(cfg.NATS.URL, cfg.Events.Namespace)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("coordinator: connect nats: %w", err)
		}
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemoryBus()
	}

	elog := eventlog.New(st, eventBus)
	sessions := session.New(st, elog, eventBus)

	runnerCfg := runner.Config{
		StaleAfter:    cfg.Runner.StaleAfter(),
		RemoveAfter:   cfg.Runner.RemoveAfter(),
		SweepInterval: runner.DefaultSweepInterval,
	}
	runners := runner.New(st, eventBus, clog, runnerCfg)

	blueprints := blueprint.New(st, clog, cfg.Runner.AgentsDir, blueprint.DefaultRescanInterval)
	resolver := paramresolve.New()

	runs, err := runqueue.New(ctx, st, eventBus, elog, clog, sessions, blueprints, resolver)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("coordinator: construct run queue: %w", err)
	}

	callbacks := callback.New(st, eventBus, clog, cfg.Placeholder.BatchWindowResets)

	// Break the initialization cycles: sessions <-> callbacks <-> runs,
	// runners -> runs (cascading failure on removal).
	sessions.SetChildAttacher(callbacks)
	sessions.SetRunStopper(runs)
	sessions.SetCallbackCanceller(callbacks)
	runs.SetCallbackRegistrar(callbacks)
	callbacks.SetRunEnqueuer(runs)
	runners.SetRunFailer(runs)

	bc := broadcast.New(sessions, cfg.Broadcast.SubscriberQueueSize, cfg.Broadcast.ReplayWindow(), clog)

	return &Coordinator{
		Config:     cfg,
		Logger:     clog,
		DB:         db,
		Store:      st,
		Bus:        eventBus,
		EventLog:   elog,
		Sessions:   sessions,
		Runs:       runs,
		Runners:    runners,
		Blueprints: blueprints,
		Callbacks:  callbacks,
		Broadcast:  bc,
	}, nil
}

// Start launches every component's background loop.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	c.running = true
	c.mu.Unlock()

	if err := c.Blueprints.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start blueprint registry: %w", err)
	}
	if err := c.Runners.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start runner registry: %w", err)
	}
	if err := c.Callbacks.Start(ctx); err != nil {
		return fmt.Errorf("coordinator: start callback coordinator: %w", err)
	}
	if err := c.Broadcast.Start(ctx, c.Bus); err != nil {
		return fmt.Errorf("coordinator: start broadcaster: %w", err)
	}

	c.Logger.Info("coordinator started")
	return nil
}

// Stop tears every component down in reverse dependency order and
// closes the store and bus. An error from one step doesn't stop the
// remaining shutdown steps; the first collected error is returned once
// every step has run.
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	c.mu.Unlock()

	c.Broadcast.Stop()
	c.Callbacks.Stop()
	c.Runners.Stop()
	c.Blueprints.Stop()
	c.Runs.Shutdown()

	var errs []error
	if err := c.Store.Close(); err != nil {
		errs = append(errs, err)
	}
	c.Bus.Close()

	c.Logger.Info("coordinator stopped")
	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

// shutdownTimeout bounds how long Stop waits for in-flight work before
// the process exits anyway.
const shutdownTimeout = 10 * time.Second

// ShutdownTimeout returns the grace period cmd/coordinator gives Stop.
func ShutdownTimeout() time.Duration { return shutdownTimeout }
