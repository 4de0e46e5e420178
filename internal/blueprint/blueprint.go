// Package blueprint loads coordinator-owned agent blueprints from a
// directory of YAML files and keeps the store in sync with it on a
// periodic rescan.
package blueprint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/store"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// DefaultRescanInterval is how often the agents directory is re-read.
const DefaultRescanInterval = 30 * time.Second

// fileBlueprint is the on-disk shape of one agent definition file.
type fileBlueprint struct {
	Type             v1.BlueprintType       `yaml:"type"`
	Description      string                 `yaml:"description"`
	SystemPrompt     string                 `yaml:"system_prompt"`
	Command          []string               `yaml:"command"`
	ParametersSchema map[string]interface{} `yaml:"parameters_schema"`
	MCPServers       map[string]interface{} `yaml:"mcp_servers"`
}

// Registry is the coordinator-owned blueprint component: it serves
// blueprint lookups backed by the store, and runs the directory loader
// that keeps file-backed blueprints in sync with dir.
type Registry struct {
	store *store.Store
	log   *logger.Logger
	dir   string
	interval time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New constructs a Registry over dir. An empty dir disables the
// directory loader entirely (Start becomes a no-op); lookups still work
// against whatever runner-owned blueprints have been registered.
func New(s *store.Store, log *logger.Logger, dir string, interval time.Duration) *Registry {
	if interval <= 0 {
		interval = DefaultRescanInterval
	}
	return &Registry{store: s, log: log.WithFields(zap.String("component", "blueprint_registry")), dir: dir, interval: interval}
}

// Get fetches a blueprint by name, applying the implicit autonomous
// schema when an autonomous blueprint declares none of its own.
func (r *Registry) Get(ctx context.Context, name string) (*v1.AgentBlueprint, error) {
	bp, err := r.store.GetBlueprint(ctx, name)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, apperr.NotFound(fmt.Sprintf("agent %q not found", name))
		}
		return nil, apperr.Wrap(err, "get blueprint")
	}
	if bp.Type == v1.BlueprintAutonomous && bp.ParametersSchema == nil {
		bp.ParametersSchema = v1.ImplicitAutonomousSchema
	}
	return bp, nil
}

// List returns every registered blueprint, optionally filtered by tag
// via the caller (blueprints don't carry tags of their own — this
// passes through to the store as-is).
func (r *Registry) List(ctx context.Context) ([]*v1.AgentBlueprint, error) {
	bps, err := r.store.ListBlueprints(ctx)
	if err != nil {
		return nil, apperr.Wrap(err, "list blueprints")
	}
	return bps, nil
}

// Start performs an initial synchronous scan, then launches the
// periodic rescan loop. A misconfigured or missing directory does not
// prevent startup — it's logged and retried on the next tick.
func (r *Registry) Start(ctx context.Context) error {
	if r.dir == "" {
		r.log.Info("agent blueprint directory disabled, skipping directory loader")
		return nil
	}

	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("blueprint directory loader already running")
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.mu.Unlock()

	if err := r.Rescan(ctx); err != nil {
		r.log.Warn("initial blueprint directory scan failed", zap.Error(err))
	}

	r.wg.Add(1)
	go r.rescanLoop(ctx)
	return nil
}

// Stop halts the rescan loop and waits for it to exit.
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

func (r *Registry) rescanLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if err := r.Rescan(ctx); err != nil {
				r.log.Error("blueprint directory rescan failed", zap.Error(err))
			}
		}
	}
}

// Rescan reads every *.yaml/*.yml file in dir and upserts it as a
// file-backed blueprint. It does not delete blueprints whose file has
// been removed — a stale definition is harmless and a deletion race
// against an in-flight run would not be.
func (r *Registry) Rescan(ctx context.Context) error {
	blueprints, err := LoadDir(r.dir, v1.BlueprintSourceFile, func(file string, err error) {
		r.log.Error("failed to load blueprint file", zap.String("file", file), zap.Error(err))
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	loaded := 0
	for _, bp := range blueprints {
		if err := r.store.UpsertFileBlueprint(ctx, bp); err != nil {
			r.log.Error("failed to upsert blueprint", zap.String("agent", bp.Name), zap.Error(err))
			continue
		}
		loaded++
	}

	r.log.Debug("blueprint directory rescanned", zap.Int("loaded", loaded), zap.String("dir", r.dir))
	return nil
}

// LoadDir reads every *.yaml/*.yml file in dir and parses it into an
// AgentBlueprint tagged with source, skipping (and reporting via
// onError, if non-nil) any file that fails to parse. Used by the
// coordinator's own rescan loop (BlueprintSourceFile) and by the runner
// supervisor, which loads its own locally-defined agents to register as
// runner-owned (BlueprintSourceRunner).
func LoadDir(dir string, source v1.BlueprintSource, onError func(file string, err error)) ([]*v1.AgentBlueprint, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	var blueprints []*v1.AgentBlueprint
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		bp, err := loadFile(filepath.Join(dir, entry.Name()), source)
		if err != nil {
			if onError != nil {
				onError(entry.Name(), err)
			}
			continue
		}
		blueprints = append(blueprints, bp)
	}
	return blueprints, nil
}

func loadFile(path string, source v1.BlueprintSource) (*v1.AgentBlueprint, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var fb fileBlueprint
	if err := yaml.Unmarshal(raw, &fb); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}

	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if fb.Type == "" {
		fb.Type = v1.BlueprintAutonomous
	}

	return &v1.AgentBlueprint{
		Name: name, Type: fb.Type, Source: source,
		Description: fb.Description, SystemPrompt: fb.SystemPrompt, Command: fb.Command,
		ParametersSchema: fb.ParametersSchema, MCPServers: fb.MCPServers,
	}, nil
}
