// Command runner is the agent runner process: it registers with a
// coordinator, claims runs matching its executor type and tags, and
// executes each one as a subprocess, forwarding its event stream back.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agent-coordinator/internal/apiclient"
	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/mcpgateway"
	"github.com/kandev/agent-coordinator/internal/supervisor"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.New(logger.Config{
		Level: cfg.Logging.Level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("starting runner", zap.String("coordinator_url", cfg.Supervisor.CoordinatorURL))

	hostname := cfg.Supervisor.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := apiclient.New(cfg.Supervisor.CoordinatorURL, cfg.Auth.APIKey, cfg.Supervisor.PollWait()+10*time.Second)

	gateway := mcpgateway.New(cfg.Supervisor.MCPGatewayPort, client, log)
	if err := gateway.Start(ctx); err != nil {
		log.Fatal("failed to start mcp gateway", zap.Error(err))
	}

	sup := supervisor.New(supervisor.Config{
		Hostname:        hostname,
		ExecutorType:    cfg.Supervisor.ExecutorType,
		ExecutorProfile: cfg.Supervisor.ExecutorProfile,
		ProjectDir:      cfg.Supervisor.ProjectDir,
		Tags:            cfg.Supervisor.Tags,
		AgentsDir:       cfg.Supervisor.AgentsDir,
		PollWait:        cfg.Supervisor.PollWait(),
		HeartbeatEvery:  cfg.Runner.HeartbeatInterval(),
		StopGrace:       cfg.Supervisor.StopGrace(),
	}, client, gateway, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return sup.Run(gctx)
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutdown signal received")
	case <-gctx.Done():
	}

	cancel()
	if err := g.Wait(); err != nil {
		log.Error("supervisor stopped with error", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := gateway.Stop(shutdownCtx); err != nil {
		log.Error("mcp gateway shutdown error", zap.Error(err))
	}

	log.Info("runner stopped")
}
