// Command coordinator runs the agent coordinator: the HTTP control
// plane that accepts session and run requests, dispatches work to
// polling runners, and fans session/event changes out over SSE.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kandev/agent-coordinator/internal/common/config"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/coordinator"
	"github.com/kandev/agent-coordinator/internal/coordinator/api"
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

	log.Info("starting coordinator")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	co, err := coordinator.New(ctx, *cfg, log)
	if err != nil {
		log.Fatal("failed to construct coordinator", zap.Error(err))
	}
	if err := co.Start(ctx); err != nil {
		log.Fatal("failed to start coordinator", zap.Error(err))
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	api.SetupRoutes(router, co, log)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("http server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
		log.Info("shutdown signal received")
	case <-gctx.Done():
		log.Error("http server exited unexpectedly")
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), coordinator.ShutdownTimeout())
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("http server shutdown error", zap.Error(err))
	}
	if err := co.Stop(shutdownCtx); err != nil {
		log.Error("coordinator stop error", zap.Error(err))
	}
	if err := g.Wait(); err != nil {
		log.Error("server goroutine error", zap.Error(err))
	}

	log.Info("coordinator stopped")
}
