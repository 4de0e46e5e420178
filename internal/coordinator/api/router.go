// Package api exposes the coordinator's HTTP surface: session and run
// CRUD, the runner-facing registration/heartbeat/poll/report endpoints,
// blueprint listing, and the SSE event stream.
package api

import (
	"github.com/gin-gonic/gin"

	"github.com/kandev/agent-coordinator/internal/common/httpmw"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/coordinator"
)

// SetupRoutes registers every coordinator endpoint onto router.
func SetupRoutes(router *gin.Engine, co *coordinator.Coordinator, log *logger.Logger) {
	router.Use(
		httpmw.Recovery(log),
		httpmw.CORS(),
		httpmw.OtelTracing("coordinator"),
		httpmw.RequestLogger(log, "coordinator"),
		httpmw.Auth(co.Config.Auth.Enabled, co.Config.Auth.APIKey),
	)

	h := NewHandler(co, log)

	sessions := router.Group("/sessions")
	{
		sessions.POST("", h.CreateSession)
		sessions.GET("", h.ListSessions)
		sessions.GET("/:id", h.GetSession)
		sessions.GET("/:id/status", h.GetSessionStatus)
		sessions.GET("/:id/result", h.GetSessionResult)
		sessions.GET("/:id/events", h.ListSessionEvents)
		sessions.POST("/:id/events", h.AppendSessionEvent)
		sessions.DELETE("/:id", h.DeleteSession)
	}

	runs := router.Group("/runs")
	{
		runs.POST("", h.CreateRun)
		runs.GET("", h.ListRuns)
		runs.GET("/:id", h.GetRun)
		runs.POST("/:id/stop", h.StopRun)
	}

	runner := router.Group("/runner")
	{
		runner.POST("/register", h.RegisterRunner)
		runner.POST("/heartbeat", h.Heartbeat)
		runner.GET("/runs", h.PollRuns)
		runner.POST("/runs/:id/started", h.RunStarted)
		runner.POST("/runs/:id/completed", h.RunCompleted)
		runner.POST("/runs/:id/failed", h.RunFailed)
		runner.POST("/runs/:id/stopped", h.RunStopped)
		runner.GET("/queue/status", h.QueueStatus)
	}

	router.GET("/runners", h.ListRunners)
	router.GET("/runners/:id", h.GetRunner)

	router.GET("/agents", h.ListBlueprints)
	router.GET("/agents/:name", h.GetBlueprint)

	router.GET("/sse/sessions", h.StreamSessions)
}
