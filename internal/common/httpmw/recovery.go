package httpmw

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"

	"github.com/kandev/agent-coordinator/internal/common/logger"
)

// Recovery converts a panic in a downstream handler into a structured
// 500 JSON error instead of crashing the server.
func Recovery(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				log.Error("panic recovered", zap.Any("panic", r))
				c.AbortWithStatusJSON(http.StatusInternalServerError, v1.ErrorResponse{
					Error:   "internal_error",
					Message: "internal server error",
				})
			}
		}()
		c.Next()
	}
}

// CORS allows cross-origin requests from any origin; the coordinator's
// HTTP API is consumed by runners and dashboards on arbitrary hosts.
func CORS() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization, Last-Event-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
