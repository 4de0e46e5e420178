package httpmw

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"

	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// RoleKey is the gin context key the Auth middleware stores the caller's
// resolved role and identity under.
const (
	RoleKey = "auth.role"
	UserKey = "auth.user"

	RoleAdmin = "admin"
	RoleUser  = "user"
)

// Auth enforces bearer-token authentication when enabled. A caller whose
// token matches apiKey is treated as admin; AUTH_ENABLED=false (or an
// empty apiKey) disables enforcement entirely for local/dev use.
func Auth(enabled bool, apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !enabled || apiKey == "" {
			c.Set(RoleKey, RoleAdmin)
			c.Set(UserKey, "anonymous")
			c.Next()
			return
		}

		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(apiKey)) != 1 {
			c.AbortWithStatusJSON(401, v1.ErrorResponse{
				Error:   "unauthorized",
				Message: "missing or invalid bearer token",
			})
			return
		}

		c.Set(RoleKey, RoleAdmin)
		c.Set(UserKey, "api-key-client")
		c.Next()
	}
}

// CallerRole returns the role set by Auth, defaulting to RoleUser.
func CallerRole(c *gin.Context) string {
	if v, ok := c.Get(RoleKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return RoleUser
}

// CallerUser returns the identity set by Auth.
func CallerUser(c *gin.Context) string {
	if v, ok := c.Get(UserKey); ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}
