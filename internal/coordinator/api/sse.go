package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/broadcast"
	"github.com/kandev/agent-coordinator/internal/common/httpmw"

	"github.com/gin-gonic/gin"
)

// StreamSessions handles GET /sse/sessions. It holds the connection open
// and writes one SSE "data:" frame per broadcast event until the client
// disconnects, resuming from Last-Event-ID when the header is present.
func (h *Handler) StreamSessions(c *gin.Context) {
	opts := broadcast.SubscribeOptions{
		CreatedBy:   httpmw.CallerUser(c),
		IsAdmin:     httpmw.CallerRole(c) == httpmw.RoleAdmin,
		SessionID:   c.Query("session_id"),
		IncludeInit: c.Query("include_init") == "true",
		LastEventID: c.GetHeader("Last-Event-ID"),
	}

	sub, err := h.co.Broadcast.Subscribe(c.Request.Context(), opts)
	if err != nil {
		respondErr(c, err)
		return
	}
	defer sub.Close()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	c.Writer.Flush()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := writeSSEEvent(c, evt); err != nil {
				h.logger.Debug("sse client disconnected", zap.Error(err))
				return
			}
			c.Writer.Flush()
		case <-c.Request.Context().Done():
			return
		}
	}
}

func writeSSEEvent(c *gin.Context, evt *broadcast.Event) error {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.Writer, "id: %s\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, data); err != nil {
		return err
	}
	return nil
}
