package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/common/httpmw"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/coordinator"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// defaultEventPageLimit bounds a single GET /sessions/{id}/events page
// when the caller doesn't specify one.
const defaultEventPageLimit = 200

// Handler holds the coordinator's wired components and answers HTTP
// requests against them.
type Handler struct {
	co     *coordinator.Coordinator
	logger *logger.Logger
}

// NewHandler constructs a Handler.
func NewHandler(co *coordinator.Coordinator, log *logger.Logger) *Handler {
	return &Handler{co: co, logger: log.WithFields(zap.String("component", "coordinator-api"))}
}

// respondErr writes err as the structured JSON error body described by
// the error handling design, mapping any non-AppError to an internal
// error rather than leaking its raw message.
func respondErr(c *gin.Context, err error) {
	ae := apperr.Wrap(err, "internal error")
	c.JSON(ae.HTTPStatus, ae.Response())
}

// scopedFilter narrows a session listing to the caller's own sessions
// unless they authenticated as admin.
func scopedFilter(c *gin.Context, filter v1.SessionListFilter) v1.SessionListFilter {
	if httpmw.CallerRole(c) != httpmw.RoleAdmin {
		filter.CreatedBy = httpmw.CallerUser(c)
	}
	return filter
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req v1.CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = httpmw.CallerUser(c)
	}

	sess, err := h.co.Sessions.Create(c.Request.Context(), &req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, sess)
}

// authorizeSession rejects access to a session owned by a different
// caller unless the caller is admin.
func (h *Handler) authorizeSession(c *gin.Context, sess *v1.Session) bool {
	if httpmw.CallerRole(c) == httpmw.RoleAdmin {
		return true
	}
	if sess.CreatedBy != httpmw.CallerUser(c) {
		respondErr(c, apperr.Forbidden("session does not belong to caller"))
		return false
	}
	return true
}

// ListSessions handles GET /sessions?tag=&status=. Non-admin callers
// only ever see their own sessions, regardless of what they pass.
func (h *Handler) ListSessions(c *gin.Context) {
	filter := scopedFilter(c, v1.SessionListFilter{
		Tag:    c.Query("tag"),
		Status: v1.SessionStatus(c.Query("status")),
	})

	sessions, err := h.co.Sessions.List(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession handles GET /sessions/{id}.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.co.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if !h.authorizeSession(c, sess) {
		return
	}
	c.JSON(http.StatusOK, sess)
}

// GetSessionStatus handles GET /sessions/{id}/status.
func (h *Handler) GetSessionStatus(c *gin.Context) {
	status, err := h.co.Sessions.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, v1.SessionStatusResponse{Status: status})
}

// GetSessionResult handles GET /sessions/{id}/result.
func (h *Handler) GetSessionResult(c *gin.Context) {
	sess, err := h.co.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if !h.authorizeSession(c, sess) {
		return
	}

	result, err := h.co.Sessions.Result(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// ListSessionEvents handles GET /sessions/{id}/events?from=&limit=.
func (h *Handler) ListSessionEvents(c *gin.Context) {
	sess, err := h.co.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if !h.authorizeSession(c, sess) {
		return
	}

	from, _ := strconv.ParseInt(c.Query("from"), 10, 64)
	limit := defaultEventPageLimit
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 {
		limit = l
	}

	page, err := h.co.EventLog.Read(c.Request.Context(), c.Param("id"), from, limit)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, page)
}

// AppendSessionEvent handles POST /sessions/{id}/events. Called by a
// runner's executor subprocess forwarding its own event stream, which
// carries no caller identity of its own beyond the session id.
func (h *Handler) AppendSessionEvent(c *gin.Context) {
	var req v1.AppendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}

	event, err := h.co.EventLog.Append(c.Request.Context(), c.Param("id"), &req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, event)
}

// DeleteSession handles DELETE /sessions/{id}.
func (h *Handler) DeleteSession(c *gin.Context) {
	sess, err := h.co.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	if !h.authorizeSession(c, sess) {
		return
	}

	if err := h.co.Sessions.Delete(c.Request.Context(), c.Param("id")); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// CreateRun handles POST /runs.
func (h *Handler) CreateRun(c *gin.Context) {
	var req v1.CreateRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if req.CreatedBy == "" {
		req.CreatedBy = httpmw.CallerUser(c)
	}

	resp, err := h.co.Runs.Create(c.Request.Context(), &req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// GetRun handles GET /runs/{id}.
func (h *Handler) GetRun(c *gin.Context) {
	run, err := h.co.Runs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// ListRuns handles GET /runs?status=&agent_name=&session_id=.
func (h *Handler) ListRuns(c *gin.Context) {
	filter := v1.RunListFilter{
		Status:    v1.RunStatus(c.Query("status")),
		AgentName: c.Query("agent_name"),
		SessionID: c.Query("session_id"),
	}
	runs, err := h.co.Runs.List(c.Request.Context(), filter)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

// StopRun handles POST /runs/{id}/stop.
func (h *Handler) StopRun(c *gin.Context) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = c.ShouldBindJSON(&req)

	if err := h.co.Runs.Stop(c.Request.Context(), c.Param("id"), req.Reason); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// RegisterRunner handles POST /runner/register.
func (h *Handler) RegisterRunner(c *gin.Context) {
	var req v1.RegisterRunnerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}

	rn, err := h.co.Runners.Register(c.Request.Context(), &req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusCreated, v1.RegisterRunnerResponse{RunnerID: rn.ID})
}

// Heartbeat handles POST /runner/heartbeat.
func (h *Handler) Heartbeat(c *gin.Context) {
	var req v1.HeartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.co.Runners.Heartbeat(c.Request.Context(), req.RunnerID); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// PollRuns handles GET /runner/runs?runner_id=&executor_type=&executor_profile=&wait=.
func (h *Handler) PollRuns(c *gin.Context) {
	wait, _ := strconv.Atoi(c.Query("wait"))
	req := &v1.PollRequest{
		RunnerID:        c.Query("runner_id"),
		ExecutorType:    c.Query("executor_type"),
		ExecutorProfile: c.Query("executor_profile"),
		WaitSeconds:     wait,
	}
	if req.RunnerID == "" {
		respondErr(c, apperr.BadRequest("runner_id is required"))
		return
	}

	resp, err := h.co.Runs.Poll(c.Request.Context(), req)
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// RunStarted handles POST /runner/runs/{id}/started.
func (h *Handler) RunStarted(c *gin.Context) {
	var req v1.StartedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.co.Runs.Started(c.Request.Context(), c.Param("id"), req.RunnerID, req.ExecutorSessionID); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// RunCompleted handles POST /runner/runs/{id}/completed.
func (h *Handler) RunCompleted(c *gin.Context) {
	var req v1.CompletedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.co.Runs.Completed(c.Request.Context(), c.Param("id"), req.RunnerID); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// RunFailed handles POST /runner/runs/{id}/failed.
func (h *Handler) RunFailed(c *gin.Context) {
	var req v1.FailedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.co.Runs.Failed(c.Request.Context(), c.Param("id"), req.RunnerID, req.Error); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// RunStopped handles POST /runner/runs/{id}/stopped.
func (h *Handler) RunStopped(c *gin.Context) {
	var req v1.StoppedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondErr(c, apperr.BadRequest(err.Error()))
		return
	}
	if err := h.co.Runs.Stopped(c.Request.Context(), c.Param("id"), req.RunnerID, req.Reason); err != nil {
		respondErr(c, err)
		return
	}
	c.Status(http.StatusOK)
}

// QueueStatus handles GET /runner/queue/status.
func (h *Handler) QueueStatus(c *gin.Context) {
	status := h.co.Runs.Status()
	c.JSON(http.StatusOK, gin.H{
		"pending_count":  status.PendingCount,
		"oldest_pending": status.OldestPending,
	})
}

// ListRunners handles GET /runners.
func (h *Handler) ListRunners(c *gin.Context) {
	runners, err := h.co.Runners.List(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runners": runners})
}

// GetRunner handles GET /runners/{id}.
func (h *Handler) GetRunner(c *gin.Context) {
	rn, err := h.co.Runners.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, rn)
}

// ListBlueprints handles GET /agents.
func (h *Handler) ListBlueprints(c *gin.Context) {
	bps, err := h.co.Blueprints.List(c.Request.Context())
	if err != nil {
		respondErr(c, err)
		return
	}

	if tag := c.Query("tags"); tag != "" {
		filtered := make([]*v1.AgentBlueprint, 0, len(bps))
		for _, bp := range bps {
			if bp.OwnerRunnerID == tag || bp.Name == tag {
				filtered = append(filtered, bp)
			}
		}
		bps = filtered
	}
	c.JSON(http.StatusOK, gin.H{"agents": bps})
}

// GetBlueprint handles GET /agents/{name}.
func (h *Handler) GetBlueprint(c *gin.Context) {
	bp, err := h.co.Blueprints.Get(c.Request.Context(), c.Param("name"))
	if err != nil {
		respondErr(c, err)
		return
	}
	c.JSON(http.StatusOK, bp)
}
