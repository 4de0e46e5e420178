// Package v1 defines the wire types shared between the coordinator, the
// runner, and the executors that speak the coordinator's HTTP API.
package v1

import "time"

// SessionStatus is the derived lifecycle state of a Session.
type SessionStatus string

const (
	SessionPending  SessionStatus = "pending"
	SessionRunning  SessionStatus = "running"
	SessionFinished SessionStatus = "finished"
	SessionFailed   SessionStatus = "failed"
	SessionStopped  SessionStatus = "stopped"
)

// Session is a named, persistent conversation or task instance with its
// own event log.
type Session struct {
	ID                string        `json:"session_id"`
	Name              string        `json:"session_name"`
	ProjectDir        string        `json:"project_dir"`
	AgentName         string        `json:"agent_name"`
	CreatedBy         string        `json:"created_by"`
	ParentSessionName *string       `json:"parent_session_name,omitempty"`
	Status            SessionStatus `json:"status"`
	CreatedAt         time.Time     `json:"created_at"`
	LastResumedAt     *time.Time    `json:"last_resumed_at,omitempty"`
}

// CreateSessionRequest is the body of POST /sessions.
type CreateSessionRequest struct {
	Name              string  `json:"name" binding:"required"`
	ProjectDir        string  `json:"project_dir" binding:"required"`
	AgentName         string  `json:"agent_name" binding:"required"`
	CreatedBy         string  `json:"created_by"`
	ParentSessionName *string `json:"parent_session_name,omitempty"`
}

// SessionStatusResponse is the body of GET /sessions/{id}/status.
type SessionStatusResponse struct {
	Status string `json:"status"` // "running" | "finished" | "not_existent"
}

// ResultType distinguishes how a session's result was produced.
type ResultType string

const (
	ResultTypeAutonomous ResultType = "autonomous"
	ResultTypeProcedural ResultType = "procedural"
)

// SessionResult is the body of GET /sessions/{id}/result.
type SessionResult struct {
	ResultType ResultType             `json:"result_type"`
	ResultText string                 `json:"result_text,omitempty"`
	ResultData map[string]interface{} `json:"result_data,omitempty"`
}

// SessionListFilter narrows GET /sessions listing.
type SessionListFilter struct {
	CreatedBy string
	Tag       string
	Status    SessionStatus
}
