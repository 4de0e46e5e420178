package v1

import "time"

// RunType enumerates the kinds of work a Run can represent.
type RunType string

const (
	RunStartSession  RunType = "start_session"
	RunResumeSession RunType = "resume_session"
	RunStopCommand   RunType = "stop_command"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunClaimed  RunStatus = "claimed"
	RunStarted  RunStatus = "started"
	RunFinished RunStatus = "finished"
	RunFailed   RunStatus = "failed"
	RunStopped  RunStatus = "stopped"
)

// CallbackStrategy controls how the callback coordinator dispatches a
// parent re-entry when a child session reaches a terminal state.
type CallbackStrategy string

const (
	CallbackImmediate CallbackStrategy = "immediate"
	CallbackBatch     CallbackStrategy = "batch"
	CallbackAll       CallbackStrategy = "all"
)

// Run is one execution attempt of a session.
type Run struct {
	ID         string            `json:"run_id"`
	Type       RunType           `json:"type"`
	SessionID  string            `json:"session_id"`
	SessionName string           `json:"session_name"`
	AgentName  string            `json:"agent_name"`
	Parameters map[string]interface{} `json:"parameters"`

	// Resolved output of blueprint + stage-1 placeholder resolution.
	AgentBlueprint *AgentBlueprint `json:"agent_blueprint,omitempty"`
	ProjectDir     string          `json:"project_dir"`

	ParentSessionID   string           `json:"parent_session_id,omitempty"`
	ParentSessionName string           `json:"parent_session_name,omitempty"`
	CallbackStrategy  CallbackStrategy `json:"callback_strategy,omitempty"`
	BatchDelaySeconds int              `json:"batch_delay_seconds,omitempty"`

	ExecutorType    string `json:"executor_type,omitempty"`
	ExecutorProfile string `json:"executor_profile,omitempty"`
	Tags            []string `json:"tags,omitempty"`

	Status            RunStatus  `json:"status"`
	ClaimedByRunnerID string     `json:"claimed_by_runner_id,omitempty"`
	ClaimedAt         *time.Time `json:"claimed_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
	Error             string     `json:"error,omitempty"`

	ExecutorSessionID string `json:"executor_session_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// CreateRunRequest is the body of POST /runs.
type CreateRunRequest struct {
	Type              RunType                `json:"type" binding:"required"`
	SessionID         string                 `json:"session_id,omitempty"`
	SessionName       string                 `json:"session_name,omitempty"`
	AgentName         string                 `json:"agent_name"`
	Prompt            string                 `json:"prompt,omitempty"`
	Parameters        map[string]interface{} `json:"parameters,omitempty"`
	ProjectDir        string                 `json:"project_dir,omitempty"`
	CreatedBy         string                 `json:"created_by,omitempty"`
	ParentSessionID   string                 `json:"parent_session_id,omitempty"`
	ParentSessionName string                 `json:"parent_session_name,omitempty"`
	CallbackStrategy  CallbackStrategy       `json:"callback_strategy,omitempty"`
	BatchDelaySeconds int                    `json:"batch_delay_seconds,omitempty"`
	Scope             map[string]interface{} `json:"scope,omitempty"`

	// ExecutorType/ExecutorProfile/Tags are the run's routing criteria,
	// matched against a polling runner's own fields per the run queue's
	// matching policy. Left empty, ExecutorType matches any runner; a run
	// for a runner-owned blueprint is matched only to its owning runner.
	ExecutorType    string   `json:"executor_type,omitempty"`
	ExecutorProfile string   `json:"executor_profile,omitempty"`
	Tags            []string `json:"tags,omitempty"`
}

// CreateRunResponse is the body returned by a successful POST /runs.
type CreateRunResponse struct {
	RunID     string `json:"run_id"`
	SessionID string `json:"session_id"`
}

// PollFilter narrows which pending runs a runner's long-poll may claim.
type PollFilter struct {
	ExecutorType    string
	ExecutorProfile string
	Tags            []string
}

// PollRequest is the body (or query) of GET /runner/runs.
type PollRequest struct {
	RunnerID        string   `json:"runner_id"`
	ExecutorType    string   `json:"executor_type,omitempty"`
	ExecutorProfile string   `json:"executor_profile,omitempty"`
	Tags            []string `json:"tags,omitempty"`
	WaitSeconds     int      `json:"wait_seconds,omitempty"`
}

// StopRunCommand is a queued stop-signal delivered through a Poll response.
type StopRunCommand struct {
	RunID  string `json:"run_id"`
	Reason string `json:"reason,omitempty"`
}

// PollResponse is the body returned by GET /runner/runs.
type PollResponse struct {
	Run       *Run              `json:"run,omitempty"`
	StopRuns  []StopRunCommand  `json:"stop_runs,omitempty"`
}

// StartedRequest is the body of POST /runner/runs/{id}/started.
type StartedRequest struct {
	RunnerID          string `json:"runner_id" binding:"required"`
	ExecutorSessionID string `json:"executor_session_id,omitempty"`
}

// CompletedRequest is the body of POST /runner/runs/{id}/completed.
type CompletedRequest struct {
	RunnerID string                 `json:"runner_id" binding:"required"`
	Result   map[string]interface{} `json:"result,omitempty"`
}

// FailedRequest is the body of POST /runner/runs/{id}/failed.
type FailedRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
	Error    string `json:"error" binding:"required"`
}

// StoppedRequest is the body of POST /runner/runs/{id}/stopped.
type StoppedRequest struct {
	RunnerID string `json:"runner_id" binding:"required"`
	Reason   string `json:"reason,omitempty"`
}

// RunListFilter narrows GET /runs listing.
type RunListFilter struct {
	Status    RunStatus
	AgentName string
	SessionID string
}
