package v1

import "time"

// EventType enumerates the session event log's append-only variants.
type EventType string

const (
	EventSessionStart EventType = "session_start"
	EventSessionStop  EventType = "session_stop"
	EventPreTool      EventType = "pre_tool"
	EventPostTool     EventType = "post_tool"
	EventMessage      EventType = "message"
	EventResult       EventType = "result"
	EventRunFailed    EventType = "run_failed"
)

// Terminal reports whether the event type ends a session's event log.
func (t EventType) Terminal() bool {
	return t == EventSessionStop || t == EventResult
}

// ContentBlock is one piece of a message event's content (text, tool
// reference, etc). Kept intentionally loose — the executor decides shape.
type ContentBlock struct {
	Type string                 `json:"type"`
	Text string                 `json:"text,omitempty"`
	Data map[string]interface{} `json:"data,omitempty"`
}

// Event is one append-only entry in a session's event log.
type Event struct {
	SessionID string    `json:"session_id"`
	Sequence  int64     `json:"sequence"`
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`

	// pre_tool / post_tool
	ToolName  string                 `json:"tool_name,omitempty"`
	ToolInput map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput map[string]interface{} `json:"tool_output,omitempty"`

	// message
	Role    string         `json:"role,omitempty"`
	Content []ContentBlock `json:"content,omitempty"`

	// session_stop
	ExitCode int    `json:"exit_code,omitempty"`
	Reason   string `json:"reason,omitempty"`

	// result
	ResultText string                 `json:"result_text,omitempty"`
	ResultData map[string]interface{} `json:"result_data,omitempty"`
	ResultType ResultType             `json:"result_type,omitempty"`

	// run_failed
	Error string `json:"error,omitempty"`
}

// AppendEventRequest is the body of POST /sessions/{id}/events.
type AppendEventRequest struct {
	EventType  EventType              `json:"event_type" binding:"required"`
	ToolName   string                 `json:"tool_name,omitempty"`
	ToolInput  map[string]interface{} `json:"tool_input,omitempty"`
	ToolOutput map[string]interface{} `json:"tool_output,omitempty"`
	Role       string                 `json:"role,omitempty"`
	Content    []ContentBlock         `json:"content,omitempty"`
	ExitCode   int                    `json:"exit_code,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	ResultText string                 `json:"result_text,omitempty"`
	ResultData map[string]interface{} `json:"result_data,omitempty"`
	ResultType ResultType             `json:"result_type,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// EventPage is a paged batch returned by GET /sessions/{id}/events.
type EventPage struct {
	Events     []*Event `json:"events"`
	NextFrom   int64    `json:"next_from,omitempty"`
	HasMore    bool     `json:"has_more"`
}
