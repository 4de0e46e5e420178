package v1

import "time"

// CallbackStatus is the lifecycle state of a CallbackRegistration.
type CallbackStatus string

const (
	CallbackPending        CallbackStatus = "pending"
	CallbackChildRunning   CallbackStatus = "child_running"
	CallbackChildCompleted CallbackStatus = "child_completed"
	CallbackSent           CallbackStatus = "callback_sent"
	CallbackFailed         CallbackStatus = "callback_failed"
	CallbackCancelled      CallbackStatus = "cancelled"
)

// CallbackRegistration records a parent/child session relationship and
// how the parent should be re-entered when the child finishes.
type CallbackRegistration struct {
	ID                string           `json:"callback_id"`
	ParentSessionID   string           `json:"parent_session_id"`
	ParentSessionName string           `json:"parent_session_name"`
	ChildSessionName  string           `json:"child_session_name"`
	ChildSessionID    string           `json:"child_session_id,omitempty"`
	Strategy          CallbackStrategy `json:"strategy"`
	BatchDelaySeconds int              `json:"batch_delay_seconds,omitempty"`
	Status            CallbackStatus   `json:"status"`
	CreatedAt         time.Time        `json:"created_at"`
	UpdatedAt         time.Time        `json:"updated_at"`
}
