// Package bus provides the internal event bus the broadcaster and
// callback coordinator use to learn about session/run state changes
// without being wired directly to the event log and run queue.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message published on the internal bus. It is distinct from
// the durable per-session v1.Event — this Event is the bus envelope used
// for component fan-out (session created, session updated, run failed,
// child terminal, ...), not the durable session event log entry.
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a bus Event with a fresh id and current timestamp.
func NewEvent(eventType, source string, data map[string]interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Handler processes one bus Event.
type Handler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// Bus is the internal publish/subscribe abstraction. Subjects are plain
// strings (e.g. "session.updated", "session.event.appended") — no wildcard
// matching is required for this system's fixed, known subject set.
type Bus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler Handler) (Subscription, error)
	Close()
}
