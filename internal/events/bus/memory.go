package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// MemoryBus is an in-process Bus used when no NATS URL is configured —
// a single coordinator instance needs no distributed fan-out, and this
// keeps local/dev and test runs dependency-free.
type MemoryBus struct {
	mu   sync.RWMutex
	subs map[string]map[string]*memorySubscription
}

type memorySubscription struct {
	id      string
	subject string
	handler Handler
	bus     *MemoryBus
	valid   bool
	mu      sync.Mutex
}

func (s *memorySubscription) Unsubscribe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.valid {
		return nil
	}
	s.valid = false
	s.bus.removeSubscription(s.subject, s.id)
	return nil
}

func (s *memorySubscription) IsValid() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.valid
}

// NewMemoryBus constructs an empty in-process Bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{subs: make(map[string]map[string]*memorySubscription)}
}

func (b *MemoryBus) Publish(ctx context.Context, subject string, event *Event) error {
	b.mu.RLock()
	handlers := make([]Handler, 0, len(b.subs[subject]))
	for _, sub := range b.subs[subject] {
		handlers = append(handlers, sub.handler)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		// Run synchronously on the publisher's goroutine. The broadcaster
		// hands each event on to its own loop goroutine; the callback
		// coordinator handles the event here, on the publisher's goroutine.
		if err := h(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub := &memorySubscription{
		id:      uuid.New().String(),
		subject: subject,
		handler: handler,
		bus:     b,
		valid:   true,
	}

	b.mu.Lock()
	if b.subs[subject] == nil {
		b.subs[subject] = make(map[string]*memorySubscription)
	}
	b.subs[subject][sub.id] = sub
	b.mu.Unlock()

	return sub, nil
}

func (b *MemoryBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = make(map[string]map[string]*memorySubscription)
}

func (b *MemoryBus) removeSubscription(subject, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs[subject], id)
	if len(b.subs[subject]) == 0 {
		delete(b.subs, subject)
	}
}
