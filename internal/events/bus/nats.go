package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus backs the internal Bus with a NATS connection, for deployments
// that run more than one coordinator replica and need cross-process
// delivery of session/run state changes to the broadcaster and callback
// coordinator.
type NATSBus struct {
	conn   *nats.Conn
	prefix string

	mu   sync.Mutex
	subs map[*nats.Subscription]struct{}
}

// NewNATSBus connects to url and returns a Bus backed by it. subjectPrefix
// namespaces subjects (e.g. "coordinator") so multiple unrelated systems
// can share a NATS cluster.
func NewNATSBus(url, subjectPrefix string) (*NATSBus, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(*nats.Conn, error) {}),
		nats.ReconnectHandler(func(*nats.Conn) {}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &NATSBus{conn: conn, prefix: subjectPrefix, subs: make(map[*nats.Subscription]struct{})}, nil
}

func (b *NATSBus) fullSubject(subject string) string {
	if b.prefix == "" {
		return subject
	}
	return b.prefix + "." + subject
}

func (b *NATSBus) Publish(ctx context.Context, subject string, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.conn.Publish(b.fullSubject(subject), payload)
}

func (b *NATSBus) Subscribe(subject string, handler Handler) (Subscription, error) {
	sub, err := b.conn.Subscribe(b.fullSubject(subject), func(msg *nats.Msg) {
		var event Event
		if err := json.Unmarshal(msg.Data, &event); err != nil {
			return
		}
		_ = handler(context.Background(), &event)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %q: %w", subject, err)
	}

	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	return &natsSubscription{sub: sub, bus: b}, nil
}

func (b *NATSBus) Close() {
	b.mu.Lock()
	for sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.subs = make(map[*nats.Subscription]struct{})
	b.mu.Unlock()
	b.conn.Close()
}

type natsSubscription struct {
	sub *nats.Subscription
	bus *NATSBus
}

func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	delete(s.bus.subs, s.sub)
	s.bus.mu.Unlock()
	return s.sub.Unsubscribe()
}

func (s *natsSubscription) IsValid() bool {
	return s.sub.IsValid()
}
