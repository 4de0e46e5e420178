// Package broadcast fans session and event-log changes out to SSE
// subscribers: one bounded queue per subscriber, filtered server-side by
// the subscriber's role and session scope, with resume-by-last-event-id
// against a short replay buffer.
package broadcast

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/common/logger"
	"github.com/kandev/agent-coordinator/internal/eventlog"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	"github.com/kandev/agent-coordinator/internal/session"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

// Event is one item delivered to a subscriber's stream. ID follows the
// "<ms_since_epoch>-<type_abbrev>-<sequence>" format; the abbreviation
// is opaque to clients except for use as a resume marker.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"` // init, session_created, session_updated, session_deleted, session_event, run_failed
	SessionID string      `json:"session_id,omitempty"`
	CreatedBy string      `json:"-"`
	Data      interface{} `json:"data"`
	at        time.Time
}

var typeAbbrev = map[string]string{
	"init":             "ini",
	"session_created":  "scr",
	"session_updated":  "sup",
	"session_deleted":  "sdl",
	"session_event":    "evt",
	"run_failed":       "rfl",
}

// SessionLister is implemented by the session registry: the broadcaster
// uses it to build init snapshots and to resolve a narrowing
// session_id's owner for the cross-user access check.
type SessionLister interface {
	List(ctx context.Context, filter v1.SessionListFilter) ([]*v1.Session, error)
	Get(ctx context.Context, sessionID string) (*v1.Session, error)
}

// SubscribeOptions describes one SSE client's scope and resume state.
type SubscribeOptions struct {
	CreatedBy   string // subscriber identity; ignored when IsAdmin
	IsAdmin     bool
	SessionID   string // optional narrowing; "" means every session in scope
	IncludeInit bool
	LastEventID string
}

// Subscription is a live SSE subscriber's handle.
type Subscription struct {
	id     string
	events chan *Event
	b      *Broadcaster
}

// Events returns the channel to range over. It is closed when the
// broadcaster drops the subscriber (queue overrun, or Close).
func (s *Subscription) Events() <-chan *Event { return s.events }

// Close unregisters the subscriber and releases its queue. It is safe
// to call after the broadcaster's own loop has stopped.
func (s *Subscription) Close() {
	select {
	case s.b.unregister <- s.id:
	case <-s.b.stopped:
	}
}

type subscriber struct {
	id    string
	opts  SubscribeOptions
	queue chan *Event
}

type subscribeRequest struct {
	opts SubscribeOptions
	resp chan subscribeResult
}

type subscribeResult struct {
	sub *subscriber
	err error
}

// Broadcaster is the single-process SSE fan-out. All subscriber-map
// mutation and event dispatch happens on one loop goroutine, so
// Subscribe/Close/dispatch never race with each other.
type Broadcaster struct {
	sessions  SessionLister
	logger    *logger.Logger
	queueSize int
	replayWindow time.Duration

	seq     int64
	replay  []*Event
	clients map[string]*subscriber

	subscribeCh chan subscribeRequest
	unregister  chan string
	publish     chan *Event
	stopped     chan struct{}

	subs []bus.Subscription
}

// New constructs a Broadcaster. Call Start to subscribe it to the event
// bus and begin its dispatch loop, and Stop to tear both down.
func New(sessions SessionLister, queueSize int, replayWindow time.Duration, log *logger.Logger) *Broadcaster {
	if log == nil {
		log = logger.Default()
	}
	return &Broadcaster{
		sessions:     sessions,
		logger:       log.WithFields(zap.String("component", "broadcast")),
		queueSize:    queueSize,
		replayWindow: replayWindow,
		clients:      make(map[string]*subscriber),
		subscribeCh:  make(chan subscribeRequest),
		unregister:   make(chan string),
		publish:      make(chan *Event, 256),
		stopped:      make(chan struct{}),
	}
}

// Start subscribes the broadcaster to the bus subjects it fans out and
// begins its dispatch loop. ctx cancellation stops both.
func (b *Broadcaster) Start(ctx context.Context, bs bus.Bus) error {
	subs, err := subscribeBus(bs, b)
	if err != nil {
		return err
	}
	b.subs = subs
	go b.loop(ctx)
	return nil
}

// Stop unsubscribes from the bus. The dispatch loop exits when ctx (the
// one passed to Start) is cancelled.
func (b *Broadcaster) Stop() {
	for _, s := range b.subs {
		_ = s.Unsubscribe()
	}
}

func subscribeBus(bs bus.Bus, b *Broadcaster) ([]bus.Subscription, error) {
	var subs []bus.Subscription

	sub, err := bs.Subscribe(session.SubjectCreated, b.onSessionCreated)
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = bs.Subscribe(session.SubjectDeleted, b.onSessionDeleted)
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = bs.Subscribe(eventlog.SubjectSessionUpdated, b.onSessionUpdated)
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	sub, err = bs.Subscribe(eventlog.SubjectAppended, b.onSessionEvent)
	if err != nil {
		return nil, err
	}
	subs = append(subs, sub)

	return subs, nil
}

func (b *Broadcaster) loop(ctx context.Context) {
	defer close(b.stopped)
	for {
		select {
		case <-ctx.Done():
			for id, c := range b.clients {
				close(c.queue)
				delete(b.clients, id)
			}
			return

		case req := <-b.subscribeCh:
			sub, err := b.handleSubscribe(ctx, req.opts)
			req.resp <- subscribeResult{sub: sub, err: err}

		case id := <-b.unregister:
			if c, ok := b.clients[id]; ok {
				delete(b.clients, id)
				close(c.queue)
			}

		case evt := <-b.publish:
			b.appendReplay(evt)
			for _, c := range b.clients {
				if !matches(c.opts, evt) {
					continue
				}
				select {
				case c.queue <- evt:
				default:
					b.logger.Warn("dropping slow subscriber",
						zap.String("subscriber_id", c.id))
					delete(b.clients, c.id)
					close(c.queue)
				}
			}
		}
	}
}

// Subscribe registers a new subscriber and, per opts, seeds its queue
// with either a replay of missed events or a fresh init snapshot. It
// blocks briefly on the dispatch loop to do so atomically with any
// concurrent publish.
func (b *Broadcaster) Subscribe(ctx context.Context, opts SubscribeOptions) (*Subscription, error) {
	if opts.SessionID != "" && !opts.IsAdmin {
		sess, err := b.sessions.Get(ctx, opts.SessionID)
		if err != nil {
			return nil, err
		}
		if sess.CreatedBy != opts.CreatedBy {
			return nil, apperr.Forbidden(fmt.Sprintf("session %q does not belong to %q", opts.SessionID, opts.CreatedBy))
		}
	}

	resp := make(chan subscribeResult, 1)
	select {
	case b.subscribeCh <- subscribeRequest{opts: opts, resp: resp}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stopped:
		return nil, apperr.Unavailable("event broadcaster is not running")
	}

	select {
	case r := <-resp:
		if r.err != nil {
			return nil, r.err
		}
		return &Subscription{id: r.sub.id, events: r.sub.queue, b: b}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.stopped:
		return nil, apperr.Unavailable("event broadcaster is not running")
	}
}

func (b *Broadcaster) handleSubscribe(ctx context.Context, opts SubscribeOptions) (*subscriber, error) {
	c := &subscriber{
		id:    newSubscriberID(),
		opts:  opts,
		queue: make(chan *Event, b.queueSize),
	}
	b.clients[c.id] = c

	if opts.LastEventID != "" {
		if missed, ok := b.replaySince(opts.LastEventID, opts); ok {
			for _, evt := range missed {
				c.queue <- evt
			}
			return c, nil
		}
		// Resume marker aged out of the buffer; fall through to init.
	}

	if opts.IncludeInit || opts.LastEventID != "" {
		snapshot, err := b.initSnapshot(ctx, opts)
		if err != nil {
			delete(b.clients, c.id)
			close(c.queue)
			return nil, err
		}
		c.queue <- snapshot
	}

	return c, nil
}

func (b *Broadcaster) initSnapshot(ctx context.Context, opts SubscribeOptions) (*Event, error) {
	filter := v1.SessionListFilter{}
	if !opts.IsAdmin {
		filter.CreatedBy = opts.CreatedBy
	}

	var sessions []*v1.Session
	if opts.SessionID != "" {
		sess, err := b.sessions.Get(ctx, opts.SessionID)
		if err != nil {
			return nil, err
		}
		sessions = []*v1.Session{sess}
	} else {
		list, err := b.sessions.List(ctx, filter)
		if err != nil {
			return nil, apperr.Wrap(err, "list sessions for init snapshot")
		}
		sessions = list
	}

	return &Event{
		ID:   b.nextID("init"),
		Type: "init",
		Data: map[string]interface{}{"sessions": sessions},
		at:   time.Now().UTC(),
	}, nil
}

// replaySince returns the buffered events matching opts emitted after
// lastEventID, or ok=false if lastEventID has fallen out of the buffer.
func (b *Broadcaster) replaySince(lastEventID string, opts SubscribeOptions) ([]*Event, bool) {
	cutoff := time.Now().UTC().Add(-b.replayWindow)
	idx := -1
	for i, evt := range b.replay {
		if evt.at.Before(cutoff) {
			continue
		}
		if evt.ID == lastEventID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, false
	}
	var out []*Event
	for _, evt := range b.replay[idx+1:] {
		if matches(opts, evt) {
			out = append(out, evt)
		}
	}
	return out, true
}

func (b *Broadcaster) appendReplay(evt *Event) {
	b.replay = append(b.replay, evt)
	cutoff := time.Now().UTC().Add(-b.replayWindow)
	i := 0
	for i < len(b.replay) && b.replay[i].at.Before(cutoff) {
		i++
	}
	if i > 0 {
		b.replay = b.replay[i:]
	}
}

func matches(opts SubscribeOptions, evt *Event) bool {
	if opts.SessionID != "" && evt.SessionID != "" && evt.SessionID != opts.SessionID {
		return false
	}
	if opts.IsAdmin {
		return true
	}
	return evt.CreatedBy == opts.CreatedBy
}

func (b *Broadcaster) nextID(eventType string) string {
	b.seq++
	abbrev := typeAbbrev[eventType]
	if abbrev == "" {
		abbrev = "evt"
	}
	return fmt.Sprintf("%d-%s-%d", time.Now().UTC().UnixMilli(), abbrev, b.seq)
}

func (b *Broadcaster) onSessionCreated(ctx context.Context, e *bus.Event) error {
	var sess v1.Session
	if err := decodeInto(e.Data["session"], &sess); err != nil {
		b.logger.Error("decode session.created payload", zap.Error(err))
		return nil
	}
	b.publish <- &Event{
		ID:        b.nextID("session_created"),
		Type:      "session_created",
		SessionID: sess.ID,
		CreatedBy: sess.CreatedBy,
		Data:      map[string]interface{}{"session": &sess},
		at:        time.Now().UTC(),
	}
	return nil
}

func (b *Broadcaster) onSessionDeleted(ctx context.Context, e *bus.Event) error {
	sessionID, _ := e.Data["session_id"].(string)
	b.publish <- &Event{
		ID:        b.nextID("session_deleted"),
		Type:      "session_deleted",
		SessionID: sessionID,
		CreatedBy: b.createdByOf(ctx, sessionID),
		Data:      map[string]interface{}{"session_id": sessionID},
		at:        time.Now().UTC(),
	}
	return nil
}

func (b *Broadcaster) onSessionUpdated(ctx context.Context, e *bus.Event) error {
	sessionID, _ := e.Data["session_id"].(string)
	status, _ := e.Data["status"].(string)
	b.publish <- &Event{
		ID:        b.nextID("session_updated"),
		Type:      "session_updated",
		SessionID: sessionID,
		CreatedBy: b.createdByOf(ctx, sessionID),
		Data:      map[string]interface{}{"session_id": sessionID, "status": status},
		at:        time.Now().UTC(),
	}
	return nil
}

func (b *Broadcaster) onSessionEvent(ctx context.Context, e *bus.Event) error {
	sessionID, _ := e.Data["session_id"].(string)
	var event v1.Event
	if err := decodeInto(e.Data["event"], &event); err != nil {
		b.logger.Error("decode session.event payload", zap.Error(err))
		return nil
	}

	evtType := "session_event"
	if event.Type == v1.EventRunFailed {
		evtType = "run_failed"
	}

	b.publish <- &Event{
		ID:        b.nextID(evtType),
		Type:      evtType,
		SessionID: sessionID,
		CreatedBy: b.createdByOf(ctx, sessionID),
		Data:      map[string]interface{}{"event": &event},
		at:        time.Now().UTC(),
	}
	return nil
}

// createdByOf best-effort resolves a session's owner for filtering. A
// lookup failure (session already deleted) leaves events visible only
// to admins rather than blocking the publish.
func (b *Broadcaster) createdByOf(ctx context.Context, sessionID string) string {
	sess, err := b.sessions.Get(ctx, sessionID)
	if err != nil {
		return ""
	}
	return sess.CreatedBy
}

func newSubscriberID() string {
	return fmt.Sprintf("sub_%d", time.Now().UTC().UnixNano())
}
