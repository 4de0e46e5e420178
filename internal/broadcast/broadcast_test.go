package broadcast

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/agent-coordinator/internal/common/apperr"
	"github.com/kandev/agent-coordinator/internal/events/bus"
	v1 "github.com/kandev/agent-coordinator/pkg/api/v1"
)

type fakeSessions struct {
	sessions map[string]*v1.Session
}

func newFakeSessions(sessions ...*v1.Session) *fakeSessions {
	f := &fakeSessions{sessions: make(map[string]*v1.Session)}
	for _, s := range sessions {
		f.sessions[s.ID] = s
	}
	return f
}

func (f *fakeSessions) List(ctx context.Context, filter v1.SessionListFilter) ([]*v1.Session, error) {
	var out []*v1.Session
	for _, s := range f.sessions {
		if filter.CreatedBy != "" && s.CreatedBy != filter.CreatedBy {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeSessions) Get(ctx context.Context, sessionID string) (*v1.Session, error) {
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, apperr.NotFound("session not found")
	}
	return s, nil
}

func startBroadcaster(t *testing.T, sessions SessionLister) (*Broadcaster, bus.Bus, func()) {
	t.Helper()
	b := New(sessions, 8, time.Minute, nil)
	memBus := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, b.Start(ctx, memBus))
	return b, memBus, func() { cancel(); b.Stop() }
}

func TestSubscribeInitSnapshot(t *testing.T) {
	sess := &v1.Session{ID: "ses_1", CreatedBy: "alice", Status: v1.SessionRunning}
	b, _, stop := startBroadcaster(t, newFakeSessions(sess))
	defer stop()

	sub, err := b.Subscribe(context.Background(), SubscribeOptions{CreatedBy: "alice", IncludeInit: true})
	require.NoError(t, err)
	defer sub.Close()

	select {
	case evt := <-sub.Events():
		assert.Equal(t, "init", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for init snapshot")
	}
}

func TestSubscribeRejectsCrossUserSessionID(t *testing.T) {
	sess := &v1.Session{ID: "ses_1", CreatedBy: "alice"}
	b, _, stop := startBroadcaster(t, newFakeSessions(sess))
	defer stop()

	_, err := b.Subscribe(context.Background(), SubscribeOptions{CreatedBy: "bob", SessionID: "ses_1"})
	require.Error(t, err)
	ae, ok := apperr.As(err)
	require.True(t, ok)
	assert.Equal(t, apperr.KindForbidden, ae.Kind)
}

func TestPublishFiltersByCreatedBy(t *testing.T) {
	alice := &v1.Session{ID: "ses_1", CreatedBy: "alice"}
	b, memBus, stop := startBroadcaster(t, newFakeSessions(alice))
	defer stop()

	aliceSub, err := b.Subscribe(context.Background(), SubscribeOptions{CreatedBy: "alice"})
	require.NoError(t, err)
	defer aliceSub.Close()

	bobSub, err := b.Subscribe(context.Background(), SubscribeOptions{CreatedBy: "bob"})
	require.NoError(t, err)
	defer bobSub.Close()

	require.NoError(t, memBus.Publish(context.Background(), "session.updated", bus.NewEvent("session.updated", "eventlog", map[string]interface{}{
		"session_id": "ses_1",
		"status":     "running",
	})))

	select {
	case evt := <-aliceSub.Events():
		assert.Equal(t, "session_updated", evt.Type)
		assert.Equal(t, "ses_1", evt.SessionID)
	case <-time.After(time.Second):
		t.Fatal("alice should have received the update")
	}

	select {
	case evt := <-bobSub.Events():
		t.Fatalf("bob should not have received alice's session update, got %+v", evt)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestAdminSeesEveryone(t *testing.T) {
	alice := &v1.Session{ID: "ses_1", CreatedBy: "alice"}
	b, memBus, stop := startBroadcaster(t, newFakeSessions(alice))
	defer stop()

	adminSub, err := b.Subscribe(context.Background(), SubscribeOptions{IsAdmin: true})
	require.NoError(t, err)
	defer adminSub.Close()

	require.NoError(t, memBus.Publish(context.Background(), "session.created", bus.NewEvent("session.created", "session", map[string]interface{}{
		"session": alice,
	})))

	select {
	case evt := <-adminSub.Events():
		assert.Equal(t, "session_created", evt.Type)
	case <-time.After(time.Second):
		t.Fatal("admin should see every subscriber's events")
	}
}

func TestSlowSubscriberIsDropped(t *testing.T) {
	alice := &v1.Session{ID: "ses_1", CreatedBy: "alice"}
	b := New(newFakeSessions(alice), 1, time.Minute, nil)
	memBus := bus.NewMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.Start(ctx, memBus))
	defer b.Stop()

	sub, err := b.Subscribe(context.Background(), SubscribeOptions{CreatedBy: "alice"})
	require.NoError(t, err)

	// Publish three events without draining the size-1 queue, so the
	// broadcaster's non-blocking send finds it full.
	for i := 0; i < 3; i++ {
		require.NoError(t, memBus.Publish(context.Background(), "session.updated", bus.NewEvent("session.updated", "eventlog", map[string]interface{}{
			"session_id": "ses_1",
			"status":     "running",
		})))
	}

	time.Sleep(100 * time.Millisecond)
	_, open := <-sub.Events()
	for open {
		_, open = <-sub.Events()
	}
	assert.False(t, open, "broadcaster should have closed the slow subscriber's queue")
}
