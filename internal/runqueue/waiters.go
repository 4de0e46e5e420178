package runqueue

import "sync"

// wakeBroker lets long-poll waiters block on a notification channel
// instead of spinning, and lets Create/Stop wake every blocked waiter
// without knowing which of them (if any) will actually find a match —
// adapted from the reference pack's hub register/unregister/broadcast
// channel pattern, but single-shot: each waiter gets its own channel,
// closed exactly once to wake it, rather than a persistent connection.
type wakeBroker struct {
	mu      sync.Mutex
	waiters map[chan struct{}]struct{}
}

func newWakeBroker() *wakeBroker {
	return &wakeBroker{waiters: make(map[chan struct{}]struct{})}
}

// register returns a channel that closes the next time wakeAll is
// called, and a cleanup func the waiter must call when done (whether it
// was woken or its own timeout fired first).
func (b *wakeBroker) register() (ch chan struct{}, cleanup func()) {
	ch = make(chan struct{})
	b.mu.Lock()
	b.waiters[ch] = struct{}{}
	b.mu.Unlock()

	return ch, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.waiters, ch)
	}
}

// wakeAll closes every currently-registered waiter channel. Safe to call
// even with no waiters.
func (b *wakeBroker) wakeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.waiters {
		close(ch)
	}
	b.waiters = make(map[chan struct{}]struct{})
}

// closeAll is wakeAll's shutdown counterpart. It wakes blocked long-polls
// the same way wakeAll does; it sets no closed state, so a woken poll
// registers again and keeps waiting until its own deadline.
func (b *wakeBroker) closeAll() { b.wakeAll() }
