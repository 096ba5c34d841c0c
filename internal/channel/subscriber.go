package channel

import (
	"context"
	"sync"
)

// Subscriber is one attached client's view of a session. Each subscriber
// owns a bounded backlog filled by the session run loop; when the backlog
// overflows, the oldest events are evicted so a slow client can never
// block fan-out to others. The shared session ring buffer is unaffected
// by per-subscriber eviction.
type Subscriber struct {
	session *Session

	mu      sync.Mutex
	backlog []Event
	limit   int
	dropped int
	closed  bool

	notify chan struct{} // capacity 1, signalled on push and close
}

func newSubscriber(s *Session, limit int) *Subscriber {
	if limit <= 0 {
		limit = 1
	}
	return &Subscriber{
		session: s,
		limit:   limit,
		notify:  make(chan struct{}, 1),
	}
}

// Ref returns the server the subscriber is attached to.
func (sub *Subscriber) Ref() ServerRef {
	return sub.session.ref
}

// Kind returns the channel kind of the underlying session.
func (sub *Subscriber) Kind() Kind {
	return sub.session.kind
}

// State reports the current state of the underlying session.
func (sub *Subscriber) State() State {
	return sub.session.State()
}

// push appends an event to the backlog, evicting the oldest entry on
// overflow. Called from the session run loop only. It never blocks.
func (sub *Subscriber) push(ev Event) {
	sub.mu.Lock()
	if sub.closed {
		sub.mu.Unlock()
		return
	}
	if len(sub.backlog) >= sub.limit {
		n := copy(sub.backlog, sub.backlog[1:])
		sub.backlog = sub.backlog[:n]
		sub.dropped++
		sub.session.counters.EventDropped()
	}
	sub.backlog = append(sub.backlog, ev)
	sub.mu.Unlock()

	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available and returns it. After the
// subscriber is detached or the session terminates, any remaining backlog
// is still delivered; once drained, Next returns ErrSessionClosed.
func (sub *Subscriber) Next(ctx context.Context) (Event, error) {
	for {
		sub.mu.Lock()
		if len(sub.backlog) > 0 {
			ev := sub.backlog[0]
			n := copy(sub.backlog, sub.backlog[1:])
			sub.backlog = sub.backlog[:n]
			sub.mu.Unlock()
			return ev, nil
		}
		closed := sub.closed
		sub.mu.Unlock()

		if closed {
			return Event{}, ErrSessionClosed
		}

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-sub.notify:
		}
	}
}

// Dropped returns how many events were evicted from this subscriber's
// backlog due to overflow.
func (sub *Subscriber) Dropped() int {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	return sub.dropped
}

// Submit forwards a console command to the session. It fails with
// ErrNotConnected unless the session is Connected, and with
// ErrSessionClosed once the session has terminated.
func (sub *Subscriber) Submit(ctx context.Context, origin, text string) error {
	return sub.session.submit(ctx, origin, text)
}

// Close detaches the subscriber from its session. Buffered events remain
// readable via Next until drained. Safe to call more than once.
func (sub *Subscriber) Close() {
	sub.session.detach(sub)
	sub.markClosed()
}

// markClosed flips the closed flag and wakes any pending Next call.
func (sub *Subscriber) markClosed() {
	sub.mu.Lock()
	already := sub.closed
	sub.closed = true
	sub.mu.Unlock()
	if already {
		return
	}
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}
