package channel

// ring is a bounded buffer of the most recent session events, used to seed
// newly attached subscribers. It is owned by the session run loop and is
// not safe for concurrent use.
type ring struct {
	buf   []Event
	start int
	count int
}

func newRing(capacity int) *ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring{buf: make([]Event, capacity)}
}

func (r *ring) append(ev Event) {
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = ev
		r.count++
		return
	}
	r.buf[r.start] = ev
	r.start = (r.start + 1) % len(r.buf)
}

// snapshot returns the buffered events oldest-first.
func (r *ring) snapshot() []Event {
	out := make([]Event, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *ring) len() int {
	return r.count
}
