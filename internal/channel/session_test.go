package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

// fakeHandle is a scriptable upstream connection. Tests emit events on
// the events channel and close it to simulate a dropped connection.
type fakeHandle struct {
	events chan Event

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{events: make(chan Event, 16)}
}

func (h *fakeHandle) Events() <-chan Event { return h.events }

func (h *fakeHandle) Send(ctx context.Context, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, text)
	return nil
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.closed {
		h.closed = true
		close(h.events)
	}
	return nil
}

func (h *fakeHandle) drop() { _ = h.Close() }

func (h *fakeHandle) sentCommands() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sent...)
}

// fakeConnector replays a script of open outcomes; the last entry repeats
// once the script is exhausted. A nil error produces a fresh fakeHandle.
type fakeConnector struct {
	mu      sync.Mutex
	script  []error
	opens   int
	handles []*fakeHandle
	block   chan struct{} // if non-nil, Open waits for it
}

func (c *fakeConnector) Open(ctx context.Context, ref ServerRef, kind Kind) (Handle, error) {
	c.mu.Lock()
	block := c.block
	c.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, &TransportError{Err: ctx.Err()}
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	idx := c.opens
	c.opens++
	if idx >= len(c.script) {
		idx = len(c.script) - 1
	}
	if idx >= 0 && c.script[idx] != nil {
		return nil, c.script[idx]
	}
	h := newFakeHandle()
	c.handles = append(c.handles, h)
	return h, nil
}

func (c *fakeConnector) openCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens
}

func (c *fakeConnector) handle(i int) *fakeHandle {
	c.mu.Lock()
	defer c.mu.Unlock()
	if i < len(c.handles) {
		return c.handles[i]
	}
	return nil
}

func (c *fakeConnector) openHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, h := range c.handles {
		h.mu.Lock()
		if !h.closed {
			n++
		}
		h.mu.Unlock()
	}
	return n
}

func testRegistry(connector Connector, proc ProcessState) *Registry {
	policy := Policy{
		Proc:               proc,
		ConsoleDelay:       5 * time.Millisecond,
		ConsoleMaxAttempts: 30,
		LogDelay:           5 * time.Millisecond,
	}
	cfg := RegistryConfig{
		ConsoleRing:       50,
		LogRing:           50,
		SubscriberBacklog: 64,
		SubmitQueue:       8,
		IdleTimeout:       100 * time.Millisecond,
	}
	return NewRegistry(connector, policy, cfg, nil, nil)
}

func runningProc(ref ServerRef) *fakeProc {
	return &fakeProc{
		running: map[ServerRef]bool{ref: true},
		started: map[ServerRef]bool{ref: true},
	}
}

func nextEvent(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev, err := sub.Next(ctx)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	return ev
}

func expectStatus(t *testing.T, sub *Subscriber, want string) {
	t.Helper()
	ev := nextEvent(t, sub)
	if ev.Kind != EventStatus || ev.Text != want {
		t.Fatalf("got %s %q, want status %q", ev.Kind, ev.Text, want)
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSessionConnectSubmitEcho(t *testing.T) {
	const ref = ServerRef("srv-1")
	conn := &fakeConnector{script: []error{nil}}
	reg := testRegistry(conn, runningProc(ref))

	sub, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sub.Close()

	expectStatus(t, sub, StatusConnecting)
	expectStatus(t, sub, StatusConnected)

	if err := sub.Submit(context.Background(), "web-1", "status"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	echo := nextEvent(t, sub)
	if echo.Kind != EventCommand || echo.Text != "status" || echo.Origin != "web-1" {
		t.Fatalf("echo = %+v", echo)
	}

	h := conn.handle(0)
	waitFor(t, "command forwarded", func() bool { return len(h.sentCommands()) == 1 })
	if got := h.sentCommands()[0]; got != "status" {
		t.Fatalf("forwarded %q, want %q", got, "status")
	}

	h.events <- Event{Kind: EventResponse, Text: "2 players online"}
	resp := nextEvent(t, sub)
	if resp.Kind != EventResponse || resp.Text != "2 players online" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Time.IsZero() {
		t.Error("response missing timestamp")
	}
}

func TestConcurrentAttachOpensOnce(t *testing.T) {
	const ref = ServerRef("srv-1")
	conn := &fakeConnector{script: []error{nil}}
	reg := testRegistry(conn, runningProc(ref))

	const n = 8
	subs := make([]*Subscriber, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sub, err := reg.Attach(context.Background(), ref, Console)
			if err != nil {
				t.Errorf("Attach %d: %v", i, err)
				return
			}
			subs[i] = sub
		}(i)
	}
	wg.Wait()
	defer func() {
		for _, sub := range subs {
			if sub != nil {
				sub.Close()
			}
		}
	}()

	waitFor(t, "session connected", func() bool {
		s, ok := reg.Lookup(ref, Console)
		return ok && s.State() == Connected
	})
	if got := conn.openCount(); got != 1 {
		t.Fatalf("openCount = %d, want 1", got)
	}
	if got := reg.Len(); got != 1 {
		t.Fatalf("registry Len = %d, want 1", got)
	}
}

func TestLateJoinerReplaysRing(t *testing.T) {
	const ref = ServerRef("srv-1")
	conn := &fakeConnector{script: []error{nil}}
	reg := testRegistry(conn, runningProc(ref))

	first, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer first.Close()
	expectStatus(t, first, StatusConnecting)
	expectStatus(t, first, StatusConnected)

	h := conn.handle(0)
	for i := 0; i < 3; i++ {
		h.events <- Event{Kind: EventResponse, Text: fmt.Sprintf("r%d", i)}
	}
	for i := 0; i < 3; i++ {
		nextEvent(t, first)
	}

	late, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("late Attach: %v", err)
	}
	defer late.Close()

	want := []string{StatusConnecting, StatusConnected, "r0", "r1", "r2"}
	for i, w := range want {
		ev := nextEvent(t, late)
		if ev.Text != w {
			t.Fatalf("replay[%d] = %q, want %q", i, ev.Text, w)
		}
	}
	if got := conn.openCount(); got != 1 {
		t.Fatalf("openCount = %d, want 1", got)
	}
}

func TestEventOrderConsistentAcrossSubscribers(t *testing.T) {
	const ref = ServerRef("srv-1")
	conn := &fakeConnector{script: []error{nil}}
	reg := testRegistry(conn, runningProc(ref))

	a, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach a: %v", err)
	}
	defer a.Close()
	b, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach b: %v", err)
	}
	defer b.Close()

	waitFor(t, "connected", func() bool {
		s, ok := reg.Lookup(ref, Console)
		return ok && s.State() == Connected
	})

	h := conn.handle(0)
	const n = 20
	for i := 0; i < n; i++ {
		h.events <- Event{Kind: EventResponse, Text: fmt.Sprintf("r%d", i)}
	}

	collect := func(sub *Subscriber) []string {
		var out []string
		for len(out) < n {
			ev := nextEvent(t, sub)
			if ev.Kind == EventResponse {
				out = append(out, ev.Text)
			}
		}
		return out
	}
	seqA := collect(a)
	seqB := collect(b)
	for i := range seqA {
		if seqA[i] != seqB[i] {
			t.Fatalf("order diverges at %d: %q vs %q", i, seqA[i], seqB[i])
		}
		if want := fmt.Sprintf("r%d", i); seqA[i] != want {
			t.Fatalf("event %d = %q, want %q", i, seqA[i], want)
		}
	}
}

func TestSubmitWhileConnecting(t *testing.T) {
	const ref = ServerRef("srv-1")
	release := make(chan struct{})
	conn := &fakeConnector{script: []error{nil}, block: release}
	reg := testRegistry(conn, runningProc(ref))

	sub, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer sub.Close()

	if err := sub.Submit(context.Background(), "web-1", "status"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Submit = %v, want ErrNotConnected", err)
	}

	close(release)
	expectStatus(t, sub, StatusConnecting)
	expectStatus(t, sub, StatusConnected)
	if err := sub.Submit(context.Background(), "web-1", "status"); err != nil {
		t.Fatalf("Submit after connect: %v", err)
	}
}

func TestAuthRejectionIsTerminal(t *testing.T) {
	const ref = ServerRef("srv-1")
	conn := &fakeConnector{script: []error{ErrAuthRejected}}
	reg := testRegistry(conn, runningProc(ref))

	sub, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}

	expectStatus(t, sub, StatusConnecting)
	ev := nextEvent(t, sub)
	if ev.Kind != EventError {
		t.Fatalf("got %s %q, want error event", ev.Kind, ev.Text)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("Next after terminate = %v, want ErrSessionClosed", err)
	}
	waitFor(t, "session removal", func() bool { return reg.Len() == 0 })
	if got := conn.openCount(); got != 1 {
		t.Fatalf("openCount = %d, want 1 (no retry after auth rejection)", got)
	}
}

func TestDisconnectNoticeEmittedOncePerDrop(t *testing.T) {
	const ref = ServerRef("srv-1")
	transport := &TransportError{Err: errors.New("reset")}
	// One good connection, two failed retries, then recovery.
	conn := &fakeConnector{script: []error{nil, transport, transport, nil}}
	reg := testRegistry(conn, runningProc(ref))

	a, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach a: %v", err)
	}
	defer a.Close()
	b, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach b: %v", err)
	}
	defer b.Close()

	waitFor(t, "connected", func() bool {
		s, ok := reg.Lookup(ref, Console)
		return ok && s.State() == Connected
	})

	conn.handle(0).drop()
	waitFor(t, "reconnected", func() bool { return conn.openCount() == 4 })

	for _, sub := range []*Subscriber{a, b} {
		var statuses []string
		deadline := time.After(2 * time.Second)
	drain:
		for {
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			ev, err := sub.Next(ctx)
			cancel()
			if err != nil {
				select {
				case <-deadline:
					t.Fatal("timed out draining events")
				default:
				}
				break drain
			}
			if ev.Kind == EventStatus {
				statuses = append(statuses, ev.Text)
			}
		}
		var disconnects, reconnects int
		for _, st := range statuses {
			switch st {
			case StatusDisconnected:
				disconnects++
			case StatusReconnected:
				reconnects++
			}
		}
		if disconnects != 1 {
			t.Errorf("disconnected notices = %d, want exactly 1 (saw %v)", disconnects, statuses)
		}
		if reconnects != 1 {
			t.Errorf("reconnected notices = %d, want exactly 1 (saw %v)", reconnects, statuses)
		}
	}
}

func TestIdleLingerAllowsReattach(t *testing.T) {
	const ref = ServerRef("srv-1")
	conn := &fakeConnector{script: []error{nil}}
	reg := testRegistry(conn, runningProc(ref))

	first, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	expectStatus(t, first, StatusConnecting)
	expectStatus(t, first, StatusConnected)
	first.Close()

	// Reattach well inside the linger window: same upstream connection.
	second, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("reattach: %v", err)
	}
	if got := conn.openCount(); got != 1 {
		t.Fatalf("openCount after reattach = %d, want 1", got)
	}
	second.Close()

	waitFor(t, "idle retirement", func() bool { return reg.Len() == 0 })
	h := conn.handle(0)
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if !closed {
		t.Error("upstream handle left open after idle retirement")
	}
}

func TestDetachDuringDialClosesUpstream(t *testing.T) {
	// A subscriber detaching while the dial is still in flight retires the
	// session; whatever connection that dial eventually produces must be
	// closed, never left open alongside a later session's connection.
	const n = 30
	conn := &fakeConnector{script: []error{nil}}
	proc := &fakeProc{running: map[ServerRef]bool{}, started: map[ServerRef]bool{}}
	for i := 0; i < n; i++ {
		ref := ServerRef(fmt.Sprintf("srv-%d", i))
		proc.running[ref] = true
		proc.started[ref] = true
	}
	reg := testRegistry(conn, proc)

	for i := 0; i < n; i++ {
		ref := ServerRef(fmt.Sprintf("srv-%d", i))
		sub, err := reg.Attach(context.Background(), ref, Console)
		if err != nil {
			t.Fatalf("Attach %s: %v", ref, err)
		}
		sub.Close()
	}

	waitFor(t, "all sessions retired", func() bool { return reg.Len() == 0 })
	if got := conn.openCount(); got < n {
		t.Fatalf("openCount = %d, want at least %d", got, n)
	}
	waitFor(t, "all upstream connections closed", func() bool { return conn.openHandles() == 0 })
}

func TestConsoleTerminatesWhenProcessDies(t *testing.T) {
	const ref = ServerRef("srv-1")
	proc := runningProc(ref)
	conn := &fakeConnector{script: []error{nil}}
	reg := testRegistry(conn, proc)

	sub, err := reg.Attach(context.Background(), ref, Console)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	expectStatus(t, sub, StatusConnecting)
	expectStatus(t, sub, StatusConnected)

	proc.running[ref] = false
	conn.handle(0).drop()

	ev := nextEvent(t, sub)
	if ev.Kind != EventError || ev.Text != "server stopped" {
		t.Fatalf("got %s %q, want error %q", ev.Kind, ev.Text, "server stopped")
	}
	waitFor(t, "session removal", func() bool { return reg.Len() == 0 })
}

func TestLogStreamRetriesWithoutSubscribers(t *testing.T) {
	const ref = ServerRef("srv-1")
	transport := &TransportError{Err: errors.New("pipe gone")}
	conn := &fakeConnector{script: []error{nil, transport, nil}}
	reg := testRegistry(conn, runningProc(ref))

	sub, err := reg.Attach(context.Background(), ref, LogStream)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	expectStatus(t, sub, StatusConnecting)
	expectStatus(t, sub, StatusConnected)
	sub.Close()

	// Drop inside the linger window: log sessions keep retrying even with
	// nobody attached.
	conn.handle(0).drop()
	waitFor(t, "reconnect without subscribers", func() bool { return conn.openCount() >= 3 })

	waitFor(t, "idle retirement", func() bool { return reg.Len() == 0 })
}
