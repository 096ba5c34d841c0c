package channel

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/stats"
)

// State is the connection state of a session. Modelled as a single enum
// rather than overlapping booleans so impossible combinations cannot be
// represented.
type State int32

const (
	Idle State = iota
	Connecting
	Connected
	Reconnecting
	Terminated
)

var stateNames = map[State]string{
	Idle:         "idle",
	Connecting:   "connecting",
	Connected:    "connected",
	Reconnecting: "reconnecting",
	Terminated:   "terminated",
}

func (s State) String() string {
	if n, ok := stateNames[s]; ok {
		return n
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Connector opens the single live upstream connection for a session. The
// upstream package provides the production implementation.
type Connector interface {
	Open(ctx context.Context, ref ServerRef, kind Kind) (Handle, error)
}

// Handle is one live upstream connection. Events delivers decoded upstream
// events in arrival order and is closed when the read loop ends. Send
// forwards a console command; it is serialized by the session's writer.
type Handle interface {
	Events() <-chan Event
	Send(ctx context.Context, text string) error
	Close() error
}

// SessionConfig tunes a single session.
type SessionConfig struct {
	RingSize          int
	SubscriberBacklog int
	SubmitQueue       int
	IdleTimeout       time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	if c.RingSize <= 0 {
		c.RingSize = 200
	}
	if c.SubscriberBacklog <= 0 {
		c.SubscriberBacklog = 256
	}
	if c.SubmitQueue <= 0 {
		c.SubmitQueue = 64
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	return c
}

// Session multiplexes all subscribers for one (ServerRef, Kind) onto a
// single upstream connection. All session state is owned by the run loop
// goroutine; attach, detach, and submit communicate with it over channels,
// so UI-facing calls never block on upstream I/O.
type Session struct {
	ref       ServerRef
	kind      Kind
	connector Connector
	policy    Policy
	cfg       SessionConfig
	log       pslog.Logger
	counters  *stats.Counters

	state   atomic.Int32
	attachc chan chan *Subscriber
	detachc chan *Subscriber
	submitc chan submitReq
	done    chan struct{}
	onExit  func(*Session)
}

type submitReq struct {
	origin string
	text   string
	reply  chan error
}

type openResult struct {
	handle Handle
	err    error
}

func newSession(ref ServerRef, kind Kind, connector Connector, policy Policy, cfg SessionConfig, log pslog.Logger, counters *stats.Counters, onExit func(*Session)) *Session {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	return &Session{
		ref:       ref,
		kind:      kind,
		connector: connector,
		policy:    policy,
		cfg:       cfg.withDefaults(),
		log:       log.With("server", string(ref), "channel", kind.String()),
		counters:  counters,
		attachc:   make(chan chan *Subscriber),
		detachc:   make(chan *Subscriber),
		submitc:   make(chan submitReq),
		done:      make(chan struct{}),
		onExit:    onExit,
	}
}

// State returns the session's current connection state.
func (s *Session) State() State {
	return State(s.state.Load())
}

// Ref returns the target server identifier.
func (s *Session) Ref() ServerRef {
	return s.ref
}

// Kind returns the channel kind.
func (s *Session) Kind() Kind {
	return s.kind
}

// attach registers a new subscriber with the run loop. The subscriber's
// backlog is seeded with the ring buffer before any live event so a client
// joining mid-session sees recent history without gaps or duplicates.
func (s *Session) attach(ctx context.Context) (*Subscriber, error) {
	reply := make(chan *Subscriber, 1)
	select {
	case s.attachc <- reply:
		return <-reply, nil
	case <-s.done:
		return nil, ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *Session) detach(sub *Subscriber) {
	select {
	case s.detachc <- sub:
	case <-s.done:
	}
}

func (s *Session) submit(ctx context.Context, origin, text string) error {
	req := submitReq{origin: origin, text: text, reply: make(chan error, 1)}
	select {
	case s.submitc <- req:
	case <-s.done:
		return ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the session's event loop. It owns the state machine, the ring
// buffer, the subscriber set, and the lifecycle of the upstream handle.
func (s *Session) run() {
	s.counters.SessionOpened()
	defer func() {
		s.counters.SessionClosed()
		if s.onExit != nil {
			s.onExit(s)
		}
		close(s.done)
	}()

	var (
		subs       = make(map[*Subscriber]struct{})
		rb         = newRing(s.cfg.RingSize)
		state      = Idle
		handle     Handle
		events     <-chan Event
		openc      chan openResult
		openCancel context.CancelFunc
		retryTimer *time.Timer
		retryc     <-chan time.Time
		idleTimer  *time.Timer
		idlec      <-chan time.Time
		attempt    int
		sendq      chan submitReq
		writerStop chan struct{}
	)

	setState := func(st State) {
		state = st
		s.state.Store(int32(st))
	}

	publish := func(ev Event) {
		rb.append(ev)
		for sub := range subs {
			sub.push(ev)
		}
		s.counters.EventPublished()
	}

	stopRetry := func() {
		if retryTimer != nil {
			retryTimer.Stop()
			retryTimer = nil
			retryc = nil
		}
	}

	stopIdle := func() {
		if idleTimer != nil {
			idleTimer.Stop()
			idleTimer = nil
			idlec = nil
		}
	}

	stopWriter := func() {
		if writerStop != nil {
			close(writerStop)
			writerStop = nil
			sendq = nil
		}
	}

	closeHandle := func() {
		stopWriter()
		if handle != nil {
			_ = handle.Close()
			handle = nil
			events = nil
		}
	}

	startWriter := func(h Handle) {
		q := make(chan submitReq, s.cfg.SubmitQueue)
		stop := make(chan struct{})
		sendq = q
		writerStop = stop
		go func() {
			for {
				select {
				case req, ok := <-q:
					if !ok {
						return
					}
					if err := h.Send(context.Background(), req.text); err != nil {
						s.log.Warn("command forward failed", "err", err)
						return
					}
				case <-stop:
					return
				}
			}
		}()
	}

	startOpen := func() {
		ctx, cancel := context.WithCancel(context.Background())
		openCancel = cancel
		ch := make(chan openResult, 1)
		openc = ch
		go func() {
			h, err := s.connector.Open(ctx, s.ref, s.kind)
			if ctx.Err() != nil {
				if h != nil {
					_ = h.Close()
				}
				h, err = nil, ctx.Err()
			}
			ch <- openResult{handle: h, err: err}
		}()
	}

	cancelOpen := func() {
		if openCancel == nil {
			return
		}
		openCancel()
		openCancel = nil
		// The dial goroutine may have already buffered a live handle before
		// it saw the cancellation. Drain the result off-loop and close it,
		// so an abandoned dial never leaves a connection open.
		ch := openc
		openc = nil
		go func() {
			if res := <-ch; res.handle != nil {
				_ = res.handle.Close()
			}
		}()
	}

	terminate := func(notice Event) {
		publish(notice)
		setState(Terminated)
		cancelOpen()
		stopRetry()
		stopIdle()
		closeHandle()
		for sub := range subs {
			sub.markClosed()
			s.counters.ClientDetached()
		}
		s.log.Info("session terminated")
	}

	// scheduleRetry consults the policy after an upstream failure. Returns
	// false when the session must terminate instead.
	scheduleRetry := func(lastErr error) bool {
		delay, ok := s.policy.Retry(s.kind, s.ref, attempt, len(subs), lastErr)
		if !ok {
			return false
		}
		prev := state
		setState(Reconnecting)
		switch prev {
		case Connected:
			// Emitted once per drop; repeated retry failures stay silent.
			publish(statusEvent(StatusDisconnected))
		case Connecting:
			publish(statusEvent(StatusConnecting))
		}
		retryTimer = time.NewTimer(delay)
		retryc = retryTimer.C
		return true
	}

	terminalNotice := func(lastErr error) Event {
		if lastErr != nil && !Transient(lastErr) {
			return errorEvent(lastErr.Error())
		}
		if s.policy.Proc != nil && !s.policy.Proc.IsRunning(s.ref) {
			return errorEvent("server stopped")
		}
		return errorEvent("upstream unreachable")
	}

	for {
		select {
		case reply := <-s.attachc:
			sub := newSubscriber(s, s.cfg.SubscriberBacklog)
			for _, ev := range rb.snapshot() {
				sub.push(ev)
			}
			subs[sub] = struct{}{}
			s.counters.ClientAttached()
			stopIdle()
			if state == Idle {
				setState(Connecting)
				publish(statusEvent(StatusConnecting))
				attempt = 0
				startOpen()
			}
			s.log.Debug("subscriber attached", "subscribers", len(subs), "state", state.String())
			reply <- sub

		case sub := <-s.detachc:
			if _, ok := subs[sub]; !ok {
				continue
			}
			delete(subs, sub)
			sub.markClosed()
			s.counters.ClientDetached()
			s.log.Debug("subscriber detached", "subscribers", len(subs), "state", state.String())
			if len(subs) > 0 {
				continue
			}
			if state == Connected {
				// Keep the upstream open briefly to allow reattachment.
				idleTimer = time.NewTimer(s.cfg.IdleTimeout)
				idlec = idleTimer.C
				continue
			}
			cancelOpen()
			stopRetry()
			setState(Idle)
			s.log.Info("session idle, retiring")
			return

		case req := <-s.submitc:
			if state != Connected {
				req.reply <- ErrNotConnected
				continue
			}
			select {
			case sendq <- req:
				publish(Event{Kind: EventCommand, Origin: req.origin, Text: req.text, Time: time.Now()})
				s.counters.CommandSubmitted()
				req.reply <- nil
			default:
				req.reply <- ErrSubmitBacklog
			}

		case res := <-openc:
			openc = nil
			openCancel = nil
			if res.err == nil {
				handle = res.handle
				events = handle.Events()
				prev := state
				setState(Connected)
				attempt = 0
				if s.kind == Console {
					startWriter(handle)
				}
				if prev == Reconnecting {
					publish(statusEvent(StatusReconnected))
				} else {
					publish(statusEvent(StatusConnected))
				}
				s.log.Info("upstream connected", "reconnect", prev == Reconnecting)
				if len(subs) == 0 {
					stopIdle()
					idleTimer = time.NewTimer(s.cfg.IdleTimeout)
					idlec = idleTimer.C
				}
				continue
			}
			attempt++
			s.log.Warn("upstream open failed", "attempt", attempt, "err", res.err)
			if !Transient(res.err) {
				terminate(errorEvent(res.err.Error()))
				return
			}
			if !scheduleRetry(res.err) {
				terminate(terminalNotice(res.err))
				return
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				lost := &TransportError{Err: errors.New("connection closed")}
				closeHandle()
				s.log.Warn("upstream connection closed")
				if !scheduleRetry(lost) {
					terminate(terminalNotice(lost))
					return
				}
				continue
			}
			if ev.Time.IsZero() {
				ev.Time = time.Now()
			}
			publish(ev)

		case <-retryc:
			retryTimer = nil
			retryc = nil
			startOpen()

		case <-idlec:
			idleTimer = nil
			idlec = nil
			if len(subs) != 0 {
				continue
			}
			cancelOpen()
			stopRetry()
			closeHandle()
			setState(Idle)
			s.log.Info("idle timeout, closing upstream")
			return
		}
	}
}
