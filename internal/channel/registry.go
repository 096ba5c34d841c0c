package channel

import (
	"context"
	"sync"
	"time"

	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/stats"
)

// RegistryConfig carries per-kind session tuning.
type RegistryConfig struct {
	ConsoleRing       int
	LogRing           int
	SubscriberBacklog int
	SubmitQueue       int
	IdleTimeout       time.Duration
}

// DefaultRegistryConfig returns the standard tuning: 200-event console
// ring, 500-event log ring, 30s idle linger.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		ConsoleRing:       200,
		LogRing:           500,
		SubscriberBacklog: 256,
		SubmitQueue:       64,
		IdleTimeout:       30 * time.Second,
	}
}

// Registry is the single owner of the (ServerRef, Kind) to Session mapping.
// Sessions are created lazily on first attach and removed when their run
// loop retires (idle with no subscribers, or terminated). Creation and
// removal are atomic with respect to concurrent attaches racing the same
// key, which upholds the at-most-one-upstream-connection invariant.
type Registry struct {
	connector Connector
	policy    Policy
	cfg       RegistryConfig
	log       pslog.Logger
	counters  *stats.Counters

	mu       sync.Mutex
	sessions map[sessionKey]*Session
}

type sessionKey struct {
	ref  ServerRef
	kind Kind
}

func NewRegistry(connector Connector, policy Policy, cfg RegistryConfig, log pslog.Logger, counters *stats.Counters) *Registry {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	if cfg.ConsoleRing <= 0 || cfg.LogRing <= 0 {
		def := DefaultRegistryConfig()
		if cfg.ConsoleRing <= 0 {
			cfg.ConsoleRing = def.ConsoleRing
		}
		if cfg.LogRing <= 0 {
			cfg.LogRing = def.LogRing
		}
	}
	return &Registry{
		connector: connector,
		policy:    policy,
		cfg:       cfg,
		log:       log,
		counters:  counters,
		sessions:  make(map[sessionKey]*Session),
	}
}

// Attach subscribes to the session for (ref, kind), creating it if absent.
// A subscriber attaching while the session is still Connecting is queued
// and receives events once the session settles; the call itself never
// blocks on upstream I/O. If the existing session retires concurrently,
// the attach is retried against a fresh one.
func (r *Registry) Attach(ctx context.Context, ref ServerRef, kind Kind) (*Subscriber, error) {
	key := sessionKey{ref: ref, kind: kind}
	for {
		r.mu.Lock()
		s, ok := r.sessions[key]
		if !ok {
			s = newSession(ref, kind, r.connector, r.policy, r.sessionConfig(kind), r.log, r.counters, r.removeSession)
			r.sessions[key] = s
			go s.run()
		}
		r.mu.Unlock()

		sub, err := s.attach(ctx)
		if err == nil {
			return sub, nil
		}
		if err == ErrSessionClosed {
			// Raced a retiring session; drop the stale entry and retry.
			r.mu.Lock()
			if r.sessions[key] == s {
				delete(r.sessions, key)
			}
			r.mu.Unlock()
			continue
		}
		return nil, err
	}
}

// Lookup returns the live session for (ref, kind), if any.
func (r *Registry) Lookup(ref ServerRef, kind Kind) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionKey{ref: ref, kind: kind}]
	return s, ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Registry) sessionConfig(kind Kind) SessionConfig {
	ringSize := r.cfg.ConsoleRing
	if kind == LogStream {
		ringSize = r.cfg.LogRing
	}
	return SessionConfig{
		RingSize:          ringSize,
		SubscriberBacklog: r.cfg.SubscriberBacklog,
		SubmitQueue:       r.cfg.SubmitQueue,
		IdleTimeout:       r.cfg.IdleTimeout,
	}
}

func (r *Registry) removeSession(s *Session) {
	key := sessionKey{ref: s.ref, kind: s.kind}
	r.mu.Lock()
	if r.sessions[key] == s {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
}
