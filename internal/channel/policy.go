package channel

import (
	"errors"
	"time"
)

// ProcessState reports the runtime state of a target game server. It is an
// external collaborator: the panel's lifecycle/orchestration layer owns the
// truth about containers and processes.
type ProcessState interface {
	// IsRunning reports whether the server process is currently running.
	IsRunning(ref ServerRef) bool

	// HasStarted reports whether the server has ever been installed and
	// started, i.e. a container/log reference exists. Log availability is
	// tied to container existence, not to the producer being ready.
	HasStarted(ref ServerRef) bool
}

// Policy decides whether and when a session should retry after an upstream
// failure. It is stateless: every decision is derived from the current
// attempt count, subscriber count, and the process-state collaborator.
type Policy struct {
	Proc ProcessState

	// ConsoleDelay is the fixed delay between console reconnect attempts.
	ConsoleDelay time.Duration

	// ConsoleMaxAttempts bounds console reconnects; zero means unbounded.
	ConsoleMaxAttempts int

	// LogDelay is the fixed delay between log stream reconnect attempts.
	LogDelay time.Duration
}

// DefaultPolicy returns a Policy with the standard delays.
func DefaultPolicy(proc ProcessState) Policy {
	return Policy{
		Proc:               proc,
		ConsoleDelay:       time.Second,
		ConsoleMaxAttempts: 30,
		LogDelay:           2 * time.Second,
	}
}

// Retry reports whether a session in the given situation should schedule
// another connect attempt, and after what delay. attempt is the number of
// failed attempts so far, attached the number of subscribers still present.
// Auth rejections are never retried.
func (p Policy) Retry(kind Kind, ref ServerRef, attempt, attached int, lastErr error) (time.Duration, bool) {
	if errors.Is(lastErr, ErrAuthRejected) {
		return 0, false
	}
	switch kind {
	case Console:
		if attached < 1 {
			return 0, false
		}
		if p.ConsoleMaxAttempts > 0 && attempt >= p.ConsoleMaxAttempts {
			return 0, false
		}
		// Retrying against a process that no longer exists is pointless;
		// terminate instead.
		if p.Proc == nil || !p.Proc.IsRunning(ref) {
			return 0, false
		}
		return p.ConsoleDelay, true
	case LogStream:
		if p.Proc == nil || !p.Proc.HasStarted(ref) {
			return 0, false
		}
		return p.LogDelay, true
	}
	return 0, false
}
