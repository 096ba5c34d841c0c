package channel

import (
	"errors"
	"fmt"
)

// Sentinel errors for the channel layer. NotRunning and AuthRejected are
// terminal for a session; transport failures are wrapped in TransportError
// and handed to the retry policy instead.
var (
	// ErrNotRunning means the target server process is not in a running
	// state; no upstream connection is attempted.
	ErrNotRunning = errors.New("server process not running")

	// ErrAuthRejected means the console authentication handshake was
	// rejected. Never retried.
	ErrAuthRejected = errors.New("console authentication rejected")

	// ErrNotConnected is returned to a submitting client when the session
	// is not in the Connected state. It never reaches other subscribers.
	ErrNotConnected = errors.New("channel not connected")

	// ErrSessionClosed is returned by subscriber operations after the
	// session has terminated and the backlog is drained.
	ErrSessionClosed = errors.New("session closed")

	// ErrSubmitBacklog is returned when the serialized command queue to
	// the upstream connector is full.
	ErrSubmitBacklog = errors.New("command backlog full")
)

// TransportError wraps a network-level upstream failure. Transport errors
// are recovered locally via the retry policy and surfaced to clients only
// as transient status events.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("upstream transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Transient reports whether err is eligible for reconnection. Terminal
// failures (auth rejection, process not running) are excluded.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuthRejected) || errors.Is(err, ErrNotRunning) {
		return false
	}
	var te *TransportError
	return errors.As(err, &te)
}
