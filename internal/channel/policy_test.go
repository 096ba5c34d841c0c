package channel

import (
	"errors"
	"testing"
	"time"
)

type fakeProc struct {
	running map[ServerRef]bool
	started map[ServerRef]bool
}

func (p *fakeProc) IsRunning(ref ServerRef) bool  { return p.running[ref] }
func (p *fakeProc) HasStarted(ref ServerRef) bool { return p.started[ref] }

func TestPolicyRetry(t *testing.T) {
	const ref = ServerRef("srv")
	transport := &TransportError{Err: errors.New("broken pipe")}

	tests := []struct {
		name      string
		kind      Kind
		attempt   int
		attached  int
		lastErr   error
		running   bool
		started   bool
		wantRetry bool
		wantDelay time.Duration
	}{
		{name: "console retries while running and attached", kind: Console, attempt: 3, attached: 1, lastErr: transport, running: true, wantRetry: true, wantDelay: time.Second},
		{name: "console stops without clients", kind: Console, attempt: 1, attached: 0, lastErr: transport, running: true, wantRetry: false},
		{name: "console stops at attempt cap", kind: Console, attempt: 30, attached: 2, lastErr: transport, running: true, wantRetry: false},
		{name: "console stops when process dead", kind: Console, attempt: 1, attached: 1, lastErr: transport, running: false, wantRetry: false},
		{name: "console never retries auth rejection", kind: Console, attempt: 0, attached: 5, lastErr: ErrAuthRejected, running: true, wantRetry: false},
		{name: "logs retry while container exists", kind: LogStream, attempt: 100, attached: 0, lastErr: transport, started: true, wantRetry: true, wantDelay: 2 * time.Second},
		{name: "logs stop when never installed", kind: LogStream, attempt: 0, attached: 1, lastErr: transport, started: false, wantRetry: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proc := &fakeProc{
				running: map[ServerRef]bool{ref: tt.running},
				started: map[ServerRef]bool{ref: tt.started},
			}
			p := DefaultPolicy(proc)
			delay, ok := p.Retry(tt.kind, ref, tt.attempt, tt.attached, tt.lastErr)
			if ok != tt.wantRetry {
				t.Fatalf("Retry ok = %v, want %v", ok, tt.wantRetry)
			}
			if ok && delay != tt.wantDelay {
				t.Errorf("Retry delay = %v, want %v", delay, tt.wantDelay)
			}
		})
	}
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "transport wrap", err: &TransportError{Err: errors.New("reset")}, want: true},
		{name: "auth rejected", err: ErrAuthRejected, want: false},
		{name: "not running", err: ErrNotRunning, want: false},
		{name: "transport wrapping auth rejection", err: &TransportError{Err: ErrAuthRejected}, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Transient(tt.err); got != tt.want {
				t.Errorf("Transient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}
