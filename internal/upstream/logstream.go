package upstream

import (
	"bufio"
	"context"
	"io"

	"github.com/packpanel/backend/internal/channel"
)

// openLogStream attaches to the server's log pipe. Availability is tied to
// the container existing, not to the server process being up: a stopped
// server's logs remain readable.
func (c *Connector) openLogStream(ctx context.Context, ref channel.ServerRef) (channel.Handle, error) {
	if c.proc == nil || !c.proc.HasStarted(ref) {
		return nil, channel.ErrNotRunning
	}
	conn, err := c.dial(ctx, ref, channel.LogStream)
	if err != nil {
		return nil, err
	}
	h := &logHandle{
		conn:   conn,
		events: make(chan channel.Event, 128),
		stop:   make(chan struct{}),
	}
	go h.readLoop()
	c.log.Debug("log stream attached", "server", string(ref))
	return h, nil
}

// logHandle adapts a line-oriented log source to channel.Handle. The
// stream is read-only; Send always fails.
type logHandle struct {
	conn   io.ReadWriteCloser
	events chan channel.Event
	stop   chan struct{}
}

func (h *logHandle) Events() <-chan channel.Event {
	return h.events
}

func (h *logHandle) Send(ctx context.Context, text string) error {
	return channel.ErrNotConnected
}

func (h *logHandle) Close() error {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	return h.conn.Close()
}

func (h *logHandle) readLoop() {
	defer close(h.events)
	scanner := bufio.NewScanner(h.conn)
	scanner.Buffer(make([]byte, 0, 4096), 256*1024)
	for scanner.Scan() {
		ev := channel.Event{Kind: channel.EventLog, Text: scanner.Text()}
		select {
		case h.events <- ev:
		case <-h.stop:
			return
		}
	}
}
