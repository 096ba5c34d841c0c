package upstream

import (
	"context"
	"errors"
	"strings"

	"github.com/packpanel/backend/internal/channel"
	"github.com/packpanel/backend/internal/rcon"
)

// openConsole dials the server's remote-console endpoint and performs the
// authentication handshake. A missing or rejected secret is terminal; the
// session never retries it.
func (c *Connector) openConsole(ctx context.Context, ref channel.ServerRef) (channel.Handle, error) {
	if c.proc == nil || !c.proc.IsRunning(ref) {
		return nil, channel.ErrNotRunning
	}
	secret, ok := c.creds.ResolveAuthSecret(ref)
	if !ok {
		return nil, channel.ErrAuthRejected
	}

	conn, err := c.dial(ctx, ref, channel.Console)
	if err != nil {
		return nil, err
	}
	client := rcon.NewClient(conn)
	if err := client.Authenticate(secret, c.authTimeout); err != nil {
		_ = client.Close()
		if errors.Is(err, rcon.ErrAuthFailed) {
			return nil, channel.ErrAuthRejected
		}
		return nil, &channel.TransportError{Err: err}
	}

	h := &consoleHandle{
		client: client,
		events: make(chan channel.Event, 64),
		stop:   make(chan struct{}),
	}
	go h.readLoop()
	c.log.Debug("console connected", "server", string(ref))
	return h, nil
}

// consoleHandle adapts an authenticated console client to channel.Handle.
// A single reader goroutine decodes inbound packets into response events;
// the events channel is closed when the connection drops.
type consoleHandle struct {
	client *rcon.Client
	events chan channel.Event
	stop   chan struct{}
}

func (h *consoleHandle) Events() <-chan channel.Event {
	return h.events
}

func (h *consoleHandle) Send(ctx context.Context, text string) error {
	_, err := h.client.Exec(text)
	return err
}

func (h *consoleHandle) Close() error {
	select {
	case <-h.stop:
	default:
		close(h.stop)
	}
	return h.client.Close()
}

func (h *consoleHandle) readLoop() {
	defer close(h.events)
	for {
		p, err := h.client.Read()
		if err != nil {
			return
		}
		// Keepalive and empty multipart terminators carry no output.
		body := strings.TrimRight(p.Body, "\x00\n")
		if body == "" {
			continue
		}
		ev := channel.Event{Kind: channel.EventResponse, Text: body}
		select {
		case h.events <- ev:
		case <-h.stop:
			return
		}
	}
}
