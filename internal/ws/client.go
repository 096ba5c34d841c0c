package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/channel"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxInboundBytes = 4096
	sendQueueSize   = 64

	// commandHistorySize bounds each client's recall of its own accepted
	// commands. History is private to the connection, never shared.
	commandHistorySize = 50
)

// client adapts one websocket connection to a channel subscriber. The
// event pump translates subscriber events into outbound messages, the
// write pump is the sole writer on the socket, and the read pump handles
// inbound frames. A client-side failure only ever tears down this client;
// the session and its other subscribers are untouched.
type client struct {
	conn   *websocket.Conn
	sub    *channel.Subscriber
	origin string
	log    pslog.Logger

	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc

	// history holds this connection's own accepted commands, oldest first.
	// Only the read pump touches it, so no lock is needed.
	history []string
}

func newClient(conn *websocket.Conn, sub *channel.Subscriber, origin string, log pslog.Logger) *client {
	ctx, cancel := context.WithCancel(context.Background())
	return &client{
		conn:   conn,
		sub:    sub,
		origin: origin,
		log:    log,
		send:   make(chan []byte, sendQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// serve runs the pumps and blocks until the connection ends, then detaches
// the subscriber.
func (c *client) serve() {
	go c.writePump()
	go c.eventPump()
	c.readPump()

	c.cancel()
	c.sub.Close()
	_ = c.conn.Close()
}

// eventPump drains the subscriber into the send queue. When the session
// retires, remaining backlog is flushed before the connection is shut
// down.
func (c *client) eventPump() {
	for {
		ev, err := c.sub.Next(c.ctx)
		if err != nil {
			if errors.Is(err, channel.ErrSessionClosed) {
				c.log.Debug("session retired, closing socket")
			}
			c.cancel()
			return
		}
		var data []byte
		if c.sub.Kind() == channel.LogStream {
			// Log sockets carry raw lines, no envelope. Channel status
			// noise is dropped rather than injected into the log text.
			if ev.Kind != channel.EventLog {
				continue
			}
			data = append([]byte(ev.Text), '\n')
		} else {
			data = encodeFrame(frameFromEvent(ev))
		}
		select {
		case c.send <- data:
		case <-c.ctx.Done():
			return
		}
	}
}

// writePump owns all socket writes: queued messages, pings, and the final
// close handshake.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.flush()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			// Unblock the read pump if the peer never answers the close.
			_ = c.conn.SetReadDeadline(time.Now().Add(writeWait))
			return
		}
	}
}

// flush drains whatever is already queued so a retiring session's final
// notices still reach the client.
func (c *client) flush() {
	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if c.conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		default:
			return
		}
	}
}

// readPump consumes inbound frames until the connection errors. Malformed
// input and submit failures produce local error frames only; they are
// never fanned out to other subscribers.
func (c *client) readPump() {
	c.conn.SetReadLimit(maxInboundBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if c.sub.Kind() == channel.LogStream {
			// Log sockets are one-way.
			continue
		}
		c.handleFrame(raw)
	}
}

func (c *client) handleFrame(raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		c.sendLocal(errorFrame("malformed frame"))
		return
	}
	switch f.Type {
	case "command":
		c.handleCommand(f.Payload)
	case FrameHistory:
		c.sendHistory()
	default:
		c.sendLocal(errorFrame("unknown frame type"))
	}
}

func (c *client) handleCommand(text string) {
	if text == "" {
		c.sendLocal(errorFrame("empty command"))
		return
	}
	ctx, cancel := context.WithTimeout(c.ctx, writeWait)
	err := c.sub.Submit(ctx, c.origin, text)
	cancel()
	switch {
	case err == nil:
		c.recordCommand(text)
	case errors.Is(err, channel.ErrNotConnected):
		c.sendLocal(errorFrame("not connected"))
	case errors.Is(err, channel.ErrSubmitBacklog):
		c.sendLocal(errorFrame("command backlog full, try again"))
	case errors.Is(err, channel.ErrSessionClosed):
		c.sendLocal(errorFrame("session closed"))
	default:
		c.sendLocal(errorFrame("command failed"))
	}
}

func (c *client) recordCommand(text string) {
	c.history = append(c.history, text)
	if len(c.history) > commandHistorySize {
		c.history = c.history[len(c.history)-commandHistorySize:]
	}
}

func (c *client) sendHistory() {
	data, _ := json.Marshal(historyFrame{
		Type:     FrameHistory,
		Commands: append([]string(nil), c.history...),
		Time:     time.Now(),
	})
	c.enqueue(data)
}

func (c *client) sendLocal(f Frame) {
	c.enqueue(encodeFrame(f))
}

// enqueue drops the message if the outbound queue is full; local notices
// are best effort and must never stall the read pump.
func (c *client) enqueue(data []byte) {
	select {
	case c.send <- data:
	default:
	}
}
