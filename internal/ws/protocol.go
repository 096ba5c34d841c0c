package ws

import (
	"encoding/json"
	"time"

	"github.com/packpanel/backend/internal/channel"
)

// Frame is the JSON envelope exchanged on console sockets. Log sockets
// carry raw text lines instead and never use it.
type Frame struct {
	Type    string    `json:"type"`
	Payload string    `json:"payload"`
	Origin  string    `json:"origin,omitempty"`
	Time    time.Time `json:"time,omitzero"`
}

// FrameHistory is a client request for recently accepted commands,
// answered with a historyFrame. The other frame types on the wire match
// the session event kinds.
const FrameHistory = "history"

// Pre-attach gating payloads: sent as a single status frame before the
// socket is closed when no session can be established.
const (
	GateUnsupported  = "unsupported"
	GateNotInstalled = "not installed"
	GateNotRunning   = "not running"
)

func frameFromEvent(ev channel.Event) Frame {
	return Frame{
		Type:    ev.Kind.String(),
		Payload: ev.Text,
		Origin:  ev.Origin,
		Time:    ev.Time,
	}
}

func statusFrame(payload string) Frame {
	return Frame{Type: "status", Payload: payload, Time: time.Now()}
}

func errorFrame(payload string) Frame {
	return Frame{Type: "error", Payload: payload, Time: time.Now()}
}

// historyFrame answers a FrameHistory request, oldest command first.
type historyFrame struct {
	Type     string    `json:"type"`
	Commands []string  `json:"commands"`
	Time     time.Time `json:"time"`
}

func encodeFrame(f Frame) []byte {
	data, _ := json.Marshal(f)
	return data
}
