package channel

import (
	"encoding/json"
	"time"
)

// EventKind tags the variants of a session event. Command is the echo of a
// client-submitted console command, Response is upstream output, Error and
// Status carry channel-level notices, and Log is a raw log line.
type EventKind int

const (
	EventCommand EventKind = iota
	EventResponse
	EventError
	EventStatus
	EventLog
)

var eventKindNames = map[EventKind]string{
	EventCommand:  "command",
	EventResponse: "response",
	EventError:    "error",
	EventStatus:   "status",
	EventLog:      "log",
}

var eventKindFromName = map[string]EventKind{
	"command":  EventCommand,
	"response": EventResponse,
	"error":    EventError,
	"status":   EventStatus,
	"log":      EventLog,
}

func (k EventKind) String() string {
	if s, ok := eventKindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k EventKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *EventKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := eventKindFromName[s]; ok {
		*k = v
	}
	return nil
}

// Event is a single entry in a session's ordered event stream. Events are
// delivered to every attached subscriber in the exact order the session
// emitted or accepted them; there is no reordering across kinds.
type Event struct {
	Kind   EventKind `json:"type"`
	Origin string    `json:"origin,omitempty"` // submitting client, command echoes only
	Text   string    `json:"payload"`
	Time   time.Time `json:"time"`
}

// Status payload values emitted by the session state machine.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusReconnected  = "reconnected"
	StatusDisconnected = "disconnected"
)

func statusEvent(text string) Event {
	return Event{Kind: EventStatus, Text: text, Time: time.Now()}
}

func errorEvent(text string) Event {
	return Event{Kind: EventError, Text: text, Time: time.Now()}
}
