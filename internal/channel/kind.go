package channel

import "encoding/json"

// Kind identifies which operational channel a session carries. Console is
// bidirectional and requires an authentication handshake against the game
// server's remote-console endpoint; LogStream is read-only and tied to the
// container's log pipe.
type Kind int

const (
	Console Kind = iota
	LogStream
)

var kindNames = map[Kind]string{
	Console:   "console",
	LogStream: "logs",
}

var kindFromName = map[string]Kind{
	"console": Console,
	"logs":    LogStream,
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return "unknown"
}

func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if v, ok := kindFromName[s]; ok {
		*k = v
	}
	return nil
}

// ServerRef is the opaque identifier of a target game server. All session
// state is keyed by (ServerRef, Kind).
type ServerRef string
