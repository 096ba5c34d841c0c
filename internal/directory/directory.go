// Package directory maintains the set of managed game servers and answers
// runtime questions about them: whether a process is running, whether a
// container exists, what console endpoint and secret to use. It backs the
// upstream connector's dialing and the channel layer's retry policy.
package directory

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/shirou/gopsutil/v3/process"
	"pkt.systems/pslog"

	"github.com/packpanel/backend/internal/channel"
)

// ConsoleSpec describes a server's remote-console endpoint. A server
// without one does not support interactive console access.
type ConsoleSpec struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
}

// ServerSpec is the static description of one managed game server.
type ServerSpec struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
	Game string `yaml:"game"`

	// Console is nil for games without a remote-console protocol.
	Console *ConsoleSpec `yaml:"console"`

	// LogPath is the server's log pipe on disk. Empty together with
	// ContainerID means the server was never installed.
	LogPath string `yaml:"log_path"`

	// PIDFile holds the game process PID while the server runs.
	PIDFile string `yaml:"pid_file"`

	// ContainerID is set once the server's container has been created.
	ContainerID string `yaml:"container_id"`
}

// Directory is the runtime view over the configured servers. Reads are
// concurrent; the running-state overrides are used by tests and mock mode
// where no real process exists to probe.
type Directory struct {
	log pslog.Logger

	mu       sync.RWMutex
	servers  map[channel.ServerRef]ServerSpec
	order    []channel.ServerRef
	runState map[channel.ServerRef]bool
}

func New(specs []ServerSpec, log pslog.Logger) *Directory {
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	d := &Directory{
		log:      log,
		servers:  make(map[channel.ServerRef]ServerSpec, len(specs)),
		runState: make(map[channel.ServerRef]bool),
	}
	for _, spec := range specs {
		ref := channel.ServerRef(spec.ID)
		if _, dup := d.servers[ref]; dup {
			log.Warn("duplicate server id in config, keeping first", "id", spec.ID)
			continue
		}
		d.servers[ref] = spec
		d.order = append(d.order, ref)
	}
	return d
}

// Exists reports whether ref names a configured server.
func (d *Directory) Exists(ref channel.ServerRef) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.servers[ref]
	return ok
}

// Get returns the spec for ref.
func (d *Directory) Get(ref channel.ServerRef) (ServerSpec, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	spec, ok := d.servers[ref]
	return spec, ok
}

// List returns all configured servers in config order.
func (d *Directory) List() []ServerSpec {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]ServerSpec, 0, len(d.order))
	for _, ref := range d.order {
		out = append(out, d.servers[ref])
	}
	return out
}

// ConsoleEnabled reports whether ref's game supports an interactive
// console.
func (d *Directory) ConsoleEnabled(ref channel.ServerRef) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	spec, ok := d.servers[ref]
	return ok && spec.Console != nil
}

// SetRunning overrides the probed running state for ref. Used by mock mode
// and tests.
func (d *Directory) SetRunning(ref channel.ServerRef, running bool) {
	d.mu.Lock()
	d.runState[ref] = running
	d.mu.Unlock()
}

// IsRunning reports whether the server's game process is up. An explicit
// override wins; otherwise the PID file is probed against the process
// table.
func (d *Directory) IsRunning(ref channel.ServerRef) bool {
	d.mu.RLock()
	spec, ok := d.servers[ref]
	override, hasOverride := d.runState[ref]
	d.mu.RUnlock()
	if !ok {
		return false
	}
	if hasOverride {
		return override
	}
	if spec.PIDFile == "" {
		return false
	}
	pid, err := readPIDFile(spec.PIDFile)
	if err != nil {
		return false
	}
	alive, err := process.PidExists(pid)
	return err == nil && alive
}

// HasStarted reports whether the server has ever been installed and
// started. Log availability tracks container existence, not liveness.
func (d *Directory) HasStarted(ref channel.ServerRef) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	spec, ok := d.servers[ref]
	if !ok {
		return false
	}
	return spec.ContainerID != "" || spec.LogPath != ""
}

// ResolveAuthSecret returns the console password for ref.
func (d *Directory) ResolveAuthSecret(ref channel.ServerRef) (string, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	spec, ok := d.servers[ref]
	if !ok || spec.Console == nil || spec.Console.Password == "" {
		return "", false
	}
	return spec.Console.Password, true
}

// Dial opens the raw byte stream for a channel: a TCP connection to the
// console endpoint, or a follow-mode reader over the log pipe.
func (d *Directory) Dial(ctx context.Context, ref channel.ServerRef, kind channel.Kind) (io.ReadWriteCloser, error) {
	d.mu.RLock()
	spec, ok := d.servers[ref]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown server %q", ref)
	}
	switch kind {
	case channel.Console:
		if spec.Console == nil {
			return nil, fmt.Errorf("server %q has no console endpoint", ref)
		}
		var nd net.Dialer
		return nd.DialContext(ctx, "tcp", spec.Console.Addr)
	case channel.LogStream:
		if spec.LogPath == "" {
			return nil, fmt.Errorf("server %q has no log pipe", ref)
		}
		return openTail(spec.LogPath)
	}
	return nil, fmt.Errorf("unknown channel kind %v", kind)
}

func readPIDFile(path string) (int32, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("malformed pid file %s: %w", path, err)
	}
	return int32(pid), nil
}
