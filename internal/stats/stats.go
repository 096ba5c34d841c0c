// Package stats tracks process-wide operational counters for the channel
// layer and exposes a host snapshot for the panel's status endpoint.
package stats

import (
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// Counters accumulates channel-layer activity. All methods are safe for
// concurrent use and tolerate a nil receiver so callers can leave metrics
// unwired in tests.
type Counters struct {
	sessionsOpened    atomic.Int64
	sessionsActive    atomic.Int64
	clientsAttached   atomic.Int64
	clientsActive     atomic.Int64
	eventsPublished   atomic.Int64
	commandsSubmitted atomic.Int64
	eventsDropped     atomic.Int64
}

func NewCounters() *Counters {
	return &Counters{}
}

func (c *Counters) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsOpened.Add(1)
	c.sessionsActive.Add(1)
}

func (c *Counters) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

func (c *Counters) ClientAttached() {
	if c == nil {
		return
	}
	c.clientsAttached.Add(1)
	c.clientsActive.Add(1)
}

func (c *Counters) ClientDetached() {
	if c == nil {
		return
	}
	c.clientsActive.Add(-1)
}

func (c *Counters) EventPublished() {
	if c == nil {
		return
	}
	c.eventsPublished.Add(1)
}

func (c *Counters) CommandSubmitted() {
	if c == nil {
		return
	}
	c.commandsSubmitted.Add(1)
}

func (c *Counters) EventDropped() {
	if c == nil {
		return
	}
	c.eventsDropped.Add(1)
}

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	SessionsOpened    int64 `json:"sessionsOpened"`
	SessionsActive    int64 `json:"sessionsActive"`
	ClientsAttached   int64 `json:"clientsAttached"`
	ClientsActive     int64 `json:"clientsActive"`
	EventsPublished   int64 `json:"eventsPublished"`
	CommandsSubmitted int64 `json:"commandsSubmitted"`
	EventsDropped     int64 `json:"eventsDropped"`
}

func (c *Counters) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		SessionsOpened:    c.sessionsOpened.Load(),
		SessionsActive:    c.sessionsActive.Load(),
		ClientsAttached:   c.clientsAttached.Load(),
		ClientsActive:     c.clientsActive.Load(),
		EventsPublished:   c.eventsPublished.Load(),
		CommandsSubmitted: c.commandsSubmitted.Load(),
		EventsDropped:     c.eventsDropped.Load(),
	}
}

// Host is a snapshot of the panel host's resource usage.
type Host struct {
	Goroutines  int     `json:"goroutines"`
	MemoryUsed  uint64  `json:"memoryUsedBytes"`
	MemoryTotal uint64  `json:"memoryTotalBytes"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	SampledAt   string  `json:"sampledAt"`
}

// HostSnapshot samples host memory and load. Fields that cannot be sampled
// on the current platform are left at zero.
func HostSnapshot() Host {
	h := Host{
		Goroutines: runtime.NumGoroutine(),
		SampledAt:  time.Now().Format(time.RFC3339),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		h.MemoryUsed = vm.Used
		h.MemoryTotal = vm.Total
	}
	if avg, err := load.Avg(); err == nil {
		h.Load1 = avg.Load1
		h.Load5 = avg.Load5
	}
	return h
}
