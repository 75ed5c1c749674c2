// internal/live/connection.go
package live

import (
	"sort"
	"time"
)

// Connection is one physical subscription to a resource, shared by every
// listener of that resource. All fields are guarded by the owning Manager's mutex.
type Connection struct {
	resource string
	spec     Spec
	name     string  // backend channel name, unique per connection
	channel  Channel // nil for a placeholder whose channel could not be allocated

	listeners map[uint64]Listener

	isConnected       bool
	hasConnected      bool // reached SUBSCRIBED at least once
	resync            bool // replaces a dropped connection; send RESYNC once live
	abandoned         bool // reconnect attempts exhausted
	stale             bool // a reconnect came due with no listeners and was skipped
	reconnectAttempts int
	lastActivity      time.Time

	reconnectTimer Timer
	cleanupTimer   Timer
	cleanupGen     uint64 // bumped whenever a cleanup is scheduled or cancelled
}

// ConnectionInfo is a point-in-time view of a Connection for debugging.
type ConnectionInfo struct {
	Resource          string `json:"resource"`
	Channel           string `json:"channel"`
	Connected         bool   `json:"connected"`
	Listeners         int    `json:"listeners"`
	ReconnectAttempts int    `json:"reconnect_attempts"`
	Abandoned         bool   `json:"abandoned"`
	LastActivity      string `json:"last_activity"`
}

func (c *Connection) info() ConnectionInfo {
	return ConnectionInfo{
		Resource:          c.resource,
		Channel:           c.name,
		Connected:         c.isConnected,
		Listeners:         len(c.listeners),
		ReconnectAttempts: c.reconnectAttempts,
		Abandoned:         c.abandoned,
		LastActivity:      c.lastActivity.Format(time.RFC3339),
	}
}

// snapshot copies the listeners in registration order.
func (c *Connection) snapshot() []Listener {
	ids := make([]uint64, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]Listener, len(ids))
	for i, id := range ids {
		out[i] = c.listeners[id]
	}
	return out
}

func (c *Connection) stopTimers() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.cancelCleanup()
}

// cancelCleanup stops the grace timer. A callback that already fired sees a
// newer generation and does nothing.
func (c *Connection) cancelCleanup() {
	if c.cleanupTimer != nil {
		c.cleanupTimer.Stop()
		c.cleanupTimer = nil
	}
	c.cleanupGen++
}
