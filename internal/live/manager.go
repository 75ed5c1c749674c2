// internal/live/manager.go

// Package live multiplexes many in-process change listeners onto one shared,
// reference-counted backend channel per resource, reconnecting with exponential
// backoff and tearing idle channels down after a grace period.
package live

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/markb/livefeed/internal/log"
)

var (
	// ErrShuttingDown is returned when a connection is requested while Cleanup
	// is tearing the manager down. It indicates a caller bug.
	ErrShuttingDown = errors.New("live: manager is shutting down")

	// ErrInvalidResource is returned for a resource that cannot be parsed.
	ErrInvalidResource = errors.New("live: invalid resource")

	// ErrNilListener is returned when registering a nil listener.
	ErrNilListener = errors.New("live: nil listener")
)

// Manager owns every live connection of a process.
type Manager struct {
	backend Backend
	cfg     Config
	clock   Clock
	logger  *slog.Logger
	metrics Metrics

	mu         sync.Mutex
	conns      map[string]*Connection
	cleaningUp bool
	nextID     uint64
}

// Option configures a Manager.
type Option func(*Manager)

// WithConfig overrides DefaultConfig.
func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg.withDefaults() }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics sets the metrics sink.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a manager that opens channels on backend.
func NewManager(backend Backend, opts ...Option) *Manager {
	m := &Manager{
		backend: backend,
		cfg:     DefaultConfig(),
		clock:   realClock{},
		logger:  log.Logger(),
		metrics: nopMetrics{},
		conns:   make(map[string]*Connection),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the manager's configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// AddListener registers l for resource, opening the resource's connection if
// needed. The returned function unregisters l; calling it again is a no-op.
func (m *Manager) AddListener(resource string, l Listener) (func(), error) {
	if l == nil {
		return nil, ErrNilListener
	}
	spec, err := ParseResource(resource)
	if err != nil {
		return nil, err
	}

	var (
		subscribe *Connection
		release   Channel
		resumed   int
	)

	m.mu.Lock()
	conn, ok := m.conns[resource]
	switch {
	case !ok:
		conn, err = m.createConnection(resource, spec)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		subscribe = conn

	case conn.abandoned || conn.stale:
		// An abandoned resource is revived with a fresh budget. A stale one
		// resumes the reconnect it skipped.
		fresh, err := m.createConnection(resource, spec)
		if err != nil {
			m.mu.Unlock()
			return nil, err
		}
		fresh.listeners = conn.listeners
		fresh.resync = conn.hasConnected || conn.resync
		if conn.stale {
			fresh.reconnectAttempts = conn.reconnectAttempts + 1
			resumed = fresh.reconnectAttempts
		}
		conn.stopTimers()
		release = conn.channel
		if release != nil {
			m.metrics.ConnectionClosed(resource)
		}
		m.logger.Info("live: reopening dead connection", "resource", resource, "channel", fresh.name, "abandoned", conn.abandoned)
		conn = fresh
		subscribe = fresh
	}

	m.nextID++
	id := m.nextID
	conn.listeners[id] = l
	conn.lastActivity = m.clock.Now()
	conn.cancelCleanup()
	count := len(conn.listeners)
	m.mu.Unlock()

	m.logger.Debug("live: listener added", "resource", resource, "listeners", count)
	if resumed > 0 {
		m.metrics.Reconnect(resource, resumed)
	}

	m.release(resource, release)
	m.subscribe(subscribe)

	var once sync.Once
	return func() {
		once.Do(func() { m.removeListener(resource, id) })
	}, nil
}

// createConnection allocates a channel for resource and stores the Connection,
// replacing any stale entry. The caller holds m.mu and must call subscribe after
// unlocking.
func (m *Manager) createConnection(resource string, spec Spec) (*Connection, error) {
	if m.cleaningUp {
		return nil, ErrShuttingDown
	}

	name := fmt.Sprintf("%s-%d-%s", resource, m.clock.Now().UnixMilli(), uuid.NewString()[:8])
	ch, err := m.backend.Channel(name)
	if err != nil {
		return nil, fmt.Errorf("live: open channel for %s: %w", resource, err)
	}

	conn := &Connection{
		resource:     resource,
		spec:         spec,
		name:         name,
		channel:      ch,
		listeners:    make(map[uint64]Listener),
		lastActivity: m.clock.Now(),
	}
	ch.On(EventAll, spec, func(p Payload) { m.handlePayload(conn, p) })

	m.conns[resource] = conn
	m.metrics.ConnectionOpened(resource)
	return conn, nil
}

func (m *Manager) subscribe(conn *Connection) {
	if conn == nil || conn.channel == nil {
		return
	}
	conn.channel.Subscribe(func(st Status, err error) { m.handleStatus(conn, st, err) })
}

// handleStatus reacts to a channel status transition. Transitions from a
// channel that is no longer the resource's current one are ignored.
func (m *Manager) handleStatus(conn *Connection, st Status, err error) {
	m.mu.Lock()
	if m.conns[conn.resource] != conn {
		m.mu.Unlock()
		m.logger.Debug("live: ignoring status from stale channel", "resource", conn.resource, "channel", conn.name, "status", st)
		return
	}

	switch st {
	case StatusSubscribed:
		conn.isConnected = true
		conn.reconnectAttempts = 0
		conn.hasConnected = true
		resync := conn.resync && m.cfg.ResyncOnReconnect
		conn.resync = false
		var listeners []Listener
		if resync {
			listeners = conn.snapshot()
		}
		m.mu.Unlock()

		m.logger.Info("live: connection subscribed", "resource", conn.resource, "channel", conn.name)
		if resync {
			m.dispatch(conn.resource, listeners, Payload{
				Resource: conn.resource,
				Kind:     KindResync,
				Schema:   conn.spec.Schema,
				Table:    conn.spec.Table,
			})
		}

	case StatusClosed:
		conn.isConnected = false
		if !m.cleaningUp {
			m.scheduleReconnect(conn)
		}
		m.mu.Unlock()
		m.logger.Warn("live: connection closed", "resource", conn.resource, "channel", conn.name, "error", errString(err))

	default:
		m.mu.Unlock()
		m.logger.Warn("live: channel status", "resource", conn.resource, "channel", conn.name, "status", st, "error", errString(err))
	}
}

// handlePayload fans p out to every listener of conn.
func (m *Manager) handlePayload(conn *Connection, p Payload) {
	m.mu.Lock()
	if m.conns[conn.resource] != conn || len(conn.listeners) == 0 {
		m.mu.Unlock()
		return
	}
	conn.lastActivity = m.clock.Now()
	listeners := conn.snapshot()
	m.mu.Unlock()

	if p.Resource == "" {
		p.Resource = conn.resource
	}
	m.dispatch(conn.resource, listeners, p)
}

func (m *Manager) dispatch(resource string, listeners []Listener, p Payload) {
	for _, l := range listeners {
		m.deliver(resource, l, p)
	}
	m.metrics.Delivered(resource, len(listeners))
}

// deliver invokes one listener; a panic is logged and does not reach the
// other listeners.
func (m *Manager) deliver(resource string, l Listener, p Payload) {
	defer func() {
		if r := recover(); r != nil {
			m.metrics.ListenerPanic(resource)
			m.logger.Error("live: listener panicked", "resource", resource, "kind", p.Kind, "panic", fmt.Sprint(r))
		}
	}()
	l(p)
}

func (m *Manager) removeListener(resource string, id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[resource]
	if !ok {
		return
	}
	if _, ok := conn.listeners[id]; !ok {
		return
	}
	delete(conn.listeners, id)
	conn.lastActivity = m.clock.Now()

	m.logger.Debug("live: listener removed", "resource", resource, "listeners", len(conn.listeners))

	if len(conn.listeners) == 0 {
		conn.cancelCleanup()
		gen := conn.cleanupGen
		conn.cleanupTimer = m.clock.AfterFunc(m.cfg.CleanupDelay, func() {
			m.cleanupConnection(conn, gen)
		})
	}
}

// scheduleReconnect arms the backoff timer for conn, replacing a pending one.
// The caller holds m.mu.
func (m *Manager) scheduleReconnect(conn *Connection) {
	if conn.reconnectAttempts >= m.cfg.MaxReconnectAttempts {
		conn.abandoned = true
		m.logger.Error("live: reconnect attempts exhausted", "resource", conn.resource, "attempts", conn.reconnectAttempts)
		return
	}

	if conn.reconnectTimer != nil {
		conn.reconnectTimer.Stop()
	}
	delay := m.cfg.Backoff(conn.reconnectAttempts)
	conn.reconnectTimer = m.clock.AfterFunc(delay, func() { m.reconnect(conn) })

	m.logger.Info("live: reconnect scheduled", "resource", conn.resource, "attempt", conn.reconnectAttempts+1, "delay", delay)
}

// reconnect replaces conn with a fresh connection that inherits its listeners
// and attempt count.
func (m *Manager) reconnect(conn *Connection) {
	m.mu.Lock()
	if m.cleaningUp || m.conns[conn.resource] != conn {
		m.mu.Unlock()
		return
	}
	conn.reconnectTimer = nil
	if len(conn.listeners) == 0 {
		// Left to the grace cleanup; a listener arriving first reopens it.
		conn.stale = true
		m.mu.Unlock()
		m.logger.Debug("live: reconnect skipped, no listeners", "resource", conn.resource)
		return
	}

	attempts := conn.reconnectAttempts + 1
	listeners := conn.listeners
	resync := conn.hasConnected || conn.resync
	conn.stopTimers()
	old := conn.channel
	if old != nil {
		m.metrics.ConnectionClosed(conn.resource)
	}

	fresh, err := m.createConnection(conn.resource, conn.spec)
	if err != nil {
		// Keep a channel-less placeholder so the backoff cycle continues.
		fresh = &Connection{
			resource:     conn.resource,
			spec:         conn.spec,
			lastActivity: m.clock.Now(),
		}
		m.conns[conn.resource] = fresh
		m.logger.Warn("live: reconnect failed to open channel", "resource", conn.resource, "error", err.Error())
	}
	fresh.listeners = listeners
	fresh.reconnectAttempts = attempts
	fresh.resync = resync
	if err != nil {
		m.scheduleReconnect(fresh)
	}
	m.mu.Unlock()

	m.metrics.Reconnect(conn.resource, attempts)
	m.logger.Info("live: reconnecting", "resource", conn.resource, "attempt", attempts, "channel", fresh.name)

	m.release(conn.resource, old)
	m.subscribe(fresh)
}

// cleanupConnection tears down conn unless a listener registered during the
// grace period or a newer cleanup superseded this one.
func (m *Manager) cleanupConnection(conn *Connection, gen uint64) {
	resource := conn.resource
	m.mu.Lock()
	if m.conns[resource] != conn || conn.cleanupGen != gen || len(conn.listeners) > 0 {
		m.mu.Unlock()
		return
	}
	conn.stopTimers()
	delete(m.conns, resource)
	if conn.channel != nil {
		m.metrics.ConnectionClosed(resource)
	}
	m.mu.Unlock()

	m.logger.Debug("live: connection cleaned up", "resource", resource, "channel", conn.name)
	m.release(resource, conn.channel)
}

// release unsubscribes ch. Errors and panics are logged, never propagated.
func (m *Manager) release(resource string, ch Channel) {
	if ch == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("live: channel release panicked", "resource", resource, "panic", fmt.Sprint(r))
		}
	}()
	if err := ch.Unsubscribe(); err != nil {
		m.logger.Warn("live: channel release failed", "resource", resource, "error", err.Error())
	}
}

// Cleanup immediately tears down every connection and cancels all pending
// timers. The manager can be used again afterwards.
func (m *Manager) Cleanup() {
	m.mu.Lock()
	if m.cleaningUp {
		m.mu.Unlock()
		return
	}
	m.cleaningUp = true
	conns := m.conns
	m.conns = make(map[string]*Connection)
	for _, conn := range conns {
		conn.stopTimers()
		conn.isConnected = false
		if conn.channel != nil {
			m.metrics.ConnectionClosed(conn.resource)
		}
	}
	m.mu.Unlock()

	for resource, conn := range conns {
		m.release(resource, conn.channel)
	}

	m.mu.Lock()
	m.cleaningUp = false
	m.mu.Unlock()

	m.logger.Info("live: manager cleaned up", "connections", len(conns))
}

// Status reports whether resource currently has a live channel.
func (m *Manager) Status(resource string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[resource]
	return ok && conn.isConnected
}

// Listeners returns the number of listeners registered for resource.
func (m *Manager) Listeners(resource string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.conns[resource]; ok {
		return len(conn.listeners)
	}
	return 0
}

// Snapshot returns debug information for every tracked resource, sorted by
// resource.
func (m *Manager) Snapshot() []ConnectionInfo {
	m.mu.Lock()
	out := make([]ConnectionInfo, 0, len(m.conns))
	for _, conn := range m.conns {
		out = append(out, conn.info())
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Resource < out[j].Resource })
	return out
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
