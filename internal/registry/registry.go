// ABOUTME: Tracks live connections, heartbeats, and pending-reconnect records.
// ABOUTME: Runs a background sweep that flags stale connections for disconnection.

package registry

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrAlreadyRegistered indicates a connection with the same ID is already tracked.
var ErrAlreadyRegistered = errors.New("connection already registered")

// ErrConnectionNotFound indicates the specified connection was not found.
var ErrConnectionNotFound = errors.New("connection not found")

// StaleFunc is invoked by the sweep for each connection whose heartbeat has
// lapsed beyond interval+timeout. Teardown is the transport's job; the
// callback lets the owner initiate it.
type StaleFunc func(conn *Connection)

// Registry tracks every live connection accepted by this process.
// When a connection drops, its identity is retained in a pending-reconnect
// set for a grace window so a fast client reconnect can be correlated.
type Registry struct {
	mu      sync.RWMutex
	conns   map[string]*Connection
	pending map[string]time.Time // connection ID -> dropped-at

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	reconnectGrace    time.Duration

	onStale StaleFunc
	logger  *slog.Logger
	done    chan struct{}
	closed  bool
}

// Options configures a Registry.
type Options struct {
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	ReconnectGracePeriod time.Duration
	OnStale              StaleFunc
	SweepInterval        time.Duration // defaults to HeartbeatInterval
	Logger               *slog.Logger
}

// New creates a Registry and starts its background sweep.
func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sweep := opts.SweepInterval
	if sweep <= 0 {
		sweep = opts.HeartbeatInterval
	}
	r := &Registry{
		conns:             make(map[string]*Connection),
		pending:           make(map[string]time.Time),
		heartbeatInterval: opts.HeartbeatInterval,
		heartbeatTimeout:  opts.HeartbeatTimeout,
		reconnectGrace:    opts.ReconnectGracePeriod,
		onStale:           opts.OnStale,
		logger:            logger.With("component", "registry"),
		done:              make(chan struct{}),
	}
	go r.sweep(sweep)
	return r
}

// SetOnStale installs the sweep callback. The gateway wires this after
// construction because teardown needs the hub, which needs the registry.
func (r *Registry) SetOnStale(fn StaleFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onStale = fn
}

// Register adds a connection to the registry.
// Returns ErrAlreadyRegistered if the ID is already tracked.
func (r *Registry) Register(conn *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[conn.ID]; exists {
		return ErrAlreadyRegistered
	}

	r.conns[conn.ID] = conn
	delete(r.pending, conn.ID)
	r.logger.Info("connection registered",
		"connection_id", conn.ID,
		"role", conn.Role,
		"tenant_id", conn.TenantID,
		"total_connections", len(r.conns),
	)
	return nil
}

// Touch updates last-activity and last-heartbeat for a connection.
func (r *Registry) Touch(connID string) error {
	r.mu.RLock()
	conn, ok := r.conns[connID]
	r.mu.RUnlock()

	if !ok {
		return ErrConnectionNotFound
	}
	conn.Touch()
	return nil
}

// Unregister removes a connection and retains its identity in the
// pending-reconnect set for the grace window.
func (r *Registry) Unregister(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, exists := r.conns[connID]
	if !exists {
		return
	}

	delete(r.conns, connID)
	r.pending[connID] = time.Now()
	r.logger.Info("connection unregistered",
		"connection_id", connID,
		"role", conn.Role,
		"total_connections", len(r.conns),
	)
}

// Get retrieves a connection by ID.
func (r *Registry) Get(connID string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	return conn, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// PendingReconnect reports whether a dropped connection ID is still inside
// its reconnect grace window.
func (r *Registry) PendingReconnect(connID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	droppedAt, ok := r.pending[connID]
	if !ok {
		return false
	}
	return time.Since(droppedAt) < r.reconnectGrace
}

// All returns a snapshot of the live connections.
func (r *Registry) All() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	return conns
}

// sweep runs in a background goroutine on a fixed interval. Each pass flags
// connections whose heartbeat has lapsed and prunes expired pending-reconnect
// records.
func (r *Registry) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.runSweep()
		case <-r.done:
			return
		}
	}
}

// runSweep performs one bookkeeping pass.
func (r *Registry) runSweep() {
	deadline := r.heartbeatInterval + r.heartbeatTimeout
	now := time.Now()

	r.mu.Lock()
	var stale []*Connection
	for _, conn := range r.conns {
		if now.Sub(conn.LastHeartbeat()) > deadline {
			stale = append(stale, conn)
		}
	}
	for connID, droppedAt := range r.pending {
		if now.Sub(droppedAt) > r.reconnectGrace {
			delete(r.pending, connID)
		}
	}
	onStale := r.onStale
	r.mu.Unlock()

	for _, conn := range stale {
		r.logger.Warn("connection heartbeat lapsed",
			"connection_id", conn.ID,
			"last_heartbeat", conn.LastHeartbeat(),
		)
		if onStale != nil {
			onStale(conn)
		}
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
