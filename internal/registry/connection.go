// ABOUTME: Represents a single live bidirectional connection and its bookkeeping.
// ABOUTME: Tracks role, identity, activity timestamps, and the typing flag.

package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Role identifies the kind of participant behind a connection.
type Role string

const (
	RoleContact   Role = "contact"
	RoleAttendant Role = "attendant"
	RoleBot       Role = "bot"
	RoleSystem    Role = "system"
)

// Sink is the transport half of a connection. Implementations deliver an
// already-encoded event to the remote peer. Send errors mean the transport
// is dead; callers treat them as an implicit disconnect.
type Sink interface {
	Send(eventType string, data map[string]any) error
	Close() error
}

// Connection represents a live connection accepted by this process.
// A Connection is owned exclusively by the accepting process; only its
// existence and room membership are visible to peers via distributed state.
type Connection struct {
	ID        string
	Role      Role
	UserID    string
	ContactID string
	TenantID  string
	CreatedAt time.Time
	Metadata  map[string]string

	sink Sink

	mu            sync.RWMutex
	lastActivity  time.Time
	lastHeartbeat time.Time
	typing        bool
}

// NewConnection creates a Connection with a generated ID and the clock set to now.
func NewConnection(role Role, userID, contactID, tenantID string, sink Sink) *Connection {
	now := time.Now()
	return &Connection{
		ID:            uuid.New().String(),
		Role:          role,
		UserID:        userID,
		ContactID:     contactID,
		TenantID:      tenantID,
		CreatedAt:     now,
		Metadata:      make(map[string]string),
		sink:          sink,
		lastActivity:  now,
		lastHeartbeat: now,
	}
}

// Send delivers an event to the remote peer through the transport sink.
func (c *Connection) Send(eventType string, data map[string]any) error {
	return c.sink.Send(eventType, data)
}

// Close tears down the transport.
func (c *Connection) Close() error {
	return c.sink.Close()
}

// Touch records activity and a heartbeat at the current time.
func (c *Connection) Touch() {
	now := time.Now()
	c.mu.Lock()
	c.lastActivity = now
	c.lastHeartbeat = now
	c.mu.Unlock()
}

// MarkActivity records activity without counting it as a heartbeat.
func (c *Connection) MarkActivity() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// LastActivity returns the time of the most recent inbound activity.
func (c *Connection) LastActivity() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastActivity
}

// LastHeartbeat returns the time of the most recent heartbeat.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastHeartbeat
}

// SetTyping updates the typing indicator flag.
func (c *Connection) SetTyping(typing bool) {
	c.mu.Lock()
	c.typing = typing
	c.mu.Unlock()
}

// Typing reports whether the participant is currently typing.
func (c *Connection) Typing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.typing
}
