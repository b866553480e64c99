// ABOUTME: In-memory room and participant model for conversations.
// ABOUTME: Rooms are created lazily on first join and destroyed when the last local participant leaves.

package room

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/chatline/relay-gateway/internal/registry"
)

// ErrAlreadyJoined indicates the connection is already a participant of the room.
var ErrAlreadyJoined = errors.New("connection already joined room")

// Room holds the local participants of one conversation on this process.
// Participants on other processes are tracked only in distributed state.
type Room struct {
	ID           string // conversation ID
	TenantID     string
	CreatedAt    time.Time
	participants map[string]*registry.Connection
	lastActivity time.Time
}

// Map tracks all rooms on this process, keyed by conversation ID.
type Map struct {
	mu     sync.RWMutex
	rooms  map[string]*Room
	logger *slog.Logger
}

// NewMap creates an empty room map. Pass nil logger for default.
func NewMap(logger *slog.Logger) *Map {
	if logger == nil {
		logger = slog.Default()
	}
	return &Map{
		rooms:  make(map[string]*Room),
		logger: logger.With("component", "rooms"),
	}
}

// Join adds a participant to a room, creating the room if absent.
// Returns the room and whether it was created by this call.
func (m *Map) Join(roomID string, conn *registry.Connection, tenantID string) (*Room, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rooms[roomID]
	created := false
	if !exists {
		r = &Room{
			ID:           roomID,
			TenantID:     tenantID,
			CreatedAt:    time.Now(),
			participants: make(map[string]*registry.Connection),
		}
		m.rooms[roomID] = r
		created = true
	}

	if _, dup := r.participants[conn.ID]; dup {
		return r, false, ErrAlreadyJoined
	}

	r.participants[conn.ID] = conn
	r.lastActivity = time.Now()

	m.logger.Debug("participant joined",
		"room_id", roomID,
		"connection_id", conn.ID,
		"role", conn.Role,
		"participants", len(r.participants),
	)
	return r, created, nil
}

// Leave removes a participant and deletes the room if it becomes empty.
// Returns the removed connection and whether the room was destroyed.
func (m *Map) Leave(roomID, connID string) (*registry.Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, exists := m.rooms[roomID]
	if !exists {
		return nil, false
	}

	conn, ok := r.participants[connID]
	if !ok {
		return nil, false
	}

	delete(r.participants, connID)
	r.lastActivity = time.Now()

	destroyed := false
	if len(r.participants) == 0 {
		delete(m.rooms, roomID)
		destroyed = true
	}

	m.logger.Debug("participant left",
		"room_id", roomID,
		"connection_id", connID,
		"room_destroyed", destroyed,
	)
	return conn, destroyed
}

// Participants returns the local participants of a room, excluding the given
// connection IDs. Returns nil if the room does not exist.
func (m *Map) Participants(roomID string, exclude ...string) []*registry.Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.rooms[roomID]
	if !exists {
		return nil
	}

	skip := make(map[string]struct{}, len(exclude))
	for _, id := range exclude {
		skip[id] = struct{}{}
	}

	conns := make([]*registry.Connection, 0, len(r.participants))
	for id, conn := range r.participants {
		if _, excluded := skip[id]; excluded {
			continue
		}
		conns = append(conns, conn)
	}
	return conns
}

// ParticipantIDs returns the IDs of a room's local participants.
func (m *Map) ParticipantIDs(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, exists := m.rooms[roomID]
	if !exists {
		return nil
	}

	ids := make([]string, 0, len(r.participants))
	for id := range r.participants {
		ids = append(ids, id)
	}
	return ids
}

// Get retrieves a room by conversation ID.
func (m *Map) Get(roomID string) (*Room, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.rooms[roomID]
	return r, ok
}

// Count returns the number of rooms with at least one local participant.
func (m *Map) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

// RoomsFor returns the IDs of every room the connection participates in.
func (m *Map) RoomsFor(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []string
	for roomID, r := range m.rooms {
		if _, ok := r.participants[connID]; ok {
			ids = append(ids, roomID)
		}
	}
	return ids
}
