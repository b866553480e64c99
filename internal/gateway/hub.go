// ABOUTME: Broadcast engine fanning events out to local room participants and peer processes.
// ABOUTME: Local delivery always happens first; distributed republish is best-effort.

package gateway

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/chatline/relay-gateway/internal/coordinator"
	"github.com/chatline/relay-gateway/internal/registry"
	"github.com/chatline/relay-gateway/internal/room"
)

// Hub connects the connection registry, the room map, and the coordinator.
// It owns join/leave side effects (presence events, distributed state) and
// the broadcast path.
type Hub struct {
	registry *registry.Registry
	rooms    *room.Map
	coord    coordinator.Coordinator
	logger   *slog.Logger
}

// NewHub creates a Hub.
func NewHub(reg *registry.Registry, rooms *room.Map, coord coordinator.Coordinator, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		registry: reg,
		rooms:    rooms,
		coord:    coord,
		logger:   logger.With("component", "hub"),
	}
}

// JoinRoom adds a registered connection to a room, announces it to the other
// local participants, and mirrors the membership into distributed state.
func (h *Hub) JoinRoom(ctx context.Context, roomID, tenantID string, conn *registry.Connection) error {
	// A room must never contain a connection the registry does not.
	if _, ok := h.registry.Get(conn.ID); !ok {
		return registry.ErrConnectionNotFound
	}

	if _, _, err := h.rooms.Join(roomID, conn, tenantID); err != nil {
		return err
	}

	h.Broadcast(ctx, roomID, EventParticipantJoined, map[string]any{
		"connection_id": conn.ID,
		"role":          string(conn.Role),
		"user_id":       conn.UserID,
		"contact_id":    conn.ContactID,
	}, conn.ID)

	h.coord.RegisterConnection(ctx, coordinator.Record{
		ConnectionID: conn.ID,
		Role:         string(conn.Role),
		UserID:       conn.UserID,
		ContactID:    conn.ContactID,
		TenantID:     tenantID,
		RoomID:       roomID,
		ConnectedAt:  conn.CreatedAt,
	})
	h.coord.Subscribe(ctx, coordinator.RoomTopic(roomID), h.replay)

	return nil
}

// LeaveRoom removes a participant, announces the departure, and cleans up
// distributed state. The room's topic subscription is released when the last
// local participant leaves.
func (h *Hub) LeaveRoom(ctx context.Context, roomID, connID string) {
	conn, destroyed := h.rooms.Leave(roomID, connID)
	if conn == nil {
		return
	}

	h.Broadcast(ctx, roomID, EventParticipantLeft, map[string]any{
		"connection_id": connID,
		"role":          string(conn.Role),
	}, connID)

	h.coord.RemoveConnection(ctx, connID)
	if destroyed {
		h.coord.Unsubscribe(ctx, coordinator.RoomTopic(roomID))
	}
}

// Broadcast delivers an event to the room's local participants first, then
// republishes it to peer processes in distributed mode. Excluded connection
// IDs are skipped everywhere.
func (h *Hub) Broadcast(ctx context.Context, roomID, eventType string, data map[string]any, exclude ...string) {
	h.broadcastLocal(ctx, roomID, eventType, data, exclude)

	if h.coord.Mode() != coordinator.ModeDistributed {
		return
	}
	h.coord.Publish(ctx, coordinator.RoomTopic(roomID), &coordinator.Envelope{
		Type:      eventType,
		Data:      data,
		Exclude:   exclude,
		Timestamp: time.Now().UTC(),
	})
}

// broadcastLocal fans an event out to local participants. A send failure is
// logged and treated as an implicit disconnect trigger, never propagated.
func (h *Hub) broadcastLocal(ctx context.Context, roomID, eventType string, data map[string]any, exclude []string) {
	for _, conn := range h.rooms.Participants(roomID, exclude...) {
		if err := conn.Send(eventType, data); err != nil {
			h.logger.Warn("send failed, disconnecting",
				"connection_id", conn.ID,
				"room_id", roomID,
				"event_type", eventType,
				"error", err,
			)
			h.Disconnect(ctx, conn)
		}
	}
}

// replay delivers an envelope received from a peer process to local
// participants only. Republishing again would loop.
func (h *Hub) replay(topic string, env *coordinator.Envelope) {
	roomID := strings.TrimPrefix(topic, "room:")
	h.broadcastLocal(context.Background(), roomID, env.Type, env.Data, env.Exclude)
}

// Heartbeat records a heartbeat locally and renews the distributed record TTL.
func (h *Hub) Heartbeat(ctx context.Context, connID string) {
	if err := h.registry.Touch(connID); err != nil {
		h.logger.Debug("heartbeat for unknown connection", "connection_id", connID)
		return
	}
	h.coord.RefreshConnection(ctx, connID)
}

// Disconnect tears a connection down: it leaves all rooms (announcing each
// departure), is unregistered, and has its transport closed.
func (h *Hub) Disconnect(ctx context.Context, conn *registry.Connection) {
	for _, roomID := range h.rooms.RoomsFor(conn.ID) {
		h.LeaveRoom(ctx, roomID, conn.ID)
	}
	h.registry.Unregister(conn.ID)
	if err := conn.Close(); err != nil {
		h.logger.Debug("closing connection", "connection_id", conn.ID, "error", err)
	}
}

// RoomParticipantsGlobal merges local participants with unexpired distributed
// records from peer processes. Cross-process accuracy is bounded by the
// record TTL.
func (h *Hub) RoomParticipantsGlobal(ctx context.Context, roomID string) []coordinator.Record {
	seen := make(map[string]struct{})
	var records []coordinator.Record

	for _, conn := range h.rooms.Participants(roomID) {
		records = append(records, coordinator.Record{
			ConnectionID: conn.ID,
			Instance:     h.coord.InstanceID(),
			Role:         string(conn.Role),
			UserID:       conn.UserID,
			ContactID:    conn.ContactID,
			TenantID:     conn.TenantID,
			RoomID:       roomID,
			ConnectedAt:  conn.CreatedAt,
		})
		seen[conn.ID] = struct{}{}
	}

	for _, rec := range h.coord.RoomMembers(ctx, roomID) {
		if _, dup := seen[rec.ConnectionID]; dup {
			continue
		}
		records = append(records, rec)
	}
	return records
}
