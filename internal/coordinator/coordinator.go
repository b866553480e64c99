// ABOUTME: Coordinator contract shared by the local and distributed state implementations.
// ABOUTME: Defines the cross-process envelope, connection record, and topic naming.

package coordinator

import (
	"context"
	"encoding/json"
	"time"
)

// Mode identifies how this process shares state with its peers.
// The mode is selected once at startup and never changes at runtime.
type Mode string

const (
	// ModeLocal means all rooms and connections are process-local.
	ModeLocal Mode = "local"
	// ModeDistributed means state is mirrored to a shared pub/sub store.
	ModeDistributed Mode = "distributed"
)

// Envelope is the wire-level wrapper published to peer processes.
// Envelopes whose SourceInstance matches the receiving process are ignored.
type Envelope struct {
	Type           string         `json:"type"`
	Data           map[string]any `json:"data"`
	Exclude        []string       `json:"exclude,omitempty"`
	SourceInstance string         `json:"source_instance"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Marshal encodes the envelope as JSON.
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEnvelope decodes an envelope from JSON.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return &env, nil
}

// ExcludeSet returns the excluded connection IDs as a set for O(1) lookups.
func (e *Envelope) ExcludeSet() map[string]struct{} {
	set := make(map[string]struct{}, len(e.Exclude))
	for _, id := range e.Exclude {
		set[id] = struct{}{}
	}
	return set
}

// Record is the shared-state mirror of a connection. It carries a TTL in the
// backing store and must be refreshed on each heartbeat; absence after expiry
// means the connection is dead for cross-process visibility.
type Record struct {
	ConnectionID string    `json:"connection_id"`
	Instance     string    `json:"instance"`
	Role         string    `json:"role"`
	UserID       string    `json:"user_id,omitempty"`
	ContactID    string    `json:"contact_id,omitempty"`
	TenantID     string    `json:"tenant_id,omitempty"`
	RoomID       string    `json:"room_id,omitempty"`
	ConnectedAt  time.Time `json:"connected_at"`
}

// Handler receives envelopes published by peer processes to a subscribed topic.
type Handler func(topic string, env *Envelope)

// Coordinator keeps local and shared state consistent across process replicas.
// Every method except Start and Stop is best-effort: distributed-layer
// failures are logged and swallowed so local behavior is never disturbed.
type Coordinator interface {
	// Mode reports whether this process runs local or distributed.
	Mode() Mode

	// InstanceID returns the identifier of this process replica.
	InstanceID() string

	// Start launches the listener loop (distributed mode only).
	Start(ctx context.Context) error

	// Stop cancels the listener, deletes this process's connection records,
	// and releases subscriptions. Idempotent.
	Stop(ctx context.Context) error

	// RegisterConnection writes a TTL-bearing connection record and adds the
	// connection to its room's shared membership set.
	RegisterConnection(ctx context.Context, rec Record)

	// RefreshConnection renews the TTL on a connection record.
	RefreshConnection(ctx context.Context, connID string)

	// RemoveConnection deletes a connection record and its set memberships.
	RemoveConnection(ctx context.Context, connID string)

	// Subscribe attaches a handler to a topic. Idempotent: subscribing to an
	// already-subscribed topic is a no-op.
	Subscribe(ctx context.Context, topic string, h Handler)

	// Unsubscribe detaches from a topic.
	Unsubscribe(ctx context.Context, topic string)

	// Publish sends an envelope to all peer processes subscribed to the topic.
	Publish(ctx context.Context, topic string, env *Envelope)

	// RoomMembers returns the unexpired connection records of a room across
	// all processes. Accuracy is bounded by the record TTL.
	RoomMembers(ctx context.Context, roomID string) []Record
}

// Topic names are derived deterministically so every replica subscribes and
// publishes to the same channel for a given entity.

// RoomTopic returns the pub/sub topic for a conversation room.
func RoomTopic(roomID string) string { return "room:" + roomID }

// UserTopic returns the notification topic for a user.
func UserTopic(userID string) string { return "user:" + userID }

// TenantTopic returns the notification topic for a tenant.
func TenantTopic(tenantID string) string { return "tenant:" + tenantID }

// ConversationTopic returns the notification topic for a conversation.
func ConversationTopic(convID string) string { return "conversation:" + convID }
