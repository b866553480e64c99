// ABOUTME: Local-mode coordinator with no distributed backing store.
// ABOUTME: Every distributed operation is a no-op; broadcast reaches only this process.

package coordinator

import (
	"context"

	"github.com/google/uuid"
)

// LocalCoordinator is the coordinator used when no shared pub/sub store is
// reachable. All state stays process-local, so the distributed operations
// reduce to no-ops and RoomMembers sees only what the caller already knows.
type LocalCoordinator struct {
	instanceID string
}

// NewLocal creates a local-mode coordinator.
func NewLocal() *LocalCoordinator {
	return &LocalCoordinator{instanceID: uuid.New().String()}
}

// Mode reports ModeLocal.
func (c *LocalCoordinator) Mode() Mode { return ModeLocal }

// InstanceID returns this process's identifier.
func (c *LocalCoordinator) InstanceID() string { return c.instanceID }

// Start is a no-op.
func (c *LocalCoordinator) Start(ctx context.Context) error { return nil }

// Stop is a no-op.
func (c *LocalCoordinator) Stop(ctx context.Context) error { return nil }

// RegisterConnection is a no-op.
func (c *LocalCoordinator) RegisterConnection(ctx context.Context, rec Record) {}

// RefreshConnection is a no-op.
func (c *LocalCoordinator) RefreshConnection(ctx context.Context, connID string) {}

// RemoveConnection is a no-op.
func (c *LocalCoordinator) RemoveConnection(ctx context.Context, connID string) {}

// Subscribe is a no-op; there are no peer processes to hear from.
func (c *LocalCoordinator) Subscribe(ctx context.Context, topic string, h Handler) {}

// Unsubscribe is a no-op.
func (c *LocalCoordinator) Unsubscribe(ctx context.Context, topic string) {}

// Publish is a no-op; local fan-out already happened at the caller.
func (c *LocalCoordinator) Publish(ctx context.Context, topic string, env *Envelope) {}

// RoomMembers returns nil; distributed membership does not exist in local mode.
func (c *LocalCoordinator) RoomMembers(ctx context.Context, roomID string) []Record { return nil }
