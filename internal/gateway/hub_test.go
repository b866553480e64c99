// ABOUTME: Tests for the broadcast hub: presence events, fan-out, exclusions, and peer replay.
// ABOUTME: Uses a recording coordinator so distributed behavior is observable without a shared store.

package gateway

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatline/relay-gateway/internal/coordinator"
	"github.com/chatline/relay-gateway/internal/registry"
	"github.com/chatline/relay-gateway/internal/room"
)

// recordSink captures events delivered to one connection.
type recordSink struct {
	mu      sync.Mutex
	events  []*Event
	sendErr error
	closed  bool
}

func (s *recordSink) Send(eventType string, data map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.events = append(s.events, &Event{Type: eventType, Data: data})
	return nil
}

func (s *recordSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordSink) types() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// hubCoord records coordinator traffic for assertions.
type hubCoord struct {
	mu         sync.Mutex
	mode       coordinator.Mode
	records    map[string]coordinator.Record
	refreshed  []string
	subscribed map[string]coordinator.Handler
	published  map[string][]*coordinator.Envelope
	members    []coordinator.Record
}

func newHubCoord(mode coordinator.Mode) *hubCoord {
	return &hubCoord{
		mode:       mode,
		records:    make(map[string]coordinator.Record),
		subscribed: make(map[string]coordinator.Handler),
		published:  make(map[string][]*coordinator.Envelope),
	}
}

func (c *hubCoord) Mode() coordinator.Mode      { return c.mode }
func (c *hubCoord) InstanceID() string          { return "instance-a" }
func (c *hubCoord) Start(context.Context) error { return nil }
func (c *hubCoord) Stop(context.Context) error  { return nil }

func (c *hubCoord) RegisterConnection(_ context.Context, rec coordinator.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records[rec.ConnectionID] = rec
}

func (c *hubCoord) RefreshConnection(_ context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refreshed = append(c.refreshed, connID)
}

func (c *hubCoord) RemoveConnection(_ context.Context, connID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.records, connID)
}

func (c *hubCoord) Subscribe(_ context.Context, topic string, h coordinator.Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscribed[topic] = h
}

func (c *hubCoord) Unsubscribe(_ context.Context, topic string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.subscribed, topic)
}

func (c *hubCoord) Publish(_ context.Context, topic string, env *coordinator.Envelope) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published[topic] = append(c.published[topic], env)
}

func (c *hubCoord) RoomMembers(context.Context, string) []coordinator.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]coordinator.Record(nil), c.members...)
}

func (c *hubCoord) publishedTo(topic string) []*coordinator.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*coordinator.Envelope(nil), c.published[topic]...)
}

func (c *hubCoord) hasRecord(connID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.records[connID]
	return ok
}

func (c *hubCoord) subscribedTo(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subscribed[topic]
	return ok
}

type hubFixture struct {
	hub      *Hub
	registry *registry.Registry
	rooms    *room.Map
	coord    *hubCoord
}

func newHubFixture(t *testing.T, mode coordinator.Mode) *hubFixture {
	t.Helper()
	reg := registry.New(registry.Options{
		HeartbeatInterval:    time.Minute,
		HeartbeatTimeout:     time.Minute,
		ReconnectGracePeriod: time.Minute,
	})
	t.Cleanup(reg.Close)

	coord := newHubCoord(mode)
	rooms := room.NewMap(nil)
	return &hubFixture{
		hub:      NewHub(reg, rooms, coord, nil),
		registry: reg,
		rooms:    rooms,
		coord:    coord,
	}
}

func (f *hubFixture) join(t *testing.T, roomID string, role registry.Role) (*registry.Connection, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	conn := registry.NewConnection(role, "", "", "tenant-1", sink)
	require.NoError(t, f.registry.Register(conn))
	require.NoError(t, f.hub.JoinRoom(context.Background(), roomID, "tenant-1", conn))
	return conn, sink
}

func TestHub_JoinRoom_RequiresRegistration(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeLocal)

	conn := registry.NewConnection(registry.RoleContact, "", "", "tenant-1", &recordSink{})
	err := f.hub.JoinRoom(context.Background(), "conv-1", "tenant-1", conn)
	assert.ErrorIs(t, err, registry.ErrConnectionNotFound)
}

func TestHub_JoinRoom_AnnouncesToOthersOnly(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeLocal)

	_, first := f.join(t, "conv-1", registry.RoleContact)
	_, second := f.join(t, "conv-1", registry.RoleAttendant)

	// The existing participant hears about the joiner; the joiner hears nothing.
	assert.Equal(t, []string{EventParticipantJoined}, first.types())
	assert.Empty(t, second.types())
}

func TestHub_JoinRoom_MirrorsDistributedState(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	conn, _ := f.join(t, "conv-1", registry.RoleContact)

	assert.True(t, f.coord.hasRecord(conn.ID))
	assert.True(t, f.coord.subscribedTo(coordinator.RoomTopic("conv-1")))
}

func TestHub_LeaveRoom_AnnouncesAndCleansUp(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	leaver, _ := f.join(t, "conv-1", registry.RoleContact)
	_, stayer := f.join(t, "conv-1", registry.RoleAttendant)

	f.hub.LeaveRoom(context.Background(), "conv-1", leaver.ID)

	assert.Contains(t, stayer.types(), EventParticipantLeft)
	assert.False(t, f.coord.hasRecord(leaver.ID))
	// Room still occupied, so the topic subscription stays.
	assert.True(t, f.coord.subscribedTo(coordinator.RoomTopic("conv-1")))
}

func TestHub_LeaveRoom_LastParticipantReleasesTopic(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	conn, _ := f.join(t, "conv-1", registry.RoleContact)
	f.hub.LeaveRoom(context.Background(), "conv-1", conn.ID)

	assert.False(t, f.coord.subscribedTo(coordinator.RoomTopic("conv-1")))
	assert.Equal(t, 0, f.rooms.Count())
}

func TestHub_Broadcast_ExcludesSender(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeLocal)

	sender, senderSink := f.join(t, "conv-1", registry.RoleContact)
	_, otherSink := f.join(t, "conv-1", registry.RoleAttendant)

	f.hub.Broadcast(context.Background(), "conv-1", EventMessage, map[string]any{"content": "hi"}, sender.ID)

	assert.Contains(t, otherSink.types(), EventMessage)
	assert.NotContains(t, senderSink.types(), EventMessage)
}

func TestHub_Broadcast_DistributedRepublishes(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	sender, _ := f.join(t, "conv-1", registry.RoleContact)
	f.hub.Broadcast(context.Background(), "conv-1", EventMessage, map[string]any{"content": "hi"}, sender.ID)

	envs := f.coord.publishedTo(coordinator.RoomTopic("conv-1"))
	// One envelope for the join announcement, one for the message.
	require.Len(t, envs, 2)
	last := envs[len(envs)-1]
	assert.Equal(t, EventMessage, last.Type)
	assert.Equal(t, []string{sender.ID}, last.Exclude)
	assert.False(t, last.Timestamp.IsZero())
}

func TestHub_Broadcast_LocalModeNeverPublishes(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeLocal)

	f.join(t, "conv-1", registry.RoleContact)
	f.hub.Broadcast(context.Background(), "conv-1", EventMessage, nil)

	assert.Empty(t, f.coord.publishedTo(coordinator.RoomTopic("conv-1")))
}

func TestHub_Broadcast_SendFailureDisconnects(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeLocal)

	dead, deadSink := f.join(t, "conv-1", registry.RoleContact)
	deadSink.sendErr = errors.New("broken pipe")
	f.join(t, "conv-1", registry.RoleAttendant)

	f.hub.Broadcast(context.Background(), "conv-1", EventMessage, nil)

	_, stillThere := f.registry.Get(dead.ID)
	assert.False(t, stillThere)
	assert.True(t, deadSink.isClosed())
	assert.NotContains(t, f.rooms.ParticipantIDs("conv-1"), dead.ID)
}

func TestHub_Replay_DeliversLocallyWithoutRepublish(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	_, sink := f.join(t, "conv-1", registry.RoleContact)
	before := len(f.coord.publishedTo(coordinator.RoomTopic("conv-1")))

	f.hub.replay(coordinator.RoomTopic("conv-1"), &coordinator.Envelope{
		Type:           EventMessage,
		Data:           map[string]any{"content": "from peer"},
		SourceInstance: "instance-b",
	})

	assert.Contains(t, sink.types(), EventMessage)
	assert.Len(t, f.coord.publishedTo(coordinator.RoomTopic("conv-1")), before)
}

func TestHub_Replay_HonorsExclusions(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	excluded, excludedSink := f.join(t, "conv-1", registry.RoleContact)
	_, sink := f.join(t, "conv-1", registry.RoleAttendant)

	f.hub.replay(coordinator.RoomTopic("conv-1"), &coordinator.Envelope{
		Type:           EventMessage,
		Exclude:        []string{excluded.ID},
		SourceInstance: "instance-b",
	})

	assert.NotContains(t, excludedSink.types(), EventMessage)
	assert.Contains(t, sink.types(), EventMessage)
}

func TestHub_Heartbeat(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	conn, _ := f.join(t, "conv-1", registry.RoleContact)
	before := conn.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)

	f.hub.Heartbeat(context.Background(), conn.ID)

	assert.True(t, conn.LastHeartbeat().After(before))
	assert.Contains(t, f.coord.refreshed, conn.ID)
}

func TestHub_Heartbeat_UnknownConnection(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	f.hub.Heartbeat(context.Background(), "nope")
	assert.Empty(t, f.coord.refreshed)
}

func TestHub_Disconnect_LeavesAllRooms(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeLocal)

	sink := &recordSink{}
	conn := registry.NewConnection(registry.RoleAttendant, "user-1", "", "tenant-1", sink)
	require.NoError(t, f.registry.Register(conn))
	require.NoError(t, f.hub.JoinRoom(context.Background(), "conv-1", "tenant-1", conn))
	require.NoError(t, f.hub.JoinRoom(context.Background(), "conv-2", "tenant-1", conn))

	f.hub.Disconnect(context.Background(), conn)

	assert.Empty(t, f.rooms.RoomsFor(conn.ID))
	_, live := f.registry.Get(conn.ID)
	assert.False(t, live)
	assert.True(t, sink.isClosed())
	assert.True(t, f.registry.PendingReconnect(conn.ID))
}

func TestHub_RoomParticipantsGlobal_MergesAndDedupes(t *testing.T) {
	f := newHubFixture(t, coordinator.ModeDistributed)

	local, _ := f.join(t, "conv-1", registry.RoleContact)

	f.coord.mu.Lock()
	f.coord.members = []coordinator.Record{
		{ConnectionID: local.ID, Instance: "instance-a", RoomID: "conv-1"},
		{ConnectionID: "peer-conn", Instance: "instance-b", RoomID: "conv-1", Role: "attendant"},
	}
	f.coord.mu.Unlock()

	records := f.hub.RoomParticipantsGlobal(context.Background(), "conv-1")
	require.Len(t, records, 2)

	ids := []string{records[0].ConnectionID, records[1].ConnectionID}
	assert.ElementsMatch(t, []string{local.ID, "peer-conn"}, ids)
}
