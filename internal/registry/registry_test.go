// ABOUTME: Tests for the connection registry and its background sweep.
// ABOUTME: Covers registration, heartbeats, pending-reconnect grace, and stale detection.

package registry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nullSink discards everything.
type nullSink struct{}

func (nullSink) Send(string, map[string]any) error { return nil }
func (nullSink) Close() error                      { return nil }

func newTestRegistry(t *testing.T, opts Options) *Registry {
	t.Helper()
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = time.Minute
	}
	if opts.HeartbeatTimeout == 0 {
		opts.HeartbeatTimeout = time.Minute
	}
	if opts.ReconnectGracePeriod == 0 {
		opts.ReconnectGracePeriod = time.Minute
	}
	r := New(opts)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_Register(t *testing.T) {
	r := newTestRegistry(t, Options{})

	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	require.NoError(t, r.Register(conn))

	got, ok := r.Get(conn.ID)
	require.True(t, ok)
	assert.Equal(t, conn.ID, got.ID)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_Register_Duplicate(t *testing.T) {
	r := newTestRegistry(t, Options{})

	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	require.NoError(t, r.Register(conn))

	err := r.Register(conn)
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, 1, r.Count())
}

func TestRegistry_Touch(t *testing.T) {
	r := newTestRegistry(t, Options{})

	conn := NewConnection(RoleAttendant, "user-1", "", "tenant-1", nullSink{})
	require.NoError(t, r.Register(conn))

	before := conn.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)

	require.NoError(t, r.Touch(conn.ID))
	assert.True(t, conn.LastHeartbeat().After(before))
}

func TestRegistry_Touch_NotFound(t *testing.T) {
	r := newTestRegistry(t, Options{})

	err := r.Touch("nope")
	assert.ErrorIs(t, err, ErrConnectionNotFound)
}

func TestRegistry_Unregister_EntersGraceWindow(t *testing.T) {
	r := newTestRegistry(t, Options{ReconnectGracePeriod: time.Minute})

	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	require.NoError(t, r.Register(conn))

	r.Unregister(conn.ID)

	_, ok := r.Get(conn.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, r.Count())
	assert.True(t, r.PendingReconnect(conn.ID))
}

func TestRegistry_Unregister_Unknown(t *testing.T) {
	r := newTestRegistry(t, Options{})

	// Must not panic or create a pending record.
	r.Unregister("nope")
	assert.False(t, r.PendingReconnect("nope"))
}

func TestRegistry_Reregister_ClearsPending(t *testing.T) {
	r := newTestRegistry(t, Options{ReconnectGracePeriod: time.Minute})

	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	require.NoError(t, r.Register(conn))
	r.Unregister(conn.ID)
	require.True(t, r.PendingReconnect(conn.ID))

	require.NoError(t, r.Register(conn))
	assert.False(t, r.PendingReconnect(conn.ID))
}

func TestRegistry_PendingReconnect_Expires(t *testing.T) {
	r := newTestRegistry(t, Options{ReconnectGracePeriod: 20 * time.Millisecond})

	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	require.NoError(t, r.Register(conn))
	r.Unregister(conn.ID)
	require.True(t, r.PendingReconnect(conn.ID))

	time.Sleep(40 * time.Millisecond)
	assert.False(t, r.PendingReconnect(conn.ID))
}

func TestRegistry_Sweep_FlagsStaleConnections(t *testing.T) {
	var mu sync.Mutex
	var flagged []string

	r := newTestRegistry(t, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
		OnStale: func(conn *Connection) {
			mu.Lock()
			flagged = append(flagged, conn.ID)
			mu.Unlock()
		},
	})

	stale := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	require.NoError(t, r.Register(stale))

	fresh := NewConnection(RoleContact, "", "contact-2", "tenant-1", nullSink{})
	require.NoError(t, r.Register(fresh))

	// Keep one connection alive through several sweep passes.
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) {
		require.NoError(t, r.Touch(fresh.ID))

		mu.Lock()
		done := len(flagged) > 0
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, flagged, "stale connection was never flagged")
	assert.Contains(t, flagged, stale.ID)
	assert.NotContains(t, flagged, fresh.ID)
}

func TestRegistry_SetOnStale_InstalledAfterNew(t *testing.T) {
	r := newTestRegistry(t, Options{
		HeartbeatInterval: 10 * time.Millisecond,
		HeartbeatTimeout:  10 * time.Millisecond,
		SweepInterval:     10 * time.Millisecond,
	})

	flagged := make(chan string, 1)
	r.SetOnStale(func(conn *Connection) {
		select {
		case flagged <- conn.ID:
		default:
		}
	})

	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	require.NoError(t, r.Register(conn))

	select {
	case id := <-flagged:
		assert.Equal(t, conn.ID, id)
	case <-time.After(2 * time.Second):
		t.Fatal("stale callback never fired")
	}
}

func TestRegistry_All(t *testing.T) {
	r := newTestRegistry(t, Options{})

	c1 := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})
	c2 := NewConnection(RoleAttendant, "user-1", "", "tenant-1", nullSink{})
	require.NoError(t, r.Register(c1))
	require.NoError(t, r.Register(c2))

	all := r.All()
	assert.Len(t, all, 2)
}

func TestRegistry_Close_Idempotent(t *testing.T) {
	r := New(Options{HeartbeatInterval: time.Minute, HeartbeatTimeout: time.Minute, ReconnectGracePeriod: time.Minute})
	r.Close()
	r.Close()
}

func TestConnection_Touch_UpdatesBothClocks(t *testing.T) {
	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})

	activity := conn.LastActivity()
	heartbeat := conn.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)

	conn.Touch()
	assert.True(t, conn.LastActivity().After(activity))
	assert.True(t, conn.LastHeartbeat().After(heartbeat))
}

func TestConnection_MarkActivity_LeavesHeartbeat(t *testing.T) {
	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})

	heartbeat := conn.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)

	conn.MarkActivity()
	assert.Equal(t, heartbeat, conn.LastHeartbeat())
	assert.True(t, conn.LastActivity().After(heartbeat))
}

func TestConnection_Typing(t *testing.T) {
	conn := NewConnection(RoleContact, "", "contact-1", "tenant-1", nullSink{})

	assert.False(t, conn.Typing())
	conn.SetTyping(true)
	assert.True(t, conn.Typing())
	conn.SetTyping(false)
	assert.False(t, conn.Typing())
}
