// ABOUTME: Tests for gateway wiring and chat event dispatch.
// ABOUTME: Covers heartbeat pong semantics, typing relay, message fan-out, and the debounce hand-off.

package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatline/relay-gateway/internal/config"
	"github.com/chatline/relay-gateway/internal/coordinator"
	"github.com/chatline/relay-gateway/internal/orchestrator"
	"github.com/chatline/relay-gateway/internal/registry"
)

// stubCollab satisfies every orchestrator collaborator with benign defaults.
type stubCollab struct {
	mu       sync.Mutex
	sent     []string
	respond  int
	verdict  *orchestrator.Verdict
	answered chan struct{}
}

func newStubCollab() *stubCollab {
	return &stubCollab{
		verdict:  &orchestrator.Verdict{Action: orchestrator.ActionReply, Reply: "ack"},
		answered: make(chan struct{}, 16),
	}
}

func (s *stubCollab) SaveMessage(context.Context, *orchestrator.MessageRecord) error { return nil }

func (s *stubCollab) SendText(_ context.Context, _, _, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, text)
	return nil
}

func (s *stubCollab) SendMedia(context.Context, string, string, string, string) error { return nil }

func (s *stubCollab) Transcribe(_ context.Context, ref string) (string, error) { return ref, nil }

func (s *stubCollab) Status(context.Context, string) (*orchestrator.HoursStatus, error) {
	return &orchestrator.HoursStatus{Open: true}, nil
}

func (s *stubCollab) Enqueue(context.Context, string, string) error { return nil }

func (s *stubCollab) Respond(context.Context, string, string) (*orchestrator.Verdict, error) {
	s.mu.Lock()
	s.respond++
	v := *s.verdict
	s.mu.Unlock()
	s.answered <- struct{}{}
	return &v, nil
}

func (s *stubCollab) respondCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.respond
}

func newTestGateway(t *testing.T) (*Gateway, *stubCollab) {
	return newTestGatewayCfg(t, nil)
}

func newTestGatewayCfg(t *testing.T, mutate func(*config.Config)) (*Gateway, *stubCollab) {
	t.Helper()

	cfg := config.Default()
	cfg.Server.HTTPAddr = "127.0.0.1:0"
	cfg.Database.Path = filepath.Join(t.TempDir(), "sessions.db")
	cfg.Debounce.QuietPeriod = 20 * time.Millisecond
	cfg.Debounce.MaxGroupAge = time.Second
	if mutate != nil {
		mutate(cfg)
	}

	sessions, err := orchestrator.NewSQLiteSessionStore(cfg.Database.Path)
	require.NoError(t, err)
	t.Cleanup(func() { sessions.Close() })

	collab := newStubCollab()
	gw, err := New(context.Background(), Options{
		Config:   cfg,
		Sessions: sessions,
		Collaborators: orchestrator.Collaborators{
			Messages:    collab,
			Outbound:    collab,
			Transcriber: collab,
			Hours:       collab,
			Queue:       collab,
			Responder:   collab,
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = gw.Stop(shutdownCtx)
	})
	return gw, collab
}

func joinChat(t *testing.T, gw *Gateway, role registry.Role, contactID string) (*registry.Connection, *recordSink) {
	t.Helper()
	sink := &recordSink{}
	conn := registry.NewConnection(role, "", contactID, "tenant-1", sink)
	require.NoError(t, gw.registry.Register(conn))
	require.NoError(t, gw.hub.JoinRoom(context.Background(), "conv-1", "tenant-1", conn))
	return conn, sink
}

func TestNew_NoSharedStoreRunsLocal(t *testing.T) {
	gw, _ := newTestGateway(t)
	assert.Equal(t, coordinator.ModeLocal, gw.Mode())
}

func TestNew_RequiresConfig(t *testing.T) {
	_, err := New(context.Background(), Options{})
	assert.Error(t, err)
}

func TestHandleChatEvent_PingAnswersSameConnectionOnly(t *testing.T) {
	gw, _ := newTestGateway(t)

	pinger, pingerSink := joinChat(t, gw, registry.RoleContact, "contact-1")
	_, otherSink := joinChat(t, gw, registry.RoleAttendant, "")

	before := pinger.LastHeartbeat()
	time.Sleep(5 * time.Millisecond)

	gw.handleChatEvent(context.Background(), pinger, "conv-1", &Event{Type: EventPing})

	assert.Equal(t, []string{EventPong}, pingerSink.types())
	// The other participant saw the join announcement but never a pong.
	assert.NotContains(t, otherSink.types(), EventPong)
	assert.True(t, pinger.LastHeartbeat().After(before))
}

func TestHandleChatEvent_TypingRelaysToOthers(t *testing.T) {
	gw, _ := newTestGateway(t)

	typer, typerSink := joinChat(t, gw, registry.RoleContact, "contact-1")
	_, otherSink := joinChat(t, gw, registry.RoleAttendant, "")

	gw.handleChatEvent(context.Background(), typer, "conv-1", &Event{Type: EventTypingStart})
	assert.True(t, typer.Typing())
	assert.Contains(t, otherSink.types(), EventTypingStart)
	assert.NotContains(t, typerSink.types(), EventTypingStart)

	gw.handleChatEvent(context.Background(), typer, "conv-1", &Event{Type: EventTypingStop})
	assert.False(t, typer.Typing())
	assert.Contains(t, otherSink.types(), EventTypingStop)
}

func TestHandleChatEvent_MessageBroadcastExcludesSender(t *testing.T) {
	gw, _ := newTestGateway(t)

	sender, senderSink := joinChat(t, gw, registry.RoleContact, "contact-1")
	_, otherSink := joinChat(t, gw, registry.RoleAttendant, "")

	gw.handleChatEvent(context.Background(), sender, "conv-1", &Event{
		Type: EventMessage,
		Data: map[string]any{"content": "hello"},
	})

	assert.Contains(t, otherSink.types(), EventMessage)
	assert.NotContains(t, senderSink.types(), EventMessage)
}

func TestHandleChatEvent_ContactMessageReachesOrchestrator(t *testing.T) {
	gw, collab := newTestGateway(t)

	sender, _ := joinChat(t, gw, registry.RoleContact, "contact-1")

	gw.handleChatEvent(context.Background(), sender, "conv-1", &Event{
		Type: EventMessage,
		Data: map[string]any{"content": "I need help"},
	})

	select {
	case <-collab.answered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the orchestrator to answer")
	}
	assert.Equal(t, 1, collab.respondCalls())
}

func TestHandleChatEvent_AttendantMessageSkipsOrchestration(t *testing.T) {
	gw, _ := newTestGateway(t)

	attendant, _ := joinChat(t, gw, registry.RoleAttendant, "")

	gw.handleChatEvent(context.Background(), attendant, "conv-1", &Event{
		Type: EventMessage,
		Data: map[string]any{"content": "agent reply"},
	})

	assert.Equal(t, 0, gw.queue.PendingSenders())
}

func TestHandleChatEvent_BurstDebouncesIntoOneBatch(t *testing.T) {
	gw, collab := newTestGateway(t)

	sender, _ := joinChat(t, gw, registry.RoleContact, "contact-1")

	for _, content := range []string{"first", "second", "third"} {
		gw.handleChatEvent(context.Background(), sender, "conv-1", &Event{
			Type: EventMessage,
			Data: map[string]any{"content": content},
		})
	}

	select {
	case <-collab.answered:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for the orchestrator to answer")
	}
	assert.Equal(t, 1, collab.respondCalls())
}

func TestHandleChatEvent_UnknownTypeIsIgnored(t *testing.T) {
	gw, _ := newTestGateway(t)

	conn, sink := joinChat(t, gw, registry.RoleContact, "contact-1")
	gw.handleChatEvent(context.Background(), conn, "conv-1", &Event{Type: "mystery"})

	assert.Empty(t, sink.types())
}

func TestHandleHealth(t *testing.T) {
	gw, _ := newTestGateway(t)
	joinChat(t, gw, registry.RoleContact, "contact-1")

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	require.NoError(t, gw.handleHealth(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"mode":"local"`)
	assert.Contains(t, rec.Body.String(), `"connections":1`)
}

func TestGateway_StaleConnectionIsTornDown(t *testing.T) {
	gw, _ := newTestGatewayCfg(t, func(cfg *config.Config) {
		cfg.Connections.HeartbeatInterval = 10 * time.Millisecond
		cfg.Connections.HeartbeatTimeout = 10 * time.Millisecond
	})

	conn, sink := joinChat(t, gw, registry.RoleContact, "contact-1")

	// The sweep flags the lapsed heartbeat and the gateway tears the
	// connection down: out of the registry, out of its rooms, transport closed.
	require.Eventually(t, func() bool {
		_, live := gw.registry.Get(conn.ID)
		return !live
	}, 2*time.Second, 10*time.Millisecond)

	assert.True(t, sink.isClosed())
	assert.Empty(t, gw.rooms.Participants("conv-1"))
	assert.True(t, gw.registry.PendingReconnect(conn.ID))
}

func TestGateway_StopWithoutStart(t *testing.T) {
	gw, _ := newTestGateway(t)
	require.NoError(t, gw.Stop(context.Background()))
}

func TestParseRole(t *testing.T) {
	assert.Equal(t, registry.RoleAttendant, parseRole("attendant"))
	assert.Equal(t, registry.RoleBot, parseRole("bot"))
	assert.Equal(t, registry.RoleSystem, parseRole("system"))
	assert.Equal(t, registry.RoleContact, parseRole("contact"))
	assert.Equal(t, registry.RoleContact, parseRole(""))
	assert.Equal(t, registry.RoleContact, parseRole("nonsense"))
}
