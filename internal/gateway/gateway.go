// ABOUTME: Gateway service that wires the registry, rooms, coordinator, debounce queue, and orchestrator.
// ABOUTME: Owns the HTTP/WebSocket surface and the idempotent Start/Stop lifecycle.

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/chatline/relay-gateway/internal/config"
	"github.com/chatline/relay-gateway/internal/coordinator"
	"github.com/chatline/relay-gateway/internal/debounce"
	"github.com/chatline/relay-gateway/internal/notify"
	"github.com/chatline/relay-gateway/internal/orchestrator"
	"github.com/chatline/relay-gateway/internal/registry"
	"github.com/chatline/relay-gateway/internal/room"
)

// Gateway is the realtime chat/presence gateway. It is explicitly
// constructed and dependency-injected; its lifecycle is owned by the host
// process's startup/shutdown sequence.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	registry *registry.Registry
	rooms    *room.Map
	coord    coordinator.Coordinator
	hub      *Hub
	notify   *notify.Service
	queue    *debounce.Queue
	orch     *orchestrator.Orchestrator

	echo     *echo.Echo
	upgrader websocket.Upgrader

	// baseCtx outlives individual requests; debounce flushes and replayed
	// envelopes run against it.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	mu      sync.Mutex
	started bool
	stopped bool
}

// Options carries the injected dependencies for a Gateway.
type Options struct {
	Config        *config.Config
	Logger        *slog.Logger
	Sessions      orchestrator.SessionStore
	Collaborators orchestrator.Collaborators
}

// New constructs a Gateway. The coordinator mode is selected here, once: if
// the shared store probe fails the process runs local for its lifetime.
func New(ctx context.Context, opts Options) (*Gateway, error) {
	if opts.Config == nil {
		return nil, errors.New("config is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	coord := coordinator.New(ctx, coordinator.Options{
		Addr:         opts.Config.Redis.Addr,
		Password:     opts.Config.Redis.Password,
		DB:           opts.Config.Redis.DB,
		RecordTTL:    opts.Config.Redis.RecordTTL,
		ProbeTimeout: opts.Config.Redis.ProbeTimeout,
		PollTimeout:  opts.Config.Redis.PollTimeout,
	}, logger)

	reg := registry.New(registry.Options{
		HeartbeatInterval:    opts.Config.Connections.HeartbeatInterval,
		HeartbeatTimeout:     opts.Config.Connections.HeartbeatTimeout,
		ReconnectGracePeriod: opts.Config.Connections.ReconnectGracePeriod,
		Logger:               logger,
	})

	rooms := room.NewMap(logger)
	hub := NewHub(reg, rooms, coord, logger)
	notifySvc := notify.New(coord, logger)

	orch := orchestrator.New(orchestrator.Options{
		Sessions:      opts.Sessions,
		Collaborators: opts.Collaborators,
		Notifier:      notifySvc,
		Logger:        logger,
	})

	baseCtx, cancelBase := context.WithCancel(context.Background())

	gw := &Gateway{
		cfg:        opts.Config,
		logger:     logger.With("component", "gateway"),
		registry:   reg,
		rooms:      rooms,
		coord:      coord,
		hub:        hub,
		notify:     notifySvc,
		orch:       orch,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}

	gw.queue = debounce.NewQueue(debounce.Options{
		QuietPeriod:  opts.Config.Debounce.QuietPeriod,
		MaxGroupSize: opts.Config.Debounce.MaxGroupSize,
		MaxGroupAge:  opts.Config.Debounce.MaxGroupAge,
		OnFlush:      gw.onGroupFlush,
		Logger:       logger,
	})

	// The sweep's stale flag becomes a real teardown: leave rooms, unregister,
	// close the transport. The closing transport unwinds the read pumps, which
	// clean up the notification indexes.
	reg.SetOnStale(gw.disconnectStale)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", gw.handleHealth)
	e.GET("/ws/chat/:conversation_id", gw.handleChatWS)
	e.GET("/ws/notifications", gw.handleNotifyWS)
	gw.echo = e

	return gw, nil
}

// disconnectStale tears down a connection whose heartbeat lapsed past the
// sweep deadline. Runs on the registry's sweep goroutine.
func (g *Gateway) disconnectStale(conn *registry.Connection) {
	g.logger.Info("disconnecting stale connection", "connection_id", conn.ID)
	g.hub.Disconnect(g.baseCtx, conn)
}

// onGroupFlush hands a completed message group to the orchestrator. Flushes
// run on the debounce timer goroutine for the sender key, so different
// senders proceed concurrently.
func (g *Gateway) onGroupFlush(group *debounce.Group) {
	g.orch.HandleGroup(g.baseCtx, group)
}

// Mode reports the coordinator mode selected at startup.
func (g *Gateway) Mode() coordinator.Mode {
	return g.coord.Mode()
}

// Orchestrator exposes the session state machine for explicit external
// actions (transfer, return to automated, end).
func (g *Gateway) Orchestrator() *orchestrator.Orchestrator {
	return g.orch
}

// Start launches the coordinator listener and the HTTP server. Idempotent.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return nil
	}
	g.started = true

	if err := g.coord.Start(ctx); err != nil {
		return err
	}

	go func() {
		g.logger.Info("gateway listening",
			"http_addr", g.cfg.Server.HTTPAddr,
			"mode", g.coord.Mode(),
		)
		if err := g.echo.Start(g.cfg.Server.HTTPAddr); err != nil && err != http.ErrServerClosed {
			g.logger.Error("http server", "error", err)
		}
	}()

	return nil
}

// Stop shuts the gateway down: the HTTP server stops accepting, the debounce
// queue and background tasks are cancelled cooperatively, and the
// coordinator deletes this process's distributed records. Idempotent.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.stopped {
		return nil
	}
	g.stopped = true

	if g.started {
		if err := g.echo.Shutdown(ctx); err != nil {
			g.logger.Warn("http shutdown", "error", err)
		}
	}

	g.queue.Stop()
	g.cancelBase()
	g.registry.Close()

	if err := g.coord.Stop(ctx); err != nil {
		g.logger.Warn("coordinator shutdown", "error", err)
	}

	g.logger.Info("gateway stopped")
	return nil
}

// handleHealth reports the gateway mode and connection counts.
func (g *Gateway) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":      "ok",
		"mode":        string(g.coord.Mode()),
		"connections": g.registry.Count(),
		"rooms":       g.rooms.Count(),
	})
}

// parseRole maps the role query parameter, defaulting to contact.
func parseRole(raw string) registry.Role {
	switch registry.Role(raw) {
	case registry.RoleAttendant:
		return registry.RoleAttendant
	case registry.RoleBot:
		return registry.RoleBot
	case registry.RoleSystem:
		return registry.RoleSystem
	default:
		return registry.RoleContact
	}
}

// handleChatWS upgrades a chat connection, registers it, and joins it to the
// conversation's room.
func (g *Gateway) handleChatWS(c echo.Context) error {
	roomID := c.Param("conversation_id")
	if roomID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "conversation_id is required")
	}
	tenantID := c.QueryParam("tenant_id")

	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return err
	}

	client := newWSClient(ws)
	conn := registry.NewConnection(
		parseRole(c.QueryParam("role")),
		c.QueryParam("user_id"),
		c.QueryParam("contact_id"),
		tenantID,
		client,
	)

	if err := g.registry.Register(conn); err != nil {
		_ = client.Close()
		return err
	}

	if err := g.hub.JoinRoom(g.baseCtx, roomID, tenantID, conn); err != nil {
		g.registry.Unregister(conn.ID)
		_ = client.Close()
		return err
	}

	go client.writePump()
	go g.chatReadPump(g.baseCtx, client, conn, roomID)

	return nil
}

// handleNotifyWS upgrades a notification connection and registers it with
// the fan-out service.
func (g *Gateway) handleNotifyWS(c echo.Context) error {
	ws, err := g.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", "error", err)
		return err
	}

	client := newWSClient(ws)
	conn := registry.NewConnection(
		parseRole(c.QueryParam("role")),
		c.QueryParam("user_id"),
		c.QueryParam("contact_id"),
		c.QueryParam("tenant_id"),
		client,
	)

	if err := g.registry.Register(conn); err != nil {
		_ = client.Close()
		return err
	}
	g.notify.Register(g.baseCtx, conn)

	go client.writePump()
	go g.notifyReadPump(g.baseCtx, client, conn)

	return nil
}
