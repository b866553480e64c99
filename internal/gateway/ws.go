// ABOUTME: WebSocket transport for client connections with read/write pumps.
// ABOUTME: Decodes inbound envelopes and dispatches them; a decode failure ends the connection.

package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/chatline/relay-gateway/internal/debounce"
	"github.com/chatline/relay-gateway/internal/registry"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long to wait for transport-level pong frames.
	pongWait = 60 * time.Second

	// pingPeriod is how often transport-level pings are sent. Must be less
	// than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frame size.
	maxMessageSize = 64 * 1024

	// sendBufferSize is the outbound event buffer per connection.
	sendBufferSize = 64
)

// errSendBufferFull means the client is too slow to keep up; the connection
// is treated as dead.
var errSendBufferFull = errors.New("send buffer full")

// errClientClosed means the transport was already torn down.
var errClientClosed = errors.New("client closed")

// wsClient adapts a websocket connection to the registry.Sink contract.
type wsClient struct {
	ws   *websocket.Conn
	send chan *Event

	closeOnce sync.Once
	closed    chan struct{}
}

func newWSClient(ws *websocket.Conn) *wsClient {
	return &wsClient{
		ws:     ws,
		send:   make(chan *Event, sendBufferSize),
		closed: make(chan struct{}),
	}
}

// Send queues an event for delivery. Non-blocking: a full buffer is an error
// so a slow client cannot stall a broadcast.
func (c *wsClient) Send(eventType string, data map[string]any) error {
	evt := &Event{Type: eventType, Data: data}
	select {
	case <-c.closed:
		return errClientClosed
	case c.send <- evt:
		return nil
	default:
		return errSendBufferFull
	}
}

// Close tears down the transport. Safe to call multiple times.
func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
	return nil
}

// writePump writes queued events and transport pings until the client closes.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Close()
	}()

	for {
		select {
		case <-c.closed:
			return

		case evt := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(evt); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// chatReadPump reads envelopes from a chat connection until it dies, then
// triggers the disconnect path. A malformed payload is a disconnect signal.
func (g *Gateway) chatReadPump(ctx context.Context, client *wsClient, conn *registry.Connection, roomID string) {
	defer g.hub.Disconnect(ctx, conn)

	client.ws.SetReadLimit(maxMessageSize)
	_ = client.ws.SetReadDeadline(time.Now().Add(pongWait))
	client.ws.SetPongHandler(func(string) error {
		_ = client.ws.SetReadDeadline(time.Now().Add(pongWait))
		conn.MarkActivity()
		return nil
	})

	for {
		_, raw, err := client.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Debug("websocket read error", "connection_id", conn.ID, "error", err)
			}
			return
		}

		evt, err := decodeEvent(raw)
		if err != nil {
			g.logger.Warn("malformed inbound payload, disconnecting",
				"connection_id", conn.ID,
				"error", err,
			)
			return
		}

		g.handleChatEvent(ctx, conn, roomID, evt)
	}
}

// handleChatEvent dispatches one inbound event from a chat connection.
func (g *Gateway) handleChatEvent(ctx context.Context, conn *registry.Connection, roomID string, evt *Event) {
	conn.MarkActivity()

	switch evt.Type {
	case EventPing:
		g.hub.Heartbeat(ctx, conn.ID)
		// Answered on the same connection only; never broadcast.
		if err := conn.Send(EventPong, map[string]any{}); err != nil {
			g.logger.Debug("pong send failed", "connection_id", conn.ID, "error", err)
		}

	case EventTypingStart, EventTypingStop:
		conn.SetTyping(evt.Type == EventTypingStart)
		g.hub.Broadcast(ctx, roomID, evt.Type, map[string]any{
			"connection_id": conn.ID,
			"user_id":       conn.UserID,
			"contact_id":    conn.ContactID,
		}, conn.ID)

	case EventMessage:
		g.handleInboundMessage(ctx, conn, roomID, evt)

	default:
		g.logger.Debug("unknown event type",
			"connection_id", conn.ID,
			"event_type", evt.Type,
		)
	}
}

// handleInboundMessage relays a message to the other room participants and
// feeds it into the debounce queue for orchestration.
func (g *Gateway) handleInboundMessage(ctx context.Context, conn *registry.Connection, roomID string, evt *Event) {
	content := stringField(evt.Data, "content")
	msgType := stringField(evt.Data, "type")
	if msgType == "" {
		msgType = "text"
	}

	g.hub.Broadcast(ctx, roomID, EventMessage, map[string]any{
		"connection_id": conn.ID,
		"content":       content,
		"type":          msgType,
		"message_id":    stringField(evt.Data, "message_id"),
	}, conn.ID)

	// Only contact traffic goes through the orchestration pipeline; an
	// attendant or bot reply is already the answer.
	if conn.Role != registry.RoleContact {
		return
	}

	g.queue.Enqueue(&debounce.Message{
		SenderID:       senderID(conn),
		Channel:        "websocket",
		Content:        content,
		Type:           msgType,
		TenantID:       conn.TenantID,
		ConversationID: roomID,
		MessageID:      stringField(evt.Data, "message_id"),
		Metadata:       metadataField(evt.Data, "metadata"),
	})
}

// senderID picks the stable identity for debounce keying.
func senderID(conn *registry.Connection) string {
	if conn.ContactID != "" {
		return conn.ContactID
	}
	if conn.UserID != "" {
		return conn.UserID
	}
	return conn.ID
}

// notifyReadPump reads envelopes from a notification connection. Supported
// events are heartbeats and conversation watch/unwatch.
func (g *Gateway) notifyReadPump(ctx context.Context, client *wsClient, conn *registry.Connection) {
	defer func() {
		g.notify.Unregister(ctx, conn.ID)
		g.registry.Unregister(conn.ID)
		_ = client.Close()
	}()

	client.ws.SetReadLimit(maxMessageSize)
	_ = client.ws.SetReadDeadline(time.Now().Add(pongWait))
	client.ws.SetPongHandler(func(string) error {
		_ = client.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := client.ws.ReadMessage()
		if err != nil {
			return
		}

		evt, err := decodeEvent(raw)
		if err != nil {
			g.logger.Warn("malformed notification payload, disconnecting",
				"connection_id", conn.ID,
				"error", err,
			)
			return
		}

		switch evt.Type {
		case EventPing:
			_ = g.registry.Touch(conn.ID)
			g.notify.Refresh(ctx, conn.ID)
			if err := conn.Send(EventPong, map[string]any{}); err != nil {
				g.logger.Debug("pong send failed", "connection_id", conn.ID, "error", err)
			}

		case EventWatchConversation:
			if convID := stringField(evt.Data, "conversation_id"); convID != "" {
				g.notify.WatchConversation(ctx, conn.ID, convID)
			}

		case EventUnwatchConversation:
			if convID := stringField(evt.Data, "conversation_id"); convID != "" {
				g.notify.UnwatchConversation(ctx, conn.ID, convID)
			}

		default:
			g.logger.Debug("unknown notification event",
				"connection_id", conn.ID,
				"event_type", evt.Type,
			)
		}
	}
}
