// Package gateway ties the relay-gateway server components together.
//
// # Overview
//
// The gateway package is the central coordinator of the relay-gateway
// server. It owns and manages the major components: connection registry,
// room map, distributed coordinator, broadcast hub, notification fan-out,
// debounce queue, and the message orchestrator.
//
// # Gateway Struct
//
// The Gateway struct is the main entry point:
//
//	type Gateway struct {
//	    cfg      *config.Config
//	    registry *registry.Registry
//	    rooms    *room.Map
//	    coord    coordinator.Coordinator
//	    hub      *Hub
//	    notify   *notify.Service
//	    queue    *debounce.Queue
//	    orch     *orchestrator.Orchestrator
//	    // ... and more
//	}
//
// # WebSocket Endpoints
//
//   - GET /ws/chat/:conversation_id - Join a conversation room. Query
//     parameters: role, user_id, contact_id, tenant_id.
//   - GET /ws/notifications - Receive targeted notifications. Same query
//     parameters; conversation subscriptions are managed over the socket.
//   - GET /healthz - Liveness check with mode and connection counts.
//
// # Wire Format
//
// Every frame in both directions is a JSON envelope:
//
//	{"type": "message", "data": {"content": "hello"}}
//
// Inbound types on the chat socket: ping, typing_start, typing_stop,
// message. Outbound types include pong, typing_start, typing_stop,
// message, participant_joined, and participant_left. Frames with types
// outside this set, or that fail to decode, terminate the connection.
//
// # Broadcast Path
//
// The Hub delivers every event to local room participants first, then
// republishes the envelope through the coordinator when the process runs
// distributed. Envelopes arriving from peer processes are replayed to
// local participants only, so each event reaches each participant once.
//
// # Lifecycle
//
// Start the gateway:
//
//	gw, err := gateway.New(ctx, gateway.Options{...})
//	err = gw.Start(ctx)
//
// Graceful shutdown:
//
//	gw.Stop(shutdownCtx)
//
// Stop drains the HTTP server, flushes nothing (pending debounce groups
// are discarded), and removes this process's records from shared state.
//
// # Key Files
//
//   - gateway.go: Gateway struct, wiring, Start/Stop, HTTP handlers
//   - hub.go: room join/leave side effects and the broadcast path
//   - ws.go: WebSocket client, read/write pumps, event dispatch
//   - events.go: wire envelope and event type constants
package gateway
