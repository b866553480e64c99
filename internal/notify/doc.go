// Package notify fans presence and notification events out to interested
// connections.
//
// Connections are indexed along three independent dimensions (user, tenant,
// and watched conversation) plus a derived attendants-of-a-tenant index.
// The service supports targeted sends, per-dimension broadcasts, and a
// tenant-scoped attendants-only broadcast.
//
// Distribution follows the same dual-mode design as the room broadcast
// engine: local delivery always happens first, then the event is republished
// through the coordinator on topics namespaced per dimension (user:{id},
// tenant:{id}, conversation:{id}). Self-echo suppression and the best-effort
// failure policy come from the coordinator.
package notify
