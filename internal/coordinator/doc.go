// Package coordinator keeps local and shared state consistent across replicas.
//
// # Overview
//
// A gateway process runs in one of two modes, selected once at startup:
//
//   - Local: all rooms and connections are process-local; broadcast reaches
//     only connections on this process.
//   - Distributed: a Redis store mirrors connection existence and room
//     membership, and a pub/sub channel per topic relays broadcast envelopes
//     between replicas.
//
// The mode is chosen by a connectivity probe in New: if the store is
// unreachable for any reason the process falls back permanently to local
// mode. Nothing downstream needs to know which mode is active; both
// implementations satisfy the Coordinator interface.
//
// # Connection records
//
// Each registered connection is mirrored as a JSON record with a finite TTL.
// Heartbeats refresh the TTL; an expired record means the connection is dead
// for cross-process visibility, even if the owning process has not yet
// confirmed disconnection. Visibility is eventually accurate within one TTL
// window.
//
// # Envelopes and self-echo
//
// Broadcasts are republished as envelopes carrying the event type, payload,
// excluded connection IDs, source instance, and timestamp. The listener loop
// ignores envelopes whose source instance matches its own, so a process never
// replays its own broadcasts.
//
// # Failure policy
//
// Every distributed read, write, and publish is best-effort. Failures are
// logged and swallowed; the local broadcast must succeed regardless of
// distributed-layer health.
package coordinator
