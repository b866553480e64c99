// Package registry tracks live connections and their heartbeats.
//
// # Overview
//
// Every bidirectional connection accepted by this process is registered here.
// The registry is the authoritative local record: a room may never hold a
// connection ID that the registry does not.
//
// # Heartbeats
//
// Clients send periodic heartbeats (relayed via Touch). A background sweep
// runs on a fixed interval and flags connections whose last heartbeat is
// older than heartbeat_interval + heartbeat_timeout. The sweep only does
// bookkeeping; actual teardown is driven by the transport failing.
//
// # Reconnect grace
//
// When a connection is unregistered its identity remains in a
// pending-reconnect set for a grace window, so a fast client reconnect can
// be correlated by the caller. Expired records are pruned by the sweep.
package registry
