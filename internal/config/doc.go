// Package config handles configuration loading for relay-gateway.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	redis:
//	  password: "${RELAY_REDIS_PASSWORD}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	connections:
//	  heartbeat_interval: "30s"
//	  heartbeat_timeout: "60s"
//	  reconnect_grace_period: "2m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Configuration Sections
//
// Server settings:
//
//	server:
//	  http_addr: "0.0.0.0:8080"  # WebSocket and health endpoints
//
// Shared pub/sub store (leave addr empty for local-only operation):
//
//	redis:
//	  addr: "localhost:6379"
//	  password: "${RELAY_REDIS_PASSWORD}"
//	  record_ttl: "90s"
//	  probe_timeout: "3s"
//	  poll_timeout: "500ms"
//
// Session store:
//
//	database:
//	  path: "/var/lib/relay/gateway.db"
//
// Message grouping:
//
//	debounce:
//	  quiet_period: "3s"
//	  max_group_size: 10
//	  max_group_age: "30s"
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
package config
