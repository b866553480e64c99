// ABOUTME: Event envelope and type taxonomy shared by clients and peer processes.
// ABOUTME: Every frame on a connection is {"type": ..., "data": {...}}.

package gateway

import "encoding/json"

// Event is the wire-level wrapper carrying an event type and payload, used
// both toward clients and (inside a coordinator envelope) between processes.
type Event struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

// Inbound event types recognized from clients.
const (
	EventPing        = "ping"
	EventTypingStart = "typing_start"
	EventTypingStop  = "typing_stop"
	EventMessage     = "message"

	EventWatchConversation   = "watch_conversation"
	EventUnwatchConversation = "unwatch_conversation"
)

// Outbound event types emitted by the gateway.
const (
	EventPong              = "pong"
	EventParticipantJoined = "participant_joined"
	EventParticipantLeft   = "participant_left"
)

// decodeEvent parses a raw frame into an Event.
func decodeEvent(raw []byte) (*Event, error) {
	var evt Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, err
	}
	return &evt, nil
}

// stringField extracts a string value from an event payload, returning ""
// when absent or not a string.
func stringField(data map[string]any, key string) string {
	v, ok := data[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// metadataField extracts a string map from an event payload.
func metadataField(data map[string]any, key string) map[string]string {
	raw, ok := data[key].(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, isString := v.(string); isString {
			out[k] = s
		}
	}
	return out
}
