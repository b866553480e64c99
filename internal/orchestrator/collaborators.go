// ABOUTME: Narrow interfaces for the external services the orchestrator drives.
// ABOUTME: Persistence, outbound sends, transcription, business hours, human queue, and the automated handler.

package orchestrator

import "context"

// MessageRecord is what the persistence collaborator stores per message.
type MessageRecord struct {
	ConversationID string
	Sender         string
	Content        string
	Type           string
}

// MessageStore persists message records for conversation history.
type MessageStore interface {
	SaveMessage(ctx context.Context, rec *MessageRecord) error
}

// OutboundSender delivers text or media to an external address on a channel
// (e.g. a WhatsApp number).
type OutboundSender interface {
	SendText(ctx context.Context, channel, to, text string) error
	SendMedia(ctx context.Context, channel, to, mediaRef, mediaType string) error
}

// Transcriber converts a media reference into text.
type Transcriber interface {
	Transcribe(ctx context.Context, mediaRef string) (string, error)
}

// HoursStatus reports whether a tenant is inside service hours and, if not,
// the configured out-of-hours message.
type HoursStatus struct {
	Open          bool
	ClosedMessage string
}

// BusinessHours answers whether a tenant is currently in service hours.
type BusinessHours interface {
	Status(ctx context.Context, tenantID string) (*HoursStatus, error)
}

// HumanQueue enqueues a conversation for human attendance with a reason.
type HumanQueue interface {
	Enqueue(ctx context.Context, conversationID, reason string) error
}

// Action is the automated handler's verdict on a message batch.
type Action string

const (
	// ActionReply means respond directly with the verdict's reply text.
	ActionReply Action = "reply"
	// ActionHandOff means transfer the conversation to a human.
	ActionHandOff Action = "hand_off"
	// ActionCollect means prompt the user for structured data.
	ActionCollect Action = "collect"
)

// Verdict is the automated handler's response to an inbound batch.
type Verdict struct {
	Action    Action
	Reply     string
	Reason    string
	ToolsUsed []string
}

// AutoResponder invokes the automated handler for a conversation.
type AutoResponder interface {
	Respond(ctx context.Context, conversationID, text string) (*Verdict, error)
}

// AttendantNotifier pushes events to the attendant UI connections of a tenant.
type AttendantNotifier interface {
	NotifyAttendants(ctx context.Context, tenantID, eventType string, data map[string]any)
}

// Collaborators bundles the external services consumed by the orchestrator.
type Collaborators struct {
	Messages    MessageStore
	Outbound    OutboundSender
	Transcriber Transcriber
	Hours       BusinessHours
	Queue       HumanQueue
	Responder   AutoResponder
}
