// ABOUTME: Conversation session model and store contract for the orchestration state machine.
// ABOUTME: A session has exactly one active handler; ended sessions are retained, never deleted.

package orchestrator

import (
	"context"
	"errors"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// Handler identifies who currently handles a conversation.
type Handler string

const (
	// HandlerAutomated means the automated agent handles inbound batches.
	HandlerAutomated Handler = "automated"
	// HandlerHuman means a human attendant handles inbound batches.
	HandlerHuman Handler = "human"
)

// Session is the orchestration state of one conversation. Created on first
// message in HandlerAutomated, mutated by transitions, retained for audit
// after ending.
type Session struct {
	ConversationID string
	TenantID       string
	Handler        Handler
	Reason         string
	TransitionedAt time.Time
	Ended          bool
	CreatedAt      time.Time
}

// SessionStore persists conversation sessions and their transition history.
type SessionStore interface {
	// GetSession returns the session for a conversation, or ErrSessionNotFound.
	GetSession(ctx context.Context, conversationID string) (*Session, error)

	// CreateSession inserts a new session.
	CreateSession(ctx context.Context, s *Session) error

	// RecordTransition moves the session to a new handler and appends an
	// audit row with the reason.
	RecordTransition(ctx context.Context, conversationID string, handler Handler, reason string) error

	// EndSession marks the session ended. The record is retained.
	EndSession(ctx context.Context, conversationID, reason string) error

	// Close releases the underlying store.
	Close() error
}
