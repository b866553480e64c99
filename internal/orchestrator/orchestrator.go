// ABOUTME: Drives the per-conversation state machine over grouped inbound message batches.
// ABOUTME: Routes each batch to the automated handler or a human, honoring business hours.

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/chatline/relay-gateway/internal/debounce"
)

// DefaultFallbackReply is sent when a collaborator fails mid-batch, so the
// user never gets silence.
const DefaultFallbackReply = "Sorry, something went wrong on our side. Please try again in a moment."

// Orchestrator decides, per conversation, whether an inbound batch is handled
// by the automated agent or a human, and drives hand-off. It performs no
// transport I/O itself; all side effects go through the collaborators.
type Orchestrator struct {
	sessions SessionStore
	collab   Collaborators
	notifier AttendantNotifier

	fallbackReply string
	logger        *slog.Logger

	// Serializes transitions per conversation within this process.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Options configures an Orchestrator.
type Options struct {
	Sessions      SessionStore
	Collaborators Collaborators
	Notifier      AttendantNotifier
	FallbackReply string
	Logger        *slog.Logger
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	fallback := opts.FallbackReply
	if fallback == "" {
		fallback = DefaultFallbackReply
	}
	return &Orchestrator{
		sessions:      opts.Sessions,
		collab:        opts.Collaborators,
		notifier:      opts.Notifier,
		fallbackReply: fallback,
		logger:        logger.With("component", "orchestrator"),
		locks:         make(map[string]*sync.Mutex),
	}
}

// convLock returns the mutex for a conversation, creating it on first use.
func (o *Orchestrator) convLock(conversationID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()

	l, ok := o.locks[conversationID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[conversationID] = l
	}
	return l
}

// HandleGroup runs one grouped message batch through the pipeline:
// business-hours check, session-state check, then either attendant
// notification or automated handling.
func (o *Orchestrator) HandleGroup(ctx context.Context, g *debounce.Group) {
	l := o.convLock(g.ConversationID)
	l.Lock()
	defer l.Unlock()

	sess, err := o.loadOrCreateSession(ctx, g)
	if err != nil {
		o.logger.Error("loading session", "conversation_id", g.ConversationID, "error", err)
		o.sendFallback(ctx, g)
		return
	}

	if sess.Ended {
		o.logger.Debug("batch for ended session ignored", "conversation_id", g.ConversationID)
		return
	}

	// Business hours are evaluated fresh per batch, never cached. Out of
	// hours we send the configured notice and leave the session untouched.
	hours, err := o.collab.Hours.Status(ctx, g.TenantID)
	if err != nil {
		o.logger.Error("business hours lookup failed", "tenant_id", g.TenantID, "error", err)
		o.sendFallback(ctx, g)
		return
	}
	if !hours.Open {
		o.handleOutOfHours(ctx, g, hours)
		return
	}

	if sess.Handler == HandlerHuman {
		o.notifyAttendants(ctx, g, "message_received")
		return
	}

	o.handleAutomated(ctx, g)
}

// loadOrCreateSession fetches the conversation session, creating it in
// HandlerAutomated on first message.
func (o *Orchestrator) loadOrCreateSession(ctx context.Context, g *debounce.Group) (*Session, error) {
	sess, err := o.sessions.GetSession(ctx, g.ConversationID)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrSessionNotFound) {
		return nil, err
	}

	sess = &Session{
		ConversationID: g.ConversationID,
		TenantID:       g.TenantID,
		Handler:        HandlerAutomated,
		Reason:         "first message",
	}
	if err := o.sessions.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return sess, nil
}

// handleOutOfHours sends the configured out-of-hours notice. No state
// transition occurs; the check repeats on the next batch.
func (o *Orchestrator) handleOutOfHours(ctx context.Context, g *debounce.Group, hours *HoursStatus) {
	notice := hours.ClosedMessage
	if notice == "" {
		return
	}
	if err := o.collab.Outbound.SendText(ctx, g.Channel, g.SenderID, notice); err != nil {
		o.logger.Error("sending out-of-hours notice",
			"conversation_id", g.ConversationID,
			"error", err,
		)
	}
}

// handleAutomated persists the batch, resolves media to text, invokes the
// automated handler, and acts on its verdict.
func (o *Orchestrator) handleAutomated(ctx context.Context, g *debounce.Group) {
	text, err := o.batchText(ctx, g)
	if err != nil {
		o.logger.Error("resolving batch text", "conversation_id", g.ConversationID, "error", err)
		o.sendFallback(ctx, g)
		return
	}

	o.persistInbound(ctx, g)

	verdict, err := o.collab.Responder.Respond(ctx, g.ConversationID, text)
	if err != nil {
		o.logger.Error("automated handler failed", "conversation_id", g.ConversationID, "error", err)
		o.sendFallback(ctx, g)
		return
	}

	switch verdict.Action {
	case ActionReply, ActionCollect:
		o.reply(ctx, g, verdict.Reply)

	case ActionHandOff:
		o.handOff(ctx, g, verdict)

	default:
		o.logger.Warn("unknown verdict action",
			"conversation_id", g.ConversationID,
			"action", verdict.Action,
		)
		o.sendFallback(ctx, g)
	}
}

// batchText joins the group's plain content in arrival order, transcribing
// media messages through the Transcriber collaborator.
func (o *Orchestrator) batchText(ctx context.Context, g *debounce.Group) (string, error) {
	var parts []string
	for _, m := range g.Messages {
		if !m.IsMedia() {
			if m.Content != "" {
				parts = append(parts, m.Content)
			}
			continue
		}
		transcript, err := o.collab.Transcriber.Transcribe(ctx, m.Content)
		if err != nil {
			return "", fmt.Errorf("transcribing media %s: %w", m.MessageID, err)
		}
		parts = append(parts, transcript)
	}
	return strings.Join(parts, "\n"), nil
}

// persistInbound records each inbound message. Persistence failures are
// logged but do not abort the batch; the user should still get an answer.
func (o *Orchestrator) persistInbound(ctx context.Context, g *debounce.Group) {
	for _, m := range g.Messages {
		rec := &MessageRecord{
			ConversationID: g.ConversationID,
			Sender:         m.SenderID,
			Content:        m.Content,
			Type:           m.Type,
		}
		if err := o.collab.Messages.SaveMessage(ctx, rec); err != nil {
			o.logger.Error("persisting inbound message",
				"conversation_id", g.ConversationID,
				"message_id", m.MessageID,
				"error", err,
			)
		}
	}
}

// reply sends the automated handler's reply and persists it.
func (o *Orchestrator) reply(ctx context.Context, g *debounce.Group, text string) {
	if text == "" {
		return
	}
	if err := o.collab.Outbound.SendText(ctx, g.Channel, g.SenderID, text); err != nil {
		o.logger.Error("sending reply", "conversation_id", g.ConversationID, "error", err)
		return
	}
	rec := &MessageRecord{
		ConversationID: g.ConversationID,
		Sender:         "bot",
		Content:        text,
		Type:           "text",
	}
	if err := o.collab.Messages.SaveMessage(ctx, rec); err != nil {
		o.logger.Error("persisting reply", "conversation_id", g.ConversationID, "error", err)
	}
}

// handOff transitions the session to a human handler, enqueues the
// conversation, and notifies the tenant's attendants.
func (o *Orchestrator) handOff(ctx context.Context, g *debounce.Group, verdict *Verdict) {
	reason := verdict.Reason
	if reason == "" {
		reason = "handler requested hand-off"
	}

	if err := o.sessions.RecordTransition(ctx, g.ConversationID, HandlerHuman, reason); err != nil {
		o.logger.Error("recording hand-off", "conversation_id", g.ConversationID, "error", err)
		o.sendFallback(ctx, g)
		return
	}

	if err := o.collab.Queue.Enqueue(ctx, g.ConversationID, reason); err != nil {
		o.logger.Error("enqueueing conversation", "conversation_id", g.ConversationID, "error", err)
	}

	if verdict.Reply != "" {
		o.reply(ctx, g, verdict.Reply)
	}

	o.notifyAttendants(ctx, g, "conversation_transferred")
}

// TransferToHuman is the explicit external action moving a conversation to a
// human handler.
func (o *Orchestrator) TransferToHuman(ctx context.Context, conversationID, reason string) error {
	l := o.convLock(conversationID)
	l.Lock()
	defer l.Unlock()

	return o.sessions.RecordTransition(ctx, conversationID, HandlerHuman, reason)
}

// ReturnToAutomated is the explicit external action returning a conversation
// to automated handling. The machine never does this on its own.
func (o *Orchestrator) ReturnToAutomated(ctx context.Context, conversationID, reason string) error {
	l := o.convLock(conversationID)
	l.Lock()
	defer l.Unlock()

	return o.sessions.RecordTransition(ctx, conversationID, HandlerAutomated, reason)
}

// EndSession marks a conversation's session as ended. Terminal: no further
// transitions occur, but the record is retained.
func (o *Orchestrator) EndSession(ctx context.Context, conversationID, reason string) error {
	l := o.convLock(conversationID)
	l.Lock()
	defer l.Unlock()

	return o.sessions.EndSession(ctx, conversationID, reason)
}

// notifyAttendants pushes an event about this batch to the tenant's attendants.
func (o *Orchestrator) notifyAttendants(ctx context.Context, g *debounce.Group, eventType string) {
	if o.notifier == nil {
		return
	}
	o.notifier.NotifyAttendants(ctx, g.TenantID, eventType, map[string]any{
		"conversation_id": g.ConversationID,
		"sender_id":       g.SenderID,
		"channel":         g.Channel,
		"message_count":   len(g.Messages),
	})
}

// sendFallback answers the user with the generic fallback response rather
// than silence.
func (o *Orchestrator) sendFallback(ctx context.Context, g *debounce.Group) {
	if err := o.collab.Outbound.SendText(ctx, g.Channel, g.SenderID, o.fallbackReply); err != nil {
		o.logger.Error("sending fallback reply", "conversation_id", g.ConversationID, "error", err)
	}
}
