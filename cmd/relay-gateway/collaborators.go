// ABOUTME: Loopback collaborator implementations for running the gateway standalone
// ABOUTME: Real deployments replace these with channel, AI, and queue integrations

package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatline/relay-gateway/internal/orchestrator"
)

const shutdownTimeout = 10 * time.Second

// loopbackCollaborators wires the orchestrator to local stand-ins. Messages
// persist to the session store's database; everything else logs what a real
// integration would do. Without an automated handler configured, every
// conversation hands off to a human.
func loopbackCollaborators(logger *slog.Logger, store *orchestrator.SQLiteSessionStore) orchestrator.Collaborators {
	l := logger.With("component", "loopback")
	return orchestrator.Collaborators{
		Messages:    store,
		Outbound:    &logSender{logger: l},
		Transcriber: noTranscription{},
		Hours:       alwaysOpen{},
		Queue:       &logQueue{logger: l},
		Responder:   handOffResponder{},
	}
}

type logSender struct {
	logger *slog.Logger
}

func (s *logSender) SendText(_ context.Context, channel, to, text string) error {
	s.logger.Info("outbound text", "channel", channel, "to", to, "length", len(text))
	return nil
}

func (s *logSender) SendMedia(_ context.Context, channel, to, mediaRef, mediaType string) error {
	s.logger.Info("outbound media", "channel", channel, "to", to, "media_type", mediaType, "ref", mediaRef)
	return nil
}

type alwaysOpen struct{}

func (alwaysOpen) Status(context.Context, string) (*orchestrator.HoursStatus, error) {
	return &orchestrator.HoursStatus{Open: true}, nil
}

type logQueue struct {
	logger *slog.Logger
}

func (q *logQueue) Enqueue(_ context.Context, conversationID, reason string) error {
	q.logger.Info("conversation queued for human", "conversation_id", conversationID, "reason", reason)
	return nil
}

type noTranscription struct{}

func (noTranscription) Transcribe(_ context.Context, mediaRef string) (string, error) {
	return "[media: " + mediaRef + "]", nil
}

type handOffResponder struct{}

func (handOffResponder) Respond(context.Context, string, string) (*orchestrator.Verdict, error) {
	return &orchestrator.Verdict{
		Action: orchestrator.ActionHandOff,
		Reply:  "An attendant will continue this conversation shortly.",
		Reason: "no automated handler configured",
	}, nil
}
