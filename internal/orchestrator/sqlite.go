// ABOUTME: SQLite implementation of the SessionStore interface using mattn/go-sqlite3
// ABOUTME: Provides session persistence and transition audit rows with automatic schema creation

package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteSessionStore implements the SessionStore interface using SQLite.
type SQLiteSessionStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteSessionStore creates a new SQLite session store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteSessionStore(path string) (*SQLiteSessionStore, error) {
	logger := slog.Default().With("component", "session-store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteSessionStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("session store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteSessionStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			handler TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			transitioned_at DATETIME NOT NULL,
			ended INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS session_transitions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			handler TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			transitioned_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_conversation
			ON session_transitions(conversation_id);

		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			conversation_id TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			type TEXT NOT NULL DEFAULT 'text',
			created_at DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_conversation
			ON messages(conversation_id);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// GetSession returns the session for a conversation, or ErrSessionNotFound.
func (s *SQLiteSessionStore) GetSession(ctx context.Context, conversationID string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT conversation_id, tenant_id, handler, reason, transitioned_at, ended, created_at
		FROM sessions WHERE conversation_id = ?`, conversationID)

	var sess Session
	var handler string
	var ended int
	err := row.Scan(&sess.ConversationID, &sess.TenantID, &handler, &sess.Reason,
		&sess.TransitionedAt, &ended, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}

	sess.Handler = Handler(handler)
	sess.Ended = ended != 0
	return &sess, nil
}

// CreateSession inserts a new session.
func (s *SQLiteSessionStore) CreateSession(ctx context.Context, sess *Session) error {
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = time.Now().UTC()
	}
	if sess.TransitionedAt.IsZero() {
		sess.TransitionedAt = sess.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (conversation_id, tenant_id, handler, reason, transitioned_at, ended, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?)`,
		sess.ConversationID, sess.TenantID, string(sess.Handler), sess.Reason,
		sess.TransitionedAt, sess.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting session: %w", err)
	}
	return nil
}

// RecordTransition moves the session to a new handler and appends an audit row.
func (s *SQLiteSessionStore) RecordTransition(ctx context.Context, conversationID string, handler Handler, reason string) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET handler = ?, reason = ?, transitioned_at = ?
		WHERE conversation_id = ? AND ended = 0`,
		string(handler), reason, now, conversationID)
	if err != nil {
		return fmt.Errorf("updating session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_transitions (conversation_id, handler, reason, transitioned_at)
		VALUES (?, ?, ?, ?)`,
		conversationID, string(handler), reason, now)
	if err != nil {
		return fmt.Errorf("recording transition: %w", err)
	}

	s.logger.Info("session transitioned",
		"conversation_id", conversationID,
		"handler", handler,
		"reason", reason,
	)
	return nil
}

// EndSession marks the session ended. The row is retained for audit.
func (s *SQLiteSessionStore) EndSession(ctx context.Context, conversationID, reason string) error {
	now := time.Now().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET ended = 1, reason = ?, transitioned_at = ?
		WHERE conversation_id = ?`,
		reason, now, conversationID)
	if err != nil {
		return fmt.Errorf("ending session: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking update: %w", err)
	}
	if affected == 0 {
		return ErrSessionNotFound
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO session_transitions (conversation_id, handler, reason, transitioned_at)
		VALUES (?, 'ended', ?, ?)`,
		conversationID, reason, now)
	if err != nil {
		return fmt.Errorf("recording end transition: %w", err)
	}
	return nil
}

// Transitions returns the audit trail for a conversation, oldest first.
func (s *SQLiteSessionStore) Transitions(ctx context.Context, conversationID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT handler, reason, transitioned_at
		FROM session_transitions
		WHERE conversation_id = ?
		ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var t Transition
		var handler string
		if err := rows.Scan(&handler, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		t.Handler = Handler(handler)
		out = append(out, t)
	}
	return out, rows.Err()
}

// SaveMessage appends a message to the conversation history.
func (s *SQLiteSessionStore) SaveMessage(ctx context.Context, rec *MessageRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (conversation_id, sender, content, type, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		rec.ConversationID, rec.Sender, rec.Content, rec.Type, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// Messages returns the stored history for a conversation, oldest first.
func (s *SQLiteSessionStore) Messages(ctx context.Context, conversationID string) ([]MessageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT conversation_id, sender, content, type
		FROM messages
		WHERE conversation_id = ?
		ORDER BY id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var out []MessageRecord
	for rows.Next() {
		var rec MessageRecord
		if err := rows.Scan(&rec.ConversationID, &rec.Sender, &rec.Content, &rec.Type); err != nil {
			return nil, fmt.Errorf("scanning message: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Transition is one audit row in a session's history.
type Transition struct {
	Handler Handler
	Reason  string
	At      time.Time
}

// Close closes the underlying database.
func (s *SQLiteSessionStore) Close() error {
	return s.db.Close()
}
