// Package session persists conversation transcripts and per-session state.
// Messages are append-only; the only rewrite path is Compact, which replaces
// a prefix of old messages with a single synthetic summary turn.
package session

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Message is one conversation turn.
type Message struct {
	ID          int64           `json:"id,omitempty"`
	SessionID   string          `json:"session_id"`
	Role        string          `json:"role"` // user, assistant, system, tool
	Content     string          `json:"content,omitempty"`
	ToolCalls   json.RawMessage `json:"tool_calls,omitempty"`
	ToolResults json.RawMessage `json:"tool_results,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ToolCall is a tool invocation recorded on an assistant message.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// ToolResult is the outcome of one tool call, recorded on a tool message.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
	IsError    bool   `json:"is_error,omitempty"`
}

// Session is the persisted row for one conversation.
type Session struct {
	ID         string    `json:"id"`
	SessionKey string    `json:"session_key"`
	PersonaID  string    `json:"persona_id"`
	Summary    string    `json:"summary,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	session_key TEXT NOT NULL UNIQUE,
	persona_id TEXT NOT NULL DEFAULT 'general',
	summary TEXT,
	message_count INTEGER DEFAULT 0,
	compaction_count INTEGER DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS session_messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT,
	tool_calls TEXT,
	tool_results TEXT,
	created_at INTEGER NOT NULL DEFAULT (unixepoch())
);
CREATE INDEX IF NOT EXISTS idx_session_messages_session
	ON session_messages(session_id, id);
CREATE TABLE IF NOT EXISTS reasoning_cache (
	id TEXT PRIMARY KEY,
	problem TEXT NOT NULL,
	embedding TEXT NOT NULL,
	solution TEXT NOT NULL,
	created_at INTEGER NOT NULL DEFAULT (unixepoch())
);
`

// Store wraps the sqlite connection shared by the session manager and the
// reasoning cache.
type Store struct {
	db *sql.DB
}

// Open creates (if needed) and opens the database at path.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite does not handle concurrent writers well; serialize all access
	// through a single connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenMemory opens an in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// DB exposes the raw connection for components sharing the store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// GetOrCreate returns the session for sessionKey, creating it if missing.
func (s *Store) GetOrCreate(sessionKey string) (*Session, error) {
	if sessionKey == "" {
		sessionKey = "default"
	}

	sess, err := s.getByKey(sessionKey)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now()
	_, err = s.db.Exec(
		`INSERT INTO sessions (id, session_key, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		id, sessionKey, now.Unix(), now.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create session: %w", err)
	}
	return &Session{ID: id, SessionKey: sessionKey, PersonaID: "general", CreatedAt: now, UpdatedAt: now}, nil
}

func (s *Store) getByKey(sessionKey string) (*Session, error) {
	var sess Session
	var summary sql.NullString
	var created, updated int64
	err := s.db.QueryRow(
		`SELECT id, session_key, persona_id, summary, created_at, updated_at FROM sessions WHERE session_key = ?`,
		sessionKey,
	).Scan(&sess.ID, &sess.SessionKey, &sess.PersonaID, &summary, &created, &updated)
	if err != nil {
		return nil, err
	}
	sess.Summary = summary.String
	sess.CreatedAt = time.Unix(created, 0)
	sess.UpdatedAt = time.Unix(updated, 0)
	return &sess, nil
}

// AppendMessage adds a message to a session. Empty envelopes (no content, no
// tool data) are skipped silently — they create ghost records that confuse
// downstream checks.
func (s *Store) AppendMessage(sessionID string, msg Message) error {
	if msg.Content == "" && len(msg.ToolCalls) == 0 && len(msg.ToolResults) == 0 {
		return nil
	}

	var toolCalls, toolResults any
	if len(msg.ToolCalls) > 0 {
		toolCalls = string(msg.ToolCalls)
	}
	if len(msg.ToolResults) > 0 {
		toolResults = string(msg.ToolResults)
	}

	_, err := s.db.Exec(
		`INSERT INTO session_messages (session_id, role, content, tool_calls, tool_results) VALUES (?, ?, ?, ?, ?)`,
		sessionID, msg.Role, msg.Content, toolCalls, toolResults,
	)
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	_, err = s.db.Exec(
		`UPDATE sessions SET message_count = message_count + 1, updated_at = unixepoch() WHERE id = ?`,
		sessionID,
	)
	return err
}

// GetMessages returns all messages for a session in insertion order.
func (s *Store) GetMessages(sessionID string) ([]Message, error) {
	rows, err := s.db.Query(
		`SELECT id, role, content, tool_calls, tool_results, created_at
		 FROM session_messages WHERE session_id = ? ORDER BY id ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var msg Message
		var content, toolCalls, toolResults sql.NullString
		var created int64
		if err := rows.Scan(&msg.ID, &msg.Role, &content, &toolCalls, &toolResults, &created); err != nil {
			return nil, err
		}
		msg.SessionID = sessionID
		msg.Content = content.String
		if toolCalls.Valid && toolCalls.String != "" {
			msg.ToolCalls = json.RawMessage(toolCalls.String)
		}
		if toolResults.Valid && toolResults.String != "" {
			msg.ToolResults = json.RawMessage(toolResults.String)
		}
		msg.CreatedAt = time.Unix(created, 0)
		messages = append(messages, msg)
	}
	return sanitizeMessages(messages), rows.Err()
}

// Compact replaces every message older than the last keepRecent with a single
// synthetic assistant summary turn. The summary is also stored on the session
// row for re-injection into the system prompt.
func (s *Store) Compact(sessionID, summary string, keepRecent int) error {
	if keepRecent < 0 {
		keepRecent = 0
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Find the cutoff id: the keepRecent-th message from the end.
	var cutoff sql.NullInt64
	err = tx.QueryRow(
		`SELECT MIN(id) FROM (
			SELECT id FROM session_messages WHERE session_id = ? ORDER BY id DESC LIMIT ?
		)`,
		sessionID, keepRecent,
	).Scan(&cutoff)
	if err != nil {
		return err
	}

	if cutoff.Valid {
		_, err = tx.Exec(`DELETE FROM session_messages WHERE session_id = ? AND id < ?`, sessionID, cutoff.Int64)
	} else {
		_, err = tx.Exec(`DELETE FROM session_messages WHERE session_id = ?`, sessionID)
	}
	if err != nil {
		return err
	}

	// Insert the summary turn before the preserved tail. With a monotonically
	// increasing rowid we must pick an id below the cutoff.
	summaryID := int64(1)
	if cutoff.Valid {
		summaryID = cutoff.Int64 - 1
	}
	if _, err = tx.Exec(
		`INSERT INTO session_messages (id, session_id, role, content) VALUES (?, ?, 'assistant', ?)`,
		summaryID, sessionID, summary,
	); err != nil {
		return err
	}

	if _, err = tx.Exec(
		`UPDATE sessions SET summary = ?, compaction_count = compaction_count + 1, updated_at = unixepoch() WHERE id = ?`,
		summary, sessionID,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// SetPersona records the active persona for the session.
func (s *Store) SetPersona(sessionID, personaID string) error {
	_, err := s.db.Exec(`UPDATE sessions SET persona_id = ?, updated_at = unixepoch() WHERE id = ?`, personaID, sessionID)
	return err
}

// Reset deletes all messages for a session and clears its summary.
func (s *Store) Reset(sessionID string) error {
	if _, err := s.db.Exec(`DELETE FROM session_messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	_, err := s.db.Exec(
		`UPDATE sessions SET summary = NULL, message_count = 0, updated_at = unixepoch() WHERE id = ?`,
		sessionID,
	)
	return err
}

// List returns all sessions, most recently updated first.
func (s *Store) List() ([]Session, error) {
	rows, err := s.db.Query(
		`SELECT id, session_key, persona_id, summary, created_at, updated_at FROM sessions ORDER BY updated_at DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []Session
	for rows.Next() {
		var sess Session
		var summary sql.NullString
		var created, updated int64
		if err := rows.Scan(&sess.ID, &sess.SessionKey, &sess.PersonaID, &summary, &created, &updated); err != nil {
			return nil, err
		}
		sess.Summary = summary.String
		sess.CreatedAt = time.Unix(created, 0)
		sess.UpdatedAt = time.Unix(updated, 0)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// GetSummary returns the rolling summary for a session, if any.
func (s *Store) GetSummary(sessionID string) (string, error) {
	var summary sql.NullString
	err := s.db.QueryRow(`SELECT summary FROM sessions WHERE id = ?`, sessionID).Scan(&summary)
	if err != nil {
		return "", err
	}
	return summary.String, nil
}

// sanitizeMessages strips orphaned tool_results that have no matching
// tool_calls earlier in the transcript. Providers reject those.
func sanitizeMessages(messages []Message) []Message {
	if len(messages) == 0 {
		return messages
	}

	seen := make(map[string]bool)
	result := make([]Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == "assistant" && len(msg.ToolCalls) > 0 {
			var calls []ToolCall
			if err := json.Unmarshal(msg.ToolCalls, &calls); err == nil {
				for _, call := range calls {
					seen[call.ID] = true
				}
			}
			result = append(result, msg)
			continue
		}

		if msg.Role == "tool" && len(msg.ToolResults) > 0 {
			var results []ToolResult
			if err := json.Unmarshal(msg.ToolResults, &results); err == nil {
				valid := results[:0]
				for _, r := range results {
					if seen[r.ToolCallID] {
						valid = append(valid, r)
					}
				}
				if len(valid) == 0 {
					continue
				}
				if len(valid) < len(results) {
					if raw, err := json.Marshal(valid); err == nil {
						msg.ToolResults = raw
					}
				}
			}
		}
		result = append(result, msg)
	}
	return result
}
