// Package journal records every transcript message the agent produces,
// grouped into sessions, so past conversations survive compression and
// restarts. The agent can read its own journal back through tools.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/nakari/internal/llm"
)

// timeFormat is fixed width so stored timestamps sort lexically.
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

// Entry is one message to record.
type Entry struct {
	Role       string
	Content    string
	ToolCalls  []llm.ToolCall
	ToolCallID string
	EventID    string
}

// Session summarizes one run of the agent.
type Session struct {
	ID           string  `json:"id"`
	StartedAt    string  `json:"started_at"`
	EndedAt      *string `json:"ended_at"`
	MessageCount int     `json:"message_count"`
}

// Message is a recorded transcript message.
type Message struct {
	ID         int64          `json:"id"`
	SessionID  string         `json:"session_id,omitempty"`
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID *string        `json:"tool_call_id"`
	EventID    *string        `json:"event_id"`
	CreatedAt  string         `json:"created_at"`
}

// Store persists sessions and messages in SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
}

// NewStore creates a journal store, running migrations on first use.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{db: db, logger: logger}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			started_at TEXT NOT NULL,
			ended_at   TEXT
		);

		CREATE TABLE IF NOT EXISTS messages (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id   TEXT NOT NULL REFERENCES sessions(id),
			role         TEXT NOT NULL,
			content      TEXT,
			tool_calls   TEXT,
			tool_call_id TEXT,
			event_id     TEXT,
			created_at   TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, id);
		CREATE INDEX IF NOT EXISTS idx_messages_role ON messages(role);
		CREATE INDEX IF NOT EXISTS idx_messages_event ON messages(event_id);
	`)
	return err
}

func now() string {
	return time.Now().UTC().Format(timeFormat)
}

// StartSession opens a new session that subsequent messages belong to.
func (s *Store) StartSession(ctx context.Context) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	sid := id.String()

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, started_at) VALUES (?, ?)`, sid, now()); err != nil {
		return "", fmt.Errorf("start session: %w", err)
	}

	s.mu.Lock()
	s.sessionID = sid
	s.mu.Unlock()

	s.logger.Info("journal session started", "session_id", sid)
	return sid, nil
}

// SessionID returns the current session, or "" before StartSession.
func (s *Store) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// EndSession stamps the current session's end time. It is a no-op when
// no session is open.
func (s *Store) EndSession(ctx context.Context) error {
	s.mu.Lock()
	sid := s.sessionID
	s.sessionID = ""
	s.mu.Unlock()

	if sid == "" {
		return nil
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ? WHERE id = ?`, now(), sid); err != nil {
		return fmt.Errorf("end session: %w", err)
	}
	s.logger.Info("journal session ended", "session_id", sid)
	return nil
}

// LogMessage records e in the current session. Without an open session
// it does nothing.
func (s *Store) LogMessage(ctx context.Context, e Entry) error {
	sid := s.SessionID()
	if sid == "" {
		return nil
	}

	var toolCalls sql.NullString
	if len(e.ToolCalls) > 0 {
		data, err := json.Marshal(e.ToolCalls)
		if err != nil {
			return fmt.Errorf("marshal tool calls: %w", err)
		}
		toolCalls = sql.NullString{String: string(data), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (session_id, role, content, tool_calls, tool_call_id, event_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, sid, e.Role, nullable(e.Content), toolCalls, nullable(e.ToolCallID), nullable(e.EventID), now())
	if err != nil {
		return fmt.Errorf("log message: %w", err)
	}
	return nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// ListSessions returns sessions newest first with their message counts.
func (s *Store) ListSessions(ctx context.Context, limit, offset int) ([]Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id, s.started_at, s.ended_at,
			(SELECT COUNT(*) FROM messages m WHERE m.session_id = s.id) AS message_count
		FROM sessions s ORDER BY s.started_at DESC LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	sessions := []Session{}
	for rows.Next() {
		var (
			sess  Session
			ended sql.NullString
		)
		if err := rows.Scan(&sess.ID, &sess.StartedAt, &ended, &sess.MessageCount); err != nil {
			return nil, err
		}
		if ended.Valid {
			sess.EndedAt = &ended.String
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// ReadSession returns a session's messages in the order they were
// recorded.
func (s *Store) ReadSession(ctx context.Context, sessionID string, limit, offset int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_call_id, event_id, created_at
		FROM messages WHERE session_id = ? ORDER BY id LIMIT ? OFFSET ?
	`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// Search returns messages whose content contains keyword, newest first.
func (s *Store) Search(ctx context.Context, keyword string, limit int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, role, content, tool_calls, tool_call_id, event_id, created_at
		FROM messages WHERE content LIKE ? ORDER BY id DESC LIMIT ?
	`, "%"+keyword+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("search journal: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	msgs := []Message{}
	for rows.Next() {
		var (
			m                            Message
			content, calls, callID, evID sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &content, &calls, &callID, &evID, &m.CreatedAt); err != nil {
			return nil, err
		}
		if content.Valid {
			m.Content = &content.String
		}
		if calls.Valid {
			if err := json.Unmarshal([]byte(calls.String), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("decode tool calls of message %d: %w", m.ID, err)
			}
		}
		if callID.Valid {
			m.ToolCallID = &callID.String
		}
		if evID.Valid {
			m.EventID = &evID.String
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ErrNotSelect is returned by Query for anything but a single SELECT.
var ErrNotSelect = errors.New("only a single SELECT statement is allowed")

// Query runs a read-only SELECT against the journal and returns each row
// as a column-to-value map. The statement runs in a transaction that is
// always rolled back.
func (s *Store) Query(ctx context.Context, query string, params []any) ([]map[string]any, error) {
	q := strings.TrimSpace(query)
	q = strings.TrimSpace(strings.TrimSuffix(q, ";"))
	if !strings.HasPrefix(strings.ToUpper(q), "SELECT") || strings.Contains(q, ";") {
		return nil, ErrNotSelect
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, q, params...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, c := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[c] = string(b)
			} else {
				row[c] = vals[i]
			}
		}
		out = append(out, row)
	}
	return out, rows.Err()
}
