// Package store persists call bookkeeping in SQLite: one row per
// conversation plus the transcript messages of every completed turn. It
// implements the engine's TranscriptLog contract.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hupe1980/convrelay/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id         TEXT PRIMARY KEY,
	caller     TEXT,
	started_at DATETIME
);

CREATE TABLE IF NOT EXISTS messages (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	conversation_id TEXT NOT NULL,
	role            TEXT NOT NULL,
	content         TEXT,
	tool_calls      TEXT,
	tool_call_id    TEXT,
	created_at      DATETIME,
	FOREIGN KEY(conversation_id) REFERENCES conversations(id)
);
`

// CallLog is a SQLite-backed transcript log. Safe for concurrent use; SQLite
// serializes writers internally.
type CallLog struct {
	db *sql.DB
}

// Open opens (or creates) the call log database at path. Use ":memory:" for
// an ephemeral log in tests.
func Open(path string) (*CallLog, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open call log: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create call log schema: %w", err)
	}
	return &CallLog{db: db}, nil
}

// StartConversation records conversation metadata. Repeated calls for the
// same id are ignored.
func (l *CallLog) StartConversation(conversationID, caller string) error {
	_, err := l.db.Exec(
		`INSERT OR IGNORE INTO conversations (id, caller, started_at) VALUES (?, ?, ?)`,
		conversationID, caller, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("start conversation %s: %w", conversationID, err)
	}
	return nil
}

// AppendMessages stores the messages of one completed turn in order.
func (l *CallLog) AppendMessages(conversationID string, messages []core.Message) error {
	tx, err := l.db.Begin()
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(
		`INSERT INTO messages (conversation_id, role, content, tool_calls, tool_call_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("append messages: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, m := range messages {
		toolCalls := ""
		if m.HasToolCalls() {
			b, err := json.Marshal(m.ToolCalls)
			if err != nil {
				return fmt.Errorf("append messages: encode tool calls: %w", err)
			}
			toolCalls = string(b)
		}
		if _, err := stmt.Exec(conversationID, string(m.Role), m.Content, toolCalls, m.ToolCallID, now); err != nil {
			return fmt.Errorf("append messages: %w", err)
		}
	}
	return tx.Commit()
}

// Messages replays the stored transcript of a conversation in insertion
// order.
func (l *CallLog) Messages(conversationID string) ([]core.Message, error) {
	rows, err := l.db.Query(
		`SELECT role, content, tool_calls, tool_call_id FROM messages
		 WHERE conversation_id = ? ORDER BY id`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", conversationID, err)
	}
	defer rows.Close()

	var out []core.Message
	for rows.Next() {
		var role, content, toolCalls, toolCallID string
		if err := rows.Scan(&role, &content, &toolCalls, &toolCallID); err != nil {
			return nil, fmt.Errorf("load messages %s: %w", conversationID, err)
		}
		m := core.Message{Role: core.Role(role), Content: content, ToolCallID: toolCallID}
		if toolCalls != "" {
			if err := json.Unmarshal([]byte(toolCalls), &m.ToolCalls); err != nil {
				return nil, fmt.Errorf("load messages %s: decode tool calls: %w", conversationID, err)
			}
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *CallLog) Close() error { return l.db.Close() }
