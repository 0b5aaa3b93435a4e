package memory

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/parleyhq/parley/internal/transcript"
)

// SQLiteStore is a SQLite-backed transcript store. Message parts are
// stored as JSON alongside the plain content; tool invocation outcomes
// are additionally mirrored into a queryable tool_calls table.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite-backed store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		parts_json TEXT,
		created_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, seq);

	-- Tool invocations mirrored for auditing and outcome correlation.
	CREATE TABLE IF NOT EXISTS tool_calls (
		invocation_id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		state TEXT NOT NULL,
		result TEXT,
		recorded_at TIMESTAMP NOT NULL,
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, recorded_at);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_tool ON tool_calls(tool_name);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Append(conversationID string, msgs ...transcript.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conversationID, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}

	var seq int
	if err := tx.QueryRow(`
		SELECT COALESCE(MAX(seq), -1) + 1 FROM messages WHERE conversation_id = ?
	`, conversationID).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}

	for i, m := range msgs {
		if err := insertMessage(tx, conversationID, seq+i, m); err != nil {
			return err
		}
		if err := mirrorToolCalls(tx, conversationID, m); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Replace(conversationID string, msgs []transcript.Message) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	if _, err := tx.Exec(`
		INSERT INTO conversations (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, conversationID, now, now); err != nil {
		return fmt.Errorf("upsert conversation: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM messages WHERE conversation_id = ?`, conversationID); err != nil {
		return fmt.Errorf("clear messages: %w", err)
	}

	for i, m := range msgs {
		if err := insertMessage(tx, conversationID, i, m); err != nil {
			return err
		}
		if err := mirrorToolCalls(tx, conversationID, m); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) Messages(conversationID string) ([]transcript.Message, error) {
	rows, err := s.db.Query(`
		SELECT id, role, content, parts_json, created_at
		FROM messages WHERE conversation_id = ? ORDER BY seq
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	msgs := []transcript.Message{}
	for rows.Next() {
		var m transcript.Message
		var partsJSON sql.NullString
		if err := rows.Scan(&m.ID, &m.Role, &m.Content, &partsJSON, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if partsJSON.Valid && partsJSON.String != "" {
			if err := json.Unmarshal([]byte(partsJSON.String), &m.Parts); err != nil {
				return nil, fmt.Errorf("decode parts for message %s: %w", m.ID, err)
			}
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *SQLiteStore) Conversations() ([]ConversationInfo, error) {
	rows, err := s.db.Query(`
		SELECT c.id, c.created_at, c.updated_at, COUNT(m.id)
		FROM conversations c
		LEFT JOIN messages m ON m.conversation_id = c.id
		GROUP BY c.id
		ORDER BY c.updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	infos := []ConversationInfo{}
	for rows.Next() {
		var info ConversationInfo
		if err := rows.Scan(&info.ID, &info.CreatedAt, &info.UpdatedAt, &info.Messages); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		infos = append(infos, info)
	}
	return infos, rows.Err()
}

func (s *SQLiteStore) Clear(conversationID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM tool_calls WHERE conversation_id = ?`,
		`DELETE FROM messages WHERE conversation_id = ?`,
		`DELETE FROM conversations WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, conversationID); err != nil {
			return fmt.Errorf("clear conversation: %w", err)
		}
	}
	return tx.Commit()
}

// ToolCallRecord is one audited tool invocation.
type ToolCallRecord struct {
	InvocationID   string    `json:"invocation_id"`
	ConversationID string    `json:"conversation_id"`
	ToolName       string    `json:"tool_name"`
	Arguments      string    `json:"arguments"`
	State          string    `json:"state"`
	Result         string    `json:"result,omitempty"`
	RecordedAt     time.Time `json:"recorded_at"`
}

// ToolCalls returns the audited invocations for a conversation, oldest
// first.
func (s *SQLiteStore) ToolCalls(conversationID string) ([]ToolCallRecord, error) {
	rows, err := s.db.Query(`
		SELECT invocation_id, conversation_id, tool_name, arguments, state, COALESCE(result, ''), recorded_at
		FROM tool_calls WHERE conversation_id = ? ORDER BY recorded_at
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query tool calls: %w", err)
	}
	defer rows.Close()

	var records []ToolCallRecord
	for rows.Next() {
		var r ToolCallRecord
		if err := rows.Scan(&r.InvocationID, &r.ConversationID, &r.ToolName, &r.Arguments, &r.State, &r.Result, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan tool call: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

func insertMessage(tx *sql.Tx, conversationID string, seq int, m transcript.Message) error {
	id := m.ID
	if id == "" {
		id = transcript.NewID()
	}
	createdAt := m.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	var partsJSON any
	if len(m.Parts) > 0 {
		b, err := json.Marshal(m.Parts)
		if err != nil {
			return fmt.Errorf("encode parts: %w", err)
		}
		partsJSON = string(b)
	}

	if _, err := tx.Exec(`
		INSERT INTO messages (id, conversation_id, seq, role, content, parts_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, id, conversationID, seq, string(m.Role), m.Content, partsJSON, createdAt); err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func mirrorToolCalls(tx *sql.Tx, conversationID string, m transcript.Message) error {
	for _, p := range m.Parts {
		if !p.IsToolInvocation() {
			continue
		}
		inv := p.ToolInvocation
		args := "{}"
		if inv.Args != nil {
			b, err := json.Marshal(inv.Args)
			if err != nil {
				return fmt.Errorf("encode arguments: %w", err)
			}
			args = string(b)
		}
		if _, err := tx.Exec(`
			INSERT INTO tool_calls (invocation_id, conversation_id, tool_name, arguments, state, result, recorded_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(invocation_id) DO UPDATE SET state = excluded.state, result = excluded.result
		`, inv.ID, conversationID, inv.ToolName, args, string(inv.State), inv.Result, time.Now()); err != nil {
			return fmt.Errorf("mirror tool call: %w", err)
		}
	}
	return nil
}
