package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("not found")

// Schema is applied idempotently at startup and reused by package tests.
const Schema = `
CREATE TABLE IF NOT EXISTS conversations (
  conversation_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT 'New Chat',
  model TEXT NOT NULL DEFAULT 'gpt-4',
  temperature REAL NOT NULL DEFAULT 0.7,
  is_side_thread INTEGER NOT NULL DEFAULT 0,
  parent_conversation_id TEXT,
  parent_message_id TEXT,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS messages (
  message_id TEXT PRIMARY KEY,
  conversation_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  role TEXT NOT NULL CHECK (role IN ('system', 'user', 'assistant')),
  content TEXT NOT NULL,
  indices_for_button TEXT,
  created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
  FOREIGN KEY (conversation_id) REFERENCES conversations(conversation_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_conversations_user_updated
  ON conversations(user_id, is_side_thread, updated_at DESC);

CREATE INDEX IF NOT EXISTS idx_messages_conversation_created
  ON messages(conversation_id, user_id, created_at);
`

type Conversation struct {
	ID                   string  `json:"conversation_id"`
	UserID               string  `json:"user_id"`
	Title                string  `json:"title"`
	Model                string  `json:"model"`
	Temperature          float64 `json:"temperature"`
	IsSideThread         bool    `json:"is_side_thread"`
	ParentConversationID string  `json:"parent_conversation_id,omitempty"`
	ParentMessageID      string  `json:"parent_message_id,omitempty"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

// ButtonSpan marks a character range of a message that has a side thread
// attached. Spans are stored as a JSON array in messages.indices_for_button.
type ButtonSpan struct {
	Start          int    `json:"start"`
	End            int    `json:"end"`
	ConversationID string `json:"conversation_id"`
}

type Message struct {
	ID               string       `json:"message_id"`
	ConversationID   string       `json:"conversation_id"`
	UserID           string       `json:"user_id"`
	Role             string       `json:"role"`
	Content          string       `json:"content"`
	IndicesForButton []ButtonSpan `json:"indices_for_button,omitempty"`
	CreatedAt        string       `json:"created_at"`
}

type ConversationUpdate struct {
	Title       *string
	Model       *string
	Temperature *float64
}

func (u ConversationUpdate) Empty() bool {
	return u.Title == nil && u.Model == nil && u.Temperature == nil
}

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) Store {
	return Store{db: db}
}

func (s Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const conversationColumns = `
  conversation_id,
  user_id,
  title,
  model,
  temperature,
  is_side_thread,
  COALESCE(parent_conversation_id, ''),
  COALESCE(parent_message_id, ''),
  created_at,
  updated_at`

func (s Store) CreateConversation(ctx context.Context, c Conversation) (Conversation, error) {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	query := `
INSERT INTO conversations (conversation_id, user_id, title, model, temperature, is_side_thread, parent_conversation_id, parent_message_id)
VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''))
RETURNING` + conversationColumns + `;`

	row := s.db.QueryRowContext(ctx, query,
		c.ID,
		c.UserID,
		c.Title,
		c.Model,
		c.Temperature,
		c.IsSideThread,
		c.ParentConversationID,
		c.ParentMessageID,
	)

	out, err := scanConversation(row)
	if err != nil {
		return Conversation{}, fmt.Errorf("insert conversation: %w", err)
	}
	return out, nil
}

func (s Store) GetConversation(ctx context.Context, userID, conversationID string) (Conversation, error) {
	query := `
SELECT` + conversationColumns + `
FROM conversations
WHERE conversation_id = ? AND user_id = ?
LIMIT 1;`

	out, err := scanConversation(s.db.QueryRowContext(ctx, query, conversationID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("get conversation: %w", err)
	}
	return out, nil
}

// ListConversations returns a page of the user's top-level conversations,
// most recently updated first, plus the total count. Side threads are
// excluded from the listing.
func (s Store) ListConversations(ctx context.Context, userID string, page, pageSize int) ([]Conversation, int, error) {
	offset := (page - 1) * pageSize

	query := `
SELECT` + conversationColumns + `
FROM conversations
WHERE user_id = ? AND is_side_thread = 0
ORDER BY updated_at DESC, rowid DESC
LIMIT ? OFFSET ?;`

	rows, err := s.db.QueryContext(ctx, query, userID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	conversations := make([]Conversation, 0, pageSize)
	for rows.Next() {
		c, err := scanConversation(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("list conversations: %w", err)
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM conversations WHERE user_id = ? AND is_side_thread = 0;`
	if err := s.db.QueryRowContext(ctx, countQuery, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count conversations: %w", err)
	}

	return conversations, total, nil
}

func (s Store) UpdateConversation(ctx context.Context, userID, conversationID string, update ConversationUpdate) (Conversation, error) {
	assignments := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if update.Title != nil {
		assignments = append(assignments, "title = ?")
		args = append(args, *update.Title)
	}
	if update.Model != nil {
		assignments = append(assignments, "model = ?")
		args = append(args, *update.Model)
	}
	if update.Temperature != nil {
		assignments = append(assignments, "temperature = ?")
		args = append(args, *update.Temperature)
	}
	if len(assignments) == 0 {
		return Conversation{}, errors.New("no fields to update")
	}
	assignments = append(assignments, "updated_at = CURRENT_TIMESTAMP")

	query := `
UPDATE conversations
SET ` + strings.Join(assignments, ", ") + `
WHERE conversation_id = ? AND user_id = ?
RETURNING` + conversationColumns + `;`
	args = append(args, conversationID, userID)

	out, err := scanConversation(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Conversation{}, ErrNotFound
	}
	if err != nil {
		return Conversation{}, fmt.Errorf("update conversation: %w", err)
	}
	return out, nil
}

func (s Store) TouchConversation(ctx context.Context, userID, conversationID string) error {
	result, err := s.db.ExecContext(ctx, `
UPDATE conversations
SET updated_at = CURRENT_TIMESTAMP
WHERE conversation_id = ? AND user_id = ?;
`, conversationID, userID)
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch conversation: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes the conversation and, via the foreign key
// cascade, all of its messages. Deleting an absent conversation is not an
// error.
func (s Store) DeleteConversation(ctx context.Context, userID, conversationID string) error {
	if _, err := s.db.ExecContext(ctx, `
DELETE FROM conversations
WHERE conversation_id = ? AND user_id = ?;
`, conversationID, userID); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

const messageColumns = `
  message_id,
  conversation_id,
  user_id,
  role,
  content,
  COALESCE(indices_for_button, ''),
  created_at`

func (s Store) InsertMessage(ctx context.Context, m Message) (Message, error) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	var indices any
	if len(m.IndicesForButton) > 0 {
		encoded, err := json.Marshal(m.IndicesForButton)
		if err != nil {
			return Message{}, fmt.Errorf("encode button spans: %w", err)
		}
		indices = string(encoded)
	}

	query := `
INSERT INTO messages (message_id, conversation_id, user_id, role, content, indices_for_button)
VALUES (?, ?, ?, ?, ?, ?)
RETURNING` + messageColumns + `;`

	row := s.db.QueryRowContext(ctx, query, m.ID, m.ConversationID, m.UserID, m.Role, m.Content, indices)
	out, err := scanMessage(row)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	return out, nil
}

func (s Store) GetMessage(ctx context.Context, userID, messageID string) (Message, error) {
	query := `
SELECT` + messageColumns + `
FROM messages
WHERE message_id = ? AND user_id = ?
LIMIT 1;`

	out, err := scanMessage(s.db.QueryRowContext(ctx, query, messageID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("get message: %w", err)
	}
	return out, nil
}

// ListAllMessages returns the complete message history of a conversation in
// prompt order: creation time ascending, insertion order breaking ties.
func (s Store) ListAllMessages(ctx context.Context, userID, conversationID string) ([]Message, error) {
	query := `
SELECT` + messageColumns + `
FROM messages
WHERE conversation_id = ? AND user_id = ?
ORDER BY created_at ASC, rowid ASC;`

	rows, err := s.db.QueryContext(ctx, query, conversationID, userID)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	return collectMessages(rows)
}

func (s Store) ListMessages(ctx context.Context, userID, conversationID string, page, pageSize int) ([]Message, int, error) {
	offset := (page - 1) * pageSize

	query := `
SELECT` + messageColumns + `
FROM messages
WHERE conversation_id = ? AND user_id = ?
ORDER BY created_at ASC, rowid ASC
LIMIT ? OFFSET ?;`

	rows, err := s.db.QueryContext(ctx, query, conversationID, userID, pageSize, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages, err := collectMessages(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM messages WHERE conversation_id = ? AND user_id = ?;`
	if err := s.db.QueryRowContext(ctx, countQuery, conversationID, userID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count messages: %w", err)
	}

	return messages, total, nil
}

// HasUserMessage reports whether a user-role message with exactly this
// content already exists in the conversation. This is the duplicate guard
// consulted before persisting a user turn.
func (s Store) HasUserMessage(ctx context.Context, userID, conversationID, content string) (bool, error) {
	query := `
SELECT message_id
FROM messages
WHERE conversation_id = ? AND user_id = ? AND role = 'user' AND content = ?
ORDER BY created_at DESC, rowid DESC
LIMIT 1;`

	var id string
	err := s.db.QueryRowContext(ctx, query, conversationID, userID, content).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check user message: %w", err)
	}
	return true, nil
}

func (s Store) UpdateMessageButtons(ctx context.Context, userID, messageID string, spans []ButtonSpan) (Message, error) {
	encoded, err := json.Marshal(spans)
	if err != nil {
		return Message{}, fmt.Errorf("encode button spans: %w", err)
	}

	query := `
UPDATE messages
SET indices_for_button = ?
WHERE message_id = ? AND user_id = ?
RETURNING` + messageColumns + `;`

	out, err := scanMessage(s.db.QueryRowContext(ctx, query, string(encoded), messageID, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	if err != nil {
		return Message{}, fmt.Errorf("update message buttons: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (Conversation, error) {
	var out Conversation
	if err := row.Scan(
		&out.ID,
		&out.UserID,
		&out.Title,
		&out.Model,
		&out.Temperature,
		&out.IsSideThread,
		&out.ParentConversationID,
		&out.ParentMessageID,
		&out.CreatedAt,
		&out.UpdatedAt,
	); err != nil {
		return Conversation{}, err
	}
	return out, nil
}

func scanMessage(row rowScanner) (Message, error) {
	var out Message
	var rawIndices string
	if err := row.Scan(
		&out.ID,
		&out.ConversationID,
		&out.UserID,
		&out.Role,
		&out.Content,
		&rawIndices,
		&out.CreatedAt,
	); err != nil {
		return Message{}, err
	}
	out.IndicesForButton = decodeButtonSpans(rawIndices)
	return out, nil
}

// decodeButtonSpans tolerates absent or malformed annotation JSON by
// treating it as an empty list.
func decodeButtonSpans(raw string) []ButtonSpan {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var spans []ButtonSpan
	if err := json.Unmarshal([]byte(raw), &spans); err != nil {
		return nil
	}
	return spans
}

func collectMessages(rows *sql.Rows) ([]Message, error) {
	messages := make([]Message, 0, 16)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}
