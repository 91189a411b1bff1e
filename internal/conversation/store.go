// Package conversation provides ordered storage for conversations and
// their turns. Turns are immutable once written, except for the cited
// memory back-reference on assistant turns.
package conversation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultTitle is assigned to new conversations until the user renames them.
const DefaultTitle = "New chat"

// Turn roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// ErrNotFound is returned for lookups of missing or soft-deleted conversations.
var ErrNotFound = errors.New("conversation: not found")

// Conversation is a bounded exchange owned by one user.
type Conversation struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Turn is one authored utterance within a conversation.
type Turn struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	AuthorID       string    `json:"author_id"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	CorrelationID  string    `json:"correlation_id,omitempty"`
	CitedMemoryIDs []string  `json:"cited_memory_ids,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// Store persists conversations and turns.
type Store struct {
	db *sql.DB
}

// NewStore creates a conversation store using an existing database
// connection and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("conversation migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS conversations (
			id         TEXT PRIMARY KEY,
			user_id    TEXT NOT NULL,
			title      TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			deleted_at TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_conversations_user ON conversations(user_id, updated_at DESC);

		CREATE TABLE IF NOT EXISTS turns (
			id               TEXT PRIMARY KEY,
			conversation_id  TEXT NOT NULL,
			author_id        TEXT NOT NULL,
			role             TEXT NOT NULL,
			content          TEXT NOT NULL,
			correlation_id   TEXT,
			cited_memory_ids TEXT,
			created_at       TEXT NOT NULL,
			FOREIGN KEY (conversation_id) REFERENCES conversations(id)
		);
		CREATE INDEX IF NOT EXISTS idx_turns_conversation ON turns(conversation_id, created_at);
		CREATE INDEX IF NOT EXISTS idx_turns_correlation ON turns(correlation_id);
	`)
	return err
}

// Create starts a new conversation for a user with the default title.
func (s *Store) Create(ctx context.Context, userID string) (*Conversation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	conv := &Conversation{
		ID:        id.String(),
		UserID:    userID,
		Title:     DefaultTitle,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`, conv.ID, conv.UserID, conv.Title, fmtTime(now), fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}
	return conv, nil
}

// Get returns an active conversation by id. Soft-deleted conversations
// are reported as ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (*Conversation, error) {
	var conv Conversation
	var createdStr, updatedStr string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations WHERE id = ? AND deleted_at IS NULL
	`, id).Scan(&conv.ID, &conv.UserID, &conv.Title, &createdStr, &updatedStr)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &conv, nil
}

// ListActive returns a user's non-deleted conversations, most recently
// updated first.
func (s *Store) ListActive(ctx context.Context, userID string) ([]*Conversation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, created_at, updated_at
		FROM conversations
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY updated_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var convs []*Conversation
	for rows.Next() {
		var conv Conversation
		var createdStr, updatedStr string
		if err := rows.Scan(&conv.ID, &conv.UserID, &conv.Title, &createdStr, &updatedStr); err != nil {
			return nil, err
		}
		conv.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		conv.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
		convs = append(convs, &conv)
	}
	return convs, rows.Err()
}

// Rename sets a conversation's display title.
func (s *Store) Rename(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, title, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDelete marks a conversation deleted, excluding it from active
// queries. Idempotent.
func (s *Store) SoftDelete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET deleted_at = ?
		WHERE id = ? AND deleted_at IS NULL
	`, fmtTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// AppendTurn persists one turn. The caller supplies role, author, and
// optionally a correlation id and cited memory ids (assistant turns).
func (s *Store) AppendTurn(ctx context.Context, turn *Turn) (*Turn, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	stored := *turn
	stored.ID = id.String()
	stored.CreatedAt = now

	var citedJSON any
	if len(stored.CitedMemoryIDs) > 0 {
		data, err := json.Marshal(stored.CitedMemoryIDs)
		if err != nil {
			return nil, fmt.Errorf("marshal citations: %w", err)
		}
		citedJSON = string(data)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO turns (id, conversation_id, author_id, role, content, correlation_id, cited_memory_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.ConversationID, stored.AuthorID, stored.Role, stored.Content,
		nullable(stored.CorrelationID), citedJSON, fmtTime(now))
	if err != nil {
		return nil, fmt.Errorf("insert turn: %w", err)
	}

	// Bump the conversation's activity timestamp so listings sort by
	// latest exchange.
	_, _ = s.db.ExecContext(ctx, `
		UPDATE conversations SET updated_at = ? WHERE id = ?
	`, fmtTime(now), stored.ConversationID)

	return &stored, nil
}

// Turns returns all turns of a conversation in creation order.
func (s *Store) Turns(ctx context.Context, conversationID string) ([]*Turn, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, author_id, role, content, correlation_id, cited_memory_ids, created_at
		FROM turns
		WHERE conversation_id = ?
		ORDER BY created_at, id
	`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list turns: %w", err)
	}
	defer rows.Close()

	var turns []*Turn
	for rows.Next() {
		turn, err := scanTurn(rows)
		if err != nil {
			return nil, err
		}
		turns = append(turns, turn)
	}
	return turns, rows.Err()
}

// LastTurns returns up to n of the most recent turns, oldest first.
func (s *Store) LastTurns(ctx context.Context, conversationID string, n int) ([]*Turn, error) {
	turns, err := s.Turns(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if len(turns) > n {
		turns = turns[len(turns)-n:]
	}
	return turns, nil
}

func scanTurn(rows *sql.Rows) (*Turn, error) {
	var turn Turn
	var correlation, cited sql.NullString
	var createdStr string

	err := rows.Scan(&turn.ID, &turn.ConversationID, &turn.AuthorID, &turn.Role,
		&turn.Content, &correlation, &cited, &createdStr)
	if err != nil {
		return nil, err
	}

	if correlation.Valid {
		turn.CorrelationID = correlation.String
	}
	if cited.Valid && cited.String != "" {
		if err := json.Unmarshal([]byte(cited.String), &turn.CitedMemoryIDs); err != nil {
			return nil, fmt.Errorf("decode citations for turn %s: %w", turn.ID, err)
		}
	}
	turn.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	return &turn, nil
}

func fmtTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
