package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned for lookups of unknown memory ids.
var ErrNotFound = errors.New("memory: not found")

// Store persists memories in SQLite.
type Store struct {
	db *sql.DB

	// now is injectable for deterministic expiration tests.
	now func() time.Time
}

// NewStore creates a memory store using an existing database connection
// and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("memory migration: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS memories (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			conversation_id   TEXT,
			content           TEXT NOT NULL,
			access_count      INTEGER NOT NULL DEFAULT 0,
			last_accessed_at  TEXT,
			consolidated_from TEXT,
			plan_id           TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			deleted_at        TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_memories_user_active ON memories(user_id, deleted_at);
		CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(user_id, created_at);
	`)
	return err
}

// Create inserts a new memory. A zero CreatedAt is stamped with the
// current time; callers that replay history (or tests) may supply one.
func (s *Store) Create(ctx context.Context, m *Memory) (*Memory, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := s.now().UTC()

	stored := *m
	stored.ID = id.String()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (id, user_id, conversation_id, content, access_count,
			last_accessed_at, consolidated_from, plan_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.UserID, nullable(stored.ConversationID), stored.Content,
		stored.AccessCount, nullableTime(stored.LastAccessedAt),
		encodeIDs(stored.ConsolidatedFrom), nullable(stored.PlanID),
		fmtTime(stored.CreatedAt), fmtTime(stored.UpdatedAt))
	if err != nil {
		return nil, fmt.Errorf("insert memory: %w", err)
	}
	return &stored, nil
}

// Get returns a memory by id, deleted or not.
func (s *Store) Get(ctx context.Context, id string) (*Memory, error) {
	row := s.db.QueryRowContext(ctx, selectCols+` FROM memories WHERE id = ?`, id)
	m, err := scanMemory(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get memory: %w", err)
	}
	return m, nil
}

// FindActive returns all non-deleted memories for a user, oldest first.
// No implicit limit: the completion loop and the lifecycle worker both
// need the complete active set.
func (s *Store) FindActive(ctx context.Context, userID string) ([]*Memory, error) {
	return s.query(ctx, `
		`+selectCols+` FROM memories
		WHERE user_id = ? AND deleted_at IS NULL
		ORDER BY created_at, id
	`, userID)
}

// All returns every memory for a user including soft-deleted rows,
// oldest first. Used by inspection endpoints.
func (s *Store) All(ctx context.Context, userID string) ([]*Memory, error) {
	return s.query(ctx, `
		`+selectCols+` FROM memories
		WHERE user_id = ?
		ORDER BY created_at, id
	`, userID)
}

// CountActive returns the number of non-deleted memories for a user.
func (s *Store) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM memories WHERE user_id = ? AND deleted_at IS NULL
	`, userID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return n, nil
}

// UpdateContent rewrites a memory's content and plan association.
// No-op when nothing changed.
func (s *Store) UpdateContent(ctx context.Context, id, content, planID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE memories SET content = ?, plan_id = ?, updated_at = ?
		WHERE id = ? AND (content != ? OR IFNULL(plan_id, '') != ?)
	`, content, nullable(planID), fmtTime(s.now().UTC()), id, content, planID)
	if err != nil {
		return fmt.Errorf("update memory: %w", err)
	}
	return nil
}

// ApplyConsolidation rewrites the surviving record of a merge in one
// statement: summed access count, most recent citation time, flattened
// source union, and the merged content/association.
func (s *Store) ApplyConsolidation(ctx context.Context, id string, content, planID string,
	accessCount int, lastAccessed *time.Time, consolidatedFrom []string) error {

	_, err := s.db.ExecContext(ctx, `
		UPDATE memories
		SET content = ?, plan_id = ?, access_count = ?, last_accessed_at = ?,
			consolidated_from = ?, updated_at = ?
		WHERE id = ?
	`, content, nullable(planID), accessCount, nullableTime(lastAccessed),
		encodeIDs(consolidatedFrom), fmtTime(s.now().UTC()), id)
	if err != nil {
		return fmt.Errorf("apply consolidation: %w", err)
	}
	return nil
}

// SoftDelete stamps a deletion time on the given ids. Empty input and
// already-deleted ids are no-ops; the call never fails for either.
func (s *Store) SoftDelete(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE memories SET deleted_at = ?
		WHERE id IN (%s) AND deleted_at IS NULL
	`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+1)
	args = append(args, fmtTime(s.now().UTC()))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("soft delete memories: %w", err)
	}
	return nil
}

// RecordCitation bumps the access count and citation time on exactly
// the supplied active ids. Ids referring to deleted memories are
// silently ignored — a citation cannot resurrect a memory. The update
// is a single atomic statement so concurrent readers never observe a
// half-bumped row.
func (s *Store) RecordCitation(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	query := fmt.Sprintf(`
		UPDATE memories
		SET access_count = access_count + 1, last_accessed_at = ?
		WHERE id IN (%s) AND deleted_at IS NULL
	`, placeholders(len(ids)))

	args := make([]any, 0, len(ids)+1)
	args = append(args, fmtTime(s.now().UTC()))
	for _, id := range ids {
		args = append(args, id)
	}

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("record citation: %w", err)
	}
	return nil
}

// Stats returns memory counts for diagnostics.
func (s *Store) Stats(ctx context.Context) map[string]any {
	var total, active int
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&total)
	_ = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories WHERE deleted_at IS NULL`).Scan(&active)
	return map[string]any{
		"total":  total,
		"active": active,
	}
}

const selectCols = `SELECT id, user_id, conversation_id, content, access_count,
	last_accessed_at, consolidated_from, plan_id, created_at, updated_at, deleted_at`

func (s *Store) query(ctx context.Context, query string, args ...any) ([]*Memory, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var memories []*Memory
	for rows.Next() {
		m, err := scanMemory(rows.Scan)
		if err != nil {
			return nil, err
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func scanMemory(scan func(...any) error) (*Memory, error) {
	var m Memory
	var conversationID, lastAccessed, consolidated, planID, deleted sql.NullString
	var createdStr, updatedStr string

	err := scan(&m.ID, &m.UserID, &conversationID, &m.Content, &m.AccessCount,
		&lastAccessed, &consolidated, &planID, &createdStr, &updatedStr, &deleted)
	if err != nil {
		return nil, err
	}

	if conversationID.Valid {
		m.ConversationID = conversationID.String
	}
	if planID.Valid {
		m.PlanID = planID.String
	}
	if lastAccessed.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastAccessed.String); err == nil {
			m.LastAccessedAt = &t
		}
	}
	if deleted.Valid {
		if t, err := time.Parse(time.RFC3339Nano, deleted.String); err == nil {
			m.DeletedAt = &t
		}
	}
	if consolidated.Valid && consolidated.String != "" {
		if err := json.Unmarshal([]byte(consolidated.String), &m.ConsolidatedFrom); err != nil {
			return nil, fmt.Errorf("decode consolidation sources for %s: %w", m.ID, err)
		}
	}
	m.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
	m.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &m, nil
}

func encodeIDs(ids []string) any {
	if len(ids) == 0 {
		return nil
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
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

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return fmtTime(t.UTC())
}
