// Package planner is the built-in capability provider: a lesson-plan
// store exposed to the model as invocable functions. The agent core
// treats it as opaque; it exists so the assistant has something real
// to do and so memories have a plan id to associate with.
package planner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a plan id does not exist.
var ErrNotFound = errors.New("planner: plan not found")

// Plan is one lesson plan owned by a user.
type Plan struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Title      string    `json:"title"`
	Subject    string    `json:"subject,omitempty"`
	GradeLevel int       `json:"grade_level,omitempty"`
	Body       string    `json:"body,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Store persists lesson plans in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore opens the store and runs migrations.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate plans: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS lesson_plans (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			title       TEXT NOT NULL,
			subject     TEXT NOT NULL DEFAULT '',
			grade_level INTEGER NOT NULL DEFAULT 0,
			body        TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL,
			updated_at  TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_plans_user ON lesson_plans(user_id);
	`)
	return err
}

// Create inserts a new plan.
func (s *Store) Create(ctx context.Context, p *Plan) (*Plan, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	stored := *p
	stored.ID = id.String()
	stored.CreatedAt = now
	stored.UpdatedAt = now

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lesson_plans (id, user_id, title, subject, grade_level, body, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, stored.ID, stored.UserID, stored.Title, stored.Subject, stored.GradeLevel, stored.Body,
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert plan: %w", err)
	}
	return &stored, nil
}

// Get returns one plan by id.
func (s *Store) Get(ctx context.Context, id string) (*Plan, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, subject, grade_level, body, created_at, updated_at
		FROM lesson_plans WHERE id = ?
	`, id)
	p, err := scanPlan(row.Scan)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	return p, nil
}

// List returns all of a user's plans, newest first.
func (s *Store) List(ctx context.Context, userID string) ([]*Plan, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, subject, grade_level, body, created_at, updated_at
		FROM lesson_plans WHERE user_id = ?
		ORDER BY updated_at DESC, id
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	defer rows.Close()

	var out []*Plan
	for rows.Next() {
		p, err := scanPlan(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan plan: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Update rewrites a plan's mutable fields.
func (s *Store) Update(ctx context.Context, id, title, subject string, gradeLevel int, body string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE lesson_plans
		SET title = ?, subject = ?, grade_level = ?, body = ?, updated_at = ?
		WHERE id = ?
	`, title, subject, gradeLevel, body, time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("update plan: %w", err)
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return ErrNotFound
	}
	return err
}

// ActivePlanIDs satisfies the lifecycle worker's PlanSource interface.
func (s *Store) ActivePlanIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM lesson_plans WHERE user_id = ?`, userID)
	if err != nil {
		return nil, fmt.Errorf("list plan ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanPlan(scan func(...any) error) (*Plan, error) {
	var (
		p                    Plan
		createdAt, updatedAt string
	)
	if err := scan(&p.ID, &p.UserID, &p.Title, &p.Subject, &p.GradeLevel, &p.Body,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	p.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return &p, nil
}
