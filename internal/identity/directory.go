package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no directory entry exists for a user id.
var ErrNotFound = errors.New("identity: user not found")

// Directory is a SQLite-backed identity provider.
type Directory struct {
	db *sql.DB
}

// NewDirectory creates a directory using an existing database connection.
func NewDirectory(db *sql.DB) (*Directory, error) {
	d := &Directory{db: db}
	if err := d.migrate(); err != nil {
		return nil, fmt.Errorf("identity migration: %w", err)
	}
	return d, nil
}

func (d *Directory) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS users (
			id           TEXT PRIMARY KEY,
			display_name TEXT NOT NULL,
			email        TEXT,
			created_at   TEXT NOT NULL
		)
	`)
	return err
}

// Lookup implements Provider.
func (d *Directory) Lookup(ctx context.Context, userID string) (*Identity, error) {
	var ident Identity
	var email sql.NullString

	err := d.db.QueryRowContext(ctx, `
		SELECT id, display_name, email FROM users WHERE id = ?
	`, userID).Scan(&ident.UserID, &ident.DisplayName, &email)

	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	if email.Valid {
		ident.Email = email.String
	}
	return &ident, nil
}

// Upsert creates or updates a directory entry.
func (d *Directory) Upsert(ctx context.Context, ident *Identity) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, email = excluded.email
	`, ident.UserID, ident.DisplayName, ident.Email, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

// Static is an in-memory provider for tests and single-user deployments.
type Static map[string]Identity

// Lookup implements Provider.
func (s Static) Lookup(_ context.Context, userID string) (*Identity, error) {
	ident, ok := s[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &ident, nil
}
