package capability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Invocation statuses. Transitions are monotonic: running then
// complete, never back.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
)

// Invocation is a record of one capability execution, weakly linked to
// an assistant turn via the correlation id.
type Invocation struct {
	ID            string
	CorrelationID string
	Capability    string
	Status        string
	Input         map[string]any
	Output        string
	Duration      time.Duration
	StartedAt     time.Time
	CompletedAt   *time.Time
}

// InvocationStore persists capability invocations in SQLite.
type InvocationStore struct {
	db *sql.DB
}

// NewInvocationStore opens the store and runs migrations.
func NewInvocationStore(db *sql.DB) (*InvocationStore, error) {
	s := &InvocationStore{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate invocations: %w", err)
	}
	return s, nil
}

func (s *InvocationStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS capability_invocations (
			id             TEXT PRIMARY KEY,
			correlation_id TEXT NOT NULL,
			capability     TEXT NOT NULL,
			status         TEXT NOT NULL,
			input          TEXT NOT NULL DEFAULT '{}',
			output         TEXT NOT NULL DEFAULT '',
			duration_ms    INTEGER NOT NULL DEFAULT 0,
			started_at     TEXT NOT NULL,
			completed_at   TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_invocations_correlation
			ON capability_invocations(correlation_id);
	`)
	return err
}

// Start writes the running record. It must be durably written before
// the capability executes so completion is never observed first.
func (s *InvocationStore) Start(ctx context.Context, correlationID, capability string, input map[string]any) (*Invocation, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode input: %w", err)
	}

	inv := &Invocation{
		ID:            id.String(),
		CorrelationID: correlationID,
		Capability:    capability,
		Status:        StatusRunning,
		Input:         input,
		StartedAt:     time.Now().UTC(),
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO capability_invocations (id, correlation_id, capability, status, input, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, inv.ID, inv.CorrelationID, inv.Capability, inv.Status, string(inputJSON),
		inv.StartedAt.Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("insert invocation: %w", err)
	}
	return inv, nil
}

// Complete records the output and elapsed duration.
func (s *InvocationStore) Complete(ctx context.Context, id, output string, elapsed time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE capability_invocations
		SET status = ?, output = ?, duration_ms = ?, completed_at = ?
		WHERE id = ?
	`, StatusComplete, output, elapsed.Milliseconds(), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("complete invocation: %w", err)
	}
	return nil
}

// ByCorrelation returns all invocations for a turn correlation id in
// start order.
func (s *InvocationStore) ByCorrelation(ctx context.Context, correlationID string) ([]*Invocation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, correlation_id, capability, status, input, output, duration_ms, started_at, completed_at
		FROM capability_invocations
		WHERE correlation_id = ?
		ORDER BY started_at, id
	`, correlationID)
	if err != nil {
		return nil, fmt.Errorf("query invocations: %w", err)
	}
	defer rows.Close()

	var out []*Invocation
	for rows.Next() {
		var (
			inv         Invocation
			inputJSON   string
			durationMS  int64
			startedAt   string
			completedAt sql.NullString
		)
		if err := rows.Scan(&inv.ID, &inv.CorrelationID, &inv.Capability, &inv.Status,
			&inputJSON, &inv.Output, &durationMS, &startedAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scan invocation: %w", err)
		}
		if err := json.Unmarshal([]byte(inputJSON), &inv.Input); err != nil {
			inv.Input = map[string]any{}
		}
		inv.Duration = time.Duration(durationMS) * time.Millisecond
		inv.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		if completedAt.Valid {
			t, err := time.Parse(time.RFC3339Nano, completedAt.String)
			if err == nil {
				inv.CompletedAt = &t
			}
		}
		out = append(out, &inv)
	}
	return out, rows.Err()
}

// CompletedByCorrelation filters ByCorrelation down to finished
// invocations, the set the lifecycle worker splices into turn text.
func (s *InvocationStore) CompletedByCorrelation(ctx context.Context, correlationID string) ([]*Invocation, error) {
	all, err := s.ByCorrelation(ctx, correlationID)
	if err != nil {
		return nil, err
	}
	done := all[:0]
	for _, inv := range all {
		if inv.Status == StatusComplete {
			done = append(done, inv)
		}
	}
	return done, nil
}
