// Package memory provides the durable user-fact store and its
// deterministic lifecycle operations. A memory is a fact about a user
// distilled from conversation, independent of the conversation that
// produced it. Memories are never hard-deleted: removal, consolidation,
// and expiration all set a deletion timestamp.
package memory

import "time"

// Memory is one durable fact about a user.
type Memory struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	ConversationID string     `json:"conversation_id,omitempty"`
	Content        string     `json:"content"`
	// AccessCount is the number of times the completion loop has cited
	// this memory. It feeds the expiration score.
	AccessCount    int        `json:"access_count"`
	LastAccessedAt *time.Time `json:"last_accessed_at,omitempty"`
	// ConsolidatedFrom lists the original memory ids this record has
	// absorbed, transitively flattened. It only ever grows.
	ConsolidatedFrom []string   `json:"consolidated_from,omitempty"`
	// PlanID optionally associates the memory with a lesson plan.
	PlanID    string     `json:"plan_id,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// Active reports whether the memory has not been soft-deleted.
func (m *Memory) Active() bool {
	return m.DeletedAt == nil
}

// AgeDays returns the memory's age in fractional days at the given time.
func (m *Memory) AgeDays(now time.Time) float64 {
	return now.Sub(m.CreatedAt).Hours() / 24
}

// Score is the expiration value of a memory: citations minus an age
// penalty of 0.1 per day. Lower scores expire first.
func (m *Memory) Score(now time.Time) float64 {
	return float64(m.AccessCount) - m.AgeDays(now)*0.1
}

// ExpireConfig holds the deterministic pruning thresholds.
type ExpireConfig struct {
	// MaxMemories is the per-user active ceiling; expiration is a no-op
	// at or below it.
	MaxMemories int
	// MinAgeDays is the minimum age for stale candidacy.
	MinAgeDays int
	// MinAccessCount: memories cited at least this often are never
	// stale candidates.
	MinAccessCount int
	// StaleAfterDays: memories cited within this window are never stale
	// candidates.
	StaleAfterDays int
}

// ExpireResult reports what an expiration pass removed.
type ExpireResult struct {
	Count int      `json:"count"`
	IDs   []string `json:"ids"`
}
