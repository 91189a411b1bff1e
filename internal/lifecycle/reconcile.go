package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/plannerly/engram/internal/memory"
)

// reconcileResult counts what one replacement list did to the store.
type reconcileResult struct {
	Created      int
	Updated      int
	Consolidated int
	Removed      int
}

// reconcile applies the model's replacement list against the active
// set. Zero sourceIds creates, one updates, several consolidate; any
// active memory no output item referenced is soft-deleted — the
// model's silence is the removal instruction.
func (w *Worker) reconcile(ctx context.Context, job Job, actives []*memory.Memory, extracted []extractedMemory) (*reconcileResult, error) {
	activeByID := make(map[string]*memory.Memory, len(actives))
	for _, m := range actives {
		activeByID[m.ID] = m
	}

	result := &reconcileResult{}
	referenced := make(map[string]bool)

	for _, item := range extracted {
		// Ids the model invented or that already fell out of the
		// active set cannot anchor an update.
		sources := make([]*memory.Memory, 0, len(item.SourceIDs))
		for _, id := range item.SourceIDs {
			if m, ok := activeByID[id]; ok {
				sources = append(sources, m)
				referenced[id] = true
			} else {
				w.logger.Warn("extraction referenced unknown memory id, ignoring",
					"memory_id", id, "user_id", job.UserID)
			}
		}

		switch len(sources) {
		case 0:
			_, err := w.memories.Create(ctx, &memory.Memory{
				UserID:         job.UserID,
				ConversationID: job.ConversationID,
				Content:        item.Content,
				PlanID:         item.PlanID,
			})
			if err != nil {
				return nil, fmt.Errorf("create memory: %w", err)
			}
			result.Created++

		case 1:
			src := sources[0]
			if src.Content == item.Content && src.PlanID == item.PlanID {
				continue // unchanged, avoid the no-op write
			}
			if err := w.memories.UpdateContent(ctx, src.ID, item.Content, item.PlanID); err != nil {
				return nil, fmt.Errorf("update memory %s: %w", src.ID, err)
			}
			result.Updated++

		default:
			if err := w.consolidate(ctx, sources, item); err != nil {
				return nil, err
			}
			result.Consolidated++
		}
	}

	var implicit []string
	for _, m := range actives {
		if !referenced[m.ID] {
			implicit = append(implicit, m.ID)
		}
	}
	if err := w.memories.SoftDelete(ctx, implicit); err != nil {
		return nil, fmt.Errorf("implicit removal: %w", err)
	}
	result.Removed = len(implicit)

	return result, nil
}

// consolidate merges several memories into the oldest one: access
// counts sum, the newest last-accessed time wins, and the survivor's
// source list is the flattened union of everyone's history with the
// survivor's own id excluded.
func (w *Worker) consolidate(ctx context.Context, sources []*memory.Memory, item extractedMemory) error {
	sort.SliceStable(sources, func(i, j int) bool {
		if !sources[i].CreatedAt.Equal(sources[j].CreatedAt) {
			return sources[i].CreatedAt.Before(sources[j].CreatedAt)
		}
		return sources[i].ID < sources[j].ID
	})
	survivor := sources[0]

	accessSum := 0
	var lastAccessed *time.Time
	union := make(map[string]bool)
	var victims []string

	for _, src := range sources {
		accessSum += src.AccessCount
		if src.LastAccessedAt != nil && (lastAccessed == nil || src.LastAccessedAt.After(*lastAccessed)) {
			t := *src.LastAccessedAt
			lastAccessed = &t
		}
		for _, id := range src.ConsolidatedFrom {
			union[id] = true
		}
		union[src.ID] = true
		if src.ID != survivor.ID {
			victims = append(victims, src.ID)
		}
	}
	delete(union, survivor.ID)

	flattened := make([]string, 0, len(union))
	for id := range union {
		flattened = append(flattened, id)
	}
	sort.Strings(flattened)

	if err := w.memories.ApplyConsolidation(ctx, survivor.ID, item.Content, item.PlanID,
		accessSum, lastAccessed, flattened); err != nil {
		return fmt.Errorf("consolidate into %s: %w", survivor.ID, err)
	}
	if err := w.memories.SoftDelete(ctx, victims); err != nil {
		return fmt.Errorf("soft-delete consolidated sources: %w", err)
	}
	return nil
}
