package memory

import (
	"context"
	"sort"
	"time"
)

// Expire prunes a user's active memory set down to cfg.MaxMemories
// using deterministic scoring — no model call involved.
//
// The pass runs in two phases. Phase one soft-deletes from the stale
// candidate set: memories that are simultaneously older than
// MinAgeDays, cited fewer than MinAccessCount times, and not cited
// within StaleAfterDays (or never cited), lowest score first. If the
// stale set cannot cover the excess, phase two continues through the
// remaining active memories in ascending score order. Preferring
// old-and-unused over merely low-scoring keeps facts the user just
// mentioned from being expired by a burst of new extractions.
func (s *Store) Expire(ctx context.Context, userID string, cfg ExpireConfig) (*ExpireResult, error) {
	active, err := s.FindActive(ctx, userID)
	if err != nil {
		return nil, err
	}

	result := &ExpireResult{}
	if len(active) <= cfg.MaxMemories {
		return result, nil
	}
	excess := len(active) - cfg.MaxMemories
	now := s.now().UTC()

	var stale, fresh []*Memory
	for _, m := range active {
		if isStale(m, now, cfg) {
			stale = append(stale, m)
		} else {
			fresh = append(fresh, m)
		}
	}

	sortByScore(stale, now)
	sortByScore(fresh, now)

	victims := make([]string, 0, excess)
	for _, m := range stale {
		if len(victims) == excess {
			break
		}
		victims = append(victims, m.ID)
	}
	for _, m := range fresh {
		if len(victims) == excess {
			break
		}
		victims = append(victims, m.ID)
	}

	if err := s.SoftDelete(ctx, victims); err != nil {
		return nil, err
	}

	result.Count = len(victims)
	result.IDs = victims
	return result, nil
}

// isStale reports whether a memory is old, rarely cited, and not
// recently cited — all three at once.
func isStale(m *Memory, now time.Time, cfg ExpireConfig) bool {
	if m.AgeDays(now) <= float64(cfg.MinAgeDays) {
		return false
	}
	if m.AccessCount >= cfg.MinAccessCount {
		return false
	}
	if m.LastAccessedAt == nil {
		return true
	}
	return now.Sub(*m.LastAccessedAt).Hours()/24 > float64(cfg.StaleAfterDays)
}

// sortByScore orders memories ascending by expiration score, with id
// as a deterministic tiebreak.
func sortByScore(memories []*Memory, now time.Time) {
	sort.SliceStable(memories, func(i, j int) bool {
		si, sj := memories[i].Score(now), memories[j].Score(now)
		if si != sj {
			return si < sj
		}
		return memories[i].ID < memories[j].ID
	})
}
