package memory

import (
	"context"
	"testing"
	"time"
)

// fixedClock pins the store's clock so age and staleness math is exact.
func fixedClock(store *Store, at time.Time) {
	store.now = func() time.Time { return at }
}

func seedMemory(t *testing.T, store *Store, userID, content string, age time.Duration, accessCount int, lastAccessed *time.Time) *Memory {
	t.Helper()
	now := store.now().UTC()
	m, err := store.Create(context.Background(), &Memory{
		UserID:         userID,
		Content:        content,
		AccessCount:    accessCount,
		LastAccessedAt: lastAccessed,
		CreatedAt:      now.Add(-age),
	})
	if err != nil {
		t.Fatalf("seed %q: %v", content, err)
	}
	return m
}

func TestExpireNoopUnderLimit(t *testing.T) {
	store := openTestStore(t)
	fixedClock(store, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedMemory(t, store, "u1", "fact", 100*24*time.Hour, 0, nil)
	}

	res, err := store.Expire(ctx, "u1", ExpireConfig{MaxMemories: 3, MinAgeDays: 7, MinAccessCount: 2, StaleAfterDays: 30})
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if res.Count != 0 {
		t.Errorf("expired %d memories, want 0", res.Count)
	}
	n, _ := store.CountActive(ctx, "u1")
	if n != 3 {
		t.Errorf("active = %d, want 3", n)
	}
}

func TestExpireNeverDropsBelowLimit(t *testing.T) {
	store := openTestStore(t)
	fixedClock(store, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		seedMemory(t, store, "u1", "fact", 100*24*time.Hour, 0, nil)
	}

	cfg := ExpireConfig{MaxMemories: 4, MinAgeDays: 7, MinAccessCount: 2, StaleAfterDays: 30}
	res, err := store.Expire(ctx, "u1", cfg)
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if res.Count != 6 {
		t.Errorf("expired %d, want 6", res.Count)
	}
	n, _ := store.CountActive(ctx, "u1")
	if n != 4 {
		t.Errorf("active = %d, want exactly the limit 4", n)
	}

	// A second pass finds nothing left to do.
	res, err = store.Expire(ctx, "u1", cfg)
	if err != nil {
		t.Fatal(err)
	}
	if res.Count != 0 {
		t.Errorf("second pass expired %d, want 0", res.Count)
	}
}

func TestExpireStaleBeforeFresh(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	fixedClock(store, now)
	ctx := context.Background()

	recentCite := now.Add(-2 * 24 * time.Hour)

	// Stale: old, rarely accessed, never cited.
	stale := seedMemory(t, store, "u1", "stale", 60*24*time.Hour, 0, nil)
	// Fresh by recency of citation, despite a low count and worse score.
	cited := seedMemory(t, store, "u1", "cited", 90*24*time.Hour, 1, &recentCite)
	// Fresh by access count.
	popular := seedMemory(t, store, "u1", "popular", 60*24*time.Hour, 8, nil)

	res, err := store.Expire(ctx, "u1", ExpireConfig{MaxMemories: 2, MinAgeDays: 7, MinAccessCount: 2, StaleAfterDays: 30})
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if res.Count != 1 || res.IDs[0] != stale.ID {
		t.Fatalf("expired %v, want only the stale memory %s", res.IDs, stale.ID)
	}

	for _, m := range []*Memory{cited, popular} {
		got, err := store.Get(ctx, m.ID)
		if err != nil {
			t.Fatal(err)
		}
		if !got.Active() {
			t.Errorf("%s was expired, want kept", got.Content)
		}
	}
}

func TestExpireFallsBackToScore(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	fixedClock(store, now)
	ctx := context.Background()

	// None of these qualify as stale (all heavily accessed), so the
	// second phase must pick the lowest-scoring one.
	low := seedMemory(t, store, "u1", "low", 100*24*time.Hour, 3, nil)     // 3 - 10 = -7
	mid := seedMemory(t, store, "u1", "mid", 50*24*time.Hour, 4, nil)     // 4 - 5 = -1
	high := seedMemory(t, store, "u1", "high", 10*24*time.Hour, 6, nil)   // 6 - 1 = 5

	res, err := store.Expire(ctx, "u1", ExpireConfig{MaxMemories: 2, MinAgeDays: 7, MinAccessCount: 2, StaleAfterDays: 30})
	if err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if res.Count != 1 || res.IDs[0] != low.ID {
		t.Fatalf("expired %v, want lowest-scoring %s", res.IDs, low.ID)
	}
	for _, m := range []*Memory{mid, high} {
		got, _ := store.Get(ctx, m.ID)
		if !got.Active() {
			t.Errorf("%s was expired, want kept", got.Content)
		}
	}
}

func TestExpireYoungMemoriesNotStale(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	fixedClock(store, now)

	young := &Memory{CreatedAt: now.Add(-2 * 24 * time.Hour)}
	cfg := ExpireConfig{MinAgeDays: 7, MinAccessCount: 2, StaleAfterDays: 30}
	if isStale(young, now, cfg) {
		t.Error("memory younger than minAgeDays flagged stale")
	}

	old := &Memory{CreatedAt: now.Add(-30 * 24 * time.Hour)}
	if !isStale(old, now, cfg) {
		t.Error("old uncited memory not flagged stale")
	}

	oldButPopular := &Memory{CreatedAt: now.Add(-30 * 24 * time.Hour), AccessCount: 5}
	if isStale(oldButPopular, now, cfg) {
		t.Error("heavily accessed memory flagged stale")
	}
}

func TestScore(t *testing.T) {
	now := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	m := &Memory{AccessCount: 5, CreatedAt: now.Add(-20 * 24 * time.Hour)}
	got := m.Score(now)
	want := 5.0 - 20*0.1
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Score = %v, want %v", got, want)
	}
}
