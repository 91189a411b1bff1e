package identity

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestDirectoryLookup(t *testing.T) {
	dir, err := NewDirectory(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	ctx := context.Background()
	want := &Identity{UserID: "u1", DisplayName: "Dana Reyes", Email: "dana@example.com"}
	if err := dir.Upsert(ctx, want); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	got, err := dir.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.DisplayName != want.DisplayName || got.Email != want.Email {
		t.Errorf("Lookup = %+v, want %+v", got, want)
	}
}

func TestDirectoryLookupMissing(t *testing.T) {
	dir, err := NewDirectory(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	_, err = dir.Lookup(context.Background(), "ghost")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestDirectoryUpsertOverwrites(t *testing.T) {
	dir, err := NewDirectory(openTestDB(t))
	if err != nil {
		t.Fatalf("NewDirectory: %v", err)
	}

	ctx := context.Background()
	if err := dir.Upsert(ctx, &Identity{UserID: "u1", DisplayName: "Old Name"}); err != nil {
		t.Fatal(err)
	}
	if err := dir.Upsert(ctx, &Identity{UserID: "u1", DisplayName: "New Name"}); err != nil {
		t.Fatal(err)
	}

	got, err := dir.Lookup(ctx, "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.DisplayName != "New Name" {
		t.Errorf("DisplayName = %q, want New Name", got.DisplayName)
	}
}

func TestStaticProvider(t *testing.T) {
	p := Static{"u1": {UserID: "u1", DisplayName: "Test User"}}

	got, err := p.Lookup(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if got.DisplayName != "Test User" {
		t.Errorf("DisplayName = %q", got.DisplayName)
	}

	if _, err := p.Lookup(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
