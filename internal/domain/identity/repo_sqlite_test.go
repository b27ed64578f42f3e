package identity

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/skids/eyear/internal/platform/db"
)

func newTestRepo(t *testing.T) *SQLiteRepository {
	t.Helper()
	conn, err := db.Open(filepath.Join(t.TempDir(), "identity.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := db.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewSQLiteRepository(conn)
}

func TestPutGetOverwrite(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	school := "SCH-001"
	p := &ChildProfile{ChildID: "c1", Name: "Ravi", DateOfBirth: "2017-05-20", SchoolCode: &school}
	if err := repo.Put(ctx, p); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := repo.Get(ctx, "c1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ravi" || got.SchoolCode == nil || *got.SchoolCode != "SCH-001" {
		t.Errorf("got %+v", got)
	}

	p.Name = "Ravi K"
	if err := repo.Put(ctx, p); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	got, _ = repo.Get(ctx, "c1")
	if got.Name != "Ravi K" {
		t.Errorf("overwrite not applied: %+v", got)
	}
}

func TestGetMissing(t *testing.T) {
	repo := newTestRepo(t)
	if _, err := repo.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestMarkSyncedIsWriteOnce(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	p := &ChildProfile{ChildID: "c1", Name: "Ana", DateOfBirth: "2018-01-01"}
	if err := repo.Put(ctx, p); err != nil {
		t.Fatal(err)
	}

	first := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	if err := repo.MarkSynced(ctx, "c1", first); err != nil {
		t.Fatalf("mark synced: %v", err)
	}
	// A replayed confirmation with a later time must not rewrite synced_at.
	if err := repo.MarkSynced(ctx, "c1", first.Add(time.Hour)); err != nil {
		t.Fatalf("replayed mark synced: %v", err)
	}

	got, _ := repo.Get(ctx, "c1")
	if got.SyncedAt == nil || !got.SyncedAt.Equal(first) {
		t.Errorf("syncedAt = %v, want %v", got.SyncedAt, first)
	}
}
