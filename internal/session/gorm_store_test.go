package session

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func newSQLiteStore(t *testing.T, path string) *GormStore {
	t.Helper()
	store, err := NewGormStore("sqlite", path)
	if err != nil {
		t.Fatalf("new gorm store: %v", err)
	}
	return store
}

func TestGormStoreSQLiteLifecycle(t *testing.T) {
	store := newSQLiteStore(t, filepath.Join(t.TempDir(), "research.db"))
	defer func() { _ = store.Close() }()

	exerciseStore(t, store)
}

func TestGormStoreSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "research.db")
	ctx := context.Background()

	store := newSQLiteStore(t, dbPath)
	if _, err := store.CreateSession(ctx, testSession("s1", "u1")); err != nil {
		t.Fatalf("create: %v", err)
	}
	completed := completeSession(t, store, "u1", "s1")
	if err := store.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened := newSQLiteStore(t, dbPath)
	defer func() { _ = reopened.Close() }()

	loaded, err := reopened.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("get after reopen: %v", err)
	}
	if diff := cmp.Diff(completed.Agents, loaded.Agents); diff != "" {
		t.Fatalf("agents changed across reopen (-want +got):\n%s", diff)
	}
	if loaded.Status != StatusCompleted || loaded.FinalResult == nil || *loaded.FinalResult != "final" {
		t.Fatalf("unexpected reloaded session: %+v", loaded)
	}

	pending, err := reopened.ListUnarchived(ctx, 0)
	if err != nil {
		t.Fatalf("list unarchived: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected completed session to still await archival, got %d", len(pending))
	}
	if _, created, err := reopened.Archive(ctx, "u1", "s1"); err != nil || !created {
		t.Fatalf("archive after reopen: created=%v err=%v", created, err)
	}
}
