package session

import (
	"context"
	"errors"
	"testing"
)

func TestMemoryStoreLifecycle(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	exerciseStore(t, store)
}

func TestMemoryStoreReturnsCopies(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()
	ctx := context.Background()

	created, err := store.CreateSession(ctx, testSession("s1", "u1"))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	created.Agents[0].Subtask = "mutated"

	loaded, err := store.GetSession(ctx, "u1", "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Agents[0].Subtask != "a" {
		t.Fatalf("store shares agent slice with callers: %q", loaded.Agents[0].Subtask)
	}
}

func TestMemoryStoreClosed(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Close()

	if _, err := store.GetSession(context.Background(), "u1", "s1"); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
	if _, err := store.CreateSession(context.Background(), testSession("s1", "u1")); !errors.Is(err, ErrStoreClosed) {
		t.Fatalf("expected ErrStoreClosed, got %v", err)
	}
}

func TestMemoryStoreRequiresKeyFields(t *testing.T) {
	store := NewMemoryStore()
	defer func() { _ = store.Close() }()

	if _, err := store.GetSession(context.Background(), " ", "s1"); err == nil {
		t.Fatalf("expected missing user id to be rejected")
	}
	if _, err := store.CreateSession(context.Background(), testSession("", "u1")); err == nil {
		t.Fatalf("expected missing session id to be rejected")
	}
}
