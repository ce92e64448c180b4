package persistence_test

import (
	"context"
	"testing"

	"github.com/basket/clawtask/internal/persistence"
)

func TestMemories_WriteListPurge(t *testing.T) {
	store, _ := openTestStore(t)
	ctx := context.Background()

	if err := store.WriteMemory(ctx, "inbox-digest", "", "first digest", "task-1"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := store.WriteMemory(ctx, "inbox-digest", "", "second digest", "task-1"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if err := store.WriteMemory(ctx, "inbox-digest", "senders", "alice, bob", "task-2"); err != nil {
		t.Fatalf("write keyed: %v", err)
	}
	owner := persistence.TaskMemoryOwner("task-9")
	if err := store.WriteMemory(ctx, owner, "", "loose note", "task-9"); err != nil {
		t.Fatalf("write task-owned: %v", err)
	}

	mems, err := store.ListMemories(ctx, "inbox-digest", 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(mems) != 2 {
		t.Fatalf("expected 2 memories (upsert by key), got %d", len(mems))
	}
	var found bool
	for _, m := range mems {
		if m.Key == "task-1" && m.Content == "second digest" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the task-keyed memory to be replaced: %+v", mems)
	}

	n, err := store.PurgeMemoriesBySkillID(ctx, "inbox-digest")
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	rest, _ := store.ListMemories(ctx, owner, 0)
	if len(rest) != 1 {
		t.Fatalf("purge must only touch the skill's memories, got %d for %s", len(rest), owner)
	}
	if err := store.WriteMemory(ctx, " ", "k", "v", ""); err == nil {
		t.Fatal("expected empty owner to fail")
	}
}
