package heartbeat_test

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/heartbeat"
	"github.com/basket/clawtask/internal/persistence"
)

func openTestStore(t *testing.T, b *bus.Bus) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawtask.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestEnsure_CreatesOnceAndIsIdempotent(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()

	first, err := heartbeat.Ensure(ctx, store, heartbeat.Options{IntervalMinutes: 15, Logger: quiet()})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if first.Definition.Type != persistence.TaskTypeHeartbeat || first.Status != persistence.TaskStatusScheduled {
		t.Fatalf("unexpected heartbeat task: %+v", first)
	}
	if first.Schedule.IntervalMs != 15*60*1000 {
		t.Fatalf("interval = %d", first.Schedule.IntervalMs)
	}
	second, err := heartbeat.Ensure(ctx, store, heartbeat.Options{IntervalMinutes: 15, Logger: quiet()})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("second Ensure created a new task %s, want %s", second.ID, first.ID)
	}
	all, _ := store.ListByStatus(ctx, "", 10)
	if len(all) != 1 {
		t.Fatalf("tasks = %d, want 1", len(all))
	}
}

func TestEnsure_PicksUpChecklistChange(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "HEARTBEAT.md")

	first, err := heartbeat.Ensure(ctx, store, heartbeat.Options{ChecklistPath: path, Logger: quiet()})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := os.WriteFile(path, []byte("- disk usage below 80%\n"), 0o644); err != nil {
		t.Fatalf("write checklist: %v", err)
	}
	updated, err := heartbeat.Ensure(ctx, store, heartbeat.Options{ChecklistPath: path, Logger: quiet()})
	if err != nil {
		t.Fatalf("ensure after edit: %v", err)
	}
	if updated.ID != first.ID || !strings.Contains(updated.Definition.Prompt, "disk usage below 80%") {
		t.Fatalf("checklist not applied: %+v", updated.Definition)
	}
}

func TestEnsure_ReplacesCancelledHeartbeat(t *testing.T) {
	store := openTestStore(t, nil)
	ctx := context.Background()
	first, err := heartbeat.Ensure(ctx, store, heartbeat.Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := store.Cancel(ctx, first.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	second, err := heartbeat.Ensure(ctx, store, heartbeat.Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if second.ID == first.ID {
		t.Fatal("a cancelled heartbeat should be replaced")
	}
}

func TestRecorder_AppendsCompletedRuns(t *testing.T) {
	b := bus.New()
	store := openTestStore(t, b)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	resultsPath := heartbeat.ResultsPath(t.TempDir())
	rec := heartbeat.NewRecorder(store, b, resultsPath, quiet())
	rec.Start(ctx)

	task, err := heartbeat.Ensure(ctx, store, heartbeat.Options{Logger: quiet()})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if _, err := store.Claim(ctx, time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.Complete(ctx, task.ID, budget.Snapshot{}, "HEARTBEAT_OK"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, _ := os.ReadFile(resultsPath)
		if strings.Contains(string(data), "HEARTBEAT_OK") {
			cancel()
			rec.Wait()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("heartbeat result was not recorded")
}
