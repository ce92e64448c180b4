// Command backup_restore_drill seeds a store with finished work, takes a
// VACUUM INTO backup, reopens the copy and checks that task state, run
// history, spend and skill memory all survived. It prints key=value lines
// and a final VERDICT.
package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/schedule"
)

const (
	completedTasks = 40
	deadTasks      = 3
	runCost        = 0.001
)

func fail(stage string, err error) {
	fmt.Printf("%s_error=%v\n", stage, err)
	fmt.Println("VERDICT FAIL")
	os.Exit(1)
}

// seed runs n tasks to a terminal state through the normal claim path.
func seed(ctx context.Context, store *persistence.Store, n int, finish func(id string) error) (firstID string) {
	for i := 0; i < n; i++ {
		created, err := store.Create(ctx, persistence.CreateTaskInput{
			Definition: persistence.Definition{Name: fmt.Sprintf("drill-%d", i), Prompt: "drill", SkillID: "digest"},
			Schedule:   schedule.Spec{RunImmediately: true},
		})
		if err != nil {
			fail("create", err)
		}
		claimed, err := store.Claim(ctx, time.Now().Add(time.Second))
		if err != nil || claimed == nil || claimed.ID != created.ID {
			fail("claim", fmt.Errorf("claimed %v: %w", claimed, err))
		}
		if err := finish(claimed.ID); err != nil {
			fail("finish", err)
		}
		if firstID == "" {
			firstID = claimed.ID
		}
	}
	return firstID
}

func main() {
	ctx := context.Background()
	dir, err := os.MkdirTemp("", "clawtask-backup-drill-*")
	if err != nil {
		fail("mktemp", err)
	}
	defer os.RemoveAll(dir)

	store, err := persistence.Open(filepath.Join(dir, "clawtask.db"), nil)
	if err != nil {
		fail("open_store", err)
	}
	defer store.Close()

	snap := budget.Snapshot{TokensUsed: 100, EstimatedCostUSD: runCost}
	sample := seed(ctx, store, completedTasks, func(id string) error {
		_, err := store.Complete(ctx, id, snap, "ok")
		return err
	})
	seed(ctx, store, deadTasks, func(id string) error {
		_, err := store.DeadLetter(ctx, id, "drill failure", snap)
		return err
	})
	if err := store.WriteMemory(ctx, "digest", "summary", "drill memory", sample); err != nil {
		fail("write_memory", err)
	}

	backupPath := filepath.Join(dir, "backup.db")
	t0 := time.Now()
	if err := store.Backup(ctx, backupPath); err != nil {
		fail("backup", err)
	}
	t1 := time.Now()
	restored, err := persistence.Open(backupPath, nil)
	if err != nil {
		fail("open_restore", err)
	}
	defer restored.Close()
	t2 := time.Now()

	counts, err := restored.TaskCounts(ctx)
	if err != nil {
		fail("count_tasks", err)
	}
	spend, err := restored.SumSpend(ctx, persistence.SpendDay, time.Now())
	if err != nil {
		fail("sum_spend", err)
	}
	runs, err := restored.ListRuns(ctx, sample, 10)
	if err != nil {
		fail("list_runs", err)
	}
	mems, err := restored.ListMemories(ctx, "digest", 10)
	if err != nil {
		fail("list_memories", err)
	}

	fmt.Printf("backup_duration=%s\n", t1.Sub(t0))
	fmt.Printf("restore_duration=%s\n", t2.Sub(t1))
	fmt.Printf("restored_completed=%d\n", counts[persistence.TaskStatusCompleted])
	fmt.Printf("restored_dead_letter=%d\n", counts[persistence.TaskStatusDeadLetter])
	fmt.Printf("restored_spend_usd=%.4f\n", spend)
	fmt.Printf("restored_sample_runs=%d\n", len(runs))
	fmt.Printf("restored_memories=%d\n", len(mems))

	wantSpend := float64(completedTasks+deadTasks) * runCost
	ok := counts[persistence.TaskStatusCompleted] == completedTasks &&
		counts[persistence.TaskStatusDeadLetter] == deadTasks &&
		spend >= wantSpend-1e-9 &&
		len(runs) == 1 && len(mems) == 1
	if !ok {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
