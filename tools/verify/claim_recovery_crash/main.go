// Command claim_recovery_crash checks that a task claimed by a process that
// is then killed is returned to the queue on the next start.
//
//	claim_recovery_crash -mode prepare -db /tmp/x.db
//	claim_recovery_crash -mode claim-sleep -db /tmp/x.db &  # kill -9 it
//	claim_recovery_crash -mode recover -db /tmp/x.db
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/schedule"
)

func main() {
	mode := flag.String("mode", "", "prepare|claim-sleep|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	store, err := persistence.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	switch *mode {
	case "prepare":
		task, err := store.Create(ctx, persistence.CreateTaskInput{
			Definition: persistence.Definition{Name: "claim-crash", Prompt: "sleep"},
			Schedule:   schedule.Spec{RunImmediately: true},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "create task: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "claim-sleep":
		task, err := store.Claim(ctx, time.Now())
		if err != nil {
			fmt.Fprintf(os.Stderr, "claim task: %v\n", err)
			os.Exit(1)
		}
		if task == nil {
			fmt.Fprintln(os.Stderr, "no claimable task")
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := store.RequeueStale(ctx, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "requeue stale tasks: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		running, err := store.ListByStatus(ctx, persistence.TaskStatusRunning, 100)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list running: %v\n", err)
			os.Exit(1)
		}
		for _, task := range running {
			fmt.Printf("TASK_STATUS id=%s status=%s\n", task.ID, task.Status)
		}
		if len(running) == 0 {
			fmt.Println("VERDICT PASS")
		} else {
			fmt.Println("VERDICT FAIL: tasks still running after recovery")
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
