package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/persistence"
)

// withStore loads config, opens the store, and runs fn.
func withStore(ctx context.Context, fn func(cfg config.Config, store taskStore) int) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}
	store, err := storeOpener(ctx, cfg, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	defer store.Close()
	return fn(cfg, store)
}

func runSpendCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawtask spend")
		return 2
	}
	return withStore(ctx, func(cfg config.Config, store taskStore) int {
		return spendReport(ctx, store, cfg.Spend, time.Now(), os.Stdout, os.Stderr)
	})
}

func spendReport(ctx context.Context, store taskStore, limits config.SpendConfig, now time.Time, stdout, stderr io.Writer) int {
	rows := []struct {
		label  string
		period persistence.SpendPeriod
		limit  float64
	}{
		{"today", persistence.SpendDay, limits.DailyLimitUSD},
		{"this month", persistence.SpendMonth, limits.MonthlyLimitUSD},
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PERIOD\tSPENT\tLIMIT\tSTATE")
	for _, r := range rows {
		spent, err := store.SumSpend(ctx, r.period, now)
		if err != nil {
			fmt.Fprintf(stderr, "spend %s: %v\n", r.period, err)
			return 1
		}
		limit, state := "none", "ok"
		if r.limit > 0 {
			limit = fmt.Sprintf("$%.2f", r.limit)
			if spent >= r.limit {
				state = "CAPPED: no new claims"
			}
		}
		fmt.Fprintf(tw, "%s\t$%.4f\t%s\t%s\n", r.label, spent, limit, state)
	}
	tw.Flush()
	return 0
}

func runStatusCommand(ctx context.Context, args []string) int {
	if len(args) != 0 {
		fmt.Fprintln(os.Stderr, "usage: clawtask status")
		return 2
	}
	return withStore(ctx, func(cfg config.Config, store taskStore) int {
		return statusReport(ctx, store, cfg, os.Stdout, os.Stderr)
	})
}

func statusReport(ctx context.Context, store taskStore, cfg config.Config, stdout, stderr io.Writer) int {
	counts, err := store.TaskCounts(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "task counts: %v\n", err)
		return 1
	}
	fmt.Fprintf(stdout, "home: %s (driver %s)\n", cfg.HomeDir, cfg.Database.Driver)
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	for _, st := range persistence.AllStatuses {
		fmt.Fprintf(tw, "%s\t%d\n", st, counts[st])
	}
	tw.Flush()
	if n := counts[persistence.TaskStatusDeadLetter]; n > 0 {
		fmt.Fprintf(stdout, "%d dead-lettered task(s) need a manual retry\n", n)
	}
	return 0
}

func runAuditCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("clawtask audit", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	limit := fs.Int("n", 20, "number of entries")
	denyOnly := fs.Bool("deny", false, "only show deny decisions")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		return 2
	}
	return withStore(ctx, func(_ config.Config, store taskStore) int {
		entries, err := store.RecentAudit(ctx, *limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "audit: %v\n", err)
			return 1
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tDECISION\tACTION\tSUBJECT\tREASON")
		for _, e := range entries {
			if *denyOnly && e.Decision != "deny" {
				continue
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.CreatedAt.Local().Format(time.RFC3339), e.Decision, e.Action, e.Subject, oneLine(e.Reason, 80))
		}
		tw.Flush()
		return 0
	})
}

// backuper is implemented by the SQLite store only.
type backuper interface {
	Backup(ctx context.Context, destPath string) error
}

func runBackupCommand(ctx context.Context, args []string) int {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(os.Stderr, "usage: clawtask backup <dest.db>")
		return 2
	}
	return withStore(ctx, func(cfg config.Config, store taskStore) int {
		b, ok := store.(backuper)
		if !ok {
			fmt.Fprintf(os.Stderr, "backup is not supported for driver %s; use pg_dump\n", cfg.Database.Driver)
			return 1
		}
		if err := b.Backup(ctx, args[0]); err != nil {
			fmt.Fprintf(os.Stderr, "backup failed: %v\n", err)
			return 1
		}
		fmt.Fprintf(os.Stdout, "backup written to %s\n", args[0])
		return 0
	})
}
