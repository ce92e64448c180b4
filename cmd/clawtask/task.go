package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/taskspec"
)

const deadLetterBanner = "DEAD LETTER: retries exhausted, manual retry required (clawtask task retry <id>)"

const taskUsage = "usage: clawtask task <create|get|list|cancel|retry|update|runs> ..."

func runTaskCommand(ctx context.Context, args []string) int {
	if len(args) == 0 || isHelpArg(args[0]) {
		fmt.Fprintln(os.Stderr, taskUsage)
		return 2
	}
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
	return taskCommand(ctx, store, cfg, args, os.Stdout, os.Stderr)
}

func taskCommand(ctx context.Context, store taskStore, cfg config.Config, args []string, stdout, stderr io.Writer) int {
	sub := strings.ToLower(strings.TrimSpace(args[0]))
	rest := args[1:]
	switch sub {
	case "create":
		fs := flag.NewFlagSet("clawtask task create", flag.ContinueOnError)
		fs.SetOutput(stderr)
		asJSON := fs.Bool("json", false, "print the created task as JSON")
		path, ok := splitPositional(fs, rest, stderr, "usage: clawtask task create <file|-> [-json]")
		if !ok {
			return 2
		}
		in, err := taskspec.DecodeFile(path)
		if err != nil {
			fmt.Fprintln(stderr, err)
			var verr *taskspec.ValidationError
			if errors.As(err, &verr) {
				return 2
			}
			return 1
		}
		if in.MaxRetries == nil {
			n := cfg.DefaultMaxRetries
			in.MaxRetries = &n
		}
		t, err := store.Create(ctx, in)
		if err != nil {
			fmt.Fprintf(stderr, "create failed: %v\n", err)
			if errors.Is(err, persistence.ErrInvalidSchedule) {
				return 2
			}
			return 1
		}
		if *asJSON {
			return writeJSON(stdout, stderr, t)
		}
		fmt.Fprintf(stdout, "created %s (%s)\n", t.ID, t.Status)
		return 0

	case "get":
		fs := flag.NewFlagSet("clawtask task get", flag.ContinueOnError)
		fs.SetOutput(stderr)
		asJSON := fs.Bool("json", false, "print JSON")
		id, ok := splitPositional(fs, rest, stderr, "usage: clawtask task get <id> [-json]")
		if !ok {
			return 2
		}
		t, err := store.Get(ctx, id)
		if err != nil {
			return reportTaskErr(stderr, id, err)
		}
		if *asJSON {
			return writeJSON(stdout, stderr, t)
		}
		printTask(stdout, t)
		return 0

	case "list":
		fs := flag.NewFlagSet("clawtask task list", flag.ContinueOnError)
		fs.SetOutput(stderr)
		statusFlag := fs.String("status", "", "only list tasks with this status")
		limit := fs.Int("limit", 50, "maximum tasks per status")
		asJSON := fs.Bool("json", false, "print JSON")
		if err := fs.Parse(rest); err != nil {
			return 2
		}
		statuses := persistence.AllStatuses
		if *statusFlag != "" {
			st, ok := persistence.ParseStatus(*statusFlag)
			if !ok {
				fmt.Fprintf(stderr, "unknown status %q\n", *statusFlag)
				return 2
			}
			statuses = []persistence.TaskStatus{st}
		}
		var all []persistence.Task
		for _, st := range statuses {
			tasks, err := store.ListByStatus(ctx, st, *limit)
			if err != nil {
				fmt.Fprintf(stderr, "list failed: %v\n", err)
				return 1
			}
			all = append(all, tasks...)
		}
		if *asJSON {
			if all == nil {
				all = []persistence.Task{}
			}
			return writeJSON(stdout, stderr, all)
		}
		if len(all) == 0 {
			fmt.Fprintln(stdout, "no tasks")
			return 0
		}
		printTaskTable(stdout, all)
		return 0

	case "cancel":
		id, ok := singleID(rest, stderr, "usage: clawtask task cancel <id>")
		if !ok {
			return 2
		}
		t, err := store.Cancel(ctx, id)
		if err != nil {
			return reportTaskErr(stderr, id, err)
		}
		fmt.Fprintf(stdout, "%s %s\n", t.ID, t.Status)
		return 0

	case "retry":
		id, ok := singleID(rest, stderr, "usage: clawtask task retry <id>")
		if !ok {
			return 2
		}
		t, err := store.Retry(ctx, id)
		if err != nil {
			return reportTaskErr(stderr, id, err)
		}
		fmt.Fprintf(stdout, "%s %s\n", t.ID, t.Status)
		return 0

	case "update":
		return updateTask(ctx, store, rest, stdout, stderr)

	case "runs":
		fs := flag.NewFlagSet("clawtask task runs", flag.ContinueOnError)
		fs.SetOutput(stderr)
		limit := fs.Int("limit", 20, "maximum runs")
		asJSON := fs.Bool("json", false, "print JSON")
		id, ok := splitPositional(fs, rest, stderr, "usage: clawtask task runs <id> [-limit N] [-json]")
		if !ok {
			return 2
		}
		if _, err := store.Get(ctx, id); err != nil {
			return reportTaskErr(stderr, id, err)
		}
		runs, err := store.ListRuns(ctx, id, *limit)
		if err != nil {
			fmt.Fprintf(stderr, "list runs failed: %v\n", err)
			return 1
		}
		if *asJSON {
			if runs == nil {
				runs = []persistence.TaskRun{}
			}
			return writeJSON(stdout, stderr, runs)
		}
		if len(runs) == 0 {
			fmt.Fprintln(stdout, "no runs")
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "RUN\tSTARTED\tSTATUS\tTOKENS\tCOST\tERROR")
		for _, r := range runs {
			tokens, cost := int64(0), 0.0
			if r.BudgetConsumed != nil {
				tokens, cost = r.BudgetConsumed.TokensUsed, r.BudgetConsumed.EstimatedCostUSD
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t$%.4f\t%s\n", r.ID, r.StartedAt.Local().Format(time.RFC3339), r.Status, tokens, cost, oneLine(r.Error, 60))
		}
		tw.Flush()
		return 0

	default:
		fmt.Fprintln(stderr, taskUsage)
		return 2
	}
}

func updateTask(ctx context.Context, store taskStore, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("clawtask task update", flag.ContinueOnError)
	fs.SetOutput(stderr)
	name := fs.String("name", "", "new name")
	prompt := fs.String("prompt", "", "new prompt")
	systemPrompt := fs.String("system-prompt", "", "new system prompt")
	priority := fs.Int("priority", 0, "new priority")
	maxRetries := fs.Int("max-retries", 0, "new retry limit")
	cronExpr := fs.String("cron", "", "new cron expression")
	intervalMs := fs.Int64("interval-ms", 0, "new fixed interval in milliseconds")
	route := fs.String("route", "", "new result route (silent, notify, memory_update)")
	id, ok := splitPositional(fs, args, stderr, "usage: clawtask task update <id> [-name s] [-prompt s] [-priority n] [-max-retries n] [-cron expr] [-interval-ms n] [-route r]")
	if !ok {
		return 2
	}

	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	if len(set) == 0 {
		fmt.Fprintln(stderr, "nothing to update")
		return 2
	}

	var in persistence.UpdateTaskInput
	if set["name"] {
		in.Name = name
	}
	if set["prompt"] {
		in.Prompt = prompt
	}
	if set["system-prompt"] {
		in.SystemPrompt = systemPrompt
	}
	if set["priority"] {
		in.Priority = priority
	}
	if set["max-retries"] {
		if *maxRetries < 0 {
			fmt.Fprintln(stderr, "max-retries must be >= 0")
			return 2
		}
		in.MaxRetries = maxRetries
	}
	if set["route"] {
		r := shared.ParseResultRoute(*route)
		in.ResultRoute = &r
	}
	if set["cron"] || set["interval-ms"] {
		current, err := store.Get(ctx, id)
		if err != nil {
			return reportTaskErr(stderr, id, err)
		}
		spec := current.Schedule
		if set["cron"] {
			spec.Cron = *cronExpr
		}
		if set["interval-ms"] {
			spec.IntervalMs = *intervalMs
		}
		in.Schedule = &spec
	}

	t, err := store.Update(ctx, id, in)
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidSchedule) {
			fmt.Fprintf(stderr, "update failed: %v\n", err)
			return 2
		}
		return reportTaskErr(stderr, id, err)
	}
	fmt.Fprintf(stdout, "updated %s (%s)\n", t.ID, t.Status)
	return 0
}

// splitPositional takes a single leading positional argument and parses the
// remaining flags.
func splitPositional(fs *flag.FlagSet, args []string, stderr io.Writer, usage string) (string, bool) {
	if len(args) == 0 || strings.HasPrefix(args[0], "-") && args[0] != "-" {
		fmt.Fprintln(stderr, usage)
		return "", false
	}
	if err := fs.Parse(args[1:]); err != nil {
		return "", false
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(stderr, usage)
		return "", false
	}
	return strings.TrimSpace(args[0]), true
}

func singleID(args []string, stderr io.Writer, usage string) (string, bool) {
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		fmt.Fprintln(stderr, usage)
		return "", false
	}
	return strings.TrimSpace(args[0]), true
}

func reportTaskErr(stderr io.Writer, id string, err error) int {
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		fmt.Fprintf(stderr, "task %s not found\n", id)
	case errors.Is(err, persistence.ErrInvalidTransition):
		fmt.Fprintf(stderr, "task %s: %v\n", id, err)
	default:
		fmt.Fprintf(stderr, "task %s: storage error: %v\n", id, err)
	}
	return 1
}

func writeJSON(stdout, stderr io.Writer, v any) int {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(stderr, "encode json: %v\n", err)
		return 1
	}
	return 0
}

func printTask(w io.Writer, t *persistence.Task) {
	if t.Status == persistence.TaskStatusDeadLetter {
		fmt.Fprintln(w, deadLetterBanner)
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", t.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", t.Definition.Name)
	fmt.Fprintf(tw, "Type:\t%s\n", t.Definition.Type)
	fmt.Fprintf(tw, "Status:\t%s\n", t.Status)
	fmt.Fprintf(tw, "Priority:\t%d\n", t.Priority)
	fmt.Fprintf(tw, "Retries:\t%d/%d\n", t.RetryCount, t.MaxRetries)
	fmt.Fprintf(tw, "Schedule:\t%s\n", t.Schedule.Describe())
	fmt.Fprintf(tw, "Route:\t%s\n", t.Definition.ResultRoute)
	if t.Definition.SkillID != "" {
		fmt.Fprintf(tw, "Skill:\t%s\n", t.Definition.SkillID)
	}
	fmt.Fprintf(tw, "Next run:\t%s\n", nextRun(t))
	fmt.Fprintf(tw, "Last run:\t%s\n", fmtTime(t.LastRunAt))
	if t.BudgetConsumed != nil {
		fmt.Fprintf(tw, "Last spend:\t%d tokens, $%.4f, %dms\n",
			t.BudgetConsumed.TokensUsed, t.BudgetConsumed.EstimatedCostUSD, t.BudgetConsumed.WallClockMs)
	}
	if t.Error != "" {
		fmt.Fprintf(tw, "Error:\t%s\n", t.Error)
	}
	tw.Flush()
	if t.ResultText != "" {
		fmt.Fprintf(w, "\n%s\n", t.ResultText)
	}
}

func printTaskTable(w io.Writer, tasks []persistence.Task) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tPRIO\tRETRIES\tNEXT RUN")
	for _, t := range tasks {
		status := string(t.Status)
		if t.Status == persistence.TaskStatusDeadLetter {
			status = "DEAD LETTER"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d/%d\t%s\n",
			t.ID, oneLine(t.Definition.Name, 40), status, t.Priority, t.RetryCount, t.MaxRetries, nextRun(&t))
	}
	tw.Flush()
}

// nextRun renders the next occurrence. Terminal tasks only run again after an
// explicit retry.
func nextRun(t *persistence.Task) string {
	if t.Status.Terminal() {
		return "never (needs retry)"
	}
	return fmtTime(t.NextRunAt)
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
