package runner_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/policy"
	"github.com/basket/clawtask/internal/runner"
	"github.com/basket/clawtask/internal/safety"
	"github.com/basket/clawtask/internal/schedule"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/skills"
)

type turnFunc func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error)

func (f turnFunc) RunTurn(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
	return f(ctx, req)
}

type recordingNotifier struct {
	mu    sync.Mutex
	texts []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ *persistence.Task, text string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.texts = append(n.texts, text)
	return nil
}

type harness struct {
	store    *persistence.Store
	registry *skills.Registry
	notifier *recordingNotifier
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "clawtask.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	reg := skills.NewRegistry(skills.Options{
		Scanner: skills.NewScanner(safety.NewDetector()),
		Purger:  store,
		Logger:  quietLogger(),
	})
	return &harness{store: store, registry: reg, notifier: &recordingNotifier{}}
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (h *harness) runner(turn runner.AgentTurn) *runner.Runner {
	return runner.New(runner.Config{
		Store:    h.store,
		Skills:   h.registry,
		Turn:     turn,
		Policy:   policy.NewLivePolicy(policy.Policy{DenyTools: []string{"system.*"}}),
		Notifier: h.notifier,
		Memories: h.store,
		Logger:   quietLogger(),
		Model:    "gpt-4o",
	})
}

func (h *harness) installSkill(t *testing.T, contents string) skills.Manifest {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.skill.md")
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write skill: %v", err)
	}
	adm := h.registry.Install(context.Background(), path)
	if !adm.Admitted {
		t.Fatalf("skill not admitted: reason=%s err=%v", adm.Reason, adm.Err)
	}
	return *adm.Manifest
}

func (h *harness) createAndClaim(t *testing.T, in persistence.CreateTaskInput) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	if in.Definition.Name == "" {
		in.Definition.Name = "job"
	}
	if in.Definition.Prompt == "" {
		in.Definition.Prompt = "summarize the inbox"
	}
	in.Schedule.RunImmediately = true
	if _, err := h.store.Create(ctx, in); err != nil {
		t.Fatalf("create: %v", err)
	}
	claimed, err := h.store.Claim(ctx, time.Now().Add(time.Second))
	if err != nil || claimed == nil {
		t.Fatalf("claim: task=%v err=%v", claimed, err)
	}
	return claimed
}

func TestRun_OneShotCompletesWithinZeroToolBudget(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Budget: budget.Budget{MaxToolCalls: budget.Int(0)},
	})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		if req.Budget.MaxToolCalls == nil || *req.Budget.MaxToolCalls != 0 {
			t.Errorf("ceiling not passed to turn: %+v", req.Budget)
		}
		if err := req.Guard.Step(ctx, budget.Snapshot{}); err != nil {
			t.Errorf("step before any tool call: %v", err)
		}
		return runner.TurnResult{ResponseText: "3 unread, none urgent", Snapshot: budget.Snapshot{TokensUsed: 120}}, nil
	})

	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeCompleted {
		t.Fatalf("outcome = %s (err %v), want completed", res.Outcome, res.Err)
	}
	got, err := h.store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.TaskStatusCompleted || got.NextRunAt != nil {
		t.Fatalf("status=%s next=%v, want completed/nil", got.Status, got.NextRunAt)
	}
	if got.ResultText != "3 unread, none urgent" {
		t.Fatalf("result text = %q", got.ResultText)
	}
	runs, err := h.store.ListRuns(context.Background(), task.ID, 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs = %d err = %v, want 1", len(runs), err)
	}
}

func TestRun_SkillScopesToolsAndPrompt(t *testing.T) {
	h := newHarness(t)
	h.installSkill(t, "---\nname: inbox-digest\ndescription: digest\ntoolAllow: [web.search, memory.*]\nmaxTokens: 5000\n---\n\nSummarize the unread items.\n")
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Definition: persistence.Definition{SkillID: "inbox-digest", SystemPrompt: "Be brief.", ToolDeny: []string{"memory.delete"}},
		Budget:     budget.Budget{MaxTokens: budget.Int64(100)},
	})

	var (
		sysPrompt string
		ceiling   budget.Budget
		allowed   = map[string]bool{}
	)
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		sysPrompt = req.SystemPrompt
		ceiling = req.Budget
		for _, tool := range []string{"web.search", "memory.write", "memory.delete", "shell.exec", "system.reboot"} {
			allowed[tool] = req.Guard.AllowTool(ctx, tool)
		}
		return runner.TurnResult{ResponseText: "done"}, nil
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeCompleted {
		t.Fatalf("outcome = %s (err %v)", res.Outcome, res.Err)
	}
	if !strings.HasPrefix(sysPrompt, "Summarize the unread items.") || !strings.HasSuffix(sysPrompt, "Be brief.") {
		t.Fatalf("skill instructions not injected ahead of task prompt: %q", sysPrompt)
	}
	if ceiling.MaxTokens == nil || *ceiling.MaxTokens != 100 {
		t.Fatalf("task ceiling should override skill default: %+v", ceiling)
	}
	want := map[string]bool{"web.search": true, "memory.write": true, "memory.delete": false, "shell.exec": false, "system.reboot": false}
	for tool, ok := range want {
		if allowed[tool] != ok {
			t.Errorf("AllowTool(%q) = %v, want %v", tool, allowed[tool], ok)
		}
	}
}

func TestRun_BudgetViolationDeadLetters(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Budget: budget.Budget{MaxToolCalls: budget.Int(1)},
	})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		used := budget.Snapshot{ToolCalls: 2}
		if err := req.Guard.Step(ctx, used); err != nil {
			return runner.TurnResult{Snapshot: used}, err
		}
		t.Error("guard let a run past its tool-call ceiling")
		return runner.TurnResult{Snapshot: used}, nil
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want dead_letter", res.Outcome)
	}
	if res.Task == nil || !strings.Contains(res.Task.Error, "tool_calls") {
		t.Fatalf("dead-letter error should name the ceiling: %+v", res.Task)
	}
}

func TestRun_SnapshotOverCeilingWithoutGuardStillDeadLetters(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Budget: budget.Budget{MaxCostUSD: budget.Float64(0.01)},
	})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{ResponseText: "expensive", Snapshot: budget.Snapshot{EstimatedCostUSD: 0.5}}, nil
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want dead_letter", res.Outcome)
	}
}

func TestRun_TransientErrorSchedulesRetry(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{}, errors.New("upstream 503")
	})
	before := time.Now()
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeRetrying {
		t.Fatalf("outcome = %s (err %v), want retrying", res.Outcome, res.Err)
	}
	got, err := h.store.Get(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != persistence.TaskStatusScheduled || got.RetryCount != 1 {
		t.Fatalf("status=%s retry=%d, want scheduled/1", got.Status, got.RetryCount)
	}
	if got.NextRunAt == nil || got.NextRunAt.Before(before.Add(time.Second)) {
		t.Fatalf("retry should back off at least 1s, next_run_at=%v", got.NextRunAt)
	}
	if got.Error != "upstream 503" {
		t.Fatalf("error = %q", got.Error)
	}
}

func TestRun_RetriesExhaustedDeadLetters(t *testing.T) {
	h := newHarness(t)
	zero := 0
	task := h.createAndClaim(t, persistence.CreateTaskInput{MaxRetries: &zero})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{}, errors.New("model refused")
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeDeadLettered {
		t.Fatalf("outcome = %s, want dead_letter", res.Outcome)
	}
	if res.Task.NextRunAt != nil {
		t.Fatalf("dead-lettered task must not recur: %v", res.Task.NextRunAt)
	}
}

func TestRun_CancelledMidTurnIsNotOverwritten(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		if _, err := h.store.Cancel(ctx, req.TaskID); err != nil {
			t.Errorf("cancel: %v", err)
		}
		if err := req.Guard.Step(ctx, budget.Snapshot{ToolCalls: 1}); !errors.Is(err, runner.ErrCancelled) {
			t.Errorf("step after cancel = %v, want ErrCancelled", err)
			return runner.TurnResult{ResponseText: "late"}, nil
		}
		return runner.TurnResult{}, runner.ErrCancelled
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.Outcome)
	}
	got, _ := h.store.Get(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
}

func TestRun_LateCompletionAfterCancelIsDiscarded(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		// A turn that never consults the guard.
		if _, err := h.store.Cancel(ctx, req.TaskID); err != nil {
			t.Errorf("cancel: %v", err)
		}
		return runner.TurnResult{ResponseText: "finished anyway"}, nil
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeCancelled {
		t.Fatalf("outcome = %s, want cancelled", res.Outcome)
	}
	runs, _ := h.store.ListRuns(context.Background(), task.ID, 10)
	if len(runs) != 0 {
		t.Fatalf("cancelled task gained %d runs", len(runs))
	}
}

func TestRun_MissingSkillDeadLetters(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Definition: persistence.Definition{SkillID: "ghost"},
	})
	called := false
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		called = true
		return runner.TurnResult{}, nil
	})
	res := h.runner(turn).Run(context.Background(), task)
	if called {
		t.Fatal("turn must not run without its skill")
	}
	if res.Outcome != runner.OutcomeDeadLettered || !strings.Contains(res.Task.Error, "not installed") {
		t.Fatalf("outcome = %s task=%+v", res.Outcome, res.Task)
	}
}

func TestRun_DisabledSkillDeadLetters(t *testing.T) {
	h := newHarness(t)
	h.installSkill(t, "---\nname: paused\ndescription: paused skill\n---\n\nDo the thing.\n")
	h.registry.Disable("paused")
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Definition: persistence.Definition{SkillID: "paused"},
	})
	res := h.runner(turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{}, nil
	})).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeDeadLettered || !strings.Contains(res.Task.Error, "disabled") {
		t.Fatalf("outcome = %s task=%+v", res.Outcome, res.Task)
	}
}

func TestRun_WallClockCeilingDeadLetters(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Budget: budget.Budget{MaxWallClockMs: budget.Int64(30)},
	})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		<-ctx.Done()
		return runner.TurnResult{}, ctx.Err()
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeDeadLettered {
		t.Fatalf("outcome = %s (err %v), want dead_letter", res.Outcome, res.Err)
	}
	if !strings.Contains(res.Task.Error, "wall_clock_ms") {
		t.Fatalf("error = %q", res.Task.Error)
	}
}

func TestRun_ParentCancellationLeavesTaskRunning(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{})
	ctx, cancel := context.WithCancel(context.Background())
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		cancel()
		return runner.TurnResult{}, ctx.Err()
	})
	res := h.runner(turn).Run(ctx, task)
	if res.Outcome != runner.OutcomeInterrupted {
		t.Fatalf("outcome = %s, want interrupted", res.Outcome)
	}
	got, _ := h.store.Get(context.Background(), task.ID)
	if got.Status != persistence.TaskStatusRunning {
		t.Fatalf("status = %s, want running for startup recovery", got.Status)
	}
}

func TestRun_EstimatesCostFromTokens(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{ResponseText: "ok", PromptTokens: 1_000_000}, nil
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Snapshot.EstimatedCostUSD != 2.50 || res.Snapshot.TokensUsed != 1_000_000 {
		t.Fatalf("snapshot = %+v", res.Snapshot)
	}
	spend, err := h.store.SumSpend(context.Background(), persistence.SpendDay, time.Now())
	if err != nil || spend != 2.50 {
		t.Fatalf("spend = %v err = %v", spend, err)
	}
}

func TestRun_MemoryUpdateRouteWritesUnderSkill(t *testing.T) {
	h := newHarness(t)
	h.installSkill(t, "---\nname: tracker\ndescription: tracks prices\nresultRoute: memory_update\n---\n\nRecord the price.\n")
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Definition: persistence.Definition{SkillID: "tracker"},
	})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{ResponseText: "price is 42"}, nil
	})
	if res := h.runner(turn).Run(context.Background(), task); res.Outcome != runner.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	mems, err := h.store.ListMemories(context.Background(), "tracker", 10)
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(mems) != 1 || mems[0].Content != "price is 42" || mems[0].TaskID != task.ID {
		t.Fatalf("memories = %+v", mems)
	}
}

func TestRun_DeclaredSilentRouteOverridesSkill(t *testing.T) {
	h := newHarness(t)
	h.installSkill(t, "---\nname: tracker\ndescription: tracks prices\nresultRoute: memory_update\n---\n\nRecord the price.\n")
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Definition: persistence.Definition{SkillID: "tracker", ResultRoute: shared.ParseResultRoute("silent")},
	})
	if !task.Definition.ResultRoute.Declared() {
		t.Fatal("stored task lost its declared route")
	}
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{ResponseText: "price is 42"}, nil
	})
	if res := h.runner(turn).Run(context.Background(), task); res.Outcome != runner.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	mems, err := h.store.ListMemories(context.Background(), "tracker", 10)
	if err != nil {
		t.Fatalf("list memories: %v", err)
	}
	if len(mems) != 0 {
		t.Fatalf("explicit silent route still wrote memories: %+v", mems)
	}
}

func TestRun_NotifyRouteRedactsSecrets(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Definition: persistence.Definition{ResultRoute: shared.RouteNotifyValue},
	})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{ResponseText: "found it: Bearer abcdefghijklmnop1234567890"}, nil
	})
	if res := h.runner(turn).Run(context.Background(), task); res.Outcome != runner.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if len(h.notifier.texts) != 1 {
		t.Fatalf("notifications = %d, want 1", len(h.notifier.texts))
	}
	if strings.Contains(h.notifier.texts[0], "abcdefghijklmnop1234567890") {
		t.Fatalf("token leaked into notification: %q", h.notifier.texts[0])
	}
}

func TestRun_RecurringTaskReturnsToSchedule(t *testing.T) {
	h := newHarness(t)
	task := h.createAndClaim(t, persistence.CreateTaskInput{
		Definition: persistence.Definition{Type: persistence.TaskTypeHeartbeat},
		Schedule:   schedule.Spec{IntervalMs: 60_000},
	})
	turn := turnFunc(func(ctx context.Context, req runner.TurnRequest) (runner.TurnResult, error) {
		return runner.TurnResult{ResponseText: "HEARTBEAT_OK"}, nil
	})
	res := h.runner(turn).Run(context.Background(), task)
	if res.Outcome != runner.OutcomeCompleted {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if res.Task.Status != persistence.TaskStatusScheduled || res.Task.NextRunAt == nil {
		t.Fatalf("recurring task should be rescheduled: %+v", res.Task)
	}
}
