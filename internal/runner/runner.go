// Package runner executes a claimed task: it resolves the task's skill,
// builds the scoped execution (tools, budget, prompt), calls the agent turn
// and reports the outcome back to the task store.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/policy"
	"github.com/basket/clawtask/internal/pricing"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/skills"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// TaskStore is the part of the task store the runner writes outcomes to.
// Both the SQLite and Postgres stores satisfy it.
type TaskStore interface {
	Get(ctx context.Context, id string) (*persistence.Task, error)
	Complete(ctx context.Context, id string, snap budget.Snapshot, resultText string) (*persistence.Task, error)
	Fail(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*persistence.Task, error)
	DeadLetter(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*persistence.Task, error)
	Reschedule(ctx context.Context, id string, at time.Time) (*persistence.Task, error)
}

// SkillSource resolves skills by id. *skills.Registry satisfies it.
type SkillSource interface {
	Get(id string) (skills.Manifest, bool)
	Enabled(id string) bool
}

// PolicySource supplies the global tool policy. *policy.LivePolicy satisfies it.
type PolicySource interface {
	Snapshot() policy.Policy
}

// MemoryWriter receives memory_update results.
type MemoryWriter interface {
	WriteMemory(ctx context.Context, owner, key, content, taskID string) error
}

// Notifier receives notify results.
type Notifier interface {
	Notify(ctx context.Context, task *persistence.Task, text string) error
}

// Outcome is what happened to one run.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeRetrying     Outcome = "retrying"
	OutcomeFailed       Outcome = "failed"
	OutcomeDeadLettered Outcome = "dead_letter"
	OutcomeCancelled    Outcome = "cancelled"
	// OutcomeInterrupted means the runner's own context ended mid-run. The
	// row is left running for RequeueStale to recover.
	OutcomeInterrupted Outcome = "interrupted"
	OutcomeStoreError  Outcome = "store_error"
)

// Result reports a finished run. Task is the row as last written, or nil
// when nothing was written.
type Result struct {
	Outcome  Outcome
	Task     *persistence.Task
	Snapshot budget.Snapshot
	RetryAt  *time.Time
	Err      error
}

type Config struct {
	Store    TaskStore
	Skills   SkillSource
	Turn     AgentTurn
	Policy   PolicySource
	Notifier Notifier
	Memories MemoryWriter
	Metrics  *otel.Metrics
	Tracer   trace.Tracer
	Logger   *slog.Logger
	// Model is sent with every turn and used for cost estimation when the
	// turn does not name one.
	Model string
	Now   func() time.Time
}

type Runner struct {
	store    TaskStore
	skills   SkillSource
	turn     AgentTurn
	policy   PolicySource
	notifier Notifier
	memories MemoryWriter
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	model    string
	now      func() time.Time
}

func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	tracer := cfg.Tracer
	if tracer == nil {
		tracer = nooptrace.NewTracerProvider().Tracer(otel.ScopeName)
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Runner{
		store:    cfg.Store,
		skills:   cfg.Skills,
		turn:     cfg.Turn,
		policy:   cfg.Policy,
		notifier: cfg.Notifier,
		memories: cfg.Memories,
		metrics:  cfg.Metrics,
		tracer:   tracer,
		logger:   logger,
		model:    cfg.Model,
		now:      now,
	}
}

// execution is the scoped context built for one run.
type execution struct {
	skill        *skills.Manifest
	systemPrompt string
	scope        policy.Scope
	ceiling      budget.Budget
	route        shared.ResultRoute
}

// configError marks failures no retry can fix.
type configError struct{ msg string }

func (e *configError) Error() string { return e.msg }

func (r *Runner) prepare(task *persistence.Task) (execution, error) {
	var ex execution
	def := task.Definition
	global := policy.Default()
	if r.policy != nil {
		global = r.policy.Snapshot()
	}
	layers := []policy.Layer{{Name: "task", Allow: def.ToolAllow, Deny: def.ToolDeny}}
	ex.ceiling = task.Budget
	ex.route = def.ResultRoute
	ex.systemPrompt = def.SystemPrompt

	if def.SkillID != "" {
		if r.skills == nil {
			return ex, &configError{msg: fmt.Sprintf("skill %q requested but no skill registry is configured", def.SkillID)}
		}
		m, ok := r.skills.Get(def.SkillID)
		if !ok {
			return ex, &configError{msg: fmt.Sprintf("skill %q is not installed", def.SkillID)}
		}
		if !r.skills.Enabled(def.SkillID) {
			return ex, &configError{msg: fmt.Sprintf("skill %q is disabled", def.SkillID)}
		}
		ex.skill = &m
		layers = append(layers, policy.Layer{Name: "skill:" + m.ID, Allow: m.ToolAllow, Deny: m.ToolDeny})
		ex.ceiling = m.Budget.Override(task.Budget)
		ex.systemPrompt = joinPrompt(m.Instructions, def.SystemPrompt)
		if !ex.route.Declared() && m.ResultRoute != nil {
			ex.route = *m.ResultRoute
		}
	}
	ex.scope = policy.Resolve(global, layers...)
	return ex, nil
}

func joinPrompt(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}

// Run executes a task the caller has already claimed. It never panics on a
// turn failure; every path ends in a Result.
func (r *Runner) Run(ctx context.Context, task *persistence.Task) Result {
	start := r.now()
	runID := shared.NewRunID()
	ctx = shared.WithRun(ctx, task.ID, runID, task.Definition.SkillID)
	ctx, span := otel.StartSpan(ctx, r.tracer, "runner.run",
		otel.AttrTaskID.String(task.ID),
		otel.AttrRunID.String(runID),
		otel.AttrTaskType.String(string(task.Definition.Type)),
		otel.AttrSkillID.String(task.Definition.SkillID),
	)
	defer span.End()
	if r.metrics != nil {
		r.metrics.ActiveWorkers.Add(ctx, 1)
		defer r.metrics.ActiveWorkers.Add(ctx, -1)
	}
	logger := slog.New(r.logger.Handler().WithAttrs(shared.LogAttrs(ctx)))

	res := r.execute(ctx, task, runID, start, logger)

	span.SetAttributes(otel.AttrOutcome.String(string(res.Outcome)))
	otel.MarkError(span, res.Err)
	r.record(ctx, res, start)
	return res
}

func (r *Runner) execute(ctx context.Context, task *persistence.Task, runID string, start time.Time, logger *slog.Logger) Result {
	ex, err := r.prepare(task)
	if err != nil {
		logger.Error("task misconfigured", "error", err)
		return r.deadLetter(ctx, task, err.Error(), budget.Snapshot{}, err, logger)
	}

	guard := &runGuard{
		store:   r.store,
		taskID:  task.ID,
		skillID: task.Definition.SkillID,
		scope:   ex.scope,
		ceiling: ex.ceiling,
		metrics: r.metrics,
		logger:  logger,
	}
	allow, deny := ex.scope.Describe()
	req := TurnRequest{
		TaskID:         task.ID,
		RunID:          runID,
		Prompt:         task.Definition.Prompt,
		SystemPrompt:   ex.systemPrompt,
		ConversationID: task.Definition.ConversationID,
		Model:          r.model,
		ToolAllow:      allow,
		ToolDeny:       deny,
		Budget:         ex.ceiling,
		Guard:          guard,
	}

	turnCtx, cancel := ctx, context.CancelFunc(func() {})
	if ex.ceiling.MaxWallClockMs != nil {
		turnCtx, cancel = context.WithTimeout(ctx, time.Duration(*ex.ceiling.MaxWallClockMs)*time.Millisecond)
	}
	turnCtx, turnSpan := otel.StartClientSpan(turnCtx, r.tracer, "agent.turn",
		otel.AttrTaskID.String(task.ID),
		otel.AttrModel.String(r.model),
	)
	logger.Info("agent turn started", "budget", ex.ceiling.Format(), "unrestricted_tools", ex.scope.Unrestricted())
	out, turnErr := r.turn.RunTurn(turnCtx, req)
	deadlineHit := errors.Is(turnCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	turnSpan.SetAttributes(
		otel.AttrTokensInput.Int(out.PromptTokens),
		otel.AttrTokensOutput.Int(out.CompletionTokens),
	)
	turnSpan.End()
	cancel()

	snap := r.fillSnapshot(out, start)
	cancelled, violation := guard.state()
	if len(guard.denied) > 0 {
		logger.Info("tool calls refused during run", "count", len(guard.denied))
	}

	switch {
	case cancelled || errors.Is(turnErr, ErrCancelled):
		logger.Info("run abandoned: task no longer running")
		return Result{Outcome: OutcomeCancelled, Snapshot: snap}
	case ctx.Err() != nil:
		logger.Warn("run interrupted", "error", ctx.Err())
		return Result{Outcome: OutcomeInterrupted, Snapshot: snap, Err: ctx.Err()}
	case violation != nil:
		return r.budgetStop(ctx, task, violation, snap, logger)
	case deadlineHit:
		v := &budget.Violation{Field: "wall_clock_ms", Used: fmt.Sprint(snap.WallClockMs), Limit: fmt.Sprint(*ex.ceiling.MaxWallClockMs)}
		return r.budgetStop(ctx, task, v, snap, logger)
	case turnErr != nil:
		var v *budget.Violation
		if errors.As(turnErr, &v) {
			return r.budgetStop(ctx, task, v, snap, logger)
		}
		logger.Warn("agent turn failed", "error", turnErr, "retry_count", task.RetryCount, "max_retries", task.MaxRetries)
		return r.failOrDeadLetter(ctx, task, turnErr, snap, logger)
	}
	if v := ex.ceiling.Check(snap); v != nil {
		return r.budgetStop(ctx, task, v, snap, logger)
	}

	done, err := r.store.Complete(ctx, task.ID, snap, out.ResponseText)
	if err != nil {
		return r.storeFailure(task, err, snap, logger)
	}
	logger.Info("task completed",
		"status", done.Status,
		"tokens", snap.TokensUsed,
		"cost_usd", snap.EstimatedCostUSD,
		"tool_calls", snap.ToolCalls,
	)
	r.route(ctx, done, ex, out.ResponseText, logger)
	return Result{Outcome: OutcomeCompleted, Task: done, Snapshot: snap}
}

// fillSnapshot completes counters the turn left at zero.
func (r *Runner) fillSnapshot(out TurnResult, start time.Time) budget.Snapshot {
	snap := out.Snapshot
	if snap.WallClockMs == 0 {
		snap.WallClockMs = r.now().Sub(start).Milliseconds()
	}
	if snap.TokensUsed == 0 {
		snap.TokensUsed = int64(out.PromptTokens + out.CompletionTokens)
	}
	if snap.EstimatedCostUSD == 0 && (out.PromptTokens > 0 || out.CompletionTokens > 0) {
		model := out.Model
		if model == "" {
			model = r.model
		}
		snap.EstimatedCostUSD = pricing.EstimateCost(model, out.PromptTokens, out.CompletionTokens)
	}
	return snap
}

// budgetStop dead-letters: a run that blew its ceiling would blow it again.
func (r *Runner) budgetStop(ctx context.Context, task *persistence.Task, v *budget.Violation, snap budget.Snapshot, logger *slog.Logger) Result {
	logger.Warn("budget ceiling exceeded", "field", v.Field, "used", v.Used, "limit", v.Limit)
	audit.Record(ctx, audit.Entry{Decision: audit.Deny, Action: "task.budget", Reason: v.Error(), Subject: task.ID})
	return r.deadLetter(ctx, task, v.Error(), snap, v, logger)
}

func (r *Runner) failOrDeadLetter(ctx context.Context, task *persistence.Task, cause error, snap budget.Snapshot, logger *slog.Logger) Result {
	msg := cause.Error()
	if task.RetryCount >= task.MaxRetries {
		return r.deadLetter(ctx, task, fmt.Sprintf("retries exhausted after %d attempts: %s", task.RetryCount+1, msg), snap, cause, logger)
	}
	failed, err := r.store.Fail(ctx, task.ID, msg, snap)
	if err != nil {
		return r.storeFailure(task, err, snap, logger)
	}
	at := r.now().Add(retryDelay(task.ID, failed.RetryCount))
	next, err := r.store.Reschedule(ctx, task.ID, at)
	if err != nil {
		logger.Warn("retry not scheduled", "error", err)
		return Result{Outcome: OutcomeFailed, Task: failed, Snapshot: snap, Err: cause}
	}
	logger.Info("task retry scheduled", "retry_count", next.RetryCount, "next_run_at", at)
	return Result{Outcome: OutcomeRetrying, Task: next, Snapshot: snap, RetryAt: &at, Err: cause}
}

func (r *Runner) deadLetter(ctx context.Context, task *persistence.Task, msg string, snap budget.Snapshot, cause error, logger *slog.Logger) Result {
	dl, err := r.store.DeadLetter(ctx, task.ID, msg, snap)
	if err != nil {
		return r.storeFailure(task, err, snap, logger)
	}
	logger.Error("task dead-lettered", "error", msg)
	return Result{Outcome: OutcomeDeadLettered, Task: dl, Snapshot: snap, Err: cause}
}

func (r *Runner) storeFailure(task *persistence.Task, err error, snap budget.Snapshot, logger *slog.Logger) Result {
	if errors.Is(err, persistence.ErrNotRunning) || errors.Is(err, persistence.ErrInvalidTransition) {
		logger.Info("outcome discarded: task changed while running", "error", err)
		return Result{Outcome: OutcomeCancelled, Snapshot: snap}
	}
	logger.Error("recording outcome failed", "error", err)
	return Result{Outcome: OutcomeStoreError, Snapshot: snap, Err: err}
}

func (r *Runner) record(ctx context.Context, res Result, start time.Time) {
	if r.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(otel.AttrOutcome.String(string(res.Outcome)))
	r.metrics.TaskOutcomes.Add(ctx, 1, attrs)
	r.metrics.TaskDuration.Record(ctx, r.now().Sub(start).Seconds(), attrs)
	if res.Snapshot.TokensUsed > 0 {
		r.metrics.TokensUsed.Add(ctx, res.Snapshot.TokensUsed)
	}
	if res.Snapshot.EstimatedCostUSD > 0 {
		r.metrics.CostUSD.Add(ctx, res.Snapshot.EstimatedCostUSD)
	}
}
