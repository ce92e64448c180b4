package runner

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/policy"
	"go.opentelemetry.io/otel/metric"
)

// ErrCancelled is returned by Guard.Step once the task left the running
// state, normally because an operator cancelled it.
var ErrCancelled = errors.New("task cancelled")

// runGuard re-reads the task and re-checks the ceiling at every step. No
// state is assumed to hold across rounds.
type runGuard struct {
	store   TaskStore
	taskID  string
	skillID string
	scope   policy.Scope
	ceiling budget.Budget
	metrics *otel.Metrics
	logger  *slog.Logger

	mu        sync.Mutex
	cancelled bool
	violation *budget.Violation
	denied    []string
}

func (g *runGuard) Step(ctx context.Context, used budget.Snapshot) error {
	t, err := g.store.Get(ctx, g.taskID)
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		g.markCancelled()
		return ErrCancelled
	case err != nil:
		// A transient read failure should not abort an otherwise healthy run.
		g.logger.Warn("guard: task re-read failed", "task_id", g.taskID, "error", err)
	case t.Status != persistence.TaskStatusRunning:
		g.markCancelled()
		return ErrCancelled
	}
	if v := g.ceiling.Check(used); v != nil {
		g.mu.Lock()
		if g.violation == nil {
			g.violation = v
		}
		g.mu.Unlock()
		return v
	}
	return nil
}

func (g *runGuard) AllowTool(ctx context.Context, tool string) bool {
	if g.scope.Allows(tool) {
		return true
	}
	g.mu.Lock()
	g.denied = append(g.denied, tool)
	g.mu.Unlock()
	subject := g.taskID
	if g.skillID != "" {
		subject = g.skillID + "@" + g.taskID
	}
	audit.Record(ctx, audit.Entry{
		Decision:      audit.Deny,
		Action:        "tool.invoke",
		Reason:        "tool " + tool + " outside effective scope",
		PolicyVersion: g.scope.PolicyVersion(),
		Subject:       subject,
	})
	if g.metrics != nil {
		g.metrics.ToolDenials.Add(ctx, 1, metric.WithAttributes(otel.AttrToolName.String(tool)))
	}
	g.logger.Warn("tool call refused", "task_id", g.taskID, "skill_id", g.skillID, "tool", tool)
	return false
}

func (g *runGuard) markCancelled() {
	g.mu.Lock()
	g.cancelled = true
	g.mu.Unlock()
}

func (g *runGuard) state() (cancelled bool, violation *budget.Violation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cancelled, g.violation
}
