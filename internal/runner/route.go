package runner

import (
	"context"
	"log/slog"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/safety"
	"github.com/basket/clawtask/internal/shared"
)

// route delivers a completed run's text. Delivery failures are logged; the
// run itself already completed.
func (r *Runner) route(ctx context.Context, task *persistence.Task, ex execution, text string, logger *slog.Logger) {
	switch ex.route.Kind {
	case shared.RouteSilent:
		return
	case shared.RouteNotify:
		if leaks := safety.ScanLeaks(text); len(leaks) > 0 {
			text = shared.Redact(text)
			audit.Record(ctx, audit.Entry{Decision: audit.Deny, Action: "result.leak", Reason: leaks[0].Pattern + " in result text", Subject: task.ID})
			logger.Warn("secret-like text redacted from notification", "patterns", len(leaks))
		}
		if r.notifier == nil {
			logger.Warn("notify route requested but no notifier is configured")
			return
		}
		if err := r.notifier.Notify(ctx, task, text); err != nil {
			logger.Error("notify delivery failed", "error", err)
		}
	case shared.RouteMemoryUpdate:
		if r.memories == nil {
			logger.Warn("memory_update route requested but no memory store is configured")
			return
		}
		owner := persistence.TaskMemoryOwner(task.ID)
		if ex.skill != nil {
			owner = ex.skill.ID
		}
		if err := r.memories.WriteMemory(ctx, owner, "", text, task.ID); err != nil {
			logger.Error("memory update failed", "owner", owner, "error", err)
		}
	case shared.RouteOther:
		logger.Warn("unknown result route; result kept on the task only", "route", ex.route.Raw)
	}
}
