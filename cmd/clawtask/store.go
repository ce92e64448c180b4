package main

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/config"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/persistence/pgstore"
)

// taskStore is the method set shared by the SQLite and Postgres backends.
type taskStore interface {
	Create(ctx context.Context, in persistence.CreateTaskInput) (*persistence.Task, error)
	Get(ctx context.Context, id string) (*persistence.Task, error)
	Claim(ctx context.Context, now time.Time) (*persistence.Task, error)
	Complete(ctx context.Context, id string, snap budget.Snapshot, resultText string) (*persistence.Task, error)
	Fail(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*persistence.Task, error)
	DeadLetter(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*persistence.Task, error)
	Cancel(ctx context.Context, id string) (*persistence.Task, error)
	Reschedule(ctx context.Context, id string, at time.Time) (*persistence.Task, error)
	Retry(ctx context.Context, id string) (*persistence.Task, error)
	Update(ctx context.Context, id string, in persistence.UpdateTaskInput) (*persistence.Task, error)
	ListByStatus(ctx context.Context, status persistence.TaskStatus, limit int) ([]persistence.Task, error)
	ListDue(ctx context.Context, now time.Time) ([]persistence.Task, error)
	TaskCounts(ctx context.Context) (map[persistence.TaskStatus]int, error)
	RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error)
	ListRuns(ctx context.Context, taskID string, limit int) ([]persistence.TaskRun, error)
	SumSpend(ctx context.Context, period persistence.SpendPeriod, now time.Time) (float64, error)

	WriteMemory(ctx context.Context, owner, key, content, taskID string) error
	ListMemories(ctx context.Context, owner string, limit int) ([]persistence.Memory, error)
	PurgeMemoriesBySkillID(ctx context.Context, skillID string) (int64, error)

	InsertAudit(ctx context.Context, e audit.Entry) error
	RecentAudit(ctx context.Context, limit int) ([]persistence.AuditEntry, error)
	RunRetention(ctx context.Context, runDays, auditLogDays int) (persistence.RetentionResult, error)

	Close() error
}

var (
	_ taskStore = (*persistence.Store)(nil)
	_ taskStore = (*pgstore.Store)(nil)
)

// openStore opens the configured backend. eventBus may be nil for one-shot
// CLI commands.
func openStore(ctx context.Context, cfg config.Config, eventBus *bus.Bus) (taskStore, error) {
	switch cfg.Database.Driver {
	case config.DriverPostgres:
		s, err := pgstore.New(ctx, cfg.Database.URL, eventBus)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return s, nil
	default:
		s, err := persistence.Open(cfg.DBPath(), eventBus)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		return s, nil
	}
}

// storeOpener is swapped in tests.
var storeOpener = openStore
