// Package pgstore is the PostgreSQL backend of the task store. It keeps the
// same lifecycle rules as the SQLite store so several daemons can poll one
// shared database.
package pgstore

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

const migrationLockKey = 0x636c6177 // "claw"

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
	bus  *bus.Bus
	now  func() time.Time
}

// New connects, runs pending migrations, and returns the store.
func New(ctx context.Context, dsn string, eventBus *bus.Bus) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &Store{pool: pool, bus: eventBus, now: time.Now}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

func checksum(b []byte) string {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return "ct-pg-" + strconv.FormatUint(h.Sum64(), 16)
}

// migrate applies the embedded SQL files in name order under an advisory
// lock, recording each in schema_migrations with its checksum.
func (s *Store) migrate(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, migrationLockKey); err != nil {
		return fmt.Errorf("lock migrations: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sum := checksum(content)
		var existing string
		err = tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE name = $1`, e.Name()).Scan(&existing)
		switch {
		case err == nil:
			if existing != sum {
				return fmt.Errorf("schema checksum mismatch for %s: got %q want %q", e.Name(), existing, sum)
			}
			continue
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (name, checksum) VALUES ($1, $2)`, e.Name(), sum); err != nil {
			return fmt.Errorf("record migration %s: %w", e.Name(), err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

const taskColumns = `id, type, name, prompt, system_prompt, conversation_id, tool_allow, tool_deny,
	result_route, skill_id, schedule, budget, status, priority, next_run_at, last_run_at, claimed_at,
	retry_count, max_retries, error, budget_consumed, result_text, created_at, updated_at`

func scanTask(row pgx.Row, t *persistence.Task) error {
	var (
		toolAllow, toolDeny, sched, ceil, consumed []byte
		route                                      string
	)
	if err := row.Scan(
		&t.ID, &t.Definition.Type, &t.Definition.Name, &t.Definition.Prompt, &t.Definition.SystemPrompt,
		&t.Definition.ConversationID, &toolAllow, &toolDeny, &route, &t.Definition.SkillID, &sched, &ceil,
		&t.Status, &t.Priority, &t.NextRunAt, &t.LastRunAt, &t.ClaimedAt, &t.RetryCount, &t.MaxRetries,
		&t.Error, &consumed, &t.ResultText, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return err
	}
	if err := json.Unmarshal(toolAllow, &t.Definition.ToolAllow); err != nil {
		return fmt.Errorf("decode tool_allow: %w", err)
	}
	if err := json.Unmarshal(toolDeny, &t.Definition.ToolDeny); err != nil {
		return fmt.Errorf("decode tool_deny: %w", err)
	}
	if err := json.Unmarshal(sched, &t.Schedule); err != nil {
		return fmt.Errorf("decode schedule: %w", err)
	}
	if err := json.Unmarshal(ceil, &t.Budget); err != nil {
		return fmt.Errorf("decode budget: %w", err)
	}
	t.Definition.ResultRoute = shared.ParseResultRoute(route)
	t.BudgetConsumed = nil
	if len(consumed) > 0 {
		var snap budget.Snapshot
		if json.Unmarshal(consumed, &snap) == nil {
			t.BudgetConsumed = &snap
		}
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

func (s *Store) Create(ctx context.Context, in persistence.CreateTaskInput) (*persistence.Task, error) {
	t, err := persistence.NewTask(in, s.now())
	if err != nil {
		return nil, err
	}
	allow, _ := json.Marshal(t.Definition.ToolAllow)
	deny := t.Definition.ToolDeny
	if deny == nil {
		deny = []string{}
	}
	denyJSON, _ := json.Marshal(deny)
	sched, err := json.Marshal(t.Schedule)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	ceil, err := json.Marshal(t.Budget)
	if err != nil {
		return nil, fmt.Errorf("encode budget: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO tasks (id, type, name, prompt, system_prompt, conversation_id, tool_allow, tool_deny,
			result_route, skill_id, schedule, budget, status, priority, next_run_at, retry_count,
			max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 0, $16, $17, $17)
	`, t.ID, t.Definition.Type, t.Definition.Name, t.Definition.Prompt, t.Definition.SystemPrompt,
		t.Definition.ConversationID, allow, denyJSON, t.Definition.ResultRoute.Stored(), t.Definition.SkillID,
		sched, ceil, t.Status, t.Priority, t.NextRunAt, t.MaxRetries, t.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	s.publish(bus.TopicTaskCreated, t)
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*persistence.Task, error) {
	var t persistence.Task
	if err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id), &t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// Claim locks the most urgent due row, skipping rows other claimers hold,
// and flips it to running in the same statement.
func (s *Store) Claim(ctx context.Context, now time.Time) (*persistence.Task, error) {
	var t persistence.Task
	err := scanTask(s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET status = 'running', claimed_at = $1, updated_at = $1
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'scheduled' AND next_run_at IS NOT NULL AND next_run_at <= $1
			ORDER BY priority DESC, next_run_at ASC, id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		) AND status = 'scheduled'
		RETURNING `+taskColumns, now), &t)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim task: %w", err)
	}
	s.publish(bus.TopicTaskClaimed, &t)
	return &t, nil
}

func (s *Store) mutateTask(ctx context.Context, id string, apply func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error)) (*persistence.Task, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin task tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	var t persistence.Task
	if err := scanTask(tx.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id), &t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, persistence.ErrNotFound
		}
		return nil, fmt.Errorf("select task: %w", err)
	}
	from := t.Status
	run, err := apply(&t, s.now())
	if err != nil {
		return nil, err
	}
	sched, err := json.Marshal(t.Schedule)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	ceil, err := json.Marshal(t.Budget)
	if err != nil {
		return nil, fmt.Errorf("encode budget: %w", err)
	}
	var consumed []byte
	if t.BudgetConsumed != nil {
		if consumed, err = marshalJSON(t.BudgetConsumed); err != nil {
			return nil, fmt.Errorf("encode budget snapshot: %w", err)
		}
	}
	tag, err := tx.Exec(ctx, `
		UPDATE tasks
		SET name = $1, prompt = $2, system_prompt = $3, result_route = $4, schedule = $5, budget = $6,
			status = $7, priority = $8, next_run_at = $9, last_run_at = $10, claimed_at = $11,
			retry_count = $12, max_retries = $13, error = $14, budget_consumed = $15, result_text = $16,
			updated_at = $17
		WHERE id = $18 AND status = $19
	`, t.Definition.Name, t.Definition.Prompt, t.Definition.SystemPrompt, t.Definition.ResultRoute.Stored(),
		sched, ceil, t.Status, t.Priority, t.NextRunAt, t.LastRunAt, t.ClaimedAt, t.RetryCount, t.MaxRetries,
		t.Error, consumed, t.ResultText, t.UpdatedAt, t.ID, from)
	if err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	if tag.RowsAffected() != 1 {
		return nil, fmt.Errorf("%w: task %s changed concurrently", persistence.ErrInvalidTransition, t.ID)
	}
	if run != nil {
		if err := insertRun(ctx, tx, *run); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit task tx: %w", err)
	}
	return &t, nil
}

func insertRun(ctx context.Context, tx pgx.Tx, run persistence.TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	consumed, err := marshalJSON(run.BudgetConsumed)
	if err != nil {
		return fmt.Errorf("encode run budget: %w", err)
	}
	if run.BudgetConsumed == nil {
		consumed = nil
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO task_runs (id, task_id, started_at, completed_at, status, error, budget_consumed, result_text)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, run.ID, run.TaskID, run.StartedAt, run.CompletedAt, run.Status, run.Error, consumed, run.ResultText); err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

func (s *Store) Complete(ctx context.Context, id string, snap budget.Snapshot, resultText string) (*persistence.Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error) {
		run, err := persistence.ApplyComplete(t, now, snap, resultText)
		return &run, err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCompleted, t)
	return t, nil
}

func (s *Store) Fail(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*persistence.Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error) {
		run, err := persistence.ApplyFail(t, now, errMsg, snap)
		return &run, err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskFailed, t)
	return t, nil
}

func (s *Store) DeadLetter(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*persistence.Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error) {
		run, err := persistence.ApplyDeadLetter(t, now, errMsg, snap)
		return &run, err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskDeadLettered, t)
	return t, nil
}

func (s *Store) Cancel(ctx context.Context, id string) (*persistence.Task, error) {
	changed := false
	t, err := s.mutateTask(ctx, id, func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error) {
		changed = persistence.ApplyCancel(t, now)
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publish(bus.TopicTaskCancelled, t)
	}
	return t, nil
}

func (s *Store) Reschedule(ctx context.Context, id string, at time.Time) (*persistence.Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error) {
		return nil, persistence.ApplyReschedule(t, now, at)
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskRescheduled, t)
	return t, nil
}

func (s *Store) Retry(ctx context.Context, id string) (*persistence.Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error) {
		return nil, persistence.ApplyRetry(t, now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskRescheduled, t)
	return t, nil
}

func (s *Store) Update(ctx context.Context, id string, in persistence.UpdateTaskInput) (*persistence.Task, error) {
	return s.mutateTask(ctx, id, func(t *persistence.Task, now time.Time) (*persistence.TaskRun, error) {
		return nil, persistence.ApplyUpdate(t, now, in)
	})
}

func (s *Store) ListByStatus(ctx context.Context, status persistence.TaskStatus, limit int) ([]persistence.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows pgx.Rows
	var err error
	if status == "" {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC, id ASC LIMIT $1`, limit)
	} else {
		rows, err = s.pool.Query(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = $1 ORDER BY created_at DESC, id ASC LIMIT $2`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

func (s *Store) ListDue(ctx context.Context, now time.Time) ([]persistence.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'scheduled' AND next_run_at IS NOT NULL AND next_run_at <= $1
		ORDER BY priority DESC, next_run_at ASC, id ASC
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows pgx.Rows) ([]persistence.Task, error) {
	defer rows.Close()
	var out []persistence.Task
	for rows.Next() {
		var t persistence.Task
		if err := scanTask(rows, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

func (s *Store) TaskCounts(ctx context.Context) (map[persistence.TaskStatus]int, error) {
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[persistence.TaskStatus]int, len(persistence.AllStatuses))
	for rows.Next() {
		var st persistence.TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-olderThan)
	if olderThan <= 0 {
		cutoff = now
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks
		SET status = 'scheduled', next_run_at = $1, claimed_at = NULL, updated_at = $1
		WHERE status = 'running' AND (claimed_at IS NULL OR claimed_at <= $2)
	`, now, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]persistence.TaskRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, started_at, completed_at, status, error, budget_consumed, result_text
		FROM task_runs
		WHERE task_id = $1
		ORDER BY started_at ASC, id ASC
		LIMIT $2
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()
	var out []persistence.TaskRun
	for rows.Next() {
		var r persistence.TaskRun
		var consumed []byte
		if err := rows.Scan(&r.ID, &r.TaskID, &r.StartedAt, &r.CompletedAt, &r.Status, &r.Error, &consumed, &r.ResultText); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		if len(consumed) > 0 {
			var snap budget.Snapshot
			if json.Unmarshal(consumed, &snap) == nil {
				r.BudgetConsumed = &snap
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// SumSpend decodes snapshots in Go rather than with jsonb operators so a
// malformed row is skipped the same way the SQLite store skips it.
func (s *Store) SumSpend(ctx context.Context, period persistence.SpendPeriod, now time.Time) (float64, error) {
	start, end, err := persistence.SpendWindow(period, now)
	if err != nil {
		return 0, err
	}
	rows, err := s.pool.Query(ctx, `
		SELECT budget_consumed::text
		FROM task_runs
		WHERE completed_at >= $1 AND completed_at < $2 AND budget_consumed IS NOT NULL
	`, start, end)
	if err != nil {
		return 0, fmt.Errorf("sum spend: %w", err)
	}
	defer rows.Close()
	var raw []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return 0, fmt.Errorf("scan spend row: %w", err)
		}
		raw = append(raw, v)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("spend rows: %w", err)
	}
	return persistence.SumSnapshots(raw), nil
}

func (s *Store) WriteMemory(ctx context.Context, owner, key, content, taskID string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("memory owner required")
	}
	if strings.TrimSpace(key) == "" {
		key = taskID
	}
	now := s.now()
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO skill_memories (owner, key, content, task_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
		ON CONFLICT (owner, key) DO UPDATE SET
			content = EXCLUDED.content,
			task_id = EXCLUDED.task_id,
			updated_at = EXCLUDED.updated_at
	`, owner, key, content, taskID, now); err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

func (s *Store) ListMemories(ctx context.Context, owner string, limit int) ([]persistence.Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, owner, key, content, task_id, created_at, updated_at
		FROM skill_memories
		WHERE owner = $1
		ORDER BY updated_at DESC, id DESC
		LIMIT $2
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()
	var out []persistence.Memory
	for rows.Next() {
		var m persistence.Memory
		if err := rows.Scan(&m.ID, &m.Owner, &m.Key, &m.Content, &m.TaskID, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) PurgeMemoriesBySkillID(ctx context.Context, skillID string) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM skill_memories WHERE owner = $1`, skillID)
	if err != nil {
		return 0, fmt.Errorf("purge memories for %s: %w", skillID, err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) InsertAudit(ctx context.Context, e audit.Entry) error {
	created := s.now()
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		created = ts
	}
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion, created); err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// RecentAudit lists audit rows newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]persistence.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''), action, decision,
			COALESCE(reason, ''), COALESCE(policy_version, ''), created_at
		FROM audit_log
		ORDER BY audit_id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []persistence.AuditEntry
	for rows.Next() {
		var e persistence.AuditEntry
		if err := rows.Scan(&e.AuditID, &e.TraceID, &e.Subject, &e.Action, &e.Decision,
			&e.Reason, &e.PolicyVersion, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// RunRetention mirrors the SQLite store: run history inside the current
// month is always kept.
func (s *Store) RunRetention(ctx context.Context, runDays, auditLogDays int) (persistence.RetentionResult, error) {
	var result persistence.RetentionResult
	now := s.now()

	if runDays > 0 {
		cutoff := now.AddDate(0, 0, -runDays)
		if monthStart, _, err := persistence.SpendWindow(persistence.SpendMonth, now); err == nil && cutoff.After(monthStart) {
			cutoff = monthStart
		}
		tag, err := s.pool.Exec(ctx, `DELETE FROM task_runs WHERE started_at < $1`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_runs: %w", err)
		}
		result.PurgedRuns = tag.RowsAffected()
	}
	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays)
		tag, err := s.pool.Exec(ctx, `DELETE FROM audit_log WHERE created_at < $1`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs = tag.RowsAffected()
	}
	return result, nil
}

func (s *Store) publish(topic string, t *persistence.Task) {
	if s.bus == nil || t == nil {
		return
	}
	s.bus.Publish(topic, bus.TaskEvent{
		TaskID:     t.ID,
		Status:     string(t.Status),
		SkillID:    t.Definition.SkillID,
		RetryCount: t.RetryCount,
		Error:      t.Error,
	})
}

// Truncate empties every task table. Used to reset shared test databases.
func (s *Store) Truncate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `TRUNCATE task_runs, tasks, skill_memories, audit_log RESTART IDENTITY`); err != nil {
		return fmt.Errorf("truncate: %w", err)
	}
	return nil
}
