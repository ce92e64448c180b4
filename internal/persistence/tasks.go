package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/shared"
)

const taskColumns = `id, type, name, prompt, system_prompt, conversation_id, tool_allow_json,
	tool_deny_json, result_route, skill_id, schedule_json, budget_json, status, priority,
	next_run_at, last_run_at, claimed_at, retry_count, max_retries, error, budget_consumed_json,
	result_text, created_at, updated_at`

func scanTask(scanFn func(dest ...any) error, t *Task) error {
	var (
		toolAllow, toolDeny, route, schedJSON, budgetJSON string
		consumed                                         sql.NullString
		nextRun, lastRun, claimed                        sql.NullInt64
		createdAt, updatedAt                             int64
	)
	if err := scanFn(
		&t.ID,
		&t.Definition.Type,
		&t.Definition.Name,
		&t.Definition.Prompt,
		&t.Definition.SystemPrompt,
		&t.Definition.ConversationID,
		&toolAllow,
		&toolDeny,
		&route,
		&t.Definition.SkillID,
		&schedJSON,
		&budgetJSON,
		&t.Status,
		&t.Priority,
		&nextRun,
		&lastRun,
		&claimed,
		&t.RetryCount,
		&t.MaxRetries,
		&t.Error,
		&consumed,
		&t.ResultText,
		&createdAt,
		&updatedAt,
	); err != nil {
		return err
	}
	if err := json.Unmarshal([]byte(toolAllow), &t.Definition.ToolAllow); err != nil {
		return fmt.Errorf("decode tool_allow_json: %w", err)
	}
	if err := json.Unmarshal([]byte(toolDeny), &t.Definition.ToolDeny); err != nil {
		return fmt.Errorf("decode tool_deny_json: %w", err)
	}
	if err := json.Unmarshal([]byte(schedJSON), &t.Schedule); err != nil {
		return fmt.Errorf("decode schedule_json: %w", err)
	}
	if err := json.Unmarshal([]byte(budgetJSON), &t.Budget); err != nil {
		return fmt.Errorf("decode budget_json: %w", err)
	}
	t.Definition.ResultRoute = shared.ParseResultRoute(route)
	t.BudgetConsumed = nil
	if consumed.Valid && consumed.String != "" {
		var snap budget.Snapshot
		// A damaged snapshot is display data only; the row stays readable.
		if json.Unmarshal([]byte(consumed.String), &snap) == nil {
			t.BudgetConsumed = &snap
		}
	}
	t.NextRunAt = fromNullMillis(nextRun)
	t.LastRunAt = fromNullMillis(lastRun)
	t.ClaimedAt = fromNullMillis(claimed)
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return nil
}

// taskArgs encodes the columns that depend on JSON marshaling.
type taskArgs struct {
	toolAllow, toolDeny, schedule, budget string
	consumed                              sql.NullString
}

func encodeTask(t *Task) (taskArgs, error) {
	var a taskArgs
	enc := func(v any, what string) (string, error) {
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", what, err)
		}
		return string(b), nil
	}
	var err error
	if a.toolAllow, err = enc(t.Definition.ToolAllow, "tool allow"); err != nil {
		return a, err
	}
	deny := t.Definition.ToolDeny
	if deny == nil {
		deny = []string{}
	}
	if a.toolDeny, err = enc(deny, "tool deny"); err != nil {
		return a, err
	}
	if a.schedule, err = enc(t.Schedule, "schedule"); err != nil {
		return a, err
	}
	if a.budget, err = enc(t.Budget, "budget"); err != nil {
		return a, err
	}
	if t.BudgetConsumed != nil {
		s, err := enc(t.BudgetConsumed, "budget snapshot")
		if err != nil {
			return a, err
		}
		a.consumed = sql.NullString{String: s, Valid: true}
	}
	return a, nil
}

// Create inserts a new task with its initial schedule state.
func (s *Store) Create(ctx context.Context, in CreateTaskInput) (*Task, error) {
	t, err := NewTask(in, s.now())
	if err != nil {
		return nil, err
	}
	a, err := encodeTask(t)
	if err != nil {
		return nil, err
	}
	err = retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, type, name, prompt, system_prompt, conversation_id, tool_allow_json,
				tool_deny_json, result_route, skill_id, schedule_json, budget_json, status, priority,
				next_run_at, retry_count, max_retries, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?);
		`, t.ID, t.Definition.Type, t.Definition.Name, t.Definition.Prompt, t.Definition.SystemPrompt,
			t.Definition.ConversationID, a.toolAllow, a.toolDeny, t.Definition.ResultRoute.Stored(),
			t.Definition.SkillID, a.schedule, a.budget, t.Status, t.Priority, nullMillis(t.NextRunAt),
			t.MaxRetries, toMillis(t.CreatedAt), toMillis(t.UpdatedAt))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}
	s.publish(bus.TopicTaskCreated, t)
	return t, nil
}

func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	var t Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &t, nil
}

// Claim atomically moves the most urgent due task to running. It returns
// nil, nil when nothing is due. The select and the status change are one
// statement, so concurrent callers cannot both win the same row.
func (s *Store) Claim(ctx context.Context, now time.Time) (*Task, error) {
	var claimed *Task
	err := retryOnBusy(ctx, 5, func() error {
		var t Task
		row := s.db.QueryRowContext(ctx, `
			UPDATE tasks
			SET status = 'running', claimed_at = ?, updated_at = ?
			WHERE id = (
				SELECT id FROM tasks
				WHERE status = 'scheduled' AND next_run_at IS NOT NULL AND next_run_at <= ?
				ORDER BY priority DESC, next_run_at ASC, id ASC
				LIMIT 1
			) AND status = 'scheduled'
			RETURNING `+taskColumns+`;
		`, toMillis(now), toMillis(now), toMillis(now))
		if err := scanTask(row.Scan, &t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				claimed = nil
				return nil
			}
			return err
		}
		claimed = &t
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}
	if claimed != nil {
		s.publish(bus.TopicTaskClaimed, claimed)
	}
	return claimed, nil
}

// mutateTask runs read-modify-write on one row inside a single transaction.
// The write is conditioned on the status that was read, so a concurrent
// transition makes it fail with ErrInvalidTransition instead of clobbering.
// apply may return a run to append in the same transaction.
func (s *Store) mutateTask(ctx context.Context, id string, apply func(t *Task, now time.Time) (*TaskRun, error)) (*Task, error) {
	var out *Task
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var t Task
		row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
		if err := scanTask(row.Scan, &t); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select task: %w", err)
		}
		from := t.Status
		run, err := apply(&t, s.now())
		if err != nil {
			return err
		}
		if err := s.writeTaskTx(ctx, tx, &t, from); err != nil {
			return err
		}
		if run != nil {
			if err := s.recordRunTx(ctx, tx, *run); err != nil {
				return err
			}
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit task tx: %w", err)
		}
		out = &t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) writeTaskTx(ctx context.Context, tx *sql.Tx, t *Task, from TaskStatus) error {
	a, err := encodeTask(t)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, prompt = ?, system_prompt = ?, result_route = ?, schedule_json = ?, budget_json = ?,
			status = ?, priority = ?, next_run_at = ?, last_run_at = ?, claimed_at = ?, retry_count = ?,
			max_retries = ?, error = ?, budget_consumed_json = ?, result_text = ?, updated_at = ?
		WHERE id = ? AND status = ?;
	`, t.Definition.Name, t.Definition.Prompt, t.Definition.SystemPrompt, t.Definition.ResultRoute.Stored(),
		a.schedule, a.budget, t.Status, t.Priority, nullMillis(t.NextRunAt), nullMillis(t.LastRunAt),
		nullMillis(t.ClaimedAt), t.RetryCount, t.MaxRetries, t.Error, a.consumed, t.ResultText,
		toMillis(t.UpdatedAt), t.ID, from)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task rows affected: %w", err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: task %s changed concurrently", ErrInvalidTransition, t.ID)
	}
	return nil
}

// Complete records a successful run. Only a running task can complete.
func (s *Store) Complete(ctx context.Context, id string, snap budget.Snapshot, resultText string) (*Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *Task, now time.Time) (*TaskRun, error) {
		run, err := ApplyComplete(t, now, snap, resultText)
		return &run, err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskCompleted, t)
	return t, nil
}

// Fail records a failed run and increments the retry counter.
func (s *Store) Fail(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *Task, now time.Time) (*TaskRun, error) {
		run, err := ApplyFail(t, now, errMsg, snap)
		return &run, err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskFailed, t)
	return t, nil
}

// DeadLetter records a failed run and parks the task permanently.
func (s *Store) DeadLetter(ctx context.Context, id, errMsg string, snap budget.Snapshot) (*Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *Task, now time.Time) (*TaskRun, error) {
		run, err := ApplyDeadLetter(t, now, errMsg, snap)
		return &run, err
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskDeadLettered, t)
	return t, nil
}

// Cancel marks the task cancelled whatever its status. A run in flight is
// not interrupted; the runner notices on its next guard check.
func (s *Store) Cancel(ctx context.Context, id string) (*Task, error) {
	changed := false
	t, err := s.mutateTask(ctx, id, func(t *Task, now time.Time) (*TaskRun, error) {
		changed = ApplyCancel(t, now)
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

// Reschedule puts a failed task back in the queue at the given time.
func (s *Store) Reschedule(ctx context.Context, id string, at time.Time) (*Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *Task, now time.Time) (*TaskRun, error) {
		return nil, ApplyReschedule(t, now, at)
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskRescheduled, t)
	return t, nil
}

// Retry is the operator retry for failed, dead-lettered, or cancelled tasks.
func (s *Store) Retry(ctx context.Context, id string) (*Task, error) {
	t, err := s.mutateTask(ctx, id, func(t *Task, now time.Time) (*TaskRun, error) {
		return nil, ApplyRetry(t, now)
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTaskRescheduled, t)
	return t, nil
}

func (s *Store) Update(ctx context.Context, id string, in UpdateTaskInput) (*Task, error) {
	return s.mutateTask(ctx, id, func(t *Task, now time.Time) (*TaskRun, error) {
		return nil, ApplyUpdate(t, now, in)
	})
}

// ListByStatus lists tasks newest first. An empty status lists every task.
func (s *Store) ListByStatus(ctx context.Context, status TaskStatus, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows *sql.Rows
	var err error
	if status == "" {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			ORDER BY created_at DESC, id ASC
			LIMIT ?;
		`, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = ?
			ORDER BY created_at DESC, id ASC
			LIMIT ?;
		`, status, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return collectTasks(rows)
}

// ListDue lists scheduled tasks that a claim at now could pick, in claim order.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'scheduled' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY priority DESC, next_run_at ASC, id ASC;
	`, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("list due tasks: %w", err)
	}
	return collectTasks(rows)
}

func collectTasks(rows *sql.Rows) ([]Task, error) {
	defer rows.Close()
	var out []Task
	for rows.Next() {
		var t Task
		if err := scanTask(rows.Scan, &t); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TaskCounts returns the number of tasks per status.
func (s *Store) TaskCounts(ctx context.Context) (map[TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()
	out := make(map[TaskStatus]int, len(AllStatuses))
	for rows.Next() {
		var st TaskStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan task count: %w", err)
		}
		out[st] = n
	}
	return out, rows.Err()
}

// RequeueStale returns tasks stuck in running (their runner died) to the
// queue, due immediately. olderThan <= 0 requeues every running task; only
// an operator who knows no other process is polling should ask for that.
func (s *Store) RequeueStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	now := s.now()
	cutoff := now.Add(-olderThan)
	if olderThan <= 0 {
		cutoff = now
	}
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'scheduled', next_run_at = ?, claimed_at = NULL, updated_at = ?
			WHERE status = 'running' AND (claimed_at IS NULL OR claimed_at <= ?);
		`, toMillis(now), toMillis(now), toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return n, nil
}

func (s *Store) publish(topic string, t *Task) {
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
