package persistence

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/google/uuid"
)

// The functions in this file are the storage-independent half of the task
// state machine. Each backend reads the row inside its write transaction,
// applies one of these, and writes the result back with a status CAS.

// NewTask validates input and computes the initial status and nextRunAt.
func NewTask(in CreateTaskInput, now time.Time) (*Task, error) {
	def := in.Definition
	if def.Type == "" {
		def.Type = TaskTypeOneShot
	}
	if !def.Type.Valid() {
		return nil, fmt.Errorf("unknown task type %q", def.Type)
	}
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		return nil, fmt.Errorf("task name required")
	}
	if strings.TrimSpace(def.Prompt) == "" {
		return nil, fmt.Errorf("task prompt required")
	}
	next, scheduled, err := in.Schedule.Initial(now)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	maxRetries := DefaultMaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return nil, fmt.Errorf("max retries must not be negative: %d", *in.MaxRetries)
		}
		maxRetries = *in.MaxRetries
	}
	t := &Task{
		ID:         uuid.NewString(),
		Definition: def,
		Schedule:   in.Schedule,
		Budget:     in.Budget,
		Status:     TaskStatusPending,
		Priority:   in.Priority,
		MaxRetries: maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if scheduled {
		t.Status = TaskStatusScheduled
		t.NextRunAt = next
	}
	return t, nil
}

// ApplyComplete records a successful run. Recurring tasks go back to
// scheduled with a cleared error and retry counter.
func ApplyComplete(t *Task, now time.Time, snap budget.Snapshot, resultText string) (TaskRun, error) {
	if t.Status != TaskStatusRunning {
		return TaskRun{}, ErrNotRunning
	}
	next, err := t.Schedule.Next(now)
	if err != nil {
		return TaskRun{}, fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
	}
	if next != nil {
		t.Status = TaskStatusScheduled
		t.NextRunAt = next
		t.Error = ""
		t.RetryCount = 0
	} else {
		t.Status = TaskStatusCompleted
		t.NextRunAt = nil
	}
	run := newRun(t, now, RunStatusCompleted, "", snap, resultText)
	t.BudgetConsumed = &snap
	t.ResultText = resultText
	t.LastRunAt = &now
	t.ClaimedAt = nil
	t.UpdatedAt = now
	return run, nil
}

// ApplyFail records a failed run and bumps the retry counter. Whether to
// retry is the caller's decision.
func ApplyFail(t *Task, now time.Time, errMsg string, snap budget.Snapshot) (TaskRun, error) {
	if t.Status != TaskStatusRunning {
		return TaskRun{}, ErrNotRunning
	}
	run := newRun(t, now, RunStatusFailed, errMsg, snap, "")
	t.Status = TaskStatusFailed
	t.RetryCount++
	t.Error = errMsg
	t.NextRunAt = nil
	t.BudgetConsumed = &snap
	t.LastRunAt = &now
	t.ClaimedAt = nil
	t.UpdatedAt = now
	return run, nil
}

// ApplyDeadLetter is terminal: the schedule is ignored even when it recurs.
func ApplyDeadLetter(t *Task, now time.Time, errMsg string, snap budget.Snapshot) (TaskRun, error) {
	if t.Status != TaskStatusRunning {
		return TaskRun{}, ErrNotRunning
	}
	run := newRun(t, now, RunStatusFailed, errMsg, snap, "")
	t.Status = TaskStatusDeadLetter
	t.Error = errMsg
	t.NextRunAt = nil
	t.BudgetConsumed = &snap
	t.LastRunAt = &now
	t.ClaimedAt = nil
	t.UpdatedAt = now
	return run, nil
}

// ApplyCancel works from any status. It reports false when the task was
// already cancelled.
func ApplyCancel(t *Task, now time.Time) bool {
	if t.Status == TaskStatusCancelled {
		return false
	}
	t.Status = TaskStatusCancelled
	t.NextRunAt = nil
	t.ClaimedAt = nil
	t.UpdatedAt = now
	return true
}

// ApplyReschedule moves a failed task back to scheduled at the given time,
// keeping its retry counter.
func ApplyReschedule(t *Task, now, at time.Time) error {
	if t.Status != TaskStatusFailed {
		return fmt.Errorf("%w: reschedule from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = TaskStatusScheduled
	t.NextRunAt = &at
	t.UpdatedAt = now
	return nil
}

var retryableStatuses = []TaskStatus{TaskStatusFailed, TaskStatusDeadLetter, TaskStatusCancelled}

// ApplyRetry is the operator's manual retry: due now, counters reset.
func ApplyRetry(t *Task, now time.Time) error {
	if !slices.Contains(retryableStatuses, t.Status) {
		return fmt.Errorf("%w: retry from %s", ErrInvalidTransition, t.Status)
	}
	t.Status = TaskStatusScheduled
	t.NextRunAt = &now
	t.RetryCount = 0
	t.Error = ""
	t.UpdatedAt = now
	return nil
}

// ApplyUpdate edits definition fields. A schedule edit recomputes the next
// occurrence only for pending and scheduled tasks; running tasks pick the new
// schedule up when they complete.
func ApplyUpdate(t *Task, now time.Time, in UpdateTaskInput) error {
	if in.Name != nil {
		name := strings.TrimSpace(*in.Name)
		if name == "" {
			return fmt.Errorf("task name required")
		}
		t.Definition.Name = name
	}
	if in.Prompt != nil {
		if strings.TrimSpace(*in.Prompt) == "" {
			return fmt.Errorf("task prompt required")
		}
		t.Definition.Prompt = *in.Prompt
	}
	if in.SystemPrompt != nil {
		t.Definition.SystemPrompt = *in.SystemPrompt
	}
	if in.Priority != nil {
		t.Priority = *in.Priority
	}
	if in.Budget != nil {
		t.Budget = *in.Budget
	}
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return fmt.Errorf("max retries must not be negative: %d", *in.MaxRetries)
		}
		t.MaxRetries = *in.MaxRetries
	}
	if in.ResultRoute != nil {
		t.Definition.ResultRoute = *in.ResultRoute
	}
	if in.Schedule != nil {
		if err := in.Schedule.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
		}
		t.Schedule = *in.Schedule
		if t.Status == TaskStatusPending || t.Status == TaskStatusScheduled {
			next, scheduled, err := t.Schedule.Initial(now)
			if err != nil {
				return fmt.Errorf("%w: %v", ErrInvalidSchedule, err)
			}
			if scheduled {
				t.Status = TaskStatusScheduled
				t.NextRunAt = next
			} else {
				t.Status = TaskStatusPending
				t.NextRunAt = nil
			}
		}
	}
	t.UpdatedAt = now
	return nil
}

func newRun(t *Task, now time.Time, status RunStatus, errMsg string, snap budget.Snapshot, resultText string) TaskRun {
	started := now
	if t.ClaimedAt != nil {
		started = *t.ClaimedAt
	}
	completed := now
	return TaskRun{
		ID:             uuid.NewString(),
		TaskID:         t.ID,
		StartedAt:      started,
		CompletedAt:    &completed,
		Status:         status,
		Error:          errMsg,
		BudgetConsumed: &snap,
		ResultText:     resultText,
	}
}

// SpendWindow returns the local calendar window containing now.
func SpendWindow(period SpendPeriod, now time.Time) (start, end time.Time, err error) {
	local := now.In(time.Local)
	switch period {
	case SpendDay:
		start = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.Local)
		end = start.AddDate(0, 0, 1)
	case SpendMonth:
		start = time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, time.Local)
		end = start.AddDate(0, 1, 0)
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unknown spend period %q", period)
	}
	return start, end, nil
}
