package persistence

import (
	"errors"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/basket/clawtask/internal/schedule"
	"github.com/basket/clawtask/internal/shared"
)

// Expected, caller-handled conditions. Everything else returned by the store
// is a storage fault.
var (
	ErrNotFound          = errors.New("task not found")
	ErrNotRunning        = errors.New("task is not running")
	ErrInvalidSchedule   = errors.New("invalid schedule")
	ErrInvalidTransition = errors.New("invalid task transition")
)

const DefaultMaxRetries = 3

type TaskType string

const (
	TaskTypeOneShot   TaskType = "one-shot"
	TaskTypeHeartbeat TaskType = "recurring-heartbeat"
)

func (t TaskType) Valid() bool {
	return t == TaskTypeOneShot || t == TaskTypeHeartbeat
}

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusScheduled  TaskStatus = "scheduled"
	TaskStatusRunning    TaskStatus = "running"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusDeadLetter TaskStatus = "dead_letter"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// AllStatuses lists the closed status set in lifecycle order.
var AllStatuses = []TaskStatus{
	TaskStatusPending, TaskStatusScheduled, TaskStatusRunning, TaskStatusCompleted,
	TaskStatusFailed, TaskStatusDeadLetter, TaskStatusCancelled,
}

func ParseStatus(s string) (TaskStatus, bool) {
	for _, st := range AllStatuses {
		if string(st) == s {
			return st, true
		}
	}
	return "", false
}

// Terminal reports whether no further recurrence is possible without an
// explicit operator retry.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCancelled || s == TaskStatusDeadLetter
}

// Definition is what the task asks the agent to do.
type Definition struct {
	Type           TaskType           `json:"type"`
	Name           string             `json:"name"`
	Prompt         string             `json:"prompt"`
	SystemPrompt   string             `json:"systemPrompt,omitempty"`
	ConversationID string             `json:"conversationId,omitempty"`
	ToolAllow      []string           `json:"toolAllow,omitempty"` // nil means unscoped
	ToolDeny       []string           `json:"toolDeny,omitempty"`
	ResultRoute    shared.ResultRoute `json:"resultRoute"`
	SkillID        string             `json:"skillId,omitempty"`
}

type Task struct {
	ID             string           `json:"id"`
	Definition     Definition       `json:"definition"`
	Schedule       schedule.Spec    `json:"schedule"`
	Budget         budget.Budget    `json:"budget"`
	Status         TaskStatus       `json:"status"`
	Priority       int              `json:"priority"`
	NextRunAt      *time.Time       `json:"nextRunAt,omitempty"`
	LastRunAt      *time.Time       `json:"lastRunAt,omitempty"`
	ClaimedAt      *time.Time       `json:"claimedAt,omitempty"`
	RetryCount     int              `json:"retryCount"`
	MaxRetries     int              `json:"maxRetries"`
	CreatedAt      time.Time        `json:"createdAt"`
	UpdatedAt      time.Time        `json:"updatedAt"`
	Error          string           `json:"error,omitempty"`
	BudgetConsumed *budget.Snapshot `json:"budgetConsumed,omitempty"`
	ResultText     string           `json:"resultText,omitempty"`
}

type RunStatus string

const (
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// TaskRun is one execution attempt. Rows are inserted once, never updated.
type TaskRun struct {
	ID             string           `json:"id"`
	TaskID         string           `json:"taskId"`
	StartedAt      time.Time        `json:"startedAt"`
	CompletedAt    *time.Time       `json:"completedAt,omitempty"`
	Status         RunStatus        `json:"status"`
	Error          string           `json:"error,omitempty"`
	BudgetConsumed *budget.Snapshot `json:"budgetConsumed,omitempty"`
	ResultText     string           `json:"resultText,omitempty"`
}

type CreateTaskInput struct {
	Definition Definition
	Schedule   schedule.Spec
	Budget     budget.Budget
	Priority   int
	// MaxRetries defaults to DefaultMaxRetries when nil.
	MaxRetries *int
}

// UpdateTaskInput edits a task in place. Nil fields are left unchanged.
type UpdateTaskInput struct {
	Name         *string
	Prompt       *string
	SystemPrompt *string
	Priority     *int
	Budget       *budget.Budget
	Schedule     *schedule.Spec
	MaxRetries   *int
	ResultRoute  *shared.ResultRoute
}

// SpendPeriod selects the calendar window summed by SumSpend.
type SpendPeriod string

const (
	SpendDay   SpendPeriod = "day"
	SpendMonth SpendPeriod = "month"
)
