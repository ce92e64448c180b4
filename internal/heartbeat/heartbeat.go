// Package heartbeat keeps exactly one recurring-heartbeat task in the store
// and appends its results to a workspace file.
package heartbeat

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/schedule"
	"github.com/basket/clawtask/internal/shared"
)

const (
	TaskName               = "heartbeat"
	DefaultIntervalMinutes = 30
	// heartbeatPriority keeps user work ahead of the periodic review.
	heartbeatPriority = -10
)

// Store is the part of the task store Ensure needs.
type Store interface {
	Create(ctx context.Context, in persistence.CreateTaskInput) (*persistence.Task, error)
	Update(ctx context.Context, id string, in persistence.UpdateTaskInput) (*persistence.Task, error)
	ListByStatus(ctx context.Context, status persistence.TaskStatus, limit int) ([]persistence.Task, error)
}

type Options struct {
	IntervalMinutes int
	// ChecklistPath is a HEARTBEAT.md file. Missing or empty files fall back
	// to a generic review prompt.
	ChecklistPath string
	Logger        *slog.Logger
}

// ChecklistPath is the default HEARTBEAT.md location under a home dir.
func ChecklistPath(homeDir string) string {
	return filepath.Join(homeDir, "workspace", "HEARTBEAT.md")
}

// ResultsPath is where Recorder appends heartbeat results.
func ResultsPath(homeDir string) string {
	return filepath.Join(homeDir, "workspace", "HEARTBEAT_RESULTS.md")
}

func buildPrompt(path string) (string, error) {
	content := ""
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return "", fmt.Errorf("read HEARTBEAT.md: %w", err)
		}
		content = strings.TrimSpace(string(data))
	}
	if content == "" {
		return "Periodic System Review.\n\nConfirm the system status is healthy and report anything that needs attention.", nil
	}
	return fmt.Sprintf("Periodic System Review.\n\nPlease review the current system status against the following heartbeat checklist:\n\n%s\n\nIf you find any issues, report them. If everything is normal, confirm the system status is healthy.", content), nil
}

// Ensure creates the heartbeat task unless a non-terminal one exists. An
// existing task picks up a changed checklist or interval.
func Ensure(ctx context.Context, store Store, opts Options) (*persistence.Task, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	minutes := opts.IntervalMinutes
	if minutes <= 0 {
		minutes = DefaultIntervalMinutes
	}
	prompt, err := buildPrompt(opts.ChecklistPath)
	if err != nil {
		return nil, err
	}
	spec := schedule.Spec{IntervalMs: int64(time.Duration(minutes) * time.Minute / time.Millisecond)}

	existing, err := findActive(ctx, store)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Definition.Prompt == prompt && existing.Schedule.IntervalMs == spec.IntervalMs {
			return existing, nil
		}
		updated, err := store.Update(ctx, existing.ID, persistence.UpdateTaskInput{Prompt: &prompt, Schedule: &spec})
		if err != nil {
			return nil, fmt.Errorf("update heartbeat task: %w", err)
		}
		logger.Info("heartbeat task updated", "task_id", updated.ID, "interval_minutes", minutes)
		return updated, nil
	}

	task, err := store.Create(ctx, persistence.CreateTaskInput{
		Definition: persistence.Definition{
			Type:        persistence.TaskTypeHeartbeat,
			Name:        TaskName,
			Prompt:      prompt,
			ResultRoute: shared.RouteSilentValue,
		},
		Schedule: spec,
		Priority: heartbeatPriority,
	})
	if err != nil {
		return nil, fmt.Errorf("create heartbeat task: %w", err)
	}
	logger.Info("heartbeat task scheduled", "task_id", task.ID, "next_run_at", task.NextRunAt)
	return task, nil
}

func findActive(ctx context.Context, store Store) (*persistence.Task, error) {
	for _, st := range []persistence.TaskStatus{
		persistence.TaskStatusRunning, persistence.TaskStatusScheduled,
		persistence.TaskStatusFailed, persistence.TaskStatusPending,
	} {
		tasks, err := store.ListByStatus(ctx, st, 500)
		if err != nil {
			return nil, fmt.Errorf("list heartbeat candidates: %w", err)
		}
		for i := range tasks {
			if tasks[i].Definition.Type == persistence.TaskTypeHeartbeat {
				return &tasks[i], nil
			}
		}
	}
	return nil, nil
}

// TaskGetter reads a task back after a lifecycle event.
type TaskGetter interface {
	Get(ctx context.Context, id string) (*persistence.Task, error)
}

// Recorder appends every finished heartbeat run to a results file.
type Recorder struct {
	store  TaskGetter
	bus    *bus.Bus
	path   string
	logger *slog.Logger
	done   chan struct{}
}

func NewRecorder(store TaskGetter, b *bus.Bus, path string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, bus: b, path: path, logger: logger}
}

// Start subscribes to task outcomes until ctx is done.
func (r *Recorder) Start(ctx context.Context) {
	sub := r.bus.Subscribe(bus.TopicTaskCompleted, bus.TopicTaskFailed, bus.TopicTaskDeadLettered)
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		defer r.bus.Unsubscribe(sub)
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-sub.Ch():
				te, ok := ev.Payload.(bus.TaskEvent)
				if !ok {
					continue
				}
				r.handle(ctx, ev.Topic, te)
			}
		}
	}()
}

// Wait blocks until the subscription loop has exited.
func (r *Recorder) Wait() {
	if r.done != nil {
		<-r.done
	}
}

func (r *Recorder) handle(ctx context.Context, topic string, ev bus.TaskEvent) {
	task, err := r.store.Get(ctx, ev.TaskID)
	if err != nil || task.Definition.Type != persistence.TaskTypeHeartbeat {
		return
	}
	result := task.ResultText
	if topic != bus.TopicTaskCompleted {
		r.logger.Warn("heartbeat task failed", "task_id", task.ID, "error", task.Error)
		result = "FAILED: " + task.Error
	}
	if err := r.write(task.ID, result); err != nil {
		r.logger.Error("failed to write heartbeat result", "error", err)
	}
}

func (r *Recorder) write(taskID, result string) error {
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	entry := fmt.Sprintf("\n## %s - Task %s\n\n%s\n", time.Now().UTC().Format(time.RFC3339), taskID, result)
	_, err = f.WriteString(entry)
	return err
}
