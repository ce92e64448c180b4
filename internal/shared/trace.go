package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type ctxKey int

const (
	traceKey ctxKey = iota
	taskKey
	runKey
	skillKey
)

func withValue(ctx context.Context, k ctxKey, v string) context.Context {
	return context.WithValue(ctx, k, v)
}

func value(ctx context.Context, k ctxKey) string {
	v, _ := ctx.Value(k).(string)
	return v
}

// WithTraceID attaches a trace id to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return withValue(ctx, traceKey, traceID)
}

// TraceID returns the trace id carried by ctx, or "-" when there is none.
func TraceID(ctx context.Context) string {
	if v := value(ctx, traceKey); v != "" {
		return v
	}
	return "-"
}

func NewTraceID() string { return uuid.NewString() }

func NewRunID() string { return uuid.NewString() }

// WithRun tags ctx with the task, run and (optional) skill a worker is
// executing. A missing trace id is minted so every run is traceable.
func WithRun(ctx context.Context, taskID, runID, skillID string) context.Context {
	if value(ctx, traceKey) == "" {
		ctx = WithTraceID(ctx, NewTraceID())
	}
	ctx = withValue(ctx, taskKey, taskID)
	ctx = withValue(ctx, runKey, runID)
	if skillID != "" {
		ctx = withValue(ctx, skillKey, skillID)
	}
	return ctx
}

func WithTaskID(ctx context.Context, id string) context.Context  { return withValue(ctx, taskKey, id) }
func WithRunID(ctx context.Context, id string) context.Context   { return withValue(ctx, runKey, id) }
func WithSkillID(ctx context.Context, id string) context.Context { return withValue(ctx, skillKey, id) }

func TaskID(ctx context.Context) string  { return value(ctx, taskKey) }
func RunID(ctx context.Context) string   { return value(ctx, runKey) }
func SkillID(ctx context.Context) string { return value(ctx, skillKey) }

// LogAttrs returns the ids carried by ctx as log attributes, trace_id first.
// Unset task, run and skill ids are omitted.
func LogAttrs(ctx context.Context) []slog.Attr {
	attrs := []slog.Attr{slog.String("trace_id", TraceID(ctx))}
	for _, kv := range []struct {
		key string
		k   ctxKey
	}{{"task_id", taskKey}, {"run_id", runKey}, {"skill_id", skillKey}} {
		if v := value(ctx, kv.k); v != "" {
			attrs = append(attrs, slog.String(kv.key, v))
		}
	}
	return attrs
}
