package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	if got := TraceID(WithTraceID(ctx, "")); got != "-" {
		t.Fatalf("expected - for empty trace id, got %q", got)
	}
	if got := TraceID(WithTraceID(ctx, "abc")); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestWithRun(t *testing.T) {
	ctx := WithRun(context.Background(), "task-1", "run-9", "")
	if TraceID(ctx) == "-" {
		t.Fatal("expected a minted trace id")
	}
	if TaskID(ctx) != "task-1" || RunID(ctx) != "run-9" || SkillID(ctx) != "" {
		t.Fatalf("unexpected ids: %q %q %q", TaskID(ctx), RunID(ctx), SkillID(ctx))
	}

	ctx = WithRun(WithTraceID(context.Background(), "upstream"), "task-2", "run-1", "digest")
	if TraceID(ctx) != "upstream" {
		t.Fatalf("existing trace id overwritten: %q", TraceID(ctx))
	}
	if SkillID(ctx) != "digest" {
		t.Fatalf("skill id: got %q", SkillID(ctx))
	}
}

func TestLogAttrs(t *testing.T) {
	attrs := LogAttrs(context.Background())
	if len(attrs) != 1 || attrs[0].Key != "trace_id" || attrs[0].Value.String() != "-" {
		t.Fatalf("bare context attrs: %v", attrs)
	}

	ctx := WithSkillID(WithTaskID(WithTraceID(context.Background(), "tr"), "task-1"), "digest")
	got := map[string]string{}
	for _, a := range LogAttrs(ctx) {
		got[a.Key] = a.Value.String()
	}
	want := map[string]string{"trace_id": "tr", "task_id": "task-1", "skill_id": "digest"}
	if len(got) != len(want) {
		t.Fatalf("attrs = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}
}

func TestNewRunID_Unique(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Fatalf("expected distinct run ids, got %q and %q", a, b)
	}
}
