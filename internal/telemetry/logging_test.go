package telemetry

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/clawtask/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "system.jsonl"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("unmarshal %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func newQuietLogger(t *testing.T, level string) (string, func(msg string, args ...any), func(ctx context.Context, msg string, args ...any)) {
	t.Helper()
	home := t.TempDir()
	logger, closer, err := NewLogger(home, level, true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	t.Cleanup(func() { _ = closer.Close() })
	return home, logger.Info, logger.InfoContext
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home, info, _ := newQuietLogger(t, "debug")
	info("startup phase", "phase", "config_loaded", "task_id", "task-1")

	entry := readEntries(t, home)[0]
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "clawtask" {
		t.Fatalf("expected component=clawtask, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["task_id"] != "task-1" {
		t.Fatalf("expected task_id propagation, got %#v", entry["task_id"])
	}
}

func TestNewLogger_ContextIDs(t *testing.T) {
	home, _, infoCtx := newQuietLogger(t, "info")
	ctx := shared.WithRun(shared.WithTraceID(context.Background(), "trace-7"), "task-1", "run-2", "digest")
	infoCtx(ctx, "turn finished")

	entry := readEntries(t, home)[0]
	want := map[string]string{"trace_id": "trace-7", "task_id": "task-1", "run_id": "run-2", "skill_id": "digest"}
	for k, v := range want {
		if entry[k] != v {
			t.Fatalf("%s = %#v, want %q", k, entry[k], v)
		}
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home, info, _ := newQuietLogger(t, "info")
	info("security check",
		"api_key", "abc123",
		"auth_header", "Authorization: Bearer super-secret-token",
		"dsn", "postgres://u:p@db/clawtask",
		"err", "dial postgres://clawtask:hunter2@db:5432/clawtask refused",
	)

	entry := readEntries(t, home)[0]
	for _, key := range []string{"api_key", "auth_header", "dsn"} {
		if entry[key] != shared.Redacted {
			t.Fatalf("expected %s redaction, got %#v", key, entry[key])
		}
	}
	if s, _ := entry["err"].(string); strings.Contains(s, "hunter2") {
		t.Fatalf("password leaked: %q", s)
	}
}

func TestNewLogger_KeepsTokenCounts(t *testing.T) {
	home, info, _ := newQuietLogger(t, "info")
	info("task completed", "tokens", 1200, "token", "sk-live-abcdef")

	entry := readEntries(t, home)[0]
	if entry["tokens"] != float64(1200) {
		t.Fatalf("expected token count to survive, got %#v", entry["tokens"])
	}
	if entry["token"] != shared.Redacted {
		t.Fatalf("expected token string redaction, got %#v", entry["token"])
	}
}

func TestNewLogger_Level(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "warn", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()
	logger.Info("dropped")
	logger.Warn("kept")

	entries := readEntries(t, home)
	if len(entries) != 1 || entries[0]["msg"] != "kept" {
		t.Fatalf("expected only the warn record, got %v", entries)
	}
}
