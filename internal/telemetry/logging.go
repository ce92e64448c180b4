package telemetry

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/clawtask/internal/shared"
)

// NewLogger writes JSON lines to <home>/logs/system.jsonl, and to stdout
// unless quiet. The returned closer releases the log file.
//
// Every record carries trace_id, plus task_id, run_id and skill_id when the
// logging context has them (see shared.WithRun).
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, nil, err
	}
	file, err := os.OpenFile(filepath.Join(logDir, "system.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	var w io.Writer = file
	if !quiet {
		w = io.MultiWriter(os.Stdout, file)
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: replaceAttr,
	})
	logger := slog.New(&contextHandler{Handler: base}).With("component", "clawtask")
	return logger, file, nil
}

// contextHandler copies run identifiers from the record's context onto the
// record. Attributes set explicitly with With win over the context.
type contextHandler struct {
	slog.Handler
	preset map[string]bool
}

func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	for _, a := range shared.LogAttrs(ctx) {
		if !h.preset[a.Key] {
			r.AddAttrs(a)
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	preset := make(map[string]bool, len(h.preset)+len(attrs))
	for k := range h.preset {
		preset[k] = true
	}
	for _, a := range attrs {
		preset[a.Key] = true
	}
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs), preset: preset}
}

func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name), preset: h.preset}
}

func replaceAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
		return a
	}
	// Counts such as tokens=1200 are not secrets; only strings are masked.
	if a.Value.Kind() != slog.KindString {
		return a
	}
	if shared.SensitiveKey(a.Key) {
		return slog.String(a.Key, shared.Redacted)
	}
	v := a.Value.String()
	if lower := strings.ToLower(v); strings.Contains(lower, "authorization:") || strings.Contains(lower, "bearer ") {
		return slog.String(a.Key, shared.Redacted)
	}
	if red := shared.Redact(v); red != v {
		return slog.String(a.Key, red)
	}
	return a
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
