// Package audit keeps an append-only trail of security decisions: skill
// admission rejections, tool-scope denials and budget stops.
//
// Entries go to <home>/logs/audit.jsonl and, once a Sink is set, to the
// store's audit_log table. Reason and subject are redacted before either.
package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/clawtask/internal/shared"
)

// Decisions.
const (
	Allow = "allow"
	Deny  = "deny"
	Fatal = "fatal"
)

type Entry struct {
	Timestamp     string `json:"timestamp"`
	TraceID       string `json:"trace_id"`
	Decision      string `json:"decision"`
	Action        string `json:"action"`
	Reason        string `json:"reason"`
	PolicyVersion string `json:"policy_version"`
	Subject       string `json:"subject,omitempty"`
}

type Sink interface {
	InsertAudit(ctx context.Context, e Entry) error
}

var (
	mu    sync.Mutex
	out   *os.File
	sink  Sink
	denials atomic.Int64
)

// Init opens the JSONL trail under homeDir. Calling it again is a no-op
// until Close.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		return nil
	}
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(dir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	out = f
	return nil
}

func SetSink(s Sink) {
	mu.Lock()
	sink = s
	mu.Unlock()
}

// Close detaches the sink and closes the trail file.
func Close() error {
	mu.Lock()
	defer mu.Unlock()
	sink = nil
	if out == nil {
		return nil
	}
	err := out.Close()
	out = nil
	return err
}

// DenyCount is the number of deny decisions recorded by this process.
func DenyCount() int64 { return denials.Load() }

// Record stamps e with the time and the trace id from ctx. An empty Subject
// falls back to the task id carried by ctx. Sink errors are dropped; the
// trail must never fail the operation being audited.
func Record(ctx context.Context, e Entry) {
	if e.Decision == Deny {
		denials.Add(1)
	}
	e.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	e.TraceID = shared.TraceID(ctx)
	if e.Subject == "" {
		e.Subject = shared.TaskID(ctx)
	}
	e.Reason = shared.Redact(e.Reason)
	e.Subject = shared.Redact(e.Subject)

	mu.Lock()
	defer mu.Unlock()
	if out != nil {
		if b, err := json.Marshal(e); err == nil {
			_, _ = out.Write(append(b, '\n'))
		}
	}
	if sink != nil {
		_ = sink.InsertAudit(context.WithoutCancel(ctx), e)
	}
}
