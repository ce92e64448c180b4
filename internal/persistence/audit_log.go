package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/clawtask/internal/audit"
)

// AuditEntry represents a row from the audit_log table.
type AuditEntry struct {
	AuditID       int64     `json:"audit_id"`
	TraceID       string    `json:"trace_id"`
	Subject       string    `json:"subject"`
	Action        string    `json:"action"`
	Decision      string    `json:"decision"`
	Reason        string    `json:"reason"`
	PolicyVersion string    `json:"policy_version"`
	CreatedAt     time.Time `json:"created_at"`
}

// InsertAudit makes the store an audit.Sink.
func (s *Store) InsertAudit(ctx context.Context, e audit.Entry) error {
	created := s.now()
	if ts, err := time.Parse(time.RFC3339Nano, e.Timestamp); err == nil {
		created = ts
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (trace_id, subject, action, decision, reason, policy_version, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?);
	`, e.TraceID, e.Subject, e.Action, e.Decision, e.Reason, e.PolicyVersion, toMillis(created))
	if err != nil {
		return fmt.Errorf("insert audit: %w", err)
	}
	return nil
}

// RecentAudit lists audit rows newest first.
func (s *Store) RecentAudit(ctx context.Context, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT audit_id, COALESCE(trace_id, ''), COALESCE(subject, ''), action, decision,
			COALESCE(reason, ''), COALESCE(policy_version, ''), created_at
		FROM audit_log
		ORDER BY audit_id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()
	var out []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var created int64
		if err := rows.Scan(&e.AuditID, &e.TraceID, &e.Subject, &e.Action, &e.Decision,
			&e.Reason, &e.PolicyVersion, &created); err != nil {
			return nil, fmt.Errorf("scan audit: %w", err)
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedRuns      int64 `json:"purged_runs"`
	PurgedAuditLogs int64 `json:"purged_audit_logs"`
}

// RunRetention deletes run history and audit rows older than the given
// windows. Zero disables a category. Run history inside the current month is
// always kept so monthly spend stays accurate.
func (s *Store) RunRetention(ctx context.Context, runDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult
	now := s.now()

	if runDays > 0 {
		cutoff := now.AddDate(0, 0, -runDays)
		if monthStart, _, err := SpendWindow(SpendMonth, now); err == nil && cutoff.After(monthStart) {
			cutoff = monthStart
		}
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_runs WHERE started_at < ?;`, toMillis(cutoff))
		if err != nil {
			return result, fmt.Errorf("purge task_runs: %w", err)
		}
		result.PurgedRuns, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := now.AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, toMillis(cutoff))
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
