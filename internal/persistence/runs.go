package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basket/clawtask/internal/budget"
	"github.com/google/uuid"
)

// recordRunTx appends one run. An empty ID gets a fresh one; existing rows are
// never updated.
func (s *Store) recordRunTx(ctx context.Context, tx *sql.Tx, run TaskRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	var consumed sql.NullString
	if run.BudgetConsumed != nil {
		b, err := json.Marshal(run.BudgetConsumed)
		if err != nil {
			return fmt.Errorf("encode run budget: %w", err)
		}
		consumed = sql.NullString{String: string(b), Valid: true}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, started_at, completed_at, status, error, budget_consumed_json, result_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?);
	`, run.ID, run.TaskID, toMillis(run.StartedAt), nullMillis(run.CompletedAt), run.Status,
		run.Error, consumed, run.ResultText); err != nil {
		return fmt.Errorf("insert task run: %w", err)
	}
	return nil
}

// ListRuns returns a task's runs oldest first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]TaskRun, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, started_at, completed_at, status, error, budget_consumed_json, result_text
		FROM task_runs
		WHERE task_id = ?
		ORDER BY started_at ASC, id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task runs: %w", err)
	}
	defer rows.Close()

	var out []TaskRun
	for rows.Next() {
		var r TaskRun
		var started int64
		var completed sql.NullInt64
		var consumed sql.NullString
		if err := rows.Scan(&r.ID, &r.TaskID, &started, &completed, &r.Status, &r.Error, &consumed, &r.ResultText); err != nil {
			return nil, fmt.Errorf("scan task run: %w", err)
		}
		r.StartedAt = fromMillis(started)
		r.CompletedAt = fromNullMillis(completed)
		if consumed.Valid {
			var snap budget.Snapshot
			if json.Unmarshal([]byte(consumed.String), &snap) == nil {
				r.BudgetConsumed = &snap
			}
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task run rows: %w", err)
	}
	return out, nil
}

// SumSpend adds up estimatedCostUsd over runs that finished inside the local
// calendar day or month containing now. Unparseable snapshots are skipped.
func (s *Store) SumSpend(ctx context.Context, period SpendPeriod, now time.Time) (float64, error) {
	start, end, err := SpendWindow(period, now)
	if err != nil {
		return 0, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT budget_consumed_json
		FROM task_runs
		WHERE completed_at >= ? AND completed_at < ? AND budget_consumed_json IS NOT NULL;
	`, toMillis(start), toMillis(end))
	if err != nil {
		return 0, fmt.Errorf("sum spend: %w", err)
	}
	defer rows.Close()

	var raw []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return 0, fmt.Errorf("scan spend row: %w", err)
		}
		raw = append(raw, v)
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("spend rows: %w", err)
	}
	return SumSnapshots(raw), nil
}

// SumSnapshots totals the cost field of JSON-encoded snapshots, ignoring any
// that do not decode.
func SumSnapshots(raw []string) float64 {
	var total float64
	for _, v := range raw {
		var snap budget.Snapshot
		if err := json.Unmarshal([]byte(v), &snap); err != nil {
			continue
		}
		total += snap.EstimatedCostUSD
	}
	return total
}
