package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Memory is a fact a skill (or a skill-less task) keeps between runs.
type Memory struct {
	ID        int64
	Owner     string
	Key       string
	Content   string
	TaskID    string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskMemoryOwner is the owner key used for tasks that have no skill.
func TaskMemoryOwner(taskID string) string {
	return "task:" + taskID
}

// WriteMemory stores or replaces the memory at (owner, key).
func (s *Store) WriteMemory(ctx context.Context, owner, key, content, taskID string) error {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return fmt.Errorf("memory owner required")
	}
	if strings.TrimSpace(key) == "" {
		key = taskID
	}
	now := toMillis(s.now())
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO skill_memories (owner, key, content, task_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(owner, key) DO UPDATE SET
				content = excluded.content,
				task_id = excluded.task_id,
				updated_at = excluded.updated_at;
		`, owner, key, content, taskID, now, now)
		return err
	})
	if err != nil {
		return fmt.Errorf("write memory: %w", err)
	}
	return nil
}

// ListMemories returns the owner's memories, most recently updated first.
func (s *Store) ListMemories(ctx context.Context, owner string, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, owner, key, content, task_id, created_at, updated_at
		FROM skill_memories
		WHERE owner = ?
		ORDER BY updated_at DESC, id DESC
		LIMIT ?;
	`, owner, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var out []Memory
	for rows.Next() {
		var m Memory
		var created, updated int64
		if err := rows.Scan(&m.ID, &m.Owner, &m.Key, &m.Content, &m.TaskID, &created, &updated); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		m.CreatedAt = fromMillis(created)
		m.UpdatedAt = fromMillis(updated)
		out = append(out, m)
	}
	return out, rows.Err()
}

// PurgeMemoriesBySkillID deletes everything a skill remembered. It is the
// purge hook the skill registry calls on uninstall.
func (s *Store) PurgeMemoriesBySkillID(ctx context.Context, skillID string) (int64, error) {
	var n int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM skill_memories WHERE owner = ?;`, skillID)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("purge memories for %s: %w", skillID, err)
	}
	return n, nil
}
