package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/clawtask/internal/audit"
	"github.com/basket/clawtask/internal/bus"
	"github.com/mattn/go-sqlite3"
)

// migration is one step of the schema ledger. Checksums are compared on every
// start so a database written by a different build is refused, not mangled.
type migration struct {
	version    int
	checksum   string
	statements []string
}

var migrations = []migration{
	{
		version:  1,
		checksum: "ct-v1-2026-03-02-task-store",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				type TEXT NOT NULL CHECK(type IN ('one-shot', 'recurring-heartbeat')),
				name TEXT NOT NULL,
				prompt TEXT NOT NULL,
				system_prompt TEXT NOT NULL DEFAULT '',
				conversation_id TEXT NOT NULL DEFAULT '',
				tool_allow_json TEXT NOT NULL DEFAULT 'null',
				tool_deny_json TEXT NOT NULL DEFAULT '[]',
				result_route TEXT NOT NULL DEFAULT '',
				skill_id TEXT NOT NULL DEFAULT '',
				schedule_json TEXT NOT NULL DEFAULT '{}',
				budget_json TEXT NOT NULL DEFAULT '{}',
				status TEXT NOT NULL CHECK(status IN ('pending', 'scheduled', 'running', 'completed', 'failed', 'dead_letter', 'cancelled')),
				priority INTEGER NOT NULL DEFAULT 0,
				next_run_at INTEGER,
				last_run_at INTEGER,
				claimed_at INTEGER,
				retry_count INTEGER NOT NULL DEFAULT 0,
				max_retries INTEGER NOT NULL DEFAULT 3,
				error TEXT NOT NULL DEFAULT '',
				budget_consumed_json TEXT,
				result_text TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL
			);`,
			`CREATE TABLE IF NOT EXISTS task_runs (
				id TEXT PRIMARY KEY,
				task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
				started_at INTEGER NOT NULL,
				completed_at INTEGER,
				status TEXT NOT NULL CHECK(status IN ('completed', 'failed')),
				error TEXT NOT NULL DEFAULT '',
				budget_consumed_json TEXT,
				result_text TEXT NOT NULL DEFAULT ''
			);`,
			`CREATE TABLE IF NOT EXISTS audit_log (
				audit_id INTEGER PRIMARY KEY AUTOINCREMENT,
				trace_id TEXT,
				subject TEXT,
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT,
				policy_version TEXT,
				created_at INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority DESC, next_run_at ASC, id ASC);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);`,
			`CREATE INDEX IF NOT EXISTS idx_task_runs_task ON task_runs(task_id, started_at);`,
			`CREATE INDEX IF NOT EXISTS idx_task_runs_completed ON task_runs(completed_at);`,
		},
	},
	{
		version:  2,
		checksum: "ct-v2-2026-05-18-skill-memories",
		statements: []string{
			`CREATE TABLE IF NOT EXISTS skill_memories (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				owner TEXT NOT NULL,
				key TEXT NOT NULL,
				content TEXT NOT NULL,
				task_id TEXT NOT NULL DEFAULT '',
				created_at INTEGER NOT NULL,
				updated_at INTEGER NOT NULL,
				UNIQUE(owner, key)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_skill_memories_owner ON skill_memories(owner, updated_at DESC);`,
		},
	},
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
	now func() time.Time
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".clawtask", "clawtask.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// _txlock=immediate takes the write lock at BEGIN so read-modify-write
	// transactions from separate processes queue on busy_timeout instead of
	// failing on lock upgrade.
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus, now: time.Now}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// SetClock replaces the store's time source.
func (s *Store) SetClock(now func() time.Time) {
	if now == nil {
		now = time.Now
	}
	s.now = now
}

const (
	busyBaseDelay = 50 * time.Millisecond
	busyMaxDelay  = 500 * time.Millisecond
)

// retryOnBusy runs f up to maxRetries+1 times while SQLite reports BUSY or
// LOCKED. This sits on top of the driver's own busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	for attempt := 0; ; attempt++ {
		err := f()
		if err == nil || !isSQLiteBusy(err) || attempt >= maxRetries {
			return err
		}
		t := time.NewTimer(busyDelay(attempt))
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

// busyDelay doubles from busyBaseDelay up to busyMaxDelay, then applies
// jitter in [-25%, +25%).
func busyDelay(attempt int) time.Duration {
	d := busyMaxDelay
	if attempt < 8 {
		d = min(busyBaseDelay<<attempt, busyMaxDelay)
	}
	return d - d/4 + rand.N(d/2)
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "SQLITE_LOCKED")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := make(map[int]string)
	rows, err := tx.QueryContext(ctx, `SELECT version, checksum FROM schema_migrations;`)
	if err != nil {
		return fmt.Errorf("read schema migrations: %w", err)
	}
	for rows.Next() {
		var v int
		var c string
		if err := rows.Scan(&v, &c); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan schema migration: %w", err)
		}
		applied[v] = c
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("close schema migrations: %w", err)
	}

	latest := migrations[len(migrations)-1].version
	for v := range applied {
		if v > latest {
			return fmt.Errorf("db schema version %d is newer than supported %d", v, latest)
		}
	}

	var ran []int
	for _, m := range migrations {
		if got, ok := applied[m.version]; ok {
			if got != m.checksum {
				return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", m.version, got, m.checksum)
			}
			continue
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				return fmt.Errorf("exec migration v%d: %w", m.version, err)
			}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
		`, m.version, m.checksum); err != nil {
			return fmt.Errorf("insert schema migration ledger: %w", err)
		}
		ran = append(ran, m.version)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	if len(ran) > 0 {
		audit.Record(context.Background(), audit.Entry{
			Decision: audit.Allow,
			Action:   "data.migration",
			Reason:   "migration_applied",
			Subject:  fmt.Sprintf("schema migrated to v%d (applied %v)", latest, ran),
		})
	}
	return nil
}

// SchemaVersion returns the highest applied migration.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&v); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return v, nil
}

// Backup writes a consistent copy of the database to destPath.
func (s *Store) Backup(ctx context.Context, destPath string) error {
	if destPath == "" {
		return fmt.Errorf("backup destination path required")
	}
	if _, err := os.Stat(destPath); err == nil {
		return fmt.Errorf("backup destination already exists: %s", destPath)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM INTO ?;`, destPath); err != nil {
		return fmt.Errorf("backup (VACUUM INTO): %w", err)
	}
	return nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func fromMillis(v int64) time.Time {
	return time.UnixMilli(v)
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}
