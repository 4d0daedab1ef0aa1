// Package history persists one row per agent run so operators can
// audit what ran, when, and how it ended, across orchestrator
// restarts. SQLite keeps it a single file under the bloom dir.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const busyTimeout = 5 * time.Second

// Run is one recorded agent invocation.
type Run struct {
	ID        string    `db:"id"`
	TaskID    string    `db:"task_id"`
	StepID    string    `db:"step_id"`
	AgentName string    `db:"agent_name"`
	Model     string    `db:"model"`
	SessionID string    `db:"session_id"`
	Attempt   int       `db:"attempt"`
	Success   bool      `db:"success"`
	TimedOut  bool      `db:"timed_out"`
	ExitCode  int       `db:"exit_code"`
	Error     string    `db:"error"`
	StartedAt time.Time `db:"started_at"`
	EndedAt   time.Time `db:"ended_at"`
}

// Store is the run-history database. A single writer connection
// serializes inserts; WAL keeps readers unblocked.
type Store struct {
	db *sqlx.DB
}

// Open creates or opens the history database at path.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create history dir: %w", err)
		}
	}
	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL,
		step_id    TEXT NOT NULL DEFAULT '',
		agent_name TEXT NOT NULL,
		model      TEXT NOT NULL DEFAULT '',
		session_id TEXT NOT NULL DEFAULT '',
		attempt    INTEGER NOT NULL DEFAULT 1,
		success    INTEGER NOT NULL,
		timed_out  INTEGER NOT NULL DEFAULT 0,
		exit_code  INTEGER NOT NULL DEFAULT 0,
		error      TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMP NOT NULL,
		ended_at   TIMESTAMP NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id, started_at);
	CREATE INDEX IF NOT EXISTS idx_runs_agent ON runs(agent_name, started_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("history schema init: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// RecordRun inserts one run row; the id is generated when empty.
func (s *Store) RecordRun(ctx context.Context, run Run) (string, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, task_id, step_id, agent_name, model, session_id,
			attempt, success, timed_out, exit_code, error, started_at, ended_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.TaskID, run.StepID, run.AgentName, run.Model, run.SessionID,
		run.Attempt, run.Success, run.TimedOut, run.ExitCode, run.Error,
		run.StartedAt.UTC(), run.EndedAt.UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("insert run: %w", err)
	}
	return run.ID, nil
}

// ListRunsForTask returns the runs of one task, oldest first.
func (s *Store) ListRunsForTask(ctx context.Context, taskID string) ([]Run, error) {
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM runs WHERE task_id = ? ORDER BY started_at, id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list runs for task: %w", err)
	}
	return runs, nil
}

// RecentRuns returns the newest runs across all tasks.
func (s *Store) RecentRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	var runs []Run
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}
	return runs, nil
}

// LastSessionID returns the most recent session id an agent reported,
// or "" when it never reported one.
func (s *Store) LastSessionID(ctx context.Context, agentName string) (string, error) {
	var id string
	err := s.db.GetContext(ctx, &id, `
		SELECT session_id FROM runs
		WHERE agent_name = ? AND session_id != ''
		ORDER BY started_at DESC, id DESC LIMIT 1`, agentName)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last session id: %w", err)
	}
	return id, nil
}

// AttemptCount returns how many runs were recorded for a task.
func (s *Store) AttemptCount(ctx context.Context, taskID string) (int, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM runs WHERE task_id = ?`, taskID)
	if err != nil {
		return 0, fmt.Errorf("attempt count: %w", err)
	}
	return n, nil
}
