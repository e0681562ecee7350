// Package journal keeps an append-only SQLite record of task transitions:
// claims, reverts, completions and self-review overrides. The JSON document
// holds only current state; the journal is where history accumulates for
// audit queries and the doctor command.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/basket/taskwarden/internal/store"
)

// Event types recorded by the guidance and sweep paths.
const (
	EventTaskCreated        = "task.created"
	EventTaskClaimed        = "task.claimed"
	EventTaskReverted       = "task.reverted"
	EventTaskCompleted      = "task.completed"
	EventTaskStatusChanged  = "task.status_changed"
	EventSelfReviewOverride = "task.self_review_override"
	EventAgentRemoved       = "agent.removed"
)

// Event is one journal row.
type Event struct {
	EventID   int64            `json:"event_id"`
	TaskID    string           `json:"task_id"`
	AgentID   string           `json:"agent_id,omitempty"`
	EventType string           `json:"event_type"`
	StateFrom store.TaskStatus `json:"state_from,omitempty"`
	StateTo   store.TaskStatus `json:"state_to,omitempty"`
	Detail    string           `json:"detail,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Journal owns the SQLite database file.
type Journal struct {
	db *sql.DB
}

// Open opens (creating if necessary) the journal database at path.
func Open(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	j := &Journal{db: db}
	if err := j.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) init(ctx context.Context) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragmas {
		if _, err := j.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	if _, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL,
			agent_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT,
			detail TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
		CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);
	`); err != nil {
		return fmt.Errorf("create task_events: %w", err)
	}
	if _, err := j.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			subject TEXT,
			action TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create audit_log: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// DB exposes the raw handle for the doctor command's integrity check.
func (j *Journal) DB() *sql.DB {
	return j.db
}

// Append records one event, retrying transient lock errors with bounded
// jitter.
func (j *Journal) Append(ctx context.Context, ev Event) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := j.db.ExecContext(ctx, `
			INSERT INTO task_events (task_id, agent_id, event_type, state_from, state_to, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, ev.TaskID, ev.AgentID, ev.EventType, string(ev.StateFrom), string(ev.StateTo), ev.Detail)
		if err != nil {
			return fmt.Errorf("append task event: %w", err)
		}
		return nil
	})
}

// ListByTask returns the event history for a task in append order.
func (j *Journal) ListByTask(ctx context.Context, taskID string, limit int) ([]Event, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(agent_id, ''), event_type,
			COALESCE(state_from, ''), COALESCE(state_to, ''), COALESCE(detail, ''), created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev        Event
			stateFrom string
			stateTo   string
		)
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.AgentID, &ev.EventType,
			&stateFrom, &stateTo, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = store.TaskStatus(stateFrom)
		ev.StateTo = store.TaskStatus(stateTo)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TotalEventCount returns the total number of journal events.
func (j *Journal) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := j.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using
// exponential backoff with bounded jitter on top of the driver's
// busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy reports whether err is a SQLite BUSY or LOCKED error.
func isSQLiteBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
