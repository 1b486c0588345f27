package fetch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/pageclone/dbopen"
)

// ErrNotFound is returned for unknown task ids.
var ErrNotFound = errors.New("fetch: task not found")

// ErrTerminal is returned when a write targets a task that already reached
// completed or failed.
var ErrTerminal = errors.New("fetch: task already terminal")

// Schema is the task registry.
const Schema = `
CREATE TABLE IF NOT EXISTS fetch_tasks (
    id           TEXT PRIMARY KEY,
    source_url   TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    fail_reason  TEXT NOT NULL DEFAULT '',
    error        TEXT NOT NULL DEFAULT '',
    content_json TEXT,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fetch_tasks_created ON fetch_tasks(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_fetch_tasks_status ON fetch_tasks(status);
`

// Store is the SQLite-backed task registry. Writes are guarded with
// "status IN ('pending','fetching')" so a terminal task never changes.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore applies the schema and returns a Store.
func NewStore(db *sql.DB) (*Store, error) {
	if _, err := db.Exec(Schema); err != nil {
		return nil, fmt.Errorf("fetch: apply schema: %w", err)
	}
	return &Store{db: db, now: time.Now}, nil
}

// Insert stores a new task.
func (s *Store) Insert(ctx context.Context, t *Task) error {
	now := s.now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt
	if t.Status == "" {
		t.Status = StatusPending
	}
	_, err := dbopen.Exec(ctx, s.db,
		`INSERT INTO fetch_tasks (id, source_url, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		t.ID, t.SourceURL, string(t.Status), t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("fetch: insert task: %w", err)
	}
	return nil
}

// Get returns the task with its content.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, source_url, status, fail_reason, error, content_json, created_at, updated_at
		FROM fetch_tasks WHERE id = ?`, id)
	t, err := scanTask(row, true)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

const (
	// DefaultListLimit is how many tasks List returns when no limit is given.
	DefaultListLimit = 100
	// MaxListLimit is the most tasks one List call returns.
	MaxListLimit = 1000
)

// List returns up to limit tasks, newest first, without content. limit <= 0
// means DefaultListLimit; anything above MaxListLimit is cut to it.
func (s *Store) List(ctx context.Context, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_url, status, fail_reason, error, NULL, created_at, updated_at
		FROM fetch_tasks ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch: list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*Task{}
	for rows.Next() {
		t, err := scanTask(rows, false)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// MarkFetching moves a pending task to fetching.
func (s *Store) MarkFetching(ctx context.Context, id string) error {
	return s.transition(ctx, id,
		`UPDATE fetch_tasks SET status = 'fetching', updated_at = ?
		WHERE id = ? AND status = 'pending'`, s.now().UnixMilli(), id)
}

// Complete records the content and marks the task completed.
func (s *Store) Complete(ctx context.Context, id string, c *Content) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("fetch: marshal content: %w", err)
	}
	return s.transition(ctx, id,
		`UPDATE fetch_tasks SET status = 'completed', content_json = ?, updated_at = ?
		WHERE id = ? AND status IN ('pending','fetching')`,
		string(data), s.now().UnixMilli(), id)
}

// Fail marks the task failed. Any content is discarded.
func (s *Store) Fail(ctx context.Context, id string, reason FailReason, msg string) error {
	return s.transition(ctx, id,
		`UPDATE fetch_tasks SET status = 'failed', fail_reason = ?, error = ?, content_json = NULL, updated_at = ?
		WHERE id = ? AND status IN ('pending','fetching')`,
		string(reason), msg, s.now().UnixMilli(), id)
}

// FailInterrupted fails every non-terminal task. Called at boot: no fetch
// survives a restart.
func (s *Store) FailInterrupted(ctx context.Context) (int64, error) {
	res, err := dbopen.Exec(ctx, s.db,
		`UPDATE fetch_tasks SET status = 'failed', fail_reason = 'cancelled',
		error = 'interrupted by service restart', updated_at = ?
		WHERE status IN ('pending','fetching')`, s.now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("fetch: fail interrupted: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := dbopen.Exec(ctx, s.db, query, args...)
	if err != nil {
		return fmt.Errorf("fetch: update task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	var status string
	err = s.db.QueryRowContext(ctx, `SELECT status FROM fetch_tasks WHERE id = ?`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("fetch: read task %s: %w", id, err)
	}
	return fmt.Errorf("%w: %s is %s", ErrTerminal, id, status)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner, withContent bool) (*Task, error) {
	var t Task
	var status, reason string
	var content sql.NullString
	var created, updated int64
	if err := row.Scan(&t.ID, &t.SourceURL, &status, &reason, &t.Error, &content, &created, &updated); err != nil {
		return nil, err
	}
	t.Status = Status(status)
	t.FailReason = FailReason(reason)
	t.CreatedAt = time.UnixMilli(created).UTC()
	t.UpdatedAt = time.UnixMilli(updated).UTC()
	if withContent && content.Valid && t.Status == StatusCompleted {
		var c Content
		if err := json.Unmarshal([]byte(content.String), &c); err != nil {
			return nil, fmt.Errorf("fetch: decode content of %s: %w", t.ID, err)
		}
		t.FetchedContent = &c
	}
	return &t, nil
}
