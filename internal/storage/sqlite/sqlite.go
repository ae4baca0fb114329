// Package sqlite implements the storage contract on top of an embedded,
// file-based SQLite database. It is the lightweight alternative to the
// server-based postgres adapter: tags/payload/result travel as
// JSON-encoded TEXT and timestamps as integer unix seconds, matching the
// original implementation's embedded-engine column layout.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mohsinsiddi/taskqueue/internal/storage"
	"github.com/mohsinsiddi/taskqueue/internal/task"
)

// Store implements storage.Store over database/sql + modernc.org/sqlite.
// modernc.org/sqlite is a pure-Go driver, used here instead of the
// cgo-based mattn/go-sqlite3 driver the teacher pack also carries — see
// DESIGN.md for why.
type Store struct {
	db *sql.DB
}

// Open creates (or attaches to) a SQLite database at path. Use
// "file::memory:?cache=shared" for an ephemeral, in-process store.
func Open(path string) (*Store, error) {
	dsn := path
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // SQLite serializes writers; avoid lock contention storms

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: pragma %q: %w", p, err)
		}
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	payload       TEXT,
	state         TEXT NOT NULL,
	priority      TEXT NOT NULL,
	created_at    INTEGER NOT NULL,
	updated_at    INTEGER NOT NULL,
	scheduled_at  INTEGER,
	started_at    INTEGER,
	completed_at  INTEGER,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	last_error    TEXT,
	worker_id     TEXT,
	result        TEXT,
	tags          TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_at ON tasks(scheduled_at);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

func (s *Store) Setup(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("sqlite: setup: %w", err)
	}
	return nil
}

// priorityRank mirrors task.Priority.rank() in SQL so ORDER BY produces
// true urgency order rather than alphabetical order.
const priorityRank = `CASE priority
	WHEN 'critical' THEN 3
	WHEN 'high' THEN 2
	WHEN 'medium' THEN 1
	WHEN 'low' THEN 0
	ELSE 1 END`

func unixPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func ptrFromUnix(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(v.Int64, 0).UTC()
	return &t
}

func marshalTags(tags []string) (string, error) {
	if tags == nil {
		tags = []string{}
	}
	b, err := json.Marshal(tags)
	return string(b), err
}

func unmarshalTags(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return []string{}, nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s.String), &tags); err != nil {
		return nil, err
	}
	return tags, nil
}

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	tagsJSON, err := marshalTags(t.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (
			id, name, payload, state, priority,
			created_at, updated_at, scheduled_at,
			started_at, completed_at, attempts,
			max_attempts, last_error, worker_id,
			result, tags
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, string(t.Payload), string(t.State), string(t.Priority),
		t.CreatedAt.Unix(), t.UpdatedAt.Unix(), unixPtr(t.ScheduledAt),
		unixPtr(t.StartedAt), unixPtr(t.CompletedAt), t.Attempts,
		t.MaxAttempts, nullableString(t.LastError), nullableString(t.WorkerID),
		nullableBytes(t.Result), tagsJSON,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("sqlite: create task: %w", err)
	}
	return nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite reports UNIQUE constraint failures in the error text;
	// there is no exported sentinel to compare against.
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "constraint failed: UNIQUE")
}

const selectColumns = `id, name, payload, state, priority, created_at, updated_at,
	scheduled_at, started_at, completed_at, attempts, max_attempts,
	last_error, worker_id, result, tags`

func scanTask(row interface {
	Scan(dest ...any) error
}) (*task.Task, error) {
	var (
		t                                     task.Task
		payload, state, priority              sql.NullString
		createdAt, updatedAt                   int64
		scheduledAt, startedAt, completedAt    sql.NullInt64
		lastError, workerID, result, tagsJSON  sql.NullString
	)
	if err := row.Scan(
		&t.ID, &t.Name, &payload, &state, &priority,
		&createdAt, &updatedAt, &scheduledAt, &startedAt, &completedAt,
		&t.Attempts, &t.MaxAttempts, &lastError, &workerID, &result, &tagsJSON,
	); err != nil {
		return nil, err
	}

	t.Payload = []byte(payload.String)
	t.State = task.State(state.String)
	t.Priority = task.Priority(priority.String)
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	t.ScheduledAt = ptrFromUnix(scheduledAt)
	t.StartedAt = ptrFromUnix(startedAt)
	t.CompletedAt = ptrFromUnix(completedAt)
	t.LastError = lastError.String
	t.WorkerID = workerID.String
	if result.Valid {
		t.Result = []byte(result.String)
	}
	tags, err := unmarshalTags(tagsJSON)
	if err != nil {
		return nil, fmt.Errorf("sqlite: unmarshal tags: %w", err)
	}
	t.Tags = tags
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get task: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tagsJSON, err := marshalTags(t.Tags)
	if err != nil {
		return fmt.Errorf("sqlite: marshal tags: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			name = ?, payload = ?, state = ?, priority = ?, updated_at = ?,
			scheduled_at = ?, started_at = ?, completed_at = ?, attempts = ?,
			max_attempts = ?, last_error = ?, worker_id = ?, result = ?, tags = ?
		WHERE id = ?`,
		t.Name, string(t.Payload), string(t.State), string(t.Priority), t.UpdatedAt.Unix(),
		unixPtr(t.ScheduledAt), unixPtr(t.StartedAt), unixPtr(t.CompletedAt), t.Attempts,
		t.MaxAttempts, nullableString(t.LastError), nullableString(t.WorkerID),
		nullableBytes(t.Result), tagsJSON, t.ID,
	)
	if err != nil {
		return fmt.Errorf("sqlite: update task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite: update task: %w", err)
	}
	if n == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("sqlite: delete task: %w", err)
	}
	return nil
}

func (s *Store) GetTasks(ctx context.Context, filter storage.ListFilter) ([]*task.Task, int, error) {
	query := "SELECT " + selectColumns + " FROM tasks"
	countQuery := "SELECT COUNT(*) FROM tasks"
	var conds []string
	var args []any

	if filter.State != nil {
		conds = append(conds, "state = ?")
		args = append(args, string(*filter.State))
	}
	if filter.Priority != nil {
		conds = append(conds, "priority = ?")
		args = append(args, string(*filter.Priority))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE "
		for i, c := range conds {
			if i > 0 {
				where += " AND "
			}
			where += c
		}
	}
	query += where + " ORDER BY created_at DESC"
	countQuery += where

	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlite: count tasks: %w", err)
	}

	if filter.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("sqlite: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("sqlite: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *Store) GetScheduledTasks(ctx context.Context, before time.Time) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM tasks
		WHERE state = ? AND scheduled_at <= ?
		ORDER BY `+priorityRank+` DESC, scheduled_at ASC`,
		string(task.Scheduled), before.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetFailedTasksForRetry(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+selectColumns+` FROM tasks
		WHERE state = ? AND attempts < max_attempts
		ORDER BY `+priorityRank+` DESC, updated_at ASC`,
		string(task.Failed),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: get failed tasks for retry: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountTasksByState(ctx context.Context) (map[task.State]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT state, COUNT(*) FROM tasks GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("sqlite: count by state: %w", err)
	}
	defer rows.Close()

	out := make(map[task.State]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[task.State(st)] = n
	}
	return out, rows.Err()
}

func (s *Store) CountTasksByPriority(ctx context.Context) (map[task.Priority]int, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT priority, COUNT(*) FROM tasks GROUP BY priority")
	if err != nil {
		return nil, fmt.Errorf("sqlite: count by priority: %w", err)
	}
	defer rows.Close()

	out := make(map[task.Priority]int)
	for rows.Next() {
		var p string
		var n int
		if err := rows.Scan(&p, &n); err != nil {
			return nil, err
		}
		out[task.Priority(p)] = n
	}
	return out, rows.Err()
}

var _ storage.Store = (*Store)(nil)
