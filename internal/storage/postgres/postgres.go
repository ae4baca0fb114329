// Package postgres implements the storage contract on top of a
// server-based PostgreSQL backend, using a native TEXT[] column for tags
// and native JSONB for payload/result, as spec.md §6.1 calls for.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mohsinsiddi/taskqueue/internal/storage"
	"github.com/mohsinsiddi/taskqueue/internal/task"
)

// Store implements storage.Store over a pgx connection pool, grounded on
// the teacher's PostgresStore (control_plane/store/postgres.go): a pool
// with conservative size/lifetime tuning, unique violations on insert
// translated to storage.ErrAlreadyExists, and pgx.ErrNoRows translated to
// the package's own not-found sentinel.
type Store struct {
	pool *pgxpool.Pool
}

// New connects to PostgreSQL and verifies connectivity with a ping.
func New(ctx context.Context, connString string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id            TEXT PRIMARY KEY,
	name          TEXT NOT NULL,
	payload       JSONB,
	state         TEXT NOT NULL,
	priority      TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	scheduled_at  TIMESTAMPTZ,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	attempts      INTEGER NOT NULL DEFAULT 0,
	max_attempts  INTEGER NOT NULL,
	last_error    TEXT,
	worker_id     TEXT,
	result        JSONB,
	tags          TEXT[] NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_tasks_state ON tasks(state);
CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority);
CREATE INDEX IF NOT EXISTS idx_tasks_scheduled_at ON tasks(scheduled_at);
CREATE INDEX IF NOT EXISTS idx_tasks_created_at ON tasks(created_at);
`

func (s *Store) Setup(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("postgres: setup: %w", err)
	}
	return nil
}

// priorityRank mirrors task.Priority.rank() in SQL for true urgency
// ordering rather than lexical ordering of the priority text column.
const priorityRank = `CASE priority
	WHEN 'critical' THEN 3
	WHEN 'high' THEN 2
	WHEN 'medium' THEN 1
	WHEN 'low' THEN 0
	ELSE 1 END`

func (s *Store) CreateTask(ctx context.Context, t *task.Task) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (
			id, name, payload, state, priority,
			created_at, updated_at, scheduled_at,
			started_at, completed_at, attempts,
			max_attempts, last_error, worker_id,
			result, tags
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		t.ID, t.Name, rawJSON(t.Payload), string(t.State), string(t.Priority),
		t.CreatedAt, t.UpdatedAt, t.ScheduledAt, t.StartedAt, t.CompletedAt,
		t.Attempts, t.MaxAttempts, nullable(t.LastError), nullable(t.WorkerID),
		rawJSON(t.Result), t.Tags,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.ErrAlreadyExists
		}
		return fmt.Errorf("postgres: create task: %w", err)
	}
	return nil
}

func rawJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func isUniqueViolation(err error) bool {
	var pgErr interface{ SQLState() string }
	if errors.As(err, &pgErr) {
		return pgErr.SQLState() == "23505"
	}
	return false
}

const selectColumns = `id, name, payload, state, priority, created_at, updated_at,
	scheduled_at, started_at, completed_at, attempts, max_attempts,
	last_error, worker_id, result, tags`

func scanTask(row pgx.Row) (*task.Task, error) {
	var (
		t                         task.Task
		payload, result           []byte
		state, priority           string
		lastError, workerID       *string
	)
	if err := row.Scan(
		&t.ID, &t.Name, &payload, &state, &priority,
		&t.CreatedAt, &t.UpdatedAt, &t.ScheduledAt, &t.StartedAt, &t.CompletedAt,
		&t.Attempts, &t.MaxAttempts, &lastError, &workerID, &result, &t.Tags,
	); err != nil {
		return nil, err
	}
	t.Payload = payload
	t.Result = result
	t.State = task.State(state)
	t.Priority = task.Priority(priority)
	if lastError != nil {
		t.LastError = *lastError
	}
	if workerID != nil {
		t.WorkerID = *workerID
	}
	if t.Tags == nil {
		t.Tags = []string{}
	}
	return &t, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*task.Task, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+selectColumns+" FROM tasks WHERE id = $1", id)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: get task: %w", err)
	}
	return t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *task.Task) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE tasks SET
			name = $2, payload = $3, state = $4, priority = $5, updated_at = $6,
			scheduled_at = $7, started_at = $8, completed_at = $9, attempts = $10,
			max_attempts = $11, last_error = $12, worker_id = $13, result = $14, tags = $15
		WHERE id = $1`,
		t.ID, t.Name, rawJSON(t.Payload), string(t.State), string(t.Priority), t.UpdatedAt,
		t.ScheduledAt, t.StartedAt, t.CompletedAt, t.Attempts,
		t.MaxAttempts, nullable(t.LastError), nullable(t.WorkerID), rawJSON(t.Result), t.Tags,
	)
	if err != nil {
		return fmt.Errorf("postgres: update task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, "DELETE FROM tasks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("postgres: delete task: %w", err)
	}
	return nil
}

func (s *Store) GetTasks(ctx context.Context, filter storage.ListFilter) ([]*task.Task, int, error) {
	query := "SELECT " + selectColumns + " FROM tasks"
	countQuery := "SELECT COUNT(*) FROM tasks"
	var conds []string
	var args []any
	argN := 1

	if filter.State != nil {
		conds = append(conds, fmt.Sprintf("state = $%d", argN))
		args = append(args, string(*filter.State))
		argN++
	}
	if filter.Priority != nil {
		conds = append(conds, fmt.Sprintf("priority = $%d", argN))
		args = append(args, string(*filter.Priority))
		argN++
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
	if err := s.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres: count tasks: %w", err)
	}

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d OFFSET $%d", argN, argN+1)
		args = append(args, filter.Limit, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres: list tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, total, rows.Err()
}

func (s *Store) GetScheduledTasks(ctx context.Context, before time.Time) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM tasks
		WHERE state = $1 AND scheduled_at <= $2
		ORDER BY `+priorityRank+` DESC, scheduled_at ASC`,
		string(task.Scheduled), before,
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get scheduled tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) GetFailedTasksForRetry(ctx context.Context) ([]*task.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+selectColumns+` FROM tasks
		WHERE state = $1 AND attempts < max_attempts
		ORDER BY `+priorityRank+` DESC, updated_at ASC`,
		string(task.Failed),
	)
	if err != nil {
		return nil, fmt.Errorf("postgres: get failed tasks for retry: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *Store) CountTasksByState(ctx context.Context) (map[task.State]int, error) {
	rows, err := s.pool.Query(ctx, "SELECT state, COUNT(*) FROM tasks GROUP BY state")
	if err != nil {
		return nil, fmt.Errorf("postgres: count by state: %w", err)
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
	rows, err := s.pool.Query(ctx, "SELECT priority, COUNT(*) FROM tasks GROUP BY priority")
	if err != nil {
		return nil, fmt.Errorf("postgres: count by priority: %w", err)
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
