package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"octoflow/internal/domain"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  task_type TEXT NOT NULL CHECK(task_type IN ('scheduled','repeated')),
  payload BLOB NOT NULL,
  scheduled_at TEXT NOT NULL,
  repeat_interval TEXT NOT NULL DEFAULT '',
  cron_expression TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_created ON scheduled_tasks(created_at, id);
CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_filter ON scheduled_tasks(task_type, is_active);
`
	_, err := db.Exec(schema)
	return err
}

type SQLite struct{ db *sql.DB }

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := EnsureSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	log.Debug().Str("path", path).Msg("sqlite task store opened")
	return &SQLite{db: db}, nil
}

// NewSQLite wraps an already opened database. The schema must exist.
func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

const taskColumns = `id,name,description,task_type,payload,scheduled_at,repeat_interval,cron_expression,is_active,created_at,updated_at`

func (s *SQLite) Create(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO NOTHING`,
		t.ID, t.Name, t.Description, string(t.TaskType), payload, formatTime(t.ScheduledAt),
		string(t.RepeatInterval), t.CronExpression, t.IsActive, formatTime(t.CreatedAt), formatTime(t.UpdatedAt))
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (f Filter) where() (string, []any) {
	var clauses []string
	var args []any
	if f.Type != nil {
		clauses = append(clauses, "task_type=?")
		args = append(args, string(*f.Type))
	}
	if f.IsActive != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, *f.IsActive)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (s *SQLite) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	where, args := f.where()
	limit := f.Limit
	if limit <= 0 {
		limit = -1
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks`+where+`
ORDER BY created_at ASC, id ASC LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (s *SQLite) Count(ctx context.Context, f Filter) (int, error) {
	where, args := f.where()
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM scheduled_tasks`+where, args...).Scan(&n)
	return n, err
}

func (s *SQLite) Update(ctx context.Context, t domain.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_tasks
SET name=?,description=?,task_type=?,payload=?,scheduled_at=?,repeat_interval=?,cron_expression=?,is_active=?,updated_at=?
WHERE id=?`,
		t.Name, t.Description, string(t.TaskType), payload, formatTime(t.ScheduledAt), string(t.RepeatInterval),
		t.CronExpression, t.IsActive, formatTime(t.UpdatedAt), t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM scheduled_tasks WHERE id=?", id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                               domain.Task
		taskType, interval              string
		payload                         []byte
		scheduledAt, createdAt, updated string
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &taskType, &payload, &scheduledAt,
		&interval, &t.CronExpression, &t.IsActive, &createdAt, &updated); err != nil {
		return domain.Task{}, err
	}
	t.TaskType = domain.TaskType(taskType)
	t.RepeatInterval = domain.RepeatInterval(interval)
	if err := json.Unmarshal(payload, &t.Payload); err != nil {
		return domain.Task{}, fmt.Errorf("decode payload of %s: %w", t.ID, err)
	}
	var err error
	if t.ScheduledAt, err = parseTime(scheduledAt); err != nil {
		return domain.Task{}, err
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return domain.Task{}, err
	}
	if t.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse stored time %q: %w", s, err)
	}
	return t, nil
}
