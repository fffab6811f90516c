package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"agrisync/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Open opens (or creates) the SQLite database at path. The pool is capped at
// one connection because SQLite has a single writer.
func Open(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// OpenInMemory opens a private in-memory database, used by tests and the
// one-shot CLI commands when no database path is configured.
func OpenInMemory() (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}
	return db, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS scheduled_tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  schedule TEXT NOT NULL,
  task_type TEXT NOT NULL,
  is_active INTEGER NOT NULL DEFAULT 1,
  last_run DATETIME,
  next_run DATETIME NOT NULL,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS kv_entries (
  key TEXT PRIMARY KEY,
  value BLOB NOT NULL,
  updated_at DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS reminders (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL,
  message TEXT NOT NULL,
  type TEXT NOT NULL,
  category TEXT NOT NULL,
  scheduled_date INTEGER NOT NULL,
  is_sent INTEGER NOT NULL DEFAULT 0,
  sent_at INTEGER,
  is_active INTEGER NOT NULL DEFAULT 1,
  related_item_id TEXT NOT NULL DEFAULT '',
  created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_reminders_due ON reminders(is_active, is_sent, scheduled_date);
`
	_, err := db.Exec(schema)
	return err
}

type TaskRepository interface {
	ListTasks(ctx context.Context) ([]domain.ScheduledTask, error)
	GetTask(ctx context.Context, id string) (domain.ScheduledTask, error)
	UpsertTask(ctx context.Context, t domain.ScheduledTask) error
	DeleteTask(ctx context.Context, id string) error
	UpdateTaskRun(ctx context.Context, id string, lastRun *time.Time, nextRun time.Time) error
}

// SQLite implements every repository in this package over one *sql.DB.
type SQLite struct{ db *sql.DB }

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{db: db} }

// DB returns the underlying database connection.
func (r *SQLite) DB() *sql.DB { return r.db }

const taskColumns = `id,name,schedule,task_type,is_active,last_run,next_run`

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (domain.ScheduledTask, error) {
	var t domain.ScheduledTask
	var lastRun sql.NullTime
	var taskType string
	if err := row.Scan(&t.ID, &t.Name, &t.Schedule, &taskType, &t.IsActive, &lastRun, &t.NextRun); err != nil {
		return domain.ScheduledTask{}, err
	}
	t.TaskType = domain.TaskType(taskType)
	t.NextRun = t.NextRun.UTC()
	if lastRun.Valid {
		lr := lastRun.Time.UTC()
		t.LastRun = &lr
	}
	return t, nil
}

func (r *SQLite) ListTasks(ctx context.Context) ([]domain.ScheduledTask, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLite) GetTask(ctx context.Context, id string) (domain.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM scheduled_tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledTask{}, ErrNotFound
	}
	if err != nil {
		return domain.ScheduledTask{}, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

func (r *SQLite) UpsertTask(ctx context.Context, t domain.ScheduledTask) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO scheduled_tasks (id,name,schedule,task_type,is_active,last_run,next_run,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,CURRENT_TIMESTAMP,CURRENT_TIMESTAMP)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name,
  schedule=excluded.schedule,
  task_type=excluded.task_type,
  is_active=excluded.is_active,
  last_run=excluded.last_run,
  next_run=excluded.next_run,
  updated_at=CURRENT_TIMESTAMP
`, t.ID, t.Name, t.Schedule, string(t.TaskType), t.IsActive, utcPtr(t.LastRun), t.NextRun.UTC())
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", t.ID, err)
	}
	return nil
}

func (r *SQLite) DeleteTask(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM scheduled_tasks WHERE id=?`, id)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *SQLite) UpdateTaskRun(ctx context.Context, id string, lastRun *time.Time, nextRun time.Time) error {
	_, err := r.db.ExecContext(ctx, `
UPDATE scheduled_tasks SET last_run=?,next_run=?,updated_at=CURRENT_TIMESTAMP WHERE id=?`,
		utcPtr(lastRun), nextRun.UTC(), id)
	if err != nil {
		return fmt.Errorf("update task run %s: %w", id, err)
	}
	return nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
