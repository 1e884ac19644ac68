// Package taskstore is the SQLite task sink that surfaces supervised runs.
package taskstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/hochfrequenz/claude-cli-supervisor/internal/domain"
)

// ErrNotFound is returned for unknown task IDs
var ErrNotFound = errors.New("task not found")

// Store provides SQLite-backed task persistence
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// New creates a new Store with the given database path
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection: ":memory:" databases are per connection and SQLite
	// serializes writers anyway
	db.SetMaxOpenConns(1)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, err
	}

	// Run migrations
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateTask inserts a task in running state and returns its ID
func (s *Store) CreateTask(ctx context.Context, t domain.NewTask) (string, error) {
	id := uuid.NewString()
	now := s.now().UnixMilli()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, name, description, pid, log_file, status, progress, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, '{}', ?, ?)
	`, id, t.Type, t.Name, t.Description, t.PID, t.LogFile, string(domain.StatusRunning), now, now)
	if err != nil {
		return "", fmt.Errorf("creating task: %w", err)
	}
	return id, nil
}

// UpdateStatus writes a status update. Progress is clamped to 0-100 and a
// nil Metadata keeps the stored metadata.
func (s *Store) UpdateStatus(ctx context.Context, id string, u domain.StatusUpdate) error {
	progress := u.Progress
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}

	query := `UPDATE tasks SET status = ?, message = ?, progress = ?, error = ?, updated_at = ?`
	args := []any{string(u.Status), u.Message, progress, u.Error, s.now().UnixMilli()}
	if u.Metadata != nil {
		meta, err := json.Marshal(u.Metadata)
		if err != nil {
			return fmt.Errorf("encoding metadata: %w", err)
		}
		query += `, metadata = ?`
		args = append(args, string(meta))
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	return requireRow(res, id)
}

// AddProgressUpdate appends a progress entry to a task
func (s *Store) AddProgressUpdate(ctx context.Context, id, message string, metadata domain.Metadata) error {
	meta, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO progress_updates (task_id, message, metadata, created_at)
		VALUES (?, ?, ?, ?)
	`, id, message, string(meta), s.now().UnixMilli())
	if err != nil {
		// The foreign key is the only way the insert fails for a bad id
		if _, getErr := s.GetTask(ctx, id); errors.Is(getErr, ErrNotFound) {
			return getErr
		}
		return fmt.Errorf("adding progress to %s: %w", id, err)
	}
	return nil
}

const taskColumns = `id, type, name, description, pid, log_file, status, progress, message, error, metadata, created_at, updated_at`

// GetTask retrieves a task by ID
func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return task, err
}

// ListOptions specifies filters for listing tasks
type ListOptions struct {
	Status domain.TaskStatus
	Limit  int
}

// ListTasks returns tasks matching the given options, newest first
func (s *Store) ListTasks(ctx context.Context, opts ListOptions) ([]*domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE 1=1`
	var args []any

	if opts.Status != "" {
		query += " AND status = ?"
		args = append(args, string(opts.Status))
	}
	query += " ORDER BY created_at DESC, rowid DESC"
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	return s.queryTasks(ctx, query, args...)
}

// ListRunning returns the tasks still marked running
func (s *Store) ListRunning(ctx context.Context) ([]*domain.Task, error) {
	return s.ListTasks(ctx, ListOptions{Status: domain.StatusRunning})
}

// ListProgressUpdates returns the latest limit progress entries of a task in
// chronological order. limit <= 0 returns all.
func (s *Store) ListProgressUpdates(ctx context.Context, id string, limit int) ([]*domain.ProgressUpdate, error) {
	query := `SELECT id, task_id, message, metadata, created_at FROM progress_updates WHERE task_id = ? ORDER BY id DESC`
	args := []any{id}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []*domain.ProgressUpdate
	for rows.Next() {
		var (
			u       domain.ProgressUpdate
			message sql.NullString
			meta    sql.NullString
			created int64
		)
		if err := rows.Scan(&u.ID, &u.TaskID, &message, &meta, &created); err != nil {
			return nil, err
		}
		u.Message = message.String
		u.CreatedAt = time.UnixMilli(created)
		if u.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		updates = append(updates, &u)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse into chronological order
	for i, j := 0, len(updates)-1; i < j; i, j = i+1, j-1 {
		updates[i], updates[j] = updates[j], updates[i]
	}
	return updates, nil
}

// PruneFinished deletes completed and failed tasks last updated before
// olderThan, together with their progress entries
func (s *Store) PruneFinished(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM tasks WHERE status IN (?, ?) AND updated_at < ?
	`, string(domain.StatusCompleted), string(domain.StatusFailed), olderThan.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("pruning tasks: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.Task, error) {
	var (
		task                 domain.Task
		status               string
		description, logFile sql.NullString
		message, errText     sql.NullString
		meta                 sql.NullString
		pid                  sql.NullInt64
		createdAt, updatedAt int64
	)
	err := row.Scan(&task.ID, &task.Type, &task.Name, &description, &pid, &logFile,
		&status, &task.Progress, &message, &errText, &meta, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	task.Description = description.String
	task.LogFile = logFile.String
	task.PID = int(pid.Int64)
	task.Status = domain.TaskStatus(status)
	task.Message = message.String
	task.Error = errText.String
	task.CreatedAt = time.UnixMilli(createdAt)
	task.UpdatedAt = time.UnixMilli(updatedAt)
	if task.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, fmt.Errorf("task %s: %w", task.ID, err)
	}
	return &task, nil
}

func decodeMetadata(raw sql.NullString) (domain.Metadata, error) {
	meta := domain.Metadata{}
	if !raw.Valid || raw.String == "" || raw.String == "null" {
		return meta, nil
	}
	if err := json.Unmarshal([]byte(raw.String), &meta); err != nil {
		return nil, fmt.Errorf("decoding metadata: %w", err)
	}
	return meta, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", id, ErrNotFound)
	}
	return nil
}
