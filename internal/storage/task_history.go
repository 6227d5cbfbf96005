package storage

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

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// ErrNotArchived is returned when a task id has no archived record
var ErrNotArchived = errors.New("task not archived")

// TaskRecord is a finished task as kept in the archive
type TaskRecord struct {
	ID           string             `json:"id"`
	Type         string             `json:"type"`
	Priority     model.TaskPriority `json:"priority"`
	Status       model.TaskStatus   `json:"status"`
	Error        string             `json:"error,omitempty"`
	Resources    map[string]float64 `json:"resources,omitempty"`
	Dependencies []string           `json:"dependencies,omitempty"`
	Metadata     map[string]string  `json:"metadata,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	DispatchedAt *time.Time         `json:"dispatched_at,omitempty"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
	Duration     time.Duration      `json:"duration,omitempty"`
}

// TaskFilter narrows List and Count. Zero fields match everything.
type TaskFilter struct {
	Type     string
	Status   model.TaskStatus
	Priority model.TaskPriority
}

// TaskArchive defines the interface for finished task storage
type TaskArchive interface {
	// Archive stores a finished task, replacing an earlier record with the same id
	Archive(ctx context.Context, task *model.Task) error

	// Get retrieves an archived task by id
	Get(ctx context.Context, id string) (*TaskRecord, error)

	// List retrieves archived tasks, most recently finished first
	List(ctx context.Context, filter TaskFilter, offset, limit int) ([]*TaskRecord, error)

	// Count returns the number of archived tasks matching the filter
	Count(ctx context.Context, filter TaskFilter) (int, error)

	// Prune deletes tasks that finished before the cutoff
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// SQLiteTaskArchive implements TaskArchive using SQLite
type SQLiteTaskArchive struct {
	logger *zap.Logger
	db     *sql.DB
}

// NewSQLiteTaskArchive opens or creates the archive database at dbPath
func NewSQLiteTaskArchive(dbPath string, logger *zap.Logger) (*SQLiteTaskArchive, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serializes writers
	db.SetMaxOpenConns(1)

	archive := &SQLiteTaskArchive{
		logger: logger.Named("task-archive"),
		db:     db,
	}

	if err := archive.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	archive.logger.Info("Task archive opened", zap.String("path", dbPath))
	return archive, nil
}

// initialize creates the necessary tables if they don't exist
func (s *SQLiteTaskArchive) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS task_archive (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status TEXT NOT NULL,
			error TEXT,
			resources TEXT,
			dependencies TEXT,
			metadata TEXT,
			created_at DATETIME NOT NULL,
			dispatched_at DATETIME,
			completed_at DATETIME,
			finished_at DATETIME NOT NULL,
			duration INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_task_archive_type ON task_archive(type);
		CREATE INDEX IF NOT EXISTS idx_task_archive_status ON task_archive(status);
		CREATE INDEX IF NOT EXISTS idx_task_archive_finished_at ON task_archive(finished_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// Archive implements TaskArchive.Archive
func (s *SQLiteTaskArchive) Archive(ctx context.Context, task *model.Task) error {
	if task == nil {
		return errors.New("nil task")
	}

	resources, err := encodeJSON(task.Resources)
	if err != nil {
		return err
	}
	dependencies, err := encodeJSON(task.Dependencies)
	if err != nil {
		return err
	}
	metadata, err := encodeJSON(task.Metadata)
	if err != nil {
		return err
	}

	finishedAt := task.CreatedAt
	if task.CompletedAt != nil {
		finishedAt = *task.CompletedAt
	}
	var duration sql.NullInt64
	if task.DispatchedAt != nil && task.CompletedAt != nil {
		duration = sql.NullInt64{Int64: int64(task.CompletedAt.Sub(*task.DispatchedAt)), Valid: true}
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO task_archive (
			id, type, priority, status, error, resources, dependencies, metadata,
			created_at, dispatched_at, completed_at, finished_at, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.Type,
		int(task.Priority),
		string(task.Status),
		sql.NullString{String: task.ErrorMessage, Valid: task.ErrorMessage != ""},
		resources,
		dependencies,
		metadata,
		task.CreatedAt.UTC(),
		nullTime(task.DispatchedAt),
		nullTime(task.CompletedAt),
		finishedAt.UTC(),
		duration,
	)
	if err != nil {
		return fmt.Errorf("failed to archive task %s: %w", task.ID, err)
	}
	return nil
}

const selectColumns = `SELECT id, type, priority, status, error, resources, dependencies, metadata,
	created_at, dispatched_at, completed_at, duration FROM task_archive`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*TaskRecord, error) {
	var (
		record                          TaskRecord
		priority                        int
		status                          string
		errorStr, resources, deps, meta sql.NullString
		dispatchedAt, completedAt       sql.NullTime
		durationNanos                   sql.NullInt64
	)
	err := row.Scan(
		&record.ID,
		&record.Type,
		&priority,
		&status,
		&errorStr,
		&resources,
		&deps,
		&meta,
		&record.CreatedAt,
		&dispatchedAt,
		&completedAt,
		&durationNanos,
	)
	if err != nil {
		return nil, err
	}

	record.Priority = model.TaskPriority(priority)
	record.Status = model.TaskStatus(status)
	record.Error = errorStr.String
	if err := decodeJSON(resources, &record.Resources); err != nil {
		return nil, err
	}
	if err := decodeJSON(deps, &record.Dependencies); err != nil {
		return nil, err
	}
	if err := decodeJSON(meta, &record.Metadata); err != nil {
		return nil, err
	}
	if dispatchedAt.Valid {
		record.DispatchedAt = &dispatchedAt.Time
	}
	if completedAt.Valid {
		record.CompletedAt = &completedAt.Time
	}
	if durationNanos.Valid {
		record.Duration = time.Duration(durationNanos.Int64)
	}
	return &record, nil
}

// Get implements TaskArchive.Get
func (s *SQLiteTaskArchive) Get(ctx context.Context, id string) (*TaskRecord, error) {
	record, err := scanRecord(s.db.QueryRowContext(ctx, selectColumns+" WHERE id = ?", id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotArchived, id)
		}
		return nil, fmt.Errorf("failed to scan archived task: %w", err)
	}
	return record, nil
}

// List implements TaskArchive.List
func (s *SQLiteTaskArchive) List(ctx context.Context, filter TaskFilter, offset, limit int) ([]*TaskRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	where, args := filter.where()
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx,
		selectColumns+where+" ORDER BY finished_at DESC, id LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list archived tasks: %w", err)
	}
	defer rows.Close()

	var records []*TaskRecord
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan archived task: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return records, nil
}

// Count implements TaskArchive.Count
func (s *SQLiteTaskArchive) Count(ctx context.Context, filter TaskFilter) (int, error) {
	where, args := filter.where()

	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM task_archive"+where, args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count archived tasks: %w", err)
	}
	return count, nil
}

// Prune implements TaskArchive.Prune
func (s *SQLiteTaskArchive) Prune(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, "DELETE FROM task_archive WHERE finished_at < ?", before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to prune task archive: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}

	s.logger.Debug("Pruned archived tasks",
		zap.Time("before", before),
		zap.Int64("deleted", affected))

	return affected, nil
}

// Close closes the database connection
func (s *SQLiteTaskArchive) Close() error {
	return s.db.Close()
}

func (f TaskFilter) where() (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if f.Type != "" {
		clauses = append(clauses, "type = ?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Priority != 0 {
		clauses = append(clauses, "priority = ?")
		args = append(args, int(f.Priority))
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func encodeJSON(v any) (sql.NullString, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encode archived field: %w", err)
	}
	if string(data) == "null" {
		return sql.NullString{}, nil
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func decodeJSON(s sql.NullString, v any) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(s.String), v); err != nil {
		return fmt.Errorf("failed to decode archived field: %w", err)
	}
	return nil
}
