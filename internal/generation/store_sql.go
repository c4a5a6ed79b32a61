package generation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/heyfun/internal/storage"
)

// TaskSchema creates the task table for postgres or sqlite.
var TaskSchema = []string{
	`CREATE TABLE IF NOT EXISTS generation_tasks (
		id TEXT PRIMARY KEY,
		organization_id TEXT NOT NULL,
		model TEXT NOT NULL,
		type TEXT NOT NULL,
		params TEXT,
		status TEXT NOT NULL,
		results TEXT,
		error TEXT,
		external_task_id TEXT,
		cost DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		started_at TIMESTAMP
	)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_tasks_status ON generation_tasks(status, updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_generation_tasks_org ON generation_tasks(organization_id)`,
}

const taskColumns = `id, organization_id, model, type, params, status, results, error, external_task_id, cost, created_at, updated_at, started_at`

// SQLStore persists tasks in postgres or sqlite.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a store over db. Call Migrate once before use.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

// Migrate creates the task table.
func (s *SQLStore) Migrate(ctx context.Context) error {
	return s.db.Migrate(ctx, TaskSchema)
}

func (s *SQLStore) Create(ctx context.Context, task *Task) (*Task, bool, error) {
	if task == nil || task.ID == "" {
		return nil, false, errors.New("task id is required")
	}
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	params, results, err := encodeTask(task)
	if err != nil {
		return nil, false, err
	}
	res, err := s.db.Exec(ctx,
		`INSERT INTO generation_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		task.ID, task.OrganizationID, task.Model, string(task.Type), params, string(task.Status), results,
		storage.NullString(task.Error), storage.NullString(task.ExternalTaskID), task.Cost,
		task.CreatedAt, task.UpdatedAt, storage.NullTime(task.StartedAt),
	)
	if err != nil {
		return nil, false, fmt.Errorf("create task %s: %w", task.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		existing, err := s.Get(ctx, task.ID)
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return cloneTask(task), true, nil
}

func (s *SQLStore) Get(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(s.db.QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return task, nil
}

func (s *SQLStore) Update(ctx context.Context, task *Task) error {
	if task == nil {
		return nil
	}
	task.UpdatedAt = time.Now().UTC()
	params, results, err := encodeTask(task)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(ctx,
		`UPDATE generation_tasks SET params = ?, status = ?, results = ?, error = ?, external_task_id = ?,
			cost = ?, updated_at = ?, started_at = ?
		WHERE id = ?`,
		params, string(task.Status), results, storage.NullString(task.Error), storage.NullString(task.ExternalTaskID),
		task.Cost, task.UpdatedAt, storage.NullTime(task.StartedAt), task.ID,
	)
	if err != nil {
		return fmt.Errorf("update task %s: %w", task.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrTaskNotFound
	}
	return nil
}

func (s *SQLStore) ListByStatus(ctx context.Context, statuses []Status, olderThan time.Time, limit int) ([]*Task, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	args := make([]any, 0, len(statuses)+2)
	for _, st := range statuses {
		args = append(args, string(st))
	}
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE status IN (` +
		strings.TrimSuffix(strings.Repeat("?, ", len(statuses)), ", ") + `)`
	if !olderThan.IsZero() {
		query += ` AND updated_at < ?`
		args = append(args, olderThan.UTC())
	}
	query += ` ORDER BY updated_at LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (*Task, error) {
	var (
		task               Task
		typ, status        string
		params, results    sql.NullString
		errMsg, externalID sql.NullString
		startedAt          sql.NullTime
	)
	err := row.Scan(&task.ID, &task.OrganizationID, &task.Model, &typ, &params, &status, &results,
		&errMsg, &externalID, &task.Cost, &task.CreatedAt, &task.UpdatedAt, &startedAt)
	if err != nil {
		return nil, err
	}
	task.Type = Type(typ)
	task.Status = Status(status)
	task.Error = errMsg.String
	task.ExternalTaskID = externalID.String
	if startedAt.Valid {
		task.StartedAt = startedAt.Time
	}
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &task.Params); err != nil {
			return nil, fmt.Errorf("decode params: %w", err)
		}
	}
	if results.Valid && results.String != "" {
		if err := json.Unmarshal([]byte(results.String), &task.Results); err != nil {
			return nil, fmt.Errorf("decode results: %w", err)
		}
	}
	return &task, nil
}

func encodeTask(task *Task) (params, results sql.NullString, err error) {
	if task.Params != nil {
		data, err := json.Marshal(task.Params)
		if err != nil {
			return params, results, fmt.Errorf("encode params: %w", err)
		}
		params = sql.NullString{String: string(data), Valid: true}
	}
	if len(task.Results) > 0 {
		data, err := json.Marshal(task.Results)
		if err != nil {
			return params, results, fmt.Errorf("encode results: %w", err)
		}
		results = sql.NullString{String: string(data), Valid: true}
	}
	return params, results, nil
}
