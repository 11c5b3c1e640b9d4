package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

// CreateTask inserts t and returns its assigned id.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (int64, error) {
	depsJSON, err := json.Marshal(t.DependsOn)
	if err != nil {
		return 0, errors.Wrap(err, "marshal depends_on")
	}
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return 0, errors.Wrap(err, "marshal metadata")
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (title, description, status, priority, branch, workspace,
			depends_on, block_reason, retry_count, max_retries, flake_retries,
			quota_retries, pipeline_id, pipeline_step, pr_lifecycle_id, pr_number,
			created_at, started_at, completed_at, metadata)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Title, t.Description, t.Status, t.Priority, t.Branch, t.Workspace,
		string(depsJSON), t.BlockReason, t.RetryCount, t.MaxRetries, t.FlakeRetries,
		t.QuotaRetries, nullInt64(t.PipelineID), t.PipelineStep, nullInt64(t.PRLifecycleID), nullInt(t.PRNumber),
		t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt), string(metaJSON))
	if err != nil {
		return 0, errors.Wrap(err, "insert task")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "read inserted task id")
	}
	return id, nil
}

const taskColumns = `id, title, description, status, priority, branch, workspace,
	depends_on, block_reason, retry_count, max_retries, flake_retries, quota_retries,
	pipeline_id, pipeline_step, pr_lifecycle_id, pr_number, created_at, started_at,
	completed_at, metadata`

func scanTask(row interface{ Scan(...any) error }) (model.Task, error) {
	var t model.Task
	var depsJSON, metaJSON string
	var pipelineID, prLifecycleID sql.NullInt64
	var prNumber sql.NullInt64
	var startedAt, completedAt sql.NullTime

	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Status, &t.Priority, &t.Branch,
		&t.Workspace, &depsJSON, &t.BlockReason, &t.RetryCount, &t.MaxRetries,
		&t.FlakeRetries, &t.QuotaRetries, &pipelineID, &t.PipelineStep, &prLifecycleID,
		&prNumber, &t.CreatedAt, &startedAt, &completedAt, &metaJSON)
	if err != nil {
		return model.Task{}, err
	}
	if err := json.Unmarshal([]byte(depsJSON), &t.DependsOn); err != nil {
		return model.Task{}, errors.Wrap(err, "unmarshal depends_on")
	}
	if err := json.Unmarshal([]byte(metaJSON), &t.Metadata); err != nil {
		return model.Task{}, errors.Wrap(err, "unmarshal metadata")
	}
	if pipelineID.Valid {
		v := pipelineID.Int64
		t.PipelineID = &v
	}
	if prLifecycleID.Valid {
		v := prLifecycleID.Int64
		t.PRLifecycleID = &v
	}
	if prNumber.Valid {
		v := int(prNumber.Int64)
		t.PRNumber = &v
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.Time
	}
	return t, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, errors.Wrapf(err, "task %d not found", id)
	}
	if err != nil {
		return model.Task{}, errors.Wrapf(err, "get task %d", id)
	}
	return t, nil
}

// ListTasks returns every task, ordered by id.
func (s *Store) ListTasks(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "list tasks")
	}
	defer rows.Close()
	return scanTasks(rows)
}

// ListTasksByStatus returns every task in the given status, ordered by id.
func (s *Store) ListTasksByStatus(ctx context.Context, status model.TaskStatus) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE status = ? ORDER BY id`, status)
	if err != nil {
		return nil, errors.Wrapf(err, "list tasks with status %s", status)
	}
	defer rows.Close()
	return scanTasks(rows)
}

func scanTasks(rows *sql.Rows) ([]model.Task, error) {
	var out []model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan task row")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTask overwrites every mutable column of the task with id t.ID.
func (s *Store) UpdateTask(ctx context.Context, t model.Task) error {
	depsJSON, err := json.Marshal(t.DependsOn)
	if err != nil {
		return errors.Wrap(err, "marshal depends_on")
	}
	metaJSON, err := json.Marshal(t.Metadata)
	if err != nil {
		return errors.Wrap(err, "marshal metadata")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET title=?, description=?, status=?, priority=?, branch=?,
			workspace=?, depends_on=?, block_reason=?, retry_count=?, max_retries=?,
			flake_retries=?, quota_retries=?, pipeline_id=?, pipeline_step=?,
			pr_lifecycle_id=?, pr_number=?, started_at=?, completed_at=?, metadata=?
		WHERE id=?`,
		t.Title, t.Description, t.Status, t.Priority, t.Branch, t.Workspace,
		string(depsJSON), t.BlockReason, t.RetryCount, t.MaxRetries, t.FlakeRetries,
		t.QuotaRetries, nullInt64(t.PipelineID), t.PipelineStep, nullInt64(t.PRLifecycleID),
		nullInt(t.PRNumber), nullTime(t.StartedAt), nullTime(t.CompletedAt), string(metaJSON), t.ID)
	if err != nil {
		return errors.Wrapf(err, "update task %d", t.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read rows affected")
	}
	if n == 0 {
		return errors.Errorf("task %d not found", t.ID)
	}
	return nil
}

func nullInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return *v
}
