package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

const agentColumns = `id, task_id, workspace, pid, status, started_at, completed_at, request_count`

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, a model.Agent) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agents (id, task_id, workspace, pid, status, started_at, completed_at, request_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TaskID, a.Workspace, a.PID, a.Status, a.StartedAt, nullTime(a.CompletedAt), a.RequestCount)
	if err != nil {
		return errors.Wrapf(err, "insert agent %s", a.ID)
	}
	return nil
}

func scanAgent(row interface{ Scan(...any) error }) (model.Agent, error) {
	var a model.Agent
	var completedAt sql.NullTime
	err := row.Scan(&a.ID, &a.TaskID, &a.Workspace, &a.PID, &a.Status, &a.StartedAt, &completedAt, &a.RequestCount)
	if err != nil {
		return model.Agent{}, err
	}
	if completedAt.Valid {
		a.CompletedAt = &completedAt.Time
	}
	return a, nil
}

// GetAgent fetches one agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (model.Agent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = ?`, id)
	a, err := scanAgent(row)
	if err != nil {
		return model.Agent{}, errors.Wrapf(err, "get agent %s", id)
	}
	return a, nil
}

// ListActiveAgents returns every agent in a non-terminal status.
func (s *Store) ListActiveAgents(ctx context.Context) ([]model.Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents
		WHERE status IN (?, ?, ?) ORDER BY started_at`,
		model.AgentStarting, model.AgentRunning, model.AgentPaused)
	if err != nil {
		return nil, errors.Wrap(err, "list active agents")
	}
	defer rows.Close()
	var out []model.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan agent row")
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// UpdateAgent overwrites the mutable fields of the agent with id a.ID.
func (s *Store) UpdateAgent(ctx context.Context, a model.Agent) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE agents SET status=?, completed_at=?, request_count=?, pid=?
		WHERE id=?`,
		a.Status, nullTime(a.CompletedAt), a.RequestCount, a.PID, a.ID)
	if err != nil {
		return errors.Wrapf(err, "update agent %s", a.ID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read rows affected")
	}
	if n == 0 {
		return errors.Errorf("agent %s not found", a.ID)
	}
	return nil
}
