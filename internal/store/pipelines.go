package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

const pipelineColumns = `id, name, status, current_step, total_steps, task_ids, created_at`

// CreatePipeline inserts p and returns its assigned id.
func (s *Store) CreatePipeline(ctx context.Context, p model.Pipeline) (int64, error) {
	idsJSON, err := json.Marshal(p.TaskIDs)
	if err != nil {
		return 0, errors.Wrap(err, "marshal task_ids")
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pipelines (name, status, current_step, total_steps, task_ids, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		p.Name, p.Status, p.CurrentStep, p.TotalSteps, string(idsJSON), p.CreatedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert pipeline")
	}
	return res.LastInsertId()
}

func scanPipeline(row interface{ Scan(...any) error }) (model.Pipeline, error) {
	var p model.Pipeline
	var idsJSON string
	if err := row.Scan(&p.ID, &p.Name, &p.Status, &p.CurrentStep, &p.TotalSteps, &idsJSON, &p.CreatedAt); err != nil {
		return model.Pipeline{}, err
	}
	if err := json.Unmarshal([]byte(idsJSON), &p.TaskIDs); err != nil {
		return model.Pipeline{}, errors.Wrap(err, "unmarshal task_ids")
	}
	return p, nil
}

// GetPipeline fetches one pipeline by id.
func (s *Store) GetPipeline(ctx context.Context, id int64) (model.Pipeline, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pipelineColumns+` FROM pipelines WHERE id = ?`, id)
	p, err := scanPipeline(row)
	if err != nil {
		return model.Pipeline{}, errors.Wrapf(err, "get pipeline %d", id)
	}
	return p, nil
}

// UpdatePipeline overwrites the mutable fields of the pipeline with id p.ID.
func (s *Store) UpdatePipeline(ctx context.Context, p model.Pipeline) error {
	idsJSON, err := json.Marshal(p.TaskIDs)
	if err != nil {
		return errors.Wrap(err, "marshal task_ids")
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE pipelines SET status=?, current_step=?, total_steps=?, task_ids=?
		WHERE id=?`,
		p.Status, p.CurrentStep, p.TotalSteps, string(idsJSON), p.ID)
	if err != nil {
		return errors.Wrapf(err, "update pipeline %d", p.ID)
	}
	return nil
}
