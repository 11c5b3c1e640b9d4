package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

const prLifecycleColumns = `id, pr_number, branch, title, stage, iteration, max_iterations,
	ci_fix_count, precheck_retry_count, bot_comments_total, bot_comments_resolved,
	pipeline_id, created_at`

// CreatePRLifecycle inserts pl and returns its assigned id.
func (s *Store) CreatePRLifecycle(ctx context.Context, pl model.PRLifecycle) (int64, error) {
	if pl.CreatedAt.IsZero() {
		pl.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO pr_lifecycles (pr_number, branch, title, stage, iteration, max_iterations,
			ci_fix_count, precheck_retry_count, bot_comments_total, bot_comments_resolved,
			pipeline_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		nullInt(pl.PRNumber), pl.Branch, pl.Title, pl.Stage, pl.Iteration, pl.MaxIterations,
		pl.CIFixCount, pl.PrecheckRetryCount, pl.BotCommentsTotal, pl.BotCommentsResolved,
		nullInt64(pl.PipelineID), pl.CreatedAt)
	if err != nil {
		return 0, errors.Wrap(err, "insert pr lifecycle")
	}
	return res.LastInsertId()
}

func scanPRLifecycle(row interface{ Scan(...any) error }) (model.PRLifecycle, error) {
	var pl model.PRLifecycle
	var prNumber sql.NullInt64
	var pipelineID sql.NullInt64
	err := row.Scan(&pl.ID, &prNumber, &pl.Branch, &pl.Title, &pl.Stage, &pl.Iteration,
		&pl.MaxIterations, &pl.CIFixCount, &pl.PrecheckRetryCount, &pl.BotCommentsTotal,
		&pl.BotCommentsResolved, &pipelineID, &pl.CreatedAt)
	if err != nil {
		return model.PRLifecycle{}, err
	}
	if prNumber.Valid {
		v := int(prNumber.Int64)
		pl.PRNumber = &v
	}
	if pipelineID.Valid {
		v := pipelineID.Int64
		pl.PipelineID = &v
	}
	return pl, nil
}

// GetPRLifecycle fetches one PR lifecycle by id.
func (s *Store) GetPRLifecycle(ctx context.Context, id int64) (model.PRLifecycle, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+prLifecycleColumns+` FROM pr_lifecycles WHERE id = ?`, id)
	pl, err := scanPRLifecycle(row)
	if err != nil {
		return model.PRLifecycle{}, errors.Wrapf(err, "get pr lifecycle %d", id)
	}
	return pl, nil
}

// ListActivePRLifecycles returns every lifecycle not yet in a terminal stage.
func (s *Store) ListActivePRLifecycles(ctx context.Context) ([]model.PRLifecycle, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+prLifecycleColumns+` FROM pr_lifecycles
		WHERE stage NOT IN (?, ?, ?) ORDER BY id`, model.StageMerged, model.StageNeedsHuman, model.StageReadyForReview)
	if err != nil {
		return nil, errors.Wrap(err, "list active pr lifecycles")
	}
	defer rows.Close()
	var out []model.PRLifecycle
	for rows.Next() {
		pl, err := scanPRLifecycle(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan pr lifecycle row")
		}
		out = append(out, pl)
	}
	return out, rows.Err()
}

// UpdatePRLifecycle overwrites the mutable fields of the lifecycle with id pl.ID.
func (s *Store) UpdatePRLifecycle(ctx context.Context, pl model.PRLifecycle) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pr_lifecycles SET pr_number=?, title=?, stage=?, iteration=?,
			ci_fix_count=?, precheck_retry_count=?, bot_comments_total=?,
			bot_comments_resolved=?
		WHERE id=?`,
		nullInt(pl.PRNumber), pl.Title, pl.Stage, pl.Iteration, pl.CIFixCount,
		pl.PrecheckRetryCount, pl.BotCommentsTotal, pl.BotCommentsResolved, pl.ID)
	if err != nil {
		return errors.Wrapf(err, "update pr lifecycle %d", pl.ID)
	}
	return nil
}
