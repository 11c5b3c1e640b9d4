package store

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

// GetQuotaUsage fetches the usage row for day, returning a zeroed row if
// none exists yet (matching original_source/conductor/db.py's
// get_quota_usage, which treats a missing row as zero usage).
func (s *Store) GetQuotaUsage(ctx context.Context, day string) (model.QuotaUsage, error) {
	var u model.QuotaUsage
	row := s.db.QueryRowContext(ctx, `SELECT date, agent_requests, prompts FROM quota_usage WHERE date = ?`, day)
	err := row.Scan(&u.Date, &u.AgentRequests, &u.Prompts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.QuotaUsage{Date: day}, nil
	}
	if err != nil {
		return model.QuotaUsage{}, errors.Wrapf(err, "get quota usage for %s", day)
	}
	return u, nil
}

// IncrementAgentRequests adds delta to day's agent_requests counter,
// creating the row if needed (an upsert, mirroring the original's
// INSERT ... ON CONFLICT pattern).
func (s *Store) IncrementAgentRequests(ctx context.Context, day string, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (date, agent_requests, prompts) VALUES (?, ?, 0)
		ON CONFLICT(date) DO UPDATE SET agent_requests = agent_requests + excluded.agent_requests`,
		day, delta)
	if err != nil {
		return errors.Wrapf(err, "increment agent requests for %s", day)
	}
	return nil
}

// IncrementPrompts adds delta to day's prompts counter, creating the row
// if needed.
func (s *Store) IncrementPrompts(ctx context.Context, day string, delta int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO quota_usage (date, agent_requests, prompts) VALUES (?, 0, ?)
		ON CONFLICT(date) DO UPDATE SET prompts = prompts + excluded.prompts`,
		day, delta)
	if err != nil {
		return errors.Wrapf(err, "increment prompts for %s", day)
	}
	return nil
}
