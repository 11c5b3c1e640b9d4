package store

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

// RecoverStuckState runs the crash-recovery sweep original_source's
// recover_stuck_tasks performs on every daemon startup: a task or agent
// left running when the process died is not actually running anymore, so
// it is moved to failed with a note, and any PR lifecycle that task was
// driving is rewound to planning so the scheduler re-derives its next
// step from scratch. Returns the number of tasks recovered.
func (s *Store) RecoverStuckState(ctx context.Context) (int, error) {
	recovered := 0
	now := time.Now().UTC()

	runningTasks, err := s.ListTasksByStatus(ctx, model.TaskRunning)
	if err != nil {
		return 0, errors.Wrap(err, "list running tasks")
	}
	for _, t := range runningTasks {
		t.Status = model.TaskFailed
		t.CompletedAt = &now
		if t.Metadata == nil {
			t.Metadata = map[string]any{}
		}
		t.Metadata["recovery_note"] = "recovered from crash: task was running with no live process"
		if err := s.UpdateTask(ctx, t); err != nil {
			return 0, errors.Wrapf(err, "recover task %d", t.ID)
		}
		if t.PRLifecycleID != nil {
			pl, err := s.GetPRLifecycle(ctx, *t.PRLifecycleID)
			if err != nil {
				return 0, errors.Wrapf(err, "load pr lifecycle %d for task %d", *t.PRLifecycleID, t.ID)
			}
			pl.Stage = model.StagePlanning
			if err := s.UpdatePRLifecycle(ctx, pl); err != nil {
				return 0, errors.Wrapf(err, "rewind pr lifecycle %d", pl.ID)
			}
		}
		recovered++
	}

	active, err := s.ListActiveAgents(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "list active agents")
	}
	for _, a := range active {
		a.Status = model.AgentFailed
		a.CompletedAt = &now
		if err := s.UpdateAgent(ctx, a); err != nil {
			return 0, errors.Wrapf(err, "recover agent %s", a.ID)
		}
	}

	return recovered, nil
}
