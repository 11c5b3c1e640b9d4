// Package task implements Conductor's task state machine: admission,
// status transitions, dependency-driven blocking and unblocking, retry,
// cancellation, and priority-ordered ready-queue selection. Ported from
// original_source/conductor/task_manager.py.
package task

import (
	"context"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
	"github.com/conductorhq/conductord/internal/store"
)

// Manager drives task lifecycle transitions against the shared store.
type Manager struct {
	store *store.Store
	now   func() time.Time
}

// New builds a Manager over st. now is injectable for tests; pass nil to
// use time.Now.
func New(st *store.Store, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{store: st, now: now}
}

// validTransitions is the exact transition matrix
// original_source/conductor/task_manager.py's _valid_transitions enforces.
var validTransitions = map[model.TaskStatus][]model.TaskStatus{
	model.TaskPending:   {model.TaskBlocked, model.TaskReady, model.TaskCancelled},
	model.TaskBlocked:   {model.TaskReady, model.TaskCancelled},
	model.TaskReady:     {model.TaskRunning, model.TaskBlocked, model.TaskCancelled},
	model.TaskRunning:   {model.TaskDone, model.TaskFailed, model.TaskCancelled},
	model.TaskFailed:    {model.TaskReady, model.TaskBlocked, model.TaskCancelled},
	model.TaskDone:      {},
	model.TaskCancelled: {},
}

func canTransition(from, to model.TaskStatus) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// AddTask inserts a new task, computing its initial status from whether
// its declared dependencies are already done: blocked if any dependency
// is not yet in TaskDone, ready otherwise.
func (m *Manager) AddTask(ctx context.Context, t model.Task) (int64, error) {
	status := model.TaskReady
	reason := model.BlockReason("")
	for _, depID := range t.DependsOn {
		dep, err := m.store.GetTask(ctx, depID)
		if err != nil {
			return 0, errors.Wrapf(err, "check dependency %d", depID)
		}
		if dep.Status != model.TaskDone {
			status = model.TaskBlocked
			reason = model.BlockDependency
			break
		}
	}
	t.Status = status
	t.BlockReason = reason
	if t.MaxRetries == 0 {
		t.MaxRetries = 2
	}
	if t.Priority == "" {
		t.Priority = model.PriorityNormal
	}
	return m.store.CreateTask(ctx, t)
}

// Transition moves task id from its current status to to, validating
// against the allowed transition matrix and stamping started_at /
// completed_at as appropriate. On a transition into TaskDone, dependents
// blocked solely on this task are unblocked.
func (m *Manager) Transition(ctx context.Context, id int64, to model.TaskStatus) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(t.Status, to) {
		return errors.Errorf("invalid transition for task %d: %s -> %s", id, t.Status, to)
	}

	now := m.now().UTC()
	switch to {
	case model.TaskRunning:
		t.StartedAt = &now
	case model.TaskDone, model.TaskFailed, model.TaskCancelled:
		t.CompletedAt = &now
	}
	if to != model.TaskBlocked {
		t.BlockReason = ""
	}
	t.Status = to
	if err := m.store.UpdateTask(ctx, t); err != nil {
		return err
	}

	if to == model.TaskDone {
		if err := m.unblockDependents(ctx, id); err != nil {
			return errors.Wrapf(err, "unblock dependents of task %d", id)
		}
	}
	return nil
}

// MarkBlocked transitions task id into TaskBlocked with the given reason.
func (m *Manager) MarkBlocked(ctx context.Context, id int64, reason model.BlockReason) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(t.Status, model.TaskBlocked) {
		return errors.Errorf("invalid transition for task %d: %s -> blocked", id, t.Status)
	}
	t.Status = model.TaskBlocked
	t.BlockReason = reason
	return m.store.UpdateTask(ctx, t)
}

// RetryTask resets a failed task back to ready for another attempt,
// clearing its prior run's timestamps and workspace assignment. Fails if
// the task has already exhausted its configured retry budget.
func (m *Manager) RetryTask(ctx context.Context, id int64) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != model.TaskFailed {
		return errors.Errorf("task %d is not failed, cannot retry", id)
	}
	if t.RetryCount >= t.MaxRetries {
		return errors.Errorf("task %d has exhausted its %d retries", id, t.MaxRetries)
	}
	t.RetryCount++
	t.Status = model.TaskReady
	t.StartedAt = nil
	t.CompletedAt = nil
	t.Workspace = ""
	return m.store.UpdateTask(ctx, t)
}

// CancelTask transitions task id to TaskCancelled. Idempotent: cancelling
// a task that is already done or cancelled is a no-op rather than an
// error, matching original_source's cancel_task. A failed task is moved
// to TaskCancelled.
func (m *Manager) CancelTask(ctx context.Context, id int64) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if t.Status == model.TaskDone || t.Status == model.TaskCancelled {
		return nil
	}
	if !canTransition(t.Status, model.TaskCancelled) {
		return errors.Errorf("invalid transition for task %d: %s -> cancelled", id, t.Status)
	}
	now := m.now().UTC()
	t.Status = model.TaskCancelled
	t.CompletedAt = &now
	return m.store.UpdateTask(ctx, t)
}

// GetReadyTasks returns every TaskReady task, sorted by priority
// (critical first) and, within a priority, by creation order.
func (m *Manager) GetReadyTasks(ctx context.Context) ([]model.Task, error) {
	tasks, err := m.store.ListTasksByStatus(ctx, model.TaskReady)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		ri, rj := model.PriorityRank(tasks[i].Priority), model.PriorityRank(tasks[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// AssignWorkspace records which workspace a task is running in.
func (m *Manager) AssignWorkspace(ctx context.Context, id int64, workspace string) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	t.Workspace = workspace
	return m.store.UpdateTask(ctx, t)
}

// unblockDependents re-derives readiness for every TaskBlocked task that
// named doneTaskID as a dependency, promoting it to TaskReady once all of
// its dependencies are satisfied.
func (m *Manager) unblockDependents(ctx context.Context, doneTaskID int64) error {
	blocked, err := m.store.ListTasksByStatus(ctx, model.TaskBlocked)
	if err != nil {
		return err
	}
	for _, t := range blocked {
		dependsOnDone := false
		for _, d := range t.DependsOn {
			if d == doneTaskID {
				dependsOnDone = true
				break
			}
		}
		if !dependsOnDone {
			continue
		}

		allDone := true
		for _, depID := range t.DependsOn {
			dep, err := m.store.GetTask(ctx, depID)
			if err != nil {
				return err
			}
			if dep.Status != model.TaskDone {
				allDone = false
				break
			}
		}
		if allDone {
			t.Status = model.TaskReady
			t.BlockReason = ""
			if err := m.store.UpdateTask(ctx, t); err != nil {
				return err
			}
		}
	}
	return nil
}
