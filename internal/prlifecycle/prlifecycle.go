// Package prlifecycle drives one change through precheck, CI,
// bot-review, and bounded automatic remediation. Ported from
// original_source/conductor/pr_lifecycle.py, with the idempotency and
// stage-transition idioms of
// nickmisasi-mattermost-plugin-cursor/server/reviewloop.go's review loop
// state machine.
package prlifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/config"
	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/githost"
	"github.com/conductorhq/conductord/internal/model"
	"github.com/conductorhq/conductord/internal/store"
	"github.com/conductorhq/conductord/internal/task"
)

// maxLogTailChars truncates fix-task descriptions to the same bound
// original_source's pr_lifecycle.py uses when embedding CI logs.
const maxLogTailChars = 3000

// Manager advances PR lifecycles through their stages, creating the
// follow-up tasks each stage's remediation requires.
type Manager struct {
	cfg   config.PRLifecycleConfig
	store *store.Store
	tasks *task.Manager
	host  githost.Client
	hub   *eventhub.Hub
	now   func() time.Time
}

// New builds a prlifecycle Manager.
func New(cfg config.PRLifecycleConfig, st *store.Store, tasks *task.Manager, host githost.Client, hub *eventhub.Hub, now func() time.Time) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{cfg: cfg, store: st, tasks: tasks, host: host, hub: hub, now: now}
}

// StartLifecycle creates a new PRLifecycle row for branch, beginning at
// StageCoding.
func (m *Manager) StartLifecycle(ctx context.Context, branch, title string) (int64, error) {
	id, err := m.store.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch:        branch,
		Title:         title,
		Stage:         model.StageCoding,
		MaxIterations: m.cfg.MaxGreptileIterations,
		CreatedAt:     m.now().UTC(),
	})
	if err != nil {
		return 0, errors.Wrap(err, "create pr lifecycle")
	}
	return id, nil
}

// transition persists a new stage for pl and publishes the change.
func (m *Manager) transition(ctx context.Context, pl *model.PRLifecycle, to model.PRStage) error {
	pl.Stage = to
	if err := m.store.UpdatePRLifecycle(ctx, *pl); err != nil {
		return errors.Wrapf(err, "transition pr lifecycle %d to %s", pl.ID, to)
	}
	m.hub.Publish(eventhub.Event{Type: eventhub.EventPRStageChanged, Payload: *pl})
	return nil
}

// Advance drives one step of the automaton for lifecycle id, dispatching
// on its current stage exactly as original_source's advance does. dir is
// the workspace path the PR's branch is checked out in, needed by every
// githost operation.
func (m *Manager) Advance(ctx context.Context, id int64, dir string) error {
	pl, err := m.store.GetPRLifecycle(ctx, id)
	if err != nil {
		return err
	}

	switch pl.Stage {
	case model.StageCoding:
		return m.transition(ctx, &pl, model.StagePrechecks)

	case model.StagePrechecks:
		return m.advancePrechecks(ctx, &pl)

	case model.StagePRCreated:
		return m.transition(ctx, &pl, model.StageCIMonitoring)

	case model.StageCIMonitoring:
		return m.advanceCIMonitoring(ctx, &pl, dir)

	case model.StageCIFixing:
		return m.transition(ctx, &pl, model.StageCIMonitoring)

	case model.StageGreptileReview:
		return m.advanceGreptileReview(ctx, &pl, dir)

	case model.StageAddressingComments:
		return m.advanceAddressingComments(ctx, &pl)

	case model.StagePlanning, model.StageReadyForReview, model.StageNeedsHuman, model.StageMerged:
		return nil

	default:
		return errors.Errorf("pr lifecycle %d in unknown stage %s", id, pl.Stage)
	}
}

func (m *Manager) advancePrechecks(ctx context.Context, pl *model.PRLifecycle) error {
	_, err := m.tasks.AddTask(ctx, model.Task{
		Title:       "Run prechecks",
		Description: "Run " + m.cfg.PrecheckCommand + " and fix any failures.",
		Priority:    model.PriorityHigh,
		Metadata:    map[string]any{"prl_id": pl.ID, "type": "precheck"},
	})
	return err
}

// CreatePR opens the pull request once prechecks pass, moving the
// lifecycle to StagePRCreated.
func (m *Manager) CreatePR(ctx context.Context, dir string, pl *model.PRLifecycle) error {
	pr, err := m.host.CreatePR(ctx, dir, pl.Title, "Opened by Conductor.", m.cfg.PRBaseBranch, pl.Branch)
	if err != nil {
		return errors.Wrap(err, "create pr")
	}
	number := pr.GetNumber()
	pl.PRNumber = &number
	return m.transition(ctx, pl, model.StagePRCreated)
}

// MarkReady transitions a draft PR to ready-for-human-review. Advance
// does not call it: moving a lifecycle to StageReadyForReview or
// StageNeedsHuman leaves the PR's draft state unchanged.
func (m *Manager) MarkReady(ctx context.Context, dir string, pl *model.PRLifecycle) error {
	if pl.PRNumber == nil {
		return errors.Errorf("pr lifecycle %d has no pr number", pl.ID)
	}
	return m.host.MarkReadyForReview(ctx, dir, *pl.PRNumber)
}

func (m *Manager) advanceCIMonitoring(ctx context.Context, pl *model.PRLifecycle, dir string) error {
	if pl.PRNumber == nil {
		return errors.Errorf("pr lifecycle %d has no pr number", pl.ID)
	}

	checks, err := m.host.ListChecks(ctx, dir, *pl.PRNumber)
	if err != nil {
		return errors.Wrap(err, "list checks")
	}

	pending := false
	var failed []githost.CheckRun
	for _, c := range checks {
		if c.Pending() {
			pending = true
		}
		if c.Failed() {
			failed = append(failed, c)
		}
	}
	if pending {
		return nil
	}

	if len(failed) == 0 {
		if _, err := m.host.CreateComment(ctx, dir, *pl.PRNumber, "✅ All CI checks passed. Requesting review."); err != nil {
			return errors.Wrap(err, "comment ci passed")
		}
		return m.transition(ctx, pl, model.StageGreptileReview)
	}

	pl.CIFixCount++
	if err := m.store.UpdatePRLifecycle(ctx, *pl); err != nil {
		return err
	}

	maxFixTasks := 3
	for i, c := range failed {
		if i >= maxFixTasks {
			break
		}
		log, err := m.host.GetFailingRunLog(ctx, dir, c.Name)
		if err != nil {
			log = "Error getting CI logs: " + err.Error()
		}
		if len(log) > maxLogTailChars {
			log = log[:maxLogTailChars]
		}
		if _, err := m.tasks.AddTask(ctx, model.Task{
			Title:       fmt.Sprintf("[PR %s] Fix CI: %s", pl.Title, c.Name),
			Description: "CI check failed: " + log,
			Priority:    model.PriorityHigh,
			Metadata:    map[string]any{"prl_id": pl.ID, "type": "ci_fix"},
		}); err != nil {
			return errors.Wrap(err, "create ci fix task")
		}
	}

	return m.transition(ctx, pl, model.StageCIFixing)
}

func (m *Manager) advanceGreptileReview(ctx context.Context, pl *model.PRLifecycle, dir string) error {
	if pl.PRNumber == nil {
		return errors.Errorf("pr lifecycle %d has no pr number", pl.ID)
	}

	reviews, err := m.host.ListReviews(ctx, dir, *pl.PRNumber)
	if err != nil {
		return errors.Wrap(err, "list reviews")
	}

	var botComments []string
	for _, r := range reviews {
		if !isBotLogin(r.GetUser().GetLogin(), m.cfg.ReviewBotLogins) {
			continue
		}
		if strings.TrimSpace(r.GetBody()) == "" {
			continue
		}
		botComments = append(botComments, r.GetBody())
	}

	pl.BotCommentsTotal = len(botComments)
	if len(botComments) == 0 {
		return m.transition(ctx, pl, model.StageReadyForReview)
	}

	for _, body := range botComments {
		if _, err := m.tasks.AddTask(ctx, model.Task{
			Title:       "Address review comment",
			Description: body,
			Priority:    model.PriorityNormal,
			Metadata:    map[string]any{"prl_id": pl.ID, "type": "review_comment"},
		}); err != nil {
			return errors.Wrap(err, "create review comment task")
		}
	}

	return m.transition(ctx, pl, model.StageAddressingComments)
}

func (m *Manager) advanceAddressingComments(ctx context.Context, pl *model.PRLifecycle) error {
	pl.Iteration++
	if pl.Iteration >= pl.MaxIterations {
		return m.transition(ctx, pl, model.StageNeedsHuman)
	}
	return m.transition(ctx, pl, model.StageCIMonitoring)
}

func isBotLogin(login string, bots []string) bool {
	login = strings.ToLower(login)
	for _, b := range bots {
		if strings.ToLower(b) == login {
			return true
		}
	}
	return false
}
