// Package scheduler is Conductor's central loop: spec.md §4.8's ≈5s
// ready-task admission tick, its ≈8s diff-stats broadcast tick, and a
// janitor-style PR-lifecycle poll loop that drives every active
// lifecycle's automaton forward, all run under one errgroup so a
// panic-free failure of any tears the whole process down together.
// Grounded on original_source/conductor/server.py's background-task
// pattern; the teacher's `cluster.Schedule` callback
// (nickmisasi-mattermost-plugin-cursor) needs a Mattermost server host to
// register against and so is not reusable directly, but its "register
// one callback per periodic concern, cancel them all together at
// shutdown" shape is what this package generalizes into plain
// `time.Ticker` goroutines under `golang.org/x/sync/errgroup`.
package scheduler

import (
	"context"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/conductorhq/conductord/internal/agent"
	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/model"
	"github.com/conductorhq/conductord/internal/prlifecycle"
	"github.com/conductorhq/conductord/internal/quota"
	"github.com/conductorhq/conductord/internal/store"
	"github.com/conductorhq/conductord/internal/task"
	"github.com/conductorhq/conductord/internal/workspace"
)

// defaultTickInterval is spec.md §4.8's "≈ 5 s" scheduler tick.
const defaultTickInterval = 5 * time.Second

// defaultDiffStatsInterval is spec.md §4.8's "≈ 8 s" diff-stats tick.
const defaultDiffStatsInterval = 8 * time.Second

// defaultPRLifecycleInterval is the janitor loop's poll cadence. Not
// named explicitly by spec.md §4.8 (the PR lifecycle automaton is §4.7);
// it runs at the same cadence as the diff-stats tick since both are
// low-urgency background sweeps.
const defaultPRLifecycleInterval = 8 * time.Second

// Scheduler admits ready tasks onto free workspaces within quota, and
// separately broadcasts diff stats for every workspace with a non-empty
// diff.
type Scheduler struct {
	tasks      *task.Manager
	quota      *quota.Manager
	workspaces *workspace.Manager
	agents     *agent.Manager
	hub        *eventhub.Hub
	log        hclog.Logger

	// store and prlifecycle are optional: a Scheduler built without them
	// (via New) still runs the admission and diff-stats ticks but skips
	// the PR-lifecycle janitor loop. WithPRLifecycle enables it.
	store *store.Store
	prl   *prlifecycle.Manager

	tickInterval        time.Duration
	diffStatsInterval   time.Duration
	prLifecycleInterval time.Duration
}

// New builds a Scheduler wiring every collaborator it needs to admit
// work and report on it.
func New(tasks *task.Manager, qm *quota.Manager, workspaces *workspace.Manager, agents *agent.Manager, hub *eventhub.Hub, log hclog.Logger) *Scheduler {
	if log == nil {
		log = hclog.NewNullLogger()
	}
	return &Scheduler{
		tasks:               tasks,
		quota:               qm,
		workspaces:          workspaces,
		agents:              agents,
		hub:                 hub,
		log:                 log,
		tickInterval:        defaultTickInterval,
		diffStatsInterval:   defaultDiffStatsInterval,
		prLifecycleInterval: defaultPRLifecycleInterval,
	}
}

// WithPRLifecycle enables the janitor loop that advances every active PR
// lifecycle once per tick.
func (s *Scheduler) WithPRLifecycle(st *store.Store, prl *prlifecycle.Manager) *Scheduler {
	s.store = st
	s.prl = prl
	return s
}

// Run drives the scheduler tick and diff-stats tick concurrently until
// ctx is cancelled, then kills every still-running agent before
// returning. Cancellation itself is not reported as an error; any
// per-agent kill failure is aggregated into the returned error, never
// swallowed.
func (s *Scheduler) Run(ctx context.Context) error {
	group, gctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.runTicker(gctx, s.tickInterval, s.tick)
	})
	group.Go(func() error {
		return s.runTicker(gctx, s.diffStatsInterval, s.diffStatsTick)
	})
	if s.prl != nil {
		group.Go(func() error {
			return s.runTicker(gctx, s.prLifecycleInterval, s.prLifecycleTick)
		})
	}

	err := group.Wait()

	s.log.Info("scheduler shutting down, killing live agents")
	if killErr := s.agents.KillAll(context.Background()); killErr != nil {
		err = multierror.Append(err, killErr)
	}
	return err
}

func (s *Scheduler) runTicker(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// tick is one pass of spec.md §4.8: step 1 checks whether the quota day
// has rolled over and auto-resumes a pause left over from the prior day,
// then step 2 admits each ready task in priority order, gating on quota
// then workspace availability, spawning, and broadcasting.
func (s *Scheduler) tick(ctx context.Context) {
	if resumed, err := s.quota.CheckReset(ctx); err != nil {
		s.log.Error("check quota reset", "error", err)
	} else if resumed {
		s.log.Info("quota auto-resumed at day rollover")
	}

	ready, err := s.tasks.GetReadyTasks(ctx)
	if err != nil {
		s.log.Error("list ready tasks", "error", err)
		return
	}

	for _, t := range ready {
		if ctx.Err() != nil {
			return
		}
		s.admit(ctx, t)
	}
}

func (s *Scheduler) admit(ctx context.Context, t model.Task) {
	canStart, reason, err := s.quota.CanStartAgent(ctx)
	if err != nil {
		s.log.Error("check quota", "task", t.ID, "error", err)
		return
	}
	if !canStart {
		s.log.Debug("blocking task on quota", "task", t.ID, "reason", reason)
		if err := s.tasks.MarkBlocked(ctx, t.ID, model.BlockQuotaExhausted); err != nil {
			s.log.Error("mark task blocked", "task", t.ID, "error", err)
		}
		return
	}

	wsName := t.Workspace
	if wsName != "" {
		if ws, err := s.workspaces.Get(wsName); err != nil || ws.AssignedTask != nil {
			wsName = ""
		}
	}
	if wsName == "" {
		wsName = s.workspaces.GetFreeWorkspace()
	}
	if wsName == "" {
		if err := s.tasks.MarkBlocked(ctx, t.ID, model.BlockNoWorkspace); err != nil {
			s.log.Error("mark task blocked", "task", t.ID, "error", err)
		}
		return
	}

	if err := s.tasks.Transition(ctx, t.ID, model.TaskRunning); err != nil {
		s.log.Error("transition task to running", "task", t.ID, "error", err)
		return
	}
	if err := s.tasks.AssignWorkspace(ctx, t.ID, wsName); err != nil {
		s.log.Error("assign workspace", "task", t.ID, "error", err)
		return
	}
	agentID := ""
	t.Workspace = wsName
	agentID, err = s.agents.Spawn(ctx, t)
	if err != nil || agentID == "" {
		s.log.Error("spawn agent", "task", t.ID, "error", err)
		if ferr := s.tasks.Transition(ctx, t.ID, model.TaskFailed); ferr != nil {
			s.log.Error("transition task to failed", "task", t.ID, "error", ferr)
		}
		return
	}

	s.hub.Publish(eventhub.Event{
		Type:    eventhub.EventTaskStatusChanged,
		Payload: map[string]any{"task_id": t.ID, "status": model.TaskRunning, "agent_id": agentID, "workspace": wsName},
	})
}

// diffStatsTick is spec.md §4.8's second loop: broadcast diff stats for
// every workspace currently holding a non-empty diff.
func (s *Scheduler) diffStatsTick(ctx context.Context) {
	for _, ws := range s.workspaces.List() {
		if ctx.Err() != nil {
			return
		}
		stats, err := s.workspaces.GetDiffStats(ctx, ws.Name)
		if err != nil {
			s.log.Debug("get diff stats", "workspace", ws.Name, "error", err)
			continue
		}
		if stats.TotalFiles == 0 {
			continue
		}
		s.hub.Publish(eventhub.Event{Type: eventhub.EventDiffStats, Payload: stats})
	}
}

// prLifecycleTick advances every active PR lifecycle one step, matching
// original_source/conductor/server.py's background polling of in-flight
// lifecycles. A lifecycle whose branch has no matching checked-out
// workspace is skipped for this round rather than failed outright, since
// its workspace may simply not have been assigned yet.
func (s *Scheduler) prLifecycleTick(ctx context.Context) {
	lifecycles, err := s.store.ListActivePRLifecycles(ctx)
	if err != nil {
		s.log.Error("list active pr lifecycles", "error", err)
		return
	}

	for _, pl := range lifecycles {
		if ctx.Err() != nil {
			return
		}
		dir := s.workspaceDirForBranch(pl.Branch)
		if dir == "" {
			continue
		}
		if err := s.prl.Advance(ctx, pl.ID, dir); err != nil {
			s.log.Error("advance pr lifecycle", "pr_lifecycle", pl.ID, "error", err)
		}
	}
}

func (s *Scheduler) workspaceDirForBranch(branch string) string {
	for _, ws := range s.workspaces.List() {
		if ws.Branch == branch {
			return ws.Path
		}
	}
	return ""
}
