package scheduler

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductord/internal/agent"
	"github.com/conductorhq/conductord/internal/config"
	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/githost"
	"github.com/conductorhq/conductord/internal/guardrails"
	"github.com/conductorhq/conductord/internal/logging"
	"github.com/conductorhq/conductord/internal/model"
	"github.com/conductorhq/conductord/internal/prlifecycle"
	"github.com/conductorhq/conductord/internal/quota"
	"github.com/conductorhq/conductord/internal/store"
	"github.com/conductorhq/conductord/internal/task"
	"github.com/conductorhq/conductord/internal/workspace"
)

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init", "-q")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0o644))
	run("add", ".")
	run("commit", "-q", "-m", "initial")
	return dir
}

func fakeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func newTestScheduler(t *testing.T, agentBinary string) (*Scheduler, *store.Store, *task.Manager) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/sched.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.AgentBinary = agentBinary
	cfg.LogDir = t.TempDir()

	tasks := task.New(st, nil)
	qm := quota.New(cfg.Quota, st, nil)
	guard := guardrails.New(cfg.Guardrails)
	ws := workspace.New()
	require.NoError(t, ws.Discover(initGitRepo(t)))

	hub := eventhub.New(hclog.NewNullLogger())
	summaryLog, err := logging.NewSummaryLog(filepath.Join(cfg.LogDir, "summaries.jsonl"))
	require.NoError(t, err)

	agents := agent.New(cfg, st, qm, guard, ws, hub, summaryLog, hclog.NewNullLogger())

	s := New(tasks, qm, ws, agents, hub, hclog.NewNullLogger())
	s.tickInterval = 20 * time.Millisecond
	s.diffStatsInterval = 30 * time.Millisecond
	return s, st, tasks
}

func TestTick_AdmitsReadyTaskOntoFreeWorkspace(t *testing.T) {
	script := fakeAgentScript(t, "sleep 1\nexit 0\n")
	s, st, tasks := newTestScheduler(t, script)
	ctx := context.Background()

	id, err := tasks.AddTask(ctx, model.Task{Title: "t", Description: "x", Priority: model.PriorityNormal})
	require.NoError(t, err)

	s.tick(ctx)

	require.Eventually(t, func() bool {
		tk, err := st.GetTask(ctx, id)
		return err == nil && tk.Status == model.TaskRunning && tk.Workspace != ""
	}, 2*time.Second, 10*time.Millisecond)
}

func TestTick_AutoResumesStaleQuotaPause(t *testing.T) {
	script := fakeAgentScript(t, "sleep 1\nexit 0\n")
	s, _, _ := newTestScheduler(t, script)

	s.quota.Pause()
	s.tick(context.Background())

	ok, _, err := s.quota.CanStartAgent(context.Background())
	require.NoError(t, err)
	require.True(t, ok, "tick should have auto-resumed a stale pause via quota.CheckReset")
}

func TestTick_BlocksTaskWhenNoWorkspaceFree(t *testing.T) {
	script := fakeAgentScript(t, "sleep 1\nexit 0\n")
	s, st, tasks := newTestScheduler(t, script)
	ctx := context.Background()

	// occupy the only discovered workspace directly.
	wsList := s.workspaces.List()
	require.Len(t, wsList, 1)
	require.NoError(t, s.workspaces.Assign(wsList[0].Name, 999, "agent-x"))

	id, err := tasks.AddTask(ctx, model.Task{Title: "t", Description: "x", Priority: model.PriorityNormal})
	require.NoError(t, err)

	s.tick(ctx)

	tk, err := st.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.TaskBlocked, tk.Status)
	require.Equal(t, model.BlockNoWorkspace, tk.BlockReason)
}

func TestRun_ShutsDownCleanlyOnCancel(t *testing.T) {
	script := fakeAgentScript(t, "sleep 5\nexit 0\n")
	s, _, _ := newTestScheduler(t, script)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	err := s.Run(ctx)
	require.NoError(t, err)
}

type noopHost struct{}

func (noopHost) CreatePR(context.Context, string, string, string, string, string) (*github.PullRequest, error) {
	return nil, nil
}
func (noopHost) GetPRByBranch(context.Context, string, string) (*github.PullRequest, error) {
	return nil, nil
}
func (noopHost) ListOpenPRs(context.Context, string) ([]*github.PullRequest, error) { return nil, nil }
func (noopHost) MarkReadyForReview(context.Context, string, int) error              { return nil }
func (noopHost) RequestReview(context.Context, string, int, []string) error         { return nil }
func (noopHost) GetFailingRunLog(context.Context, string, string) (string, error)   { return "", nil }
func (noopHost) CreateComment(context.Context, string, int, string) (*github.IssueComment, error) {
	return nil, nil
}
func (noopHost) ListReviews(context.Context, string, int) ([]*github.PullRequestReview, error) {
	return nil, nil
}
func (noopHost) ListReviewComments(context.Context, string, int) ([]*github.PullRequestComment, error) {
	return nil, nil
}
func (noopHost) ListChecks(context.Context, string, int) ([]githost.CheckRun, error) {
	return nil, nil
}

func TestPRLifecycleTick_SkipsLifecycleWithNoMatchingWorkspace(t *testing.T) {
	script := fakeAgentScript(t, "sleep 1\nexit 0\n")
	s, st, _ := newTestScheduler(t, script)

	prl := prlifecycle.New(config.Default().PRLifecycle, st, task.New(st, nil), noopHost{}, s.hub, nil)
	s.WithPRLifecycle(st, prl)

	ctx := context.Background()
	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{Branch: "no-such-branch", Stage: model.StageCoding, MaxIterations: 3})
	require.NoError(t, err)

	s.prLifecycleTick(ctx)

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageCoding, pl.Stage)
}

func TestRun_WithPRLifecycleShutsDownCleanly(t *testing.T) {
	script := fakeAgentScript(t, "sleep 5\nexit 0\n")
	s, st, _ := newTestScheduler(t, script)

	prl := prlifecycle.New(config.Default().PRLifecycle, st, task.New(st, nil), noopHost{}, s.hub, nil)
	s.WithPRLifecycle(st, prl)
	s.prLifecycleInterval = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	require.NoError(t, s.Run(ctx))
}
