package agent

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductord/internal/config"
	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/guardrails"
	"github.com/conductorhq/conductord/internal/logging"
	"github.com/conductorhq/conductord/internal/model"
	"github.com/conductorhq/conductord/internal/planningchat"
	"github.com/conductorhq/conductord/internal/quota"
	"github.com/conductorhq/conductord/internal/store"
	"github.com/conductorhq/conductord/internal/workspace"
)

// fakeAgentScript writes a shell script standing in for the real coding
// agent CLI, so tests never depend on an actual external binary.
func fakeAgentScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-agent.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

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

func newTestManager(t *testing.T, agentBinary string) (*Manager, *store.Store, *workspace.Manager) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/agent.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.AgentBinary = agentBinary
	cfg.LogDir = t.TempDir()

	qm := quota.New(cfg.Quota, st, nil)
	guard := guardrails.New(cfg.Guardrails)
	ws := workspace.New()

	dir := initGitRepo(t)
	require.NoError(t, ws.Discover(dir))

	hub := eventhub.New(hclog.NewNullLogger())
	summaryLog, err := logging.NewSummaryLog(filepath.Join(cfg.LogDir, "summaries.jsonl"))
	require.NoError(t, err)

	m := New(cfg, st, qm, guard, ws, hub, summaryLog, hclog.NewNullLogger())
	return m, st, ws
}

func TestSpawn_SuccessfulRunMarksAgentCompleted(t *testing.T) {
	script := fakeAgentScript(t, `
echo '{"status":"working"}'
echo '{"status":"done"}'
exit 0
`)
	m, st, _ := newTestManager(t, script)
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, model.Task{Title: "t", Status: model.TaskReady, Description: "do the thing"})
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	agentID, err := m.Spawn(ctx, task)
	require.NoError(t, err)
	require.NotEmpty(t, agentID)

	require.Eventually(t, func() bool {
		a, err := st.GetAgent(ctx, agentID)
		return err == nil && a.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	a, err := st.GetAgent(ctx, agentID)
	require.NoError(t, err)
	require.Equal(t, model.AgentCompleted, a.Status)
}

func TestSpawn_FailedRunMarksAgentFailed(t *testing.T) {
	script := fakeAgentScript(t, `
echo 'about to fail with a substantial amount of output describing the problem'
echo 'still going'
echo 'more diagnostic output here'
exit 1
`)
	m, st, _ := newTestManager(t, script)
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, model.Task{Title: "t", Status: model.TaskReady, Description: "do the thing"})
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	agentID, err := m.Spawn(ctx, task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := st.GetAgent(ctx, agentID)
		return err == nil && a.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	a, err := st.GetAgent(ctx, agentID)
	require.NoError(t, err)
	require.Equal(t, model.AgentFailed, a.Status)
}

func TestSpawn_FailedRunAppendsTailToConversation(t *testing.T) {
	script := fakeAgentScript(t, `
echo 'about to fail with a substantial amount of output describing the problem'
echo 'still going'
echo 'more diagnostic output here'
exit 1
`)
	m, st, _ := newTestManager(t, script)
	ctx := context.Background()

	pc := planningchat.New(st, nil)
	m.SetPlanningChat(pc)

	taskID, err := st.CreateTask(ctx, model.Task{
		Title: "t", Status: model.TaskReady, Description: "do the thing",
		Metadata: map[string]any{"conversation_id": "conv-1"},
	})
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	agentID, err := m.Spawn(ctx, task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := st.GetAgent(ctx, agentID)
		return err == nil && a.Status.IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		history, err := pc.History(ctx, "conv-1")
		return err == nil && len(history) == 1
	}, 2*time.Second, 20*time.Millisecond)
}

func TestSpawn_GuardrailViolationKillsAgent(t *testing.T) {
	script := fakeAgentScript(t, `
echo '{"tool":"shell","input":{"command":"rm -rf /"}}'
sleep 2
exit 0
`)
	m, st, _ := newTestManager(t, script)
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, model.Task{Title: "t", Status: model.TaskReady, Description: "do the thing"})
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	agentID, err := m.Spawn(ctx, task)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		a, err := st.GetAgent(ctx, agentID)
		return err == nil && a.Status == model.AgentKilled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGetRunningAgents_TracksActiveSpawns(t *testing.T) {
	script := fakeAgentScript(t, "sleep 1\nexit 0\n")
	m, st, _ := newTestManager(t, script)
	ctx := context.Background()

	taskID, err := st.CreateTask(ctx, model.Task{Title: "t", Status: model.TaskReady, Description: "x"})
	require.NoError(t, err)
	task, err := st.GetTask(ctx, taskID)
	require.NoError(t, err)

	agentID, err := m.Spawn(ctx, task)
	require.NoError(t, err)
	require.Contains(t, m.GetRunningAgents(), agentID)
}
