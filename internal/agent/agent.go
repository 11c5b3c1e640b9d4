// Package agent supervises coding-agent subprocesses: spawning one
// against a prepared workspace, streaming and guardrail-scanning its
// output, classifying how it finished, and releasing its workspace
// (optionally after an automatic rollback). Ported from
// original_source/conductor/agent_manager.py; the callback-based design
// there is replaced with eventhub publications per spec.md §9's redesign
// of global mutable callback state.
package agent

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

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

const (
	diffStatsBroadcastInterval = 5 * time.Second
	killGracePeriod            = 5 * time.Second
)

// running is the live supervisor state for one spawned agent, kept only
// in memory: the persisted model.Agent row never carries a process handle.
type running struct {
	cmd       *exec.Cmd
	cancel    context.CancelFunc
	session   *logging.SessionLogger
	startedAt time.Time
	taskID    int64
	workspace string

	waitOnce sync.Once
	waitDone chan struct{}
	waitErr  error

	killedMu sync.Mutex
	killed   bool
}

// wait calls cmd.Wait exactly once no matter how many goroutines call it
// concurrently (the monitor loop and a racing KillAgent both need the
// exit result), returning the same result to every caller.
func (r *running) wait() error {
	r.waitOnce.Do(func() {
		r.waitErr = r.cmd.Wait()
		close(r.waitDone)
	})
	<-r.waitDone
	return r.waitErr
}

// Manager spawns and supervises agent subprocesses.
type Manager struct {
	mu      sync.Mutex
	running map[string]*running

	cfg        config.Config
	store      *store.Store
	quota      *quota.Manager
	guard      *guardrails.Guardrails
	workspaces *workspace.Manager
	hub        *eventhub.Hub
	summaryLog *logging.SummaryLog
	log        hclog.Logger
	now        func() time.Time

	// planningChat is optional: when set, every failed run's output tail
	// is appended to the task's associated conversation (spec.md §7) so
	// the next planning turn sees it. nil in tests that don't exercise
	// planning chat.
	planningChat *planningchat.Chat
}

// SetPlanningChat wires the planning-chat hook used to report failed
// agent runs back into a task's conversation history.
func (m *Manager) SetPlanningChat(pc *planningchat.Chat) {
	m.planningChat = pc
}

// New builds an agent Manager wiring every collaborating component.
func New(cfg config.Config, st *store.Store, qm *quota.Manager, guard *guardrails.Guardrails,
	ws *workspace.Manager, hub *eventhub.Hub, summaryLog *logging.SummaryLog, log hclog.Logger) *Manager {
	return &Manager{
		running:    make(map[string]*running),
		cfg:        cfg,
		store:      st,
		quota:      qm,
		guard:      guard,
		workspaces: ws,
		hub:        hub,
		summaryLog: summaryLog,
		log:        log,
		now:        time.Now,
	}
}

// Spawn checks quota, prepares a workspace snapshot and branch, launches
// the agent subprocess, and starts its background monitor. Returns the
// new agent's id.
func (m *Manager) Spawn(ctx context.Context, task model.Task) (string, error) {
	ok, reason, err := m.quota.CanStartAgent(ctx)
	if err != nil {
		return "", errors.Wrap(err, "check quota before spawn")
	}
	if !ok {
		return "", errors.Errorf("cannot spawn agent for task %d: %s", task.ID, reason)
	}
	if task.Branch != "" {
		if ok, reason := m.guard.CheckBranchAllowed(task.Branch); !ok {
			return "", errors.Errorf("cannot spawn agent for task %d: %s", task.ID, reason)
		}
	}

	wsName := task.Workspace
	if wsName == "" {
		wsName = m.workspaces.GetFreeWorkspace()
		if wsName == "" {
			return "", errors.Errorf("no free workspace available for task %d", task.ID)
		}
	}

	agentID := uuid.NewString()
	session, err := logging.NewSessionLogger(m.cfg.LogDir, task.ID)
	if err != nil {
		return "", errors.Wrap(err, "create session logger")
	}

	if err := m.workspaces.Snapshot(ctx, wsName); err != nil {
		return "", errors.Wrap(err, "snapshot workspace before spawn")
	}
	session.LogTimelineEvent("snapshot_created", map[string]any{"workspace": wsName})

	if task.Branch != "" {
		if err := m.workspaces.CheckoutBranch(ctx, wsName, task.Branch); err != nil {
			return "", errors.Wrap(err, "checkout task branch")
		}
	}

	if err := m.workspaces.Assign(wsName, task.ID, agentID); err != nil {
		return "", errors.Wrap(err, "assign workspace")
	}

	prompt := m.guard.GeneratePreamble(task.ID) + "\n" + task.Description
	session.LogPrompt(prompt)

	wsInfo, err := m.workspaces.Get(wsName)
	if err != nil {
		return "", errors.Wrap(err, "read workspace info")
	}

	cmdCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(cmdCtx, m.cfg.AgentBinary,
		"-p", prompt, "--yolo", "--output-format", "stream-json")
	cmd.Dir = wsInfo.Path
	cmd.Env = m.buildAgentEnv()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return "", errors.Wrap(err, "attach stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return "", errors.Wrap(err, "attach stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return "", errors.Wrap(err, "start agent process")
	}

	agentRecord := model.Agent{
		ID:        agentID,
		TaskID:    task.ID,
		Workspace: wsName,
		PID:       cmd.Process.Pid,
		Status:    model.AgentStarting,
		StartedAt: m.now().UTC(),
	}
	if err := m.store.CreateAgent(ctx, agentRecord); err != nil {
		cancel()
		return "", errors.Wrap(err, "persist agent record")
	}

	m.quota.AgentStarted()
	if err := m.quota.RecordAgentRequest(ctx); err != nil {
		m.log.Warn("record agent request failed", "error", err)
	}

	m.mu.Lock()
	m.running[agentID] = &running{
		cmd: cmd, cancel: cancel, session: session,
		startedAt: m.now(), taskID: task.ID, workspace: wsName,
		waitDone: make(chan struct{}),
	}
	m.mu.Unlock()

	m.hub.Publish(eventhub.Event{Type: eventhub.EventAgentStatusChanged, Payload: agentRecord})
	session.LogTimelineEvent("agent_spawned", map[string]any{"agent_id": agentID})

	go m.monitor(agentID, stdout, stderr, cmd)

	return agentID, nil
}

func (m *Manager) buildAgentEnv() []string {
	env := os.Environ()
	if m.cfg.CredentialEnvVar != "" && m.cfg.Credential != "" {
		env = append(env, fmt.Sprintf("%s=%s", m.cfg.CredentialEnvVar, m.cfg.Credential))
	}
	return env
}

// monitorReadDeadline bounds how long monitor waits for the next output
// line before it re-checks the idle timeout and diff-stats broadcast on
// its own, per spec.md §4.6/§5: "a silent hang is still killed" even
// when the agent has stopped producing output entirely.
const monitorReadDeadline = time.Second

// monitor reads the agent's stdout and stderr line by line (merged into
// a single ordered-enough stream), logging each line, scanning it for
// guardrail violations, and periodically broadcasting diff stats, until
// the process exits. original_source/conductor/agent_manager.py combines
// stdout and stderr into one subprocess pipe directly; two real OS pipes
// fanned into one channel achieves the same effect without the deadlock
// risk of sharing a single io.Writer across both streams. The read loop
// itself is a ticker-bounded select rather than a plain channel range,
// so the timeout check and diff-stats broadcast fire every
// monitorReadDeadline regardless of whether the agent is producing any
// output.
func (m *Manager) monitor(agentID string, stdout, stderr io.Reader, cmd *exec.Cmd) {
	ctx := context.Background()
	m.mu.Lock()
	r := m.running[agentID]
	m.mu.Unlock()
	if r == nil {
		return
	}

	lines := make(chan string, 256)
	var wg sync.WaitGroup
	wg.Add(2)
	go pumpLines(stdout, lines, &wg)
	go pumpLines(stderr, lines, &wg)
	go func() {
		wg.Wait()
		close(lines)
	}()

	lastDiffBroadcast := time.Time{}
	requestCount := 0

	ticker := time.NewTicker(monitorReadDeadline)
	defer ticker.Stop()

readLoop:
	for {
		select {
		case line, open := <-lines:
			if !open {
				break readLoop
			}
			r.session.LogAgentOutput(line)
			requestCount++

			if ok, reason := m.guard.CheckAgentOutput(line); !ok {
				m.log.Warn("guardrail violation, killing agent", "agent_id", agentID, "reason", reason)
				r.session.LogTimelineEvent("guardrail_violation", map[string]any{"reason": reason})
				m.KillAgent(ctx, agentID)
				break readLoop
			}

			if err := m.quota.RecordPrompt(ctx); err != nil {
				m.log.Warn("record prompt failed", "error", err)
			}

			m.hub.Publish(eventhub.Event{Type: eventhub.EventAgentOutput, Payload: map[string]any{
				"agent_id": agentID, "line": line,
			}})

		case <-ticker.C:
			// no output since the last deadline; fall through to the
			// timeout/diff-stats checks below regardless.
		}

		if ok, _ := m.guard.CheckTimeout(r.startedAt, m.now()); !ok {
			m.log.Warn("agent exceeded timeout, killing", "agent_id", agentID)
			r.session.LogTimelineEvent("timeout_exceeded", nil)
			m.KillAgent(ctx, agentID)
			break readLoop
		}

		if time.Since(lastDiffBroadcast) >= diffStatsBroadcastInterval {
			m.broadcastDiffStats(ctx, r.workspace)
			lastDiffBroadcast = time.Now()
		}
	}

	err := r.wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
		}
	}

	m.handleCompletion(ctx, agentID, exitCode, requestCount)
}

// pumpLines scans r line by line and forwards each to out, signaling wg
// when r is exhausted. Both stdout and stderr readers run one of these
// concurrently so neither stream can stall the other.
func pumpLines(r io.Reader, out chan<- string, wg *sync.WaitGroup) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

func (m *Manager) broadcastDiffStats(ctx context.Context, wsName string) {
	stats, err := m.workspaces.GetDiffStats(ctx, wsName)
	if err != nil {
		m.log.Warn("get diff stats failed", "workspace", wsName, "error", err)
		return
	}
	m.hub.Publish(eventhub.Event{Type: eventhub.EventDiffStats, Payload: stats})
}

// handleCompletion finalizes an agent's record: status, classification,
// session summary, diff-size check, and workspace release (with an
// automatic rollback on failure if configured). Diff stats are
// broadcast before the workspace is released, matching
// original_source/conductor/agent_manager.py's ordering.
func (m *Manager) handleCompletion(ctx context.Context, agentID string, exitCode int, requestCount int) {
	m.mu.Lock()
	r := m.running[agentID]
	delete(m.running, agentID)
	m.mu.Unlock()
	if r == nil {
		return
	}

	r.killedMu.Lock()
	killed := r.killed
	r.killedMu.Unlock()

	now := m.now().UTC()
	status := model.AgentCompleted
	switch {
	case killed:
		status = model.AgentKilled
	case exitCode != 0:
		status = model.AgentFailed
	}

	agentRecord, err := m.store.GetAgent(ctx, agentID)
	if err != nil {
		m.log.Error("load agent record for completion failed", "agent_id", agentID, "error", err)
		agentRecord = model.Agent{ID: agentID, TaskID: r.taskID, Workspace: r.workspace}
	}
	agentRecord.Status = status
	agentRecord.CompletedAt = &now
	agentRecord.RequestCount = requestCount
	if err := m.store.UpdateAgent(ctx, agentRecord); err != nil {
		m.log.Error("update agent record failed", "agent_id", agentID, "error", err)
	}

	m.quota.AgentStopped()

	outcome := Classify(exitCode, requestCount, time.Since(r.startedAt), r.session.Tail(30))

	stats, err := m.workspaces.GetDiffStats(ctx, r.workspace)
	if err != nil {
		m.log.Warn("get final diff stats failed", "workspace", r.workspace, "error", err)
	}
	diffOK := true
	if err == nil {
		diffOK, _ = m.guard.CheckDiffSize(stats)
	}

	summary := logging.Summary{
		TaskID: r.taskID, AgentID: agentID, ExitCode: exitCode, Status: string(status),
		FilesChanged: stats.TotalFiles, LinesChanged: stats.TotalAdded + stats.TotalRemoved,
		RequestCount: requestCount, DiffOK: diffOK,
	}
	if err := r.session.WriteSummary(summary); err != nil {
		m.log.Error("write session summary failed", "agent_id", agentID, "error", err)
	}
	if m.summaryLog != nil {
		if err := m.summaryLog.Append(map[string]any{
			"task_id": r.taskID, "agent_id": agentID, "status": status, "outcome": outcome,
		}); err != nil {
			m.log.Error("append summary log failed", "error", err)
		}
	}

	m.hub.Publish(eventhub.Event{Type: eventhub.EventDiffStats, Payload: stats})
	m.hub.Publish(eventhub.Event{Type: eventhub.EventAgentStatusChanged, Payload: agentRecord})

	if err := m.workspaces.Release(r.workspace); err != nil {
		m.log.Error("release workspace failed", "workspace", r.workspace, "error", err)
	}

	if status == model.AgentFailed && m.cfg.Guardrails.AutoRollbackOnFailure {
		if err := m.workspaces.Rollback(ctx, r.workspace); err != nil {
			m.log.Error("auto rollback failed", "workspace", r.workspace, "error", err)
		}
	}

	if status == model.AgentFailed && m.planningChat != nil {
		m.reportFailureToConversation(ctx, r)
	}
}

// reportFailureToConversation appends the failed run's output tail to
// its task's associated conversation, per spec.md §7's user-visible
// failure behaviour. Tasks with no conversation_id metadata (most of
// them, since planning chat is opt-in) are silently skipped.
func (m *Manager) reportFailureToConversation(ctx context.Context, r *running) {
	task, err := m.store.GetTask(ctx, r.taskID)
	if err != nil {
		m.log.Warn("load task for planning chat failure report failed", "task_id", r.taskID, "error", err)
		return
	}
	conversationID, _ := task.Metadata["conversation_id"].(string)
	if conversationID == "" {
		return
	}
	if err := m.planningChat.PostPlanFailure(ctx, conversationID, r.session.Tail(20)); err != nil {
		m.log.Error("post plan failure failed", "task_id", r.taskID, "conversation_id", conversationID, "error", err)
	}
}

// KillAgent sends SIGTERM, waits a grace period, then forcibly kills the
// process if it hasn't exited, matching original_source's kill_agent.
func (m *Manager) KillAgent(ctx context.Context, agentID string) error {
	m.mu.Lock()
	r := m.running[agentID]
	m.mu.Unlock()
	if r == nil {
		return errors.Errorf("agent %s is not running", agentID)
	}

	r.killedMu.Lock()
	r.killed = true
	r.killedMu.Unlock()

	if r.cmd.Process != nil {
		_ = r.cmd.Process.Signal(syscall.SIGTERM)
	}

	done := make(chan struct{})
	go func() {
		r.wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(killGracePeriod):
		r.cancel()
		<-done
	}

	agentRecord, err := m.store.GetAgent(ctx, agentID)
	if err == nil {
		now := m.now().UTC()
		agentRecord.Status = model.AgentKilled
		agentRecord.CompletedAt = &now
		m.store.UpdateAgent(ctx, agentRecord)
	}
	return nil
}

// KillAll terminates every currently running agent, aggregating any
// per-agent errors with go-multierror rather than stopping at the first
// failure, matching original_source's kill_all sweeping every agent even
// if one kill fails.
func (m *Manager) KillAll(ctx context.Context) error {
	m.mu.Lock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var result *multierror.Error
	for _, id := range ids {
		if err := m.KillAgent(ctx, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// GetRunningAgents returns the ids of every currently supervised agent.
func (m *Manager) GetRunningAgents() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.running))
	for id := range m.running {
		ids = append(ids, id)
	}
	return ids
}

// GetAgentOutput returns the last n lines of output logged for agentID,
// or all of them if n is zero or negative.
func (m *Manager) GetAgentOutput(agentID string, n int) []string {
	m.mu.Lock()
	r := m.running[agentID]
	m.mu.Unlock()
	if r == nil {
		return nil
	}
	return r.session.Tail(n)
}
