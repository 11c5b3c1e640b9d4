// Package workspace manages the pool of on-disk git working trees
// Conductor assigns to agents: discovery, assignment, snapshot/rollback
// around an agent run, branch checkout, and diff statistics. Ported from
// original_source/conductor/workspace_manager.py onto os/exec, following
// the bounded-timeout subprocess idiom
// nickmisasi-mattermost-plugin-cursor's ratelimit/poller code uses for
// external calls.
package workspace

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/conductorhq/conductord/internal/model"
)

const gitTimeout = 30 * time.Second

// Manager owns the set of discovered workspace directories and their
// assignment state. All mutation methods are safe for concurrent use.
type Manager struct {
	mu         sync.Mutex
	workspaces map[string]*model.Workspace
	runGit     func(ctx context.Context, dir string, args ...string) (string, error)
}

// New builds an empty Manager. Call Discover to populate it.
func New() *Manager {
	return &Manager{
		workspaces: make(map[string]*model.Workspace),
		runGit:     runGit,
	}
}

// Discover expands pattern (a glob like "~/workspace-*") and registers
// every matching directory as a free workspace. Idempotent and additive:
// directories already known are left untouched.
func (m *Manager) Discover(pattern string) error {
	expanded := pattern
	if home, err := os.UserHomeDir(); err == nil && strings.HasPrefix(pattern, "~") {
		expanded = filepath.Join(home, strings.TrimPrefix(pattern, "~"))
	}
	matches, err := filepath.Glob(expanded)
	if err != nil {
		return errors.Wrapf(err, "glob workspace pattern %s", pattern)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.IsDir() {
			continue
		}
		name := filepath.Base(path)
		if _, exists := m.workspaces[name]; exists {
			continue
		}
		m.workspaces[name] = &model.Workspace{
			Name:   name,
			Path:   path,
			Status: model.WorkspaceFree,
		}
	}
	return nil
}

// GetFreeWorkspace returns the name of an unassigned workspace, or ""
// if none are available.
func (m *Manager) GetFreeWorkspace() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, w := range m.workspaces {
		if w.Status == model.WorkspaceFree {
			return name
		}
	}
	return ""
}

// Assign marks workspace name as assigned to the given task and agent.
func (m *Manager) Assign(name string, taskID int64, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[name]
	if !ok {
		return errors.Errorf("workspace %s not found", name)
	}
	w.Status = model.WorkspaceAssigned
	w.AssignedTask = &taskID
	w.AssignedAgent = agentID
	return nil
}

// Release frees workspace name for reuse.
func (m *Manager) Release(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[name]
	if !ok {
		return errors.Errorf("workspace %s not found", name)
	}
	w.Status = model.WorkspaceFree
	w.AssignedTask = nil
	w.AssignedAgent = ""
	return nil
}

// Get returns a copy of the named workspace's current state.
func (m *Manager) Get(name string) (model.Workspace, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workspaces[name]
	if !ok {
		return model.Workspace{}, errors.Errorf("workspace %s not found", name)
	}
	return *w, nil
}

// List returns a copy of every known workspace.
func (m *Manager) List() []model.Workspace {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.Workspace, 0, len(m.workspaces))
	for _, w := range m.workspaces {
		out = append(out, *w)
	}
	return out
}

// Snapshot records the workspace's current HEAD and stashes any local
// changes (including untracked files), so Rollback can restore exactly
// this point if the agent run fails or is killed.
func (m *Manager) Snapshot(ctx context.Context, name string) error {
	m.mu.Lock()
	w, ok := m.workspaces[name]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("workspace %s not found", name)
	}

	sha, err := m.runGit(ctx, w.Path, "rev-parse", "HEAD")
	if err != nil {
		return errors.Wrapf(err, "snapshot workspace %s: rev-parse", name)
	}

	stashOut, err := m.runGit(ctx, w.Path, "stash", "--include-untracked")
	if err != nil {
		return errors.Wrapf(err, "snapshot workspace %s: stash", name)
	}
	hasStash := !strings.Contains(stashOut, "No local changes to save")

	m.mu.Lock()
	w.SnapshotSHA = strings.TrimSpace(sha)
	w.HasSetAside = hasStash
	m.mu.Unlock()
	return nil
}

// Rollback hard-resets the workspace to its recorded snapshot and, if a
// stash was set aside, pops it back on top.
func (m *Manager) Rollback(ctx context.Context, name string) error {
	m.mu.Lock()
	w, ok := m.workspaces[name]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("workspace %s not found", name)
	}
	if w.SnapshotSHA == "" {
		return errors.Errorf("workspace %s has no snapshot to roll back to", name)
	}

	if _, err := m.runGit(ctx, w.Path, "reset", "--hard", w.SnapshotSHA); err != nil {
		return errors.Wrapf(err, "rollback workspace %s: reset", name)
	}
	if w.HasSetAside {
		if _, err := m.runGit(ctx, w.Path, "stash", "pop"); err != nil {
			return errors.Wrapf(err, "rollback workspace %s: stash pop", name)
		}
	}

	m.mu.Lock()
	w.SnapshotSHA = ""
	w.HasSetAside = false
	m.mu.Unlock()
	return nil
}

// CheckoutBranch fetches from origin and checks out branch, creating it
// from the current HEAD if it does not yet exist remotely or locally.
func (m *Manager) CheckoutBranch(ctx context.Context, name, branch string) error {
	m.mu.Lock()
	w, ok := m.workspaces[name]
	m.mu.Unlock()
	if !ok {
		return errors.Errorf("workspace %s not found", name)
	}

	if _, err := m.runGit(ctx, w.Path, "fetch", "origin"); err != nil {
		return errors.Wrapf(err, "checkout branch %s: fetch", branch)
	}
	if _, err := m.runGit(ctx, w.Path, "checkout", branch); err != nil {
		if _, err := m.runGit(ctx, w.Path, "checkout", "-b", branch); err != nil {
			return errors.Wrapf(err, "checkout branch %s: checkout -b", branch)
		}
	}

	m.mu.Lock()
	w.Branch = branch
	m.mu.Unlock()
	return nil
}

// GetBranch returns the workspace's last-checked-out branch.
func (m *Manager) GetBranch(name string) (string, error) {
	w, err := m.Get(name)
	if err != nil {
		return "", err
	}
	return w.Branch, nil
}

// GetDiffStats computes the tracked and untracked file change summary
// for the workspace against HEAD, matching
// original_source/conductor/workspace_manager.py's get_diff_stats: a
// numstat diff for tracked changes, plus untracked files counted by
// reading their line counts directly off disk.
func (m *Manager) GetDiffStats(ctx context.Context, name string) (model.DiffStats, error) {
	w, err := m.Get(name)
	if err != nil {
		return model.DiffStats{}, err
	}

	stats := model.DiffStats{Workspace: name}

	numstat, err := m.runGit(ctx, w.Path, "diff", "--numstat", "HEAD")
	if err != nil {
		return model.DiffStats{}, errors.Wrap(err, "diff --numstat")
	}
	scanner := bufio.NewScanner(strings.NewReader(numstat))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 3 {
			continue
		}
		added, _ := strconv.Atoi(fields[0])
		removed, _ := strconv.Atoi(fields[1])
		stats.Files = append(stats.Files, model.DiffFile{
			Path: fields[2], Added: added, Removed: removed, Status: model.DiffModified,
		})
		stats.TotalAdded += added
		stats.TotalRemoved += removed
	}

	untracked, err := m.runGit(ctx, w.Path, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return model.DiffStats{}, errors.Wrap(err, "ls-files --others")
	}
	scanner = bufio.NewScanner(strings.NewReader(untracked))
	for scanner.Scan() {
		rel := strings.TrimSpace(scanner.Text())
		if rel == "" {
			continue
		}
		lines := countFileLines(filepath.Join(w.Path, rel))
		stats.Files = append(stats.Files, model.DiffFile{
			Path: rel, Added: lines, Status: model.DiffNew,
		})
		stats.TotalAdded += lines
	}

	stats.TotalFiles = len(stats.Files)
	return stats, nil
}

func countFileLines(path string) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	n := 0
	for scanner.Scan() {
		n++
	}
	return n
}

// HealthCheck reports whether the workspace directory still exists and
// is a git repository, catching a workspace deleted or corrupted out
// from under the orchestrator.
func (m *Manager) HealthCheck(ctx context.Context, name string) (bool, error) {
	w, err := m.Get(name)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(w.Path); err != nil {
		return false, nil
	}
	if _, err := m.runGit(ctx, w.Path, "rev-parse", "--git-dir"); err != nil {
		return false, nil
	}
	return true, nil
}

func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, gitTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), errors.Wrapf(err, "git %s: %s", strings.Join(args, " "), strings.TrimSpace(string(out)))
	}
	return string(out), nil
}
