package workspace

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

// initGitRepo creates a throwaway git repository with one commit, used
// as a workspace fixture by the tests below.
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

func TestDiscoverAndGetFreeWorkspace(t *testing.T) {
	root := t.TempDir()
	ws1 := filepath.Join(root, "workspace-1")
	require.NoError(t, os.MkdirAll(ws1, 0o755))

	m := New()
	require.NoError(t, m.Discover(filepath.Join(root, "workspace-*")))

	free := m.GetFreeWorkspace()
	require.Equal(t, "workspace-1", free)
}

func TestAssignAndRelease(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "workspace-1"), 0o755))

	m := New()
	require.NoError(t, m.Discover(filepath.Join(root, "workspace-*")))

	require.NoError(t, m.Assign("workspace-1", 42, "agent-1"))
	require.Empty(t, m.GetFreeWorkspace())

	w, err := m.Get("workspace-1")
	require.NoError(t, err)
	require.NotNil(t, w.AssignedTask)
	require.Equal(t, int64(42), *w.AssignedTask)

	require.NoError(t, m.Release("workspace-1"))
	require.Equal(t, "workspace-1", m.GetFreeWorkspace())
}

func TestSnapshotAndRollback(t *testing.T) {
	dir := initGitRepo(t)
	root := filepath.Dir(dir)
	name := filepath.Base(dir)

	m := New()
	require.NoError(t, m.Discover(filepath.Join(root, name)))
	ctx := context.Background()

	require.NoError(t, m.Snapshot(ctx, name))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644))

	require.NoError(t, m.Rollback(ctx, name))

	data, err := os.ReadFile(filepath.Join(dir, "README.md"))
	require.NoError(t, err)
	require.Equal(t, "hello\n", string(data))

	w, err := m.Get(name)
	require.NoError(t, err)
	require.Empty(t, w.SnapshotSHA, "rollback must clear the snapshot id on success")
	require.False(t, w.HasSetAside, "rollback must clear the set-aside flag on success")
}

func TestRollback_SecondCallFailsWithNoSnapshot(t *testing.T) {
	dir := initGitRepo(t)
	root := filepath.Dir(dir)
	name := filepath.Base(dir)

	m := New()
	require.NoError(t, m.Discover(filepath.Join(root, name)))
	ctx := context.Background()

	require.NoError(t, m.Snapshot(ctx, name))
	require.NoError(t, m.Rollback(ctx, name))

	err := m.Rollback(ctx, name)
	require.Error(t, err, "a second rollback with no new snapshot must not re-run against a stale SHA")
}

func TestGetDiffStats_CountsTrackedAndUntracked(t *testing.T) {
	dir := initGitRepo(t)
	root := filepath.Dir(dir)
	name := filepath.Base(dir)

	m := New()
	require.NoError(t, m.Discover(filepath.Join(root, name)))
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\nworld\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "new.txt"), []byte("line one\nline two\n"), 0o644))

	stats, err := m.GetDiffStats(ctx, name)
	require.NoError(t, err)
	require.Equal(t, 2, stats.TotalFiles)
	require.Equal(t, 3, stats.TotalAdded)
}

func TestHealthCheck_DetectsMissingDirectory(t *testing.T) {
	dir := initGitRepo(t)
	root := filepath.Dir(dir)
	name := filepath.Base(dir)

	m := New()
	require.NoError(t, m.Discover(filepath.Join(root, name)))
	ctx := context.Background()

	ok, err := m.HealthCheck(ctx, name)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, os.RemoveAll(dir))
	ok, err = m.HealthCheck(ctx, name)
	require.NoError(t, err)
	require.False(t, ok)
}
