package prlifecycle

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/conductorhq/conductord/internal/config"
	"github.com/conductorhq/conductord/internal/eventhub"
	"github.com/conductorhq/conductord/internal/githost"
	"github.com/conductorhq/conductord/internal/model"
	"github.com/conductorhq/conductord/internal/store"
	"github.com/conductorhq/conductord/internal/task"
)

type fakeHost struct {
	checks  []githost.CheckRun
	reviews []*github.PullRequestReview
	comments []string
	failLog string
}

func (f *fakeHost) CreatePR(ctx context.Context, dir, title, body, base, head string) (*github.PullRequest, error) {
	return &github.PullRequest{Number: github.Ptr(1)}, nil
}
func (f *fakeHost) GetPRByBranch(ctx context.Context, dir, branch string) (*github.PullRequest, error) {
	return nil, nil
}
func (f *fakeHost) ListOpenPRs(ctx context.Context, dir string) ([]*github.PullRequest, error) {
	return nil, nil
}
func (f *fakeHost) MarkReadyForReview(ctx context.Context, dir string, prNumber int) error { return nil }
func (f *fakeHost) RequestReview(ctx context.Context, dir string, prNumber int, reviewers []string) error {
	return nil
}
func (f *fakeHost) GetFailingRunLog(ctx context.Context, dir, checkName string) (string, error) {
	if f.failLog == "" {
		return "log output for " + checkName, nil
	}
	return f.failLog, nil
}
func (f *fakeHost) CreateComment(ctx context.Context, dir string, prNumber int, body string) (*github.IssueComment, error) {
	f.comments = append(f.comments, body)
	return &github.IssueComment{Body: github.Ptr(body)}, nil
}
func (f *fakeHost) ListReviews(ctx context.Context, dir string, prNumber int) ([]*github.PullRequestReview, error) {
	return f.reviews, nil
}
func (f *fakeHost) ListReviewComments(ctx context.Context, dir string, prNumber int) ([]*github.PullRequestComment, error) {
	return nil, nil
}
func (f *fakeHost) ListChecks(ctx context.Context, dir string, prNumber int) ([]githost.CheckRun, error) {
	return f.checks, nil
}

func newTestSetup(t *testing.T, host githost.Client) (*Manager, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir() + "/prl.db")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	fixed := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tasks := task.New(st, func() time.Time { return fixed })
	hub := eventhub.New(hclog.NewNullLogger())
	cfg := config.Default().PRLifecycle

	return New(cfg, st, tasks, host, hub, func() time.Time { return fixed }), st
}

func TestAdvance_CodingGoesToPrechecks(t *testing.T) {
	m, st := newTestSetup(t, &fakeHost{})
	ctx := context.Background()

	id, err := m.StartLifecycle(ctx, "feature-x", "Add feature")
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StagePrechecks, pl.Stage)
}

func TestAdvance_PrechecksCreatesTask(t *testing.T) {
	m, st := newTestSetup(t, &fakeHost{})
	ctx := context.Background()

	id, err := m.StartLifecycle(ctx, "feature-x", "Add feature")
	require.NoError(t, err)
	pl, _ := st.GetPRLifecycle(ctx, id)
	pl.Stage = model.StagePrechecks
	require.NoError(t, st.UpdatePRLifecycle(ctx, pl))

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	tasks, err := st.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "precheck", tasks[0].Metadata["type"])
}

func TestAdvance_CIMonitoringAllPassGoesToReview(t *testing.T) {
	host := &fakeHost{checks: []githost.CheckRun{{Name: "build", Bucket: "pass"}}}
	m, st := newTestSetup(t, host)
	ctx := context.Background()

	prNum := 5
	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Stage: model.StageCIMonitoring, PRNumber: &prNum, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageGreptileReview, pl.Stage)
	require.Len(t, host.comments, 1)
}

func TestAdvance_CIMonitoringFailureGoesToFixing(t *testing.T) {
	host := &fakeHost{checks: []githost.CheckRun{{Name: "lint", Bucket: "fail"}}, failLog: "exit status 1: lint error on line 12"}
	m, st := newTestSetup(t, host)
	ctx := context.Background()

	prNum := 5
	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Title: "Add feature", Stage: model.StageCIMonitoring, PRNumber: &prNum, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageCIFixing, pl.Stage)
	require.Equal(t, 1, pl.CIFixCount)

	tasks, err := st.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "ci_fix", tasks[0].Metadata["type"])
	require.Equal(t, "[PR Add feature] Fix CI: lint", tasks[0].Title)
	require.Contains(t, tasks[0].Description, "lint error on line 12")
}

func TestAdvance_CIFixTaskTruncatesLongLog(t *testing.T) {
	longLog := strings.Repeat("x", maxLogTailChars+500)
	host := &fakeHost{checks: []githost.CheckRun{{Name: "lint", Bucket: "fail"}}, failLog: longLog}
	m, st := newTestSetup(t, host)
	ctx := context.Background()

	prNum := 5
	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Title: "Add feature", Stage: model.StageCIMonitoring, PRNumber: &prNum, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	tasks, err := st.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.LessOrEqual(t, len(tasks[0].Description), maxLogTailChars+len("CI check failed: "))
}

func TestAdvance_CIMonitoringPendingStaysPut(t *testing.T) {
	host := &fakeHost{checks: []githost.CheckRun{{Name: "build", Bucket: "pending"}}}
	m, st := newTestSetup(t, host)
	ctx := context.Background()

	prNum := 5
	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Stage: model.StageCIMonitoring, PRNumber: &prNum, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageCIMonitoring, pl.Stage)
}

func TestAdvance_GreptileReviewNoCommentsReadyForReview(t *testing.T) {
	host := &fakeHost{}
	m, st := newTestSetup(t, host)
	ctx := context.Background()

	prNum := 5
	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Stage: model.StageGreptileReview, PRNumber: &prNum, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageReadyForReview, pl.Stage)
}

func TestAdvance_GreptileReviewWithCommentsCreatesTasks(t *testing.T) {
	host := &fakeHost{reviews: []*github.PullRequestReview{
		{Body: github.Ptr("please fix this"), User: &github.User{Login: github.Ptr("greptile")}},
	}}
	m, st := newTestSetup(t, host)
	ctx := context.Background()

	prNum := 5
	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Stage: model.StageGreptileReview, PRNumber: &prNum, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageAddressingComments, pl.Stage)

	tasks, err := st.ListTasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
}

func TestAdvance_AddressingCommentsEscalatesAtMaxIterations(t *testing.T) {
	m, st := newTestSetup(t, &fakeHost{})
	ctx := context.Background()

	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Stage: model.StageAddressingComments, Iteration: 2, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageNeedsHuman, pl.Stage)
}

func TestAdvance_AddressingCommentsLoopsBackBelowMax(t *testing.T) {
	m, st := newTestSetup(t, &fakeHost{})
	ctx := context.Background()

	id, err := st.CreatePRLifecycle(ctx, model.PRLifecycle{
		Branch: "feature-x", Stage: model.StageAddressingComments, Iteration: 0, MaxIterations: 3,
	})
	require.NoError(t, err)

	require.NoError(t, m.Advance(ctx, id, "/repo"))

	pl, err := st.GetPRLifecycle(ctx, id)
	require.NoError(t, err)
	require.Equal(t, model.StageCIMonitoring, pl.Stage)
	require.Equal(t, 1, pl.Iteration)
}
