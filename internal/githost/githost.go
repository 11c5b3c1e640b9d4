// Package githost is Conductor's PR-lifecycle git-hosting client: a thin
// wrapper around the local `gh` command-line tool, per spec.md §6's
// explicit choice of a synchronous CLI client over a REST polling
// service. The interface shape is grounded on
// nickmisasi-mattermost-plugin-cursor/server/ghclient's Client interface,
// but every method here shells out to `gh` instead of calling go-github's
// REST transport directly; go-github's response structs are kept and
// reused purely as the JSON decode targets for `gh`'s --json output,
// since `gh`'s field names are a close match to the GitHub REST schema.
package githost

import (
	"context"
	"encoding/json"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
)

const cliTimeout = 30 * time.Second

// Client is the PR-lifecycle surface Conductor needs: creating a PR,
// inspecting its CI status, posting and listing comments/reviews, and
// marking it ready for human review.
type Client interface {
	CreatePR(ctx context.Context, dir, title, body, base, head string) (*github.PullRequest, error)
	GetPRByBranch(ctx context.Context, dir, branch string) (*github.PullRequest, error)
	ListOpenPRs(ctx context.Context, dir string) ([]*github.PullRequest, error)
	MarkReadyForReview(ctx context.Context, dir string, prNumber int) error
	RequestReview(ctx context.Context, dir string, prNumber int, reviewers []string) error
	CreateComment(ctx context.Context, dir string, prNumber int, body string) (*github.IssueComment, error)
	ListReviews(ctx context.Context, dir string, prNumber int) ([]*github.PullRequestReview, error)
	ListReviewComments(ctx context.Context, dir string, prNumber int) ([]*github.PullRequestComment, error)
	ListChecks(ctx context.Context, dir string, prNumber int) ([]CheckRun, error)
	GetFailingRunLog(ctx context.Context, dir, checkName string) (string, error)
}

// CheckRun is one CI check's outcome, decoded from `gh pr checks --json`.
type CheckRun struct {
	Name       string `json:"name"`
	State      string `json:"state"`
	Bucket     string `json:"bucket"`
	Link       string `json:"link"`
	Completed  bool
}

// Passed reports whether the check finished successfully.
func (c CheckRun) Passed() bool {
	return strings.EqualFold(c.Bucket, "pass") || strings.EqualFold(c.State, "SUCCESS")
}

// Failed reports whether the check finished unsuccessfully.
func (c CheckRun) Failed() bool {
	return strings.EqualFold(c.Bucket, "fail") || strings.EqualFold(c.State, "FAILURE")
}

// Pending reports whether the check has not yet concluded.
func (c CheckRun) Pending() bool {
	return !c.Passed() && !c.Failed()
}

// cliClient implements Client by shelling out to the `gh` binary.
type cliClient struct {
	run func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// New builds a Client that drives the `gh` CLI found on PATH.
func New() Client {
	return &cliClient{run: runGH}
}

func (c *cliClient) CreatePR(ctx context.Context, dir, title, body, base, head string) (*github.PullRequest, error) {
	out, err := c.run(ctx, dir, "pr", "create",
		"--title", title, "--body", body, "--base", base, "--head", head, "--draft")
	if err != nil {
		return nil, errors.Wrap(err, "gh pr create")
	}
	url := strings.TrimSpace(string(out))
	number := prNumberFromURL(url)
	if number == 0 {
		return nil, errors.Errorf("could not parse PR number from gh pr create output: %s", url)
	}
	return c.getPR(ctx, dir, number)
}

func (c *cliClient) GetPRByBranch(ctx context.Context, dir, branch string) (*github.PullRequest, error) {
	out, err := c.run(ctx, dir, "pr", "view", branch, "--json",
		"number,title,url,state,isDraft,headRefName,baseRefName")
	if err != nil {
		if strings.Contains(err.Error(), "no pull requests found") {
			return nil, nil
		}
		return nil, errors.Wrap(err, "gh pr view")
	}
	return decodePR(out)
}

func (c *cliClient) ListOpenPRs(ctx context.Context, dir string) ([]*github.PullRequest, error) {
	out, err := c.run(ctx, dir, "pr", "list", "--state", "open", "--json",
		"number,title,url,state,isDraft,headRefName,baseRefName")
	if err != nil {
		return nil, errors.Wrap(err, "gh pr list")
	}
	var raw []struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		URL         string `json:"url"`
		State       string `json:"state"`
		IsDraft     bool   `json:"isDraft"`
		HeadRefName string `json:"headRefName"`
		BaseRefName string `json:"baseRefName"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errors.Wrap(err, "decode gh pr list")
	}
	prs := make([]*github.PullRequest, 0, len(raw))
	for _, r := range raw {
		prs = append(prs, &github.PullRequest{
			Number:  github.Ptr(r.Number),
			Title:   github.Ptr(r.Title),
			HTMLURL: github.Ptr(r.URL),
			State:   github.Ptr(strings.ToLower(r.State)),
			Draft:   github.Ptr(r.IsDraft),
			Head:    &github.PullRequestBranch{Ref: github.Ptr(r.HeadRefName)},
			Base:    &github.PullRequestBranch{Ref: github.Ptr(r.BaseRefName)},
		})
	}
	return prs, nil
}

func (c *cliClient) getPR(ctx context.Context, dir string, number int) (*github.PullRequest, error) {
	out, err := c.run(ctx, dir, "pr", "view", strconv.Itoa(number), "--json",
		"number,title,url,state,isDraft,headRefName,baseRefName")
	if err != nil {
		return nil, errors.Wrap(err, "gh pr view")
	}
	return decodePR(out)
}

func (c *cliClient) MarkReadyForReview(ctx context.Context, dir string, prNumber int) error {
	_, err := c.run(ctx, dir, "pr", "ready", strconv.Itoa(prNumber))
	if err != nil {
		return errors.Wrap(err, "gh pr ready")
	}
	return nil
}

func (c *cliClient) RequestReview(ctx context.Context, dir string, prNumber int, reviewers []string) error {
	args := []string{"pr", "edit", strconv.Itoa(prNumber)}
	if len(reviewers) > 0 {
		args = append(args, "--add-reviewer", strings.Join(reviewers, ","))
	}
	if _, err := c.run(ctx, dir, args...); err != nil {
		return errors.Wrap(err, "gh pr edit --add-reviewer")
	}
	return nil
}

func (c *cliClient) CreateComment(ctx context.Context, dir string, prNumber int, body string) (*github.IssueComment, error) {
	out, err := c.run(ctx, dir, "pr", "comment", strconv.Itoa(prNumber), "--body", body)
	if err != nil {
		return nil, errors.Wrap(err, "gh pr comment")
	}
	url := strings.TrimSpace(string(out))
	return &github.IssueComment{Body: github.Ptr(body), HTMLURL: github.Ptr(url)}, nil
}

func (c *cliClient) ListReviews(ctx context.Context, dir string, prNumber int) ([]*github.PullRequestReview, error) {
	out, err := c.run(ctx, dir, "pr", "view", strconv.Itoa(prNumber), "--json", "reviews")
	if err != nil {
		return nil, errors.Wrap(err, "gh pr view reviews")
	}
	var wrapper struct {
		Reviews []struct {
			Author struct {
				Login string `json:"login"`
			} `json:"author"`
			Body  string `json:"body"`
			State string `json:"state"`
		} `json:"reviews"`
	}
	if err := json.Unmarshal(out, &wrapper); err != nil {
		return nil, errors.Wrap(err, "decode gh pr view reviews")
	}
	reviews := make([]*github.PullRequestReview, 0, len(wrapper.Reviews))
	for _, r := range wrapper.Reviews {
		reviews = append(reviews, &github.PullRequestReview{
			Body:  github.Ptr(r.Body),
			State: github.Ptr(r.State),
			User:  &github.User{Login: github.Ptr(r.Author.Login)},
		})
	}
	return reviews, nil
}

func (c *cliClient) ListReviewComments(ctx context.Context, dir string, prNumber int) ([]*github.PullRequestComment, error) {
	out, err := c.run(ctx, dir, "api", "repos/{owner}/{repo}/pulls/"+strconv.Itoa(prNumber)+"/comments")
	if err != nil {
		return nil, errors.Wrap(err, "gh api pulls comments")
	}
	var raw []struct {
		Body string `json:"body"`
		Path string `json:"path"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
		CommitID string `json:"commit_id"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errors.Wrap(err, "decode pulls comments")
	}
	comments := make([]*github.PullRequestComment, 0, len(raw))
	for _, r := range raw {
		comments = append(comments, &github.PullRequestComment{
			Body:     github.Ptr(r.Body),
			Path:     github.Ptr(r.Path),
			CommitID: github.Ptr(r.CommitID),
			User:     &github.User{Login: github.Ptr(r.User.Login)},
		})
	}
	return comments, nil
}

func (c *cliClient) ListChecks(ctx context.Context, dir string, prNumber int) ([]CheckRun, error) {
	out, err := c.run(ctx, dir, "pr", "checks", strconv.Itoa(prNumber), "--json",
		"name,state,bucket,link")
	if err != nil {
		// gh pr checks exits non-zero when any check failed; the JSON
		// output on stdout is still valid and must still be decoded.
		if len(out) == 0 {
			return nil, errors.Wrap(err, "gh pr checks")
		}
	}
	var checks []CheckRun
	if err := json.Unmarshal(out, &checks); err != nil {
		return nil, errors.Wrap(err, "decode gh pr checks")
	}
	return checks, nil
}

// GetFailingRunLog finds the most recent failed workflow run whose name
// contains checkName and returns its failed-step log, ported from
// original_source/conductor/github_monitor.py's get_ci_failure_logs:
// list recent runs, match the failed one by name, then fetch its log.
func (c *cliClient) GetFailingRunLog(ctx context.Context, dir, checkName string) (string, error) {
	out, err := c.run(ctx, dir, "run", "list", "--json",
		"databaseId,name,conclusion", "--limit", "10")
	if err != nil {
		return "", errors.Wrap(err, "gh run list")
	}
	var runs []struct {
		DatabaseID int    `json:"databaseId"`
		Name       string `json:"name"`
		Conclusion string `json:"conclusion"`
	}
	if err := json.Unmarshal(out, &runs); err != nil {
		return "", errors.Wrap(err, "decode gh run list")
	}

	for _, r := range runs {
		if r.Conclusion != "failure" || !strings.Contains(r.Name, checkName) {
			continue
		}
		logOut, err := c.run(ctx, dir, "run", "view", strconv.Itoa(r.DatabaseID), "--log-failed")
		if err != nil {
			return "", errors.Wrap(err, "gh run view --log-failed")
		}
		return string(logOut), nil
	}
	return "", errors.Errorf("no matching failed run found for check %s", checkName)
}

func decodePR(out []byte) (*github.PullRequest, error) {
	var raw struct {
		Number      int    `json:"number"`
		Title       string `json:"title"`
		URL         string `json:"url"`
		State       string `json:"state"`
		IsDraft     bool   `json:"isDraft"`
		HeadRefName string `json:"headRefName"`
		BaseRefName string `json:"baseRefName"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, errors.Wrap(err, "decode pull request")
	}
	return &github.PullRequest{
		Number:  github.Ptr(raw.Number),
		Title:   github.Ptr(raw.Title),
		HTMLURL: github.Ptr(raw.URL),
		State:   github.Ptr(strings.ToLower(raw.State)),
		Draft:   github.Ptr(raw.IsDraft),
		Head:    &github.PullRequestBranch{Ref: github.Ptr(raw.HeadRefName)},
		Base:    &github.PullRequestBranch{Ref: github.Ptr(raw.BaseRefName)},
	}, nil
}

func prNumberFromURL(url string) int {
	idx := strings.LastIndex(url, "/")
	if idx == -1 {
		return 0
	}
	n, _ := strconv.Atoi(url[idx+1:])
	return n
}

func runGH(ctx context.Context, dir string, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, cliTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "gh", args...)
	cmd.Dir = dir
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return out, errors.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return out, err
	}
	return out, nil
}
