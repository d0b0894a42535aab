package sync

import (
	"context"
	"fmt"

	"github.com/google/go-github/v68/github"
	"github.com/pkg/errors"
)

// HostingClient is the "hosting-service client" boundary of spec.md §6:
// fetchPullRequestView(owner, repo, pr_number) -> json. Modeled as an
// interface, matching the teacher's ghclient.Client pattern, so tests can
// substitute a fake without a live GitHub connection.
type HostingClient interface {
	FetchPullRequestView(ctx context.Context, owner, repo string, prNumber int64) (PRView, error)
}

// ghClient is the production HostingClient, backed by go-github. It
// assembles a PRView from the REST "list reviews" + "list check runs"
// calls (first page of each), since go-github has no single GraphQL-shaped
// PR-view call; ReviewDecision is not populated. The teacher's
// ghclient.client wraps the same library for the review/comment surface it
// needs.
type ghClient struct {
	gh *github.Client
}

// NewGitHubClient builds a HostingClient backed by a personal access
// token, matching the teacher's ghclient.NewClient shape. Returns nil if
// token is empty, mirroring the teacher's guard against constructing a
// client with no credentials.
func NewGitHubClient(token string) HostingClient {
	if token == "" {
		return nil
	}
	return &ghClient{gh: github.NewClient(nil).WithAuthToken(token)}
}

// NewGitHubClientWithClient wraps an already-constructed *github.Client,
// the teacher's test-injection point (ghclient.NewClientWithGitHub).
func NewGitHubClientWithClient(gh *github.Client) HostingClient {
	return &ghClient{gh: gh}
}

func (c *ghClient) FetchPullRequestView(ctx context.Context, owner, repo string, prNumber int64) (PRView, error) {
	view := PRView{Number: prNumber}

	reviews, _, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, int(prNumber), nil)
	if err != nil {
		return PRView{}, errors.Wrap(err, "sync: list reviews")
	}
	for _, r := range reviews {
		view.Reviews = append(view.Reviews, Review{State: r.GetState()})
	}

	checks, _, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, fmt.Sprintf("refs/pull/%d/head", prNumber), nil)
	if err != nil {
		return PRView{}, errors.Wrap(err, "sync: list check runs")
	}
	if checks != nil {
		for _, run := range checks.CheckRuns {
			view.StatusCheckRollup = append(view.StatusCheckRollup, StatusCheck{
				Conclusion: run.GetConclusion(),
				State:      run.GetStatus(),
			})
		}
	}

	return view, nil
}
