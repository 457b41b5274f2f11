package github

import (
	"context"
	"fmt"

	"github.com/google/go-github/v62/github"

	"cibot.dev/cibot/internal/engine"
)

// maxPerPage is the largest page GitHub serves for list endpoints
const maxPerPage = 100

// PullRequestCommits implements engine.PullRequestCommits with the pull
// request commits API. GitHub pages by number, so Start must be a multiple
// of Limit, which is capped at the GitHub page maximum.
func (c *Client) PullRequestCommits(ctx context.Context, pr engine.PullRequest, page engine.PageRequest) (engine.CommitPage, error) {
	repo, err := c.repository(pr.RepoID)
	if err != nil {
		return engine.CommitPage{}, err
	}
	limit := page.Limit
	if limit <= 0 {
		limit = engine.DefaultStrictPageSize
	}
	limit = min(limit, maxPerPage)
	if page.Start%limit != 0 {
		return engine.CommitPage{}, fmt.Errorf("page start %d is not a multiple of %d", page.Start, limit)
	}

	commits, resp, err := c.gh.PullRequests.ListCommits(ctx, repo.Owner, repo.Name, int(pr.ID), &github.ListOptions{
		Page:    page.Start/limit + 1,
		PerPage: limit,
	})
	if err != nil {
		return engine.CommitPage{}, fmt.Errorf("failed to list commits of pull request #%d: %w", pr.ID, err)
	}

	out := engine.CommitPage{
		Commits:    make([]engine.CommitID, 0, len(commits)),
		IsLastPage: resp.NextPage == 0,
		NextStart:  page.Start + limit,
	}
	for _, commit := range commits {
		out.Commits = append(out.Commits, engine.CommitID(commit.GetSHA()))
	}
	return out, nil
}
