package github

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/go-github/v62/github"

	"cibot.dev/cibot/internal/engine"
)

// StatusContextPrefix prefixes the context of every commit status cibot posts
const StatusContextPrefix = "cibot/"

const (
	statusSuccess = "success"
	statusFailure = "failure"
	statusError   = "error"
	statusPending = "pending"
)

// pullRequestContext is the status context of pull request merge builds.
// Those statuses sit on the source tip but describe the merge result.
var pullRequestContext = StatusContextPrefix + engine.JobVerifyPR.String()

// BuildSummary implements engine.BuildSummaries from the commit's combined status.
// A commit GitHub does not know yet has an empty summary. Pull request merge
// builds never count as builds of the commit itself.
func (c *Client) BuildSummary(ctx context.Context, repoID string, commit engine.CommitID) (engine.BuildSummary, error) {
	repo, err := c.repository(repoID)
	if err != nil {
		return engine.BuildSummary{}, err
	}

	var summary engine.BuildSummary
	opts := &github.ListOptions{PerPage: 100}
	for {
		combined, resp, err := c.gh.Repositories.GetCombinedStatus(ctx, repo.Owner, repo.Name, string(commit), opts)
		if IsNotFound(err) {
			return summary, nil
		}
		if err != nil {
			return engine.BuildSummary{}, fmt.Errorf("failed to get combined status for %s: %w", commit.Short(8), err)
		}
		for _, status := range combined.Statuses {
			if status.GetContext() == pullRequestContext {
				continue
			}
			switch status.GetState() {
			case statusSuccess:
				summary.Successful++
			case statusFailure, statusError:
				summary.Failed++
			case statusPending:
				summary.InProgress++
			}
		}
		if resp.NextPage == 0 {
			return summary, nil
		}
		opts.Page = resp.NextPage
	}
}

// NotifyBuild implements engine.Notifier. Every report becomes a commit
// status; pull request builds also get a comment on the pull request.
func (c *Client) NotifyBuild(ctx context.Context, report engine.BuildReport) error {
	repo, err := c.repository(report.RepoID)
	if err != nil {
		return err
	}

	target := report.BuildHead
	if report.IsPullRequest() {
		target = report.MergeHead
	}
	status := &github.RepoStatus{
		State:       github.String(statusState(report.State)),
		Context:     github.String(StatusContextPrefix + report.Kind.String()),
		Description: github.String(fmt.Sprintf("Build #%d %s", report.BuildNumber, report.State)),
	}
	if link := c.retriggerURL(report); link != "" {
		status.TargetURL = github.String(link)
	}
	if _, _, err := c.gh.Repositories.CreateStatus(ctx, repo.Owner, repo.Name, string(target), status); err != nil {
		return fmt.Errorf("failed to create status on %s: %w", target.Short(8), err)
	}

	if !report.IsPullRequest() {
		return nil
	}
	comment := &github.IssueComment{Body: github.String(c.BuildComment(report))}
	if _, _, err := c.gh.Issues.CreateComment(ctx, repo.Owner, repo.Name, int(report.PullRequestID), comment); err != nil {
		return fmt.Errorf("failed to comment on pull request #%d: %w", report.PullRequestID, err)
	}
	c.logger.Debug("posted build comment", "repo", report.RepoID, "pr", report.PullRequestID, "state", report.State.String())
	return nil
}

func statusState(state engine.BuildState) string {
	switch state {
	case engine.BuildSuccessful:
		return statusSuccess
	case engine.BuildFailed:
		return statusFailure
	default:
		return statusPending
	}
}

// BuildComment renders the pull request comment for a build report.
// Note the merge head is the pull request's commit being merged into the
// target commit the build checked out.
func (c *Client) BuildComment(report engine.BuildReport) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "*Build #%d (merging %s into %s) ",
		report.BuildNumber, report.MergeHead.Short(4), report.BuildHead.Short(4))
	switch report.State {
	case engine.BuildInProgress:
		sb.WriteString("is in progress...*")
	case engine.BuildSuccessful:
		sb.WriteString("has **passed** ✓.*")
	case engine.BuildFailed:
		sb.WriteString("has* **FAILED** ✖.")
		if link := c.retriggerURL(report); link != "" {
			fmt.Fprintf(&sb, " [*Retrigger this build*](%s)", link)
		}
	}
	return sb.String()
}

func (c *Client) retriggerURL(report engine.BuildReport) string {
	if c.publicURL == "" {
		return ""
	}
	u := fmt.Sprintf("%s/build/trigger/%s/%s/%s", c.publicURL, report.RepoID, report.Kind, report.BuildHead)
	if report.IsPullRequest() {
		u += fmt.Sprintf("/%s/%d", report.MergeHead, report.PullRequestID)
	}
	return u
}
