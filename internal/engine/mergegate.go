package engine

import (
	"context"
	"fmt"
	"log/slog"

	"cibot.dev/cibot/internal/metrics"
)

const (
	// DefaultStrictPageSize is the number of commits fetched per page in strict mode
	DefaultStrictPageSize = 100

	vetoSummary = "Green build required to merge"
	vetoDetail  = "Either retrigger the build so it succeeds, or add a comment with the string '" +
		OverrideMarker + "' to override the requirement"
	errorSummary = "Unable to evaluate merge requirements"
)

// Verdict is the merge gate's answer for one pull request
type Verdict struct {
	Allowed bool     `json:"allowed"`
	Summary string   `json:"summary,omitempty"`
	Detail  string   `json:"detail,omitempty"`
	Commit  CommitID `json:"commit,omitempty"`
}

func allow() Verdict {
	return Verdict{Allowed: true}
}

func veto(summary, detail string) Verdict {
	return Verdict{Summary: summary, Detail: detail}
}

func vetoError(err error) Verdict {
	return veto(errorSummary, err.Error())
}

// MergeGate decides whether a pull request may merge
type MergeGate struct {
	policies  PolicyProvider
	metadata  MetadataStore
	commits   PullRequestCommits
	summaries BuildSummaries
	pageSize  int
	logger    *slog.Logger
}

// MergeGateOption configures a MergeGate
type MergeGateOption func(*MergeGate)

// WithStrictMode supplies the collaborators strict verify mode needs
func WithStrictMode(commits PullRequestCommits, summaries BuildSummaries) MergeGateOption {
	return func(g *MergeGate) {
		g.commits = commits
		g.summaries = summaries
	}
}

// WithPageSize overrides the strict mode page size
func WithPageSize(n int) MergeGateOption {
	return func(g *MergeGate) {
		if n > 0 {
			g.pageSize = n
		}
	}
}

// NewMergeGate creates a MergeGate
func NewMergeGate(policies PolicyProvider, metadata MetadataStore, logger *slog.Logger, opts ...MergeGateOption) *MergeGate {
	if logger == nil {
		logger = slog.Default()
	}
	g := &MergeGate{
		policies: policies,
		metadata: metadata,
		pageSize: DefaultStrictPageSize,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Evaluate recomputes mergeability from the current policy and metadata.
// Failures never allow a merge.
func (g *MergeGate) Evaluate(ctx context.Context, pr PullRequest) Verdict {
	v := g.evaluate(ctx, pr)
	decision := "allow"
	if !v.Allowed {
		decision = "veto"
	}
	metrics.MergeDecisions.WithLabelValues(decision).Inc()
	g.logger.Debug("merge gate evaluated", "repo", pr.RepoID, "pr", pr.ID, "decision", decision, "summary", v.Summary)
	return v
}

func (g *MergeGate) evaluate(ctx context.Context, pr PullRequest) Verdict {
	policy, err := g.policies.RepositoryPolicy(ctx, pr.RepoID)
	if err != nil {
		g.logger.Error("failed to load repository policy for merge check", "repo", pr.RepoID, "pr", pr.ID, "error", err)
		return vetoError(err)
	}
	if !policy.CIEnabled {
		return allow()
	}
	if !policy.MatchesVerify(pr.ToRef.ID) {
		return allow()
	}

	if policy.StrictVerifyMode {
		commit, err := g.firstUnbuiltCommit(ctx, pr)
		if err != nil {
			g.logger.Error("strict verify check failed", "repo", pr.RepoID, "pr", pr.ID, "error", err)
			return vetoError(err)
		}
		if commit != "" {
			v := veto(vetoSummary, fmt.Sprintf("Commit %s has no successful build. %s", commit, vetoDetail))
			v.Commit = commit
			return v
		}
	}

	satisfied, err := g.satisfied(ctx, policy, pr)
	if err != nil {
		g.logger.Error("failed to read pull request metadata", "repo", pr.RepoID, "pr", pr.ID, "error", err)
		return vetoError(err)
	}
	if satisfied {
		return allow()
	}
	return veto(vetoSummary, vetoDetail)
}

func (g *MergeGate) satisfied(ctx context.Context, policy RepositoryPolicy, pr PullRequest) (bool, error) {
	if policy.RebuildOnTargetUpdate {
		row, err := g.metadata.GetOrCreate(ctx, pr.Key())
		if err != nil {
			return false, err
		}
		return row.Satisfied(), nil
	}

	rows, err := g.metadata.ListByFromSha(ctx, pr.RepoID, pr.ID, pr.FromRef.LatestCommit)
	if err != nil {
		return false, err
	}
	if len(rows) == 0 {
		row, err := g.metadata.GetOrCreate(ctx, pr.Key())
		if err != nil {
			return false, err
		}
		rows = append(rows, row)
	}
	for _, row := range rows {
		if row.Satisfied() {
			return true, nil
		}
	}
	return false, nil
}

// firstUnbuiltCommit pages through the pull request's commits and returns the
// first one with no successful build, or "" when every commit has one
func (g *MergeGate) firstUnbuiltCommit(ctx context.Context, pr PullRequest) (CommitID, error) {
	if g.commits == nil || g.summaries == nil {
		return "", fmt.Errorf("strict verify mode is enabled for %s but no commit source is configured", pr.RepoID)
	}
	page := PageRequest{Start: 0, Limit: g.pageSize}
	for {
		result, err := g.commits.PullRequestCommits(ctx, pr, page)
		if err != nil {
			return "", fmt.Errorf("failed to list pull request commits: %w", err)
		}
		for _, commit := range result.Commits {
			summary, err := g.summaries.BuildSummary(ctx, pr.RepoID, commit)
			if err != nil {
				return "", fmt.Errorf("failed to read build summary for %s: %w", commit, err)
			}
			if summary.Successful == 0 {
				return commit, nil
			}
		}
		if result.IsLastPage || len(result.Commits) == 0 || result.NextStart <= page.Start {
			return "", nil
		}
		page.Start = result.NextStart
	}
}
