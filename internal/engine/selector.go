package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"cibot.dev/cibot/internal/metrics"
)

// PushSelection is the outcome of planning one push
type PushSelection struct {
	// Published holds the tips that get a PUBLISH build, in push order
	Published []CommitID
	// Verify holds the commits that get a VERIFY_COMMIT build, oldest first
	Verify []CommitID
	// Truncated is the number of commits dropped by the verify chain limit
	Truncated int
}

// Builds converts the selection into build requests, publish builds first
func (s PushSelection) Builds(repoID string) []BuildRequest {
	builds := make([]BuildRequest, 0, len(s.Published)+len(s.Verify))
	for _, c := range s.Published {
		builds = append(builds, BuildRequest{RepoID: repoID, Kind: JobPublish, Commit: c, Reason: "push"})
	}
	for _, c := range s.Verify {
		builds = append(builds, BuildRequest{RepoID: repoID, Kind: JobVerifyCommit, Commit: c, Reason: "push"})
	}
	return builds
}

// Selector computes the minimal set of commits a push must build
type Selector struct {
	graph    CommitGraph
	policies PolicyProvider
	logger   *slog.Logger
}

// NewSelector creates a Selector
func NewSelector(graph CommitGraph, policies PolicyProvider, logger *slog.Logger) *Selector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{graph: graph, policies: policies, logger: logger}
}

// Plan selects the commits to build for one push. It validates every change
// and runs the single graph query before returning, so an error means no
// build may be dispatched for the push.
func (s *Selector) Plan(ctx context.Context, policy RepositoryPolicy, changes []RefChange) (PushSelection, error) {
	changes = slices.Clone(changes)
	for i, change := range changes {
		normalized, err := change.Normalize()
		if err != nil {
			return PushSelection{}, err
		}
		changes[i] = normalized
	}

	var sel PushSelection
	published := make(map[CommitID]bool)
	for _, change := range changes {
		if change.Type == RefDelete || !policy.MatchesPublish(change.RefID) {
			continue
		}
		if published[change.ToHash] {
			continue
		}
		published[change.ToHash] = true
		sel.Published = append(sel.Published, change.ToHash)
	}

	if !policy.JobEnabled(JobVerifyCommit) {
		return sel, nil
	}

	verifyBranches, err := s.graph.ListBranchesMatching(ctx, policy.RepoID, policy.VerifyBranchPattern)
	if err != nil {
		return PushSelection{}, fmt.Errorf("failed to list verify branches: %w", err)
	}

	minus := slices.Clone(verifyBranches)
	var plus []string
	for _, change := range changes {
		if !policy.MatchesVerify(change.RefID) {
			continue
		}
		minus = slices.DeleteFunc(minus, func(ref string) bool { return ref == change.RefID })
		switch change.Type {
		case RefDelete:
			minus = append(minus, string(change.FromHash))
		case RefAdd:
			plus = append(plus, string(change.ToHash))
		case RefUpdate:
			minus = append(minus, string(change.FromHash))
			plus = append(plus, string(change.ToHash))
		default:
			return PushSelection{}, fmt.Errorf("unhandled ref change type %q for %s", change.Type, change.RefID)
		}
	}

	if len(plus) == 0 {
		return sel, nil
	}

	commits, err := s.graph.CommitsExcluding(ctx, policy.RepoID, plus, minus)
	if err != nil {
		return PushSelection{}, fmt.Errorf("failed to enumerate new commits: %w", err)
	}

	limit := effectiveChainLimit(ctx, s.policies, policy, s.logger)
	limited := limitChain(commits, limit)
	sel.Truncated = len(commits) - len(limited)
	if sel.Truncated > 0 {
		metrics.TruncatedCommits.Add(float64(sel.Truncated))
		s.logger.Info("verify chain limit reached",
			"repo", policy.RepoID, "limit", limit, "new_commits", len(commits), "skipped", sel.Truncated)
	}

	for _, c := range limited {
		if published[c] {
			s.logger.Debug("commit already published in this push, skipping verify", "repo", policy.RepoID, "commit", c)
			continue
		}
		sel.Verify = append(sel.Verify, c)
	}
	metrics.SelectedCommits.Observe(float64(len(sel.Verify)))
	return sel, nil
}
