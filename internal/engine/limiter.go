package engine

import (
	"context"
	"log/slog"
)

// ResolveVerifyChainLimit combines repository and server limits, 0 meaning unlimited
func ResolveVerifyChainLimit(repoLimit, serverLimit int) int {
	switch {
	case serverLimit == 0:
		return repoLimit
	case repoLimit == 0:
		return serverLimit
	case repoLimit < serverLimit:
		return repoLimit
	default:
		return serverLimit
	}
}

// effectiveChainLimit reads the server limit for the repository, falling back
// to the repository limit alone when the server policy cannot be loaded
func effectiveChainLimit(ctx context.Context, policies PolicyProvider, policy RepositoryPolicy, logger *slog.Logger) int {
	server, err := policies.ServerPolicy(ctx, policy.RepoID)
	if err != nil {
		logger.Warn("failed to load server policy, using repository verify chain limit",
			"repo", policy.RepoID, "limit", policy.MaxVerifyChain, "error", err)
		return policy.MaxVerifyChain
	}
	return ResolveVerifyChainLimit(policy.MaxVerifyChain, server.MaxVerifyChain)
}

// limitChain keeps the n most recent commits of an oldest-first list
func limitChain(commits []CommitID, n int) []CommitID {
	if n <= 0 || len(commits) <= n {
		return commits
	}
	return commits[len(commits)-n:]
}
