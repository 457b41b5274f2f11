package engine

import (
	"context"
	"regexp"
)

// PolicyProvider supplies repository and CI server configuration
type PolicyProvider interface {
	RepositoryPolicy(ctx context.Context, repoID string) (RepositoryPolicy, error)
	ServerPolicy(ctx context.Context, repoID string) (ServerPolicy, error)
}

// CommitGraph answers reachability questions about a repository
type CommitGraph interface {
	// ListBranchesMatching returns full ref names (refs/heads/...) matching pattern
	ListBranchesMatching(ctx context.Context, repoID string, pattern *regexp.Regexp) ([]string, error)
	// CommitsExcluding returns commits reachable from any include tip but from
	// no exclude tip, oldest first. Tips are ref names or commit ids.
	CommitsExcluding(ctx context.Context, repoID string, include, exclude []string) ([]CommitID, error)
}

// Dispatcher starts builds on a CI server
type Dispatcher interface {
	DispatchBuild(ctx context.Context, req BuildRequest) error
}

// MetadataStore persists pull request build metadata.
// Writes are last-writer-wins per field.
type MetadataStore interface {
	// GetOrCreate returns the row for key, creating it with all flags false
	GetOrCreate(ctx context.Context, key MetadataKey) (PullRequestMetadata, error)
	// ListByFromSha returns every row for the pull request with the given fromSha
	ListByFromSha(ctx context.Context, repoID string, prID int64, fromSha CommitID) ([]PullRequestMetadata, error)
	// Update applies a partial update, creating the row if needed
	Update(ctx context.Context, key MetadataKey, update MetadataUpdate) error
}

// BuildSummaries aggregates build results per commit
type BuildSummaries interface {
	BuildSummary(ctx context.Context, repoID string, commit CommitID) (BuildSummary, error)
}

// PullRequestCommits pages through the commits a pull request introduces
type PullRequestCommits interface {
	PullRequestCommits(ctx context.Context, pr PullRequest, page PageRequest) (CommitPage, error)
}

// BuildLedger records build reports that carry no pull request context
type BuildLedger interface {
	RecordBuild(ctx context.Context, report BuildReport) error
}

// Notifier publishes a build report back to the source-control server
type Notifier interface {
	NotifyBuild(ctx context.Context, report BuildReport) error
}
