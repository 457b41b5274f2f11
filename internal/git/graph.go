package git

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"sync"

	"github.com/go-git/go-git/v5/plumbing"

	"cibot.dev/cibot/internal/engine"
)

// PathResolver maps a repository id to its location on disk
type PathResolver interface {
	RepositoryPath(repoID string) (string, error)
}

// Graph answers commit graph queries over local repositories
type Graph struct {
	paths  PathResolver
	logger *slog.Logger

	mu    sync.Mutex
	repos map[string]*Repository
}

// NewGraph creates a Graph
func NewGraph(paths PathResolver, logger *slog.Logger) *Graph {
	if logger == nil {
		logger = slog.Default()
	}
	return &Graph{
		paths:  paths,
		logger: logger,
		repos:  make(map[string]*Repository),
	}
}

// Repository opens (or returns the cached) repository for repoID
func (g *Graph) Repository(repoID string) (*Repository, error) {
	path, err := g.paths.RepositoryPath(repoID)
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if repo, ok := g.repos[path]; ok {
		return repo, nil
	}
	repo, err := OpenRepository(path)
	if err != nil {
		return nil, err
	}
	g.repos[path] = repo
	return repo, nil
}

// ListBranchesMatching returns the full names of branches matching pattern.
// A nil pattern matches nothing.
func (g *Graph) ListBranchesMatching(_ context.Context, repoID string, pattern *regexp.Regexp) ([]string, error) {
	if pattern == nil {
		return nil, nil
	}
	repo, err := g.Repository(repoID)
	if err != nil {
		return nil, err
	}
	refs, err := repo.BranchRefs()
	if err != nil {
		return nil, err
	}
	var matched []string
	for _, ref := range refs {
		if pattern.MatchString(ref) {
			matched = append(matched, ref)
		}
	}
	return matched, nil
}

// CommitsExcluding returns commits reachable from include but not from
// exclude, oldest first. An exclude tip that no longer resolves is skipped;
// an include tip that does not resolve is an error.
func (g *Graph) CommitsExcluding(ctx context.Context, repoID string, include, exclude []string) ([]engine.CommitID, error) {
	if len(include) == 0 {
		return nil, nil
	}
	repo, err := g.Repository(repoID)
	if err != nil {
		return nil, err
	}

	plus := make([]plumbing.Hash, 0, len(include))
	for _, tip := range include {
		h, err := repo.ResolveHash(tip)
		if err != nil {
			return nil, err
		}
		plus = append(plus, h)
	}
	minus := make([]plumbing.Hash, 0, len(exclude))
	for _, tip := range exclude {
		h, err := repo.ResolveHash(tip)
		if err != nil {
			g.logger.Debug("skipping unresolvable exclude tip", "repo", repoID, "tip", tip, "error", err)
			continue
		}
		if !g.hasCommit(repo, h) {
			g.logger.Debug("skipping missing exclude commit", "repo", repoID, "tip", tip)
			continue
		}
		minus = append(minus, h)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	commits, err := walkExcluding(repo, plus, minus)
	if err != nil {
		return nil, fmt.Errorf("failed to walk commits: %w", err)
	}

	ids := make([]engine.CommitID, 0, len(commits))
	for _, c := range commits {
		ids = append(ids, engine.CommitID(c.Hash.String()))
	}
	return ids, nil
}

// PullRequestCommits pages through the commits on the pull request's source
// that its target does not contain, oldest first
func (g *Graph) PullRequestCommits(ctx context.Context, pr engine.PullRequest, page engine.PageRequest) (engine.CommitPage, error) {
	commits, err := g.CommitsExcluding(ctx, pr.RepoID,
		[]string{string(pr.FromRef.LatestCommit)}, []string{string(pr.ToRef.LatestCommit)})
	if err != nil {
		return engine.CommitPage{}, err
	}
	start := min(max(page.Start, 0), len(commits))
	end := len(commits)
	if page.Limit > 0 {
		end = min(start+page.Limit, len(commits))
	}
	return engine.CommitPage{
		Commits:    commits[start:end],
		IsLastPage: end >= len(commits),
		NextStart:  end,
	}, nil
}

func (g *Graph) hasCommit(repo *Repository, h plumbing.Hash) bool {
	goGitMu.Lock()
	defer goGitMu.Unlock()
	_, err := repo.CommitObject(h)
	return err == nil
}
