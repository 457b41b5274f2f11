package git

import (
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// goGitMu serializes go-git object access; packfile readers are not safe for concurrent use
var goGitMu sync.Mutex

// Repository wraps a go-git repository
type Repository struct {
	*git.Repository
	path string
}

// OpenRepository opens a git repository at the given path. Both working
// trees and bare repositories are accepted.
func OpenRepository(path string) (*Repository, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	repo, err := git.PlainOpenWithOptions(absPath, &git.PlainOpenOptions{
		DetectDotGit: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open repository %s: %w", absPath, err)
	}

	return &Repository{
		Repository: repo,
		path:       absPath,
	}, nil
}

// Path returns the directory the repository was opened from
func (r *Repository) Path() string {
	return r.path
}

// BranchRefs returns the full names of all local branches, sorted
func (r *Repository) BranchRefs() ([]string, error) {
	goGitMu.Lock()
	defer goGitMu.Unlock()

	branches, err := r.Branches()
	if err != nil {
		return nil, fmt.Errorf("failed to get branches: %w", err)
	}

	var names []string
	err = branches.ForEach(func(ref *plumbing.Reference) error {
		if ref.Name().IsBranch() {
			names = append(names, ref.Name().String())
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to iterate branches: %w", err)
	}

	sort.Strings(names)
	return names, nil
}

// ResolveHash resolves a full ref name, branch name, tag or commit id to a hash
func (r *Repository) ResolveHash(ref string) (plumbing.Hash, error) {
	goGitMu.Lock()
	defer goGitMu.Unlock()

	if isFullHash(ref) {
		return plumbing.NewHash(ref), nil
	}

	// 1. Try as a full reference name
	if strings.HasPrefix(ref, "refs/") {
		if found, err := r.Reference(plumbing.ReferenceName(ref), true); err == nil {
			return found.Hash(), nil
		}
	}

	// 2. Try as a local branch
	if found, err := r.Reference(plumbing.NewBranchReferenceName(ref), true); err == nil {
		return found.Hash(), nil
	}

	// 3. Try as a tag
	if found, err := r.Reference(plumbing.NewTagReferenceName(ref), true); err == nil {
		return found.Hash(), nil
	}

	// 4. Try ResolveRevision (short SHAs, HEAD~1 and friends)
	hash, err := r.ResolveRevision(plumbing.Revision(ref))
	if err == nil {
		return *hash, nil
	}

	return plumbing.ZeroHash, fmt.Errorf("failed to resolve ref %s: reference not found", ref)
}

func isFullHash(s string) bool {
	if len(s) != 40 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
