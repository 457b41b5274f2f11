package testhelpers

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const textFileName = "test.txt"

// epoch is the committer time of the first commit in every test repository
var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

// GitRepo is a git repository built in-process with go-git, so tests do not
// depend on a git binary. Commit times advance one minute per commit.
type GitRepo struct {
	Dir  string
	Repo *git.Repository

	commits int
	skew    time.Duration
}

// NewGitRepo initializes a new repository with main as its initial branch
func NewGitRepo(dir string) (*GitRepo, error) {
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to init repo: %w", err)
	}
	return &GitRepo{Dir: dir, Repo: repo}, nil
}

func (r *GitRepo) signature() *object.Signature {
	return &object.Signature{
		Name:  "cibot-test",
		Email: "cibot-test@example.com",
		When:  epoch.Add(time.Duration(r.commits)*time.Minute + r.skew),
	}
}

// ShiftClock moves the committer time of every later commit by d
func (r *GitRepo) ShiftClock(d time.Duration) {
	r.skew += d
}

// CreateChangeAndCommit writes textValue to a file and commits it on the
// current branch, returning the new commit hash
func (r *GitRepo) CreateChangeAndCommit(textValue string, prefix string) (string, error) {
	wt, err := r.Repo.Worktree()
	if err != nil {
		return "", err
	}
	name := textFileName
	if prefix != "" {
		name = prefix + "_" + textFileName
	}
	if err := os.WriteFile(filepath.Join(r.Dir, name), []byte(textValue), 0600); err != nil {
		return "", err
	}
	if _, err := wt.Add(name); err != nil {
		return "", fmt.Errorf("failed to stage %s: %w", name, err)
	}
	sig := r.signature()
	r.commits++
	hash, err := wt.Commit(textValue, &git.CommitOptions{Author: sig, Committer: sig, AllowEmptyCommits: true})
	if err != nil {
		return "", fmt.Errorf("failed to commit: %w", err)
	}
	return hash.String(), nil
}

// CommitOn checks out branch and commits a change on it
func (r *GitRepo) CommitOn(branch, message string) (string, error) {
	if err := r.CheckoutBranch(branch); err != nil {
		return "", err
	}
	return r.CreateChangeAndCommit(message, "")
}

// CommitChain adds n commits on branch and returns them oldest first
func (r *GitRepo) CommitChain(branch, prefix string, n int) ([]string, error) {
	if err := r.CheckoutBranch(branch); err != nil {
		return nil, err
	}
	out := make([]string, 0, n)
	for i := range n {
		sha, err := r.CreateChangeAndCommit(fmt.Sprintf("%s %d", prefix, i), "")
		if err != nil {
			return nil, err
		}
		out = append(out, sha)
	}
	return out, nil
}

// CreateAndCheckoutBranch creates a branch at HEAD and checks it out
func (r *GitRepo) CreateAndCheckoutBranch(name string) error {
	wt, err := r.Repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name), Create: true})
}

// CheckoutBranch checks out an existing branch
func (r *GitRepo) CheckoutBranch(name string) error {
	wt, err := r.Repo.Worktree()
	if err != nil {
		return err
	}
	return wt.Checkout(&git.CheckoutOptions{Branch: plumbing.NewBranchReferenceName(name)})
}

// SetBranch points a branch at sha, creating it if necessary
func (r *GitRepo) SetBranch(name, sha string) error {
	ref := plumbing.NewHashReference(plumbing.NewBranchReferenceName(name), plumbing.NewHash(sha))
	return r.Repo.Storer.SetReference(ref)
}

// DeleteBranch removes a branch ref
func (r *GitRepo) DeleteBranch(name string) error {
	return r.Repo.Storer.RemoveReference(plumbing.NewBranchReferenceName(name))
}

// GetBranchSHA returns the commit a branch points at
func (r *GitRepo) GetBranchSHA(branch string) (string, error) {
	ref, err := r.Repo.Reference(plumbing.NewBranchReferenceName(branch), true)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", branch, err)
	}
	return ref.Hash().String(), nil
}

// GetLocalBranches returns the short names of all local branches, sorted
func (r *GitRepo) GetLocalBranches() ([]string, error) {
	iter, err := r.Repo.Branches()
	if err != nil {
		return nil, err
	}
	var names []string
	err = iter.ForEach(func(ref *plumbing.Reference) error {
		names = append(names, ref.Name().Short())
		return nil
	})
	sort.Strings(names)
	return names, err
}

// MergeBranch creates a merge commit of mergeIn into branch and returns its hash
func (r *GitRepo) MergeBranch(branch, mergeIn string) (string, error) {
	head, err := r.GetBranchSHA(branch)
	if err != nil {
		return "", err
	}
	other, err := r.GetBranchSHA(mergeIn)
	if err != nil {
		return "", err
	}
	headCommit, err := r.Repo.CommitObject(plumbing.NewHash(head))
	if err != nil {
		return "", err
	}

	sig := r.signature()
	r.commits++
	commit := &object.Commit{
		Author:       *sig,
		Committer:    *sig,
		Message:      fmt.Sprintf("Merge %s into %s", mergeIn, branch),
		TreeHash:     headCommit.TreeHash,
		ParentHashes: []plumbing.Hash{plumbing.NewHash(head), plumbing.NewHash(other)},
	}
	obj := r.Repo.Storer.NewEncodedObject()
	if err := commit.Encode(obj); err != nil {
		return "", err
	}
	hash, err := r.Repo.Storer.SetEncodedObject(obj)
	if err != nil {
		return "", err
	}
	if err := r.SetBranch(branch, hash.String()); err != nil {
		return "", err
	}
	return hash.String(), nil
}
