package engine

// Event is an inbound event the Router handles. The set is closed: only the
// types in this file implement it.
type Event interface {
	// EventName is the label used in logs and metrics
	EventName() string
	repoID() string
	sealed()
}

// PushEvent carries every ref change of one push
type PushEvent struct {
	RepoID  string
	Changes []RefChange
}

// PullRequestOpened is raised when a pull request is created
type PullRequestOpened struct {
	PullRequest PullRequest
}

// PullRequestRescoped is raised when either side of a pull request moves
type PullRequestRescoped struct {
	PullRequest PullRequest
}

// PullRequestCommented is raised for every new comment on a pull request
type PullRequestCommented struct {
	PullRequest PullRequest
	Text        string
}

// PullRequestMerged is raised after a pull request merges
type PullRequestMerged struct {
	PullRequest PullRequest
	MergeCommit CommitID
}

// BuildStatusReported is raised when a CI server reports on a build
type BuildStatusReported struct {
	Report BuildReport
}

func (PushEvent) EventName() string            { return "push" }
func (PullRequestOpened) EventName() string    { return "pr_opened" }
func (PullRequestRescoped) EventName() string  { return "pr_rescoped" }
func (PullRequestCommented) EventName() string { return "pr_commented" }
func (PullRequestMerged) EventName() string    { return "pr_merged" }
func (BuildStatusReported) EventName() string  { return "build_status" }

func (e PushEvent) repoID() string            { return e.RepoID }
func (e PullRequestOpened) repoID() string    { return e.PullRequest.RepoID }
func (e PullRequestRescoped) repoID() string  { return e.PullRequest.RepoID }
func (e PullRequestCommented) repoID() string { return e.PullRequest.RepoID }
func (e PullRequestMerged) repoID() string    { return e.PullRequest.RepoID }
func (e BuildStatusReported) repoID() string  { return e.Report.RepoID }

func (PushEvent) sealed()            {}
func (PullRequestOpened) sealed()    {}
func (PullRequestRescoped) sealed()  {}
func (PullRequestCommented) sealed() {}
func (PullRequestMerged) sealed()    {}
func (BuildStatusReported) sealed()  {}
