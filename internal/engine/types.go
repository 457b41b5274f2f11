package engine

import (
	"fmt"
	"regexp"
	"strings"

	cierrors "cibot.dev/cibot/internal/errors"
)

// OverrideMarker is the comment text that overrides the merge gate
const OverrideMarker = "==OVERRIDE=="

// JobKind is the kind of CI job a build runs
type JobKind int

const (
	// JobVerifyCommit verifies a single pushed commit
	JobVerifyCommit JobKind = iota + 1
	// JobVerifyPR verifies the prospective merge of a pull request
	JobVerifyPR
	// JobPublish builds and ships artifacts from a publish branch
	JobPublish
)

// AllJobKinds lists every job kind in a stable order
var AllJobKinds = []JobKind{JobVerifyCommit, JobVerifyPR, JobPublish}

// String returns the job kind's wire name
func (k JobKind) String() string {
	switch k {
	case JobVerifyCommit:
		return "verification"
	case JobVerifyPR:
		return "verify_pr"
	case JobPublish:
		return "publish"
	default:
		return fmt.Sprintf("JobKind(%d)", int(k))
	}
}

// ParseJobKind parses a wire name (case-insensitive) into a JobKind
func ParseJobKind(s string) (JobKind, error) {
	switch strings.ToLower(s) {
	case "verification", "verify_commit":
		return JobVerifyCommit, nil
	case "verify_pr":
		return JobVerifyPR, nil
	case "publish":
		return JobPublish, nil
	default:
		return 0, fmt.Errorf("%w: %q", cierrors.ErrUnknownJobKind, s)
	}
}

// RefChangeType is the kind of update a push applied to a ref
type RefChangeType string

const (
	RefAdd    RefChangeType = "ADD"
	RefUpdate RefChangeType = "UPDATE"
	RefDelete RefChangeType = "DELETE"
)

// BuildState is the state a CI server reports for a build
type BuildState int

const (
	BuildInProgress BuildState = iota + 1
	BuildSuccessful
	BuildFailed
)

func (s BuildState) String() string {
	switch s {
	case BuildInProgress:
		return "inprogress"
	case BuildSuccessful:
		return "successful"
	case BuildFailed:
		return "failed"
	default:
		return fmt.Sprintf("BuildState(%d)", int(s))
	}
}

// ParseBuildState parses "successful", "failed" or "inprogress" (case-insensitive)
func ParseBuildState(s string) (BuildState, error) {
	switch strings.ToLower(s) {
	case "inprogress":
		return BuildInProgress, nil
	case "successful":
		return BuildSuccessful, nil
	case "failed":
		return BuildFailed, nil
	default:
		return 0, fmt.Errorf("%w: %q", cierrors.ErrUnknownBuildState, s)
	}
}

// CommitID is a full 40 character hex commit hash
type CommitID string

// ZeroCommit is the all-zero hash git uses for a missing side of a ref update
const ZeroCommit CommitID = "0000000000000000000000000000000000000000"

// ParseCommitID validates and normalizes a commit id
func ParseCommitID(s string) (CommitID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) != 40 {
		return "", fmt.Errorf("%w: %q", cierrors.ErrInvalidCommitID, s)
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return "", fmt.Errorf("%w: %q", cierrors.ErrInvalidCommitID, s)
		}
	}
	return CommitID(s), nil
}

// IsZero reports whether the id is empty or the all-zero hash
func (c CommitID) IsZero() bool {
	return c == "" || c == ZeroCommit
}

// Short returns the first n characters of the id
func (c CommitID) Short(n int) string {
	if len(c) <= n {
		return string(c)
	}
	return string(c[:n])
}

// RefChange is one ref update from a single push
type RefChange struct {
	RefID    string
	Type     RefChangeType
	FromHash CommitID
	ToHash   CommitID
}

// Validate checks the change type and the hashes that type uses
func (c RefChange) Validate() error {
	_, err := c.Normalize()
	return err
}

// Normalize validates the change and returns it with the hashes its type
// uses in canonical lower-case form
func (c RefChange) Normalize() (RefChange, error) {
	if c.RefID == "" {
		return RefChange{}, cierrors.NewRefChangeError(c.RefID, "empty ref id", cierrors.ErrInvalidCommitID)
	}
	var err error
	switch c.Type {
	case RefAdd:
		if c.ToHash, err = ParseCommitID(string(c.ToHash)); err != nil {
			return RefChange{}, cierrors.NewRefChangeError(c.RefID, "toHash", err)
		}
	case RefUpdate:
		if c.FromHash, err = ParseCommitID(string(c.FromHash)); err != nil {
			return RefChange{}, cierrors.NewRefChangeError(c.RefID, "fromHash", err)
		}
		if c.ToHash, err = ParseCommitID(string(c.ToHash)); err != nil {
			return RefChange{}, cierrors.NewRefChangeError(c.RefID, "toHash", err)
		}
	case RefDelete:
		if c.FromHash, err = ParseCommitID(string(c.FromHash)); err != nil {
			return RefChange{}, cierrors.NewRefChangeError(c.RefID, "fromHash", err)
		}
	default:
		return RefChange{}, cierrors.NewRefChangeError(c.RefID, string(c.Type), cierrors.ErrUnknownRefChangeType)
	}
	return c, nil
}

// RepositoryPolicy is the CI configuration of one repository
type RepositoryPolicy struct {
	RepoID                string
	CIEnabled             bool
	VerifyBranchPattern   *regexp.Regexp
	PublishBranchPattern  *regexp.Regexp
	MaxVerifyChain        int
	RebuildOnTargetUpdate bool
	StrictVerifyMode      bool
	EnabledJobs           map[JobKind]bool
}

// JobEnabled reports whether the job kind is enabled for the repository
func (p RepositoryPolicy) JobEnabled(kind JobKind) bool {
	return p.EnabledJobs[kind]
}

// MatchesVerify reports whether a ref matches the verify pattern
func (p RepositoryPolicy) MatchesVerify(refID string) bool {
	return p.VerifyBranchPattern != nil && p.VerifyBranchPattern.MatchString(refID)
}

// MatchesPublish reports whether a ref matches the publish pattern
func (p RepositoryPolicy) MatchesPublish(refID string) bool {
	return p.PublishBranchPattern != nil && p.PublishBranchPattern.MatchString(refID)
}

// CompileBranchPattern compiles a pattern that must match a whole ref name.
// An empty pattern compiles to nil, which matches nothing.
func CompileBranchPattern(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile("^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("invalid branch pattern %q: %w", pattern, err)
	}
	return re, nil
}

// ServerPolicy is the configuration of the CI server a repository builds on
type ServerPolicy struct {
	Name           string
	MaxVerifyChain int
}

// Ref is one side of a pull request
type Ref struct {
	ID           string
	LatestCommit CommitID
}

// PullRequest is the subset of a pull request the engine reads
type PullRequest struct {
	RepoID  string
	ID      int64
	FromRef Ref
	ToRef   Ref
}

// Key returns the metadata identity of the pull request's current diff
func (pr PullRequest) Key() MetadataKey {
	return MetadataKey{
		RepoID:        pr.RepoID,
		PullRequestID: pr.ID,
		FromSha:       pr.FromRef.LatestCommit,
		ToSha:         pr.ToRef.LatestCommit,
	}
}

func (pr PullRequest) String() string {
	return fmt.Sprintf("%s#%d (%s@%s -> %s@%s)", pr.RepoID, pr.ID,
		pr.FromRef.ID, pr.FromRef.LatestCommit.Short(8), pr.ToRef.ID, pr.ToRef.LatestCommit.Short(8))
}

// MetadataKey identifies one version of a pull request's diff
type MetadataKey struct {
	RepoID        string   `json:"repoId"`
	PullRequestID int64    `json:"pullRequestId"`
	FromSha       CommitID `json:"fromSha"`
	ToSha         CommitID `json:"toSha"`
}

// PullRequestMetadata is the build state of one pull request diff version
type PullRequestMetadata struct {
	MetadataKey
	BuildStarted bool `json:"buildStarted"`
	Success      bool `json:"success"`
	Failed       bool `json:"failed"`
	Override     bool `json:"override"`
}

// Satisfied reports whether the row lets the pull request merge
func (m PullRequestMetadata) Satisfied() bool {
	return m.Success || m.Override
}

// MetadataUpdate is a partial update; nil fields leave stored values unchanged
type MetadataUpdate struct {
	BuildStarted *bool
	Success      *bool
	Failed       *bool
	Override     *bool
}

// Apply returns m with the non-nil fields of u written over it
func (u MetadataUpdate) Apply(m PullRequestMetadata) PullRequestMetadata {
	if u.BuildStarted != nil {
		m.BuildStarted = *u.BuildStarted
	}
	if u.Success != nil {
		m.Success = *u.Success
	}
	if u.Failed != nil {
		m.Failed = *u.Failed
	}
	if u.Override != nil {
		m.Override = *u.Override
	}
	return m
}

// IsEmpty reports whether the update changes nothing
func (u MetadataUpdate) IsEmpty() bool {
	return u.BuildStarted == nil && u.Success == nil && u.Failed == nil && u.Override == nil
}

// MergeContext describes the pull request a VERIFY_PR build merges
type MergeContext struct {
	PullRequestID int64
	MergeRef      string
	MergeHead     CommitID
}

// BuildRequest is one build the dispatcher must start
type BuildRequest struct {
	RepoID string
	Kind   JobKind
	Commit CommitID
	Merge  *MergeContext
	// Reason is free text passed to the CI server, e.g. "push" or "retrigger"
	Reason string
}

// BuildSummary aggregates the builds recorded for one commit
type BuildSummary struct {
	Successful int
	Failed     int
	InProgress int
}

// PageRequest selects a window of a paged listing
type PageRequest struct {
	Start int
	Limit int
}

// CommitPage is one window of the commits introduced by a pull request
type CommitPage struct {
	Commits    []CommitID
	IsLastPage bool
	NextStart  int
}

func boolPtr(b bool) *bool {
	return &b
}

// BuildReport is a build status callback from a CI server
type BuildReport struct {
	RepoID      string
	Kind        JobKind
	State       BuildState
	BuildNumber int64
	// BuildHead is the commit built; for pull request builds, the target tip
	BuildHead CommitID
	// MergeHead and PullRequestID are set only for pull request builds
	MergeHead     CommitID
	PullRequestID int64
}

// IsPullRequest reports whether the build merged a pull request
func (r BuildReport) IsPullRequest() bool {
	return r.PullRequestID != 0 && !r.MergeHead.IsZero()
}

// MetadataKey returns the pull request row the report addresses
func (r BuildReport) MetadataKey() MetadataKey {
	return MetadataKey{
		RepoID:        r.RepoID,
		PullRequestID: r.PullRequestID,
		FromSha:       r.MergeHead,
		ToSha:         r.BuildHead,
	}
}

// MetadataUpdate returns the partial update the report's state implies
func (r BuildReport) MetadataUpdate() MetadataUpdate {
	switch r.State {
	case BuildSuccessful:
		return MetadataUpdate{Success: boolPtr(true), Failed: boolPtr(false)}
	case BuildInProgress:
		return MetadataUpdate{BuildStarted: boolPtr(true)}
	case BuildFailed:
		return MetadataUpdate{Success: boolPtr(false), Failed: boolPtr(true)}
	default:
		return MetadataUpdate{}
	}
}
