package server

import (
	"errors"
	"fmt"
	"strconv"

	"cibot.dev/cibot/internal/engine"
)

var errBadRequest = errors.New("bad request")

// Pull request event actions
const (
	actionOpened    = "opened"
	actionRescoped  = "rescoped"
	actionCommented = "commented"
	actionMerged    = "merged"
)

type refChangeRequest struct {
	RefID    string `json:"refId" binding:"required"`
	Type     string `json:"type" binding:"required"`
	FromHash string `json:"fromHash"`
	ToHash   string `json:"toHash"`
}

type pushRequest struct {
	RepoID  string             `json:"repoId" binding:"required"`
	Changes []refChangeRequest `json:"changes" binding:"required,dive"`
}

type refRequest struct {
	ID           string `json:"id" binding:"required"`
	LatestCommit string `json:"latestCommit" binding:"required"`
}

type pullRequestRequest struct {
	ID      int64      `json:"id" binding:"required,gt=0"`
	FromRef refRequest `json:"fromRef" binding:"required"`
	ToRef   refRequest `json:"toRef" binding:"required"`
}

type pullRequestEventRequest struct {
	Action      string             `json:"action" binding:"required,oneof=opened rescoped commented merged"`
	RepoID      string             `json:"repoId" binding:"required"`
	PullRequest pullRequestRequest `json:"pullRequest" binding:"required"`
	Comment     string             `json:"comment"`
	MergeCommit string             `json:"mergeCommit"`
}

type mergeCheckRequest struct {
	RepoID      string             `json:"repoId" binding:"required"`
	PullRequest pullRequestRequest `json:"pullRequest" binding:"required"`
}

type planResponse struct {
	EventID string `json:"eventId"`
	Event   string `json:"event"`
	Builds  int    `json:"builds"`
	Updates int    `json:"updates"`
	Dropped bool   `json:"dropped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func newPlanResponse(plan engine.Plan) planResponse {
	return planResponse{
		EventID: plan.EventID,
		Event:   plan.Event,
		Builds:  len(plan.Builds),
		Updates: len(plan.Updates),
		Dropped: plan.Dropped,
		Reason:  plan.Reason,
	}
}

func (r pushRequest) event() engine.PushEvent {
	ev := engine.PushEvent{RepoID: r.RepoID, Changes: make([]engine.RefChange, 0, len(r.Changes))}
	for _, c := range r.Changes {
		ev.Changes = append(ev.Changes, engine.RefChange{
			RefID:    c.RefID,
			Type:     engine.RefChangeType(c.Type),
			FromHash: engine.CommitID(c.FromHash),
			ToHash:   engine.CommitID(c.ToHash),
		})
	}
	return ev
}

func (r refRequest) ref() (engine.Ref, error) {
	commit, err := engine.ParseCommitID(r.LatestCommit)
	if err != nil {
		return engine.Ref{}, fmt.Errorf("ref %s: %w", r.ID, err)
	}
	return engine.Ref{ID: r.ID, LatestCommit: commit}, nil
}

func (r pullRequestRequest) pullRequest(repoID string) (engine.PullRequest, error) {
	from, err := r.FromRef.ref()
	if err != nil {
		return engine.PullRequest{}, err
	}
	to, err := r.ToRef.ref()
	if err != nil {
		return engine.PullRequest{}, err
	}
	return engine.PullRequest{RepoID: repoID, ID: r.ID, FromRef: from, ToRef: to}, nil
}

func (r pullRequestEventRequest) event() (engine.Event, error) {
	pr, err := r.PullRequest.pullRequest(r.RepoID)
	if err != nil {
		return nil, err
	}
	switch r.Action {
	case actionOpened:
		return engine.PullRequestOpened{PullRequest: pr}, nil
	case actionRescoped:
		return engine.PullRequestRescoped{PullRequest: pr}, nil
	case actionCommented:
		return engine.PullRequestCommented{PullRequest: pr, Text: r.Comment}, nil
	case actionMerged:
		// validated by the router, which rejects a malformed merge commit
		return engine.PullRequestMerged{PullRequest: pr, MergeCommit: engine.CommitID(r.MergeCommit)}, nil
	default:
		return nil, fmt.Errorf("%w: pull request action %q", errBadRequest, r.Action)
	}
}

// buildPath holds the path parameters of the build status and trigger routes
type buildPath struct {
	RepoID        string
	Kind          engine.JobKind
	BuildHead     engine.CommitID
	MergeHead     engine.CommitID
	PullRequestID int64
}

func parseBuildPath(repo, kind, buildHead, mergeHead, pr string) (buildPath, error) {
	var p buildPath
	var err error
	p.RepoID = repo
	if p.Kind, err = engine.ParseJobKind(kind); err != nil {
		return p, err
	}
	if p.BuildHead, err = engine.ParseCommitID(buildHead); err != nil {
		return p, err
	}
	if mergeHead == "" && pr == "" {
		return p, nil
	}
	if p.MergeHead, err = engine.ParseCommitID(mergeHead); err != nil {
		return p, err
	}
	if p.PullRequestID, err = strconv.ParseInt(pr, 10, 64); err != nil || p.PullRequestID <= 0 {
		return p, fmt.Errorf("%w: invalid pull request id %q", errBadRequest, pr)
	}
	return p, nil
}
