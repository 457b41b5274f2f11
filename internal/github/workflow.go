package github

import (
	"context"
	"strconv"
	"time"

	"github.com/google/go-github/v62/github"

	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
	"cibot.dev/cibot/internal/metrics"
)

// WorkflowDispatcher implements engine.Dispatcher by dispatching a GitHub
// Actions workflow with the build parameters as inputs
type WorkflowDispatcher struct {
	client   *Client
	workflow string
	ref      string
}

// NewWorkflowDispatcher dispatches workflow (a file name such as verify.yml)
// on ref. An empty ref uses the repository's default branch.
func NewWorkflowDispatcher(client *Client, workflow, ref string) *WorkflowDispatcher {
	return &WorkflowDispatcher{client: client, workflow: workflow, ref: ref}
}

// WorkflowInputs returns the workflow_dispatch inputs for a build request
func WorkflowInputs(req engine.BuildRequest) map[string]interface{} {
	inputs := map[string]interface{}{
		"kind":      req.Kind.String(),
		"buildHead": string(req.Commit),
		"repoId":    req.RepoID,
	}
	if req.Merge != nil {
		inputs["pullRequestId"] = strconv.FormatInt(req.Merge.PullRequestID, 10)
		inputs["mergeHead"] = string(req.Merge.MergeHead)
		if req.Merge.MergeRef != "" {
			inputs["mergeRef"] = req.Merge.MergeRef
		}
	}
	return inputs
}

// DispatchBuild implements engine.Dispatcher
func (d *WorkflowDispatcher) DispatchBuild(ctx context.Context, req engine.BuildRequest) error {
	job := d.workflow + ":" + req.Kind.String()
	repo, err := d.client.repository(req.RepoID)
	if err != nil {
		return cierrors.NewDispatchError(job, 0, "", err)
	}

	ref := d.ref
	if ref == "" {
		info, _, err := d.client.gh.Repositories.Get(ctx, repo.Owner, repo.Name)
		if err != nil {
			return cierrors.NewDispatchError(job, statusCode(err), "", err)
		}
		ref = info.GetDefaultBranch()
	}

	start := time.Now()
	_, err = d.client.gh.Actions.CreateWorkflowDispatchEventByFileName(ctx, repo.Owner, repo.Name, d.workflow,
		github.CreateWorkflowDispatchEventRequest{Ref: ref, Inputs: WorkflowInputs(req)})
	metrics.DispatchDuration.WithLabelValues("github-actions").Observe(time.Since(start).Seconds())
	if err != nil {
		return cierrors.NewDispatchError(job, statusCode(err), "", err)
	}
	d.client.logger.Debug("workflow dispatched", "repo", req.RepoID, "workflow", d.workflow, "ref", ref, "commit", req.Commit)
	return nil
}
