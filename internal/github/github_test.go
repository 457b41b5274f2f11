package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/google/go-github/v62/github"
	"github.com/stretchr/testify/require"

	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
	"cibot.dev/cibot/testhelpers"
)

const (
	buildHead = engine.CommitID("1111111111111111111111111111111111111111")
	mergeHead = engine.CommitID("2222222222222222222222222222222222222222")
)

func resolver(config *testhelpers.MockGitHubServerConfig) RepositoryResolver {
	return func(repoID string) (Repository, error) {
		if repoID != "app" {
			return Repository{}, errors.New("unknown repository")
		}
		return Repository{Owner: config.Owner, Name: config.Repo}, nil
	}
}

func newTestClient(t *testing.T, config *testhelpers.MockGitHubServerConfig, opts ...Option) *Client {
	t.Helper()
	return NewFromGitHub(testhelpers.NewMockGitHubClient(t, config), resolver(config), nil, opts...)
}

func TestBuildSummary(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	config := testhelpers.NewMockGitHubServerConfig()
	config.Statuses[string(buildHead)] = append(testhelpers.NewSampleStatuses(testhelpers.SampleStatusCounts{
		Success: 2, Failure: 1, Error: 1, Pending: 1,
	}), &github.RepoStatus{State: github.String("success"), Context: github.String("cibot/verify_pr")})
	client := newTestClient(t, config)

	summary, err := client.BuildSummary(ctx, "app", buildHead)
	require.NoError(t, err)
	require.Equal(t, engine.BuildSummary{Successful: 2, Failed: 2, InProgress: 1}, summary)

	summary, err = client.BuildSummary(ctx, "app", mergeHead)
	require.NoError(t, err)
	require.Equal(t, engine.BuildSummary{}, summary)

	_, err = client.BuildSummary(ctx, "other", buildHead)
	require.Error(t, err)

	failing := testhelpers.NewMockGitHubServerConfig()
	failing.ErrorResponses["GET /repos/owner/repo/commits/"+string(buildHead)+"/status"] = http.StatusBadGateway
	failing.ErrorResponses["GET /repos/owner/repo/commits/"+string(mergeHead)+"/status"] = http.StatusNotFound
	failingClient := newTestClient(t, failing)
	_, err = failingClient.BuildSummary(ctx, "app", buildHead)
	require.Error(t, err)

	summary, err = failingClient.BuildSummary(ctx, "app", mergeHead)
	require.NoError(t, err)
	require.Equal(t, engine.BuildSummary{}, summary)
}

func TestNotifyBuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("commit build posts a status on the built commit", func(t *testing.T) {
		t.Parallel()
		config := testhelpers.NewMockGitHubServerConfig()
		client := newTestClient(t, config)

		err := client.NotifyBuild(ctx, engine.BuildReport{
			RepoID: "app", Kind: engine.JobVerifyCommit, State: engine.BuildSuccessful, BuildNumber: 12, BuildHead: buildHead,
		})
		require.NoError(t, err)

		statuses := config.CreatedStatusesFor(string(buildHead))
		require.Len(t, statuses, 1)
		require.Equal(t, "success", statuses[0].GetState())
		require.Equal(t, "cibot/verification", statuses[0].GetContext())
		require.Empty(t, statuses[0].GetTargetURL())
		require.Empty(t, config.CommentsOn(0))
	})

	t.Run("pull request build comments and marks the pull request head", func(t *testing.T) {
		t.Parallel()
		config := testhelpers.NewMockGitHubServerConfig()
		client := newTestClient(t, config, WithPublicURL("https://cibot.example.com/"))

		err := client.NotifyBuild(ctx, engine.BuildReport{
			RepoID: "app", Kind: engine.JobVerifyPR, State: engine.BuildFailed, BuildNumber: 3,
			BuildHead: buildHead, MergeHead: mergeHead, PullRequestID: 9,
		})
		require.NoError(t, err)

		statuses := config.CreatedStatusesFor(string(mergeHead))
		require.Len(t, statuses, 1)
		require.Equal(t, "failure", statuses[0].GetState())
		require.Equal(t, "https://cibot.example.com/build/trigger/app/verify_pr/"+string(buildHead)+"/"+string(mergeHead)+"/9",
			statuses[0].GetTargetURL())

		comments := config.CommentsOn(9)
		require.Len(t, comments, 1)
		require.Contains(t, comments[0], "Build #3 (merging 2222 into 1111)")
		require.Contains(t, comments[0], "FAILED")
		require.Contains(t, comments[0], "Retrigger this build")
	})

	t.Run("status failure is returned", func(t *testing.T) {
		t.Parallel()
		config := testhelpers.NewMockGitHubServerConfig()
		config.ErrorResponses["POST /repos/owner/repo/statuses/"+string(buildHead)] = http.StatusForbidden
		client := newTestClient(t, config)

		err := client.NotifyBuild(ctx, engine.BuildReport{
			RepoID: "app", Kind: engine.JobPublish, State: engine.BuildInProgress, BuildNumber: 1, BuildHead: buildHead,
		})
		require.Error(t, err)
	})
}

func TestBuildComment(t *testing.T) {
	t.Parallel()
	client := NewFromGitHub(nil, nil, nil)
	report := engine.BuildReport{
		RepoID: "app", Kind: engine.JobVerifyPR, BuildNumber: 5,
		BuildHead: buildHead, MergeHead: mergeHead, PullRequestID: 1,
	}

	report.State = engine.BuildInProgress
	require.Equal(t, "*Build #5 (merging 2222 into 1111) is in progress...*", client.BuildComment(report))

	report.State = engine.BuildSuccessful
	require.Contains(t, client.BuildComment(report), "has **passed**")

	report.State = engine.BuildFailed
	require.NotContains(t, client.BuildComment(report), "Retrigger")
}

func TestPullRequestCommits(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	config := testhelpers.NewMockGitHubServerConfig()
	config.PRCommits[7] = []string{"c1", "c2", "c3", "c4", "c5"}
	client := newTestClient(t, config)
	pr := engine.PullRequest{RepoID: "app", ID: 7}

	var got []engine.CommitID
	page := engine.PageRequest{Start: 0, Limit: 2}
	for {
		result, err := client.PullRequestCommits(ctx, pr, page)
		require.NoError(t, err)
		got = append(got, result.Commits...)
		if result.IsLastPage {
			break
		}
		page.Start = result.NextStart
	}
	require.Equal(t, []engine.CommitID{"c1", "c2", "c3", "c4", "c5"}, got)

	_, err := client.PullRequestCommits(ctx, pr, engine.PageRequest{Start: 1, Limit: 2})
	require.Error(t, err)

	t.Run("pages larger than the GitHub maximum still list every commit", func(t *testing.T) {
		t.Parallel()
		config := testhelpers.NewMockGitHubServerConfig()
		var want []engine.CommitID
		for i := range 250 {
			sha := fmt.Sprintf("%040x", i+1)
			config.PRCommits[9] = append(config.PRCommits[9], sha)
			want = append(want, engine.CommitID(sha))
		}
		client := newTestClient(t, config)

		var got []engine.CommitID
		page := engine.PageRequest{Start: 0, Limit: 150}
		for {
			result, err := client.PullRequestCommits(ctx, engine.PullRequest{RepoID: "app", ID: 9}, page)
			require.NoError(t, err)
			got = append(got, result.Commits...)
			if result.IsLastPage {
				break
			}
			require.Equal(t, page.Start+100, result.NextStart)
			page.Start = result.NextStart
		}
		require.Equal(t, want, got)
	})
}

func TestWorkflowDispatcher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("dispatches on the default branch with build inputs", func(t *testing.T) {
		t.Parallel()
		config := testhelpers.NewMockGitHubServerConfig()
		dispatcher := NewWorkflowDispatcher(newTestClient(t, config), "verify.yml", "")

		err := dispatcher.DispatchBuild(ctx, engine.BuildRequest{
			RepoID: "app",
			Kind:   engine.JobVerifyPR,
			Commit: buildHead,
			Merge:  &engine.MergeContext{PullRequestID: 4, MergeRef: "refs/heads/feature", MergeHead: mergeHead},
		})
		require.NoError(t, err)

		dispatches := config.RecordedDispatches()
		require.Len(t, dispatches, 1)
		require.Equal(t, "verify.yml", dispatches[0].Workflow)
		require.Equal(t, "main", dispatches[0].Ref)
		require.Equal(t, "verify_pr", dispatches[0].Inputs["kind"])
		require.Equal(t, string(buildHead), dispatches[0].Inputs["buildHead"])
		require.Equal(t, "4", dispatches[0].Inputs["pullRequestId"])
		require.Equal(t, string(mergeHead), dispatches[0].Inputs["mergeHead"])
	})

	t.Run("configured ref skips the repository lookup", func(t *testing.T) {
		t.Parallel()
		config := testhelpers.NewMockGitHubServerConfig()
		config.ErrorResponses["GET /repos/owner/repo"] = http.StatusInternalServerError
		dispatcher := NewWorkflowDispatcher(newTestClient(t, config), "publish.yml", "release")

		require.NoError(t, dispatcher.DispatchBuild(ctx, engine.BuildRequest{RepoID: "app", Kind: engine.JobPublish, Commit: buildHead}))
		require.Equal(t, "release", config.RecordedDispatches()[0].Ref)
	})

	t.Run("api failure is a dispatch error with the status code", func(t *testing.T) {
		t.Parallel()
		config := testhelpers.NewMockGitHubServerConfig()
		config.ErrorResponses["POST /repos/owner/repo/actions/workflows/verify.yml/dispatches"] = http.StatusUnprocessableEntity
		dispatcher := NewWorkflowDispatcher(newTestClient(t, config), "verify.yml", "main")

		err := dispatcher.DispatchBuild(ctx, engine.BuildRequest{RepoID: "app", Kind: engine.JobVerifyCommit, Commit: buildHead})
		require.ErrorIs(t, err, cierrors.ErrDispatchFailed)
		var dispatchErr *cierrors.DispatchError
		require.ErrorAs(t, err, &dispatchErr)
		require.Equal(t, http.StatusUnprocessableEntity, dispatchErr.StatusCode)
	})
}
