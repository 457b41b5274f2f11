package jenkins

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
)

const (
	buildHead = engine.CommitID("1111111111111111111111111111111111111111")
	mergeHead = engine.CommitID("2222222222222222222222222222222222222222")
)

type capturedRequest struct {
	method, path, user, pass string
	form                     map[string]string
}

func newServer(t *testing.T, status int) (*httptest.Server, *[]capturedRequest) {
	t.Helper()
	var (
		mu       sync.Mutex
		captured []capturedRequest
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		user, pass, _ := r.BasicAuth()
		form := map[string]string{}
		for k := range r.PostForm {
			form[k] = r.PostForm.Get(k)
		}
		mu.Lock()
		captured = append(captured, capturedRequest{method: r.Method, path: r.URL.Path, user: user, pass: pass, form: form})
		mu.Unlock()
		if status == http.StatusFound {
			w.Header().Set("Location", "/queue/item/1/")
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte("jenkins says no"))
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func TestDispatchBuild(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("commit build posts job parameters", func(t *testing.T) {
		t.Parallel()
		srv, captured := newServer(t, http.StatusCreated)
		client, err := NewClient(Config{Name: "default", URL: srv.URL + "/", Username: "bot", Token: "secret"}, nil)
		require.NoError(t, err)

		err = client.DispatchBuild(ctx, engine.BuildRequest{RepoID: "App", Kind: engine.JobVerifyCommit, Commit: buildHead})
		require.NoError(t, err)

		require.Len(t, *captured, 1)
		got := (*captured)[0]
		require.Equal(t, http.MethodPost, got.method)
		require.Equal(t, "/job/app_verification/buildWithParameters", got.path)
		require.Equal(t, "bot", got.user)
		require.Equal(t, "secret", got.pass)
		require.Equal(t, map[string]string{"buildHead": string(buildHead), "repoId": "App"}, got.form)
	})

	t.Run("pull request build carries merge context", func(t *testing.T) {
		t.Parallel()
		srv, captured := newServer(t, http.StatusOK)
		client, err := NewClient(Config{URL: srv.URL}, nil)
		require.NoError(t, err)

		err = client.DispatchBuild(ctx, engine.BuildRequest{
			RepoID: "app",
			Kind:   engine.JobVerifyPR,
			Commit: buildHead,
			Merge:  &engine.MergeContext{PullRequestID: 7, MergeRef: "refs/heads/feature", MergeHead: mergeHead},
		})
		require.NoError(t, err)

		got := (*captured)[0]
		require.Equal(t, "/job/app_verify_pr/buildWithParameters", got.path)
		require.Equal(t, "7", got.form["pullRequestId"])
		require.Equal(t, string(mergeHead), got.form["mergeHead"])
		require.Equal(t, "refs/heads/feature", got.form["mergeRef"])
		require.Equal(t, string(buildHead), got.form["buildHead"])
		require.Empty(t, got.user)
	})

	t.Run("redirect means already queued", func(t *testing.T) {
		t.Parallel()
		srv, captured := newServer(t, http.StatusFound)
		client, err := NewClient(Config{URL: srv.URL}, nil)
		require.NoError(t, err)

		require.NoError(t, client.DispatchBuild(ctx, engine.BuildRequest{RepoID: "app", Kind: engine.JobPublish, Commit: buildHead}))
		require.Len(t, *captured, 1)
	})

	t.Run("server errors are dispatch errors", func(t *testing.T) {
		t.Parallel()
		srv, _ := newServer(t, http.StatusInternalServerError)
		client, err := NewClient(Config{URL: srv.URL}, nil)
		require.NoError(t, err)

		err = client.DispatchBuild(ctx, engine.BuildRequest{RepoID: "app", Kind: engine.JobPublish, Commit: buildHead})
		require.ErrorIs(t, err, cierrors.ErrDispatchFailed)
		var dispatchErr *cierrors.DispatchError
		require.True(t, errors.As(err, &dispatchErr))
		require.Equal(t, http.StatusInternalServerError, dispatchErr.StatusCode)
		require.Equal(t, "app_publish", dispatchErr.Job)
		require.Equal(t, "jenkins says no", dispatchErr.Body)
	})

	t.Run("unreachable server", func(t *testing.T) {
		t.Parallel()
		srv, _ := newServer(t, http.StatusOK)
		client, err := NewClient(Config{URL: srv.URL}, nil)
		require.NoError(t, err)
		srv.Close()

		err = client.DispatchBuild(ctx, engine.BuildRequest{RepoID: "app", Kind: engine.JobPublish, Commit: buildHead})
		require.ErrorIs(t, err, cierrors.ErrDispatchFailed)
	})

	t.Run("cancelled context while rate limited", func(t *testing.T) {
		t.Parallel()
		srv, captured := newServer(t, http.StatusOK)
		client, err := NewClient(Config{URL: srv.URL, RequestsPerSecond: 0.001}, nil)
		require.NoError(t, err)

		req := engine.BuildRequest{RepoID: "app", Kind: engine.JobPublish, Commit: buildHead}
		require.NoError(t, client.DispatchBuild(ctx, req))

		cancelled, cancel := context.WithCancel(ctx)
		cancel()
		require.ErrorIs(t, client.DispatchBuild(cancelled, req), cierrors.ErrDispatchFailed)
		require.Len(t, *captured, 1)
	})
}

func TestBuildParameters(t *testing.T) {
	t.Parallel()

	t.Run("retriggered pull request build omits the unknown merge ref", func(t *testing.T) {
		t.Parallel()
		params := BuildParameters(engine.BuildRequest{
			RepoID: "app",
			Kind:   engine.JobVerifyPR,
			Commit: buildHead,
			Merge:  &engine.MergeContext{PullRequestID: 3, MergeHead: mergeHead},
		})
		require.Equal(t, "3", params.Get("pullRequestId"))
		require.Equal(t, string(mergeHead), params.Get("mergeHead"))
		require.False(t, params.Has("mergeRef"))
	})

	t.Run("commit build has no merge context", func(t *testing.T) {
		t.Parallel()
		params := BuildParameters(engine.BuildRequest{RepoID: "app", Kind: engine.JobPublish, Commit: buildHead})
		require.Len(t, params, 2)
	})
}

func TestNewClientRejectsBadURL(t *testing.T) {
	t.Parallel()
	_, err := NewClient(Config{URL: "jenkins.local"}, nil)
	require.Error(t, err)
	_, err = NewClient(Config{URL: "://"}, nil)
	require.Error(t, err)
}
