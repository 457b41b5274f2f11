package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cibot.dev/cibot/internal/config"
	"cibot.dev/cibot/internal/engine"
	cierrors "cibot.dev/cibot/internal/errors"
	"cibot.dev/cibot/internal/store"
)

const (
	shaA = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	shaB = "bbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbbb"
	shaC = "cccccccccccccccccccccccccccccccccccccccc"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// pushGraph answers every walk with the included commit ids, as if each
// push introduced exactly its new tips
type pushGraph struct{}

func (pushGraph) ListBranchesMatching(context.Context, string, *regexp.Regexp) ([]string, error) {
	return nil, nil
}

func (pushGraph) CommitsExcluding(_ context.Context, _ string, include, _ []string) ([]engine.CommitID, error) {
	out := make([]engine.CommitID, 0, len(include))
	for _, tip := range include {
		out = append(out, engine.CommitID(tip))
	}
	return out, nil
}

type recordingDispatcher struct {
	mu     sync.Mutex
	builds []engine.BuildRequest
	fail   bool
}

func (d *recordingDispatcher) DispatchBuild(_ context.Context, req engine.BuildRequest) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail {
		return cierrors.NewDispatchError("job", http.StatusInternalServerError, "", nil)
	}
	d.builds = append(d.builds, req)
	return nil
}

func (d *recordingDispatcher) requests() []engine.BuildRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]engine.BuildRequest(nil), d.builds...)
}

type testEnv struct {
	handler    http.Handler
	dispatcher *recordingDispatcher
	ledger     *store.BuildLedger
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	on := true
	provider := config.NewStaticProvider(&config.Config{
		CIServers: []config.CIServerConfig{{Name: "default", URL: "http://jenkins"}},
		Repositories: []config.RepositoryConfig{{
			ID:                "app",
			Path:              "app",
			CIEnabled:         &on,
			VerifyBranchRegex: "refs/heads/.*",
			Jobs:              config.JobsConfig{Verification: &on, VerifyPR: &on, Publish: &on},
		}},
	})

	db, err := store.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	metadata := store.NewMetadataStore(db)
	ledger := store.NewBuildLedger(db)

	dispatcher := &recordingDispatcher{}
	router := engine.NewRouter(provider, pushGraph{}, metadata, dispatcher, nil, engine.WithBuildLedger(ledger))
	gate := engine.NewMergeGate(provider, metadata, nil)
	return &testEnv{
		handler:    New(router, gate, provider, nil).Handler(),
		dispatcher: dispatcher,
		ledger:     ledger,
	}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v))
	return v
}

func pullRequestBody(action string) map[string]interface{} {
	return map[string]interface{}{
		"action": action,
		"repoId": "app",
		"pullRequest": map[string]interface{}{
			"id":      7,
			"fromRef": map[string]string{"id": "refs/heads/feature", "latestCommit": shaB},
			"toRef":   map[string]string{"id": "refs/heads/master", "latestCommit": shaA},
		},
	}
}

func TestHealthAndMetrics(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", decode[map[string]string](t, w)["status"])

	w = env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "cibot_http_requests_total")
}

func TestPushEvent(t *testing.T) {
	t.Parallel()

	t.Run("update dispatches a verify build", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/events/push", map[string]interface{}{
			"repoId":  "app",
			"changes": []map[string]string{{"refId": "refs/heads/feature", "type": "UPDATE", "fromHash": shaA, "toHash": shaB}},
		})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		resp := decode[planResponse](t, w)
		require.Equal(t, "push", resp.Event)
		require.Equal(t, 1, resp.Builds)
		require.NotEmpty(t, resp.EventID)

		builds := env.dispatcher.requests()
		require.Len(t, builds, 1)
		require.Equal(t, engine.JobVerifyCommit, builds[0].Kind)
		require.Equal(t, engine.CommitID(shaB), builds[0].Commit)
	})

	t.Run("malformed change is a bad request", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/events/push", map[string]interface{}{
			"repoId":  "app",
			"changes": []map[string]string{{"refId": "refs/heads/feature", "type": "RENAME", "toHash": shaB}},
		})
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Empty(t, env.dispatcher.requests())
	})

	t.Run("missing body fields", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/events/push", map[string]interface{}{"changes": []interface{}{}})
		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("unknown repository", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodPost, "/events/push", map[string]interface{}{
			"repoId":  "nope",
			"changes": []map[string]string{{"refId": "refs/heads/feature", "type": "ADD", "toHash": shaB}},
		})
		require.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("dispatch failure is a bad gateway", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		env.dispatcher.fail = true
		w := env.do(t, http.MethodPost, "/events/push", map[string]interface{}{
			"repoId":  "app",
			"changes": []map[string]string{{"refId": "refs/heads/feature", "type": "ADD", "toHash": shaB}},
		})
		require.Equal(t, http.StatusBadGateway, w.Code)
	})
}

func TestPullRequestFlow(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	mergeCheck := map[string]interface{}{"repoId": "app", "pullRequest": pullRequestBody("")["pullRequest"]}

	w := env.do(t, http.MethodPost, "/events/pull-request", pullRequestBody("opened"))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 1, decode[planResponse](t, w).Builds)

	builds := env.dispatcher.requests()
	require.Len(t, builds, 1)
	require.Equal(t, engine.JobVerifyPR, builds[0].Kind)
	require.Equal(t, engine.CommitID(shaA), builds[0].Commit)
	require.Equal(t, engine.CommitID(shaB), builds[0].Merge.MergeHead)

	// the same scope again is already building
	w = env.do(t, http.MethodPost, "/events/pull-request", pullRequestBody("rescoped"))
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, 0, decode[planResponse](t, w).Builds)

	w = env.do(t, http.MethodPost, "/merge-check", mergeCheck)
	require.Equal(t, http.StatusOK, w.Code)
	verdict := decode[engine.Verdict](t, w)
	require.False(t, verdict.Allowed)
	require.Equal(t, "Green build required to merge", verdict.Summary)

	w = env.do(t, http.MethodGet, "/build/status/app/verify_pr/successful/4/"+shaA+"/"+shaB+"/7", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = env.do(t, http.MethodPost, "/merge-check", mergeCheck)
	require.True(t, decode[engine.Verdict](t, w).Allowed)
}

func TestOverrideComment(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)
	body := pullRequestBody("commented")
	body["comment"] = "ship it " + engine.OverrideMarker

	w := env.do(t, http.MethodPost, "/events/pull-request", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.Equal(t, 1, decode[planResponse](t, w).Updates)

	w = env.do(t, http.MethodPost, "/merge-check", map[string]interface{}{"repoId": "app", "pullRequest": body["pullRequest"]})
	require.True(t, decode[engine.Verdict](t, w).Allowed)
}

func TestPullRequestValidation(t *testing.T) {
	t.Parallel()
	env := newTestEnv(t)

	body := pullRequestBody("closed")
	w := env.do(t, http.MethodPost, "/events/pull-request", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body = pullRequestBody("opened")
	body["pullRequest"].(map[string]interface{})["toRef"] = map[string]string{"id": "refs/heads/master", "latestCommit": "xyz"}
	w = env.do(t, http.MethodPost, "/events/pull-request", body)
	require.Equal(t, http.StatusBadRequest, w.Code)

	body = pullRequestBody("merged")
	body["mergeCommit"] = "not-a-sha"
	w = env.do(t, http.MethodPost, "/events/pull-request", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestBuildStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	t.Run("commit report lands in the ledger", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodGet, "/build/status/app/verification/failed/12/"+shaC, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())

		summary, err := env.ledger.BuildSummary(ctx, "app", shaC)
		require.NoError(t, err)
		require.Equal(t, 1, summary.Failed)
	})

	t.Run("bad path parameters", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		for _, path := range []string{
			"/build/status/app/lint/failed/12/" + shaC,
			"/build/status/app/verification/exploded/12/" + shaC,
			"/build/status/app/verification/failed/twelve/" + shaC,
			"/build/status/app/verification/failed/12/abc",
			"/build/status/app/verify_pr/failed/12/" + shaA + "/" + shaB + "/zero",
		} {
			w := env.do(t, http.MethodGet, path, nil)
			require.Equal(t, http.StatusBadRequest, w.Code, path)
		}
	})
}

func TestTrigger(t *testing.T) {
	t.Parallel()

	t.Run("commit retrigger", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodGet, "/build/trigger/app/publish/"+shaC, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		builds := env.dispatcher.requests()
		require.Len(t, builds, 1)
		require.Equal(t, engine.JobPublish, builds[0].Kind)
		require.Equal(t, "retrigger", builds[0].Reason)
	})

	t.Run("pull request retrigger", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodGet, "/build/trigger/app/verify_pr/"+shaA+"/"+shaB+"/7", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		builds := env.dispatcher.requests()
		require.Len(t, builds, 1)
		require.Equal(t, int64(7), builds[0].Merge.PullRequestID)
		require.Equal(t, engine.CommitID(shaB), builds[0].Merge.MergeHead)
	})

	t.Run("pull request kind without pull request", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodGet, "/build/trigger/app/verify_pr/"+shaA, nil)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.True(t, strings.Contains(w.Body.String(), "pull request id"))
	})

	t.Run("unknown repository", func(t *testing.T) {
		t.Parallel()
		env := newTestEnv(t)
		w := env.do(t, http.MethodGet, "/build/trigger/nope/publish/"+shaC, nil)
		require.Equal(t, http.StatusNotFound, w.Code)
	})
}
