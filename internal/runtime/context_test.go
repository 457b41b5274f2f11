package runtime

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/git"
	"cibot.dev/cibot/internal/store"
	"cibot.dev/cibot/testhelpers"
)

// jenkinsRecorder is a fake Jenkins that records triggered jobs and build heads
type jenkinsRecorder struct {
	mu     sync.Mutex
	builds []string
}

func (j *jenkinsRecorder) handler(w http.ResponseWriter, r *http.Request) {
	_ = r.ParseForm()
	j.mu.Lock()
	j.builds = append(j.builds, r.URL.Path+"@"+r.PostForm.Get("buildHead"))
	j.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (j *jenkinsRecorder) recorded() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]string(nil), j.builds...)
}

func newJenkins(t *testing.T) (*jenkinsRecorder, string) {
	t.Helper()
	rec := &jenkinsRecorder{}
	server := httptest.NewServer(http.HandlerFunc(rec.handler))
	t.Cleanup(server.Close)
	return rec, server.URL
}

func writeConfig(t *testing.T, scene *testhelpers.Scene, jenkinsURL string) string {
	t.Helper()
	return scene.WriteConfig(t, fmt.Sprintf(`
store:
  path: data
ciServers:
  - name: default
    url: %s
  - name: actions
    type: github-actions
    workflow: verify.yml
repositories:
  - id: app
    path: repo
    ciEnabled: true
    verifyBranchRegex: refs/heads/.*
    jobs:
      verification: true
  - id: hosted
    path: repo
    ciEnabled: true
    ciServer: actions
`, jenkinsURL))
}

func newTestContext(t *testing.T, path string) *Context {
	t.Helper()
	c, err := NewContext(context.Background(), Options{ConfigPath: path, Console: &bytes.Buffer{}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewContext(t *testing.T) {
	t.Parallel()

	t.Run("badger metadata and no github", func(t *testing.T) {
		t.Parallel()
		scene := testhelpers.NewScene(t, nil)
		_, url := newJenkins(t)
		c := newTestContext(t, writeConfig(t, scene, url))

		require.NotNil(t, c.Router)
		require.NotNil(t, c.Gate)
		require.Nil(t, c.GitHub)
		require.IsType(t, &store.MetadataStore{}, c.Metadata)
	})

	t.Run("missing config", func(t *testing.T) {
		t.Parallel()
		_, err := NewContext(context.Background(), Options{ConfigPath: t.TempDir() + "/none.yaml", Console: &bytes.Buffer{}})
		require.Error(t, err)
	})
}

func TestNewContextGitMetadata(t *testing.T) {
	t.Parallel()
	scene := testhelpers.NewScene(t, nil)
	path := scene.WriteConfig(t, `
store:
  path: data
  metadata: git
repositories:
  - id: app
    path: repo
`)
	c := newTestContext(t, path)
	require.IsType(t, &git.RefMetadataStore{}, c.Metadata)
}

func TestNewContextGitHubRequiresToken(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "")
	scene := testhelpers.NewScene(t, nil)
	path := scene.WriteConfig(t, `
store:
  path: data
github:
  enabled: true
`)
	_, err := NewContext(context.Background(), Options{ConfigPath: path, Console: &bytes.Buffer{}})
	require.ErrorContains(t, err, "GITHUB_TOKEN")
}

func TestPushDispatchesToJenkins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	var a, b, c string
	scene := testhelpers.NewScene(t, func(s *testhelpers.Scene) error {
		var err error
		if a, err = s.Repo.CreateChangeAndCommit("A", ""); err != nil {
			return err
		}
		if b, err = s.Repo.CreateChangeAndCommit("B", ""); err != nil {
			return err
		}
		c, err = s.Repo.CreateChangeAndCommit("C", "")
		return err
	})
	jenkins, url := newJenkins(t)
	rc := newTestContext(t, writeConfig(t, scene, url))

	plan, err := rc.Router.Handle(ctx, engine.PushEvent{
		RepoID: "app",
		Changes: []engine.RefChange{{
			RefID:    "refs/heads/main",
			Type:     engine.RefUpdate,
			FromHash: engine.CommitID(a),
			ToHash:   engine.CommitID(c),
		}},
	})
	require.NoError(t, err)
	require.Len(t, plan.Builds, 2)
	require.Equal(t, []string{
		"/job/app_verification/buildWithParameters@" + b,
		"/job/app_verification/buildWithParameters@" + c,
	}, jenkins.recorded())
}

func TestDispatcher(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	commit := engine.CommitID("1111111111111111111111111111111111111111")

	scene := testhelpers.NewScene(t, nil)
	jenkins, url := newJenkins(t)
	rc := newTestContext(t, writeConfig(t, scene, url))

	t.Run("jenkins clients are cached per server", func(t *testing.T) {
		req := engine.BuildRequest{RepoID: "app", Kind: engine.JobPublish, Commit: commit}
		require.NoError(t, rc.Dispatcher.DispatchBuild(ctx, req))
		first, err := rc.Dispatcher.client("app")
		require.NoError(t, err)
		second, err := rc.Dispatcher.client("app")
		require.NoError(t, err)
		require.Same(t, first, second)
		require.Contains(t, jenkins.recorded(), "/job/app_publish/buildWithParameters@"+string(commit))

		rc.Dispatcher.Reset()
		third, err := rc.Dispatcher.client("app")
		require.NoError(t, err)
		require.NotSame(t, first, third)
	})

	t.Run("github actions without the github integration", func(t *testing.T) {
		err := rc.Dispatcher.DispatchBuild(ctx, engine.BuildRequest{RepoID: "hosted", Kind: engine.JobPublish, Commit: commit})
		require.ErrorContains(t, err, "github integration is disabled")
	})

	t.Run("unknown repository", func(t *testing.T) {
		err := rc.Dispatcher.DispatchBuild(ctx, engine.BuildRequest{RepoID: "missing", Kind: engine.JobPublish, Commit: commit})
		require.Error(t, err)
	})
}
