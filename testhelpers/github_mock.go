package testhelpers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/google/go-github/v62/github"
)

// MockGitHubServerConfig configures the behavior of a mock GitHub server and
// records what the code under test sent to it
type MockGitHubServerConfig struct {
	Owner         string
	Repo          string
	DefaultBranch string

	// Statuses maps a commit sha to the statuses GetCombinedStatus returns
	Statuses map[string][]*github.RepoStatus
	// PRCommits maps a pull request number to its commits, oldest first
	PRCommits map[int][]string
	// MaxPerPage caps per_page the way GitHub does, 0 meaning 100
	MaxPerPage int
	// ErrorResponses maps "METHOD /path" to a status code to fail with
	ErrorResponses map[string]int

	mu              sync.Mutex
	CreatedStatuses map[string][]*github.RepoStatus
	Comments        map[int][]string
	Dispatches      []MockDispatch
}

// MockDispatch is one recorded workflow_dispatch call
type MockDispatch struct {
	Workflow string
	Ref      string
	Inputs   map[string]interface{}
}

// NewMockGitHubServerConfig creates a new mock server config with defaults
func NewMockGitHubServerConfig() *MockGitHubServerConfig {
	return &MockGitHubServerConfig{
		Owner:           "owner",
		Repo:            "repo",
		DefaultBranch:   "main",
		Statuses:        make(map[string][]*github.RepoStatus),
		PRCommits:       make(map[int][]string),
		ErrorResponses:  make(map[string]int),
		CreatedStatuses: make(map[string][]*github.RepoStatus),
		Comments:        make(map[int][]string),
	}
}

// CreatedStatusesFor returns the statuses posted to sha
func (c *MockGitHubServerConfig) CreatedStatusesFor(sha string) []*github.RepoStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*github.RepoStatus(nil), c.CreatedStatuses[sha]...)
}

// CommentsOn returns the comments posted to a pull request
func (c *MockGitHubServerConfig) CommentsOn(pr int) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.Comments[pr]...)
}

// RecordedDispatches returns the workflow dispatches received so far
func (c *MockGitHubServerConfig) RecordedDispatches() []MockDispatch {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MockDispatch(nil), c.Dispatches...)
}

// NewMockGitHubServer creates an httptest server that mocks GitHub API endpoints
func NewMockGitHubServer(t *testing.T, config *MockGitHubServerConfig) *httptest.Server {
	t.Helper()
	if config == nil {
		config = NewMockGitHubServerConfig()
	}

	mux := http.NewServeMux()
	base := "/repos/" + config.Owner + "/" + config.Repo

	// failing wraps a handler so ErrorResponses can short-circuit it
	failing := func(pattern string, h http.HandlerFunc) {
		mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
			if code, ok := config.ErrorResponses[r.Method+" "+r.URL.Path]; ok {
				writeJSON(w, code, map[string]string{"message": http.StatusText(code)})
				return
			}
			h(w, r)
		})
	}

	failing("GET "+base, func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, &github.Repository{
			Name:          github.String(config.Repo),
			DefaultBranch: github.String(config.DefaultBranch),
		})
	})

	failing("GET "+base+"/commits/{ref}/status", func(w http.ResponseWriter, r *http.Request) {
		sha := r.PathValue("ref")
		config.mu.Lock()
		statuses := config.Statuses[sha]
		config.mu.Unlock()
		writeJSON(w, http.StatusOK, &github.CombinedStatus{
			SHA:        github.String(sha),
			TotalCount: github.Int(len(statuses)),
			Statuses:   statuses,
		})
	})

	failing("POST "+base+"/statuses/{sha}", func(w http.ResponseWriter, r *http.Request) {
		var status github.RepoStatus
		if err := json.NewDecoder(r.Body).Decode(&status); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		sha := r.PathValue("sha")
		config.mu.Lock()
		config.CreatedStatuses[sha] = append(config.CreatedStatuses[sha], &status)
		config.mu.Unlock()
		writeJSON(w, http.StatusCreated, &status)
	})

	failing("POST "+base+"/issues/{number}/comments", func(w http.ResponseWriter, r *http.Request) {
		number, err := strconv.Atoi(r.PathValue("number"))
		if err != nil {
			http.Error(w, "invalid issue number", http.StatusBadRequest)
			return
		}
		var comment github.IssueComment
		if err := json.NewDecoder(r.Body).Decode(&comment); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		config.mu.Lock()
		config.Comments[number] = append(config.Comments[number], comment.GetBody())
		config.mu.Unlock()
		writeJSON(w, http.StatusCreated, &comment)
	})

	failing("GET "+base+"/pulls/{number}/commits", func(w http.ResponseWriter, r *http.Request) {
		number, err := strconv.Atoi(r.PathValue("number"))
		if err != nil {
			http.Error(w, "invalid pull request number", http.StatusBadRequest)
			return
		}
		page, perPage := pageParams(r.URL.Query())
		config.mu.Lock()
		all := config.PRCommits[number]
		maxPerPage := config.MaxPerPage
		config.mu.Unlock()
		if maxPerPage <= 0 {
			maxPerPage = 100
		}
		perPage = min(perPage, maxPerPage)

		start := min((page-1)*perPage, len(all))
		end := min(start+perPage, len(all))
		commits := make([]*github.RepositoryCommit, 0, end-start)
		for _, sha := range all[start:end] {
			commits = append(commits, &github.RepositoryCommit{SHA: github.String(sha)})
		}
		if end < len(all) {
			next := *r.URL
			q := next.Query()
			q.Set("page", strconv.Itoa(page+1))
			next.RawQuery = q.Encode()
			w.Header().Set("Link", fmt.Sprintf(`<http://%s%s>; rel="next"`, r.Host, next.String()))
		}
		writeJSON(w, http.StatusOK, commits)
	})

	failing("POST "+base+"/actions/workflows/{workflow}/dispatches", func(w http.ResponseWriter, r *http.Request) {
		var event github.CreateWorkflowDispatchEventRequest
		if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		config.mu.Lock()
		config.Dispatches = append(config.Dispatches, MockDispatch{
			Workflow: r.PathValue("workflow"),
			Ref:      event.Ref,
			Inputs:   event.Inputs,
		})
		config.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

// NewMockGitHubClient creates a GitHub client configured to use a mock server
func NewMockGitHubClient(t *testing.T, config *MockGitHubServerConfig) *github.Client {
	t.Helper()
	server := NewMockGitHubServer(t, config)
	client := github.NewClient(nil)
	baseURL, _ := url.Parse(server.URL + "/")
	client.BaseURL = baseURL
	client.UploadURL = baseURL
	return client
}

func pageParams(q url.Values) (int, int) {
	page, err := strconv.Atoi(q.Get("page"))
	if err != nil || page < 1 {
		page = 1
	}
	perPage, err := strconv.Atoi(q.Get("per_page"))
	if err != nil || perPage < 1 {
		perPage = 30
	}
	return page, perPage
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
