package engine_test

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"

	"cibot.dev/cibot/internal/engine"
)

// cid returns a deterministic commit id for n
func cid(n int) engine.CommitID {
	return engine.CommitID(fmt.Sprintf("%040x", n))
}

func mustPattern(p string) *regexp.Regexp {
	re, err := engine.CompileBranchPattern(p)
	if err != nil {
		panic(err)
	}
	return re
}

func basePolicy() engine.RepositoryPolicy {
	return engine.RepositoryPolicy{
		RepoID:                "repo",
		CIEnabled:             true,
		VerifyBranchPattern:   mustPattern("refs/heads/.*"),
		PublishBranchPattern:  mustPattern("refs/heads/release/.*"),
		RebuildOnTargetUpdate: true,
		EnabledJobs: map[engine.JobKind]bool{
			engine.JobVerifyCommit: true,
			engine.JobVerifyPR:     true,
			engine.JobPublish:      true,
		},
	}
}

type fakePolicies struct {
	repo      engine.RepositoryPolicy
	server    engine.ServerPolicy
	repoErr   error
	serverErr error
}

func (f *fakePolicies) RepositoryPolicy(_ context.Context, _ string) (engine.RepositoryPolicy, error) {
	return f.repo, f.repoErr
}

func (f *fakePolicies) ServerPolicy(_ context.Context, _ string) (engine.ServerPolicy, error) {
	return f.server, f.serverErr
}

// fakeGraph is an in-memory DAG; commits are ordered by creation
type fakeGraph struct {
	parents  map[engine.CommitID][]engine.CommitID
	order    map[engine.CommitID]int
	branches map[string]engine.CommitID
	err      error

	calls    int
	lastPlus []string
	lastMin  []string
}

func newFakeGraph() *fakeGraph {
	return &fakeGraph{
		parents:  make(map[engine.CommitID][]engine.CommitID),
		order:    make(map[engine.CommitID]int),
		branches: make(map[string]engine.CommitID),
	}
}

func (g *fakeGraph) commit(id engine.CommitID, parents ...engine.CommitID) engine.CommitID {
	g.parents[id] = parents
	g.order[id] = len(g.order)
	return id
}

// chain adds count commits on top of parent, numbered from start
func (g *fakeGraph) chain(parent engine.CommitID, start, count int) []engine.CommitID {
	var out []engine.CommitID
	for i := range count {
		var parents []engine.CommitID
		if parent != "" {
			parents = []engine.CommitID{parent}
		}
		parent = g.commit(cid(start+i), parents...)
		out = append(out, parent)
	}
	return out
}

func (g *fakeGraph) ListBranchesMatching(_ context.Context, _ string, pattern *regexp.Regexp) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	var refs []string
	for ref := range g.branches {
		if pattern != nil && pattern.MatchString(ref) {
			refs = append(refs, ref)
		}
	}
	slices.Sort(refs)
	return refs, nil
}

func (g *fakeGraph) resolve(tip string) engine.CommitID {
	if c, ok := g.branches[tip]; ok {
		return c
	}
	return engine.CommitID(tip)
}

func (g *fakeGraph) ancestors(tips []string) map[engine.CommitID]bool {
	seen := make(map[engine.CommitID]bool)
	var stack []engine.CommitID
	for _, t := range tips {
		stack = append(stack, g.resolve(t))
	}
	for len(stack) > 0 {
		c := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[c] {
			continue
		}
		seen[c] = true
		stack = append(stack, g.parents[c]...)
	}
	return seen
}

func (g *fakeGraph) CommitsExcluding(_ context.Context, _ string, include, exclude []string) ([]engine.CommitID, error) {
	g.calls++
	g.lastPlus = slices.Clone(include)
	g.lastMin = slices.Clone(exclude)
	if g.err != nil {
		return nil, g.err
	}
	in := g.ancestors(include)
	out := g.ancestors(exclude)
	var result []engine.CommitID
	for c := range in {
		if !out[c] {
			result = append(result, c)
		}
	}
	slices.SortFunc(result, func(a, b engine.CommitID) int { return g.order[a] - g.order[b] })
	return result, nil
}

type fakeDispatcher struct {
	builds []engine.BuildRequest
	failOn engine.JobKind
	err    error
}

func (d *fakeDispatcher) DispatchBuild(_ context.Context, req engine.BuildRequest) error {
	if d.err != nil && (d.failOn == 0 || d.failOn == req.Kind) {
		return d.err
	}
	d.builds = append(d.builds, req)
	return nil
}

func (d *fakeDispatcher) commits(kind engine.JobKind) []engine.CommitID {
	var out []engine.CommitID
	for _, b := range d.builds {
		if b.Kind == kind {
			out = append(out, b.Commit)
		}
	}
	return out
}

// memMetadata is a map-backed MetadataStore
type memMetadata struct {
	mu      sync.Mutex
	rows    map[engine.MetadataKey]engine.PullRequestMetadata
	err     error
	creates int
}

func newMemMetadata() *memMetadata {
	return &memMetadata{rows: make(map[engine.MetadataKey]engine.PullRequestMetadata)}
}

func (m *memMetadata) GetOrCreate(_ context.Context, key engine.MetadataKey) (engine.PullRequestMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return engine.PullRequestMetadata{}, m.err
	}
	row, ok := m.rows[key]
	if !ok {
		row = engine.PullRequestMetadata{MetadataKey: key}
		m.rows[key] = row
		m.creates++
	}
	return row, nil
}

func (m *memMetadata) ListByFromSha(_ context.Context, repoID string, prID int64, fromSha engine.CommitID) ([]engine.PullRequestMetadata, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []engine.PullRequestMetadata
	for k, row := range m.rows {
		if k.RepoID == repoID && k.PullRequestID == prID && k.FromSha == fromSha {
			out = append(out, row)
		}
	}
	return out, nil
}

func (m *memMetadata) Update(_ context.Context, key engine.MetadataKey, update engine.MetadataUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	row, ok := m.rows[key]
	if !ok {
		row = engine.PullRequestMetadata{MetadataKey: key}
	}
	m.rows[key] = update.Apply(row)
	return nil
}

func (m *memMetadata) get(key engine.MetadataKey) engine.PullRequestMetadata {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[key]
}

func (m *memMetadata) put(row engine.PullRequestMetadata) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.MetadataKey] = row
}

type fakeCommits struct {
	commits []engine.CommitID
	pages   int
	err     error
}

func (f *fakeCommits) PullRequestCommits(_ context.Context, _ engine.PullRequest, page engine.PageRequest) (engine.CommitPage, error) {
	f.pages++
	if f.err != nil {
		return engine.CommitPage{}, f.err
	}
	end := min(page.Start+page.Limit, len(f.commits))
	return engine.CommitPage{
		Commits:    f.commits[page.Start:end],
		IsLastPage: end >= len(f.commits),
		NextStart:  end,
	}, nil
}

type fakeSummaries struct {
	successful map[engine.CommitID]int
	queried    []engine.CommitID
	err        error
}

func (f *fakeSummaries) BuildSummary(_ context.Context, _ string, commit engine.CommitID) (engine.BuildSummary, error) {
	f.queried = append(f.queried, commit)
	if f.err != nil {
		return engine.BuildSummary{}, f.err
	}
	return engine.BuildSummary{Successful: f.successful[commit]}, nil
}

type recordingLedger struct {
	reports []engine.BuildReport
}

func (l *recordingLedger) RecordBuild(_ context.Context, r engine.BuildReport) error {
	l.reports = append(l.reports, r)
	return nil
}

type recordingNotifier struct {
	reports []engine.BuildReport
	err     error
}

func (n *recordingNotifier) NotifyBuild(_ context.Context, r engine.BuildReport) error {
	n.reports = append(n.reports, r)
	return n.err
}

var errBoom = errors.New("boom")

func testPR(from, to engine.CommitID) engine.PullRequest {
	return engine.PullRequest{
		RepoID:  "repo",
		ID:      7,
		FromRef: engine.Ref{ID: "refs/heads/feature", LatestCommit: from},
		ToRef:   engine.Ref{ID: "refs/heads/master", LatestCommit: to},
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
