package git

import (
	"container/heap"
	"fmt"
	"sort"

	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

type walkNode struct {
	commit        *object.Commit
	uninteresting bool
	queued        bool
	expanded      bool
}

// commitQueue is a max-heap on committer time
type commitQueue []*walkNode

func (q commitQueue) Len() int { return len(q) }
func (q commitQueue) Less(i, j int) bool {
	ti, tj := q[i].commit.Committer.When, q[j].commit.Committer.When
	if ti.Equal(tj) {
		return q[i].commit.Hash.String() > q[j].commit.Hash.String()
	}
	return ti.After(tj)
}
func (q commitQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *commitQueue) Push(x any)   { *q = append(*q, x.(*walkNode)) }
func (q *commitQueue) Pop() any {
	old := *q
	n := old[len(old)-1]
	*q = old[:len(old)-1]
	return n
}

type commitWalker struct {
	repo  *Repository
	nodes map[plumbing.Hash]*walkNode
	queue commitQueue
	// interesting counts loaded nodes not yet known to be excluded
	interesting int
}

func (w *commitWalker) node(hash plumbing.Hash) (*walkNode, error) {
	if n, ok := w.nodes[hash]; ok {
		return n, nil
	}
	commit, err := w.repo.CommitObject(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit %s: %w", hash, err)
	}
	n := &walkNode{commit: commit}
	w.nodes[hash] = n
	w.interesting++
	return n, nil
}

func (w *commitWalker) enqueue(n *walkNode) {
	if n.queued {
		return
	}
	n.queued = true
	heap.Push(&w.queue, n)
}

// markUninteresting flags n and every ancestor already loaded by the walk
func (w *commitWalker) markUninteresting(n *walkNode) {
	stack := []*walkNode{n}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if cur.uninteresting {
			continue
		}
		cur.uninteresting = true
		w.interesting--
		if !cur.expanded {
			continue
		}
		for _, p := range cur.commit.ParentHashes {
			if pn, ok := w.nodes[p]; ok {
				stack = append(stack, pn)
			}
		}
	}
}

// walkExcluding returns the commits reachable from include but not from
// exclude, parents before children. Both tip lists must be commit hashes.
//
// Committer times only order the walk. It runs until every loaded commit is
// excluded or the queue drains, so skewed clocks never leak shared history.
func walkExcluding(repo *Repository, include, exclude []plumbing.Hash) ([]*object.Commit, error) {
	goGitMu.Lock()
	defer goGitMu.Unlock()

	w := &commitWalker{repo: repo, nodes: make(map[plumbing.Hash]*walkNode)}

	for _, h := range exclude {
		n, err := w.node(h)
		if err != nil {
			return nil, err
		}
		w.markUninteresting(n)
		w.enqueue(n)
	}
	for _, h := range include {
		n, err := w.node(h)
		if err != nil {
			return nil, err
		}
		w.enqueue(n)
	}

	for w.queue.Len() > 0 && w.interesting > 0 {
		n := heap.Pop(&w.queue).(*walkNode)
		n.expanded = true
		for _, p := range n.commit.ParentHashes {
			pn, err := w.node(p)
			if err != nil {
				return nil, err
			}
			if n.uninteresting {
				w.markUninteresting(pn)
			}
			w.enqueue(pn)
		}
	}

	var selected []*object.Commit
	for _, n := range w.nodes {
		if n.queued && !n.uninteresting {
			selected = append(selected, n.commit)
		}
	}
	return topoOldestFirst(selected), nil
}

// topoOldestFirst orders commits so every parent precedes its children,
// breaking ties by committer time and then hash
func topoOldestFirst(commits []*object.Commit) []*object.Commit {
	sort.Slice(commits, func(i, j int) bool {
		ti, tj := commits[i].Committer.When, commits[j].Committer.When
		if ti.Equal(tj) {
			return commits[i].Hash.String() < commits[j].Hash.String()
		}
		return ti.Before(tj)
	})

	index := make(map[plumbing.Hash]int, len(commits))
	for i, c := range commits {
		index[c.Hash] = i
	}
	pending := make([]int, len(commits))
	children := make([][]int, len(commits))
	for i, c := range commits {
		for _, p := range c.ParentHashes {
			if pi, ok := index[p]; ok {
				pending[i]++
				children[pi] = append(children[pi], i)
			}
		}
	}

	// ready is kept sorted by position in the time-ordered slice
	var ready []int
	for i := range commits {
		if pending[i] == 0 {
			ready = append(ready, i)
		}
	}
	out := make([]*object.Commit, 0, len(commits))
	for len(ready) > 0 {
		i := ready[0]
		ready = ready[1:]
		out = append(out, commits[i])
		for _, ci := range children[i] {
			pending[ci]--
			if pending[ci] == 0 {
				pos := sort.SearchInts(ready, ci)
				ready = append(ready, 0)
				copy(ready[pos+1:], ready[pos:])
				ready[pos] = ci
			}
		}
	}
	return out
}
