// Package engine decides which commits must be built and whether a pull
// request may merge.
//
// It is the core of cibot, responsible for:
//   - Selecting the minimal set of new commits to verify on every push
//   - Capping that set with the verify chain limit
//   - Tracking per pull request build metadata through the event router
//   - Evaluating the merge gate on demand from policy and metadata
//
// Collaborators (configuration, commit graph, metadata storage, CI servers)
// are reached only through the narrow interfaces in interfaces.go. Every
// entry point is synchronous: branch state must be read before it can
// change again.
package engine
