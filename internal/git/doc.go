// Package git answers commit graph questions over local repositories with go-git.
//
// Graph implements the engine's CommitGraph and PullRequestCommits on top of
// repositories resolved by id. RefMetadataStore keeps pull request build
// metadata as JSON blobs under refs/cibot/pr/ inside the repository itself.
//
// No git binary is required.
package git
