// Package testhelpers provides testing utilities for cibot, including a
// scene system, go-git repository helpers, a mock GitHub server and
// custom assertions.
package testhelpers

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

// ExpectBranches asserts that the repository has exactly the expected branches
func ExpectBranches(t *testing.T, repo *GitRepo, expected []string) {
	t.Helper()

	branches, err := repo.GetLocalBranches()
	require.NoError(t, err, "Failed to list branches")

	expected = append([]string(nil), expected...)
	sort.Strings(expected)
	require.Equal(t, expected, branches, "Branches do not match")
}

// ExpectCommitIDs asserts that got holds the expected hashes in order
func ExpectCommitIDs[T ~string](t *testing.T, expected []string, got []T) {
	t.Helper()

	actual := make([]string, 0, len(got))
	for _, c := range got {
		actual = append(actual, string(c))
	}
	if len(expected) == 0 {
		require.Empty(t, actual)
		return
	}
	require.Equal(t, expected, actual, "Commits do not match")
}
