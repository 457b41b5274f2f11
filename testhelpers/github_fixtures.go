package testhelpers

import (
	"github.com/google/go-github/v62/github"
)

// SampleStatusCounts describes how many commit statuses of each state a
// fixture commit carries
type SampleStatusCounts struct {
	Success int
	Failure int
	Error   int
	Pending int
}

// NewSampleStatuses creates commit statuses in the shape GetCombinedStatus returns
func NewSampleStatuses(counts SampleStatusCounts) []*github.RepoStatus {
	var statuses []*github.RepoStatus
	add := func(state string, n int) {
		for range n {
			statuses = append(statuses, &github.RepoStatus{
				State:   github.String(state),
				Context: github.String("ci/" + state),
			})
		}
	}
	add("success", counts.Success)
	add("failure", counts.Failure)
	add("error", counts.Error)
	add("pending", counts.Pending)
	return statuses
}
