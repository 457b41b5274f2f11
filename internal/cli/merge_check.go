package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"cibot.dev/cibot/internal/cli/helpers"
	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/runtime"
)

var errMergeVetoed = errors.New("merge vetoed")

// pullRequestFlags are the flags that identify a pull request diff
type pullRequestFlags struct {
	repoID  string
	id      int64
	fromRef string
	fromSha string
	toRef   string
	toSha   string
}

func (f *pullRequestFlags) register(cmd *cobra.Command) {
	addRepoFlag(cmd, &f.repoID)
	cmd.Flags().Int64Var(&f.id, "pr", 0, "Pull request id")
	cmd.Flags().StringVar(&f.fromRef, "from-ref", "", "Source branch, e.g. refs/heads/feature")
	cmd.Flags().StringVar(&f.fromSha, "from-sha", "", "Latest commit of the source branch")
	cmd.Flags().StringVar(&f.toRef, "to-ref", "", "Target branch, e.g. refs/heads/main")
	cmd.Flags().StringVar(&f.toSha, "to-sha", "", "Latest commit of the target branch")
	for _, name := range []string{"pr", "from-ref", "from-sha", "to-ref", "to-sha"} {
		_ = cmd.MarkFlagRequired(name)
	}
}

func (f *pullRequestFlags) pullRequest() (engine.PullRequest, error) {
	from, err := engine.ParseCommitID(f.fromSha)
	if err != nil {
		return engine.PullRequest{}, fmt.Errorf("--from-sha: %w", err)
	}
	to, err := engine.ParseCommitID(f.toSha)
	if err != nil {
		return engine.PullRequest{}, fmt.Errorf("--to-sha: %w", err)
	}
	if f.id <= 0 {
		return engine.PullRequest{}, fmt.Errorf("--pr must be positive, got %d", f.id)
	}
	return engine.PullRequest{
		RepoID:  f.repoID,
		ID:      f.id,
		FromRef: engine.Ref{ID: f.fromRef, LatestCommit: from},
		ToRef:   engine.Ref{ID: f.toRef, LatestCommit: to},
	}, nil
}

// newMergeCheckCmd creates the merge-check command
func newMergeCheckCmd() *cobra.Command {
	var flags pullRequestFlags

	cmd := &cobra.Command{
		Use:   "merge-check",
		Short: "Decide whether a pull request may merge",
		Long: `Evaluate the merge gate for a pull request and print the verdict.

The command exits non-zero when the merge is vetoed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pr, err := flags.pullRequest()
			if err != nil {
				return err
			}
			return helpers.Run(cmd, func(rc *runtime.Context) error {
				verdict := rc.Gate.Evaluate(cmd.Context(), pr)
				out := cmd.OutOrStdout()
				if verdict.Allowed {
					fmt.Fprintln(out, "allowed")
					return nil
				}
				fmt.Fprintf(out, "vetoed: %s\n  %s\n", verdict.Summary, verdict.Detail)
				return errMergeVetoed
			})
		},
	}

	flags.register(cmd)

	return cmd
}
