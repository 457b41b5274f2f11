package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cibot.dev/cibot/internal/cli/helpers"
	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/runtime"
)

// buildFlags are the flags that identify one build of a job
type buildFlags struct {
	repoID    string
	kind      string
	buildHead string
	mergeHead string
	pr        int64
}

func (f *buildFlags) register(cmd *cobra.Command) {
	addRepoFlag(cmd, &f.repoID)
	cmd.Flags().StringVar(&f.kind, "kind", "", "Job kind: verification, verify_pr or publish")
	cmd.Flags().StringVar(&f.buildHead, "build-head", "", "Commit built; the target tip for pull request builds")
	cmd.Flags().StringVar(&f.mergeHead, "merge-head", "", "Pull request source tip, for verify_pr builds")
	cmd.Flags().Int64Var(&f.pr, "pr", 0, "Pull request id, for verify_pr builds")
	_ = cmd.MarkFlagRequired("kind")
	_ = cmd.MarkFlagRequired("build-head")
	cmd.MarkFlagsRequiredTogether("merge-head", "pr")
}

func (f *buildFlags) parse() (engine.JobKind, engine.CommitID, engine.CommitID, error) {
	kind, err := engine.ParseJobKind(f.kind)
	if err != nil {
		return 0, "", "", err
	}
	buildHead, err := engine.ParseCommitID(f.buildHead)
	if err != nil {
		return 0, "", "", fmt.Errorf("--build-head: %w", err)
	}
	var mergeHead engine.CommitID
	if f.mergeHead != "" {
		if mergeHead, err = engine.ParseCommitID(f.mergeHead); err != nil {
			return 0, "", "", fmt.Errorf("--merge-head: %w", err)
		}
	}
	return kind, buildHead, mergeHead, nil
}

// newReportCmd creates the report command
func newReportCmd() *cobra.Command {
	var (
		flags       buildFlags
		state       string
		buildNumber int64
	)

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Record a build status reported by a CI server",
		Long: `Record a build status the way the /build/status endpoint does.

Pull request builds update the pull request's metadata. Other builds are
recorded in the build ledger.

Examples:
  cibot report --repo app --kind verification --state successful --build 12 --build-head <sha>
  cibot report --repo app --kind verify_pr --state failed --build 3 --build-head <target sha> --merge-head <source sha> --pr 7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, buildHead, mergeHead, err := flags.parse()
			if err != nil {
				return err
			}
			buildState, err := engine.ParseBuildState(state)
			if err != nil {
				return err
			}
			ev := engine.BuildStatusReported{Report: engine.BuildReport{
				RepoID:        flags.repoID,
				Kind:          kind,
				State:         buildState,
				BuildNumber:   buildNumber,
				BuildHead:     buildHead,
				MergeHead:     mergeHead,
				PullRequestID: flags.pr,
			}}
			return helpers.Run(cmd, func(rc *runtime.Context) error {
				plan, err := rc.Router.Handle(cmd.Context(), ev)
				if err != nil {
					return err
				}
				printPlan(cmd.OutOrStdout(), plan)
				return nil
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&state, "state", "", "Build state: inprogress, successful or failed")
	cmd.Flags().Int64Var(&buildNumber, "build", 0, "CI server build number")
	_ = cmd.MarkFlagRequired("state")

	return cmd
}
