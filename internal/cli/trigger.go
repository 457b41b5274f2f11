package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"cibot.dev/cibot/internal/cli/helpers"
	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/runtime"
)

// newTriggerCmd creates the trigger command
func newTriggerCmd() *cobra.Command {
	var (
		flags    buildFlags
		mergeRef string
	)

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Dispatch a build by hand",
		Long: `Dispatch one build directly, bypassing commit selection. This is the
command line counterpart of the retrigger links cibot posts on pull requests.

verify_pr builds need --merge-head and --pr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kind, buildHead, mergeHead, err := flags.parse()
			if err != nil {
				return err
			}
			req := engine.BuildRequest{RepoID: flags.repoID, Kind: kind, Commit: buildHead, Reason: "manual"}
			if kind == engine.JobVerifyPR {
				if mergeHead == "" || flags.pr <= 0 {
					return fmt.Errorf("%s builds need --merge-head and --pr", kind)
				}
				req.Merge = &engine.MergeContext{PullRequestID: flags.pr, MergeRef: mergeRef, MergeHead: mergeHead}
			}
			return helpers.Run(cmd, func(rc *runtime.Context) error {
				if err := rc.Router.Retrigger(cmd.Context(), req); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "dispatched %s build of %s\n", kind, buildHead)
				return nil
			})
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&mergeRef, "merge-ref", "", "Pull request source branch, for verify_pr builds")

	return cmd
}
