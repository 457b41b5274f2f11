package cli

import (
	"github.com/spf13/cobra"

	"cibot.dev/cibot/internal/cli/helpers"
)

// NewRootCmd creates the root cobra command
func NewRootCmd(version, commit, date string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "cibot",
		Short: "cibot decides which builds to run when code is pushed or pull requests change",
		Long: `cibot decides which builds to run when code is pushed or pull requests change.

It receives push and pull request events, triggers the minimal set of CI builds,
records their results and answers merge checks for pull requests.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String(helpers.FlagConfig, "", "Path to the configuration file (default $CIBOT_CONFIG or cibot.yaml)")
	rootCmd.PersistentFlags().Bool(helpers.FlagDebug, false, "Enable debug logging")

	// Add subcommands
	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newHookCmd())
	rootCmd.AddCommand(newMergeCheckCmd())
	rootCmd.AddCommand(newReportCmd())
	rootCmd.AddCommand(newTriggerCmd())
	rootCmd.AddCommand(newMetadataCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newVersionCmd(version, commit, date))

	return rootCmd
}

// addRepoFlag registers the --repo flag every engine command takes
func addRepoFlag(cmd *cobra.Command, repoID *string) {
	cmd.Flags().StringVar(repoID, "repo", "", "Repository id from the configuration file")
	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.RegisterFlagCompletionFunc("repo", helpers.CompleteRepositories)
}
