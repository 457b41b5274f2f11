package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cibot.dev/cibot/internal/cli/helpers"
	"cibot.dev/cibot/internal/engine"
	"cibot.dev/cibot/internal/runtime"
)

// metadataView is the printed form of a metadata row
type metadataView struct {
	FromSha      string `yaml:"fromSha"`
	ToSha        string `yaml:"toSha"`
	BuildStarted bool   `yaml:"buildStarted"`
	Success      bool   `yaml:"success"`
	Failed       bool   `yaml:"failed"`
	Override     bool   `yaml:"override"`
	Satisfied    bool   `yaml:"satisfied"`
}

// newMetadataCmd creates the metadata command
func newMetadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect pull request build metadata",
	}
	cmd.AddCommand(newMetadataShowCmd())
	return cmd
}

// newMetadataShowCmd creates the metadata show command
func newMetadataShowCmd() *cobra.Command {
	var (
		repoID  string
		prID    int64
		fromSha string
		toSha   string
	)

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Print the metadata rows of a pull request source commit",
		Long: `Print every metadata row stored for a pull request and source commit, one
per target commit the pull request was built against. --to-sha narrows the
output to a single row.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			from, err := engine.ParseCommitID(fromSha)
			if err != nil {
				return fmt.Errorf("--from-sha: %w", err)
			}
			var to engine.CommitID
			if toSha != "" {
				if to, err = engine.ParseCommitID(toSha); err != nil {
					return fmt.Errorf("--to-sha: %w", err)
				}
			}
			return helpers.Run(cmd, func(rc *runtime.Context) error {
				if _, err := rc.Config.Repository(repoID); err != nil {
					return err
				}
				rows, err := rc.Metadata.ListByFromSha(cmd.Context(), repoID, prID, from)
				if err != nil {
					return err
				}
				views := make([]metadataView, 0, len(rows))
				for _, row := range rows {
					if to != "" && row.ToSha != to {
						continue
					}
					views = append(views, metadataView{
						FromSha:      string(row.FromSha),
						ToSha:        string(row.ToSha),
						BuildStarted: row.BuildStarted,
						Success:      row.Success,
						Failed:       row.Failed,
						Override:     row.Override,
						Satisfied:    row.Satisfied(),
					})
				}
				if len(views) == 0 {
					fmt.Fprintf(cmd.OutOrStdout(), "no metadata for %s#%d at %s\n", repoID, prID, from)
					return nil
				}
				out, err := yaml.Marshal(views)
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			})
		},
	}

	addRepoFlag(cmd, &repoID)
	cmd.Flags().Int64Var(&prID, "pr", 0, "Pull request id")
	cmd.Flags().StringVar(&fromSha, "from-sha", "", "Latest commit of the source branch")
	cmd.Flags().StringVar(&toSha, "to-sha", "", "Latest commit of the target branch")
	_ = cmd.MarkFlagRequired("pr")
	_ = cmd.MarkFlagRequired("from-sha")

	return cmd
}
