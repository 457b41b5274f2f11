package helpers

import (
	"github.com/spf13/cobra"

	"cibot.dev/cibot/internal/config"
)

// CompleteRepositories is a helper for RegisterFlagCompletionFunc that
// returns the repository ids in the configuration file.
func CompleteRepositories(cmd *cobra.Command, _ []string, _ string) ([]string, cobra.ShellCompDirective) {
	configPath, _ := cmd.Flags().GetString(FlagConfig)
	cfg, err := config.Load(config.ResolvePath(configPath))
	if err != nil {
		return nil, cobra.ShellCompDirectiveError
	}
	ids := make([]string, 0, len(cfg.Repositories))
	for _, repo := range cfg.Repositories {
		ids = append(ids, repo.ID)
	}
	return ids, cobra.ShellCompDirectiveNoFileComp
}
