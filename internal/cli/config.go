package cli

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"cibot.dev/cibot/internal/cli/helpers"
	"cibot.dev/cibot/internal/config"
)

// newConfigCmd creates the config command
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and inspect the configuration file",
		Long: `Validate and inspect the cibot configuration file.

Examples:
  cibot config check
  cibot --config /etc/cibot/cibot.yaml config show`,
	}

	cmd.AddCommand(newConfigCheckCmd())
	cmd.AddCommand(newConfigShowCmd())

	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	flag, _ := cmd.Flags().GetString(helpers.FlagConfig)
	path := config.ResolvePath(flag)
	cfg, err := config.Load(path)
	return cfg, path, err
}

// newConfigCheckCmd creates the config check command
func newConfigCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d repositories, %d ci servers)\n",
				path, len(cfg.Repositories), len(cfg.CIServers))
			return nil
		},
	}
}

// newConfigShowCmd creates the config show command
func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the parsed configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			out, err := yaml.Marshal(cfg)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}
