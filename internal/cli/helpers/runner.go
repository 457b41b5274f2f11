// Package helpers provides shared helper functions for CLI commands.
package helpers

import (
	"github.com/spf13/cobra"

	"cibot.dev/cibot/internal/runtime"
)

// Persistent flag names shared by every command
const (
	FlagConfig = "config"
	FlagDebug  = "debug"
)

// Run builds a runtime context from the persistent flags, passes it to fn
// and closes it once fn returns
func Run(cmd *cobra.Command, fn func(ctx *runtime.Context) error) error {
	configPath, _ := cmd.Flags().GetString(FlagConfig)
	debug, _ := cmd.Flags().GetBool(FlagDebug)

	ctx, err := runtime.NewContext(cmd.Context(), runtime.Options{
		ConfigPath: configPath,
		Debug:      debug,
		Console:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return err
	}
	defer func() { _ = ctx.Close() }()
	return fn(ctx)
}
