package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cibot.dev/cibot/internal/cli/helpers"
	"cibot.dev/cibot/internal/runtime"
	"cibot.dev/cibot/internal/server"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server that receives events and merge checks",
		Long: `Run the HTTP server that receives push and pull request events, build
status callbacks and merge checks.

The configuration file is watched and reloaded when it changes. A reload that
fails validation is logged and the previous configuration stays in effect.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return helpers.Run(cmd, func(rc *runtime.Context) error {
				ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
				defer stop()

				addr := listen
				if addr == "" {
					addr = rc.Config.Config().GetListen()
				}
				srv := server.New(rc.Router, rc.Gate, rc.Config, rc.Logger.Logger)

				g, ctx := errgroup.WithContext(ctx)
				g.Go(func() error { return srv.Run(ctx, addr) })
				g.Go(func() error { return rc.Config.Watch(ctx) })
				g.Go(func() error { return rc.DB.RunGC(ctx) })
				err := g.Wait()
				if err == nil || errors.Is(err, context.Canceled) {
					rc.Logger.Info("cibot stopped")
					return nil
				}
				return err
			})
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Address to listen on, overriding server.listen")

	return cmd
}
