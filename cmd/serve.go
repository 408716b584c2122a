package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/divar-listing-bot/internal/server"
)

func newServeCmd() *cobra.Command {
	var noBot, noHTTP bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the Telegram bot",
		Long: `Starts the HTTP API on HOST:PORT with its worker pool, and the Telegram
bot when telegram.enabled is set. Runs until SIGINT or SIGTERM, then drains
for up to ten seconds.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveRuntime(cmd.Context())
			if err != nil {
				return err
			}
			opts := server.Options{
				HTTP: !noHTTP,
				Bot:  !noBot && rt.cfg.Telegram.Enabled,
			}
			if !opts.HTTP && !opts.Bot {
				return errors.New("nothing to run: both the HTTP API and the bot are disabled")
			}

			app, err := server.Build(cmd.Context(), rt.cfg, rt.logger, opts)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}

	cmd.Flags().BoolVar(&noBot, "no-bot", false, "do not start the Telegram bot")
	cmd.Flags().BoolVar(&noHTTP, "no-http", false, "do not start the HTTP API")
	return cmd
}
