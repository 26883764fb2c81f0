package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"acme/internal/app"
	"acme/pkg/logging"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the compliance agent daemon",
	Long: `Starts the daemon: the compliance scheduler, configuration pull,
registration renewal, installer pipeline, event forwarding, and the
local command socket. Runs until SIGINT or SIGTERM; SIGHUP reloads
feature controls, the route map, and module manifests.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		level := logging.ParseLevel(cfg.LogLevel)
		logging.Init(level, cmd.ErrOrStderr())
		logging.Info("Serve", "Starting acme %s", GetVersion())

		a, err := app.New(cfg)
		if err != nil {
			return err
		}
		return a.Run(context.Background())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
