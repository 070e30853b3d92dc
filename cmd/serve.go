package cmd

import (
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl engine and the HTTP API",
		Long: `Loads targets_file (when configured), starts the scheduler, the worker
pool, the re-verification loop and the HTTP API, and runs until SIGINT or
SIGTERM. In-flight runs are given scheduler.shutdown_timeout to finish.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := appFrom(cmd)
			if err != nil {
				return err
			}
			return app.Run(cmd.Context())
		},
	}
}
