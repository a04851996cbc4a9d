package main

import (
	"github.com/danmuck/btpmux/internal/logging"
	"github.com/spf13/cobra"
)

// version is set with -ldflags "-X main.version=..."
var version = "dev"

func newRootCmd() *cobra.Command {
	var logLevel string
	root := &cobra.Command{
		Use:           "btpmuxd",
		Short:         "btpmuxd: multi-account BTP server",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			logging.ConfigureRuntime()
			if cmd.Flags().Changed("log-level") {
				logging.SetLevel(logLevel)
			}
		},
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the log level (trace, debug, info, warn, error)")

	root.AddCommand(
		newServeCmd(),
		newHashTokenCmd(),
		newInitConfigCmd(),
		newCallCmd(),
		newVersionCmd(),
	)
	return root
}
