package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "recorder",
		Short: "Crash-safe chunked microphone recorder",
		Long: "recorder captures audio from the default microphone, stores it in " +
			"small encoded chunks as it goes, and builds one final file on stop. " +
			"Recordings interrupted by a crash can be recovered later.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		fmt.Sprintf("path to configuration file (default %s when present)", defaultConfigPath))

	rootCmd.AddCommand(
		newVersionCmd(),
		newServeCmd(&configPath),
		newRecordCmd(&configPath),
		newSessionsCmd(&configPath),
	)

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", serviceName, version)
			return err
		},
	}
}
