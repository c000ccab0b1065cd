package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/httpapi"
)

const appName = "websubhub"

var configPath string

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   appName,
		Short: "WebSub hub",
		Long: `websubhub runs a WebSub hub: subscribers register callbacks for topics,
the hub verifies their intent, and publishers notify the hub when a topic
changes so it can fetch the content and fan it out to every subscriber.`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.websubhub/config.yaml)")

	rootCmd.AddCommand(newServeCommand())
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newVersionCommand())

	return rootCmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s v%s\n", appName, httpapi.Version)
		},
	}
}
