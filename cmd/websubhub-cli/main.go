package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/websub-hub-go/pkg/hubclient"
)

var (
	// Global flags
	hubURL  string
	token   string
	timeout time.Duration

	// Global client instance
	client *hubclient.Client
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "websubhub-cli",
		Short: "WebSub hub command line interface",
		Long: `websubhub-cli talks to a WebSub hub. It provides commands for subscribing
callbacks, notifying the hub of new content, listing subscriptions and
receiving socket deliveries.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	rootCmd.PersistentFlags().StringVar(&hubURL, "hub", "http://localhost:3000", "Hub URL")
	rootCmd.PersistentFlags().StringVar(&token, "token", "", "Publisher token for publish")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	rootCmd.AddCommand(newSubscribeCommand())
	rootCmd.AddCommand(newUnsubscribeCommand())
	rootCmd.AddCommand(newPublishCommand())
	rootCmd.AddCommand(newSubscriptionsCommand())
	rootCmd.AddCommand(newListenCommand())
	rootCmd.AddCommand(newHealthCommand())

	return rootCmd
}

// initializeClient sets up the hub client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	var err error
	client, err = hubclient.NewClient(hubclient.Config{
		HubURL:  hubURL,
		Token:   token,
		Timeout: timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}
