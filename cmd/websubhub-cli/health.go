package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newHealthCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check hub health",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Checking health of %s...\n", hubURL)

			health, err := client.GetHealth(ctx)
			if health == nil {
				return fmt.Errorf("failed to check health: %w", err)
			}

			if health.Healthy {
				fmt.Fprintf(out, "✅ Hub is healthy!\n")
			} else {
				fmt.Fprintf(out, "❌ Hub is not healthy!\n")
			}
			fmt.Fprintf(out, "Store: %t\n", health.StoreHealthy)
			fmt.Fprintf(out, "Sockets enabled: %t\n", health.Sockets)
			fmt.Fprintf(out, "Open sockets: %d\n", health.OpenSockets)
			if health.Message != "" {
				fmt.Fprintf(out, "Message: %s\n", health.Message)
			}
			return err
		},
	}
}
