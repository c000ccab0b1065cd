package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newPublishCommand() *cobra.Command {
	var topic string

	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Notify the hub that a topic has new content",
		Long: `Notify the hub that a topic has new content. The hub fetches the topic
and delivers it to every active subscriber in the background.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.Publish(ctx, topic); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Publish accepted for %s\n", topic)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic URL (required)")
	if err := cmd.MarkFlagRequired("topic"); err != nil {
		panic(fmt.Sprintf("Failed to mark topic as required: %v", err))
	}

	return cmd
}
