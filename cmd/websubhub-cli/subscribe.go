package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/websub-hub-go/pkg/hubclient"
)

func newSubscribeCommand() *cobra.Command {
	var req hubclient.SubscribeRequest

	cmd := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe a callback to a topic",
		Long: `Subscribe a callback to a topic. The hub verifies intent by sending a
challenge to the callback before the subscription is stored, so the callback
must be reachable from the hub.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			fmt.Fprintf(cmd.OutOrStdout(), "Subscribing %s to %s...\n", req.Callback, req.Topic)
			if err := client.Subscribe(ctx, req); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Subscription verified\n")
			return nil
		},
	}

	cmd.Flags().StringVar(&req.Topic, "topic", "", "Topic URL (required)")
	cmd.Flags().StringVar(&req.Callback, "callback", "", "Callback URL (required)")
	cmd.Flags().IntVar(&req.LeaseSeconds, "lease", 0, "Lease in seconds (hub default if 0)")
	cmd.Flags().StringVar(&req.Secret, "secret", "", "Secret for signed deliveries")
	cmd.Flags().StringVar(&req.Format, "format", "", "Content format: json or xml")
	cmd.Flags().BoolVar(&req.UseSocket, "socket", false, "Deliver over a websocket instead of POST")
	for _, name := range []string{"topic", "callback"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}

func newUnsubscribeCommand() *cobra.Command {
	var topic, callback string

	cmd := &cobra.Command{
		Use:   "unsubscribe",
		Short: "Remove a subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.Unsubscribe(ctx, topic, callback); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Unsubscribed %s from %s\n", callback, topic)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "Topic URL (required)")
	cmd.Flags().StringVar(&callback, "callback", "", "Callback URL (required)")
	for _, name := range []string{"topic", "callback"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}
