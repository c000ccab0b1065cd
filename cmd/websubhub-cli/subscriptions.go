package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newSubscriptionsCommand() *cobra.Command {
	var start, limit int

	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "List active subscriptions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			subs, err := client.ListSubscriptions(ctx, start, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(subs) == 0 {
				fmt.Fprintln(out, "No subscriptions found.")
				return nil
			}

			fmt.Fprintf(out, "Found %d subscription(s):\n\n", len(subs))
			for i, sub := range subs {
				fmt.Fprintf(out, "%d. %s\n", start+i+1, sub.ID)
				fmt.Fprintf(out, "   Topic: %s\n", sub.Topic)
				fmt.Fprintf(out, "   Callback: %s\n", sub.CallbackURL)
				fmt.Fprintf(out, "   Format: %s\n", sub.Format)
				if sub.UseSocket {
					fmt.Fprintf(out, "   Delivery: socket\n")
				}
				fmt.Fprintf(out, "   Lease ends: %s\n", sub.LeaseEndAt.Format("2006-01-02 15:04:05"))
				fmt.Fprintln(out)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&start, "start", 0, "Offset of the first subscription")
	cmd.Flags().IntVar(&limit, "limit", 5, "Maximum number of subscriptions")

	return cmd
}
