package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/websub-hub-go/pkg/hubclient"
)

func newListenCommand() *cobra.Command {
	var (
		config hubclient.SocketConfig
		pretty bool
	)

	cmd := &cobra.Command{
		Use:   "listen",
		Short: "Receive socket deliveries for a subscription",
		Long: `Open the hub's websocket for a subscription created with --socket and
print content as it is delivered. Press Ctrl+C to stop.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runListen(ctx, cmd.OutOrStdout(), client, config, pretty)
		},
	}

	cmd.Flags().StringVar(&config.Topic, "topic", "", "Topic URL (required)")
	cmd.Flags().StringVar(&config.Callback, "callback", "", "Callback URL of the subscription (required)")
	cmd.Flags().IntVar(&config.BufferSize, "buffer-size", 100, "Message buffer size")
	cmd.Flags().BoolVar(&pretty, "pretty", false, "Pretty print JSON content")
	for _, name := range []string{"topic", "callback"} {
		if err := cmd.MarkFlagRequired(name); err != nil {
			panic(fmt.Sprintf("Failed to mark %s as required: %v", name, err))
		}
	}

	return cmd
}

func runListen(ctx context.Context, out io.Writer, c *hubclient.Client, config hubclient.SocketConfig, pretty bool) error {
	sc, err := c.Listen(ctx, config)
	if err != nil {
		return fmt.Errorf("failed to open socket: %w", err)
	}
	defer sc.Close()

	fmt.Fprintf(out, "🌊 Listening for %s on %s\n", config.Topic, c.HubURL())

	errs := sc.Errors()
	count := 0
	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(out, "\n✅ Stopped. Received %d message(s).\n", count)
			return nil

		case msg, ok := <-sc.Messages():
			if !ok {
				fmt.Fprintf(out, "\n🔌 Socket closed. Received %d message(s).\n", count)
				return nil
			}
			count++
			printMessage(out, msg, count, pretty)

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			fmt.Fprintf(out, "❌ Socket error: %v\n", err)
		}
	}
}

func printMessage(out io.Writer, msg hubclient.SocketMessage, count int, pretty bool) {
	fmt.Fprintf(out, "📨 Message #%d:\n", count)
	fmt.Fprintf(out, "   Topic: %s\n", msg.Topic)
	if ct := msg.Headers["content-type"]; ct != "" {
		fmt.Fprintf(out, "   Content-Type: %s\n", ct)
	}

	data := []byte(msg.Data)
	var text string
	if json.Unmarshal(data, &text) == nil {
		// non-JSON content arrives as a string
		fmt.Fprintf(out, "   Data: %s\n\n", text)
		return
	}
	if pretty {
		if indented, err := json.MarshalIndent(msg.Data, "         ", "  "); err == nil {
			data = indented
		}
	}
	fmt.Fprintf(out, "   Data: %s\n\n", data)
}
