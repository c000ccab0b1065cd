package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"github.com/spf13/cobra"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/config"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand() *cobra.Command {
	var (
		listen        string
		hubURL        string
		driver        string
		dbPath        string
		sockets       bool
		publishSecret string
		grpcHealth    string
		logLevel      string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("listen") {
				cfg.Server.Listen = listen
			}
			if flags.Changed("hub-url") {
				cfg.Server.HubURL = hubURL
			}
			if flags.Changed("store") {
				cfg.Store.Driver = driver
			}
			if flags.Changed("db") {
				cfg.Store.Path = dbPath
			}
			if flags.Changed("sockets") {
				cfg.WebSocket.Enabled = sockets
			}
			if flags.Changed("publish-secret") {
				cfg.Auth.PublishSecret = publishSecret
			}
			if flags.Changed("grpc-health") {
				cfg.GRPCHealth.Listen = grpcHealth
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&listen, "listen", ":3000", "HTTP listen address")
	flags.StringVar(&hubURL, "hub-url", "", "Public hub URL advertised to subscribers (derived from --listen if empty)")
	flags.StringVar(&driver, "store", config.DriverMemory, "Subscription store: memory or sqlite")
	flags.StringVar(&dbPath, "db", "", "SQLite database path")
	flags.BoolVar(&sockets, "sockets", false, "Enable websocket delivery")
	flags.StringVar(&publishSecret, "publish-secret", "", "Require publisher tokens signed with this secret")
	flags.StringVar(&grpcHealth, "grpc-health", "", "gRPC health listen address (disabled if empty)")
	flags.StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

// runServe runs the hub until ctx is cancelled
func runServe(ctx context.Context, cfg *config.Config) error {
	lvl, err := logging.LevelFromString(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	logging.SetAllLoggers(lvl)

	d, err := newDaemon(cfg)
	if err != nil {
		return err
	}
	if err := d.start(ctx, cfg); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.shutdown(shutdownCtx)
		return err
	}

	fmt.Fprintf(os.Stderr, "%s listening on %s (hub URL %s)\n", appName, d.addr(), cfg.HubURL())

	waitErr := d.wait(ctx)
	if waitErr == nil {
		log.Infow("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := d.shutdown(shutdownCtx); err != nil {
		log.Warnw("error during shutdown", "error", err)
	}
	return waitErr
}
