package config

import (
	"github.com/rmacdonaldsmith/websub-hub-go/internal/distributor"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/gateway"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/grpchealth"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/httpapi"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/hub"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/store"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/verifier"
)

// HubConfig builds the hub component configuration.
func (c *Config) HubConfig() *hub.Config {
	retries := c.HTTPClient.Retries
	if retries == 0 {
		// the verifier treats zero as "use the default"
		retries = -1
	}

	return hub.NewConfig(c.HubURL()).
		WithSockets(c.WebSocket.Enabled).
		WithVerifierConfig(verifier.Config{
			Timeout:    c.HTTPClient.Timeout,
			MaxRetries: retries,
		}).
		WithDistributorConfig(distributor.Config{
			Concurrency: c.Distribution.Concurrency,
			Timeout:     c.HTTPClient.Timeout,
		}).
		WithGatewayConfig(gateway.Config{
			PingInterval:     c.WebSocket.PingInterval,
			MaxPayload:       c.WebSocket.MaxPayload,
			HandshakeTimeout: c.WebSocket.HandshakeTimeout,
		}).
		WithSweeperConfig(store.SweeperConfig{
			Interval: c.Store.SweepInterval,
		})
}

// HTTPConfig builds the HTTP server configuration.
func (c *Config) HTTPConfig() httpapi.Config {
	cfg := httpapi.Config{
		ListenAddress: c.Server.Listen,
		ReadTimeout:   c.Server.ReadTimeout,
		WriteTimeout:  c.Server.WriteTimeout,
		PublishSecret: c.Auth.PublishSecret,
		TokenTTL:      c.Auth.TokenTTL,
	}
	cfg.SetDefaults()
	return cfg
}

// GRPCHealthConfig builds the gRPC health listener configuration.
// ok is false when the listener is disabled.
func (c *Config) GRPCHealthConfig() (cfg grpchealth.Config, ok bool) {
	cfg = grpchealth.Config{
		ListenAddress: c.GRPCHealth.Listen,
		CheckInterval: c.GRPCHealth.CheckInterval,
	}
	cfg.SetDefaults()
	return cfg, c.GRPCHealth.Listen != ""
}
