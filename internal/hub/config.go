package hub

import (
	"errors"
	"fmt"
	"net/url"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/distributor"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/gateway"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/store"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/verifier"
)

var (
	// ErrEmptyHubURL is returned when no hub URL is configured
	ErrEmptyHubURL = errors.New("hub URL cannot be empty")
	// ErrInvalidHubURL is returned when the hub URL is not absolute
	ErrInvalidHubURL = errors.New("hub URL must be an absolute http(s) URL")
)

// Config represents configuration for a Hub
type Config struct {
	// HubURL is the public URL advertised in rel="hub" Link headers
	HubURL string

	// Sockets enables the socket delivery channel
	Sockets bool

	Verifier    verifier.Config
	Distributor distributor.Config
	Gateway     gateway.Config
	Sweeper     store.SweeperConfig
}

// NewConfig creates a Hub configuration with safe defaults
func NewConfig(hubURL string) *Config {
	c := &Config{HubURL: hubURL}
	c.SetDefaults()
	return c
}

// SetDefaults fills unset component settings
func (c *Config) SetDefaults() {
	c.Verifier.SetDefaults()
	c.Distributor.SetDefaults()
	c.Gateway.SetDefaults()
	c.Sweeper.SetDefaults()
	c.Distributor.HubURL = c.HubURL
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return ErrEmptyHubURL
	}
	u, err := url.Parse(c.HubURL)
	if err != nil || !u.IsAbs() || (u.Scheme != "http" && u.Scheme != "https") {
		return ErrInvalidHubURL
	}

	if err := c.Verifier.Validate(); err != nil {
		return fmt.Errorf("invalid verifier config: %w", err)
	}
	if err := c.Distributor.Validate(); err != nil {
		return fmt.Errorf("invalid distributor config: %w", err)
	}
	if c.Sockets {
		if err := c.Gateway.Validate(); err != nil {
			return fmt.Errorf("invalid gateway config: %w", err)
		}
	}
	if err := c.Sweeper.Validate(); err != nil {
		return fmt.Errorf("invalid sweeper config: %w", err)
	}
	return nil
}

// WithSockets enables or disables socket delivery
func (c *Config) WithSockets(enabled bool) *Config {
	c.Sockets = enabled
	return c
}

// WithVerifierConfig sets the verifier configuration
func (c *Config) WithVerifierConfig(config verifier.Config) *Config {
	config.SetDefaults()
	c.Verifier = config
	return c
}

// WithDistributorConfig sets the distributor configuration. HubURL is always taken from the hub.
func (c *Config) WithDistributorConfig(config distributor.Config) *Config {
	config.SetDefaults()
	config.HubURL = c.HubURL
	c.Distributor = config
	return c
}

// WithGatewayConfig sets the socket gateway configuration
func (c *Config) WithGatewayConfig(config gateway.Config) *Config {
	config.SetDefaults()
	c.Gateway = config
	return c
}

// WithSweeperConfig sets the lease sweeper configuration
func (c *Config) WithSweeperConfig(config store.SweeperConfig) *Config {
	config.SetDefaults()
	c.Sweeper = config
	return c
}
