// Package config provides configuration management for the hub daemon.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"gopkg.in/yaml.v3"
)

// Store drivers
const (
	DriverMemory = "memory"
	DriverSQLite = "sqlite"
)

// Config represents the hub daemon configuration.
type Config struct {
	LogLevel     string             `yaml:"log_level"`
	Server       ServerConfig       `yaml:"server"`
	Store        StoreConfig        `yaml:"store"`
	HTTPClient   HTTPClientConfig   `yaml:"http_client"`
	Distribution DistributionConfig `yaml:"distribution"`
	WebSocket    WebSocketConfig    `yaml:"websocket"`
	Auth         AuthConfig         `yaml:"auth"`
	GRPCHealth   GRPCHealthConfig   `yaml:"grpc_health"`
}

// ServerConfig contains HTTP listener settings.
type ServerConfig struct {
	Listen       string        `yaml:"listen"`
	HubURL       string        `yaml:"hub_url"` // derived from listen when empty
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// StoreConfig selects and configures the subscription store.
type StoreConfig struct {
	Driver        string        `yaml:"driver"` // "memory" or "sqlite"
	Path          string        `yaml:"path"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// HTTPClientConfig bounds outbound verification and delivery requests.
type HTTPClientConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Retries int           `yaml:"retries"`
}

// DistributionConfig contains fan-out settings.
type DistributionConfig struct {
	Concurrency int `yaml:"concurrency"`
}

// WebSocketConfig contains socket gateway settings.
type WebSocketConfig struct {
	Enabled          bool          `yaml:"enabled"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	MaxPayload       int64         `yaml:"max_payload"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
}

// AuthConfig contains publisher authentication settings.
type AuthConfig struct {
	PublishSecret string        `yaml:"publish_secret"` // empty leaves /publish open
	TokenTTL      time.Duration `yaml:"token_ttl"`
}

// GRPCHealthConfig contains the gRPC health listener settings.
type GRPCHealthConfig struct {
	Listen        string        `yaml:"listen"` // empty disables the listener
	CheckInterval time.Duration `yaml:"check_interval"`
}

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()

	return &Config{
		LogLevel: "info",
		Server: ServerConfig{
			Listen:       ":3000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:        DriverMemory,
			Path:          filepath.Join(homeDir, ".websubhub", "hub.db"),
			SweepInterval: 30 * time.Second,
		},
		HTTPClient: HTTPClientConfig{
			Timeout: 2 * time.Second,
			Retries: 2,
		},
		Distribution: DistributionConfig{
			Concurrency: 4,
		},
		WebSocket: WebSocketConfig{
			Enabled:          false,
			PingInterval:     30 * time.Second,
			MaxPayload:       5 * 1024 * 1024,
			HandshakeTimeout: 300 * time.Millisecond,
		},
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		GRPCHealth: GRPCHealthConfig{
			CheckInterval: 10 * time.Second,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".websubhub", "config.yaml")
}

// Load loads configuration from a file. Fields missing from the file keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	// may hold the publish secret
	return os.WriteFile(path, data, 0600)
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if _, err := logging.LevelFromString(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	if c.Server.Listen == "" {
		errs = append(errs, errors.New("server.listen cannot be empty"))
	}
	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.Path == "" {
			errs = append(errs, errors.New("store.path is required for the sqlite driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q is not supported", c.Store.Driver))
	}
	if c.Store.SweepInterval <= 0 {
		errs = append(errs, errors.New("store.sweep_interval must be positive"))
	}
	if c.HTTPClient.Timeout <= 0 {
		errs = append(errs, errors.New("http_client.timeout must be positive"))
	}
	if c.HTTPClient.Retries < 0 {
		errs = append(errs, errors.New("http_client.retries cannot be negative"))
	}
	if c.Distribution.Concurrency <= 0 {
		errs = append(errs, errors.New("distribution.concurrency must be positive"))
	}
	if c.WebSocket.Enabled && c.WebSocket.MaxPayload <= 0 {
		errs = append(errs, errors.New("websocket.max_payload must be positive"))
	}
	if c.Auth.PublishSecret != "" && len(c.Auth.PublishSecret) < 16 {
		errs = append(errs, errors.New("auth.publish_secret must be at least 16 characters"))
	}

	return errors.Join(errs...)
}

// HubURL returns the configured hub URL, or one derived from the listen address.
func (c *Config) HubURL() string {
	if c.Server.HubURL != "" {
		return c.Server.HubURL
	}

	host, port, err := net.SplitHostPort(c.Server.Listen)
	if err != nil {
		return "http://" + c.Server.Listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}
