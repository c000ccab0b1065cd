package hubclient

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config holds client configuration
type Config struct {
	// HubURL is the base URL of the hub (e.g., "http://localhost:3000")
	HubURL string

	// Token is the publisher bearer token sent on /publish (optional)
	Token string

	// Timeout for HTTP requests
	Timeout time.Duration

	// MaxRetries for read-only requests that fail in transport
	MaxRetries int
}

// SetDefaults sets reasonable default values for the config
func (c *Config) SetDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

// SubscribeRequest describes a subscription to create or renew
type SubscribeRequest struct {
	Topic        string
	Callback     string
	LeaseSeconds int
	Secret       string
	Format       string // "json" or "xml"
	UseSocket    bool
}

// Subscription is one entry of GET /subscriptions
type Subscription struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	TopicQuery    map[string]string `json:"topicQuery,omitempty"`
	CallbackURL   string            `json:"callbackUrl"`
	CallbackQuery map[string]string `json:"callbackQuery,omitempty"`
	Protocol      string            `json:"protocol"`
	Mode          string            `json:"mode"`
	LeaseSeconds  int               `json:"leaseSeconds"`
	LeaseEndAt    time.Time         `json:"leaseEndAt"`
	Format        string            `json:"format"`
	UseSocket     bool              `json:"ws"`
	CreatedAt     time.Time         `json:"createdAt"`
}

// HealthResponse represents health check response
type HealthResponse struct {
	Healthy      bool   `json:"healthy"`
	StoreHealthy bool   `json:"storeHealthy"`
	Sockets      bool   `json:"socketsEnabled"`
	OpenSockets  int    `json:"openSockets"`
	Message      string `json:"message"`
}

// ServiceInfo is returned by GET /
type ServiceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	HubURL    string            `json:"hubUrl"`
	Endpoints map[string]string `json:"endpoints"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// APIError is returned when the hub answers with a non-2xx status
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("hub error (%d)", e.StatusCode)
	}
	return fmt.Sprintf("hub error (%d): %s", e.StatusCode, e.Message)
}

// SocketMessage is one piece of content pushed over a socket
type SocketMessage struct {
	Topic   string            `json:"topic"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Data    json.RawMessage   `json:"data"`
}

// RejectedError is reported when the hub refuses a socket, e.g. because the
// subscription does not exist
type RejectedError struct {
	Code string
}

func (e *RejectedError) Error() string {
	return "socket rejected by hub: " + e.Code
}
