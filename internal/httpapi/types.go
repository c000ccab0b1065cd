package httpapi

import "time"

// Request/Response types for the HTTP API

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// ServiceInfo is returned by GET /
type ServiceInfo struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	HubURL    string            `json:"hubUrl"`
	Endpoints map[string]string `json:"endpoints"`
}

// TokenResponse describes a minted publisher token
type TokenResponse struct {
	Token     string    `json:"token"`
	Publisher string    `json:"publisher"`
	ExpiresAt time.Time `json:"expiresAt"`
}
