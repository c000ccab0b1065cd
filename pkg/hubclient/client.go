// Package hubclient is a Go client for the hub's HTTP API and socket delivery channel.
package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/cenkalti/backoff/v4"
)

// Client provides an HTTP client for the hub API
type Client struct {
	config     Config
	httpClient *http.Client
	token      string
	baseURL    *url.URL
}

// NewClient creates a new hub client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.HubURL == "" {
		return nil, fmt.Errorf("HubURL is required")
	}

	baseURL, err := url.Parse(config.HubURL)
	if err != nil {
		return nil, fmt.Errorf("invalid HubURL: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("invalid HubURL: scheme must be http or https")
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		token:      config.Token,
		baseURL:    baseURL,
	}, nil
}

// Subscribe asks the hub to create or renew a subscription. It returns once
// the hub has verified intent with the callback.
func (c *Client) Subscribe(ctx context.Context, req SubscribeRequest) error {
	form := url.Values{}
	form.Set("hub.mode", "subscribe")
	form.Set("hub.topic", req.Topic)
	form.Set("hub.callback", req.Callback)
	if req.LeaseSeconds > 0 {
		form.Set("hub.lease_seconds", strconv.Itoa(req.LeaseSeconds))
	}
	if req.Secret != "" {
		form.Set("hub.secret", req.Secret)
	}
	if req.Format != "" {
		form.Set("hub.format", req.Format)
	}
	if req.UseSocket {
		form.Set("hub.ws", "true")
	}

	if err := c.postForm(ctx, "/", form, false); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	return nil
}

// Unsubscribe removes the subscription of callback to topic
func (c *Client) Unsubscribe(ctx context.Context, topic, callback string) error {
	form := url.Values{}
	form.Set("hub.mode", "unsubscribe")
	form.Set("hub.topic", topic)
	form.Set("hub.callback", callback)

	if err := c.postForm(ctx, "/", form, false); err != nil {
		return fmt.Errorf("failed to unsubscribe: %w", err)
	}
	return nil
}

// Publish notifies the hub that topicURL has new content
func (c *Client) Publish(ctx context.Context, topicURL string) error {
	form := url.Values{}
	form.Set("hub.mode", "publish")
	form.Set("hub.url", topicURL)

	if err := c.postForm(ctx, "/publish", form, true); err != nil {
		return fmt.Errorf("failed to publish: %w", err)
	}
	return nil
}

// ListSubscriptions returns a page of active subscriptions
func (c *Client) ListSubscriptions(ctx context.Context, start, limit int) ([]Subscription, error) {
	query := url.Values{}
	query.Set("start", strconv.Itoa(start))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	var subs []Subscription
	if err := c.get(ctx, "/subscriptions", query, &subs); err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	return subs, nil
}

// GetHealth returns the health status of the hub. An unhealthy hub answers
// 503 with a body; that body is returned together with the error.
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	err := c.get(ctx, "/health", nil, &resp)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusServiceUnavailable {
			return &resp, fmt.Errorf("hub unhealthy: %w", err)
		}
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// GetInfo returns the hub's service description
func (c *Client) GetInfo(ctx context.Context) (*ServiceInfo, error) {
	var info ServiceInfo
	if err := c.get(ctx, "/", nil, &info); err != nil {
		return nil, fmt.Errorf("failed to get service info: %w", err)
	}
	return &info, nil
}

// SetToken sets the publisher token
func (c *Client) SetToken(token string) {
	c.token = token
}

// HubURL returns the hub base URL
func (c *Client) HubURL() string {
	return c.baseURL.String()
}

func (c *Client) postForm(ctx context.Context, path string, form url.Values, auth bool) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolve(path, nil), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if auth && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	return c.do(req, nil)
}

// get performs a GET, retrying transport failures with exponential backoff
func (c *Client) get(ctx context.Context, path string, query url.Values, respBody interface{}) error {
	target := c.resolve(path, query)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		err = c.do(req, respBody)
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			return backoff.Permanent(err)
		}
		return err
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(max(c.config.MaxRetries, 0))),
		ctx,
	)
	return backoff.Retry(operation, policy)
}

func (c *Client) resolve(path string, query url.Values) string {
	u := &url.URL{Path: path}
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	return c.baseURL.ResolveReference(u).String()
}

func (c *Client) do(req *http.Request, respBody interface{}) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err == nil && errResp.Message != "" {
			apiErr.Message = errResp.Message
		}
		// health reports its state in the 503 body
		if respBody != nil {
			_ = json.Unmarshal(bodyBytes, respBody)
		}
		return apiErr
	}

	if respBody != nil && len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// IsStatus reports whether err is an APIError with the given status code
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}
