// Package hub ties the subscription store, intent verifier, distribution
// engine and socket gateway together behind the operations the HTTP layer serves.
package hub

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/distributor"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/gateway"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/metrics"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/store"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/urlnorm"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/verifier"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

var log = logging.Logger("hub")

var (
	// ErrInvalidRequest is returned for malformed subscription or publish requests
	ErrInvalidRequest = errors.New("invalid request")
	// ErrVerificationDeclined is returned when the subscriber did not echo the challenge
	ErrVerificationDeclined = errors.New("subscriber declined verification")
	// ErrVerificationUnreachable is returned when the callback failed or could not be reached
	ErrVerificationUnreachable = errors.New("subscriber could not be verified")
	// ErrNothingToUnsubscribe is returned when unsubscribing a subscription that does not exist
	ErrNothingToUnsubscribe = errors.New("subscription does not exist")
	// ErrSocketDisabled is returned when socket delivery is requested but not enabled
	ErrSocketDisabled = errors.New("socket delivery is not enabled")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("hub is closed")
)

// SubscriptionRequest carries the hub.* parameters of a subscribe or unsubscribe request
type SubscriptionRequest struct {
	Callback     string
	Mode         subscription.Mode
	Topic        string
	LeaseSeconds int
	Secret       string
	Format       string
	UseSocket    bool
}

// HealthStatus reports the state of the hub and its components
type HealthStatus struct {
	Healthy      bool   `json:"healthy"`
	StoreHealthy bool   `json:"storeHealthy"`
	Sockets      bool   `json:"socketsEnabled"`
	OpenSockets  int    `json:"openSockets"`
	Message      string `json:"message,omitempty"`
}

// Hub implements the WebSub hub operations
type Hub struct {
	mu     sync.RWMutex
	config *Config

	store       subscription.Store
	verifier    *verifier.Verifier
	distributor *distributor.Distributor
	gateway     *gateway.Gateway
	sweeper     *store.Sweeper
	metrics     *metrics.Metrics

	started bool
	closed  bool
}

// New creates a hub around st. It takes ownership of st and closes it on Close.
// Call Start to begin lease sweeping.
func New(config *Config, st subscription.Store, m *metrics.Metrics) (*Hub, error) {
	if config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if st == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if m == nil {
		m = metrics.New()
	}

	h := &Hub{
		config:   config,
		store:    st,
		verifier: verifier.New(config.Verifier),
		metrics:  m,
	}

	opts := []distributor.Option{distributor.WithRecorder(m)}
	if config.Sockets {
		h.gateway = gateway.New(config.Gateway, st)
		m.RegisterSocketGauge(h.gateway.Count)
		opts = append(opts, distributor.WithSockets(h.gateway))
	}
	h.distributor = distributor.New(config.Distributor, st, opts...)

	sweeperConfig := config.Sweeper
	onSweep := sweeperConfig.OnSweep
	sweeperConfig.OnSweep = func(removed int) {
		m.Expired(removed)
		if onSweep != nil {
			onSweep(removed)
		}
	}
	h.sweeper = store.NewSweeper(st, sweeperConfig)

	return h, nil
}

// Start begins background lease expiry
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrClosed
	}
	if h.started {
		return nil
	}

	h.sweeper.Start(ctx)
	h.started = true
	log.Infow("hub started", "hubUrl", h.config.HubURL, "sockets", h.config.Sockets)
	return nil
}

// Close stops sweeping, waits for in-flight fan-outs until ctx expires,
// terminates sockets and closes the store.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.started = false
	h.mu.Unlock()

	h.sweeper.Stop()

	var errs []error
	if err := h.distributor.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to drain deliveries: %w", err))
	}
	if h.gateway != nil {
		if err := h.gateway.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close gateway: %w", err))
		}
	}
	if err := h.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close store: %w", err))
	}
	return errors.Join(errs...)
}

// HandleSubscription validates, normalizes and verifies a subscribe or
// unsubscribe request and applies it to the store.
func (h *Hub) HandleSubscription(ctx context.Context, req SubscriptionRequest) error {
	if h.isClosed() {
		return ErrClosed
	}

	err := h.handleSubscription(ctx, req)
	mode := string(req.Mode)
	if req.Mode != subscription.ModeSubscribe && req.Mode != subscription.ModeUnsubscribe {
		mode = "other"
	}
	h.metrics.SubscriptionRequest(mode, resultLabel(err))
	return err
}

func (h *Hub) handleSubscription(ctx context.Context, req SubscriptionRequest) error {
	sub, callback, err := h.parseRequest(req)
	if err != nil {
		return err
	}
	key := sub.Key()

	if req.Mode == subscription.ModeUnsubscribe {
		exists, err := h.store.Exists(ctx, key)
		if err != nil {
			return fmt.Errorf("check subscription: %w", err)
		}
		if !exists {
			return ErrNothingToUnsubscribe
		}
	}

	outcome := h.verifier.Verify(ctx, verifier.Request{
		Callback:     callback,
		Topic:        sub.Topic,
		Mode:         req.Mode,
		LeaseSeconds: sub.LeaseSeconds,
		Challenge:    verifier.NewChallenge(),
	})
	h.metrics.Verification(outcome.String())

	switch outcome {
	case verifier.Declined:
		return ErrVerificationDeclined
	case verifier.HTTPError:
		return ErrVerificationUnreachable
	}

	log.Infow("intent verified", "mode", req.Mode, "callback", sub.CallbackURL, "topic", sub.Topic)

	if req.Mode == subscription.ModeUnsubscribe {
		return h.unsubscribe(ctx, key)
	}
	return h.subscribe(ctx, sub)
}

func (h *Hub) parseRequest(req SubscriptionRequest) (*subscription.Subscription, urlnorm.Normalized, error) {
	var none urlnorm.Normalized

	if req.Mode != subscription.ModeSubscribe && req.Mode != subscription.ModeUnsubscribe {
		return nil, none, fmt.Errorf("%w: unsupported hub.mode %q", ErrInvalidRequest, req.Mode)
	}
	if req.Callback == "" || req.Topic == "" {
		return nil, none, fmt.Errorf("%w: hub.callback and hub.topic are required", ErrInvalidRequest)
	}

	topic, err := urlnorm.Normalize(req.Topic)
	if err != nil {
		return nil, none, fmt.Errorf("%w: hub.topic: %w", ErrInvalidRequest, err)
	}
	callback, err := urlnorm.Normalize(req.Callback)
	if err != nil {
		return nil, none, fmt.Errorf("%w: hub.callback: %w", ErrInvalidRequest, err)
	}
	if callback.Protocol != "http" && callback.Protocol != "https" {
		return nil, none, fmt.Errorf("%w: hub.callback must be an http(s) URL", ErrInvalidRequest)
	}

	if req.LeaseSeconds < 0 {
		return nil, none, fmt.Errorf("%w: hub.lease_seconds must be positive", ErrInvalidRequest)
	}
	if req.Secret != "" && len(req.Secret) < subscription.MinSecretLength {
		return nil, none, fmt.Errorf("%w: hub.secret must be at least %d characters", ErrInvalidRequest, subscription.MinSecretLength)
	}
	format, err := subscription.ParseFormat(req.Format)
	if err != nil {
		return nil, none, fmt.Errorf("%w: hub.format: %w", ErrInvalidRequest, err)
	}
	if req.UseSocket && h.gateway == nil {
		return nil, none, ErrSocketDisabled
	}

	sub := subscription.New(topic.URL, callback.URL, req.LeaseSeconds)
	sub.TopicQuery = topic.Query
	sub.CallbackQuery = callback.Query
	sub.Protocol = callback.Protocol
	sub.Secret = req.Secret
	sub.Format = format
	sub.UseSocket = req.UseSocket
	return sub, callback, nil
}

// subscribe renews an active subscription or creates a new one. A concurrent
// create for the same tuple turns into a renewal.
func (h *Hub) subscribe(ctx context.Context, sub *subscription.Subscription) error {
	useSocket := sub.UseSocket
	renewal := subscription.RenewOptions{
		LeaseSeconds: sub.LeaseSeconds,
		Secret:       sub.Secret,
		Format:       sub.Format,
		UseSocket:    &useSocket,
		Queries:      &subscription.Queries{Topic: sub.TopicQuery, Callback: sub.CallbackQuery},
	}

	for attempt := 0; attempt < 2; attempt++ {
		_, err := h.store.Renew(ctx, sub.Key(), renewal)
		if err == nil {
			log.Infow("subscription renewed", "callback", sub.CallbackURL, "topic", sub.Topic, "leaseSeconds", sub.LeaseSeconds)
			return nil
		}
		if !errors.Is(err, subscription.ErrNotFound) {
			return fmt.Errorf("renew subscription: %w", err)
		}

		err = h.store.Create(ctx, sub)
		if err == nil {
			log.Infow("subscription created", "callback", sub.CallbackURL, "topic", sub.Topic, "leaseSeconds", sub.LeaseSeconds)
			return nil
		}
		if !errors.Is(err, subscription.ErrConflict) {
			return fmt.Errorf("create subscription: %w", err)
		}
	}
	return fmt.Errorf("create subscription: %w", subscription.ErrConflict)
}

func (h *Hub) unsubscribe(ctx context.Context, key subscription.Key) error {
	removed, err := h.store.Delete(ctx, key)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	if h.gateway != nil {
		h.gateway.Disconnect(key)
	}
	if !removed {
		// expired between the existence check and verification
		return ErrNothingToUnsubscribe
	}
	log.Infow("subscription deleted", "callback", key.CallbackURL, "topic", key.Topic)
	return nil
}

// Publish starts distributing the current content of topicURL to its subscribers
func (h *Hub) Publish(ctx context.Context, topicURL string) (*distributor.Dispatch, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	if topicURL == "" {
		return nil, fmt.Errorf("%w: hub.url is required", ErrInvalidRequest)
	}
	topic, err := urlnorm.Normalize(topicURL)
	if err != nil {
		return nil, fmt.Errorf("%w: hub.url: %w", ErrInvalidRequest, err)
	}

	dispatch, err := h.distributor.Publish(ctx, topic.URL)
	if err != nil {
		return nil, err
	}
	h.metrics.Publish()
	return dispatch, nil
}

// ListSubscriptions returns a page of active subscriptions without secrets
func (h *Hub) ListSubscriptions(ctx context.Context, start, limit int) ([]subscription.Subscription, error) {
	if h.isClosed() {
		return nil, ErrClosed
	}
	if start < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: start and limit must not be negative", ErrInvalidRequest)
	}
	return h.store.ListAll(ctx, start, limit)
}

// Health returns the current health of the hub
func (h *Hub) Health(ctx context.Context) HealthStatus {
	status := HealthStatus{Sockets: h.gateway != nil}
	if h.isClosed() {
		status.Message = ErrClosed.Error()
		return status
	}

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := h.store.Ping(pingCtx); err != nil {
		status.Message = fmt.Sprintf("store unavailable: %v", err)
	} else {
		status.StoreHealthy = true
	}
	if h.gateway != nil {
		status.OpenSockets = h.gateway.Count()
	}
	status.Healthy = status.StoreHealthy
	return status
}

// SocketHandler returns the socket gateway, or nil when sockets are disabled
func (h *Hub) SocketHandler() http.Handler {
	if h.gateway == nil {
		return nil
	}
	return h.gateway
}

// Metrics returns the hub's collectors
func (h *Hub) Metrics() *metrics.Metrics {
	return h.metrics
}

// URL returns the advertised hub URL
func (h *Hub) URL() string {
	return h.config.HubURL
}

func (h *Hub) isClosed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrSocketDisabled):
		return "invalid"
	case errors.Is(err, ErrVerificationDeclined), errors.Is(err, ErrVerificationUnreachable):
		return "unverified"
	case errors.Is(err, ErrNothingToUnsubscribe):
		return "not_found"
	default:
		return "error"
	}
}
