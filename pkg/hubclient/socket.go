package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Identity headers presented when opening a socket
const (
	headerTopic    = "X-Hub-Topic"
	headerCallback = "X-Hub-Callback"
)

// SocketClient receives content for a socket subscription
type SocketClient struct {
	client   *Client
	messages chan SocketMessage
	errors   chan error
	done     chan struct{}
	cancel   context.CancelFunc

	mu sync.Mutex
	ws *websocket.Conn
}

// SocketConfig configures the socket client
type SocketConfig struct {
	// Topic and Callback identify an existing subscription made with UseSocket
	Topic    string
	Callback string

	// BufferSize for the message channel
	BufferSize int

	// ReconnectDelay for automatic reconnection
	ReconnectDelay time.Duration

	// MaxReconnectAttempts (0 = infinite)
	MaxReconnectAttempts int
}

// SetDefaults sets reasonable default values for SocketConfig
func (sc *SocketConfig) SetDefaults() {
	if sc.BufferSize == 0 {
		sc.BufferSize = 100
	}
	if sc.ReconnectDelay == 0 {
		sc.ReconnectDelay = 2 * time.Second
	}
}

// Listen opens the socket for a subscription and streams delivered content.
// The connection is re-established after transport failures; a rejection by
// the hub ends the stream.
func (c *Client) Listen(ctx context.Context, config SocketConfig) (*SocketClient, error) {
	if config.Topic == "" || config.Callback == "" {
		return nil, fmt.Errorf("topic and callback are required")
	}
	config.SetDefaults()

	streamCtx, cancel := context.WithCancel(ctx)

	sc := &SocketClient{
		client:   c,
		messages: make(chan SocketMessage, config.BufferSize),
		errors:   make(chan error, 10),
		done:     make(chan struct{}),
		cancel:   cancel,
	}

	go sc.run(streamCtx, config)

	return sc, nil
}

// Messages returns the channel for receiving content
func (sc *SocketClient) Messages() <-chan SocketMessage {
	return sc.messages
}

// Errors returns the channel for receiving errors
func (sc *SocketClient) Errors() <-chan error {
	return sc.errors
}

// Done returns a channel that's closed when the stream ends
func (sc *SocketClient) Done() <-chan struct{} {
	return sc.done
}

// Close stops the socket client and waits for it to finish
func (sc *SocketClient) Close() error {
	sc.cancel()

	sc.mu.Lock()
	if sc.ws != nil {
		sc.ws.Close()
	}
	sc.mu.Unlock()

	<-sc.done
	return nil
}

func (sc *SocketClient) run(ctx context.Context, config SocketConfig) {
	defer close(sc.done)
	defer close(sc.messages)
	defer close(sc.errors)

	attempts := 0
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		err := sc.connectAndRead(ctx, config)
		if err != nil {
			sc.report(ctx, err)

			var rejected *RejectedError
			if errors.As(err, &rejected) {
				return
			}
		}

		if config.MaxReconnectAttempts > 0 && attempts >= config.MaxReconnectAttempts {
			sc.report(ctx, fmt.Errorf("max reconnect attempts (%d) exceeded", config.MaxReconnectAttempts))
			return
		}
		attempts++

		select {
		case <-time.After(config.ReconnectDelay):
		case <-ctx.Done():
			return
		}
	}
}

func (sc *SocketClient) report(ctx context.Context, err error) {
	select {
	case sc.errors <- err:
	case <-ctx.Done():
	default:
	}
}

func (sc *SocketClient) connectAndRead(ctx context.Context, config SocketConfig) error {
	header := http.Header{}
	header.Set(headerTopic, config.Topic)
	header.Set(headerCallback, config.Callback)

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, sc.socketURL(), header)
	if err != nil {
		return fmt.Errorf("failed to connect socket: %w", err)
	}

	sc.mu.Lock()
	sc.ws = ws
	sc.mu.Unlock()
	defer func() {
		sc.mu.Lock()
		sc.ws = nil
		sc.mu.Unlock()
		ws.Close()
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("socket read failed: %w", err)
		}

		var msg SocketMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			sc.report(ctx, fmt.Errorf("failed to parse message: %w", err))
			continue
		}
		if msg.Topic == "" {
			var status struct {
				Code string `json:"code"`
			}
			if json.Unmarshal(data, &status) == nil && status.Code != "" {
				return &RejectedError{Code: status.Code}
			}
			continue
		}

		select {
		case sc.messages <- msg:
		case <-ctx.Done():
			return nil
		}
	}
}

// socketURL maps the hub base URL onto its ws:// or wss:// socket endpoint
func (sc *SocketClient) socketURL() string {
	u := *sc.client.baseURL
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	return u.ResolveReference(&url.URL{Path: "/ws"}).String()
}
