// Package gateway keeps long-lived websocket connections from subscribers that
// asked for socket delivery and pushes distributed content over them.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/urlnorm"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

var log = logging.Logger("gateway")

// Identity headers a subscriber presents when opening a socket
const (
	HeaderTopic    = "X-Hub-Topic"
	HeaderCallback = "X-Hub-Callback"
)

// Codes sent to a client before its connection is terminated
const (
	CodeSubscriptionNotExists = "WSH_SUBSCRIPTION_NOT_EXISTS"
	CodeInternalError         = "WSH_INTERNAL_ERROR"
)

const (
	DefaultPingInterval     = 30 * time.Second
	DefaultMaxPayload       = 5 * 1024 * 1024
	DefaultHandshakeTimeout = 300 * time.Millisecond
	DefaultWriteTimeout     = 10 * time.Second
)

var (
	// ErrNoConnection is returned by Send when no socket is open for the key
	ErrNoConnection = errors.New("no socket connection for subscription")
	// ErrClosed is returned after Close
	ErrClosed = errors.New("gateway closed")
)

// Config holds gateway settings
type Config struct {
	PingInterval     time.Duration
	MaxPayload       int64
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.PingInterval <= 0 {
		c.PingInterval = DefaultPingInterval
	}
	if c.MaxPayload <= 0 {
		c.MaxPayload = DefaultMaxPayload
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = DefaultWriteTimeout
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.PingInterval <= 0 {
		return errors.New("ping interval must be positive")
	}
	if c.MaxPayload <= 0 {
		return errors.New("max payload must be positive")
	}
	return nil
}

// Checker reports whether an active subscription exists for a key
type Checker interface {
	Exists(ctx context.Context, key subscription.Key) (bool, error)
}

// Message is the envelope pushed to socket subscribers
type Message struct {
	Topic   string            `json:"topic"`
	Headers map[string]string `json:"headers"`
	Query   map[string]string `json:"query"`
	Data    any               `json:"data"`
}

type statusMessage struct {
	Code string `json:"code"`
}

// Gateway accepts subscriber sockets and maps them by subscription key
type Gateway struct {
	config   Config
	checker  Checker
	upgrader websocket.Upgrader

	mu     sync.RWMutex
	conns  map[subscription.Key]*conn
	closed bool

	stop chan struct{}
	done chan struct{}
}

// New creates a gateway and starts its liveness loop. Call Close to stop it.
func New(config Config, checker Checker) *Gateway {
	config.SetDefaults()
	g := &Gateway{
		config:  config,
		checker: checker,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: config.HandshakeTimeout,
			CheckOrigin:      func(r *http.Request) bool { return true },
		},
		conns: make(map[subscription.Key]*conn),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go g.pingLoop()
	return g
}

// ServeHTTP upgrades the request and registers the socket if the presented
// topic and callback identify an active subscription.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debugw("websocket upgrade failed", "error", err)
		return
	}
	ws.SetReadLimit(g.config.MaxPayload)

	c := newConn(ws, g.config.WriteTimeout)
	log.Infow("new websocket connection", "remote", r.RemoteAddr)

	key, code := g.admit(r)
	if code != "" {
		c.reject(code)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		c.terminate()
		return
	}
	previous := g.conns[key]
	g.conns[key] = c
	g.mu.Unlock()

	if previous != nil {
		log.Debugw("replacing websocket connection", "key", key.String())
		previous.terminate()
	}

	go g.readLoop(key, c)
}

func (g *Gateway) admit(r *http.Request) (subscription.Key, string) {
	topic, err := urlnorm.Normalize(r.Header.Get(HeaderTopic))
	if err != nil {
		log.Errorw("connection could not be accepted", "error", err)
		return subscription.Key{}, CodeInternalError
	}
	callback, err := urlnorm.Normalize(r.Header.Get(HeaderCallback))
	if err != nil {
		log.Errorw("connection could not be accepted", "error", err)
		return subscription.Key{}, CodeInternalError
	}

	key := subscription.Key{Topic: topic.URL, CallbackURL: callback.URL}
	exists, err := g.checker.Exists(r.Context(), key)
	if err != nil {
		log.Errorw("connection could not be accepted", "key", key.String(), "error", err)
		return key, CodeInternalError
	}
	if !exists {
		log.Errorw("cannot open websocket connection because subscription does not exist", "key", key.String())
		return key, CodeSubscriptionNotExists
	}
	return key, ""
}

// readLoop drains client frames so control frames (pong, close) are processed.
func (g *Gateway) readLoop(key subscription.Key, c *conn) {
	defer g.remove(key, c)
	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugw("websocket read failed", "key", key.String(), "error", err)
			}
			return
		}
	}
}

func (g *Gateway) remove(key subscription.Key, c *conn) {
	g.mu.Lock()
	if g.conns[key] == c {
		delete(g.conns, key)
	}
	g.mu.Unlock()
	c.terminate()
}

func (g *Gateway) pingLoop() {
	defer close(g.done)

	ticker := time.NewTicker(g.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.pingAll()
		}
	}
}

// pingAll terminates connections that missed the previous ping and pings the rest
func (g *Gateway) pingAll() {
	g.mu.RLock()
	snapshot := make(map[subscription.Key]*conn, len(g.conns))
	for k, c := range g.conns {
		snapshot[k] = c
	}
	g.mu.RUnlock()

	for key, c := range snapshot {
		if !c.alive.Load() {
			log.Infow("terminating unresponsive websocket", "key", key.String())
			g.remove(key, c)
			continue
		}
		c.alive.Store(false)
		if err := c.ping(); err != nil {
			log.Debugw("websocket ping failed", "key", key.String(), "error", err)
			g.remove(key, c)
		}
	}
}

// Send pushes v as a JSON text frame to the socket registered for key
func (g *Gateway) Send(key subscription.Key, v any) error {
	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return ErrClosed
	}
	c, ok := g.conns[key]
	g.mu.RUnlock()
	if !ok {
		return ErrNoConnection
	}

	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.write(websocket.TextMessage, payload); err != nil {
		g.remove(key, c)
		return err
	}
	return nil
}

// Connected reports whether a socket is registered for key
func (g *Gateway) Connected(key subscription.Key) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[key]
	return ok
}

// Disconnect terminates the socket registered for key, if any
func (g *Gateway) Disconnect(key subscription.Key) bool {
	g.mu.Lock()
	c, ok := g.conns[key]
	if ok {
		delete(g.conns, key)
	}
	g.mu.Unlock()

	if ok {
		c.terminate()
	}
	return ok
}

// Count returns the number of open sockets
func (g *Gateway) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// Close terminates every socket and stops the liveness loop. Calling Close more than once is safe.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	conns := g.conns
	g.conns = make(map[subscription.Key]*conn)
	g.mu.Unlock()

	close(g.stop)
	<-g.done

	for _, c := range conns {
		c.terminate()
	}
	return nil
}

// conn serialises writes to one websocket
type conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	alive        atomic.Bool
	closeOnce    sync.Once
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *conn {
	c := &conn{ws: ws, writeTimeout: writeTimeout}
	c.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		c.alive.Store(true)
		return nil
	})
	return c
}

func (c *conn) write(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}

func (c *conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (c *conn) reject(code string) {
	if payload, err := json.Marshal(statusMessage{Code: code}); err == nil {
		c.write(websocket.TextMessage, payload)
	}
	c.terminate()
}

func (c *conn) terminate() {
	c.closeOnce.Do(func() {
		c.ws.Close()
	})
}
