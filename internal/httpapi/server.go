package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/hub"
)

// Version is reported by GET /
var Version = "dev"

// Server represents the HTTP API server
type Server struct {
	hub        *hub.Hub
	jwtAuth    *JWTAuth
	handlers   *Handlers
	middleware *Middleware
	server     *http.Server
}

// Config holds server configuration
type Config struct {
	ListenAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	IdleTimeout   time.Duration

	// PublishSecret enables publisher authentication on /publish when set
	PublishSecret string
	TokenTTL      time.Duration
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":3000"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 120 * time.Second
	}
}

// NewServer creates a new HTTP API server
func NewServer(h *hub.Hub, config Config) *Server {
	config.SetDefaults()

	var jwtAuth *JWTAuth
	if config.PublishSecret != "" {
		jwtAuth = NewJWTAuth(config.PublishSecret, config.TokenTTL)
	}

	server := &Server{
		hub:        h,
		jwtAuth:    jwtAuth,
		handlers:   NewHandlers(h),
		middleware: NewMiddleware(jwtAuth),
	}

	server.server = &http.Server{
		Addr:           config.ListenAddress,
		Handler:        server.setupRoutes(),
		ReadTimeout:    config.ReadTimeout,
		WriteTimeout:   config.WriteTimeout,
		IdleTimeout:    config.IdleTimeout,
		MaxHeaderBytes: 1 << 20, // 1MB
	}
	return server
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the HTTP server on the configured address
func (s *Server) Start() error {
	return s.filterClosed(s.server.ListenAndServe())
}

// Serve serves on an existing listener
func (s *Server) Serve(l net.Listener) error {
	return s.filterClosed(s.server.Serve(l))
}

// Stop gracefully stops the HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) filterClosed(err error) error {
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	withMiddleware := func(handler http.HandlerFunc) http.Handler {
		return s.middleware.Recovery(
			s.middleware.Logging(
				s.middleware.CORS(handler)))
	}
	withJSON := func(handler http.HandlerFunc) http.Handler {
		return withMiddleware(s.middleware.ContentType(handler))
	}

	mux.Handle("/", withMiddleware(s.handleRoot))
	mux.Handle("/publish", withMiddleware(s.methods(map[string]http.HandlerFunc{
		http.MethodPost: s.middleware.PublisherRequired(s.handlers.Publish),
	})))
	mux.Handle("/subscriptions", withJSON(s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handlers.ListSubscriptions,
	})))
	mux.Handle("/health", withJSON(s.methods(map[string]http.HandlerFunc{
		http.MethodGet: s.handlers.Health,
	})))
	mux.Handle("/metrics", s.hub.Metrics().Handler())

	// the socket gateway hijacks the connection, so it bypasses the response middleware
	if ws := s.hub.SocketHandler(); ws != nil {
		mux.Handle("/ws", ws)
	}

	return mux
}

// handleRoot accepts subscription requests and describes the service
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		writeError(w, "Not found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.handlers.Subscribe(w, r)
	case http.MethodGet:
		writeJSON(w, s.serviceInfo(), http.StatusOK)
	default:
		writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) serviceInfo() ServiceInfo {
	endpoints := map[string]string{
		"subscribe":     "POST /",
		"publish":       "POST /publish",
		"subscriptions": "GET /subscriptions?start={start}&limit={limit}",
		"health":        "GET /health",
		"metrics":       "GET /metrics",
	}
	if s.hub.SocketHandler() != nil {
		endpoints["socket"] = "GET /ws"
	}
	return ServiceInfo{
		Service:   "WebSub hub",
		Version:   Version,
		HubURL:    s.hub.URL(),
		Endpoints: endpoints,
	}
}

// methods dispatches on the request method
func (s *Server) methods(handlers map[string]http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handler, ok := handlers[r.Method]
		if !ok {
			writeError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		handler(w, r)
	}
}
