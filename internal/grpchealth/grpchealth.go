// Package grpchealth serves the standard gRPC health checking protocol,
// reporting SERVING while the hub's store is reachable.
package grpchealth

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

var log = logging.Logger("grpchealth")

// ServiceName is the service reported alongside the overall ("") status
const ServiceName = "websubhub.Hub"

const DefaultCheckInterval = 10 * time.Second

// Checker reports whether the hub is healthy
type Checker interface {
	Healthy(ctx context.Context) bool
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func(ctx context.Context) bool

func (f CheckerFunc) Healthy(ctx context.Context) bool { return f(ctx) }

// Config holds health server settings
type Config struct {
	ListenAddress string
	CheckInterval time.Duration
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.ListenAddress == "" {
		return errors.New("health listen address cannot be empty")
	}
	return nil
}

// Server runs a gRPC server exposing grpc.health.v1.Health
type Server struct {
	config  Config
	checker Checker
	grpc    *grpc.Server
	health  *health.Server

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewServer creates a health server backed by checker
func NewServer(config Config, checker Checker) *Server {
	config.SetDefaults()

	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{
		config:  config,
		checker: checker,
		grpc:    gs,
		health:  hs,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// ListenAndServe listens on the configured address and serves until Stop
func (s *Server) ListenAndServe() error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	lis, err := net.Listen("tcp", s.config.ListenAddress)
	if err != nil {
		return err
	}
	return s.Serve(lis)
}

// Serve serves on lis until Stop. The status is refreshed every CheckInterval.
func (s *Server) Serve(lis net.Listener) error {
	s.refresh()
	go s.watch()

	log.Infow("gRPC health service listening", "address", lis.Addr().String())
	err := s.grpc.Serve(lis)
	if errors.Is(err, grpc.ErrServerStopped) {
		return nil
	}
	return err
}

// Stop marks every service NOT_SERVING and stops the server gracefully
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.health.Shutdown()
		s.grpc.GracefulStop()
	})
}

func (s *Server) watch() {
	ticker := time.NewTicker(s.config.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.refresh()
		}
	}
}

func (s *Server) refresh() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.CheckInterval)
	defer cancel()

	status := healthpb.HealthCheckResponse_NOT_SERVING
	if s.checker.Healthy(ctx) {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}
