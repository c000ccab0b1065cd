package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/config"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/grpchealth"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/httpapi"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/hub"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/store"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

var log = logging.Logger("websubhub")

// daemon owns the hub and the listeners in front of it
type daemon struct {
	hub    *hub.Hub
	http   *httpapi.Server
	health *grpchealth.Server

	httpListener   net.Listener
	healthListener net.Listener

	wg   sync.WaitGroup
	errs chan error
}

func newDaemon(cfg *config.Config) (*daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := openStore(cfg.Store)
	if err != nil {
		return nil, err
	}

	h, err := hub.New(cfg.HubConfig(), st, nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to create hub: %w", err)
	}

	d := &daemon{
		hub:  h,
		http: httpapi.NewServer(h, cfg.HTTPConfig()),
		errs: make(chan error, 2),
	}

	if healthConfig, ok := cfg.GRPCHealthConfig(); ok {
		d.health = grpchealth.NewServer(healthConfig, grpchealth.CheckerFunc(func(ctx context.Context) bool {
			return h.Health(ctx).Healthy
		}))
	}

	return d, nil
}

func openStore(cfg config.StoreConfig) (subscription.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		st, err := store.NewSQLiteStore(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		log.Infow("using sqlite store", "path", cfg.Path)
		return st, nil
	default:
		log.Infow("using in-memory store")
		return store.NewMemoryStore(), nil
	}
}

// start binds the listeners and begins serving
func (d *daemon) start(ctx context.Context, cfg *config.Config) error {
	if err := d.hub.Start(ctx); err != nil {
		return fmt.Errorf("failed to start hub: %w", err)
	}

	lis, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", cfg.Server.Listen, err)
	}
	d.httpListener = lis

	if d.health != nil {
		hl, err := net.Listen("tcp", cfg.GRPCHealth.Listen)
		if err != nil {
			lis.Close()
			return fmt.Errorf("failed to listen on %s: %w", cfg.GRPCHealth.Listen, err)
		}
		d.healthListener = hl
		d.serve("grpc health", func() error { return d.health.Serve(hl) })
	}

	d.serve("http", func() error { return d.http.Serve(lis) })
	log.Infow("hub listening", "address", lis.Addr().String(), "hubUrl", d.hub.URL())
	return nil
}

func (d *daemon) serve(name string, fn func() error) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := fn(); err != nil {
			d.errs <- fmt.Errorf("%s server: %w", name, err)
		}
	}()
}

// addr returns the bound HTTP address
func (d *daemon) addr() string {
	if d.httpListener == nil {
		return ""
	}
	return d.httpListener.Addr().String()
}

// wait blocks until ctx is done or a server fails
func (d *daemon) wait(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-d.errs:
		return err
	}
}

// shutdown stops accepting requests, drains in-flight deliveries and closes the store
func (d *daemon) shutdown(ctx context.Context) error {
	var errs []error

	if d.health != nil {
		d.health.Stop()
	}
	if err := d.http.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to stop http server: %w", err))
	}
	if err := d.hub.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	d.wg.Wait()
	return errors.Join(errs...)
}
