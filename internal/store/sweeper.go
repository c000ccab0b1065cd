package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

// DefaultSweepInterval is how often expired leases are purged when no interval is configured
const DefaultSweepInterval = 30 * time.Second

// SweeperConfig configures the background lease sweeper
type SweeperConfig struct {
	Interval time.Duration

	// OnSweep, when set, is called with the number of subscriptions removed by each pass
	OnSweep func(removed int)
}

// SetDefaults fills unset fields
func (c *SweeperConfig) SetDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultSweepInterval
	}
}

// Validate checks the configuration
func (c *SweeperConfig) Validate() error {
	if c.Interval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	return nil
}

// Sweeper deletes expired subscriptions from a store on a fixed interval,
// so leases expire without any request touching them.
type Sweeper struct {
	store  subscription.Store
	config SweeperConfig

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// NewSweeper creates a sweeper for store. Call Start to begin sweeping.
func NewSweeper(store subscription.Store, config SweeperConfig) *Sweeper {
	config.SetDefaults()
	return &Sweeper{store: store, config: config}
}

// Start launches the sweep loop. It stops when ctx is cancelled or Stop is called.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.running = true

	go s.loop(ctx, s.done)
}

// Stop halts the sweep loop and waits for it to exit.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.running = false
	s.mu.Unlock()

	cancel()
	<-done
}

// SweepOnce runs a single purge pass and returns the number of removed subscriptions.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	removed, err := s.store.DeleteExpired(ctx, time.Now())
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		log.Debugw("swept expired subscriptions", "removed", removed)
	}
	if s.config.OnSweep != nil {
		s.config.OnSweep(removed)
	}
	return removed, nil
}

func (s *Sweeper) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.SweepOnce(ctx); err != nil {
				if errors.Is(err, subscription.ErrStoreClosed) {
					return
				}
				if ctx.Err() == nil {
					log.Warnw("lease sweep failed", "error", err)
				}
			}
		}
	}
}
