// Package store provides implementations of subscription.Store.
package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

var log = logging.Logger("store")

// MemoryStore implements subscription.Store with an in-process map keyed by topic and callback.
// It is safe for concurrent use. Contents are lost on Close.
type MemoryStore struct {
	mu     sync.RWMutex
	subs   map[subscription.Key]*subscription.Subscription
	closed bool
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory subscription store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subs: make(map[subscription.Key]*subscription.Subscription),
		now:  time.Now,
	}
}

// Exists reports whether an active subscription matches key.
func (s *MemoryStore) Exists(ctx context.Context, key subscription.Key) (bool, error) {
	_, err := s.Get(ctx, key)
	if err == subscription.ErrNotFound {
		return false, nil
	}
	return err == nil, err
}

// Get returns a copy of the active subscription for key.
func (s *MemoryStore) Get(ctx context.Context, key subscription.Key) (*subscription.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, subscription.ErrStoreClosed
	}

	sub, ok := s.subs[key]
	if !ok || !sub.Active(s.now()) {
		return nil, subscription.ErrNotFound
	}
	return sub.Clone(), nil
}

// Create stores sub unless an active record with the same key exists.
// An expired record with the same key is replaced.
func (s *MemoryStore) Create(ctx context.Context, sub *subscription.Subscription) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return subscription.ErrStoreClosed
	}

	key := sub.Key()
	if existing, ok := s.subs[key]; ok && existing.Active(s.now()) {
		return subscription.ErrConflict
	}

	s.subs[key] = sub.Clone()
	return nil
}

// Renew extends the lease of the active subscription for key from now.
func (s *MemoryStore) Renew(ctx context.Context, key subscription.Key, opts subscription.RenewOptions) (*subscription.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, subscription.ErrStoreClosed
	}

	now := s.now()
	sub, ok := s.subs[key]
	if !ok || !sub.Active(now) {
		return nil, subscription.ErrNotFound
	}

	applyRenewal(sub, opts, now)
	return sub.Clone(), nil
}

// Delete removes the subscription for key, if any.
func (s *MemoryStore) Delete(ctx context.Context, key subscription.Key) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, subscription.ErrStoreClosed
	}

	sub, ok := s.subs[key]
	if !ok {
		return false, nil
	}
	delete(s.subs, key)
	return sub.Active(s.now()), nil
}

// ListActive returns copies of all active subscriptions for topic.
func (s *MemoryStore) ListActive(ctx context.Context, topic string) ([]*subscription.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, subscription.ErrStoreClosed
	}

	now := s.now()
	result := make([]*subscription.Subscription, 0)
	for key, sub := range s.subs {
		if key.Topic == topic && sub.Active(now) {
			result = append(result, sub.Clone())
		}
	}
	sortByCreation(result)
	return result, nil
}

// ListAll returns a page of active subscriptions ordered by creation time, without secrets.
func (s *MemoryStore) ListAll(ctx context.Context, skip, limit int) ([]subscription.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	now := s.now()
	if s.closed {
		s.mu.RUnlock()
		return nil, subscription.ErrStoreClosed
	}
	active := make([]*subscription.Subscription, 0, len(s.subs))
	for _, sub := range s.subs {
		if sub.Active(now) {
			active = append(active, sub)
		}
	}
	sortByCreation(active)

	page := make([]subscription.Subscription, 0)
	for i := skip; i < len(active) && (limit <= 0 || len(page) < limit); i++ {
		if i < 0 {
			continue
		}
		page = append(page, active[i].Public())
	}
	s.mu.RUnlock()

	return page, nil
}

// DeleteExpired removes every subscription whose lease ended before now.
func (s *MemoryStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, subscription.ErrStoreClosed
	}

	removed := 0
	for key, sub := range s.subs {
		if !sub.Active(now) {
			delete(s.subs, key)
			removed++
		}
	}
	return removed, nil
}

// Ping reports whether the store is still open.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return subscription.ErrStoreClosed
	}
	return nil
}

// Close drops all subscriptions. Calling Close more than once is safe.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.subs = make(map[subscription.Key]*subscription.Subscription)
	s.closed = true
	return nil
}

func applyRenewal(sub *subscription.Subscription, opts subscription.RenewOptions, now time.Time) {
	leaseSeconds := opts.LeaseSeconds
	if leaseSeconds <= 0 {
		leaseSeconds = sub.LeaseSeconds
	}
	sub.LeaseSeconds = leaseSeconds
	sub.LeaseEndAt = subscription.LeaseEnd(now, leaseSeconds)
	if opts.Secret != "" {
		sub.Secret = opts.Secret
	}
	if opts.Format != "" {
		sub.Format = opts.Format
	}
	if opts.UseSocket != nil {
		sub.UseSocket = *opts.UseSocket
	}
	if opts.Queries != nil {
		sub.TopicQuery = maps.Clone(opts.Queries.Topic)
		sub.CallbackQuery = maps.Clone(opts.Queries.Callback)
	}
	sub.UpdatedAt = now
}

func sortByCreation(subs []*subscription.Subscription) {
	sort.SliceStable(subs, func(i, j int) bool {
		if subs[i].CreatedAt.Equal(subs[j].CreatedAt) {
			return subs[i].ID < subs[j].ID
		}
		return subs[i].CreatedAt.Before(subs[j].CreatedAt)
	})
}

// Verify that MemoryStore implements the Store interface at compile time
var _ subscription.Store = (*MemoryStore)(nil)
