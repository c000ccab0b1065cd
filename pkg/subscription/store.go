package subscription

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrConflict is returned by Create when an active subscription already exists for the key
	ErrConflict = errors.New("subscription already exists")
	// ErrNotFound is returned when no active subscription matches the key
	ErrNotFound = errors.New("subscription not found")
	// ErrStoreClosed is returned when the store has been closed
	ErrStoreClosed = errors.New("subscription store is closed")
)

// RenewOptions carries the values changed by a renewal.
// Empty Secret and Format leave the stored values untouched.
type RenewOptions struct {
	LeaseSeconds int
	Secret       string
	Format       Format
	UseSocket    *bool
	// Queries replaces both stored query sets when non-nil
	Queries *Queries
}

// Queries holds the subscriber-specific query parameters of the topic and callback URLs
type Queries struct {
	Topic    map[string]string
	Callback map[string]string
}

// Store persists subscriptions and expires them when their lease ends.
// Implementations must be safe for concurrent use.
type Store interface {
	io.Closer

	// Exists reports whether a non-expired subscription matches key.
	Exists(ctx context.Context, key Key) (bool, error)

	// Get returns the non-expired subscription for key or ErrNotFound.
	Get(ctx context.Context, key Key) (*Subscription, error)

	// Create inserts sub. Returns ErrConflict if an active record for the same key exists.
	Create(ctx context.Context, sub *Subscription) error

	// Renew extends the lease of the subscription for key starting from now.
	// Returns ErrNotFound if no active record matches.
	Renew(ctx context.Context, key Key, opts RenewOptions) (*Subscription, error)

	// Delete removes the subscription for key. Deleting a missing record is not an error;
	// the returned bool reports whether a record was removed.
	Delete(ctx context.Context, key Key) (bool, error)

	// ListActive returns all non-expired subscriptions for a topic, secrets included.
	ListActive(ctx context.Context, topic string) ([]*Subscription, error)

	// ListAll returns a page of non-expired subscriptions with secrets stripped.
	ListAll(ctx context.Context, skip, limit int) ([]Subscription, error)

	// DeleteExpired removes every record whose lease ended before now and returns the count.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) error
}
