package subscription

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultLeaseSeconds is used when a subscriber does not request a lease (10 days)
	DefaultLeaseSeconds = 864000

	// MinSecretLength is the shortest hub.secret accepted for HMAC signing
	MinSecretLength = 12
)

// Mode is the hub.mode of a subscription request
type Mode string

const (
	ModeSubscribe   Mode = "subscribe"
	ModeUnsubscribe Mode = "unsubscribe"
	ModePublish     Mode = "publish"
)

// Format selects the representation fetched from the topic and delivered to the subscriber
type Format string

const (
	FormatJSON Format = "json"
	FormatXML  Format = "xml"
)

// ParseFormat returns the format named by s. An empty string selects FormatJSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatXML:
		return FormatXML, nil
	default:
		return "", fmt.Errorf("unsupported format %q", s)
	}
}

// MediaType returns the media type used for Accept and Content-Type headers
func (f Format) MediaType() string {
	if f == FormatXML {
		return "application/xml"
	}
	return "application/json"
}

// Key identifies a subscription by its canonical topic and callback URLs
type Key struct {
	Topic       string
	CallbackURL string
}

// String renders the key in the form used for logging and connection maps
func (k Key) String() string {
	return "topic:" + k.Topic + ";callback:" + k.CallbackURL
}

// Subscription is the durable record of one subscriber's interest in one topic
type Subscription struct {
	ID            string            `json:"id"`
	Topic         string            `json:"topic"`
	TopicQuery    map[string]string `json:"topicQuery,omitempty"`
	CallbackURL   string            `json:"callbackUrl"`
	CallbackQuery map[string]string `json:"callbackQuery,omitempty"`
	Protocol      string            `json:"protocol"`
	Mode          Mode              `json:"mode"`
	LeaseSeconds  int               `json:"leaseSeconds"`
	LeaseEndAt    time.Time         `json:"leaseEndAt"`
	Secret        string            `json:"-"`
	Format        Format            `json:"format"`
	UseSocket     bool              `json:"ws"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

// New creates a subscribe-mode record with a fresh ID whose lease starts now
func New(topic, callbackURL string, leaseSeconds int) *Subscription {
	now := time.Now().UTC()
	if leaseSeconds <= 0 {
		leaseSeconds = DefaultLeaseSeconds
	}
	return &Subscription{
		ID:           uuid.NewString(),
		Topic:        topic,
		CallbackURL:  callbackURL,
		Mode:         ModeSubscribe,
		LeaseSeconds: leaseSeconds,
		LeaseEndAt:   LeaseEnd(now, leaseSeconds),
		Format:       FormatJSON,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// Key returns the identity tuple of the subscription
func (s *Subscription) Key() Key {
	return Key{Topic: s.Topic, CallbackURL: s.CallbackURL}
}

// Active reports whether the lease is still running at t
func (s *Subscription) Active(t time.Time) bool {
	return s.LeaseEndAt.After(t)
}

// Public returns a copy without the secret, suitable for listing
func (s *Subscription) Public() Subscription {
	c := s.Clone()
	c.Secret = ""
	return *c
}

// Clone returns a deep copy of the subscription
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.TopicQuery = cloneQuery(s.TopicQuery)
	c.CallbackQuery = cloneQuery(s.CallbackQuery)
	return &c
}

// LeaseEnd computes the lease end for a lease starting at from
func LeaseEnd(from time.Time, leaseSeconds int) time.Time {
	return from.Add(time.Duration(leaseSeconds) * time.Second)
}

func cloneQuery(q map[string]string) map[string]string {
	if q == nil {
		return nil
	}
	c := make(map[string]string, len(q))
	for k, v := range q {
		c[k] = v
	}
	return c
}
