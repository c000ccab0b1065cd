// Package verifier confirms subscriber intent with the WebSub challenge/response exchange.
package verifier

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	logging "github.com/ipfs/go-log/v2"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/urlnorm"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

var log = logging.Logger("verifier")

const (
	DefaultTimeout        = 2 * time.Second
	DefaultMaxRetries     = 2
	DefaultInitialBackoff = 100 * time.Millisecond

	// maxChallengeBody bounds how much of a callback response is read
	maxChallengeBody = 64 * 1024
)

// Outcome is the result of one verification
type Outcome int

const (
	// Accepted means the callback echoed the challenge
	Accepted Outcome = iota
	// Declined means the callback answered 2xx without echoing the challenge
	Declined
	// HTTPError means the callback answered with an error status or could not be reached
	HTTPError
)

func (o Outcome) String() string {
	switch o {
	case Accepted:
		return "accepted"
	case Declined:
		return "declined"
	case HTTPError:
		return "http_error"
	default:
		return "unknown"
	}
}

// Config holds verifier settings
type Config struct {
	// Timeout bounds each individual attempt
	Timeout time.Duration
	// MaxRetries is the number of retries after the first attempt on transport errors.
	// Zero selects DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	// InitialBackoff is the first retry delay; it grows exponentially
	InitialBackoff time.Duration
	// Client overrides the HTTP client (tests)
	Client *http.Client
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return errors.New("verifier timeout must be positive")
	}
	if c.InitialBackoff < 0 {
		return errors.New("verifier backoff cannot be negative")
	}
	return nil
}

// Request describes one intent verification
type Request struct {
	Callback     urlnorm.Normalized
	Topic        string
	Mode         subscription.Mode
	LeaseSeconds int
	Challenge    string
}

// Verifier performs intent verification against subscriber callbacks
type Verifier struct {
	config Config
	client *http.Client
}

// New creates a verifier with the given configuration
func New(config Config) *Verifier {
	config.SetDefaults()
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Verifier{config: config, client: client}
}

// NewChallenge returns a fresh unpredictable challenge token
func NewChallenge() string {
	return uuid.NewString()
}

type challengeResponse struct {
	Challenge string `json:"hub.challenge"`
}

var errHTTPStatus = errors.New("callback returned error status")

// Verify sends the challenge to the callback and classifies the answer.
// Transport failures are retried with exponential backoff; error statuses are not.
func (v *Verifier) Verify(ctx context.Context, req Request) Outcome {
	if req.Challenge == "" {
		req.Challenge = NewChallenge()
	}
	target := v.challengeURL(req)

	var body []byte
	operation := func() error {
		b, err := v.attempt(ctx, target)
		if err != nil {
			return err
		}
		body = b
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = v.config.InitialBackoff
	policy.MaxElapsedTime = 0
	retries := max(v.config.MaxRetries, 0)
	retry := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(retries)), ctx)

	notify := func(err error, wait time.Duration) {
		log.Debugw("verification attempt failed, retrying",
			"callback", req.Callback.URL, "error", err, "wait", wait)
	}

	if err := backoff.RetryNotify(operation, retry, notify); err != nil {
		log.Infow("verification failed",
			"callback", req.Callback.URL, "topic", req.Topic, "mode", req.Mode, "error", err)
		return HTTPError
	}

	if !challengeMatches(body, req.Challenge) {
		log.Infow("verification declined", "callback", req.Callback.URL, "topic", req.Topic, "mode", req.Mode)
		return Declined
	}
	return Accepted
}

func (v *Verifier) attempt(ctx context.Context, target string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, v.config.Timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	httpReq.Header.Set("Accept", "application/json, text/plain")

	resp, err := v.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, backoff.Permanent(fmt.Errorf("%w: %d", errHTTPStatus, resp.StatusCode))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxChallengeBody))
	if err != nil {
		return nil, err
	}
	return body, nil
}

func (v *Verifier) challengeURL(req Request) string {
	lease := req.LeaseSeconds
	if lease <= 0 {
		lease = subscription.DefaultLeaseSeconds
	}
	params := make(map[string]string, len(req.Callback.Query)+4)
	for k, v := range req.Callback.Query {
		params[k] = v
	}
	params["hub.topic"] = req.Topic
	params["hub.mode"] = string(req.Mode)
	params["hub.challenge"] = req.Challenge
	params["hub.lease_seconds"] = strconv.Itoa(lease)
	return urlnorm.Join(req.Callback.URL, params)
}

// challengeMatches accepts a JSON object carrying hub.challenge or the bare challenge as plain text
func challengeMatches(body []byte, challenge string) bool {
	var resp challengeResponse
	if err := json.Unmarshal(body, &resp); err == nil && resp.Challenge != "" {
		return subtle.ConstantTimeCompare([]byte(resp.Challenge), []byte(challenge)) == 1
	}
	plain := strings.TrimSpace(string(body))
	return subtle.ConstantTimeCompare([]byte(plain), []byte(challenge)) == 1
}
