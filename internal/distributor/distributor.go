// Package distributor fans published topic content out to every active
// subscriber, over HTTP callbacks or subscriber sockets.
package distributor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	logging "github.com/ipfs/go-log/v2"
	"golang.org/x/sync/errgroup"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/gateway"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/urlnorm"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

var log = logging.Logger("distributor")

const (
	DefaultConcurrency = 4
	DefaultTimeout     = 2 * time.Second
)

var (
	// ErrFetchFailed means the topic URL answered with an error status
	ErrFetchFailed = errors.New("topic content could not be fetched")
	// ErrDeliveryFailed means the subscriber callback answered with an error status
	ErrDeliveryFailed = errors.New("content could not be delivered")
	// ErrClosed is returned by Publish after Close
	ErrClosed = errors.New("distributor closed")
)

// Status is the terminal state of one subscriber delivery
type Status string

const (
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Config holds distributor settings
type Config struct {
	// HubURL is advertised in the rel="hub" Link header
	HubURL string
	// Concurrency bounds simultaneous deliveries per publish
	Concurrency int
	// Timeout bounds the topic fetch and, separately, the callback POST.
	// An unsigned body streamed into the POST is bounded by the POST deadline.
	Timeout time.Duration
	// Client overrides the HTTP client (tests)
	Client *http.Client
}

// SetDefaults fills unset fields
func (c *Config) SetDefaults() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// Validate checks the configuration
func (c *Config) Validate() error {
	if c.HubURL == "" {
		return errors.New("hub URL is required")
	}
	if c.Concurrency <= 0 {
		return errors.New("concurrency must be positive")
	}
	return nil
}

// SocketSender pushes a message to a subscriber's open socket
type SocketSender interface {
	Send(key subscription.Key, v any) error
}

// Recorder observes finished deliveries
type Recorder interface {
	RecordDelivery(status Status, elapsed time.Duration)
}

// Report summarises one publish fan-out
type Report struct {
	Delivered int
	Failed    int
	Skipped   int
}

// Dispatch tracks the background fan-out of one publish
type Dispatch struct {
	Topic       string
	Subscribers int

	delivered atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	done      chan struct{}
}

// Done is closed when every delivery has finished
func (d *Dispatch) Done() <-chan struct{} {
	return d.done
}

// Wait blocks until the fan-out has finished and returns its report
func (d *Dispatch) Wait() Report {
	<-d.done
	return Report{
		Delivered: int(d.delivered.Load()),
		Failed:    int(d.failed.Load()),
		Skipped:   int(d.skipped.Load()),
	}
}

func (d *Dispatch) count(status Status) {
	switch status {
	case StatusDelivered:
		d.delivered.Add(1)
	case StatusFailed:
		d.failed.Add(1)
	case StatusSkipped:
		d.skipped.Add(1)
	}
}

// Distributor delivers topic content to subscribers
type Distributor struct {
	config   Config
	store    subscription.Store
	sockets  SocketSender
	recorder Recorder
	client   *http.Client

	// ctx outlives the publish requests that start fan-outs
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup
}

// Option customises a Distributor
type Option func(*Distributor)

// WithSockets enables socket delivery for subscriptions that requested it
func WithSockets(s SocketSender) Option {
	return func(d *Distributor) { d.sockets = s }
}

// WithRecorder reports every finished delivery to r
func WithRecorder(r Recorder) Option {
	return func(d *Distributor) { d.recorder = r }
}

// New creates a distributor reading subscribers from store
func New(config Config, store subscription.Store, opts ...Option) *Distributor {
	config.SetDefaults()
	client := config.Client
	if client == nil {
		client = &http.Client{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Distributor{
		config: config,
		store:  store,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Publish loads the active subscribers of topic and starts delivering to them
// in the background. It returns once the subscriber list is loaded.
func (d *Distributor) Publish(ctx context.Context, topic string) (*Dispatch, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrClosed
	}
	d.inflight.Add(1)
	d.mu.Unlock()

	subs, err := d.store.ListActive(ctx, topic)
	if err != nil {
		d.inflight.Done()
		return nil, fmt.Errorf("load subscribers: %w", err)
	}

	dispatch := &Dispatch{Topic: topic, Subscribers: len(subs), done: make(chan struct{})}
	if len(subs) == 0 {
		log.Debugw("no subscribers for topic", "topic", topic)
		close(dispatch.done)
		d.inflight.Done()
		return dispatch, nil
	}

	log.Infow("distributing content", "topic", topic, "subscribers", len(subs))

	go func() {
		defer d.inflight.Done()
		defer close(dispatch.done)

		var g errgroup.Group
		g.SetLimit(d.config.Concurrency)
		for _, sub := range subs {
			g.Go(func() error {
				start := time.Now()
				status := d.deliver(d.ctx, sub)
				dispatch.count(status)
				if d.recorder != nil {
					d.recorder.RecordDelivery(status, time.Since(start))
				}
				// failures are isolated per subscriber
				return nil
			})
		}
		g.Wait()
	}()

	return dispatch, nil
}

// Close stops accepting publishes and waits for in-flight fan-outs.
// When ctx expires first, outstanding requests are cancelled.
func (d *Distributor) Close(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		return ctx.Err()
	}
}

func (d *Distributor) deliver(ctx context.Context, sub *subscription.Subscription) Status {
	fields := subscriberFields(sub)

	if sub.UseSocket {
		if d.sockets == nil {
			log.Warnw("socket delivery requested but sockets are disabled", fields...)
			return StatusSkipped
		}
	} else if sub.Protocol != "http" && sub.Protocol != "https" {
		log.Warnw("callback protocol cannot receive HTTP delivery", append(fields, "protocol", sub.Protocol)...)
		return StatusSkipped
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	fetchTimer := time.AfterFunc(d.config.Timeout, cancel)
	defer fetchTimer.Stop()

	resp, err := d.fetch(fetchCtx, sub)
	if err != nil {
		log.Errorw("topic content could not be published to subscriber", append(fields, "error", err)...)
		return StatusFailed
	}
	defer resp.Body.Close()

	headers := d.headers(sub)

	if sub.UseSocket {
		return d.deliverSocket(sub, resp.Body, headers)
	}
	if sub.Secret == "" {
		// the body streams into the callback POST, which carries its own deadline
		fetchTimer.Stop()
	}
	if err := d.deliverHTTP(ctx, sub, resp.Body, headers); err != nil {
		log.Errorw("topic content could not be published to subscriber", append(fields, "error", err)...)
		return StatusFailed
	}
	log.Debugw("content delivered", fields...)
	return StatusDelivered
}

func (d *Distributor) fetch(ctx context.Context, sub *subscription.Subscription) (*http.Response, error) {
	target := urlnorm.Join(sub.Topic, sub.TopicQuery)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", sub.Format.MediaType())

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s returned %d", ErrFetchFailed, target, resp.StatusCode)
	}
	return resp, nil
}

func (d *Distributor) headers(sub *subscription.Subscription) http.Header {
	h := http.Header{}
	h.Set("Content-Type", sub.Format.MediaType())
	h.Set("Link", fmt.Sprintf(`<%s>; rel="hub", <%s>; rel="self"`, d.config.HubURL, sub.Topic))
	return h
}

// deliverHTTP POSTs the topic body to the callback. Unsigned bodies are streamed;
// signed bodies are read once through the MAC.
func (d *Distributor) deliverHTTP(ctx context.Context, sub *subscription.Subscription, body io.Reader, headers http.Header) error {
	if sub.Secret != "" {
		mac := newMAC(sub.Secret)
		buf, err := io.ReadAll(io.TeeReader(body, mac))
		if err != nil {
			return fmt.Errorf("read topic content: %w", err)
		}
		headers.Set(SignatureHeader, formatSignature(mac))
		body = bytes.NewReader(buf)
	}

	postCtx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	target := urlnorm.Join(sub.CallbackURL, sub.CallbackQuery)
	req, err := http.NewRequestWithContext(postCtx, http.MethodPost, target, body)
	if err != nil {
		return err
	}
	req.Header = headers

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%w: callback returned %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

func (d *Distributor) deliverSocket(sub *subscription.Subscription, body io.Reader, headers http.Header) Status {
	fields := subscriberFields(sub)

	var (
		data []byte
		err  error
	)
	if sub.Secret != "" {
		mac := newMAC(sub.Secret)
		data, err = io.ReadAll(io.TeeReader(body, mac))
		headers.Set(SignatureHeader, formatSignature(mac))
	} else {
		data, err = io.ReadAll(body)
	}
	if err != nil {
		log.Errorw("topic content could not be read", append(fields, "error", err)...)
		return StatusFailed
	}

	msg := gateway.Message{
		Topic:   sub.Topic,
		Headers: flattenHeaders(headers),
		Query:   sub.CallbackQuery,
		Data:    socketData(sub.Format, data),
	}

	err = d.sockets.Send(sub.Key(), msg)
	switch {
	case err == nil:
		log.Debugw("content pushed over socket", fields...)
		return StatusDelivered
	case errors.Is(err, gateway.ErrNoConnection):
		log.Debugw("no open socket for subscription", fields...)
		return StatusSkipped
	default:
		log.Errorw("content could not be sent over socket", append(fields, "error", err)...)
		return StatusFailed
	}
}

// socketData embeds JSON content as-is and everything else as a string
func socketData(format subscription.Format, data []byte) any {
	if format == subscription.FormatJSON && json.Valid(data) {
		return json.RawMessage(data)
	}
	return string(data)
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[strings.ToLower(k)] = h.Get(k)
	}
	return out
}

func subscriberFields(sub *subscription.Subscription) []any {
	return []any{"topic", sub.Topic, "callback", sub.CallbackURL}
}
