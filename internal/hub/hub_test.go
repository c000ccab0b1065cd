package hub

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/distributor"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/metrics"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/store"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/urlnorm"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/verifier"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

// subscriber is a mock callback that answers verification and records deliveries
type subscriber struct {
	mu         sync.Mutex
	decline    bool
	challenges int32
	deliveries [][]byte
	signatures []string
	queries    []string
	lastVerify map[string]string
}

func (s *subscriber) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		atomic.AddInt32(&s.challenges, 1)
		q := map[string]string{}
		for k := range r.URL.Query() {
			q[k] = r.URL.Query().Get(k)
		}
		s.mu.Lock()
		s.lastVerify = q
		decline := s.decline
		s.mu.Unlock()

		challenge := q["hub.challenge"]
		if decline {
			challenge = "nope"
		}
		json.NewEncoder(w).Encode(map[string]string{"hub.challenge": challenge})
	case http.MethodPost:
		body, _ := io.ReadAll(r.Body)
		s.mu.Lock()
		s.deliveries = append(s.deliveries, body)
		s.signatures = append(s.signatures, r.Header.Get(distributor.SignatureHeader))
		s.queries = append(s.queries, r.URL.RawQuery)
		s.mu.Unlock()
	}
}

func newTestHub(t *testing.T, sockets bool) *Hub {
	t.Helper()
	cfg := NewConfig("http://hub.example/").
		WithSockets(sockets).
		WithVerifierConfig(verifier.Config{Timeout: 500 * time.Millisecond, MaxRetries: 1, InitialBackoff: time.Millisecond})
	h, err := New(cfg, store.NewMemoryStore(), nil)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Close(context.Background()) })
	return h
}

func newSubscriber(t *testing.T) (*subscriber, string) {
	t.Helper()
	sub := &subscriber{}
	server := httptest.NewServer(sub)
	t.Cleanup(server.Close)
	return sub, server.URL
}

func topicServer(t *testing.T, body string) string {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server.URL
}

func TestHandleSubscription_Subscribe(t *testing.T) {
	h := newTestHub(t, false)
	sub, callbackURL := newSubscriber(t)
	ctx := context.Background()

	err := h.HandleSubscription(ctx, SubscriptionRequest{
		Callback: callbackURL + "/cb?token=1",
		Mode:     subscription.ModeSubscribe,
		Topic:    "http://blog.example/feeds?lang=en",
	})
	require.NoError(t, err)

	assert.Equal(t, "subscribe", sub.lastVerify["hub.mode"])
	assert.Equal(t, "http://blog.example/feeds", sub.lastVerify["hub.topic"])
	assert.Equal(t, "864000", sub.lastVerify["hub.lease_seconds"])
	assert.Equal(t, "1", sub.lastVerify["token"])

	list, err := h.ListSubscriptions(ctx, 0, 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "http://blog.example/feeds", list[0].Topic)
	assert.Equal(t, map[string]string{"lang": "en"}, list[0].TopicQuery)
	assert.Equal(t, callbackURL+"/cb", list[0].CallbackURL)
	assert.Equal(t, subscription.DefaultLeaseSeconds, list[0].LeaseSeconds)
	assert.Equal(t, subscription.FormatJSON, list[0].Format)
}

func TestHandleSubscription_RenewalDoesNotDuplicate(t *testing.T) {
	h := newTestHub(t, false)
	_, callbackURL := newSubscriber(t)
	ctx := context.Background()

	req := SubscriptionRequest{
		Callback:     callbackURL,
		Mode:         subscription.ModeSubscribe,
		Topic:        "http://blog.example/feeds",
		LeaseSeconds: 60,
	}
	require.NoError(t, h.HandleSubscription(ctx, req))

	first, err := h.store.Get(ctx, subscription.Key{Topic: "http://blog.example/feeds", CallbackURL: callbackURL + "/"})
	require.NoError(t, err)

	req.LeaseSeconds = 3600
	require.NoError(t, h.HandleSubscription(ctx, req))

	list, err := h.ListSubscriptions(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, 3600, list[0].LeaseSeconds)
	assert.True(t, list[0].LeaseEndAt.After(first.LeaseEndAt))
}

func TestHandleSubscription_RenewalReplacesQueries(t *testing.T) {
	h := newTestHub(t, false)
	sub, callbackURL := newSubscriber(t)
	topicURL := topicServer(t, `{"n":1}`)
	ctx := context.Background()

	req := SubscriptionRequest{
		Callback: callbackURL + "/cb?id=1",
		Mode:     subscription.ModeSubscribe,
		Topic:    topicURL + "/feed?lang=en",
	}
	require.NoError(t, h.HandleSubscription(ctx, req))

	req.Callback = callbackURL + "/cb?id=2"
	req.Topic = topicURL + "/feed?lang=fr"
	require.NoError(t, h.HandleSubscription(ctx, req))
	assert.Equal(t, "2", sub.lastVerify["id"])

	list, err := h.ListSubscriptions(ctx, 0, 10)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, map[string]string{"id": "2"}, list[0].CallbackQuery)
	assert.Equal(t, map[string]string{"lang": "fr"}, list[0].TopicQuery)

	dispatch, err := h.Publish(ctx, topicURL+"/feed")
	require.NoError(t, err)
	assert.Equal(t, distributor.Report{Delivered: 1}, dispatch.Wait())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.queries, 1)
	assert.Equal(t, "id=2", sub.queries[0])
}

func TestHandleSubscription_VerificationFailures(t *testing.T) {
	t.Run("declined", func(t *testing.T) {
		h := newTestHub(t, false)
		sub, callbackURL := newSubscriber(t)
		sub.decline = true

		err := h.HandleSubscription(context.Background(), SubscriptionRequest{
			Callback: callbackURL,
			Mode:     subscription.ModeSubscribe,
			Topic:    "http://blog.example/feeds",
		})
		assert.ErrorIs(t, err, ErrVerificationDeclined)

		list, err := h.ListSubscriptions(context.Background(), 0, 5)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("unreachable", func(t *testing.T) {
		h := newTestHub(t, false)
		err := h.HandleSubscription(context.Background(), SubscriptionRequest{
			Callback: "http://127.0.0.1:1/cb",
			Mode:     subscription.ModeSubscribe,
			Topic:    "http://blog.example/feeds",
		})
		assert.ErrorIs(t, err, ErrVerificationUnreachable)
	})
}

func TestHandleSubscription_Unsubscribe(t *testing.T) {
	t.Run("existing", func(t *testing.T) {
		h := newTestHub(t, false)
		sub, callbackURL := newSubscriber(t)
		ctx := context.Background()
		req := SubscriptionRequest{Callback: callbackURL, Mode: subscription.ModeSubscribe, Topic: "http://blog.example/feeds"}
		require.NoError(t, h.HandleSubscription(ctx, req))

		req.Mode = subscription.ModeUnsubscribe
		require.NoError(t, h.HandleSubscription(ctx, req))
		assert.Equal(t, "unsubscribe", sub.lastVerify["hub.mode"])

		list, err := h.ListSubscriptions(ctx, 0, 5)
		require.NoError(t, err)
		assert.Empty(t, list)
	})

	t.Run("missing_is_not_verified", func(t *testing.T) {
		h := newTestHub(t, false)
		sub, callbackURL := newSubscriber(t)

		err := h.HandleSubscription(context.Background(), SubscriptionRequest{
			Callback: callbackURL,
			Mode:     subscription.ModeUnsubscribe,
			Topic:    "http://blog.example/feeds",
		})
		assert.ErrorIs(t, err, ErrNothingToUnsubscribe)
		assert.Equal(t, int32(0), atomic.LoadInt32(&sub.challenges))
	})
}

func TestHandleSubscription_InvalidRequests(t *testing.T) {
	h := newTestHub(t, false)
	_, callbackURL := newSubscriber(t)

	tests := []struct {
		name string
		req  SubscriptionRequest
		want error
	}{
		{"bad_mode", SubscriptionRequest{Callback: callbackURL, Mode: "publish", Topic: "http://blog.example/"}, ErrInvalidRequest},
		{"missing_topic", SubscriptionRequest{Callback: callbackURL, Mode: subscription.ModeSubscribe}, ErrInvalidRequest},
		{"relative_topic", SubscriptionRequest{Callback: callbackURL, Mode: subscription.ModeSubscribe, Topic: "/feeds"}, urlnorm.ErrInvalidURL},
		{"short_secret", SubscriptionRequest{Callback: callbackURL, Mode: subscription.ModeSubscribe, Topic: "http://blog.example/", Secret: "short"}, ErrInvalidRequest},
		{"bad_format", SubscriptionRequest{Callback: callbackURL, Mode: subscription.ModeSubscribe, Topic: "http://blog.example/", Format: "yaml"}, ErrInvalidRequest},
		{"negative_lease", SubscriptionRequest{Callback: callbackURL, Mode: subscription.ModeSubscribe, Topic: "http://blog.example/", LeaseSeconds: -5}, ErrInvalidRequest},
		{"socket_disabled", SubscriptionRequest{Callback: callbackURL, Mode: subscription.ModeSubscribe, Topic: "http://blog.example/", UseSocket: true}, ErrSocketDisabled},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := h.HandleSubscription(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestPublish_SignedDelivery(t *testing.T) {
	h := newTestHub(t, false)
	sub, callbackURL := newSubscriber(t)
	topicURL := topicServer(t, `{"entries":[1,2,3]}`)
	ctx := context.Background()

	const secret = "a-very-secret-value"
	require.NoError(t, h.HandleSubscription(ctx, SubscriptionRequest{
		Callback: callbackURL,
		Mode:     subscription.ModeSubscribe,
		Topic:    topicURL,
		Secret:   secret,
	}))

	dispatch, err := h.Publish(ctx, topicURL)
	require.NoError(t, err)
	assert.Equal(t, distributor.Report{Delivered: 1}, dispatch.Wait())

	sub.mu.Lock()
	defer sub.mu.Unlock()
	require.Len(t, sub.deliveries, 1)
	assert.Equal(t, `{"entries":[1,2,3]}`, string(sub.deliveries[0]))
	assert.True(t, distributor.VerifySignature(secret, sub.deliveries[0], sub.signatures[0]))
}

func TestPublish_InvalidTopic(t *testing.T) {
	h := newTestHub(t, false)

	_, err := h.Publish(context.Background(), "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.Publish(context.Background(), "not a url")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestPublish_UnknownTopic(t *testing.T) {
	h := newTestHub(t, false)
	dispatch, err := h.Publish(context.Background(), "http://nobody.example/feed")
	require.NoError(t, err)
	assert.Equal(t, 0, dispatch.Subscribers)
}

func TestListSubscriptions_HidesSecret(t *testing.T) {
	h := newTestHub(t, false)
	_, callbackURL := newSubscriber(t)
	ctx := context.Background()

	require.NoError(t, h.HandleSubscription(ctx, SubscriptionRequest{
		Callback: callbackURL,
		Mode:     subscription.ModeSubscribe,
		Topic:    "http://blog.example/",
		Secret:   "a-very-secret-value",
	}))

	list, err := h.ListSubscriptions(ctx, 0, 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].Secret)

	raw, err := json.Marshal(list)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "a-very-secret-value")
}

func TestHealth(t *testing.T) {
	h := newTestHub(t, true)

	status := h.Health(context.Background())
	assert.True(t, status.Healthy)
	assert.True(t, status.StoreHealthy)
	assert.True(t, status.Sockets)
	assert.NotNil(t, h.SocketHandler())

	require.NoError(t, h.Close(context.Background()))
	status = h.Health(context.Background())
	assert.False(t, status.Healthy)
}

func TestNew_SharedMetricsWithSockets(t *testing.T) {
	m := metrics.New()
	for i := 0; i < 2; i++ {
		h, err := New(NewConfig("http://hub.example/").WithSockets(true), store.NewMemoryStore(), m)
		require.NoError(t, err)
		require.NoError(t, h.Close(context.Background()))
	}
}

func TestClose_Idempotent(t *testing.T) {
	h := newTestHub(t, false)
	require.NoError(t, h.Close(context.Background()))
	require.NoError(t, h.Close(context.Background()))

	_, err := h.Publish(context.Background(), "http://blog.example/")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestConfig_Validate(t *testing.T) {
	assert.ErrorIs(t, NewConfig("").Validate(), ErrEmptyHubURL)
	assert.ErrorIs(t, NewConfig("hub.example").Validate(), ErrInvalidHubURL)
	assert.NoError(t, NewConfig("http://hub.example/").Validate())

	_, err := New(nil, store.NewMemoryStore(), nil)
	assert.Error(t, err)
}

func TestLeaseExpiry(t *testing.T) {
	var swept atomic.Int32
	cfg := NewConfig("http://hub.example/").
		WithVerifierConfig(verifier.Config{Timeout: 500 * time.Millisecond, MaxRetries: -1}).
		WithSweeperConfig(store.SweeperConfig{
			Interval: 50 * time.Millisecond,
			OnSweep:  func(removed int) { swept.Add(int32(removed)) },
		})
	h, err := New(cfg, store.NewMemoryStore(), nil)
	require.NoError(t, err)
	require.NoError(t, h.Start(context.Background()))
	t.Cleanup(func() { h.Close(context.Background()) })

	_, callbackURL := newSubscriber(t)
	ctx := context.Background()
	require.NoError(t, h.HandleSubscription(ctx, SubscriptionRequest{
		Callback:     callbackURL + "/cb",
		Mode:         subscription.ModeSubscribe,
		Topic:        "http://blog.example/feeds",
		LeaseSeconds: 1,
	}))

	list, err := h.ListSubscriptions(ctx, 0, 5)
	require.NoError(t, err)
	require.Len(t, list, 1)

	assert.Eventually(t, func() bool { return swept.Load() == 1 }, 3*time.Second, 20*time.Millisecond)

	list, err = h.ListSubscriptions(ctx, 0, 5)
	require.NoError(t, err)
	assert.Empty(t, list)
}
