package verifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/urlnorm"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

func callback(t *testing.T, raw string) urlnorm.Normalized {
	t.Helper()
	n, err := urlnorm.Normalize(raw)
	require.NoError(t, err)
	return n
}

func testConfig() Config {
	return Config{Timeout: 500 * time.Millisecond, MaxRetries: 2, InitialBackoff: time.Millisecond}
}

func TestVerify(t *testing.T) {
	t.Run("json_echo_accepted", func(t *testing.T) {
		var got map[string]string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got = map[string]string{}
			for k := range r.URL.Query() {
				got[k] = r.URL.Query().Get(k)
			}
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]string{"hub.challenge": r.URL.Query().Get("hub.challenge")})
		}))
		defer server.Close()

		v := New(testConfig())
		outcome := v.Verify(context.Background(), Request{
			Callback:     callback(t, server.URL+"/cb?token=abc"),
			Topic:        "http://blog.example/feed",
			Mode:         subscription.ModeSubscribe,
			LeaseSeconds: 3600,
			Challenge:    "challenge-1",
		})

		assert.Equal(t, Accepted, outcome)
		assert.Equal(t, "abc", got["token"], "callback query should be preserved")
		assert.Equal(t, "http://blog.example/feed", got["hub.topic"])
		assert.Equal(t, "subscribe", got["hub.mode"])
		assert.Equal(t, "challenge-1", got["hub.challenge"])
		assert.Equal(t, "3600", got["hub.lease_seconds"])
	})

	t.Run("plain_text_echo_accepted", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(r.URL.Query().Get("hub.challenge")))
		}))
		defer server.Close()

		outcome := New(testConfig()).Verify(context.Background(), Request{
			Callback: callback(t, server.URL),
			Topic:    "http://blog.example/feed",
			Mode:     subscription.ModeUnsubscribe,
		})
		assert.Equal(t, Accepted, outcome)
	})

	t.Run("wrong_challenge_declined", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]string{"hub.challenge": "something-else"})
		}))
		defer server.Close()

		outcome := New(testConfig()).Verify(context.Background(), Request{
			Callback: callback(t, server.URL),
			Topic:    "http://blog.example/feed",
			Mode:     subscription.ModeSubscribe,
		})
		assert.Equal(t, Declined, outcome)
	})

	t.Run("empty_body_declined", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		}))
		defer server.Close()

		outcome := New(testConfig()).Verify(context.Background(), Request{
			Callback: callback(t, server.URL),
			Topic:    "http://blog.example/feed",
			Mode:     subscription.ModeSubscribe,
		})
		assert.Equal(t, Declined, outcome)
	})

	t.Run("error_status_not_retried", func(t *testing.T) {
		var calls int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		outcome := New(testConfig()).Verify(context.Background(), Request{
			Callback: callback(t, server.URL),
			Topic:    "http://blog.example/feed",
			Mode:     subscription.ModeSubscribe,
		})
		assert.Equal(t, HTTPError, outcome)
		assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	})

	t.Run("unreachable_retried_then_http_error", func(t *testing.T) {
		var calls int32
		transport := roundTripFunc(func(r *http.Request) (*http.Response, error) {
			atomic.AddInt32(&calls, 1)
			return nil, assert.AnError
		})

		cfg := testConfig()
		cfg.Client = &http.Client{Transport: transport}
		outcome := New(cfg).Verify(context.Background(), Request{
			Callback: callback(t, "http://127.0.0.1:1/cb"),
			Topic:    "http://blog.example/feed",
			Mode:     subscription.ModeSubscribe,
		})
		assert.Equal(t, HTTPError, outcome)
		assert.Equal(t, int32(3), atomic.LoadInt32(&calls), "one attempt plus two retries")
	})

	t.Run("slow_callback_times_out", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(time.Second):
			}
		}))
		defer server.Close()

		cfg := Config{Timeout: 20 * time.Millisecond, MaxRetries: -1}
		outcome := New(cfg).Verify(context.Background(), Request{
			Callback: callback(t, server.URL),
			Topic:    "http://blog.example/feed",
			Mode:     subscription.ModeSubscribe,
		})
		assert.Equal(t, HTTPError, outcome)
	})
}

func TestNewChallenge(t *testing.T) {
	a, b := NewChallenge(), NewChallenge()
	assert.NotEmpty(t, a)
	assert.NotEqual(t, a, b)
}

func TestConfig_SetDefaults(t *testing.T) {
	var cfg Config
	cfg.SetDefaults()
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	require.NoError(t, cfg.Validate())
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
