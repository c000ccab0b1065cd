package distributor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/gateway"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/store"
	"github.com/rmacdonaldsmith/websub-hub-go/pkg/subscription"
)

const hubURL = "http://hub.example/"

type received struct {
	body    []byte
	headers http.Header
	query   map[string]string
}

// callbackRecorder is a subscriber endpoint that records every delivery
type callbackRecorder struct {
	mu     sync.Mutex
	got    []received
	status int
}

func (c *callbackRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	q := map[string]string{}
	for k := range r.URL.Query() {
		q[k] = r.URL.Query().Get(k)
	}
	c.mu.Lock()
	c.got = append(c.got, received{body: body, headers: r.Header.Clone(), query: q})
	status := c.status
	c.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
	}
}

func (c *callbackRecorder) deliveries() []received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]received(nil), c.got...)
}

func newTopicServer(t *testing.T, body string) (*httptest.Server, *atomic.Value) {
	t.Helper()
	var accept atomic.Value
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accept.Store(r.Header.Get("Accept"))
		w.Write([]byte(body))
	}))
	t.Cleanup(server.Close)
	return server, &accept
}

func addSub(t *testing.T, s subscription.Store, topic, callback string, mutate func(*subscription.Subscription)) *subscription.Subscription {
	t.Helper()
	sub := subscription.New(topic, callback, 60)
	sub.Protocol = "http"
	if mutate != nil {
		mutate(sub)
	}
	require.NoError(t, s.Create(context.Background(), sub))
	return sub
}

func newDistributor(t *testing.T, s subscription.Store, opts ...Option) *Distributor {
	t.Helper()
	d := New(Config{HubURL: hubURL, Timeout: time.Second}, s, opts...)
	t.Cleanup(func() { d.Close(context.Background()) })
	return d
}

func TestPublish_DeliversToEverySubscriber(t *testing.T) {
	topic, accept := newTopicServer(t, `{"title":"hello"}`)
	s := store.NewMemoryStore()
	defer s.Close()

	cb1, cb2 := &callbackRecorder{}, &callbackRecorder{}
	srv1, srv2 := httptest.NewServer(cb1), httptest.NewServer(cb2)
	defer srv1.Close()
	defer srv2.Close()

	addSub(t, s, topic.URL+"/", srv1.URL+"/", func(sub *subscription.Subscription) {
		sub.CallbackQuery = map[string]string{"token": "abc"}
	})
	addSub(t, s, topic.URL+"/", srv2.URL+"/", nil)

	d := newDistributor(t, s)
	dispatch, err := d.Publish(context.Background(), topic.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 2, dispatch.Subscribers)

	report := dispatch.Wait()
	assert.Equal(t, Report{Delivered: 2}, report)

	got1 := cb1.deliveries()
	require.Len(t, got1, 1)
	assert.Equal(t, `{"title":"hello"}`, string(got1[0].body))
	assert.Equal(t, "application/json", got1[0].headers.Get("Content-Type"))
	assert.Equal(t, `<`+hubURL+`>; rel="hub", <`+topic.URL+`/>; rel="self"`, got1[0].headers.Get("Link"))
	assert.Empty(t, got1[0].headers.Get(SignatureHeader))
	assert.Equal(t, "abc", got1[0].query["token"])
	assert.Equal(t, "application/json", accept.Load())

	require.Len(t, cb2.deliveries(), 1)
}

func TestPublish_SignsWithSecret(t *testing.T) {
	const secret = "my-long-secret-value"
	const content = `<feed><entry>1</entry></feed>`

	topic, accept := newTopicServer(t, content)
	s := store.NewMemoryStore()
	defer s.Close()

	cb := &callbackRecorder{}
	srv := httptest.NewServer(cb)
	defer srv.Close()

	addSub(t, s, topic.URL+"/", srv.URL+"/", func(sub *subscription.Subscription) {
		sub.Secret = secret
		sub.Format = subscription.FormatXML
	})

	d := newDistributor(t, s)
	dispatch, err := d.Publish(context.Background(), topic.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, Report{Delivered: 1}, dispatch.Wait())

	got := cb.deliveries()
	require.Len(t, got, 1)
	sig := got[0].headers.Get(SignatureHeader)
	assert.Equal(t, Sign(secret, []byte(content)), sig)
	assert.True(t, VerifySignature(secret, got[0].body, sig))
	assert.False(t, VerifySignature(secret, []byte(content+"tampered"), sig))
	assert.False(t, VerifySignature("another-secret-value", got[0].body, sig))
	assert.Equal(t, "application/xml", got[0].headers.Get("Content-Type"))
	assert.Equal(t, "application/xml", accept.Load())
}

func TestPublish_FailuresAreIsolated(t *testing.T) {
	topic, _ := newTopicServer(t, `{}`)
	s := store.NewMemoryStore()
	defer s.Close()

	healthy := &callbackRecorder{}
	broken := &callbackRecorder{status: http.StatusInternalServerError}
	srvOK, srvBroken := httptest.NewServer(healthy), httptest.NewServer(broken)
	defer srvOK.Close()
	defer srvBroken.Close()

	addSub(t, s, topic.URL+"/", srvOK.URL+"/", nil)
	addSub(t, s, topic.URL+"/", srvBroken.URL+"/", nil)
	addSub(t, s, topic.URL+"/", "http://127.0.0.1:1/", nil)

	d := newDistributor(t, s)
	dispatch, err := d.Publish(context.Background(), topic.URL+"/")
	require.NoError(t, err)

	report := dispatch.Wait()
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 2, report.Failed)
	assert.Len(t, healthy.deliveries(), 1)
}

func TestPublish_TopicFetchFailure(t *testing.T) {
	topic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer topic.Close()

	s := store.NewMemoryStore()
	defer s.Close()
	cb := &callbackRecorder{}
	srv := httptest.NewServer(cb)
	defer srv.Close()
	addSub(t, s, topic.URL+"/", srv.URL+"/", nil)

	d := newDistributor(t, s)
	dispatch, err := d.Publish(context.Background(), topic.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, Report{Failed: 1}, dispatch.Wait())
	assert.Empty(t, cb.deliveries())
}

func TestPublish_StreamedBodyUsesCallbackDeadline(t *testing.T) {
	topic := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
		w.Write([]byte(`{"part":1,`))
		w.(http.Flusher).Flush()
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`"done":true}`))
	}))
	defer topic.Close()

	s := store.NewMemoryStore()
	defer s.Close()
	cb := &callbackRecorder{}
	srv := httptest.NewServer(cb)
	defer srv.Close()
	addSub(t, s, topic.URL+"/", srv.URL+"/", nil)

	d := New(Config{HubURL: hubURL, Timeout: 400 * time.Millisecond}, s)
	defer d.Close(context.Background())

	dispatch, err := d.Publish(context.Background(), topic.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, Report{Delivered: 1}, dispatch.Wait())

	got := cb.deliveries()
	require.Len(t, got, 1)
	assert.Equal(t, `{"part":1,"done":true}`, string(got[0].body))
}

func TestPublish_NoSubscribers(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	d := newDistributor(t, s)
	dispatch, err := d.Publish(context.Background(), "http://nobody.example/")
	require.NoError(t, err)
	assert.Equal(t, 0, dispatch.Subscribers)

	select {
	case <-dispatch.Done():
	default:
		t.Fatal("dispatch without subscribers should be finished immediately")
	}
	assert.Equal(t, Report{}, dispatch.Wait())
}

type failingStore struct {
	subscription.Store
}

func (failingStore) ListActive(ctx context.Context, topic string) ([]*subscription.Subscription, error) {
	return nil, errors.New("database unavailable")
}

func TestPublish_StoreFailure(t *testing.T) {
	d := newDistributor(t, failingStore{})
	_, err := d.Publish(context.Background(), "http://blog.example/")
	assert.Error(t, err)
}

func TestPublish_BoundedConcurrency(t *testing.T) {
	topic, _ := newTopicServer(t, `{}`)
	s := store.NewMemoryStore()
	defer s.Close()

	var current, peak int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&current, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&current, -1)
	}))
	defer slow.Close()

	for i := 0; i < 10; i++ {
		addSub(t, s, topic.URL+"/", slow.URL+"/"+string(rune('a'+i)), nil)
	}

	d := New(Config{HubURL: hubURL, Concurrency: 2}, s)
	defer d.Close(context.Background())

	dispatch, err := d.Publish(context.Background(), topic.URL+"/")
	require.NoError(t, err)
	assert.Equal(t, 10, dispatch.Wait().Delivered)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

type fakeSockets struct {
	mu   sync.Mutex
	sent map[subscription.Key]any
	err  error
}

func (f *fakeSockets) Send(key subscription.Key, v any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.sent == nil {
		f.sent = map[subscription.Key]any{}
	}
	f.sent[key] = v
	return nil
}

func TestPublish_SocketDelivery(t *testing.T) {
	topic, _ := newTopicServer(t, `{"n":1}`)

	t.Run("pushes_envelope", func(t *testing.T) {
		s := store.NewMemoryStore()
		defer s.Close()
		sub := addSub(t, s, topic.URL+"/", "ws://reader.example/", func(sub *subscription.Subscription) {
			sub.Protocol = "ws"
			sub.UseSocket = true
			sub.Secret = "socket-secret-value"
			sub.CallbackQuery = map[string]string{"a": "b"}
		})

		sockets := &fakeSockets{}
		d := newDistributor(t, s, WithSockets(sockets))
		dispatch, err := d.Publish(context.Background(), topic.URL+"/")
		require.NoError(t, err)
		assert.Equal(t, Report{Delivered: 1}, dispatch.Wait())

		msg, ok := sockets.sent[sub.Key()].(gateway.Message)
		require.True(t, ok)
		assert.Equal(t, sub.Topic, msg.Topic)
		assert.Equal(t, "b", msg.Query["a"])
		assert.Equal(t, Sign("socket-secret-value", []byte(`{"n":1}`)), msg.Headers["x-hub-signature"])
		assert.Equal(t, json.RawMessage(`{"n":1}`), msg.Data)
	})

	t.Run("skips_without_connection", func(t *testing.T) {
		s := store.NewMemoryStore()
		defer s.Close()
		addSub(t, s, topic.URL+"/", "ws://reader.example/", func(sub *subscription.Subscription) {
			sub.Protocol = "ws"
			sub.UseSocket = true
		})

		d := newDistributor(t, s, WithSockets(&fakeSockets{err: gateway.ErrNoConnection}))
		dispatch, err := d.Publish(context.Background(), topic.URL+"/")
		require.NoError(t, err)
		assert.Equal(t, Report{Skipped: 1}, dispatch.Wait())
	})
}

type countingRecorder struct {
	mu     sync.Mutex
	counts map[Status]int
}

func (c *countingRecorder) RecordDelivery(status Status, elapsed time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[status]++
}

func TestPublish_RecordsDeliveries(t *testing.T) {
	topic, _ := newTopicServer(t, `{}`)
	s := store.NewMemoryStore()
	defer s.Close()
	cb := httptest.NewServer(&callbackRecorder{})
	defer cb.Close()
	addSub(t, s, topic.URL+"/", cb.URL+"/", nil)

	rec := &countingRecorder{counts: map[Status]int{}}
	d := newDistributor(t, s, WithRecorder(rec))
	dispatch, err := d.Publish(context.Background(), topic.URL+"/")
	require.NoError(t, err)
	dispatch.Wait()

	rec.mu.Lock()
	defer rec.mu.Unlock()
	assert.Equal(t, 1, rec.counts[StatusDelivered])
}

func TestClose_RejectsNewPublishes(t *testing.T) {
	s := store.NewMemoryStore()
	defer s.Close()

	d := New(Config{HubURL: hubURL}, s)
	require.NoError(t, d.Close(context.Background()))

	_, err := d.Publish(context.Background(), "http://blog.example/")
	assert.ErrorIs(t, err, ErrClosed)
}
