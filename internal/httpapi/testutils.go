package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/hub"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/store"
	"github.com/rmacdonaldsmith/websub-hub-go/internal/verifier"
)

// TestServerSetup holds common test dependencies
type TestServerSetup struct {
	Hub    *hub.Hub
	Server *Server
	HTTP   *httptest.Server
}

// NewTestServerSetup creates a hub on an in-memory store behind a test HTTP server.
// A non-empty publishSecret enables publisher authentication.
func NewTestServerSetup(t *testing.T, publishSecret string, sockets bool) *TestServerSetup {
	t.Helper()

	cfg := hub.NewConfig("http://hub.test/").
		WithSockets(sockets).
		WithVerifierConfig(verifier.Config{Timeout: time.Second, MaxRetries: -1})
	h, err := hub.New(cfg, store.NewMemoryStore(), nil)
	if err != nil {
		t.Fatalf("Failed to create hub: %v", err)
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start hub: %v", err)
	}

	server := NewServer(h, Config{PublishSecret: publishSecret})
	ts := httptest.NewServer(server.Handler())

	setup := &TestServerSetup{Hub: h, Server: server, HTTP: ts}
	t.Cleanup(setup.Close)
	return setup
}

// Close cleans up test resources
func (setup *TestServerSetup) Close() {
	setup.HTTP.Close()
	setup.Hub.Close(context.Background())
}

// GenerateTestToken creates a publisher token for testing
func (setup *TestServerSetup) GenerateTestToken(t *testing.T, publisher string) string {
	t.Helper()

	if setup.Server.jwtAuth == nil {
		t.Fatal("publisher authentication is not enabled")
	}
	token, _, err := setup.Server.jwtAuth.GenerateToken(publisher)
	if err != nil {
		t.Fatalf("Failed to generate test token: %v", err)
	}
	return token
}

// MockSubscriber is a callback endpoint that echoes verification challenges
// and records content deliveries
type MockSubscriber struct {
	*httptest.Server

	mu         sync.Mutex
	Decline    bool
	Challenges int
	Deliveries []*http.Request
	Bodies     [][]byte
	delivered  chan struct{}
}

// NewMockSubscriber starts a mock subscriber
func NewMockSubscriber(t *testing.T) *MockSubscriber {
	t.Helper()
	m := &MockSubscriber{delivered: make(chan struct{}, 16)}
	m.Server = httptest.NewServer(http.HandlerFunc(m.serve))
	t.Cleanup(m.Server.Close)
	return m
}

func (m *MockSubscriber) serve(w http.ResponseWriter, r *http.Request) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.Method == http.MethodGet {
		m.Challenges++
		challenge := r.URL.Query().Get("hub.challenge")
		if m.Decline {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"hub.challenge": challenge})
		return
	}

	body, _ := io.ReadAll(r.Body)
	m.Deliveries = append(m.Deliveries, r.Clone(context.Background()))
	m.Bodies = append(m.Bodies, body)
	m.delivered <- struct{}{}
}

// WaitForDelivery blocks until a delivery arrives or the timeout passes
func (m *MockSubscriber) WaitForDelivery(t *testing.T, timeout time.Duration) {
	t.Helper()
	select {
	case <-m.delivered:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for content delivery")
	}
}
