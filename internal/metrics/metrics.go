// Package metrics exposes hub counters in Prometheus format.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rmacdonaldsmith/websub-hub-go/internal/distributor"
)

const namespace = "websubhub"

// Metrics holds the hub's collectors on a private registry
type Metrics struct {
	registry *prometheus.Registry

	subscriptionRequests *prometheus.CounterVec
	verifications        *prometheus.CounterVec
	publishes            prometheus.Counter
	deliveries           *prometheus.CounterVec
	deliveryDuration     prometheus.Histogram
	expired              prometheus.Counter

	socketsMu    sync.Mutex
	socketCounts []func() int
}

// New creates and registers the hub collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		subscriptionRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscription_requests_total",
			Help:      "Subscription requests by mode and result.",
		}, []string{"mode", "result"}),
		verifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Intent verifications by outcome.",
		}, []string{"outcome"}),
		publishes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publishes_total",
			Help:      "Accepted publish notifications.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Content deliveries by status.",
		}, []string{"status"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent fetching and delivering content to one subscriber.",
			Buckets:   prometheus.DefBuckets,
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "expired_subscriptions_total",
			Help:      "Subscriptions removed by the lease sweeper.",
		}),
	}

	m.registry.MustRegister(
		m.subscriptionRequests,
		m.verifications,
		m.publishes,
		m.deliveries,
		m.deliveryDuration,
		m.expired,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RegisterSocketGauge exposes the number of open subscriber sockets.
// The gauge is registered once; later calls add their count to it.
func (m *Metrics) RegisterSocketGauge(count func() int) {
	m.socketsMu.Lock()
	defer m.socketsMu.Unlock()

	m.socketCounts = append(m.socketCounts, count)
	if len(m.socketCounts) > 1 {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "open_sockets",
		Help:      "Subscriber sockets currently connected.",
	}, m.openSockets))
}

func (m *Metrics) openSockets() float64 {
	m.socketsMu.Lock()
	defer m.socketsMu.Unlock()

	total := 0
	for _, count := range m.socketCounts {
		total += count()
	}
	return float64(total)
}

func (m *Metrics) SubscriptionRequest(mode, result string) {
	m.subscriptionRequests.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) Verification(outcome string) {
	m.verifications.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Publish() {
	m.publishes.Inc()
}

// Expired counts subscriptions removed by one sweep
func (m *Metrics) Expired(n int) {
	m.expired.Add(float64(n))
}

// RecordDelivery implements distributor.Recorder
func (m *Metrics) RecordDelivery(status distributor.Status, elapsed time.Duration) {
	m.deliveries.WithLabelValues(string(status)).Inc()
	m.deliveryDuration.Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

var _ distributor.Recorder = (*Metrics)(nil)
