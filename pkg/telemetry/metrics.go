package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wanglei99999/ai-agent-learning/pkg/memory"
)

// Metrics is a memory.Observer that records engine events as Prometheus
// series on its own registry.
type Metrics struct {
	registry     *prometheus.Registry
	added        *prometheus.CounterVec
	evicted      *prometheus.CounterVec
	forgotten    *prometheus.CounterVec
	consolidated *prometheus.CounterVec
	size         *prometheus.GaugeVec
	requests     *prometheus.HistogramVec
}

var _ memory.Observer = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		added: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmem",
			Name:      "items_added_total",
			Help:      "Items added, by tier.",
		}, []string{"tier"}),
		evicted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmem",
			Name:      "items_evicted_total",
			Help:      "Items evicted automatically, by tier and reason.",
		}, []string{"tier", "reason"}),
		forgotten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmem",
			Name:      "items_forgotten_total",
			Help:      "Items removed by forget, by tier and strategy.",
		}, []string{"tier", "strategy"}),
		consolidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentmem",
			Name:      "items_consolidated_total",
			Help:      "Items moved between tiers.",
		}, []string{"from", "to"}),
		size: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "agentmem",
			Name:      "tier_items",
			Help:      "Current number of items per tier.",
		}, []string{"tier"}),
		requests: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentmem",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency, by route and status code.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route", "code"}),
	}
	m.registry.MustRegister(
		m.added, m.evicted, m.forgotten, m.consolidated, m.size, m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Added(kind memory.TierKind) {
	m.added.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) Evicted(kind memory.TierKind, reason string, n int) {
	m.evicted.WithLabelValues(string(kind), reason).Add(float64(n))
}

func (m *Metrics) Forgotten(kind memory.TierKind, strategy memory.ForgetStrategy, n int) {
	m.forgotten.WithLabelValues(string(kind), string(strategy)).Add(float64(n))
}

func (m *Metrics) Consolidated(from, to memory.TierKind, n int) {
	m.consolidated.WithLabelValues(string(from), string(to)).Add(float64(n))
}

func (m *Metrics) Size(kind memory.TierKind, n int) {
	m.size.WithLabelValues(string(kind)).Set(float64(n))
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, code int, d time.Duration) {
	m.requests.WithLabelValues(route, strconv.Itoa(code)).Observe(d.Seconds())
}
