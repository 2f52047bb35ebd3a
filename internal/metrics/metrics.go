// Package metrics exports server metrics through a dedicated Prometheus
// registry so the default global registry never leaks collectors between
// tests or reloads.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics records gateway and pipeline activity.
type Metrics struct {
	connGauge       prometheus.Gauge
	subsGauge       prometheus.Gauge
	framesTotal     *prometheus.CounterVec
	requestsTotal   *prometheus.CounterVec
	requestLatency  prometheus.Histogram
	rateLimited     prometheus.Counter
	publishTotal    prometheus.Counter
	deliveriesTotal prometheus.Counter
	tasksTotal      *prometheus.CounterVec
	cacheGauge      prometheus.Gauge
	sweepsTotal     prometheus.Counter
	evictionsTotal  prometheus.Counter
}

// New registers the server collectors on the registry.
func New(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		connGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channeld_connections",
			Help: "Current websocket connection count.",
		}),
		subsGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channeld_subscriptions",
			Help: "Current channel subscription count.",
		}),
		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channeld_frames_total",
			Help: "Websocket frames received by type.",
		}, []string{"type"}),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channeld_requests_total",
			Help: "Pipeline requests by transport and result.",
		}, []string{"transport", "result"}),
		requestLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "channeld_request_duration_seconds",
			Help:    "Pipeline request latency.",
			Buckets: prometheus.DefBuckets,
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channeld_rate_limited_total",
			Help: "Frames rejected by the per-connection rate limiter.",
		}),
		publishTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channeld_publish_total",
			Help: "Publish operations accepted for fan-out.",
		}),
		deliveriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channeld_fanout_deliveries_total",
			Help: "Frames delivered to subscribers during fan-out.",
		}),
		tasksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "channeld_tasks_total",
			Help: "Deferred task outcomes.",
		}, []string{"result"}),
		cacheGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "channeld_cache_entries",
			Help: "Current shared cache entry count.",
		}),
		sweepsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channeld_cache_sweeps_total",
			Help: "Completed cache sweep runs.",
		}),
		evictionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "channeld_cache_evictions_total",
			Help: "Cache entries removed by expiry sweeps.",
		}),
	}
	reg.MustRegister(
		m.connGauge,
		m.subsGauge,
		m.framesTotal,
		m.requestsTotal,
		m.requestLatency,
		m.rateLimited,
		m.publishTotal,
		m.deliveriesTotal,
		m.tasksTotal,
		m.cacheGauge,
		m.sweepsTotal,
		m.evictionsTotal,
	)
	return m
}

func (m *Metrics) ConnCount(n int) {
	m.connGauge.Set(float64(n))
}

func (m *Metrics) SubscriptionCount(n int) {
	m.subsGauge.Set(float64(n))
}

func (m *Metrics) Frame(frameType string) {
	m.framesTotal.WithLabelValues(frameType).Inc()
}

// Request records one pipeline execution. Result is "success", "error" or
// "internal_error".
func (m *Metrics) Request(transport, result string, d time.Duration) {
	m.requestsTotal.WithLabelValues(transport, result).Inc()
	m.requestLatency.Observe(d.Seconds())
}

func (m *Metrics) RateLimited() {
	m.rateLimited.Inc()
}

func (m *Metrics) Publish(delivered int) {
	m.publishTotal.Inc()
	m.deliveriesTotal.Add(float64(delivered))
}

// Task records a deferred task outcome: "ok" or "failed".
func (m *Metrics) Task(result string) {
	m.tasksTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) CacheEntries(n int) {
	m.cacheGauge.Set(float64(n))
}

func (m *Metrics) Sweep(evicted int) {
	m.sweepsTotal.Inc()
	m.evictionsTotal.Add(float64(evicted))
}
