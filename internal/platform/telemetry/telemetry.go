// Package telemetry exposes the agent's operational metrics in Prometheus
// exposition format. The device fleet is scraped over the school LAN, so the
// set is kept small: queue depth, sync outcomes, cache effectiveness.
package telemetry

import (
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Attempt outcomes recorded per queue item per cycle.
const (
	OutcomeSynced      = "synced"
	OutcomeRetry       = "retry"
	OutcomePermanent   = "permanent"
	OutcomeUnreachable = "unreachable"
)

// Cache lookup results.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Metrics is the agent's metric set. A nil *Metrics is valid and records
// nothing, so wiring stays optional in tests.
type Metrics struct {
	registry *prometheus.Registry

	queueDepth    *prometheus.GaugeVec
	syncAttempts  *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	cacheLookups  *prometheus.CounterVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "eyear_sync_queue_depth",
			Help: "Number of queue items by status.",
		}, []string{"status"}),
		syncAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eyear_sync_attempts_total",
			Help: "Upload attempts by outcome.",
		}, []string{"outcome"}),
		cycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "eyear_sync_cycle_duration_seconds",
			Help:    "Wall time of a full sync cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		cacheLookups: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "eyear_cache_lookups_total",
			Help: "Offline cache lookups by result.",
		}, []string{"result"}),
	}
}

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

func (m *Metrics) ObserveAttempt(outcome string) {
	if m == nil {
		return
	}
	m.syncAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ObserveCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycleDuration.Observe(d.Seconds())
}

// SetQueueDepth replaces the depth gauge from a status count snapshot.
// Statuses absent from the snapshot are zeroed.
func (m *Metrics) SetQueueDepth(depth map[string]int) {
	if m == nil {
		return
	}
	for _, status := range []string{"pending", "syncing", "synced", "failed"} {
		m.queueDepth.WithLabelValues(status).Set(float64(depth[status]))
	}
}

func (m *Metrics) ObserveCache(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}
