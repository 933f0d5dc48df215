// Package metrics exposes the service's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	CacheHit   = "hit"
	CacheMiss  = "miss"
	CacheError = "error"
)

type Metrics struct {
	registry       *prometheus.Registry
	billsCreated   *prometheus.CounterVec
	entriesCreated prometheus.Counter
	httpDuration   *prometheus.HistogramVec
	overviewCache  *prometheus.CounterVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		billsCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billbook_bills_created_total",
			Help: "Bills recorded, by the role of the recording user.",
		}, []string{"role"}),
		entriesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "billbook_bill_entries_created_total",
			Help: "Bill entries recorded across all bills.",
		}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "billbook_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		overviewCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "billbook_overview_cache_total",
			Help: "Overview cache lookups by result.",
		}, []string{"result"}),
	}
	m.registry.MustRegister(
		m.billsCreated,
		m.entriesCreated,
		m.httpDuration,
		m.overviewCache,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) BillCreated(role string, entries int) {
	if m == nil {
		return
	}
	m.billsCreated.WithLabelValues(role).Inc()
	m.entriesCreated.Add(float64(entries))
}

func (m *Metrics) ObserveHTTP(method string, route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.httpDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())
}

func (m *Metrics) OverviewCache(result string) {
	if m == nil {
		return
	}
	m.overviewCache.WithLabelValues(result).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
