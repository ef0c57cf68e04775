// Package metrics holds the Prometheus collectors of the marketplace.
//
// Every method is safe on a nil *Metrics, so components take an optional
// *Metrics and record unconditionally.
package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "buyorders"

// Metrics groups the collectors.
type Metrics struct {
	gatherer prometheus.Gatherer

	operations  *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	cache       *prometheus.CounterVec
	desyncs     prometheus.Counter
	rollbacks   *prometheus.CounterVec
	settlements *prometheus.CounterVec
	requests    *prometheus.CounterVec
	throttles   prometheus.Counter
}

// New creates the collectors and registers them with reg. A nil reg gets a
// fresh private registry.
func New(reg *prometheus.Registry) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatherer: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "operations_total",
			Help:      "Market operations segmented by operation and outcome code.",
		}, []string{"op", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "operation_duration_seconds",
			Help:      "Latency distribution of market operations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"op"}),
		cache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "lookups_total",
			Help:      "Order cache lookups segmented by query and result (hit, stale, load).",
		}, []string{"query", "result"}),
		desyncs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "critical_desync_total",
			Help:      "Critical desynchronizations escalated for manual reconciliation.",
		}),
		rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "market",
			Name:      "rollbacks_total",
			Help:      "Compensating rollbacks segmented by the phase that failed.",
		}, []string{"phase"}),
		settlements: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "settlement",
			Name:      "settlements_total",
			Help:      "Settlements segmented by route (direct, offline, flushed).",
		}, []string{"route"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests segmented by route pattern and status code.",
		}, []string{"route", "status"}),
		throttles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "throttles_total",
			Help:      "HTTP requests rejected by the rate limiter.",
		}),
	}

	for _, c := range []prometheus.Collector{
		m.operations, m.latency, m.cache, m.desyncs,
		m.rollbacks, m.settlements, m.requests, m.throttles,
	} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return m, nil
}

// ObserveOperation records one market operation. outcome is "ok" or an
// error code.
func (m *Metrics) ObserveOperation(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	m.operations.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(d.Seconds())
}

// CacheLookup records a cache lookup. result is "hit", "stale" or "load".
func (m *Metrics) CacheLookup(query, result string) {
	if m == nil {
		return
	}
	m.cache.WithLabelValues(query, result).Inc()
}

// Desync counts one critical desynchronization.
func (m *Metrics) Desync() {
	if m == nil {
		return
	}
	m.desyncs.Inc()
}

// Rollback counts a compensating rollback after phase failed.
func (m *Metrics) Rollback(phase string) {
	if m == nil {
		return
	}
	m.rollbacks.WithLabelValues(phase).Inc()
}

// Settlement counts one settlement by route.
func (m *Metrics) Settlement(route string) {
	if m == nil {
		return
	}
	m.settlements.WithLabelValues(route).Inc()
}

// ObserveRequest records one HTTP request.
func (m *Metrics) ObserveRequest(route string, status int) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.requests.WithLabelValues(route, fmt.Sprintf("%d", status)).Inc()
}

// Throttled counts one rate-limited request.
func (m *Metrics) Throttled() {
	if m == nil {
		return
	}
	m.throttles.Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
