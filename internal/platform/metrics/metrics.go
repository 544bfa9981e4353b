// Package metrics holds the Prometheus collectors for code allocation,
// counter recounts and reconciliation. A nil *Metrics is valid and records
// nothing, so callers never need to guard their observations.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "carecore"

// Allocation outcomes.
const (
	OutcomeAllocated = "allocated"
	OutcomeExhausted = "exhausted"
	OutcomeCorrupt   = "corrupt"
	OutcomeError     = "error"
)

type Metrics struct {
	registry *prometheus.Registry

	allocations      *prometheus.CounterVec
	allocRetries     *prometheus.CounterVec
	recounts         *prometheus.CounterVec
	reconcileRepairs *prometheus.CounterVec
	reconcileRuns    *prometheus.CounterVec
	reconcileSeconds prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpSeconds      *prometheus.HistogramVec
}

// New builds a Metrics on its own registry. Process and Go runtime
// collectors are included so /metrics is useful on its own.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_allocations_total",
			Help:      "Code allocations by entity type and outcome.",
		}, []string{"entity", "outcome"}),
		allocRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "code_allocation_retries_total",
			Help:      "Allocation attempts retried after a duplicate code.",
		}, []string{"entity"}),
		recounts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "staff_recounts_total",
			Help:      "Staff assignment counter recomputations by role.",
		}, []string{"role"}),
		reconcileRepairs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_repairs_total",
			Help:      "Inconsistencies repaired by reconciliation, by kind.",
		}, []string{"kind"}),
		reconcileRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_runs_total",
			Help:      "Reconciliation runs by result.",
		}, []string{"result"}),
		reconcileSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconcile_duration_seconds",
			Help:      "Duration of reconciliation sweeps.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		httpSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.allocations, m.allocRetries, m.recounts,
		m.reconcileRepairs, m.reconcileRuns, m.reconcileSeconds,
		m.httpRequests, m.httpSeconds,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveAllocation(entity, outcome string) {
	if m == nil {
		return
	}
	m.allocations.WithLabelValues(entity, outcome).Inc()
}

func (m *Metrics) ObserveAllocationRetry(entity string) {
	if m == nil {
		return
	}
	m.allocRetries.WithLabelValues(entity).Inc()
}

func (m *Metrics) ObserveRecount(role string) {
	if m == nil {
		return
	}
	m.recounts.WithLabelValues(role).Inc()
}

func (m *Metrics) ObserveRepairs(kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reconcileRepairs.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) ObserveReconcile(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.reconcileRuns.WithLabelValues(result).Inc()
	m.reconcileSeconds.Observe(elapsed.Seconds())
}

// Middleware records request counts and latency keyed by the matched route
// pattern, never the raw path, to keep label cardinality bounded.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else {
					status = http.StatusInternalServerError
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			m.httpRequests.WithLabelValues(route, c.Request().Method, strconv.Itoa(status)).Inc()
			m.httpSeconds.WithLabelValues(route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
