// Package metrics holds the Prometheus collectors for the ledger, router and
// reconciliation engine. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/verdictmarket/backend/internal/models"
)

const namespace = "verdict"

type Metrics struct {
	registry *prometheus.Registry

	ledgerOps       *prometheus.CounterVec
	ledgerDuration  *prometheus.HistogramVec
	auditFailures   prometheus.Counter
	routingOutcomes *prometheus.CounterVec
	poolSize        prometheus.Histogram
	discrepancies   *prometheus.GaugeVec
	paymentTxns     *prometheus.GaugeVec
	autoFixes       *prometheus.CounterVec
	dependencyCalls *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
}

// New builds collectors on a private registry, plus the Go runtime and
// process collectors.
func New() *Metrics {
	m := &Metrics{registry: prometheus.NewRegistry()}

	m.ledgerOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ledger_operations_total",
		Help:      "Ledger mutations by operation and outcome.",
	}, []string{"operation", "outcome"})

	m.ledgerDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "ledger_operation_duration_seconds",
		Help:      "Ledger mutation latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	m.auditFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "audit_write_failures_total",
		Help:      "Privileged mutations whose audit record could not be written.",
	})

	m.routingOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routing_outcomes_total",
		Help:      "Routing attempts by strategy and outcome.",
	}, []string{"strategy", "outcome"})

	m.poolSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "routing_pool_size",
		Help:      "Eligible reviewers found per routing attempt.",
		Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 250},
	})

	m.discrepancies = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "reconciliation_discrepancies",
		Help:      "Discrepancies found by the last reconciliation run.",
	}, []string{"type"})

	m.paymentTxns = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "payment_transactions",
		Help:      "Purchase transactions in the trailing health window by status.",
	}, []string{"status"})

	m.autoFixes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliation_autofix_total",
		Help:      "Auto-fix outcomes.",
	}, []string{"outcome"})

	m.dependencyCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dependency_calls_total",
		Help:      "Calls to external dependencies by outcome.",
	}, []string{"dependency", "outcome"})

	m.httpRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "http_requests_total",
		Help:      "HTTP requests by route pattern and status.",
	}, []string{"method", "route", "status"})

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.ledgerOps, m.ledgerDuration, m.auditFailures,
		m.routingOutcomes, m.poolSize,
		m.discrepancies, m.paymentTxns, m.autoFixes,
		m.dependencyCalls, m.httpRequests,
	)
	return m
}

// Handler serves the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveLedger(op, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.ledgerOps.WithLabelValues(op, outcome).Inc()
	m.ledgerDuration.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.auditFailures.Inc()
}

func (m *Metrics) RoutingOutcome(strategy models.RoutingStrategy, outcome string, poolSize int) {
	if m == nil {
		return
	}
	m.routingOutcomes.WithLabelValues(string(strategy), outcome).Inc()
	if poolSize >= 0 {
		m.poolSize.Observe(float64(poolSize))
	}
}

// SetDiscrepancies replaces the per-type gauge values with counts from the
// latest run. Types absent from counts are reset to zero.
func (m *Metrics) SetDiscrepancies(counts map[models.DiscrepancyType]int) {
	if m == nil {
		return
	}
	for _, t := range []models.DiscrepancyType{
		models.DiscrepancyMissingTransaction,
		models.DiscrepancyPendingTransaction,
		models.DiscrepancyAmountMismatch,
		models.DiscrepancyOrphanedProviderCharge,
	} {
		m.discrepancies.WithLabelValues(string(t)).Set(float64(counts[t]))
	}
}

func (m *Metrics) SetPaymentStats(s *models.PaymentStats) {
	if m == nil || s == nil {
		return
	}
	m.paymentTxns.WithLabelValues(string(models.TxCompleted)).Set(float64(s.Completed))
	m.paymentTxns.WithLabelValues(string(models.TxPending)).Set(float64(s.Pending))
	m.paymentTxns.WithLabelValues(string(models.TxFailed)).Set(float64(s.Failed))
}

func (m *Metrics) AutoFix(outcome string) {
	if m == nil {
		return
	}
	m.autoFixes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) DependencyCall(dependency, outcome string) {
	if m == nil {
		return
	}
	m.dependencyCalls.WithLabelValues(dependency, outcome).Inc()
}

// Middleware counts requests by the mux pattern that matched them.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
