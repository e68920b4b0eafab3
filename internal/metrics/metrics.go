// Package metrics exposes Prometheus collectors for dispatch and negotiation.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dispatchd"

// Metrics groups every collector the service records into.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	dispatchOutcomes   *prometheus.CounterVec
	bids               *prometheus.CounterVec
	retries            *prometheus.CounterVec
	assignments        *prometheus.CounterVec
	persistenceErrors  *prometheus.CounterVec
	notifications      *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	negotiationSeconds *prometheus.HistogramVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
}

// New registers the collectors on reg, or on the default registerer if reg is nil.
// Collectors that are already registered are reused.
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "dispatch_outcomes_total",
			Help: "Dispatch attempts by request kind and outcome",
		}, []string{"kind", "outcome"}),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bids_total",
			Help: "Driver bids by kind and result",
		}, []string{"kind", "result"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "retries_total",
			Help: "Retry scheduler decisions",
		}, []string{"decision"}),
		assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "assignments_total",
			Help: "Assignments created by request kind",
		}, []string{"kind"}),
		persistenceErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "persistence_failures_total",
			Help: "Persistence attempts that failed, by operation and finality",
		}, []string{"operation", "fatal"}),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "notifications_total",
			Help: "Outbound notifications by type and delivery result",
		}, []string{"type", "result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_sessions",
			Help: "Negotiation sessions currently open",
		}),
		negotiationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "negotiation_duration_seconds",
			Help:    "Time from dispatch to session close",
			Buckets: []float64{5, 15, 30, 60, 90, 120, 180},
		}, []string{"state"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "http_requests_total",
			Help: "Total HTTP requests handled",
		}, []string{"method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Name: "http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}

	var err error
	if m.dispatchOutcomes, err = register(reg, m.dispatchOutcomes); err != nil {
		return nil, err
	}
	if m.bids, err = register(reg, m.bids); err != nil {
		return nil, err
	}
	if m.retries, err = register(reg, m.retries); err != nil {
		return nil, err
	}
	if m.assignments, err = register(reg, m.assignments); err != nil {
		return nil, err
	}
	if m.persistenceErrors, err = register(reg, m.persistenceErrors); err != nil {
		return nil, err
	}
	if m.notifications, err = register(reg, m.notifications); err != nil {
		return nil, err
	}
	if m.activeSessions, err = register(reg, m.activeSessions); err != nil {
		return nil, err
	}
	if m.negotiationSeconds, err = register(reg, m.negotiationSeconds); err != nil {
		return nil, err
	}
	if m.httpRequests, err = register(reg, m.httpRequests); err != nil {
		return nil, err
	}
	if m.httpDuration, err = register(reg, m.httpDuration); err != nil {
		return nil, err
	}
	return m, nil
}

func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// DispatchOutcome counts one dispatch attempt.
func (m *Metrics) DispatchOutcome(kind, outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(kind, outcome).Inc()
}

// Bid counts a driver bid; result is "accepted" or the rejection reason.
func (m *Metrics) Bid(kind, result string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(kind, result).Inc()
}

// Retry counts a retry scheduler decision.
func (m *Metrics) Retry(decision string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(decision).Inc()
}

// Assignment counts a persisted assignment.
func (m *Metrics) Assignment(kind string) {
	if m == nil {
		return
	}
	m.assignments.WithLabelValues(kind).Inc()
}

// PersistenceFailure counts a failed write.
func (m *Metrics) PersistenceFailure(operation string, fatal bool) {
	if m == nil {
		return
	}
	m.persistenceErrors.WithLabelValues(operation, strconv.FormatBool(fatal)).Inc()
}

// Notification counts an outbound notification delivery.
func (m *Metrics) Notification(typ, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(typ, result).Inc()
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

// SessionClosed decrements the active session gauge and records its lifetime.
func (m *Metrics) SessionClosed(state string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
	m.negotiationSeconds.WithLabelValues(state).Observe(lifetime.Seconds())
}

// HTTPRequest records one served HTTP request.
func (m *Metrics) HTTPRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	code := strconv.Itoa(status)
	m.httpRequests.WithLabelValues(method, path, code).Inc()
	m.httpDuration.WithLabelValues(method, path, code).Observe(d.Seconds())
}
