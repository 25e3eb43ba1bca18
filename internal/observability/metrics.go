// Package observability exposes prometheus metrics and the ops HTTP server.
package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"xwatch/internal/credential"
)

const namespace = "xwatch"

// Metrics owns a private registry so tests and multiple instances never collide.
// A nil *Metrics is a valid no-op.
type Metrics struct {
	reg *prometheus.Registry

	queries       *prometheus.CounterVec
	queryDuration *prometheus.HistogramVec
	attempts      *prometheus.CounterVec
	credFailures  *prometheus.CounterVec
	ticks         *prometheus.CounterVec
	tasks         *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	changes       *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		queries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_queries_total",
			Help:      "Upstream queries by catalog operation and result.",
		}, []string{"operation", "result"}),
		queryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "upstream_query_duration_seconds",
			Help:      "Upstream query latency including credential rotation.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"operation"}),
		attempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_attempts_total",
			Help:      "Single request attempts by credential and outcome.",
		}, []string{"credential", "outcome"}),
		credFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "credential_failures_total",
			Help:      "Attempts that counted against a credential's health.",
		}, []string{"credential"}),
		ticks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "monitor_ticks_total",
			Help:      "Monitor ticks by kind and result.",
		}, []string{"kind", "result"}),
		tasks: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Task engine runs by task and result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"task", "result"}),
		notifications: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Notification deliveries by sink and result.",
		}, []string{"sink", "result"}),
		changes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "changes_total",
			Help:      "Detected changes by monitor kind and field.",
		}, []string{"kind", "field"}),
	}
}

// Registry exposes the private registry (tests gather from it).
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Handler serves the registry in the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// ObserveQuery matches upstream.WithQueryHook.
func (m *Metrics) ObserveQuery(op string, err error, took time.Duration) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(op, queryResult(err)).Inc()
	m.queryDuration.WithLabelValues(op).Observe(took.Seconds())
}

func queryResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, credential.ErrExhausted):
		return "exhausted"
	default:
		return "error"
	}
}

// ObserveAttempt matches credential.WithAttemptHook.
func (m *Metrics) ObserveAttempt(label string, o credential.Outcome) {
	if m == nil {
		return
	}
	m.attempts.WithLabelValues(label, string(o)).Inc()
	switch o {
	case credential.OutcomeAuth, credential.OutcomeServer, credential.OutcomeNetwork:
		m.credFailures.WithLabelValues(label).Inc()
	}
}

func (m *Metrics) ObserveTick(kind string, ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.ticks.WithLabelValues(kind, result).Inc()
}

// ObserveTask matches engine.Observer.
func (m *Metrics) ObserveTask(name, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(name, result).Observe(took.Seconds())
}

// ObserveNotification matches notifier.WithResultHook.
func (m *Metrics) ObserveNotification(sink, result string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(sink, result).Inc()
}

func (m *Metrics) ObserveChange(kind, field string) {
	if m == nil {
		return
	}
	m.changes.WithLabelValues(kind, field).Inc()
}

// RegisterQueue exposes a queue length read at scrape time.
func (m *Metrics) RegisterQueue(name string, depth func() int) {
	if m == nil || depth == nil {
		return
	}
	m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "queue_depth",
		Help:        "Items waiting in a bounded queue.",
		ConstLabels: prometheus.Labels{"queue": name},
	}, func() float64 { return float64(depth()) }))
}
