package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the relay's Prometheus collectors. Each instance owns its
// registry so tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Session metrics
	SessionsActive    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsDestroyed *prometheus.CounterVec

	// Mail metrics
	MailOperationErrors *prometheus.CounterVec
	EmailsSent          prometheus.Counter

	// Rate limiting
	RateLimitBlocks *prometheus.CounterVec
}

// NewMetrics creates and registers every collector
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmail_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "endpoint", "status_code"},
		),

		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "webmail_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),

		SessionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "webmail_sessions_active",
				Help: "Number of open mail sessions",
			},
		),

		SessionsCreated: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webmail_sessions_created_total",
				Help: "Total number of sessions created",
			},
		),

		SessionsDestroyed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmail_sessions_destroyed_total",
				Help: "Total number of sessions destroyed, by reason",
			},
			[]string{"reason"},
		),

		MailOperationErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmail_mail_operation_errors_total",
				Help: "Mail operations that failed, by endpoint and HTTP status",
			},
			[]string{"endpoint", "status_code"},
		),

		EmailsSent: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "webmail_emails_sent_total",
				Help: "Total number of emails submitted over SMTP",
			},
		),

		RateLimitBlocks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "webmail_rate_limit_blocks_total",
				Help: "Requests rejected by the rate limiter",
			},
			[]string{"endpoint"},
		),
	}
}

// SessionCreated implements session.Observer
func (m *Metrics) SessionCreated() {
	m.SessionsCreated.Inc()
	m.SessionsActive.Inc()
}

// SessionDestroyed implements session.Observer
func (m *Metrics) SessionDestroyed(reason string) {
	m.SessionsDestroyed.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

// Registry exposes the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// HTTPHandler serves the registry in the Prometheus exposition format
func (m *Metrics) HTTPHandler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
