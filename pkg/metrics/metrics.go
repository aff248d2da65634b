// Package metrics exposes Prometheus instrumentation for the gateway.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "live_gateway"

// Recorder holds every gateway metric, registered on its own registry.
type Recorder struct {
	registry *prometheus.Registry

	// Token metrics
	TokensIssued       prometheus.Counter
	TokensRefreshed    prometheus.Counter
	TokensDeactivated  prometheus.Counter
	TokensCleaned      prometheus.Counter
	ValidationFailures *prometheus.CounterVec

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsCreated  prometheus.Counter
	SessionsClosed   *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	MessagesSent     *prometheus.CounterVec
	ProviderMessages prometheus.Counter
	ProviderErrors   prometheus.Counter
	InboxDropped     prometheus.Counter

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates a Recorder with a fresh registry that also carries the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,

		TokensIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_issued_total",
			Help:      "Total number of ephemeral tokens issued",
		}),
		TokensRefreshed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_refreshed_total",
			Help:      "Total number of token refreshes",
		}),
		TokensDeactivated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_deactivated_total",
			Help:      "Total number of token deactivation calls",
		}),
		TokensCleaned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_cleaned_total",
			Help:      "Total number of expired or inactive tokens deleted",
		}),
		ValidationFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_validation_failures_total",
			Help:      "Token validation failures by reason",
		}, []string{"reason"}),

		ActiveSessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Number of sessions currently registered",
		}),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of proxied sessions created",
		}),
		SessionsClosed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_closed_total",
			Help:      "Total number of sessions removed, by reason",
		}, []string{"reason"}),
		SessionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Lifetime of proxied sessions",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14), // 1s to ~4.5h
		}),
		MessagesSent: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Messages forwarded to the provider, by kind",
		}, []string{"kind"}),
		ProviderMessages: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_messages_total",
			Help:      "Messages received from the provider",
		}),
		ProviderErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_errors_total",
			Help:      "Provider-reported connection errors",
		}),
		InboxDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_dropped_total",
			Help:      "Provider messages dropped from full session inboxes",
		}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status_code"}),
		HTTPRequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// RecordTokenIssued increments the issued counter.
func (r *Recorder) RecordTokenIssued() { r.TokensIssued.Inc() }

// RecordTokenRefreshed increments the refresh counter.
func (r *Recorder) RecordTokenRefreshed() { r.TokensRefreshed.Inc() }

// RecordTokenDeactivated increments the deactivation counter.
func (r *Recorder) RecordTokenDeactivated() { r.TokensDeactivated.Inc() }

// RecordTokensCleaned adds n deleted tokens.
func (r *Recorder) RecordTokensCleaned(n int) { r.TokensCleaned.Add(float64(n)) }

// RecordValidationFailure counts a failed validation by reason.
func (r *Recorder) RecordValidationFailure(reason string) {
	r.ValidationFailures.WithLabelValues(reason).Inc()
}

// RecordSessionCreated counts a new session and bumps the active gauge.
func (r *Recorder) RecordSessionCreated() {
	r.SessionsCreated.Inc()
	r.ActiveSessions.Inc()
}

// RecordSessionClosed counts a removed session and its lifetime.
func (r *Recorder) RecordSessionClosed(reason string, lifetimeSeconds float64) {
	r.SessionsClosed.WithLabelValues(reason).Inc()
	r.ActiveSessions.Dec()
	r.SessionDuration.Observe(lifetimeSeconds)
}

// RecordMessageSent counts a forwarded message.
func (r *Recorder) RecordMessageSent(kind string) {
	r.MessagesSent.WithLabelValues(kind).Inc()
}

// RecordProviderMessage counts an inbound provider frame.
func (r *Recorder) RecordProviderMessage() { r.ProviderMessages.Inc() }

// RecordProviderError counts a provider error event.
func (r *Recorder) RecordProviderError() { r.ProviderErrors.Inc() }

// RecordInboxDropped counts a message evicted from a full inbox.
func (r *Recorder) RecordInboxDropped() { r.InboxDropped.Inc() }

// RecordHTTPRequest records an HTTP request.
func (r *Recorder) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	r.HTTPRequests.WithLabelValues(method, route, statusCode).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}
