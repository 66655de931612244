package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_http_requests_total",
		Help: "HTTP requests served, by method, route and status class.",
	}, []string{"method", "route", "status"})

	PaymentsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_payments_created_total",
		Help: "Payment attempts persisted, by method.",
	}, []string{"method"})

	StatusTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_status_transitions_total",
		Help: "Applied status transitions, by entity and target status.",
	}, []string{"entity", "from", "to", "source"})

	WebhooksReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_webhooks_received_total",
		Help: "Provider callbacks received, by provider and outcome.",
	}, []string{"provider", "outcome"})

	ProviderRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "momo_provider_request_duration_seconds",
		Help:    "Latency of outbound provider calls.",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation", "outcome"})

	OutboxRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_outbox_events_total",
		Help: "Outbox events handled by the relay, by type and outcome.",
	}, []string{"event_type", "outcome"})

	MonitorRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "momo_monitor_items_total",
		Help: "Items examined by the polling monitor, by job and outcome.",
	}, []string{"job", "outcome"})
)
