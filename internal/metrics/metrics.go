// Package metrics provides Prometheus instrumentation for Agency.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTP metrics.
var (
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_http_requests_total",
		Help: "Total number of HTTP requests.",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agency_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})
)

// WebSocket metrics.
var (
	WSConnectionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "agency_ws_connections_active",
		Help: "Number of active WebSocket connections by kind (user, gateway, board).",
	}, []string{"kind"})

	WSMessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_ws_messages_total",
		Help: "Total number of WebSocket messages by kind and direction.",
	}, []string{"kind", "direction"})
)

// Relay metrics.
var (
	RelayRoutedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_relay_routed_total",
		Help: "Messages routed through the relay by direction and result.",
	}, []string{"direction", "result"})

	BusPublishTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_bus_publish_total",
		Help: "Pub/sub publish attempts by result.",
	}, []string{"result"})
)

// Proactivity metrics.
var (
	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_events_published_total",
		Help: "System events written to the event log by type.",
	}, []string{"type"})

	RulesEvaluatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agency_rules_evaluated_total",
		Help: "Proactive rule evaluations.",
	})

	RulesFiredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_rules_fired_total",
		Help: "Proactive rules that fired, by rule name.",
	}, []string{"rule"})

	SuggestionsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agency_suggestions_created_total",
		Help: "Suggestions created by the rule engine.",
	})

	SSEClientsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agency_sse_clients_active",
		Help: "Number of connected suggestion stream subscribers.",
	})
)

// Governor metrics.
var (
	GovernorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agency_governor_runs_total",
		Help: "Governor tick outcomes (ok, skipped, error).",
	}, []string{"result"})

	GovernorPatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agency_governor_patches_total",
		Help: "Heartbeat patch entries dispatched to gateways.",
	})
)

// Gateway metrics.
var (
	GatewaysOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agency_gateways_online",
		Help: "Number of gateways currently marked online.",
	})
)
