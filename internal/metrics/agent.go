package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AgentSessionsTotal counts peer sessions opened, by role.
	AgentSessionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "sessions_total",
			Help:      "Total number of peer sessions opened, by role",
		},
		[]string{"role"}, // initiator, responder
	)

	// AgentRequestsTotal counts application-level request/response calls.
	AgentRequestsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "requests_total",
			Help:      "Total number of application-level requests issued",
		},
		[]string{"type", "outcome"}, // outcome: ok, timeout, error
	)

	// AgentBroadcastDeliveredTotal counts successful broadcast deliveries.
	AgentBroadcastDeliveredTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "broadcast_delivered_total",
			Help:      "Total number of broadcast sends that succeeded",
		},
	)

	// AgentBroadcastFailedTotal counts failed broadcast deliveries.
	AgentBroadcastFailedTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "broadcast_failed_total",
			Help:      "Total number of broadcast sends that failed",
		},
	)

	// AgentHubReconnectsTotal counts hub-client reconnect attempts.
	AgentHubReconnectsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "hub_reconnects_total",
			Help:      "Total number of hub control-channel reconnect attempts",
		},
	)
)
