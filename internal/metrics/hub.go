package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HubAgentsTotal is a gauge of tracked agents by status. It is
	// registered and exposed, but no code in this repository sets it.
	HubAgentsTotal = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "agents_total",
			Help:      "Number of agents currently tracked by the hub, by status",
		},
		[]string{"status"}, // online, idle, offline
	)

	// HubRegistrationsTotal counts register actions handled.
	HubRegistrationsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "registrations_total",
			Help:      "Total number of register actions processed",
		},
	)

	// HubDiscoverDuration tracks discover/find request latency.
	HubDiscoverDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "discover_duration_seconds",
			Help:      "Duration of discover/find queries in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 12),
		},
		[]string{"action"}, // discover, find
	)

	// HubSweeperTransitionsTotal counts status transitions applied by the
	// decay sweeper.
	HubSweeperTransitionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "sweeper_transitions_total",
			Help:      "Total number of status transitions applied by the sweeper",
		},
		[]string{"from", "to"},
	)

	// HubControlActionsTotal counts every control action processed, by
	// action name and outcome.
	HubControlActionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "hub",
			Name:      "control_actions_total",
			Help:      "Total number of control channel actions processed",
		},
		[]string{"action", "outcome"}, // outcome: ok, error
	)
)
