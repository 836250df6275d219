// Package metrics provides Prometheus instrumentation for ActiveMatrix.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Event router metrics.
var (
	EventsRoutedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activematrix_events_routed_total",
		Help: "Total number of sync events accepted by the event router.",
	})

	EventsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activematrix_events_dropped_total",
		Help: "Total number of events dropped because the router queue was full.",
	})

	HandlerErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activematrix_handler_errors_total",
		Help: "Total number of route handler invocations that panicked or errored.",
	}, []string{"agent"})
)

// Command dispatch metrics.
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activematrix_commands_total",
		Help: "Total number of bot commands dispatched.",
	}, []string{"command"})
)

// Sync loop metrics.
var (
	SyncFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activematrix_sync_failures_total",
		Help: "Total number of failed /sync calls across all clients.",
	})

	RateLimitedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activematrix_rate_limited_total",
		Help: "Total number of 429 responses honored by the transport.",
	})
)

// Supervision metrics.
var (
	AgentRestartsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activematrix_agent_restarts_total",
		Help: "Total number of agent restarts performed by the manager monitor.",
	}, []string{"agent"})

	WorkerRespawnsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "activematrix_worker_respawns_total",
		Help: "Total number of worker processes respawned by the coordinator.",
	})
)

// Memory tier metrics.
var (
	ReapedRowsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "activematrix_reaped_rows_total",
		Help: "Total number of expired or stale rows removed by the reaper.",
	}, []string{"kind"})
)
