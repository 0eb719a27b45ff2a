// Package metrics defines the Prometheus collectors exported by the
// pool manager. All collectors are registered with the default registry
// via promauto and served by the daemon's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Query metrics
var (
	QueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrouter_queries_total",
			Help: "Total number of queries executed.",
		},
		[]string{"pool", "class", "status"}, // class: "read", "write", "analytics"; status: "success", "failure"
	)

	QueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pgrouter_query_duration_seconds",
			Help:    "Duration of queries in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"pool", "class"},
	)

	SlowQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrouter_slow_queries_total",
			Help: "Total number of queries exceeding the slow query threshold.",
		},
		[]string{"pool"},
	)
)

// Transaction metrics
var (
	TransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrouter_transactions_total",
			Help: "Total number of transactions.",
		},
		[]string{"status"}, // status: "commit", "rollback"
	)

	TransactionRetriesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pgrouter_transaction_retries_total",
			Help: "Total number of transaction retry attempts.",
		},
	)

	TransactionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pgrouter_transaction_duration_seconds",
			Help:    "Duration of transactions in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
	)
)

// Connection pool metrics
var (
	PoolTotalConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgrouter_pool_total_conns",
			Help: "Total number of connections in the pool.",
		},
		[]string{"pool", "role"},
	)
	PoolIdleConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgrouter_pool_idle_conns",
			Help: "Number of idle connections in the pool.",
		},
		[]string{"pool", "role"},
	)
	PoolInUseConns = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgrouter_pool_in_use_conns",
			Help: "Number of connections currently in use.",
		},
		[]string{"pool", "role"},
	)
	PoolWaitingClients = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgrouter_pool_waiting_clients",
			Help: "Number of callers waiting for a connection.",
		},
		[]string{"pool", "role"},
	)
)

// Health metrics
var (
	PoolHealthy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pgrouter_pool_healthy",
			Help: "Whether the pool is currently healthy (1) or not (0).",
		},
		[]string{"pool", "role"},
	)

	HealthChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrouter_health_checks_total",
			Help: "Total number of health probes.",
		},
		[]string{"pool", "status"}, // status: "success", "failure"
	)

	ConnectionErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrouter_connection_errors_total",
			Help: "Total number of connection-level errors per pool.",
		},
		[]string{"pool"},
	)
)

// Auto-scaler metrics
var (
	ScalingEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgrouter_scaling_events_total",
			Help: "Total number of auto-scaler triggers.",
		},
		[]string{"direction"}, // direction: "up", "down"
	)

	PoolUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgrouter_pool_utilization",
			Help: "Global pool utilization (active/total) across all pools.",
		},
	)
)
