package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Approval check cycle metrics
var (
	CheckRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countersign_check_runs_total",
			Help: "Total number of approval check runs",
		},
		[]string{"result"}, // ok, errors
	)

	CheckRunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "countersign_check_run_duration_seconds",
			Help:    "Duration of an approval check run in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	MessagesClassifiedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countersign_messages_classified_total",
			Help: "Inbound messages by parse classification",
		},
		[]string{"classification"}, // decision, ignored, malformed
	)

	DecisionsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countersign_decisions_applied_total",
			Help: "Parsed decisions by apply result",
		},
		[]string{"result"}, // applied, already_consumed, token_invalid, document_conflict, error
	)
)

// Token lifecycle metrics
var (
	TokensIssuedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "countersign_tokens_issued_total",
			Help: "Total number of approval tokens issued",
		},
	)

	TokensExpiredTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "countersign_tokens_expired_total",
			Help: "Total number of tokens swept to expired by the retention worker",
		},
	)
)

// Outbound mail metrics
var (
	SMTPSendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countersign_smtp_sends_total",
			Help: "Approval request deliveries by result",
		},
		[]string{"result"}, // success, failure, circuit_breaker_open
	)
)

// Database performance metrics
var (
	DBQueriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countersign_db_queries_total",
			Help: "Total number of database queries executed",
		},
		[]string{"operation", "status"},
	)

	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "countersign_db_query_duration_seconds",
			Help:    "Duration of database queries in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
		[]string{"operation"},
	)

	DBTransactionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "countersign_db_transactions_total",
			Help: "Total number of database transactions by outcome",
		},
		[]string{"outcome"}, // commit, rollback
	)

	DBPoolTotalConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "countersign_db_pool_total_conns",
			Help: "Total connections in the database pool",
		},
	)

	DBPoolIdleConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "countersign_db_pool_idle_conns",
			Help: "Idle connections in the database pool",
		},
	)

	DBPoolInUseConns = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "countersign_db_pool_in_use_conns",
			Help: "Acquired connections in the database pool",
		},
	)
)
