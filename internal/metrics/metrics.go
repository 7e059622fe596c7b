package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsValidated tracks validated events per destination and result
	EventsValidated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_validated_total",
			Help: "Total number of events validated",
		},
		[]string{"destination", "result"},
	)

	// EventsSent tracks events handed to a destination per delivery status
	EventsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_events_sent_total",
			Help: "Total number of events sent to destinations",
		},
		[]string{"destination", "status"},
	)

	// SendLatency tracks destination send latency
	SendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "beacon_send_latency_seconds",
			Help:    "Destination send latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"destination"},
	)

	// RunsTotal tracks activation runs per final status
	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_runs_total",
			Help: "Total number of activation runs",
		},
		[]string{"activation", "status"},
	)

	// RetriesEnqueued tracks retry records written to the ledger
	RetriesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_retries_enqueued_total",
			Help: "Total number of retry records enqueued",
		},
		[]string{"destination"},
	)

	// RetriesResolved tracks retry records leaving the ledger per outcome
	RetriesResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "beacon_retries_resolved_total",
			Help: "Total number of retry records resolved",
		},
		[]string{"destination", "outcome"},
	)

	// RetryBacklog tracks retry records awaiting another attempt
	RetryBacklog = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_retry_backlog",
			Help: "Number of retry records awaiting another attempt",
		},
	)

	// DBConnectionPoolUsage tracks database pool saturation as a percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "beacon_db_connection_pool_usage",
			Help: "Database connection pool usage percentage",
		},
	)
)
