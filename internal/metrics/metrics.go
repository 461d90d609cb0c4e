package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ErrorsClassified tracks every classified error by kind and severity
	ErrorsClassified = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyjobs_errors_classified_total",
			Help: "Total number of classified errors",
		},
		[]string{"kind", "severity"},
	)

	// RetriesScheduled tracks automatic retries by component
	RetriesScheduled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyjobs_retries_scheduled_total",
			Help: "Total number of automatic retries scheduled",
		},
		[]string{"component"},
	)

	// RetriesPending is the size of the retry timer map
	RetriesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studyjobs_retries_pending",
			Help: "Number of retry timers currently scheduled",
		},
	)

	// Submissions tracks orchestrator outcomes
	Submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyjobs_submissions_total",
			Help: "Total number of material submissions by outcome",
		},
		[]string{"outcome"},
	)

	// TriggerLatency tracks the remote processing trigger call latency
	TriggerLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studyjobs_trigger_latency_seconds",
			Help:    "Processing trigger latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// JobTransitions tracks tracker state transitions
	JobTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyjobs_job_transitions_total",
			Help: "Total number of job state transitions observed by trackers",
		},
		[]string{"from", "to"},
	)

	// TrackersActive is the number of running job trackers
	TrackersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studyjobs_trackers_active",
			Help: "Number of running job trackers",
		},
	)

	// JobsPruned tracks jobs removed by the retention pruner
	JobsPruned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyjobs_jobs_pruned_total",
			Help: "Total number of finished jobs removed by retention",
		},
	)

	// DBConnectionPoolUsage is the percentage of open database connections
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "studyjobs_db_connection_pool_usage_percent",
			Help: "Database connection pool usage percentage",
		},
	)

	// FeedReconnects tracks change feed listener reconnects
	FeedReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "studyjobs_feed_reconnects_total",
			Help: "Total number of change feed listener reconnects",
		},
	)
)
