package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pipelineRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Full prediction pipeline runs started.",
	})

	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "lcpredict",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Wall time of successful pipeline stages.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 3, 10),
	}, []string{"stage"})

	stageFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "pipeline",
		Name:      "stage_failures_total",
		Help:      "Pipeline stages that returned an error.",
	}, []string{"stage"})

	recordsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "pipeline",
		Name:      "duplicate_records_dropped_total",
		Help:      "Ranking rows dropped as duplicates during predict saves.",
	})

	usersRefreshed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "pipeline",
		Name:      "users_refreshed_total",
		Help:      "User profiles refreshed from upstream, by region.",
	}, []string{"region"})
)
