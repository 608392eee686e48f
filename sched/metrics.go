package sched

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	jobsArmed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "sched",
		Name:      "jobs_armed_total",
		Help:      "Jobs armed by the dispatcher, by job name.",
	}, []string{"job"})

	jobsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "sched",
		Name:      "jobs_failed_total",
		Help:      "Armed jobs that returned an error, by job name.",
	}, []string{"job"})
)
