package crawl

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "crawl",
		Name:      "requests_total",
		Help:      "Upstream HTTP requests by outcome.",
	}, []string{"outcome"})

	retriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "crawl",
		Name:      "retries_total",
		Help:      "Requests re-enqueued after a failed attempt.",
	})

	exhaustedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "crawl",
		Name:      "exhausted_total",
		Help:      "Keys dropped after reaching the retry limit.",
	})

	backoffSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "lcpredict",
		Subsystem: "crawl",
		Name:      "backoff_seconds_total",
		Help:      "Cumulative round backoff applied before dispatch.",
	})
)
