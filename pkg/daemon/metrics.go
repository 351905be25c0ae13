package daemon

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

var (
	// Most jobs are pipeline runs, which are mostly spent building
	// and then waiting for the rollout.
	jobDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "daemon",
		Name:      "job_duration_seconds",
		Help:      "Duration of job execution, in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1200, 1800, 3600},
	}, []string{fluxmetrics.LabelSuccess})

	// Same buckets as above, since a job waits for the ones ahead of
	// it.
	queueDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "daemon",
		Name:      "queue_duration_seconds",
		Help:      "Duration of time spent in the job queue before execution, in seconds.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 900, 1200, 1800, 3600},
	}, []string{})

	queueLength = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "daemon",
		Name:      "queue_length_count",
		Help:      "Count of jobs waiting in the queue to be run.",
	}, []string{})
)
