package source

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

var fetchDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "relay",
	Subsystem: "source",
	Name:      "fetch_duration_seconds",
	Help:      "Duration of taking a source snapshot, in seconds.",
	Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
}, []string{fluxmetrics.LabelSuccess})
