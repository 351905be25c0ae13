package build

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

// Image builds are mostly spent pulling base layers and pushing the
// result.
var buildDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
	Namespace: "relay",
	Subsystem: "build",
	Name:      "duration_seconds",
	Help:      "Duration of builds, in seconds.",
	Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800},
}, []string{fluxmetrics.LabelSuccess})
