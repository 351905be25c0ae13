package pipeline

import (
	"fmt"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

var (
	runDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Duration of pipeline runs, from fetching the source to the end of the deploy, in seconds.",
		Buckets:   []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 2700, 3600},
	}, []string{fluxmetrics.LabelPipeline, fluxmetrics.LabelSuccess})
	stageDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration in seconds of each stage of a pipeline run.",
		Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
	}, []string{fluxmetrics.LabelStage, fluxmetrics.LabelSuccess})
	runsFinished = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Count of finished pipeline runs, by the state they ended in.",
	}, []string{fluxmetrics.LabelPipeline, fluxmetrics.LabelState})
)

func observeStage(stage State, start time.Time, err error) {
	stageDuration.With(
		fluxmetrics.LabelStage, string(stage),
		fluxmetrics.LabelSuccess, fmt.Sprint(err == nil),
	).Observe(time.Since(start).Seconds())
}

func observeRun(pipeline string, start time.Time, state State) {
	runDuration.With(
		fluxmetrics.LabelPipeline, pipeline,
		fluxmetrics.LabelSuccess, fmt.Sprint(state == StateSucceeded),
	).Observe(time.Since(start).Seconds())
	runsFinished.With(fluxmetrics.LabelPipeline, pipeline, fluxmetrics.LabelState, string(state)).Add(1)
}
