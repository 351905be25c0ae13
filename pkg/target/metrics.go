package target

import (
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

var (
	// A rollout waits for each new instance to pass several health
	// checks in a row, so takes some minutes.
	deployDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "target",
		Name:      "deploy_duration_seconds",
		Help:      "Duration of rolling deployments, in seconds.",
		Buckets:   []float64{5, 15, 30, 60, 120, 180, 240, 300, 450, 600, 900},
	}, []string{fluxmetrics.LabelSuccess})

	instancesRunning = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "target",
		Name:      "instances",
		Help:      "Count of running instances.",
	}, []string{})

	desiredInstances = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "target",
		Name:      "desired_instances",
		Help:      "Count of instances asked for, by scaling or by the service definition.",
	}, []string{})

	backendsRegistered = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "target",
		Name:      "balancer_backends",
		Help:      "Count of instances receiving traffic.",
	}, []string{})
)

// ObserveDeploy records how long a deployment took, and whether it
// succeeded.
func ObserveDeploy(start time.Time, err error) {
	deployDuration.With(
		fluxmetrics.LabelSuccess, strconv.FormatBool(err == nil),
	).Observe(time.Since(start).Seconds())
}
