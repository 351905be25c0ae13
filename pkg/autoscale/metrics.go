package autoscale

import (
	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

var (
	utilization = prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
		Namespace: "relay",
		Subsystem: "autoscale",
		Name:      "utilization_percent",
		Help:      "Last utilization reading for each scaling policy.",
	}, []string{fluxmetrics.LabelPolicy, fluxmetrics.LabelMetric})

	scalingEvents = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "autoscale",
		Name:      "scaling_events_total",
		Help:      "Count of times the replica count was changed.",
	}, []string{"direction"})
)

func observeUtilization(p Policy, u float64) {
	utilization.With(fluxmetrics.LabelPolicy, p.Name, fluxmetrics.LabelMetric, string(p.Metric)).Set(u)
}
