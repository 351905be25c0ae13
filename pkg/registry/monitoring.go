package registry

// Monitoring middleware for registries

import (
	"context"
	"strconv"
	"time"

	"github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"

	"github.com/fluxcd/relay/pkg/image"
	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

const (
	OperationPush     = "push"
	OperationPull     = "pull"
	OperationDescribe = "describe"
	OperationTags     = "tags"
)

var (
	registryDuration = prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
		Namespace: "relay",
		Subsystem: "registry",
		Name:      "request_duration_seconds",
		Help:      "Duration of artifact registry requests, in seconds.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{fluxmetrics.LabelOperation, fluxmetrics.LabelSuccess})
	artifactBytes = prometheus.NewCounterFrom(stdprometheus.CounterOpts{
		Namespace: "relay",
		Subsystem: "registry",
		Name:      "artifact_bytes_total",
		Help:      "Bytes of artifacts pushed to or pulled from the registry.",
	}, []string{fluxmetrics.LabelOperation})
)

type instrumentedRegistry struct {
	next Registry
}

func NewInstrumentedRegistry(next Registry) Registry {
	return &instrumentedRegistry{
		next: next,
	}
}

func observe(op string, start time.Time, err error) {
	registryDuration.With(
		fluxmetrics.LabelOperation, op,
		fluxmetrics.LabelSuccess, strconv.FormatBool(err == nil),
	).Observe(time.Since(start).Seconds())
}

func (m *instrumentedRegistry) Name() image.Name {
	return m.next.Name()
}

func (m *instrumentedRegistry) Push(ctx context.Context, tag string, artifact []byte) (ref image.Ref, err error) {
	start := time.Now()
	ref, err = m.next.Push(ctx, tag, artifact)
	observe(OperationPush, start, err)
	if err == nil {
		artifactBytes.With(fluxmetrics.LabelOperation, OperationPush).Add(float64(len(artifact)))
	}
	return
}

func (m *instrumentedRegistry) Pull(ctx context.Context, tag string) (res []byte, err error) {
	start := time.Now()
	res, err = m.next.Pull(ctx, tag)
	observe(OperationPull, start, err)
	if err == nil {
		artifactBytes.With(fluxmetrics.LabelOperation, OperationPull).Add(float64(len(res)))
	}
	return
}

func (m *instrumentedRegistry) Describe(ctx context.Context, tag string) (res image.Info, err error) {
	start := time.Now()
	res, err = m.next.Describe(ctx, tag)
	observe(OperationDescribe, start, err)
	return
}

func (m *instrumentedRegistry) Tags(ctx context.Context) (res []string, err error) {
	start := time.Now()
	res, err = m.next.Tags(ctx)
	observe(OperationTags, start, err)
	return
}
