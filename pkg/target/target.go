package target

import (
	"context"
	"fmt"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/image"
)

// Constants for the status of a target as a whole.
const (
	StatusEmpty    = "empty" // nothing deployed yet
	StatusReady    = "ready"
	StatusUpdating = "updating"
	StatusScaling  = "scaling"
	StatusError    = "error"
)

var (
	ErrDeployTimeout    = errors.New("deployment did not complete before the deadline")
	ErrDeployInProgress = errors.New("a deployment is already in progress")
	ErrArtifactNotFound = errors.New("artifact not found in registry")
	ErrNoInstances      = errors.New("no running instances")
)

func DeployInProgress(ref image.Ref) error {
	return &fluxerr.Error{
		Type: fluxerr.User,
		Err:  errors.Wrapf(ErrDeployInProgress, "deploying %s", ref),
		Help: `A deployment is already in progress.

Only one deployment can run at a time. Wait for the current one to
finish (see 'relayctl status'), then try again.
`,
	}
}

func ArtifactNotFound(ref image.Ref, err error) error {
	return fluxerr.MissingError("artifact "+ref.String(), errors.Wrap(ErrArtifactNotFound, err.Error()))
}

// Metric is a resource whose utilization drives scaling.
type Metric string

const (
	MetricCPU    Metric = "cpu"
	MetricMemory Metric = "memory"
)

func ParseMetric(s string) (Metric, error) {
	switch m := Metric(s); m {
	case MetricCPU, MetricMemory:
		return m, nil
	}
	return "", fmt.Errorf("unknown metric %q; expected one of {%s,%s}", s, MetricCPU, MetricMemory)
}

// Target is somewhere a service can be deployed to and scaled.
type Target interface {
	// Deploy replaces the running version of the service with the
	// artifact, giving up after the timeout. If it returns an error,
	// the version that was running before is still running.
	Deploy(ctx context.Context, ref image.Ref, timeout time.Duration) error
	// Status reports what's running.
	Status(ctx context.Context) (Status, error)
	// Scale asks for n replicas. The count is clamped to the
	// bounds of the service definition, and the count actually
	// applied is returned.
	Scale(ctx context.Context, n int) (int, error)
	// Utilization is the average utilization of the metric across
	// running instances, as a percentage of what each was given.
	Utilization(ctx context.Context, m Metric) (float64, error)
}

// RolloutStatus counts instances by how far through a rollout they
// are.
type RolloutStatus struct {
	Desired  int      `json:"desired"`
	Updated  int      `json:"updated"`
	Ready    int      `json:"ready"`
	Outdated int      `json:"outdated"`
	Messages []string `json:"messages,omitempty"`
}

type InstanceStatus struct {
	ID         string        `json:"id"`
	Ref        image.Ref     `json:"ref"`
	Digest     digest.Digest `json:"digest,omitempty"`
	Address    string        `json:"address,omitempty"`
	Registered bool          `json:"registered"`
	StartedAt  time.Time     `json:"startedAt"`
}

// Status is a snapshot of a target. Current is the version serving
// traffic; this is the only record of what is deployed.
type Status struct {
	Status    string           `json:"status"`
	Current   image.Ref        `json:"current"`
	Digest    digest.Digest    `json:"digest,omitempty"`
	Deploying image.Ref        `json:"deploying"`
	Desired   int              `json:"desired"`
	Min       int              `json:"min"`
	Max       int              `json:"max"`
	Rollout   RolloutStatus    `json:"rollout"`
	Instances []InstanceStatus `json:"instances,omitempty"`
}
