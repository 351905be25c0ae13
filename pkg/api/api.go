// Package api defines what relayd serves, and so what relayctl can
// ask of it.
package api

import (
	"context"

	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/job"
	"github.com/fluxcd/relay/pkg/pipeline"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
)

// NotifyResult says what became of a push notification. A push that
// doesn't match the pipeline's trigger is not an error; it is just
// not accepted.
type NotifyResult struct {
	Accepted bool   `json:"accepted"`
	JobID    job.ID `json:"jobID,omitempty"`
	RunID    string `json:"runID,omitempty"`
}

// RunDetail is a run along with the events it emitted.
type RunDetail struct {
	pipeline.Run
	Events []event.Event `json:"events"`
}

type ScaleResult struct {
	Requested int `json:"requested"`
	Applied   int `json:"applied"`
}

type Server interface {
	Ping(ctx context.Context) error
	Version(ctx context.Context) (string, error)

	// NotifyPush starts a pipeline run for the push, if it matches
	// the trigger. The run is queued behind any already waiting.
	NotifyPush(ctx context.Context, push source.PushEvent) (NotifyResult, error)
	// Deploy queues a deploy of an artifact already in the registry,
	// outside of any pipeline run.
	Deploy(ctx context.Context, tag string) (job.ID, error)
	JobStatus(ctx context.Context, id job.ID) (job.Status, error)

	ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error)
	GetRun(ctx context.Context, id string) (RunDetail, error)

	TargetStatus(ctx context.Context) (target.Status, error)
	Scale(ctx context.Context, replicas int) (ScaleResult, error)

	ListArtifacts(ctx context.Context) ([]image.Info, error)
	PushArtifact(ctx context.Context, tag string, artifact []byte) (image.Info, error)
	PullArtifact(ctx context.Context, tag string) ([]byte, error)
}
