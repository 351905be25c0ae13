package pipeline

import (
	"context"
	"time"

	"github.com/fluxcd/relay/pkg/source"
)

// State is where a run has got to. A run moves through the stages in
// order, and ends either succeeded or failed.
type State string

const (
	StatePending     State = "pending"
	StateSourceFetch State = "source_fetch"
	StateBuild       State = "build"
	StateDeploy      State = "deploy"
	StateSucceeded   State = "succeeded"
	StateFailed      State = "failed"
)

// Stages lists the stages in the order they run.
var Stages = []State{StateSourceFetch, StateBuild, StateDeploy}

func (s State) Finished() bool {
	return s == StateSucceeded || s == StateFailed
}

// The status of a single stage.
const (
	StageRunning   = "running"
	StageSucceeded = "succeeded"
	StageFailed    = "failed"
)

// StageResult records one stage of a run. Revision is filled in by the
// source stage and Artifact by the build stage; each is the input to
// the stage after.
type StageResult struct {
	Stage     State     `json:"stage"`
	Name      string    `json:"name"`
	Status    string    `json:"status"`
	StartedAt time.Time `json:"startedAt"`
	EndedAt   time.Time `json:"endedAt,omitempty"`
	Revision  string    `json:"revision,omitempty"`
	Artifact  string    `json:"artifact,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// Run is one execution of the pipeline, from the push that triggered
// it to the deploy of what was built.
type Run struct {
	ID        string           `json:"id"`
	Pipeline  string           `json:"pipeline"`
	Trigger   source.PushEvent `json:"trigger"`
	State     State            `json:"state"`
	Stages    []StageResult    `json:"stages"`
	Revision  string           `json:"revision,omitempty"`
	Artifact  string           `json:"artifact,omitempty"`
	StartedAt time.Time        `json:"startedAt"`
	EndedAt   time.Time        `json:"endedAt,omitempty"`
	Err       string           `json:"error,omitempty"`
}

// Stage returns the result for the stage, if it has started.
func (r *Run) Stage(s State) (StageResult, bool) {
	for _, st := range r.Stages {
		if st.Stage == s {
			return st, true
		}
	}
	return StageResult{}, false
}

// Recorder keeps the history of runs.
type Recorder interface {
	// SaveRun creates or replaces the record of a run.
	SaveRun(ctx context.Context, run *Run) error
}
