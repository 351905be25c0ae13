package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind says which stage a run failed in.
type Kind string

const (
	SourceFetchFailure Kind = "SourceFetchFailure"
	BuildFailure       Kind = "BuildFailure"
	DeployFailure      Kind = "DeployFailure"
)

var kinds = map[State]Kind{
	StateSourceFetch: SourceFetchFailure,
	StateBuild:       BuildFailure,
	StateDeploy:      DeployFailure,
}

// StageError is the error a failed run ends with.
type StageError struct {
	Kind  Kind
	Stage string
	Err   error
}

func stageError(stage State, name string, err error) *StageError {
	return &StageError{Kind: kinds[stage], Stage: name, Err: err}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s in stage %s: %v", e.Kind, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// KindOf gives the kind of stage failure, if err is one.
func KindOf(err error) (Kind, bool) {
	var e *StageError
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
