// Package history is the record of pipeline runs, and of the events
// emitted along the way.
package history

import (
	"context"
	"io"

	"github.com/pkg/errors"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/pipeline"
)

var ErrRunNotFound = errors.New("run not found")

// RunNotFound makes the error for asking after a run that isn't
// recorded.
func RunNotFound(id string) error {
	return fluxerr.MissingError("run "+id, errors.Wrap(ErrRunNotFound, id))
}

type RunReader interface {
	// Run returns the run with the given ID, or an error satisfying
	// errors.Is(err, ErrRunNotFound).
	Run(ctx context.Context, id string) (pipeline.Run, error)
	// Runs returns the most recent runs, newest first.
	Runs(ctx context.Context, limit int) ([]pipeline.Run, error)
}

type EventReader interface {
	// Events returns the most recent events, newest first.
	Events(ctx context.Context, limit int) ([]event.Event, error)
	// EventsForRun returns the events emitted by a run, in the order
	// they were emitted.
	EventsForRun(ctx context.Context, runID string) ([]event.Event, error)
}

// Store is everything a history implementation provides.
type Store interface {
	pipeline.Recorder
	event.EventWriter
	RunReader
	EventReader
	// Prune forgets all but the most recent runs, and their events.
	Prune(ctx context.Context, keep int) (int, error)
	io.Closer
}
