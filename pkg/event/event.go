package event

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pkg/errors"
)

// These are all the types of events.
const (
	EventRunStarted  = "run_started"
	EventStage       = "stage"
	EventRunFinished = "run_finished"
	EventDeploy      = "deploy"
	EventScale       = "scale"

	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

type EventID int64

type Event struct {
	// ID is assigned when the event is saved, if blank.
	ID EventID `json:"id"`

	// RunID is the pipeline run this event is part of, if any.
	RunID string `json:"runID,omitempty"`

	// Type is the type of event, one of the constants above.
	Type string `json:"type"`

	// StartedAt is the time the event began.
	StartedAt time.Time `json:"startedAt"`

	// EndedAt is the time the event ended. For instantaneous events, this will
	// be the same as StartedAt.
	EndedAt time.Time `json:"endedAt"`

	// LogLevel for this event. Used to indicate how important it is.
	// `debug|info|warn|error`
	LogLevel string `json:"logLevel"`

	// Message is a pre-formatted string for errors and other stuff. Should only be
	// used if metadata is empty.
	Message string `json:"message,omitempty"`

	// Metadata is Event.Type-specific metadata. If an event has no metadata,
	// this will be nil.
	Metadata EventMetadata `json:"metadata,omitempty"`
}

type EventWriter interface {
	// LogEvent records a message in the history.
	LogEvent(Event) error
}

func (e Event) String() string {
	if e.Message != "" {
		return e.Message
	}

	switch e.Type {
	case EventRunStarted:
		metadata := e.Metadata.(*RunEventMetadata)
		return fmt.Sprintf("Run %s of %s started by push to %s", shortID(e.RunID), metadata.Pipeline, metadata.Branch)
	case EventRunFinished:
		metadata := e.Metadata.(*RunEventMetadata)
		if metadata.Error != "" {
			return fmt.Sprintf("Run %s of %s %s: %s", shortID(e.RunID), metadata.Pipeline, metadata.State, metadata.Error)
		}
		return fmt.Sprintf("Run %s of %s %s, deployed %s", shortID(e.RunID), metadata.Pipeline, metadata.State, metadata.Artifact)
	case EventStage:
		metadata := e.Metadata.(*StageEventMetadata)
		var detail string
		switch {
		case metadata.Error != "":
			detail = ": " + metadata.Error
		case metadata.Artifact != "":
			detail = ", " + metadata.Artifact
		case metadata.Revision != "":
			detail = ", " + shortRevision(metadata.Revision)
		}
		return fmt.Sprintf("Stage %s %s%s", metadata.Stage, metadata.State, detail)
	case EventDeploy:
		metadata := e.Metadata.(*DeployEventMetadata)
		if metadata.Error != "" {
			return fmt.Sprintf("Deploy of %s failed: %s", metadata.Artifact, metadata.Error)
		}
		return fmt.Sprintf("Deployed %s", metadata.Artifact)
	case EventScale:
		metadata := e.Metadata.(*ScaleEventMetadata)
		return fmt.Sprintf("Scaled from %d to %d replicas (%s)", metadata.From, metadata.To, metadata.Reason)
	default:
		return fmt.Sprintf("Unknown event: %s", e.Type)
	}
}

func shortRevision(rev string) string {
	if len(rev) <= 7 {
		return rev
	}
	return rev[:7]
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// RunEventMetadata is for the start and end of a pipeline run.
type RunEventMetadata struct {
	Pipeline   string `json:"pipeline"`
	Repository string `json:"repository,omitempty"`
	Branch     string `json:"branch,omitempty"`
	Revision   string `json:"revision,omitempty"`
	State      string `json:"state"`
	Artifact   string `json:"artifact,omitempty"`
	Error      string `json:"error,omitempty"`
}

// StageEventMetadata is for a stage of a run starting or finishing.
type StageEventMetadata struct {
	Stage    string `json:"stage"`
	Name     string `json:"name,omitempty"`
	State    string `json:"state"`
	Revision string `json:"revision,omitempty"`
	Artifact string `json:"artifact,omitempty"`
	Error    string `json:"error,omitempty"`
}

// DeployEventMetadata is for a deploy asked for directly, outside of
// a pipeline run.
type DeployEventMetadata struct {
	Artifact string `json:"artifact"`
	Error    string `json:"error,omitempty"`
}

type ScaleEventMetadata struct {
	From   int    `json:"from"`
	To     int    `json:"to"`
	Reason string `json:"reason,omitempty"`
}

type UnknownEventMetadata map[string]interface{}

func (e *Event) UnmarshalJSON(in []byte) error {
	type alias Event
	var wireEvent struct {
		*alias
		MetadataBytes json.RawMessage `json:"metadata,omitempty"`
	}
	wireEvent.alias = (*alias)(e)

	// Now unmarshall custom wireEvent with RawMessage
	if err := json.Unmarshal(in, &wireEvent); err != nil {
		return err
	}
	if wireEvent.Type == "" {
		return errors.New("Event type is empty")
	}

	var metadata EventMetadata
	switch wireEvent.Type {
	case EventRunStarted, EventRunFinished:
		metadata = &RunEventMetadata{}
	case EventStage:
		metadata = &StageEventMetadata{}
	case EventDeploy:
		metadata = &DeployEventMetadata{}
	case EventScale:
		metadata = &ScaleEventMetadata{}
	default:
		if len(wireEvent.MetadataBytes) > 0 {
			var unknown UnknownEventMetadata
			if err := json.Unmarshal(wireEvent.MetadataBytes, &unknown); err != nil {
				return err
			}
			e.Metadata = unknown
		}
		return nil
	}
	if len(wireEvent.MetadataBytes) == 0 || string(wireEvent.MetadataBytes) == "null" {
		return errors.Errorf("%s event has no metadata", wireEvent.Type)
	}
	if err := json.Unmarshal(wireEvent.MetadataBytes, metadata); err != nil {
		return err
	}
	e.Metadata = metadata
	return nil
}

// EventMetadata is a type safety trick used to make sure that Metadata field
// of Event is always a pointer, so that consumers can cast without being
// concerned about encountering a value type instead. It works by virtue of the
// fact that the method is only defined for pointer receivers; the actual
// method chosen is entirely arbitary.
type EventMetadata interface {
	Type() string
}

func (m *RunEventMetadata) Type() string {
	return "run"
}

func (m *StageEventMetadata) Type() string {
	return EventStage
}

func (m *DeployEventMetadata) Type() string {
	return EventDeploy
}

func (m *ScaleEventMetadata) Type() string {
	return EventScale
}

// Special exception from pointer receiver rule, as UnknownEventMetadata is a
// type alias for a map
func (uem UnknownEventMetadata) Type() string {
	return "unknown"
}
