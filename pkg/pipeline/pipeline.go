// Package pipeline runs the release pipeline: take a snapshot of the
// source at a pushed revision, build it into an artifact in the
// registry, then deploy that artifact to the target. The stages run
// strictly in order, each once; the first failure ends the run.
package pipeline

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/build"
	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
)

const (
	DefaultName          = "relay"
	DefaultDeployTimeout = 10 * time.Minute

	// how long saving a run record may take, regardless of how the
	// run went
	recordTimeout = 10 * time.Second
)

// StageNames are how the stages are shown to people.
type StageNames struct {
	SourceFetch string `json:"sourceFetch"`
	Build       string `json:"build"`
	Deploy      string `json:"deploy"`
}

func DefaultStageNames() StageNames {
	return StageNames{
		SourceFetch: "SourceCode",
		Build:       "BuildChatbotEcrImageStage",
		Deploy:      "EcsCodeDeploy",
	}
}

func (n StageNames) name(s State) string {
	switch s {
	case StateSourceFetch:
		return n.SourceFetch
	case StateBuild:
		return n.Build
	case StateDeploy:
		return n.Deploy
	}
	return string(s)
}

type Config struct {
	Name          string
	Trigger       source.Trigger
	StageNames    StageNames
	DeployTimeout time.Duration
	// Env is given to every build.
	Env build.Env
}

// Pipeline takes pushes through to deployment.
type Pipeline struct {
	config   Config
	source   source.Fetcher
	builder  build.Builder
	target   target.Target
	recorder Recorder
	events   event.EventWriter
	logger   log.Logger
	now      func() time.Time
}

// New makes a pipeline. The event writer may be nil, in which case
// events are only logged.
func New(config Config, fetcher source.Fetcher, builder build.Builder, tgt target.Target, recorder Recorder, events event.EventWriter, logger log.Logger) (*Pipeline, error) {
	if config.Name == "" {
		config.Name = DefaultName
	}
	defaults := DefaultStageNames()
	if config.StageNames.SourceFetch == "" {
		config.StageNames.SourceFetch = defaults.SourceFetch
	}
	if config.StageNames.Build == "" {
		config.StageNames.Build = defaults.Build
	}
	if config.StageNames.Deploy == "" {
		config.StageNames.Deploy = defaults.Deploy
	}
	if config.DeployTimeout <= 0 {
		config.DeployTimeout = DefaultDeployTimeout
	}
	if config.Env.Tag == "" {
		config.Env.Tag = build.DefaultTag
	}
	if config.Trigger.Repository == "" {
		return nil, errors.New("the pipeline trigger needs a repository")
	}
	if err := config.Env.Validate(); err != nil {
		return nil, errors.Wrap(err, "build environment")
	}
	if fetcher == nil || builder == nil || tgt == nil || recorder == nil {
		return nil, errors.New("a pipeline needs a source, a builder, a target and a recorder")
	}
	return &Pipeline{
		config:   config,
		source:   fetcher,
		builder:  builder,
		target:   tgt,
		recorder: recorder,
		events:   events,
		logger:   log.With(logger, "pipeline", config.Name),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (p *Pipeline) Name() string {
	return p.config.Name
}

func (p *Pipeline) Config() Config {
	return p.config
}

// Accepts says whether a push should start a run.
func (p *Pipeline) Accepts(e source.PushEvent) bool {
	return p.config.Trigger.Matches(e)
}

// NewRun records a pending run for the push, to be given to Execute.
func (p *Pipeline) NewRun(trigger source.PushEvent) *Run {
	run := &Run{
		ID:        uuid.New().String(),
		Pipeline:  p.config.Name,
		Trigger:   trigger,
		State:     StatePending,
		Stages:    []StageResult{},
		StartedAt: p.now(),
	}
	p.record(run)
	return run
}

// Execute takes a pending run through every stage. The returned
// error, if any, is a *StageError naming the stage that failed; the
// run itself is updated and recorded as it goes.
func (p *Pipeline) Execute(ctx context.Context, run *Run) error {
	if run.State != StatePending {
		return errors.Errorf("run %s is %s, not %s", run.ID, run.State, StatePending)
	}
	started := time.Now()
	logger := log.With(p.logger, "run", run.ID)
	logger.Log("state", "started", "trigger", run.Trigger)
	run.StartedAt = p.now()
	p.emit(event.Event{
		RunID:     run.ID,
		Type:      event.EventRunStarted,
		StartedAt: run.StartedAt,
		EndedAt:   run.StartedAt,
		LogLevel:  event.LogLevelInfo,
		Metadata:  p.runMetadata(run),
	})

	var snap *source.Snapshot
	err := p.stage(run, StateSourceFetch, logger, func(st *StageResult) error {
		var err error
		snap, err = p.source.Fetch(ctx, run.Trigger)
		if err != nil {
			return err
		}
		st.Revision = snap.Revision
		run.Revision = snap.Revision
		return nil
	})
	if err != nil {
		return p.finish(run, started, err, logger)
	}

	var ref image.Ref
	err = p.stage(run, StateBuild, logger, func(st *StageResult) error {
		st.Revision = snap.Revision
		var err error
		ref, err = p.builder.Build(ctx, snap, p.config.Env)
		if err != nil {
			return err
		}
		st.Artifact = ref.String()
		run.Artifact = ref.String()
		return nil
	})
	if cleanErr := snap.Clean(); cleanErr != nil {
		logger.Log("warn", "removing source snapshot", "dir", snap.Dir, "err", cleanErr)
	}
	if err != nil {
		return p.finish(run, started, err, logger)
	}

	err = p.stage(run, StateDeploy, logger, func(st *StageResult) error {
		st.Artifact = ref.String()
		return p.target.Deploy(ctx, ref, p.config.DeployTimeout)
	})
	return p.finish(run, started, err, logger)
}

// stage moves the run into a stage, runs it, and records the outcome
// either way.
func (p *Pipeline) stage(run *Run, stage State, logger log.Logger, do func(*StageResult) error) error {
	started := time.Now()
	run.State = stage
	run.Stages = append(run.Stages, StageResult{
		Stage:     stage,
		Name:      p.config.StageNames.name(stage),
		Status:    StageRunning,
		StartedAt: p.now(),
	})
	i := len(run.Stages) - 1
	p.record(run)
	p.emitStage(run, run.Stages[i])
	logger.Log("stage", stage, "state", StageRunning)

	err := do(&run.Stages[i])
	observeStage(stage, started, err)

	st := &run.Stages[i]
	st.EndedAt = p.now()
	if err != nil {
		st.Status = StageFailed
		st.Error = err.Error()
		logger.Log("stage", stage, "state", StageFailed, "err", err)
		err = stageError(stage, st.Name, err)
	} else {
		st.Status = StageSucceeded
		logger.Log("stage", stage, "state", StageSucceeded, "took", time.Since(started))
	}
	p.record(run)
	p.emitStage(run, *st)
	return err
}

func (p *Pipeline) finish(run *Run, started time.Time, err error, logger log.Logger) error {
	run.EndedAt = p.now()
	level := event.LogLevelInfo
	if err != nil {
		run.State = StateFailed
		run.Err = err.Error()
		level = event.LogLevelError
	} else {
		run.State = StateSucceeded
	}
	observeRun(p.config.Name, started, run.State)
	p.record(run)
	p.emit(event.Event{
		RunID:     run.ID,
		Type:      event.EventRunFinished,
		StartedAt: run.StartedAt,
		EndedAt:   run.EndedAt,
		LogLevel:  level,
		Metadata:  p.runMetadata(run),
	})
	if err != nil {
		logger.Log("state", run.State, "err", err, "took", time.Since(started))
	} else {
		logger.Log("state", run.State, "artifact", run.Artifact, "took", time.Since(started))
	}
	return err
}

// record saves the run. Failing to save is logged but doesn't change
// the outcome of the run.
func (p *Pipeline) record(run *Run) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := p.recorder.SaveRun(ctx, run); err != nil {
		p.logger.Log("run", run.ID, "state", run.State, "err", errors.Wrap(err, "recording run"))
	}
}

func (p *Pipeline) runMetadata(run *Run) *event.RunEventMetadata {
	return &event.RunEventMetadata{
		Pipeline:   run.Pipeline,
		Repository: run.Trigger.Repository,
		Branch:     run.Trigger.Branch,
		Revision:   run.Revision,
		State:      string(run.State),
		Artifact:   run.Artifact,
		Error:      run.Err,
	}
}

func (p *Pipeline) emitStage(run *Run, st StageResult) {
	level := event.LogLevelInfo
	if st.Status == StageFailed {
		level = event.LogLevelError
	}
	ended := st.EndedAt
	if ended.IsZero() {
		ended = st.StartedAt
	}
	p.emit(event.Event{
		RunID:     run.ID,
		Type:      event.EventStage,
		StartedAt: st.StartedAt,
		EndedAt:   ended,
		LogLevel:  level,
		Metadata: &event.StageEventMetadata{
			Stage:    string(st.Stage),
			Name:     st.Name,
			State:    st.Status,
			Revision: st.Revision,
			Artifact: st.Artifact,
			Error:    st.Error,
		},
	})
}

func (p *Pipeline) emit(ev event.Event) {
	if p.events == nil {
		p.logger.Log("event", ev, "logupstream", "false")
		return
	}
	if err := p.events.LogEvent(ev); err != nil {
		p.logger.Log("event", ev, "err", errors.Wrap(err, "logging event"))
	}
}
