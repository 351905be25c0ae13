package pipeline_test

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/relay/pkg/build"
	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/pipeline"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
	"github.com/fluxcd/relay/pkg/target/mock"
)

type fakeSource struct {
	err  error
	dirs []string
}

func (s *fakeSource) Fetch(ctx context.Context, e source.PushEvent) (*source.Snapshot, error) {
	if s.err != nil {
		return nil, s.err
	}
	dir, err := ioutil.TempDir("", "relay-snapshot")
	if err != nil {
		return nil, err
	}
	s.dirs = append(s.dirs, dir)
	rev := e.Revision
	if rev == "" {
		rev = "0123456789abcdef0123456789abcdef01234567"
	}
	return &source.Snapshot{Dir: dir, Revision: rev, Event: e}, nil
}

// fakeBuilder pushes an artifact for the tag it's given, unless told
// to fail.
type fakeBuilder struct {
	registry registry.Registry
	err      error
	calls    int
	tag      string
}

func (b *fakeBuilder) Build(ctx context.Context, snap *source.Snapshot, env build.Env) (image.Ref, error) {
	b.calls++
	if b.err != nil {
		return image.Ref{}, b.err
	}
	if _, err := os.Stat(snap.Dir); err != nil {
		return image.Ref{}, err
	}
	tag := env.Tag
	if b.tag != "" {
		tag = b.tag
	}
	return b.registry.Push(ctx, tag, []byte(`[{"name":"aws-fcj-repo","imageUri":"x:`+tag+`"}]`))
}

// recorder keeps a copy of every version of every run it's given.
type recorder struct {
	mu     sync.Mutex
	states []pipeline.State
	last   map[string]pipeline.Run
	err    error
}

func (r *recorder) SaveRun(ctx context.Context, run *pipeline.Run) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.last == nil {
		r.last = map[string]pipeline.Run{}
	}
	// copy, so later changes to the run don't show up here
	var saved pipeline.Run
	bytes, _ := json.Marshal(run)
	json.Unmarshal(bytes, &saved)
	r.last[run.ID] = saved
	r.states = append(r.states, run.State)
	return nil
}

type events struct {
	mu     sync.Mutex
	events []event.Event
}

func (e *events) LogEvent(ev event.Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
	return nil
}

func (e *events) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var types []string
	for _, ev := range e.events {
		types = append(types, ev.Type)
	}
	return types
}

var (
	push    = source.PushEvent{Repository: "aws-fcj-repo", Branch: "master"}
	trigger = source.Trigger{Repository: "aws-fcj-repo", Branch: "master"}
	env     = build.Env{AccountID: "123456789012", Region: "ap-southeast-1", RepoName: "aws-fcj-repo"}
)

type fixture struct {
	pipeline *pipeline.Pipeline
	source   *fakeSource
	builder  *fakeBuilder
	registry registry.Registry
	fleet    *target.Fleet
	runtime  *mock.Runtime
	recorder *recorder
	events   *events
}

func fleet(t *testing.T, reg registry.Registry) (*target.Fleet, *mock.Runtime) {
	def := target.DefaultDefinition()
	def.HealthCheck = target.HealthCheck{
		Path:             "/health",
		Interval:         target.Duration(10 * time.Millisecond),
		Timeout:          target.Duration(100 * time.Millisecond),
		HealthyThreshold: 2,
	}
	def.StartTimeout = target.Duration(2 * time.Second)
	def.StopTimeout = target.Duration(time.Second)
	def.DeregistrationDelay = target.Duration(100 * time.Millisecond)
	runtime := &mock.Runtime{
		HealthPath: "/health",
		Healthy:    func(ref image.Ref) bool { return ref.Tag != "broken" },
	}
	logger := log.NewNopLogger()
	f := target.NewFleet(def, reg, runtime, &target.HTTPHealthChecker{Path: "/health"}, target.NewBalancer(logger), logger)
	t.Cleanup(func() { f.Teardown(context.Background()) })
	return f, runtime
}

func setup(t *testing.T, config pipeline.Config) *fixture {
	reg := registry.NewMemory(image.Name{Image: "aws-fcj-repo"})
	fl, runtime := fleet(t, reg)
	f := &fixture{
		source:   &fakeSource{},
		builder:  &fakeBuilder{registry: reg},
		registry: reg,
		fleet:    fl,
		runtime:  runtime,
		recorder: &recorder{},
		events:   &events{},
	}
	config.Trigger = trigger
	config.Env = env
	p, err := pipeline.New(config, f.source, f.builder, fl, f.recorder, f.events, log.NewNopLogger())
	require.NoError(t, err)
	f.pipeline = p
	return f
}

func TestExecute(t *testing.T) {
	f := setup(t, pipeline.Config{DeployTimeout: 5 * time.Second})
	run := f.pipeline.NewRun(push)
	assert.Equal(t, pipeline.StatePending, run.State)

	require.NoError(t, f.pipeline.Execute(context.Background(), run))
	assert.Equal(t, pipeline.StateSucceeded, run.State)
	assert.Equal(t, "aws-fcj-repo:latest", run.Artifact)
	assert.Len(t, run.Revision, 40)
	assert.Empty(t, run.Err)
	assert.False(t, run.EndedAt.IsZero())

	// every transition is recorded
	assert.Equal(t, []pipeline.State{
		pipeline.StatePending,
		pipeline.StateSourceFetch, pipeline.StateSourceFetch,
		pipeline.StateBuild, pipeline.StateBuild,
		pipeline.StateDeploy, pipeline.StateDeploy,
		pipeline.StateSucceeded,
	}, f.recorder.states)
	saved := f.recorder.last[run.ID]
	assert.Equal(t, pipeline.StateSucceeded, saved.State)
	assert.Equal(t, run.Artifact, saved.Artifact)
	assert.Len(t, saved.Stages, 3)

	require.Len(t, run.Stages, 3)
	for i, name := range []string{"SourceCode", "BuildChatbotEcrImageStage", "EcsCodeDeploy"} {
		assert.Equal(t, name, run.Stages[i].Name)
		assert.Equal(t, pipeline.StageSucceeded, run.Stages[i].Status)
	}
	// each stage's output is the next stage's input
	assert.Equal(t, run.Revision, run.Stages[1].Revision)
	assert.Equal(t, run.Artifact, run.Stages[2].Artifact)

	assert.Equal(t, []string{
		event.EventRunStarted,
		event.EventStage, event.EventStage,
		event.EventStage, event.EventStage,
		event.EventStage, event.EventStage,
		event.EventRunFinished,
	}, f.events.types())

	assert.Equal(t, map[string]int{"latest": 2}, f.runtime.Running())
	st, err := f.fleet.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "latest", st.Current.Tag)

	// the snapshot is gone once the build is done
	require.Len(t, f.source.dirs, 1)
	_, err = os.Stat(f.source.dirs[0])
	assert.True(t, os.IsNotExist(err))
}

func TestExecute_SourceFetchFailure(t *testing.T) {
	f := setup(t, pipeline.Config{})
	f.source.err = errors.New("repository not found")
	run := f.pipeline.NewRun(push)

	err := f.pipeline.Execute(context.Background(), run)
	kind, ok := pipeline.KindOf(err)
	require.True(t, ok, "expected a stage error, got %v", err)
	assert.Equal(t, pipeline.SourceFetchFailure, kind)
	assert.Equal(t, pipeline.StateFailed, run.State)
	assert.Contains(t, run.Err, "repository not found")
	assert.Equal(t, 0, f.builder.calls)
	assert.Len(t, run.Stages, 1)
	assert.Equal(t, pipeline.StageFailed, run.Stages[0].Status)
}

func TestExecute_BuildFailure(t *testing.T) {
	f := setup(t, pipeline.Config{})
	f.builder.err = &build.PhaseError{Phase: build.PhaseBuild, Command: "docker build .", Err: errors.New("exit status 1")}
	run := f.pipeline.NewRun(push)

	err := f.pipeline.Execute(context.Background(), run)
	kind, _ := pipeline.KindOf(err)
	assert.Equal(t, pipeline.BuildFailure, kind)
	var phaseErr *build.PhaseError
	assert.True(t, errors.As(err, &phaseErr))

	assert.Len(t, run.Stages, 2)
	assert.Empty(t, f.runtime.Running(), "nothing should have been deployed")
	_, err = os.Stat(f.source.dirs[0])
	assert.True(t, os.IsNotExist(err), "snapshot should be removed after a failed build")
}

func TestExecute_DeployFailureKeepsPreviousVersion(t *testing.T) {
	f := setup(t, pipeline.Config{DeployTimeout: 300 * time.Millisecond})
	_, err := f.registry.Push(context.Background(), "v1", []byte("v1"))
	require.NoError(t, err)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.registry.Name().ToRef("v1"), 5*time.Second))

	f.builder.tag = "broken"
	run := f.pipeline.NewRun(push)
	err = f.pipeline.Execute(context.Background(), run)
	kind, _ := pipeline.KindOf(err)
	assert.Equal(t, pipeline.DeployFailure, kind)
	assert.True(t, errors.Is(err, target.ErrDeployTimeout), "expected a timeout, got %v", err)
	assert.Equal(t, "aws-fcj-repo:broken", run.Artifact)

	assert.Equal(t, map[string]int{"v1": 2}, f.runtime.Running())
	st, err := f.fleet.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Current.Tag)
}

func TestExecute_OnlyPendingRuns(t *testing.T) {
	f := setup(t, pipeline.Config{DeployTimeout: 5 * time.Second})
	run := f.pipeline.NewRun(push)
	require.NoError(t, f.pipeline.Execute(context.Background(), run))
	assert.Error(t, f.pipeline.Execute(context.Background(), run))
}

func TestExecute_RecorderFailureDoesNotFailRun(t *testing.T) {
	f := setup(t, pipeline.Config{DeployTimeout: 5 * time.Second})
	f.recorder.err = errors.New("disk full")
	run := f.pipeline.NewRun(push)
	require.NoError(t, f.pipeline.Execute(context.Background(), run))
	assert.Equal(t, pipeline.StateSucceeded, run.State)
}

func TestNew(t *testing.T) {
	reg := registry.NewMemory(image.Name{Image: "aws-fcj-repo"})
	tgt := &mock.Target{}
	p, err := pipeline.New(pipeline.Config{Trigger: trigger, Env: env}, &fakeSource{}, &fakeBuilder{registry: reg}, tgt, &recorder{}, nil, log.NewNopLogger())
	require.NoError(t, err)
	config := p.Config()
	assert.Equal(t, pipeline.DefaultName, p.Name())
	assert.Equal(t, pipeline.DefaultDeployTimeout, config.DeployTimeout)
	assert.Equal(t, pipeline.DefaultStageNames(), config.StageNames)
	assert.Equal(t, build.DefaultTag, config.Env.Tag)

	_, err = pipeline.New(pipeline.Config{Env: env}, &fakeSource{}, &fakeBuilder{}, tgt, &recorder{}, nil, log.NewNopLogger())
	assert.Error(t, err, "no trigger")
	_, err = pipeline.New(pipeline.Config{Trigger: trigger}, &fakeSource{}, &fakeBuilder{}, tgt, &recorder{}, nil, log.NewNopLogger())
	assert.Error(t, err, "no repository name for the build")
}

func TestAccepts(t *testing.T) {
	f := setup(t, pipeline.Config{})
	assert.True(t, f.pipeline.Accepts(push))
	assert.False(t, f.pipeline.Accepts(source.PushEvent{Repository: "aws-fcj-repo", Branch: "feature"}))
	assert.False(t, f.pipeline.Accepts(source.PushEvent{Repository: "other", Branch: "master"}))
}
