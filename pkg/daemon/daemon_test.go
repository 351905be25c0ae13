package daemon

import (
	"context"
	"io/ioutil"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/relay/pkg/api"
	"github.com/fluxcd/relay/pkg/build"
	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/event"
	"github.com/fluxcd/relay/pkg/history/sqlite"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/job"
	"github.com/fluxcd/relay/pkg/pipeline"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
	"github.com/fluxcd/relay/pkg/target/mock"
)

const timeout = 10 * time.Second

var push = source.PushEvent{Repository: "aws-fcj-repo", Branch: "master", Revision: "0123456789abcdef"}

type fakeSource struct{}

func (fakeSource) Fetch(ctx context.Context, e source.PushEvent) (*source.Snapshot, error) {
	dir, err := ioutil.TempDir("", "relay-daemon-test")
	if err != nil {
		return nil, err
	}
	return &source.Snapshot{Dir: dir, Revision: e.Revision, Event: e}, nil
}

type fakeBuilder struct {
	registry registry.Registry
}

func (b fakeBuilder) Build(ctx context.Context, snap *source.Snapshot, env build.Env) (image.Ref, error) {
	return b.registry.Push(ctx, env.Tag, []byte("built from "+snap.Revision))
}

// fakeTarget deploys instantly, unless it's been told to hold
// deploys until released, and keeps count of how many deploys are in
// flight at once.
type fakeTarget struct {
	mu          sync.Mutex
	current     image.Ref
	desired     int
	inFlight    int
	maxInFlight int
	deployed    []string
	hold        chan struct{}
	fail        error
}

func (f *fakeTarget) mock() *mock.Target {
	return &mock.Target{
		DeployFunc: func(ctx context.Context, ref image.Ref, timeout time.Duration) error {
			f.mu.Lock()
			f.inFlight++
			if f.inFlight > f.maxInFlight {
				f.maxInFlight = f.inFlight
			}
			hold := f.hold
			f.mu.Unlock()
			if hold != nil {
				<-hold
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			f.inFlight--
			if f.fail != nil {
				return f.fail
			}
			f.current = ref
			f.deployed = append(f.deployed, ref.Tag)
			return nil
		},
		StatusFunc: func(ctx context.Context) (target.Status, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			return target.Status{Status: target.StatusReady, Current: f.current, Desired: f.desired, Min: 2, Max: 4}, nil
		},
		ScaleFunc: func(ctx context.Context, n int) (int, error) {
			f.mu.Lock()
			defer f.mu.Unlock()
			f.desired = target.DefaultDefinition().Clamp(n)
			return f.desired, nil
		},
		UtilizationFunc: func(ctx context.Context, m target.Metric) (float64, error) {
			return 0, target.ErrNoInstances
		},
	}
}

func mockDaemon(t *testing.T) (*Daemon, *fakeTarget, func()) {
	logger := log.NewNopLogger()
	reg := registry.NewMemory(image.Name{Image: "aws-fcj-repo"})
	tgt := &fakeTarget{desired: 2}
	db := sqlite.OpenTestDB(t)
	p, err := pipeline.New(pipeline.Config{
		Trigger:       source.Trigger{Repository: "aws-fcj-repo", Branch: "master"},
		DeployTimeout: timeout,
		Env:           build.Env{RepoName: "aws-fcj-repo"},
	}, fakeSource{}, fakeBuilder{registry: reg}, tgt.mock(), db, db, logger)
	require.NoError(t, err)

	d := &Daemon{
		V:              "test",
		Registry:       reg,
		Target:         tgt.mock(),
		Pipeline:       p,
		History:        db,
		Jobs:           job.NewQueue(),
		JobStatusCache: &job.StatusCache{Size: 100},
		Logger:         logger,
		LoopVars:       &LoopVars{DeployTimeout: timeout, JobTimeout: timeout},
	}

	dshutdown := make(chan struct{})
	dwg := &sync.WaitGroup{}
	dwg.Add(1)
	go d.Loop(dshutdown, dwg, logger)

	stop := func() {
		close(dshutdown)
		dwg.Wait()
	}
	return d, tgt, stop
}

// DAEMON TEST HELPERS
const interval = 10 * time.Millisecond

func eventually(t *testing.T, f func() bool, msg string) {
	stop := time.Now().Add(timeout)
	for time.Now().Before(stop) {
		if f() {
			return
		}
		time.Sleep(interval)
	}
	t.Fatal(msg)
}

func waitForJob(t *testing.T, d *Daemon, id job.ID) job.Status {
	var stat job.Status
	eventually(t, func() bool {
		var err error
		stat, err = d.JobStatus(context.Background(), id)
		if err != nil {
			return false
		}
		return stat.StatusString == job.StatusSucceeded || stat.StatusString == job.StatusFailed
	}, "Waiting for job to finish")
	return stat
}

func TestDaemon_Ping(t *testing.T) {
	d, _, stop := mockDaemon(t)
	defer stop()
	assert.NoError(t, d.Ping(context.Background()))
	v, err := d.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "test", v)
}

func TestDaemon_NotifyPush(t *testing.T) {
	d, tgt, stop := mockDaemon(t)
	defer stop()
	ctx := context.Background()

	res, err := d.NotifyPush(ctx, push)
	require.NoError(t, err)
	require.True(t, res.Accepted)
	assert.NotEmpty(t, res.RunID)

	stat := waitForJob(t, d, res.JobID)
	require.Equal(t, job.StatusSucceeded, stat.StatusString, stat.Err)
	assert.Equal(t, res.RunID, stat.Result.RunID)
	assert.Equal(t, "aws-fcj-repo:latest", stat.Result.Artifact)
	assert.Equal(t, push.Revision, stat.Result.Revision)
	assert.Equal(t, []string{"latest"}, tgt.deployed)

	run, err := d.GetRun(ctx, res.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateSucceeded, run.State)
	require.NotEmpty(t, run.Events)
	assert.Equal(t, event.EventRunStarted, run.Events[0].Type)
	assert.Equal(t, event.EventRunFinished, run.Events[len(run.Events)-1].Type)

	runs, err := d.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, res.RunID, runs[0].ID)
}

func TestDaemon_NotifyUnrelatedPush(t *testing.T) {
	d, _, stop := mockDaemon(t)
	defer stop()

	res, err := d.NotifyPush(context.Background(), source.PushEvent{Repository: "aws-fcj-repo", Branch: "feature/x"})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
	assert.Empty(t, res.JobID)

	_, err = d.NotifyPush(context.Background(), source.PushEvent{Repository: "aws-fcj-repo"})
	assert.True(t, fluxerr.IsUser(err))
}

func TestDaemon_OneRunAtATime(t *testing.T) {
	d, tgt, stop := mockDaemon(t)
	defer stop()
	tgt.hold = make(chan struct{})

	var ids []job.ID
	for i := 0; i < 3; i++ {
		res, err := d.NotifyPush(context.Background(), push)
		require.NoError(t, err)
		ids = append(ids, res.JobID)
	}

	// the first is held in its deploy; the others wait their turn
	eventually(t, func() bool {
		st, _ := d.JobStatus(context.Background(), ids[0])
		return st.StatusString == job.StatusRunning
	}, "Waiting for first run to start")
	for i, id := range ids[1:] {
		st, err := d.JobStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, job.StatusQueued, st.StatusString)
		assert.Equal(t, job.KindRun, st.Kind)
		assert.Equal(t, i, st.Ahead, "jobs ahead of queued run %d", i+1)
		assert.False(t, st.QueuedAt.IsZero())
		assert.True(t, st.StartedAt.IsZero())
	}

	close(tgt.hold)
	for _, id := range ids {
		assert.Equal(t, job.StatusSucceeded, waitForJob(t, d, id).StatusString)
	}
	assert.Equal(t, 1, tgt.maxInFlight)
}

func TestDaemon_FailedRun(t *testing.T) {
	d, tgt, stop := mockDaemon(t)
	defer stop()
	tgt.fail = errors.Wrap(target.ErrDeployTimeout, "deploying")

	res, err := d.NotifyPush(context.Background(), push)
	require.NoError(t, err)
	stat := waitForJob(t, d, res.JobID)
	assert.Equal(t, job.StatusFailed, stat.StatusString)
	assert.Contains(t, stat.Err, string(pipeline.DeployFailure))
	assert.Equal(t, string(pipeline.DeployFailure), stat.Failure)
	assert.Equal(t, job.KindRun, stat.Kind)
	assert.False(t, stat.FinishedAt.Before(stat.StartedAt))

	run, err := d.GetRun(context.Background(), res.RunID)
	require.NoError(t, err)
	assert.Equal(t, pipeline.StateFailed, run.State)
}

func TestDaemon_Deploy(t *testing.T) {
	d, tgt, stop := mockDaemon(t)
	defer stop()
	ctx := context.Background()

	_, err := d.Deploy(ctx, "v1")
	assert.True(t, fluxerr.IsMissing(err), "deploying a tag that isn't there: %v", err)
	_, err = d.Deploy(ctx, "-bad")
	assert.True(t, fluxerr.IsUser(err))
	assert.Empty(t, tgt.deployed)

	_, err = d.PushArtifact(ctx, "v1", []byte("v1"))
	require.NoError(t, err)
	id, err := d.Deploy(ctx, "v1")
	require.NoError(t, err)
	stat := waitForJob(t, d, id)
	assert.Equal(t, job.StatusSucceeded, stat.StatusString)
	assert.Equal(t, "aws-fcj-repo:v1", stat.Result.Artifact)
	assert.Equal(t, job.KindDeploy, stat.Kind)
	assert.Empty(t, stat.Failure)

	events, err := d.History.Events(ctx, 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, event.EventDeploy, events[0].Type)
}

func TestDaemon_JobStatusUnknown(t *testing.T) {
	d, _, stop := mockDaemon(t)
	defer stop()
	_, err := d.JobStatus(context.Background(), "nope")
	assert.True(t, fluxerr.IsMissing(err))
}

func TestDaemon_Scale(t *testing.T) {
	d, _, stop := mockDaemon(t)
	defer stop()
	ctx := context.Background()

	res, err := d.Scale(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, api.ScaleResult{Requested: 10, Applied: 4}, res)

	_, err = d.Scale(ctx, -1)
	assert.True(t, fluxerr.IsUser(err))

	events, err := d.History.Events(ctx, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, &event.ScaleEventMetadata{From: 2, To: 4, Reason: "requested"}, events[0].Metadata)
}

func TestDaemon_Artifacts(t *testing.T) {
	d, _, stop := mockDaemon(t)
	defer stop()
	ctx := context.Background()

	for _, tag := range []string{"v1.0.0", "latest", "v1.2.0"} {
		info, err := d.PushArtifact(ctx, tag, []byte("artifact "+tag))
		require.NoError(t, err)
		assert.Equal(t, tag, info.Ref.Tag)
	}
	_, err := d.PushArtifact(ctx, "empty", nil)
	assert.True(t, fluxerr.IsUser(err))

	infos, err := d.ListArtifacts(ctx)
	require.NoError(t, err)
	var tags []string
	for _, info := range infos {
		tags = append(tags, info.Ref.Tag)
	}
	assert.Equal(t, []string{"v1.2.0", "v1.0.0", "latest"}, tags)

	bytes, err := d.PullArtifact(ctx, "v1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "artifact v1.0.0", string(bytes))

	_, err = d.PullArtifact(ctx, "v9")
	assert.True(t, fluxerr.IsMissing(err))
}

func TestDaemon_FailedDeployHasNoStageFailure(t *testing.T) {
	d, tgt, stop := mockDaemon(t)
	defer stop()
	ctx := context.Background()

	_, err := d.PushArtifact(ctx, "v1", []byte("v1"))
	require.NoError(t, err)
	tgt.fail = target.ErrDeployTimeout
	id, err := d.Deploy(ctx, "v1")
	require.NoError(t, err)
	stat := waitForJob(t, d, id)
	assert.Equal(t, job.StatusFailed, stat.StatusString)
	assert.Equal(t, job.KindDeploy, stat.Kind)
	// only pipeline runs fail in a stage
	assert.Empty(t, stat.Failure)
}
