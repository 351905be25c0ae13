package target_test

import (
	"context"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/target"
	"github.com/fluxcd/relay/pkg/target/mock"
)

const healthPath = "/health"

type fixture struct {
	fleet    *target.Fleet
	registry registry.Registry
	runtime  *mock.Runtime
	front    *httptest.Server
}

func setup(t *testing.T) *fixture {
	def := target.DefaultDefinition()
	def.HealthCheck = target.HealthCheck{
		Path:             healthPath,
		Interval:         target.Duration(10 * time.Millisecond),
		Timeout:          target.Duration(100 * time.Millisecond),
		HealthyThreshold: 2,
	}
	def.StartTimeout = target.Duration(2 * time.Second)
	def.StopTimeout = target.Duration(time.Second)
	def.DeregistrationDelay = target.Duration(time.Second)

	reg := registry.NewMemory(image.Name{Image: "aws-fcj-repo"})
	for _, tag := range []string{"v0", "v1", "v2"} {
		_, err := reg.Push(context.Background(), tag, []byte("artifact "+tag))
		require.NoError(t, err)
	}
	runtime := &mock.Runtime{
		HealthPath: healthPath,
		// v2 never passes its health checks
		Healthy: func(ref image.Ref) bool { return ref.Tag != "v2" },
	}
	logger := log.NewNopLogger()
	balancer := target.NewBalancer(logger)
	fleet := target.NewFleet(def, reg, runtime, &target.HTTPHealthChecker{Path: healthPath}, balancer, logger)
	front := httptest.NewServer(balancer)
	t.Cleanup(func() {
		front.Close()
		fleet.Teardown(context.Background())
	})
	return &fixture{fleet: fleet, registry: reg, runtime: runtime, front: front}
}

func (f *fixture) ref(tag string) image.Ref {
	return f.registry.Name().ToRef(tag)
}

func (f *fixture) get(t *testing.T) (int, string) {
	resp, err := http.Get(f.front.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := ioutil.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, strings.TrimSpace(string(body))
}

func TestFleet_FirstDeploy(t *testing.T) {
	f := setup(t)
	code, _ := f.get(t)
	assert.Equal(t, http.StatusServiceUnavailable, code)

	st, err := f.fleet.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, target.StatusEmpty, st.Status)

	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v0"), 5*time.Second))
	assert.Equal(t, map[string]int{"v0": 2}, f.runtime.Running())

	code, body := f.get(t)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "v0", body)

	st, err = f.fleet.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, target.StatusReady, st.Status)
	assert.Equal(t, "v0", st.Current.Tag)
	assert.Equal(t, 2, st.Rollout.Ready)
	assert.Len(t, st.Instances, 2)
}

func TestFleet_RollingUpdateZeroDowntime(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v0"), 5*time.Second))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			resp, err := http.Get(f.front.URL + "/")
			mu.Lock()
			if err != nil {
				failures = append(failures, err.Error())
			} else {
				if resp.StatusCode != http.StatusOK {
					failures = append(failures, resp.Status)
				}
				resp.Body.Close()
			}
			mu.Unlock()
		}
	}()

	err := f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second)
	close(stop)
	wg.Wait()
	require.NoError(t, err)

	assert.Empty(t, failures, "requests failed during the rollout")
	assert.Equal(t, map[string]int{"v1": 2}, f.runtime.Running())
	for i := 0; i < 4; i++ {
		_, body := f.get(t)
		assert.Equal(t, "v1", body)
	}
}

func TestFleet_UnhealthyDeployTimesOut(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))

	err := f.fleet.Deploy(context.Background(), f.ref("v2"), 300*time.Millisecond)
	assert.True(t, errors.Is(err, target.ErrDeployTimeout), "expected timeout, got %v", err)

	assert.Equal(t, map[string]int{"v1": 2}, f.runtime.Running())
	st, err := f.fleet.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Current.Tag)
	assert.Equal(t, 2, st.Desired)
	assert.Equal(t, target.StatusReady, st.Status)
	assert.NotEmpty(t, st.Rollout.Messages)

	_, body := f.get(t)
	assert.Equal(t, "v1", body)
}

func TestFleet_PartialRolloutLeavesOldVersion(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))
	old := map[string]bool{}
	st, err := f.fleet.Status(context.Background())
	require.NoError(t, err)
	for _, in := range st.Instances {
		old[in.ID] = true
	}
	require.Len(t, old, 2)

	// the first v2 instance comes up fine, the second never does
	var mu sync.Mutex
	var firstV2 string
	f.runtime.InstanceHealthy = func(id string, ref image.Ref) bool {
		if ref.Tag != "v2" {
			return true
		}
		mu.Lock()
		defer mu.Unlock()
		if firstV2 == "" {
			firstV2 = id
		}
		return id == firstV2
	}

	err = f.fleet.Deploy(context.Background(), f.ref("v2"), 500*time.Millisecond)
	assert.True(t, errors.Is(err, target.ErrDeployTimeout), "expected timeout, got %v", err)

	for _, id := range f.runtime.Stopped {
		assert.False(t, old[id], "instance %s of the live version was stopped", id)
	}
	assert.Len(t, f.runtime.Stopped, 2)
	// nothing of the old version had to be started again
	assert.Len(t, f.runtime.Started, 4)
	assert.Equal(t, map[string]int{"v1": 2}, f.runtime.Running())

	st, err = f.fleet.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "v1", st.Current.Tag)
	for _, in := range st.Instances {
		assert.True(t, old[in.ID], "unexpected instance %s", in.ID)
	}
	_, body := f.get(t)
	assert.Equal(t, "v1", body)
}

func TestFleet_MissingArtifact(t *testing.T) {
	f := setup(t)
	err := f.fleet.Deploy(context.Background(), f.ref("v9"), time.Second)
	assert.True(t, errors.Is(err, target.ErrArtifactNotFound))
	assert.True(t, fluxerr.IsMissing(err))
	assert.Empty(t, f.runtime.Started)

	err = f.fleet.Deploy(context.Background(), image.Name{Image: "elsewhere"}.ToRef("v1"), time.Second)
	assert.True(t, errors.Is(err, target.ErrArtifactNotFound))
	assert.Empty(t, f.runtime.Started)
}

func TestFleet_RedeployRetaggedArtifact(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))
	started := len(f.runtime.Started)

	// same tag, same bytes: nothing to do
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))
	assert.Len(t, f.runtime.Started, started)

	// same tag, new bytes: a full rollout
	_, err := f.registry.Push(context.Background(), "v1", []byte("rebuilt"))
	require.NoError(t, err)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))
	assert.Len(t, f.runtime.Started, started+2)
	assert.Equal(t, map[string]int{"v1": 2}, f.runtime.Running())
}

func TestFleet_OneDeployAtATime(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))

	done := make(chan error)
	go func() {
		done <- f.fleet.Deploy(context.Background(), f.ref("v2"), 500*time.Millisecond)
	}()
	require.Eventually(t, func() bool {
		st, _ := f.fleet.Status(context.Background())
		return st.Status == target.StatusUpdating
	}, time.Second, 5*time.Millisecond)

	err := f.fleet.Deploy(context.Background(), f.ref("v0"), time.Second)
	assert.True(t, errors.Is(err, target.ErrDeployInProgress))
	assert.True(t, fluxerr.IsUser(err))

	// scaling mid-deploy is recorded, and applied to whichever
	// version ends up live
	n, err := f.fleet.Scale(context.Background(), 3)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	assert.True(t, errors.Is(<-done, target.ErrDeployTimeout))
	assert.Equal(t, map[string]int{"v1": 3}, f.runtime.Running())
}

func TestFleet_ScaleClamped(t *testing.T) {
	f := setup(t)
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))

	for _, c := range []struct {
		ask, want int
	}{
		{3, 3},
		{100, 4},
		{-1, 2},
		{0, 2},
		{4, 4},
	} {
		n, err := f.fleet.Scale(context.Background(), c.ask)
		require.NoError(t, err)
		assert.Equal(t, c.want, n)
		assert.Equal(t, map[string]int{"v1": c.want}, f.runtime.Running())
		st, err := f.fleet.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, c.want, st.Desired)
		assert.Equal(t, target.StatusReady, st.Status)
	}
}

func TestFleet_Utilization(t *testing.T) {
	f := setup(t)
	_, err := f.fleet.Utilization(context.Background(), target.MetricCPU)
	assert.Equal(t, target.ErrNoInstances, err)

	f.runtime.StatsFunc = func(ref image.Ref) target.Stats {
		return target.Stats{CPUPercent: 80, MemoryPercent: 30}
	}
	require.NoError(t, f.fleet.Deploy(context.Background(), f.ref("v1"), 5*time.Second))
	cpu, err := f.fleet.Utilization(context.Background(), target.MetricCPU)
	require.NoError(t, err)
	assert.Equal(t, 80.0, cpu)
	mem, err := f.fleet.Utilization(context.Background(), target.MetricMemory)
	require.NoError(t, err)
	assert.Equal(t, 30.0, mem)
}
