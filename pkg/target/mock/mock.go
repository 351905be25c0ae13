package mock

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/target"
)

// Runtime starts each instance as an HTTP server on a local port. An
// instance answers every request with "<tag>\n", except the health
// check path, for which it consults Healthy.
type Runtime struct {
	// Healthy says whether instances of the ref pass health checks.
	// If nil, all do.
	Healthy func(ref image.Ref) bool
	// InstanceHealthy, if set, is consulted instead of Healthy, for
	// when instances of one ref should differ.
	InstanceHealthy func(id string, ref image.Ref) bool
	// StatsFunc gives the utilization reported for each instance. If
	// nil, instances report zero.
	StatsFunc func(ref image.Ref) target.Stats
	// StartErr, if set, is returned from Start.
	StartErr error

	HealthPath string

	mu      sync.Mutex
	next    int
	servers map[string]*server
	Started []image.Ref
	Stopped []string
}

type server struct {
	*httptest.Server
	ref image.Ref
}

var _ target.Runtime = &Runtime{}

func (r *Runtime) Start(ctx context.Context, w target.Workload) (target.Instance, error) {
	if r.StartErr != nil {
		return target.Instance{}, r.StartErr
	}
	r.mu.Lock()
	r.next++
	id := fmt.Sprintf("instance-%d", r.next)
	if r.servers == nil {
		r.servers = map[string]*server{}
	}
	r.Started = append(r.Started, w.Ref)
	r.mu.Unlock()

	ref := w.Ref
	s := httptest.NewServer(http.HandlerFunc(func(rw http.ResponseWriter, req *http.Request) {
		if r.HealthPath != "" && req.URL.Path == r.HealthPath {
			if !r.healthy(id, ref) {
				rw.WriteHeader(http.StatusServiceUnavailable)
				return
			}
		}
		fmt.Fprintln(rw, ref.Tag)
	}))

	r.mu.Lock()
	r.servers[id] = &server{Server: s, ref: ref}
	r.mu.Unlock()
	return target.Instance{
		ID:        id,
		Ref:       ref,
		Address:   strings.TrimPrefix(s.URL, "http://"),
		StartedAt: time.Now(),
	}, nil
}

func (r *Runtime) healthy(id string, ref image.Ref) bool {
	switch {
	case r.InstanceHealthy != nil:
		return r.InstanceHealthy(id, ref)
	case r.Healthy != nil:
		return r.Healthy(ref)
	}
	return true
}

func (r *Runtime) Stop(ctx context.Context, id string, grace time.Duration) error {
	r.mu.Lock()
	s, ok := r.servers[id]
	delete(r.servers, id)
	r.Stopped = append(r.Stopped, id)
	r.mu.Unlock()
	if !ok {
		return errors.Errorf("no such instance %s", id)
	}
	s.Close()
	return nil
}

func (r *Runtime) Stats(ctx context.Context, id string) (target.Stats, error) {
	r.mu.Lock()
	s, ok := r.servers[id]
	r.mu.Unlock()
	if !ok {
		return target.Stats{}, errors.Errorf("no such instance %s", id)
	}
	if r.StatsFunc == nil {
		return target.Stats{}, nil
	}
	return r.StatsFunc(s.ref), nil
}

// Running counts the instances of each tag still running.
func (r *Runtime) Running() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	counts := map[string]int{}
	for _, s := range r.servers {
		counts[s.ref.Tag]++
	}
	return counts
}

// Target is a target.Target with each method supplied as a func.
type Target struct {
	DeployFunc      func(ctx context.Context, ref image.Ref, timeout time.Duration) error
	StatusFunc      func(ctx context.Context) (target.Status, error)
	ScaleFunc       func(ctx context.Context, n int) (int, error)
	UtilizationFunc func(ctx context.Context, m target.Metric) (float64, error)
}

var _ target.Target = &Target{}

func (t *Target) Deploy(ctx context.Context, ref image.Ref, timeout time.Duration) error {
	return t.DeployFunc(ctx, ref, timeout)
}

func (t *Target) Status(ctx context.Context) (target.Status, error) {
	return t.StatusFunc(ctx)
}

func (t *Target) Scale(ctx context.Context, n int) (int, error) {
	return t.ScaleFunc(ctx, n)
}

func (t *Target) Utilization(ctx context.Context, m target.Metric) (float64, error) {
	return t.UtilizationFunc(ctx, m)
}
