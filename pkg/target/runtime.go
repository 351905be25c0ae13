package target

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fluxcd/relay/pkg/image"
)

// Workload is what an instance runs: the artifact, and how to run it.
type Workload struct {
	Ref        image.Ref
	Artifact   []byte
	Definition ServiceDefinition
}

// Instance is one running copy of a workload.
type Instance struct {
	ID  string
	Ref image.Ref
	// Address is host:port where the container port can be reached.
	Address   string
	StartedAt time.Time
}

// Stats are the resource utilization of an instance, as percentages
// of what it was allotted.
type Stats struct {
	CPUPercent    float64
	MemoryPercent float64
}

func (s Stats) Get(m Metric) float64 {
	if m == MetricMemory {
		return s.MemoryPercent
	}
	return s.CPUPercent
}

// Runtime starts and stops instances. It doesn't need to know about
// health or traffic; the fleet looks after that.
type Runtime interface {
	Start(ctx context.Context, w Workload) (Instance, error)
	// Stop stops the instance, allowing it the grace period to exit
	// by itself, and cleans up after it.
	Stop(ctx context.Context, id string, grace time.Duration) error
	Stats(ctx context.Context, id string) (Stats, error)
}

// HealthChecker probes an instance once.
type HealthChecker interface {
	Check(ctx context.Context, inst Instance) error
}

// HTTPHealthChecker considers an instance healthy if a GET of the path
// returns a 2xx or 3xx status.
type HTTPHealthChecker struct {
	Client *http.Client
	Path   string
}

func (h *HTTPHealthChecker) Check(ctx context.Context, inst Instance) error {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequest("GET", "http://"+inst.Address+h.Path, nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req.WithContext(ctx))
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return fmt.Errorf("health check of %s returned %s", inst.ID, resp.Status)
	}
	return nil
}
