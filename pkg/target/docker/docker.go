// Package docker runs service instances as local docker containers.
package docker

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"strconv"
	"time"

	"github.com/docker/docker/api/types/container"
	dockerimage "github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/target"
)

const (
	labelRef   = "io.fluxcd.relay.ref"
	labelFleet = "io.fluxcd.relay.fleet"

	// The container port is published on the loopback interface; the
	// balancer is what's exposed.
	publishHost = "127.0.0.1"
)

type Config struct {
	// Fleet labels every container, so they can be found again.
	Fleet string
	// Network, if set, is a docker network to attach containers to;
	// it's created if it doesn't exist.
	Network string
	// PullImages says whether to pull an image before each start;
	// otherwise it must be present locally.
	PullImages bool
}

// Runtime starts a container per instance, running the image named
// for the service's container in the artifact's image definitions.
type Runtime struct {
	client *client.Client
	config Config
	logger *zap.Logger
}

var _ target.Runtime = &Runtime{}

func NewRuntime(config Config, logger *zap.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create Docker client")
	}
	return &Runtime{client: cli, config: config, logger: logger}, nil
}

// Ping checks the docker daemon is reachable, and settles on an API
// version to use with it.
func (r *Runtime) Ping(ctx context.Context) error {
	r.client.NegotiateAPIVersion(ctx)
	_, err := r.client.Ping(ctx)
	return errors.Wrap(err, "pinging docker daemon")
}

func (r *Runtime) ensureNetwork(ctx context.Context) error {
	networks, err := r.client.NetworkList(ctx, network.ListOptions{})
	if err != nil {
		return errors.Wrap(err, "failed to list networks")
	}
	for _, n := range networks {
		if n.Name == r.config.Network {
			return nil
		}
	}
	_, err = r.client.NetworkCreate(ctx, r.config.Network, network.CreateOptions{Driver: "bridge"})
	return errors.Wrapf(err, "failed to create network %s", r.config.Network)
}

func (r *Runtime) pull(ctx context.Context, ref string) error {
	rc, err := r.client.ImagePull(ctx, ref, dockerimage.PullOptions{})
	if err != nil {
		return err
	}
	defer rc.Close()
	_, err = io.Copy(ioutil.Discard, rc)
	return err
}

// containerSpec gives the docker configuration for a workload.
func containerSpec(w target.Workload, img, fleet string) (*container.Config, *container.HostConfig, error) {
	def := w.Definition
	port, err := nat.NewPort("tcp", strconv.Itoa(def.ContainerPort))
	if err != nil {
		return nil, nil, errors.Wrap(err, "container port")
	}
	stopTimeout := int(def.StopTimeout.Std().Seconds())
	config := &container.Config{
		Image:        img,
		Env:          def.Environment.Environ(),
		ExposedPorts: nat.PortSet{port: struct{}{}},
		StopTimeout:  &stopTimeout,
		Labels: map[string]string{
			labelRef:   w.Ref.String(),
			labelFleet: fleet,
		},
	}
	hostConfig := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: publishHost, HostPort: ""}},
		},
	}
	// ECS CPU units are 1/1024ths of a vCPU.
	if def.CPUUnits > 0 {
		hostConfig.NanoCPUs = int64(def.CPUUnits) * 1e9 / 1024
	}
	if def.MemoryMiB > 0 {
		hostConfig.Memory = int64(def.MemoryMiB) << 20
	}
	return config, hostConfig, nil
}

func (r *Runtime) Start(ctx context.Context, w target.Workload) (target.Instance, error) {
	r.client.NegotiateAPIVersion(ctx)

	defs, err := image.ParseDefinitions(w.Artifact)
	if err != nil {
		return target.Instance{}, errors.Wrapf(err, "artifact %s", w.Ref)
	}
	img, err := defs.ImageFor(w.Definition.ContainerName)
	if err != nil {
		return target.Instance{}, errors.Wrapf(err, "artifact %s", w.Ref)
	}
	if r.config.PullImages {
		if err := r.pull(ctx, img); err != nil {
			return target.Instance{}, errors.Wrapf(err, "failed to pull image %s", img)
		}
	}

	config, hostConfig, err := containerSpec(w, img, r.config.Fleet)
	if err != nil {
		return target.Instance{}, err
	}
	var netConfig *network.NetworkingConfig
	if r.config.Network != "" {
		if err := r.ensureNetwork(ctx); err != nil {
			return target.Instance{}, err
		}
		netConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				r.config.Network: {},
			},
		}
	}

	name := fmt.Sprintf("%s-%s", w.Definition.ContainerName, uuid.New().String()[:8])
	resp, err := r.client.ContainerCreate(ctx, config, hostConfig, netConfig, nil, name)
	if err != nil {
		return target.Instance{}, errors.Wrap(err, "failed to create container")
	}
	if err := r.client.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		r.remove(resp.ID)
		return target.Instance{}, errors.Wrap(err, "failed to start container")
	}

	inspect, err := r.client.ContainerInspect(ctx, resp.ID)
	if err != nil {
		r.remove(resp.ID)
		return target.Instance{}, errors.Wrap(err, "failed to inspect container")
	}
	port, _ := nat.NewPort("tcp", strconv.Itoa(w.Definition.ContainerPort))
	bindings := inspect.NetworkSettings.Ports[port]
	if len(bindings) == 0 {
		r.remove(resp.ID)
		return target.Instance{}, fmt.Errorf("container %s has no published port %s", resp.ID, port)
	}
	startedAt, _ := time.Parse(time.RFC3339Nano, inspect.State.StartedAt)

	r.logger.Info("Container started",
		zap.String("containerID", resp.ID),
		zap.String("name", name),
		zap.String("image", img),
		zap.String("ref", w.Ref.String()),
	)
	return target.Instance{
		ID:        resp.ID,
		Ref:       w.Ref,
		Address:   net.JoinHostPort(publishHost, bindings[0].HostPort),
		StartedAt: startedAt,
	}, nil
}

// remove cleans up a container that failed to start properly.
func (r *Runtime) remove(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		r.logger.Warn("Failed to remove container", zap.String("containerID", id), zap.Error(err))
	}
}

func (r *Runtime) Stop(ctx context.Context, id string, grace time.Duration) error {
	timeoutSeconds := int(grace.Seconds())
	if err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSeconds}); err != nil {
		return errors.Wrap(err, "failed to stop container")
	}
	if err := r.client.ContainerRemove(ctx, id, container.RemoveOptions{}); err != nil {
		return errors.Wrap(err, "failed to remove container")
	}
	r.logger.Info("Container stopped", zap.String("containerID", id))
	return nil
}

// The parts of the docker stats document used to compute utilization.
type statsDoc struct {
	CPUStats    cpuStats `json:"cpu_stats"`
	PreCPUStats cpuStats `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64            `json:"usage"`
		Limit uint64            `json:"limit"`
		Stats map[string]uint64 `json:"stats"`
	} `json:"memory_stats"`
}

type cpuStats struct {
	CPUUsage struct {
		TotalUsage uint64 `json:"total_usage"`
	} `json:"cpu_usage"`
	SystemUsage uint64 `json:"system_cpu_usage"`
	OnlineCPUs  uint32 `json:"online_cpus"`
}

// utilization computes CPU use as a percentage of the CPU the
// container was allotted (or of the whole host, if unlimited), and
// memory use, less page cache, as a percentage of the limit.
func utilization(doc statsDoc, nanoCPUs int64) target.Stats {
	var stats target.Stats
	cpuDelta := float64(doc.CPUStats.CPUUsage.TotalUsage) - float64(doc.PreCPUStats.CPUUsage.TotalUsage)
	systemDelta := float64(doc.CPUStats.SystemUsage) - float64(doc.PreCPUStats.SystemUsage)
	online := float64(doc.CPUStats.OnlineCPUs)
	if cpuDelta > 0 && systemDelta > 0 && online > 0 {
		cores := cpuDelta / systemDelta * online
		allotted := online
		if nanoCPUs > 0 {
			allotted = float64(nanoCPUs) / 1e9
		}
		stats.CPUPercent = cores / allotted * 100
	}

	usage := doc.MemoryStats.Usage
	// cgroup v1 reports cache, v2 inactive_file
	if cache, ok := doc.MemoryStats.Stats["inactive_file"]; ok && cache < usage {
		usage -= cache
	} else if cache, ok := doc.MemoryStats.Stats["cache"]; ok && cache < usage {
		usage -= cache
	}
	if doc.MemoryStats.Limit > 0 {
		stats.MemoryPercent = float64(usage) / float64(doc.MemoryStats.Limit) * 100
	}
	return stats
}

func (r *Runtime) Stats(ctx context.Context, id string) (target.Stats, error) {
	inspect, err := r.client.ContainerInspect(ctx, id)
	if err != nil {
		return target.Stats{}, errors.Wrap(err, "failed to inspect container")
	}
	resp, err := r.client.ContainerStats(ctx, id, false)
	if err != nil {
		return target.Stats{}, errors.Wrap(err, "failed to get container stats")
	}
	defer resp.Body.Close()
	var doc statsDoc
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return target.Stats{}, errors.Wrap(err, "failed to decode container stats")
	}
	var nanoCPUs int64
	if inspect.HostConfig != nil {
		nanoCPUs = inspect.HostConfig.NanoCPUs
	}
	return utilization(doc, nanoCPUs), nil
}

// Close releases the connection to the docker daemon.
func (r *Runtime) Close() error {
	return r.client.Close()
}
