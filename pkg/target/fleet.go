package target

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/hashicorp/go-multierror"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry"
)

// version distinguishes one push to a tag from another.
type version struct {
	ref      image.Ref
	digest   digest.Digest
	artifact []byte
}

func (v version) is(other version) bool {
	return v.ref == other.ref && v.digest == other.digest
}

type instance struct {
	Instance
	version    version
	registered bool
}

// Fleet is a target made of instances started through a Runtime,
// with traffic spread over them by a Balancer.
type Fleet struct {
	def      ServiceDefinition
	registry registry.Registry
	runtime  Runtime
	health   HealthChecker
	balancer *Balancer
	logger   log.Logger

	// held by whatever is starting or stopping instances: a deploy,
	// or a scaling operation
	ops chan struct{}

	mu        sync.Mutex
	desired   int
	live      version
	deploying *version
	instances []*instance
	lastErr   error
}

var _ Target = &Fleet{}

func NewFleet(def ServiceDefinition, reg registry.Registry, runtime Runtime, health HealthChecker, balancer *Balancer, logger log.Logger) *Fleet {
	desiredInstances.Set(float64(def.DesiredCount))
	return &Fleet{
		def:      def,
		registry: reg,
		runtime:  runtime,
		health:   health,
		balancer: balancer,
		logger:   logger,
		ops:      make(chan struct{}, 1),
		desired:  def.DesiredCount,
	}
}

func (f *Fleet) acquire(ctx context.Context) error {
	select {
	case f.ops <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fleet) release() {
	<-f.ops
}

// Deploy rolls the fleet over to the artifact. New instances are
// started one at a time, each taking traffic once it passes its health
// checks; the old version keeps all of its instances until the new
// version is serving at the desired count, and only then is drained
// and stopped. A rollout that fails or runs out of time stops what it
// started and leaves the old version as it was.
func (f *Fleet) Deploy(ctx context.Context, ref image.Ref, timeout time.Duration) (err error) {
	if ref.Image == "" {
		ref = f.registry.Name().ToRef(ref.Tag)
	}

	f.mu.Lock()
	if f.deploying != nil {
		f.mu.Unlock()
		return DeployInProgress(ref)
	}
	f.deploying = &version{ref: ref}
	f.mu.Unlock()

	started := time.Now()
	defer func() {
		f.mu.Lock()
		f.deploying = nil
		f.lastErr = err
		f.mu.Unlock()
		ObserveDeploy(started, err)
	}()

	if ref.Name != f.registry.Name() {
		return ArtifactNotFound(ref, errors.Errorf("registry holds %s", f.registry.Name()))
	}
	// Nothing is started until it's known the artifact is there.
	info, err := f.registry.Describe(ctx, ref.Tag)
	if err != nil {
		if registry.IsNotFound(err) {
			return ArtifactNotFound(ref, err)
		}
		return errors.Wrapf(err, "checking registry for %s", ref)
	}
	artifact, err := f.registry.Pull(ctx, ref.Tag)
	if err != nil {
		if registry.IsNotFound(err) {
			return ArtifactNotFound(ref, err)
		}
		return errors.Wrapf(err, "pulling %s", ref)
	}
	next := version{ref: ref, digest: digest.FromBytes(artifact), artifact: artifact}
	if next.digest != info.Digest {
		f.logger.Log("info", "artifact changed since it was described", "ref", ref, "digest", next.digest)
	}
	f.mu.Lock()
	f.deploying = &next
	f.mu.Unlock()

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := f.acquire(deadline); err != nil {
		return f.deployError(ctx, deadline, ref, timeout, err)
	}
	defer f.release()

	f.logger.Log("info", "starting rollout", "ref", ref, "digest", next.digest, "timeout", timeout)
	if err := f.rollout(deadline, next); err != nil {
		err = f.deployError(ctx, deadline, ref, timeout, err)
		f.logger.Log("err", err, "ref", ref)
		f.rollback(next)
		return err
	}

	f.mu.Lock()
	f.live = next
	f.mu.Unlock()
	f.logger.Log("info", "rollout complete", "ref", ref, "took", time.Since(started))

	// The desired count may have gone down while the rollout was
	// going on.
	if err := f.reconcile(ctx); err != nil {
		f.logger.Log("err", errors.Wrap(err, "scaling after rollout"))
	}
	return nil
}

// deployError explains a failed rollout, distinguishing running out
// of time from being cancelled.
func (f *Fleet) deployError(parent, deadline context.Context, ref image.Ref, timeout time.Duration, err error) error {
	if deadline.Err() == context.DeadlineExceeded && parent.Err() == nil {
		return errors.Wrapf(ErrDeployTimeout, "deploying %s (timeout %s, last error: %v)", ref, timeout, err)
	}
	return errors.Wrapf(err, "deploying %s", ref)
}

func (f *Fleet) rollout(ctx context.Context, next version) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		desired, fresh, _ := f.split(next)
		if len(fresh) >= desired {
			break
		}
		if err := f.startHealthy(ctx, next); err != nil {
			return err
		}
	}
	// Past this point the rollout is committed; draining the old
	// version doesn't depend on the deadline.
	_, _, stale := f.split(next)
	var errs *multierror.Error
	for _, in := range stale {
		errs = multierror.Append(errs, f.stopInstance(in))
	}
	if err := errs.ErrorOrNil(); err != nil {
		f.logger.Log("err", errors.Wrap(err, "draining old version"))
	}
	return nil
}

// split divides the instances taking traffic into those of the given
// version and the rest.
func (f *Fleet) split(v version) (desired int, fresh, stale []*instance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, in := range f.instances {
		if !in.registered {
			continue
		}
		if in.version.is(v) {
			fresh = append(fresh, in)
		} else {
			stale = append(stale, in)
		}
	}
	return f.desired, fresh, stale
}

// rollback stops everything started for a failed rollout. The live
// version was never touched, though its desired count may have been
// changed by scaling in the meantime.
func (f *Fleet) rollback(failed version) {
	var errs *multierror.Error
	f.mu.Lock()
	var started []*instance
	for _, in := range f.instances {
		if in.version.is(failed) {
			started = append(started, in)
		}
	}
	f.mu.Unlock()
	for _, in := range started {
		errs = multierror.Append(errs, f.stopInstance(in))
	}
	if err := errs.ErrorOrNil(); err != nil {
		f.logger.Log("err", errors.Wrap(err, "stopping instances of failed rollout"))
	}
	if err := f.reconcile(context.Background()); err != nil {
		f.logger.Log("err", errors.Wrap(err, "scaling after failed rollout"))
	}
}

func (f *Fleet) startHealthy(ctx context.Context, v version) error {
	inst, err := f.runtime.Start(ctx, Workload{Ref: v.ref, Artifact: v.artifact, Definition: f.def})
	if err != nil {
		return errors.Wrapf(err, "starting instance of %s", v.ref)
	}
	in := &instance{Instance: inst, version: v}
	f.mu.Lock()
	f.instances = append(f.instances, in)
	instancesRunning.Set(float64(len(f.instances)))
	f.mu.Unlock()
	f.logger.Log("info", "started instance", "instance", inst.ID, "ref", v.ref, "address", inst.Address)

	if err := f.waitHealthy(ctx, inst); err != nil {
		if stopErr := f.stopInstance(in); stopErr != nil {
			f.logger.Log("err", stopErr, "instance", inst.ID)
		}
		return err
	}
	if err := f.balancer.Register(inst.ID, inst.Address); err != nil {
		if stopErr := f.stopInstance(in); stopErr != nil {
			f.logger.Log("err", stopErr, "instance", inst.ID)
		}
		return err
	}
	f.mu.Lock()
	in.registered = true
	f.mu.Unlock()
	f.logger.Log("info", "instance healthy and registered", "instance", inst.ID)
	return nil
}

// waitHealthy probes the instance every interval until it passes
// enough checks in a row.
func (f *Fleet) waitHealthy(ctx context.Context, inst Instance) error {
	hc := f.def.HealthCheck
	ticker := time.NewTicker(hc.Interval.Std())
	defer ticker.Stop()
	var passes int
	var lastErr error
	for {
		probeCtx, cancel := context.WithTimeout(ctx, hc.Timeout.Std())
		err := f.health.Check(probeCtx, inst)
		cancel()
		if err == nil {
			passes++
			if passes >= hc.HealthyThreshold {
				return nil
			}
		} else {
			passes = 0
			lastErr = err
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return errors.Wrapf(lastErr, "waiting for %s to become healthy", inst.ID)
		case <-ticker.C:
		}
	}
}

// stopInstance drains and stops an instance. It's used when the
// decision to stop has been made, so it doesn't take a context that
// might be about to expire.
func (f *Fleet) stopInstance(in *instance) error {
	f.mu.Lock()
	registered := in.registered
	in.registered = false
	f.mu.Unlock()
	if registered {
		f.balancer.Deregister(context.Background(), in.ID, f.def.DeregistrationDelay.Std())
	}

	ctx, cancel := context.WithTimeout(context.Background(), f.def.StopTimeout.Std()+30*time.Second)
	defer cancel()
	err := f.runtime.Stop(ctx, in.ID, f.def.StopTimeout.Std())

	f.mu.Lock()
	for i, other := range f.instances {
		if other == in {
			f.instances = append(f.instances[:i], f.instances[i+1:]...)
			break
		}
	}
	instancesRunning.Set(float64(len(f.instances)))
	f.mu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "stopping instance %s", in.ID)
	}
	f.logger.Log("info", "stopped instance", "instance", in.ID)
	return nil
}

// reconcile starts or stops instances of the live version until there
// are as many as desired. The caller must hold ops.
func (f *Fleet) reconcile(ctx context.Context) error {
	for {
		f.mu.Lock()
		live := f.live
		f.mu.Unlock()
		if live.ref.Image == "" {
			return nil
		}
		desired, serving, _ := f.split(live)
		switch {
		case len(serving) < desired:
			startCtx, cancel := context.WithTimeout(ctx, f.def.StartTimeout.Std())
			err := f.startHealthy(startCtx, live)
			cancel()
			if err != nil {
				return err
			}
		case len(serving) > desired:
			if err := f.stopInstance(serving[len(serving)-1]); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

// Scale sets the desired count. If a deploy is in progress, the
// rollout picks it up as it goes; otherwise instances are started or
// stopped straight away.
func (f *Fleet) Scale(ctx context.Context, n int) (int, error) {
	n = f.def.Clamp(n)
	f.mu.Lock()
	previous := f.desired
	f.desired = n
	deploying := f.deploying != nil
	f.mu.Unlock()
	desiredInstances.Set(float64(n))
	if n != previous {
		f.logger.Log("info", "scaling", "from", previous, "to", n, "during-deploy", deploying)
	}
	if deploying {
		return n, nil
	}
	if err := f.acquire(ctx); err != nil {
		return n, err
	}
	defer f.release()
	return n, f.reconcile(ctx)
}

func (f *Fleet) Status(ctx context.Context) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st := Status{
		Current: f.live.ref,
		Digest:  f.live.digest,
		Desired: f.desired,
		Min:     f.def.MinReplicas,
		Max:     f.def.MaxReplicas,
	}
	rolling := f.live
	if f.deploying != nil {
		rolling = *f.deploying
		st.Deploying = f.deploying.ref
	}
	var serving int
	st.Rollout.Desired = f.desired
	for _, in := range f.instances {
		st.Instances = append(st.Instances, InstanceStatus{
			ID:         in.ID,
			Ref:        in.version.ref,
			Digest:     in.version.digest,
			Address:    in.Address,
			Registered: in.registered,
			StartedAt:  in.StartedAt,
		})
		if in.version.is(rolling) {
			st.Rollout.Updated++
			if in.registered {
				st.Rollout.Ready++
			}
		} else {
			st.Rollout.Outdated++
		}
		if in.registered && in.version.is(f.live) {
			serving++
		}
	}
	if f.lastErr != nil {
		st.Rollout.Messages = []string{f.lastErr.Error()}
	}
	switch {
	case f.deploying != nil:
		st.Status = StatusUpdating
	case f.live.ref.Image == "":
		st.Status = StatusEmpty
	case serving != f.desired:
		st.Status = StatusScaling
	default:
		st.Status = StatusReady
	}
	return st, nil
}

// Utilization averages the metric over the instances taking traffic.
func (f *Fleet) Utilization(ctx context.Context, m Metric) (float64, error) {
	f.mu.Lock()
	var ids []string
	for _, in := range f.instances {
		if in.registered {
			ids = append(ids, in.ID)
		}
	}
	f.mu.Unlock()
	if len(ids) == 0 {
		return 0, ErrNoInstances
	}
	var sum float64
	var n int
	var errs *multierror.Error
	for _, id := range ids {
		stats, err := f.runtime.Stats(ctx, id)
		if err != nil {
			errs = multierror.Append(errs, errors.Wrapf(err, "stats for %s", id))
			continue
		}
		sum += stats.Get(m)
		n++
	}
	if n == 0 {
		return 0, errs.ErrorOrNil()
	}
	return sum / float64(n), nil
}

// Teardown stops every instance.
func (f *Fleet) Teardown(ctx context.Context) error {
	if err := f.acquire(ctx); err != nil {
		return err
	}
	defer f.release()
	f.mu.Lock()
	all := append([]*instance(nil), f.instances...)
	f.live = version{}
	f.mu.Unlock()
	var errs *multierror.Error
	for _, in := range all {
		errs = multierror.Append(errs, f.stopInstance(in))
	}
	return errs.ErrorOrNil()
}
