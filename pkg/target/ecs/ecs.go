// Package ecs deploys and scales a service running on Amazon ECS.
//
// Each deploy registers a new revision of the service's task
// definition, with the container image taken from the artifact's image
// definitions, and points the service at it. ECS does the rolling
// replacement; this package watches it and puts the previous revision
// back if it doesn't finish in time.
package ecs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling"
	"github.com/aws/aws-sdk-go/service/applicationautoscaling/applicationautoscalingiface"
	"github.com/aws/aws-sdk-go/service/cloudwatch"
	"github.com/aws/aws-sdk-go/service/cloudwatch/cloudwatchiface"
	awsecs "github.com/aws/aws-sdk-go/service/ecs"
	"github.com/aws/aws-sdk-go/service/ecs/ecsiface"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fluxcd/relay/pkg/autoscale"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/target"
)

const (
	tagRef    = "relay.fluxcd.io/ref"
	tagDigest = "relay.fluxcd.io/digest"

	deploymentPrimary = "PRIMARY"
	rolloutFailed     = "FAILED"

	scalableDimension = "ecs:service:DesiredCount"
	serviceNamespace  = "ecs"

	defaultPollInterval = 15 * time.Second
)

type Config struct {
	Cluster      string
	Service      string
	Region       string
	PollInterval time.Duration
}

// Target is a target.Target backed by an ECS service.
type Target struct {
	cluster      string
	service      string
	def          target.ServiceDefinition
	registry     registry.Registry
	ecs          ecsiface.ECSAPI
	scaling      applicationautoscalingiface.ApplicationAutoScalingAPI
	metrics      cloudwatchiface.CloudWatchAPI
	logger       *zap.Logger
	pollInterval time.Duration

	mu        sync.Mutex
	deploying *image.Ref
	lastErr   error
}

var _ target.Target = &Target{}

func New(config Config, def target.ServiceDefinition, reg registry.Registry, logger *zap.Logger) (*Target, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(config.Region)})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return newTarget(config, def, reg, awsecs.New(sess), applicationautoscaling.New(sess), cloudwatch.New(sess), logger), nil
}

func newTarget(config Config, def target.ServiceDefinition, reg registry.Registry,
	ecsAPI ecsiface.ECSAPI,
	scalingAPI applicationautoscalingiface.ApplicationAutoScalingAPI,
	metricsAPI cloudwatchiface.CloudWatchAPI,
	logger *zap.Logger) *Target {
	poll := config.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Target{
		cluster:      config.Cluster,
		service:      config.Service,
		def:          def,
		registry:     reg,
		ecs:          ecsAPI,
		scaling:      scalingAPI,
		metrics:      metricsAPI,
		logger:       logger.With(zap.String("cluster", config.Cluster), zap.String("service", config.Service)),
		pollInterval: poll,
	}
}

func (t *Target) describeService(ctx context.Context) (*awsecs.Service, error) {
	out, err := t.ecs.DescribeServicesWithContext(ctx, &awsecs.DescribeServicesInput{
		Cluster:  aws.String(t.cluster),
		Services: []*string{aws.String(t.service)},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "describing service %s", t.service)
	}
	for _, svc := range out.Services {
		if aws.StringValue(svc.ServiceName) == t.service || aws.StringValue(svc.ServiceArn) == t.service {
			return svc, nil
		}
	}
	if len(out.Failures) > 0 {
		return nil, fmt.Errorf("describing service %s: %s", t.service, aws.StringValue(out.Failures[0].Reason))
	}
	return nil, fmt.Errorf("service %s not found in cluster %s", t.service, t.cluster)
}

// artifact checks the ref is in the registry, and returns the image
// the service's container should run.
func (t *Target) artifact(ctx context.Context, ref image.Ref) (string, digest.Digest, error) {
	if ref.Name != t.registry.Name() {
		return "", "", target.ArtifactNotFound(ref, errors.Errorf("registry holds %s", t.registry.Name()))
	}
	if _, err := t.registry.Describe(ctx, ref.Tag); err != nil {
		if registry.IsNotFound(err) {
			return "", "", target.ArtifactNotFound(ref, err)
		}
		return "", "", errors.Wrapf(err, "checking registry for %s", ref)
	}
	data, err := t.registry.Pull(ctx, ref.Tag)
	if err != nil {
		if registry.IsNotFound(err) {
			return "", "", target.ArtifactNotFound(ref, err)
		}
		return "", "", errors.Wrapf(err, "pulling %s", ref)
	}
	defs, err := image.ParseDefinitions(data)
	if err != nil {
		return "", "", errors.Wrapf(err, "artifact %s", ref)
	}
	img, err := defs.ImageFor(t.def.ContainerName)
	if err != nil {
		return "", "", errors.Wrapf(err, "artifact %s", ref)
	}
	return img, digest.FromBytes(data), nil
}

// taskDefinitionFor makes a new revision of the task definition, with
// the image, sizing and environment of the deploy.
func (t *Target) taskDefinitionFor(current *awsecs.TaskDefinition, currentTags []*awsecs.Tag, ref image.Ref, dgst digest.Digest, img string) (*awsecs.RegisterTaskDefinitionInput, error) {
	var containers []*awsecs.ContainerDefinition
	found := false
	for _, c := range current.ContainerDefinitions {
		c := *c
		if aws.StringValue(c.Name) == t.def.ContainerName {
			found = true
			c.Image = aws.String(img)
			c.Environment = environment(c.Environment, t.def.Environment.Map())
			c.StartTimeout = aws.Int64(int64(t.def.StartTimeout.Std().Seconds()))
			c.StopTimeout = aws.Int64(int64(t.def.StopTimeout.Std().Seconds()))
		}
		containers = append(containers, &c)
	}
	if !found {
		return nil, fmt.Errorf("task definition %s has no container %q", aws.StringValue(current.TaskDefinitionArn), t.def.ContainerName)
	}

	var tags []*awsecs.Tag
	for _, tag := range currentTags {
		switch aws.StringValue(tag.Key) {
		case tagRef, tagDigest:
		default:
			tags = append(tags, tag)
		}
	}
	tags = append(tags,
		&awsecs.Tag{Key: aws.String(tagRef), Value: aws.String(ref.String())},
		&awsecs.Tag{Key: aws.String(tagDigest), Value: aws.String(dgst.String())},
	)

	return &awsecs.RegisterTaskDefinitionInput{
		Family:                  current.Family,
		ContainerDefinitions:    containers,
		Cpu:                     aws.String(strconv.Itoa(t.def.CPUUnits)),
		Memory:                  aws.String(strconv.Itoa(t.def.MemoryMiB)),
		NetworkMode:             current.NetworkMode,
		RequiresCompatibilities: current.RequiresCompatibilities,
		ExecutionRoleArn:        current.ExecutionRoleArn,
		TaskRoleArn:             current.TaskRoleArn,
		Volumes:                 current.Volumes,
		Tags:                    tags,
	}, nil
}

// environment replaces the variables given, keeping any others the
// container already had.
func environment(existing []*awsecs.KeyValuePair, vars map[string]string) []*awsecs.KeyValuePair {
	var env []*awsecs.KeyValuePair
	for _, kv := range existing {
		if _, ok := vars[aws.StringValue(kv.Name)]; !ok {
			env = append(env, kv)
		}
	}
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, &awsecs.KeyValuePair{Name: aws.String(k), Value: aws.String(vars[k])})
	}
	return env
}

func (t *Target) capacityProviderStrategy() []*awsecs.CapacityProviderStrategyItem {
	var strategy []*awsecs.CapacityProviderStrategyItem
	for _, cp := range t.def.CapacityProviders {
		strategy = append(strategy, &awsecs.CapacityProviderStrategyItem{
			CapacityProvider: aws.String(cp.Name),
			Weight:           aws.Int64(int64(cp.Weight)),
			Base:             aws.Int64(int64(cp.Base)),
		})
	}
	return strategy
}

func (t *Target) Deploy(ctx context.Context, ref image.Ref, timeout time.Duration) (err error) {
	if ref.Image == "" {
		ref = t.registry.Name().ToRef(ref.Tag)
	}
	t.mu.Lock()
	if t.deploying != nil {
		t.mu.Unlock()
		return target.DeployInProgress(ref)
	}
	t.deploying = &ref
	t.mu.Unlock()

	started := time.Now()
	defer func() {
		t.mu.Lock()
		t.deploying = nil
		t.lastErr = err
		t.mu.Unlock()
		target.ObserveDeploy(started, err)
	}()

	img, dgst, err := t.artifact(ctx, ref)
	if err != nil {
		return err
	}

	svc, err := t.describeService(ctx)
	if err != nil {
		return err
	}
	previous := aws.StringValue(svc.TaskDefinition)
	current, err := t.ecs.DescribeTaskDefinitionWithContext(ctx, &awsecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(previous),
		Include:        []*string{aws.String(awsecs.TaskDefinitionFieldTags)},
	})
	if err != nil {
		return errors.Wrapf(err, "describing task definition %s", previous)
	}
	input, err := t.taskDefinitionFor(current.TaskDefinition, current.Tags, ref, dgst, img)
	if err != nil {
		return err
	}
	registered, err := t.ecs.RegisterTaskDefinitionWithContext(ctx, input)
	if err != nil {
		return errors.Wrap(err, "registering task definition")
	}
	next := aws.StringValue(registered.TaskDefinition.TaskDefinitionArn)
	t.logger.Info("Registered task definition",
		zap.String("ref", ref.String()),
		zap.String("image", img),
		zap.String("taskDefinition", next),
	)

	deadline, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if _, err := t.ecs.UpdateServiceWithContext(deadline, &awsecs.UpdateServiceInput{
		Cluster:                  aws.String(t.cluster),
		Service:                  aws.String(t.service),
		TaskDefinition:           aws.String(next),
		CapacityProviderStrategy: t.capacityProviderStrategy(),
	}); err != nil {
		return errors.Wrapf(err, "updating service to %s", next)
	}

	if err := t.waitStable(deadline, next); err != nil {
		if deadline.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			err = errors.Wrapf(target.ErrDeployTimeout, "deploying %s (timeout %s, last error: %v)", ref, timeout, err)
		} else {
			err = errors.Wrapf(err, "deploying %s", ref)
		}
		t.logger.Error("Deployment failed; reverting", zap.String("ref", ref.String()), zap.Error(err))
		t.revert(previous)
		return err
	}
	t.logger.Info("Deployment complete", zap.String("ref", ref.String()), zap.Duration("took", time.Since(started)))
	return nil
}

// stable says whether the service has finished moving to the task
// definition: a single deployment of it, at full strength.
func stable(svc *awsecs.Service, taskDefinition string) (bool, error) {
	if len(svc.Deployments) != 1 {
		for _, d := range svc.Deployments {
			if aws.StringValue(d.Status) == deploymentPrimary && aws.StringValue(d.RolloutState) == rolloutFailed {
				return false, fmt.Errorf("rollout failed: %s", aws.StringValue(d.RolloutStateReason))
			}
		}
		return false, nil
	}
	d := svc.Deployments[0]
	if aws.StringValue(d.TaskDefinition) != taskDefinition {
		return false, nil
	}
	return aws.Int64Value(d.RunningCount) == aws.Int64Value(d.DesiredCount), nil
}

func (t *Target) waitStable(ctx context.Context, taskDefinition string) error {
	ticker := time.NewTicker(t.pollInterval)
	defer ticker.Stop()
	var lastErr error
	for {
		svc, err := t.describeService(ctx)
		if err != nil {
			lastErr = err
		} else {
			done, err := stable(svc, taskDefinition)
			if err != nil {
				return err
			}
			if done {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			if lastErr == nil {
				lastErr = ctx.Err()
			}
			return lastErr
		case <-ticker.C:
		}
	}
}

// revert points the service back at the task definition it was
// running before a failed deploy.
func (t *Target) revert(taskDefinition string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if _, err := t.ecs.UpdateServiceWithContext(ctx, &awsecs.UpdateServiceInput{
		Cluster:        aws.String(t.cluster),
		Service:        aws.String(t.service),
		TaskDefinition: aws.String(taskDefinition),
	}); err != nil {
		t.logger.Error("Failed to revert service", zap.String("taskDefinition", taskDefinition), zap.Error(err))
		return
	}
	t.logger.Info("Reverted service", zap.String("taskDefinition", taskDefinition))
}

// deployedRef reads the ref a task definition was registered for.
func (t *Target) deployedRef(ctx context.Context, taskDefinition string) (image.Ref, digest.Digest, error) {
	out, err := t.ecs.DescribeTaskDefinitionWithContext(ctx, &awsecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(taskDefinition),
		Include:        []*string{aws.String(awsecs.TaskDefinitionFieldTags)},
	})
	if err != nil {
		return image.Ref{}, "", errors.Wrapf(err, "describing task definition %s", taskDefinition)
	}
	var ref image.Ref
	var dgst digest.Digest
	for _, tag := range out.Tags {
		switch aws.StringValue(tag.Key) {
		case tagRef:
			if ref, err = image.ParseRef(aws.StringValue(tag.Value)); err != nil {
				return image.Ref{}, "", errors.Wrapf(err, "task definition %s", taskDefinition)
			}
		case tagDigest:
			dgst = digest.Digest(aws.StringValue(tag.Value))
		}
	}
	return ref, dgst, nil
}

func (t *Target) Status(ctx context.Context) (target.Status, error) {
	svc, err := t.describeService(ctx)
	if err != nil {
		return target.Status{}, err
	}
	st := target.Status{
		Desired: int(aws.Int64Value(svc.DesiredCount)),
		Min:     t.def.MinReplicas,
		Max:     t.def.MaxReplicas,
	}

	var primary *awsecs.Deployment
	for _, d := range svc.Deployments {
		if aws.StringValue(d.Status) == deploymentPrimary {
			primary = d
			st.Rollout.Updated = int(aws.Int64Value(d.RunningCount) + aws.Int64Value(d.PendingCount))
			st.Rollout.Ready = int(aws.Int64Value(d.RunningCount))
		} else {
			st.Rollout.Outdated += int(aws.Int64Value(d.RunningCount))
		}
	}
	st.Rollout.Desired = st.Desired
	for i, e := range svc.Events {
		if i == 3 {
			break
		}
		st.Rollout.Messages = append(st.Rollout.Messages, aws.StringValue(e.Message))
	}

	// The service's task definition only changes once a deploy has
	// started; until it's stable, what's serving is the one before.
	t.mu.Lock()
	deploying, lastErr := t.deploying, t.lastErr
	t.mu.Unlock()
	current := aws.StringValue(svc.TaskDefinition)
	if len(svc.Deployments) > 1 {
		for _, d := range svc.Deployments {
			if d != primary && aws.Int64Value(d.RunningCount) > 0 {
				current = aws.StringValue(d.TaskDefinition)
			}
		}
	}
	if current != "" {
		st.Current, st.Digest, err = t.deployedRef(ctx, current)
		if err != nil {
			return st, err
		}
	}
	if deploying != nil {
		st.Deploying = *deploying
	}

	switch {
	case deploying != nil || len(svc.Deployments) > 1:
		st.Status = target.StatusUpdating
	case st.Current.Image == "":
		st.Status = target.StatusEmpty
	case aws.Int64Value(svc.RunningCount) != aws.Int64Value(svc.DesiredCount):
		st.Status = target.StatusScaling
	case lastErr != nil:
		st.Status = target.StatusError
		st.Rollout.Messages = append(st.Rollout.Messages, lastErr.Error())
	default:
		st.Status = target.StatusReady
	}
	return st, nil
}

// Scale sets the service's desired count; ECS starts or stops tasks,
// and a rollout in progress takes the new count into account.
func (t *Target) Scale(ctx context.Context, n int) (int, error) {
	n = t.def.Clamp(n)
	if _, err := t.ecs.UpdateServiceWithContext(ctx, &awsecs.UpdateServiceInput{
		Cluster:      aws.String(t.cluster),
		Service:      aws.String(t.service),
		DesiredCount: aws.Int64(int64(n)),
	}); err != nil {
		return n, errors.Wrapf(err, "scaling service to %d", n)
	}
	t.logger.Info("Scaled service", zap.Int("desired", n))
	return n, nil
}

var metricNames = map[target.Metric]string{
	target.MetricCPU:    "CPUUtilization",
	target.MetricMemory: "MemoryUtilization",
}

// Utilization is the most recent one-minute average of the service
// metric reported to CloudWatch.
func (t *Target) Utilization(ctx context.Context, m target.Metric) (float64, error) {
	name, ok := metricNames[m]
	if !ok {
		return 0, fmt.Errorf("unknown metric %q", m)
	}
	end := time.Now()
	out, err := t.metrics.GetMetricStatisticsWithContext(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/ECS"),
		MetricName: aws.String(name),
		Dimensions: []*cloudwatch.Dimension{
			{Name: aws.String("ClusterName"), Value: aws.String(t.cluster)},
			{Name: aws.String("ServiceName"), Value: aws.String(t.service)},
		},
		StartTime:  aws.Time(end.Add(-5 * time.Minute)),
		EndTime:    aws.Time(end),
		Period:     aws.Int64(60),
		Statistics: []*string{aws.String(cloudwatch.StatisticAverage)},
	})
	if err != nil {
		return 0, errors.Wrapf(err, "getting %s for service %s", name, t.service)
	}
	var latest *cloudwatch.Datapoint
	for _, p := range out.Datapoints {
		if p.Average == nil || p.Timestamp == nil {
			continue
		}
		if latest == nil || p.Timestamp.After(*latest.Timestamp) {
			latest = p
		}
	}
	if latest == nil {
		return 0, target.ErrNoInstances
	}
	return *latest.Average, nil
}

func (t *Target) resourceID() string {
	return fmt.Sprintf("service/%s/%s", t.cluster, t.service)
}

var predefinedMetrics = map[target.Metric]string{
	target.MetricCPU:    "ECSServiceAverageCPUUtilization",
	target.MetricMemory: "ECSServiceAverageMemoryUtilization",
}

// ApplyScaling hands the scaling policies to Application Auto Scaling,
// so ECS scales the service itself, within the definition's bounds.
func (t *Target) ApplyScaling(ctx context.Context, policies []autoscale.Policy) error {
	if err := autoscale.ValidatePolicies(policies); err != nil {
		return err
	}
	if _, err := t.scaling.RegisterScalableTargetWithContext(ctx, &applicationautoscaling.RegisterScalableTargetInput{
		ServiceNamespace:  aws.String(serviceNamespace),
		ResourceId:        aws.String(t.resourceID()),
		ScalableDimension: aws.String(scalableDimension),
		MinCapacity:       aws.Int64(int64(t.def.MinReplicas)),
		MaxCapacity:       aws.Int64(int64(t.def.MaxReplicas)),
	}); err != nil {
		return errors.Wrap(err, "registering scalable target")
	}
	for _, p := range policies {
		if _, err := t.scaling.PutScalingPolicyWithContext(ctx, &applicationautoscaling.PutScalingPolicyInput{
			PolicyName:        aws.String(p.Name),
			PolicyType:        aws.String("TargetTrackingScaling"),
			ServiceNamespace:  aws.String(serviceNamespace),
			ResourceId:        aws.String(t.resourceID()),
			ScalableDimension: aws.String(scalableDimension),
			TargetTrackingScalingPolicyConfiguration: &applicationautoscaling.TargetTrackingScalingPolicyConfiguration{
				TargetValue: aws.Float64(p.TargetPercent),
				PredefinedMetricSpecification: &applicationautoscaling.PredefinedMetricSpecification{
					PredefinedMetricType: aws.String(predefinedMetrics[p.Metric]),
				},
				ScaleOutCooldown: aws.Int64(int64(p.ScaleOutCooldown.Seconds())),
				ScaleInCooldown:  aws.Int64(int64(p.ScaleInCooldown.Seconds())),
			},
		}); err != nil {
			return errors.Wrapf(err, "putting scaling policy %s", p.Name)
		}
		t.logger.Info("Applied scaling policy",
			zap.String("policy", p.Name),
			zap.String("metric", string(p.Metric)),
			zap.Float64("target", p.TargetPercent),
		)
	}
	return nil
}
