package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-kit/kit/log"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	zaplogfmt "github.com/sykesm/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/fluxcd/relay/pkg/build"
	"github.com/fluxcd/relay/pkg/config"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/registry/cache"
	"github.com/fluxcd/relay/pkg/registry/cache/memcached"
	"github.com/fluxcd/relay/pkg/registry/middleware"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
	"github.com/fluxcd/relay/pkg/target/docker"
	"github.com/fluxcd/relay/pkg/target/ecs"
	"github.com/fluxcd/relay/pkg/target/mock"
)

func init() {
	zap.RegisterEncoder("logfmt", func(config zapcore.EncoderConfig) (zapcore.Encoder, error) {
		return zaplogfmt.NewEncoder(config), nil
	})
}

// newZapLogger makes the logger handed to the AWS and docker
// adapters, in the same format as the rest of the log.
func newZapLogger(format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "logfmt"
	if format == config.LogFormatJSON {
		cfg.Encoding = "json"
	}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// closers collects what needs tidying up at exit.
type closers []func() error

func (cs *closers) add(f func() error) {
	*cs = append(*cs, f)
}

func (cs closers) Close() error {
	var result error
	for i := len(cs) - 1; i >= 0; i-- {
		if err := cs[i](); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

var _ io.Closer = closers(nil)

func newRegistry(cfg config.Config, cs *closers, logger log.Logger, zl *zap.Logger) (registry.Registry, error) {
	name := image.Name{Image: cfg.RepositoryName}
	var reg registry.Registry
	switch cfg.RegistryBackend {
	case config.RegistryMemory:
		reg = registry.NewMemory(name)
	case config.RegistryMemcached:
		mcConfig := memcached.MemcacheConfig{
			Host:           cfg.MemcachedHostname,
			Service:        cfg.MemcachedService,
			Timeout:        cfg.MemcachedTimeout,
			UpdateInterval: time.Minute,
			Logger:         log.With(logger, "component", "memcached"),
		}
		var client *memcached.MemcacheClient
		if cfg.MemcachedService == "" {
			client = memcached.NewFixedServerMemcacheClient(mcConfig, fmt.Sprintf("%s:%d", cfg.MemcachedHostname, cfg.MemcachedPort))
		} else {
			client = memcached.NewMemcacheClient(mcConfig)
		}
		cs.add(func() error { client.Stop(); return nil })
		reg = registry.NewStore(name, client, logger)
	case config.RegistryRedis:
		client := cache.NewRedisClient(cache.RedisConfig{
			Host:    cfg.RedisHostname,
			Port:    cfg.RedisPort,
			Timeout: cfg.RedisTimeout,
			Logger:  log.With(logger, "component", "redis"),
		})
		if err := client.Ping(); err != nil {
			client.Stop()
			return nil, errors.Wrapf(err, "connecting to redis at %s:%d", cfg.RedisHostname, cfg.RedisPort)
		}
		cs.add(func() error { client.Stop(); return nil })
		reg = registry.NewStore(name, client, logger)
	case config.RegistryECR:
		limiters := &middleware.RateLimiters{
			RPS:    cfg.RegistryRPS,
			Burst:  cfg.RegistryBurst,
			Logger: log.With(logger, "component", "ratelimiter"),
		}
		ecr, err := registry.NewECR(registry.ECRConfig{
			AccountID:  cfg.AWSAccountID,
			Region:     cfg.AWSRegion,
			Repository: cfg.RepositoryName,
		}, limiters, zl.With(zap.String("component", "registry")))
		if err != nil {
			return nil, err
		}
		reg = ecr
	default:
		return nil, fmt.Errorf("unknown registry backend %q", cfg.RegistryBackend)
	}
	return registry.NewInstrumentedRegistry(reg), nil
}

func loadDefinition(cfg config.Config) (target.ServiceDefinition, error) {
	def := target.DefaultDefinition()
	if cfg.ServiceDefinition != "" {
		var err error
		if def, err = target.LoadDefinition(cfg.ServiceDefinition); err != nil {
			return def, err
		}
	}
	mode, err := config.ParseDeploymentMode(cfg.DeploymentMode)
	if err != nil {
		return def, err
	}
	def.Environment.DeploymentMode = mode
	return def, def.Validate()
}

// deployment is the target along with what else comes with it.
type deployment struct {
	target target.Target
	// balancer takes the service's traffic, for targets that run the
	// instances themselves.
	balancer *target.Balancer
	// ecs, when deploying to ECS, which does its own autoscaling.
	ecs *ecs.Target
}

func newTarget(cfg config.Config, def target.ServiceDefinition, reg registry.Registry, cs *closers, logger log.Logger, zl *zap.Logger) (deployment, error) {
	var runtime target.Runtime
	switch cfg.TargetBackend {
	case config.TargetECS:
		t, err := ecs.New(ecs.Config{
			Cluster:      cfg.ECSCluster,
			Service:      cfg.ECSService,
			Region:       cfg.AWSRegion,
			PollInterval: cfg.ECSPollInterval,
		}, def, reg, zl.With(zap.String("component", "target")))
		if err != nil {
			return deployment{}, err
		}
		return deployment{target: t, ecs: t}, nil
	case config.TargetDocker:
		rt, err := docker.NewRuntime(docker.Config{
			Fleet:      cfg.PipelineName,
			Network:    cfg.DockerNetwork,
			PullImages: true,
		}, zl.With(zap.String("component", "target")))
		if err != nil {
			return deployment{}, err
		}
		cs.add(rt.Close)
		runtime = rt
	case config.TargetMock:
		runtime = &mock.Runtime{HealthPath: def.HealthCheck.Path}
	default:
		return deployment{}, fmt.Errorf("unknown deployment target backend %q", cfg.TargetBackend)
	}

	balancer := target.NewBalancer(log.With(logger, "component", "balancer"))
	health := &target.HTTPHealthChecker{Path: def.HealthCheck.Path}
	fleet := target.NewFleet(def, reg, runtime, health, balancer, log.With(logger, "component", "target"))
	cs.add(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), def.StopTimeout.Std()+10*time.Second)
		defer cancel()
		return fleet.Teardown(ctx)
	})
	return deployment{target: fleet, balancer: balancer}, nil
}

// newFetcher picks CodeCommit if a repository is named, git
// otherwise, and works out the trigger that goes with it.
func newFetcher(cfg config.Config, logger log.Logger) (source.Fetcher, source.Trigger, error) {
	logger = log.With(logger, "component", "source")
	trigger := source.Trigger{
		Repository: cfg.GitRepository,
		Owner:      cfg.GitOwner,
		Branch:     cfg.GitBranch,
	}
	if cfg.CodeCommitRepo != "" {
		if trigger.Repository == "" {
			trigger.Repository = cfg.CodeCommitRepo
		}
		cc, err := source.NewCodeCommit(cfg.AWSRegion, cfg.CodeCommitRepo, logger)
		if err != nil {
			return nil, trigger, err
		}
		return cc, trigger, nil
	}
	if cfg.GitURL == "" {
		return nil, trigger, errors.New("one of --git-url or --codecommit-repository is required")
	}
	remote := source.Remote{URL: cfg.GitURL}
	if trigger.Repository == "" {
		trigger.Repository = remote.RepositoryName()
	}
	return &source.Git{Remote: remote, Timeout: cfg.GitTimeout, Logger: logger}, trigger, nil
}

func newBuilder(cfg config.Config, reg registry.Registry, logger log.Logger, zl *zap.Logger) (build.Builder, error) {
	compute, err := build.ParseComputeType(cfg.BuildComputeType)
	if err != nil {
		return nil, err
	}
	if cfg.CodeBuildProject != "" {
		return build.NewCodeBuild(build.CodeBuildConfig{
			Project:     cfg.CodeBuildProject,
			Region:      cfg.AWSRegion,
			ComputeType: compute,
			Privileged:  cfg.BuildPrivileged,
		}, reg, zl.With(zap.String("component", "build")))
	}
	return &build.Script{
		Registry: reg,
		SpecFile: cfg.BuildSpec,
		Timeout:  cfg.BuildTimeout,
		Logger:   log.With(logger, "component", "build"),
	}, nil
}

func buildEnv(cfg config.Config, reg registry.Registry) build.Env {
	return build.Env{
		AccountID: cfg.AWSAccountID,
		Region:    cfg.AWSRegion,
		RepoName:  reg.Name().Image,
		Tag:       cfg.BuildTag,
	}
}
