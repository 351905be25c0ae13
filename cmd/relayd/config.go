package main

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/fluxcd/relay/pkg/autoscale"
	"github.com/fluxcd/relay/pkg/build"
	"github.com/fluxcd/relay/pkg/config"
	"github.com/fluxcd/relay/pkg/pipeline"
	"github.com/fluxcd/relay/pkg/target"
)

// defineConfigFlags defines the flags that can also be set in
// a config file. These need special treatment, because some care must
// be taken to match them ("bind") with config file field names.
func defineConfigFlags(fs *pflag.FlagSet, v *viper.Viper, bail func(error)) {

	bind := func(fieldName, flagName string) error {
		configStruct := reflect.TypeOf(config.Config{})
		field, ok := configStruct.FieldByName(fieldName)
		if !ok {
			return fmt.Errorf("attempt to bind a flag to a field not present in config.Config, %q", fieldName)
		}
		tag := field.Tag
		// this parallels the logic in
		// github.com/mitchellh/mapstructure, except that we want to
		// bail if a field is mentioned that is marked ignore, like
		// this: `mapstructure:"-"`
		mappedName := field.Name
		mapstructureTagParts := strings.Split(tag.Get("mapstructure"), ",")
		if namePart := mapstructureTagParts[0]; namePart != "" {
			if namePart == "-" { // means ignore this field
				return fmt.Errorf(`attempt to bind a flag to a config field tagged as ignored, %q`, field.Name)
			}
			mappedName = namePart
		}
		return v.BindPFlag(mappedName, fs.Lookup(flagName))
	}

	bindOrBail := func(fieldName, flagName string) {
		if err := bind(fieldName, flagName); err != nil {
			bail(err)
		}
	}

	defineString := func(fieldName, flagName, def, desc string) {
		fs.String(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineStringP := func(fieldName, flagName, short, def, desc string) {
		fs.StringP(flagName, short, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineBool := func(fieldName, flagName string, def bool, desc string) {
		fs.Bool(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineDuration := func(fieldName, flagName string, def time.Duration, desc string) {
		fs.Duration(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineInt := func(fieldName, flagName string, def int, desc string) {
		fs.Int(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defineFloat64 := func(fieldName, flagName string, def float64, desc string) {
		fs.Float64(flagName, def, desc)
		bindOrBail(fieldName, flagName)
	}

	defaultPolicies := autoscale.DefaultPolicies()

	defineString("LogFormat", "log-format", config.LogFormatFmt, "change the log format.")
	defineStringP("Listen", "listen", "l", ":3030", "listen address where /metrics and API will be served")
	defineString("ListenMetrics", "listen-metrics", "", "listen address for /metrics endpoint")

	// source and trigger
	defineString("PipelineName", "pipeline-name", pipeline.DefaultName, "name of the pipeline, as shown in run history and metrics")
	defineString("GitURL", "git-url", "", "URL of the git repo to build from; e.g., git@github.com:fluxcd/relay-demo")
	defineString("GitBranch", "git-branch", "main", "branch whose pushes trigger a pipeline run")
	defineString("GitRepository", "git-repository", "", "repository name push events must carry to trigger a run; defaults to the CodeCommit repository")
	defineString("GitOwner", "git-owner", "", "if set, owner push events must carry to trigger a run")
	defineDuration("GitTimeout", "git-timeout", 2*time.Minute, "duration after which fetching the source times out")
	defineString("CodeCommitRepo", "codecommit-repository", "", "fetch source from this CodeCommit repository, rather than --git-url")
	defineString("RunHistoryPath", "run-history-path", "relay.db", "path of the sqlite database keeping pipeline run history")
	defineInt("RunHistoryLimit", "run-history-limit", 100, "number of pipeline runs to keep in the history; zero keeps them all")

	// build
	defineString("BuildSpec", "build-spec", "", fmt.Sprintf("buildspec file, relative to the root of the source; if empty, the first of %v present", build.SpecFiles))
	defineDuration("BuildTimeout", "build-timeout", 30*time.Minute, "duration after which a build times out")
	defineString("BuildComputeType", "build-compute-type", string(build.ComputeMedium), "size of machine a build gets (one of {SMALL,MEDIUM,LARGE})")
	defineBool("BuildPrivileged", "build-privileged", true, "run builds in privileged mode, as needed to build container images")
	defineString("BuildTag", "build-tag", build.DefaultTag, "tag each build pushes its artifact as")
	defineString("CodeBuildProject", "codebuild-project", "", "build in this CodeBuild project, rather than running the buildspec locally")
	defineString("AWSAccountID", "aws-account-id", "", "AWS account holding the registry, passed to builds as ACCOUNT_ID")
	defineString("AWSRegion", "aws-region", "", "AWS region for ECR, ECS, CodeBuild and CodeCommit")

	// registry
	defineString("RegistryBackend", "registry-backend", config.RegistryMemory, fmt.Sprintf("where artifacts are kept (one of {%s})", strings.Join([]string{config.RegistryMemory, config.RegistryMemcached, config.RegistryRedis, config.RegistryECR}, ",")))
	defineString("RepositoryName", "repository-name", "aws-fcj-repo", "name of the artifact repository")
	defineFloat64("RegistryRPS", "registry-rps", 50, "maximum registry requests per second per host")
	defineInt("RegistryBurst", "registry-burst", 10, "maximum burst of registry requests per host")
	defineString("MemcachedHostname", "memcached-hostname", "memcached", "hostname for memcached service.")
	defineInt("MemcachedPort", "memcached-port", 11211, "memcached service port.")
	defineDuration("MemcachedTimeout", "memcached-timeout", time.Second, "maximum time to wait before giving up on memcached requests.")
	defineString("MemcachedService", "memcached-service", "", "SRV service used to discover memcached servers under memcached-hostname; if empty, memcached-hostname and memcached-port name a single server.")
	defineString("RedisHostname", "redis-hostname", "redis", "hostname for redis service.")
	defineInt("RedisPort", "redis-port", 6379, "redis service port.")
	defineDuration("RedisTimeout", "redis-timeout", time.Second, "maximum time to wait before giving up on redis requests.")

	// deployment target
	defineString("TargetBackend", "target-backend", config.TargetMock, fmt.Sprintf("where the service is deployed (one of {%s})", strings.Join([]string{config.TargetDocker, config.TargetECS, config.TargetMock}, ",")))
	defineString("ServiceDefinition", "service-definition", "", "path to a service definition file; the defaults are used for anything it leaves out")
	defineDuration("DeployTimeout", "deploy-timeout", pipeline.DefaultDeployTimeout, "duration after which a deploy is abandoned, leaving the previous version running")
	defineString("DeploymentMode", "deployment-mode", string(config.ModeDeploy), "deployment mode passed to the service as FHR_ENV")
	defineString("ECSCluster", "ecs-cluster", "", "ECS cluster running the service")
	defineString("ECSService", "ecs-service", "", "ECS service to deploy to")
	defineDuration("ECSPollInterval", "ecs-poll-interval", 15*time.Second, "period at which to check on an ECS deployment")
	defineString("DockerNetwork", "docker-network", "", "docker network to attach instances to")

	// autoscaling
	defineDuration("AutoscaleInterval", "autoscale-interval", time.Minute, "period at which to evaluate the scaling policies")
	defineFloat64("AutoscaleCPU", "autoscale-cpu-target", defaultPolicies[0].TargetPercent, "target average CPU utilization, in percent; zero disables the CPU policy")
	defineFloat64("AutoscaleMemory", "autoscale-memory-target", defaultPolicies[1].TargetPercent, "target average memory utilization, in percent; zero disables the memory policy")
	defineDuration("AutoscaleCooldown", "autoscale-cooldown", defaultPolicies[0].ScaleOutCooldown, "minimum time after scaling out before scaling out again")
	defineDuration("AutoscaleScaleIn", "autoscale-scale-in-cooldown", defaultPolicies[0].ScaleInCooldown, "minimum time after scaling before scaling in")
	defineBool("AutoscaleDisabled", "autoscale-disabled", false, "do not scale automatically")

	defineInt("JobStatusCacheSize", "job-status-cache-size", 100, "number of job statuses to remember")
}

// loadConfig reads the config file, if there is one, and overlays
// the flags given.
func loadConfig(v *viper.Viper, configFile string) (config.Config, error) {
	var cfg config.Config
	fromFile := false
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName(strings.TrimSuffix(config.ConfigName, "."+config.ConfigType))
		v.SetConfigType(config.ConfigType)
		v.AddConfigPath(config.ConfigPath)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return cfg, errors.Wrap(err, "reading config file")
		}
	} else {
		fromFile = true
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decoding config")
	}
	if fromFile {
		if err := cfg.IsValid(); err != nil {
			return cfg, err
		}
	}
	return cfg, cfg.Validate()
}

// policies builds the scaling policies from the config: one each for
// CPU and memory, unless its target is zero.
func policies(cfg config.Config) []autoscale.Policy {
	var ps []autoscale.Policy
	for _, p := range autoscale.DefaultPolicies() {
		switch p.Metric {
		case target.MetricCPU:
			p.TargetPercent = cfg.AutoscaleCPU
		case target.MetricMemory:
			p.TargetPercent = cfg.AutoscaleMemory
		}
		if p.TargetPercent == 0 {
			continue
		}
		p.ScaleOutCooldown = cfg.AutoscaleCooldown
		p.ScaleInCooldown = cfg.AutoscaleScaleIn
		ps = append(ps, p)
	}
	return ps
}
