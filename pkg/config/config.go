// config is the package containing configuration for relayd, shared so
// it can be used by relayd itself as well as relayctl.
package config

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
)

const (
	ConfigPath         = "/etc/relayd/conf"
	ConfigName         = "relay-config.yaml"
	ConfigType         = "yaml"
	RelayConfigVersion = "v1"
)

// Config is every setting relayd recognises. Each field corresponds
// to a flag; the `mapstructure` tag is the key used in a config file.
type Config struct {
	// This is expected to be present in a config file (and will not
	// correspond to a flag). If it is not equal to RelayConfigVersion,
	// the config file is rejected.
	ConfigVersion string `mapstructure:"relayConfigVersion"`

	LogFormat     string `mapstructure:"logFormat"`
	Listen        string `mapstructure:"listen"`
	ListenMetrics string `mapstructure:"listenMetrics"`

	// Source trigger
	PipelineName    string        `mapstructure:"pipelineName"`
	GitURL          string        `mapstructure:"gitUrl"`
	GitBranch       string        `mapstructure:"gitBranch"`
	GitRepository   string        `mapstructure:"gitRepository"`
	GitOwner        string        `mapstructure:"gitOwner"`
	GitTimeout      time.Duration `mapstructure:"gitTimeout"`
	CodeCommitRepo  string        `mapstructure:"codecommitRepository"`
	RunHistoryPath  string        `mapstructure:"runHistoryPath"`
	RunHistoryLimit int           `mapstructure:"runHistoryLimit"`

	// Build
	BuildSpec        string        `mapstructure:"buildSpec"`
	BuildTimeout     time.Duration `mapstructure:"buildTimeout"`
	BuildComputeType string        `mapstructure:"buildComputeType"`
	BuildPrivileged  bool          `mapstructure:"buildPrivileged"`
	BuildTag         string        `mapstructure:"buildTag"`
	CodeBuildProject string        `mapstructure:"codebuildProject"`
	AWSAccountID     string        `mapstructure:"awsAccountId"`
	AWSRegion        string        `mapstructure:"awsRegion"`

	// Registry
	RegistryBackend   string        `mapstructure:"registryBackend"`
	RepositoryName    string        `mapstructure:"repositoryName"`
	RegistryRPS       float64       `mapstructure:"registryRps"`
	RegistryBurst     int           `mapstructure:"registryBurst"`
	MemcachedHostname string        `mapstructure:"memcachedHostname"`
	MemcachedPort     int           `mapstructure:"memcachedPort"`
	MemcachedTimeout  time.Duration `mapstructure:"memcachedTimeout"`
	MemcachedService  string        `mapstructure:"memcachedService"`
	RedisHostname     string        `mapstructure:"redisHostname"`
	RedisPort         int           `mapstructure:"redisPort"`
	RedisTimeout      time.Duration `mapstructure:"redisTimeout"`

	// Deployment target
	TargetBackend      string        `mapstructure:"targetBackend"`
	ServiceDefinition  string        `mapstructure:"serviceDefinition"`
	DeployTimeout      time.Duration `mapstructure:"deployTimeout"`
	DeploymentMode     string        `mapstructure:"deploymentMode"`
	ECSCluster         string        `mapstructure:"ecsCluster"`
	ECSService         string        `mapstructure:"ecsService"`
	ECSPollInterval    time.Duration `mapstructure:"ecsPollInterval"`
	DockerNetwork      string        `mapstructure:"dockerNetwork"`
	AutoscaleInterval  time.Duration `mapstructure:"autoscaleInterval"`
	AutoscaleCPU       float64       `mapstructure:"autoscaleCpuTarget"`
	AutoscaleMemory    float64       `mapstructure:"autoscaleMemoryTarget"`
	AutoscaleCooldown  time.Duration `mapstructure:"autoscaleCooldown"`
	AutoscaleScaleIn   time.Duration `mapstructure:"autoscaleScaleInCooldown"`
	AutoscaleDisabled  bool          `mapstructure:"autoscaleDisabled"`
	JobStatusCacheSize int           `mapstructure:"jobStatusCacheSize"`
}

// Recognised values of the enumerated settings.
const (
	RegistryMemory    = "memory"
	RegistryMemcached = "memcached"
	RegistryRedis     = "redis"
	RegistryECR       = "ecr"

	TargetDocker = "docker"
	TargetECS    = "ecs"
	TargetMock   = "mock"

	LogFormatFmt  = "fmt"
	LogFormatJSON = "json"
)

func (c Config) IsValid() error {
	if c.ConfigVersion != RelayConfigVersion {
		return fmt.Errorf("config file is expected to include `relayConfigVersion: %s` to mark it as a relay config", RelayConfigVersion)
	}
	return nil
}

// Validate checks the settings are consistent with one another,
// independent of where they came from.
func (c Config) Validate() error {
	switch c.LogFormat {
	case LogFormatFmt, LogFormatJSON:
	default:
		return fmt.Errorf("unknown log format %q; expected one of {%s,%s}", c.LogFormat, LogFormatFmt, LogFormatJSON)
	}
	switch c.RegistryBackend {
	case RegistryMemory, RegistryMemcached, RegistryRedis, RegistryECR:
	default:
		return fmt.Errorf("unknown registry backend %q", c.RegistryBackend)
	}
	switch c.TargetBackend {
	case TargetDocker, TargetECS, TargetMock:
	default:
		return fmt.Errorf("unknown deployment target backend %q", c.TargetBackend)
	}
	if c.RepositoryName == "" {
		return errors.New("a repository name is required")
	}
	if c.DeployTimeout <= 0 {
		return errors.New("deploy timeout must be positive")
	}
	if c.TargetBackend == TargetECS && (c.ECSCluster == "" || c.ECSService == "") {
		return errors.New("the ecs target needs both a cluster and a service name")
	}
	if c.RegistryBackend == RegistryECR && c.AWSRegion == "" {
		return errors.New("the ecr registry needs an AWS region")
	}
	if _, err := ParseDeploymentMode(c.DeploymentMode); err != nil {
		return err
	}
	for name, target := range map[string]float64{"cpu": c.AutoscaleCPU, "memory": c.AutoscaleMemory} {
		if target < 0 || target > 100 {
			return fmt.Errorf("autoscale %s target must be a percentage, got %v", name, target)
		}
	}
	return nil
}
