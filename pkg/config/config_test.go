package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func validConfig() Config {
	return Config{
		ConfigVersion:   RelayConfigVersion,
		LogFormat:       LogFormatFmt,
		RegistryBackend: RegistryMemory,
		RepositoryName:  "aws-fcj-repo",
		TargetBackend:   TargetMock,
		DeployTimeout:   10 * time.Minute,
		DeploymentMode:  "DEPLOY",
		AutoscaleCPU:    50,
		AutoscaleMemory: 50,
	}
}

func TestConfigIsValid(t *testing.T) {
	c := validConfig()
	assert.NoError(t, c.IsValid())
	c.ConfigVersion = ""
	assert.Error(t, c.IsValid())
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, validConfig().Validate())

	for name, mutate := range map[string]func(*Config){
		"log format":       func(c *Config) { c.LogFormat = "xml" },
		"registry backend": func(c *Config) { c.RegistryBackend = "s3" },
		"target backend":   func(c *Config) { c.TargetBackend = "k8s" },
		"repository":       func(c *Config) { c.RepositoryName = "" },
		"deploy timeout":   func(c *Config) { c.DeployTimeout = 0 },
		"ecs names":        func(c *Config) { c.TargetBackend = TargetECS },
		"ecr region":       func(c *Config) { c.RegistryBackend = RegistryECR },
		"mode":             func(c *Config) { c.DeploymentMode = "STAGING" },
		"cpu target":       func(c *Config) { c.AutoscaleCPU = 150 },
	} {
		c := validConfig()
		mutate(&c)
		assert.Error(t, c.Validate(), name)
	}
}

func TestRuntimeEnv(t *testing.T) {
	env := RuntimeEnv{DeploymentMode: ModeDeploy}
	assert.NoError(t, env.Validate())
	assert.Equal(t, []string{"FHR_ENV=DEPLOY"}, env.Environ())
	assert.Empty(t, RuntimeEnv{}.Environ())
	assert.Error(t, RuntimeEnv{DeploymentMode: "bogus"}.Validate())

	m, err := ParseDeploymentMode("")
	assert.NoError(t, err)
	assert.Equal(t, ModeDeploy, m)
	m, err = ParseDeploymentMode("test")
	assert.NoError(t, err)
	assert.Equal(t, ModeTest, m)
}
