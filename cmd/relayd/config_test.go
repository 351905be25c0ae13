package main

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fluxcd/relay/pkg/build"
	"github.com/fluxcd/relay/pkg/config"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
)

func flags(t *testing.T) (*pflag.FlagSet, *viper.Viper) {
	fs := pflag.NewFlagSet("testflags", pflag.ContinueOnError)
	v := viper.New()
	defineConfigFlags(fs, v, func(err error) {
		t.Error(err)
	})
	return fs, v
}

func TestDefineEverything(t *testing.T) {
	flags(t)
}

func TestLoadConfig_Defaults(t *testing.T) {
	fs, v := flags(t)
	require.NoError(t, fs.Parse(nil))

	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	assert.Equal(t, config.RegistryMemory, cfg.RegistryBackend)
	assert.Equal(t, config.TargetMock, cfg.TargetBackend)
	assert.Equal(t, 10*time.Minute, cfg.DeployTimeout)
	assert.Equal(t, "latest", cfg.BuildTag)
	assert.Equal(t, "aws-fcj-repo", cfg.RepositoryName)
	assert.Equal(t, 50.0, cfg.AutoscaleCPU)
}

func TestLoadConfig_MemcachedService(t *testing.T) {
	fs, v := flags(t)
	require.NoError(t, fs.Parse([]string{"--registry-backend", "memcached", "--memcached-hostname", "memcached.relay", "--memcached-service", "memcache"}))
	cfg, err := loadConfig(v, "")
	require.NoError(t, err)
	assert.Equal(t, config.RegistryMemcached, cfg.RegistryBackend)
	assert.Equal(t, "memcached.relay", cfg.MemcachedHostname)
	assert.Equal(t, "memcache", cfg.MemcachedService)

	fs, v = flags(t)
	require.NoError(t, fs.Parse(nil))
	cfg, err = loadConfig(v, "")
	require.NoError(t, err)
	assert.Empty(t, cfg.MemcachedService)
}

func TestLoadConfig_FileAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay-config.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte(`relayConfigVersion: v1
deployTimeout: 5m
registryBackend: redis
gitBranch: release
`), 0600))

	fs, v := flags(t)
	require.NoError(t, fs.Parse([]string{"--git-branch", "hotfix"}))
	cfg, err := loadConfig(v, path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, cfg.DeployTimeout)
	assert.Equal(t, config.RegistryRedis, cfg.RegistryBackend)
	// flags given override the file
	assert.Equal(t, "hotfix", cfg.GitBranch)
}

func TestLoadConfig_Rejected(t *testing.T) {
	dir := t.TempDir()

	unversioned := filepath.Join(dir, "unversioned.yaml")
	require.NoError(t, ioutil.WriteFile(unversioned, []byte("deployTimeout: 5m\n"), 0600))
	fs, v := flags(t)
	require.NoError(t, fs.Parse(nil))
	_, err := loadConfig(v, unversioned)
	assert.Error(t, err)

	fs, v = flags(t)
	require.NoError(t, fs.Parse([]string{"--target-backend", "k8s"}))
	_, err = loadConfig(v, "")
	assert.Error(t, err)

	fs, v = flags(t)
	require.NoError(t, fs.Parse(nil))
	_, err = loadConfig(v, filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestPolicies(t *testing.T) {
	cfg := config.Config{AutoscaleCPU: 60, AutoscaleMemory: 0, AutoscaleCooldown: time.Minute, AutoscaleScaleIn: 5 * time.Minute}
	ps := policies(cfg)
	require.Len(t, ps, 1)
	assert.Equal(t, target.MetricCPU, ps[0].Metric)
	assert.Equal(t, 60.0, ps[0].TargetPercent)
	assert.Equal(t, 5*time.Minute, ps[0].ScaleInCooldown)

	cfg.AutoscaleMemory = 70
	assert.Len(t, policies(cfg), 2)
}

func TestComponents_Mock(t *testing.T) {
	fs, v := flags(t)
	require.NoError(t, fs.Parse([]string{"--git-url", "https://github.com/fluxcd/relay-demo.git"}))
	cfg, err := loadConfig(v, "")
	require.NoError(t, err)

	var cs closers
	defer func() { assert.NoError(t, cs.Close()) }()
	logger := log.NewNopLogger()

	reg, err := newRegistry(cfg, &cs, logger, zap.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "aws-fcj-repo", reg.Name().Image)

	def, err := loadDefinition(cfg)
	require.NoError(t, err)
	assert.Equal(t, config.ModeDeploy, def.Environment.DeploymentMode)

	deploy, err := newTarget(cfg, def, reg, &cs, logger, zap.NewNop())
	require.NoError(t, err)
	assert.NotNil(t, deploy.balancer)
	assert.Nil(t, deploy.ecs)
	status, err := deploy.target.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, target.StatusEmpty, status.Status)

	fetcher, trigger, err := newFetcher(cfg, logger)
	require.NoError(t, err)
	assert.IsType(t, &source.Git{}, fetcher)
	assert.Equal(t, source.Trigger{Repository: "relay-demo", Branch: "main"}, trigger)

	builder, err := newBuilder(cfg, reg, logger, zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &build.Script{}, builder)
	assert.NoError(t, buildEnv(cfg, reg).Validate())
}

func TestNewFetcher_NeedsSource(t *testing.T) {
	_, _, err := newFetcher(config.Config{GitBranch: "main"}, log.NewNopLogger())
	assert.Error(t, err)
}
