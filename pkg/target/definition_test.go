package target

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/relay/pkg/config"
)

func TestDefaultDefinition(t *testing.T) {
	def, err := LoadDefinition("")
	require.NoError(t, err)
	assert.Equal(t, 2, def.DesiredCount)
	assert.Equal(t, 2, def.MinReplicas)
	assert.Equal(t, 4, def.MaxReplicas)
	assert.Equal(t, 2048, def.CPUUnits)
	assert.Equal(t, 4096, def.MemoryMiB)
	assert.Equal(t, 3000, def.ContainerPort)
	assert.Equal(t, 80, def.ListenerPort)
	assert.Equal(t, 10*time.Second, def.HealthCheck.Timeout.Std())
	assert.Equal(t, 120*time.Second, def.StartTimeout.Std())
	assert.Equal(t, 120*time.Second, def.StopTimeout.Std())
	assert.Equal(t, []string{"FHR_ENV=DEPLOY"}, def.Environment.Environ())
	assert.Equal(t, []CapacityProvider{{Name: "FARGATE", Weight: 1}, {Name: "FARGATE_SPOT", Weight: 0}}, def.CapacityProviders)
}

func TestParseDefinition_Overrides(t *testing.T) {
	def, err := ParseDefinition([]byte(`
desiredCount: 3
maxReplicas: 6
healthCheck:
  path: /healthz
  interval: 15s
environment:
  deploymentMode: DEVELOPMENT
`))
	require.NoError(t, err)
	assert.Equal(t, 3, def.DesiredCount)
	assert.Equal(t, 2, def.MinReplicas)
	assert.Equal(t, 6, def.MaxReplicas)
	assert.Equal(t, "/healthz", def.HealthCheck.Path)
	assert.Equal(t, 15*time.Second, def.HealthCheck.Interval.Std())
	// unset fields within a section still get defaults
	assert.Equal(t, 5, def.HealthCheck.HealthyThreshold)
	assert.Equal(t, config.ModeDevelopment, def.Environment.DeploymentMode)
}

func TestParseDefinition_Invalid(t *testing.T) {
	for name, doc := range map[string]string{
		"unknown key":          "replicas: 3",
		"unknown env var":      "environment: {PATH: /bin}",
		"duration not string":  "stopTimeout: 120",
		"bad duration":         "stopTimeout: two minutes",
		"port out of range":    "containerPort: 70000",
		"zero replicas":        "minReplicas: 0",
		"min over max":         "minReplicas: 5",
		"desired out of range": "desiredCount: 9",
		"timeout > interval":   "healthCheck: {interval: 5s}",
		"unknown mode":         "environment: {deploymentMode: PROD}",
		"not an object":        "- a\n- b",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := ParseDefinition([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadDefinition_File(t *testing.T) {
	dir, err := ioutil.TempDir("", "relay-definition")
	require.NoError(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "service.yaml")
	require.NoError(t, ioutil.WriteFile(path, []byte("containerName: chatbot\n"), 0600))

	def, err := LoadDefinition(path)
	require.NoError(t, err)
	assert.Equal(t, "chatbot", def.ContainerName)

	_, err = LoadDefinition(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}

func TestClamp(t *testing.T) {
	def := DefaultDefinition()
	assert.Equal(t, 2, def.Clamp(-5))
	assert.Equal(t, 3, def.Clamp(3))
	assert.Equal(t, 4, def.Clamp(1<<30))
}
