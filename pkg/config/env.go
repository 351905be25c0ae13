package config

import (
	"fmt"
	"sort"
	"strings"
)

// DeploymentMode tells a running service which kind of environment it
// has been deployed into.
type DeploymentMode string

const (
	ModeDeploy      DeploymentMode = "DEPLOY"
	ModeDevelopment DeploymentMode = "DEVELOPMENT"
	ModeTest        DeploymentMode = "TEST"
)

func ParseDeploymentMode(s string) (DeploymentMode, error) {
	switch m := DeploymentMode(strings.ToUpper(s)); m {
	case ModeDeploy, ModeDevelopment, ModeTest:
		return m, nil
	case "":
		return ModeDeploy, nil
	default:
		return "", fmt.Errorf("unknown deployment mode %q; expected one of {%s,%s,%s}", s, ModeDeploy, ModeDevelopment, ModeTest)
	}
}

// The environment variable names the running service sees.
const (
	EnvDeploymentMode = "FHR_ENV"
)

// RuntimeEnv is the configuration passed into each running instance of
// the service. It has a fixed set of keys; there is deliberately no
// way to add arbitrary variables.
type RuntimeEnv struct {
	DeploymentMode DeploymentMode `json:"deploymentMode,omitempty"`
}

// Environ renders the environment as KEY=value pairs, sorted by key.
func (e RuntimeEnv) Environ() []string {
	vars := e.Map()
	keys := make([]string, 0, len(vars))
	for k := range vars {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	env := make([]string, 0, len(keys))
	for _, k := range keys {
		env = append(env, k+"="+vars[k])
	}
	return env
}

// Map gives the environment as a map, omitting unset values.
func (e RuntimeEnv) Map() map[string]string {
	vars := map[string]string{}
	if e.DeploymentMode != "" {
		vars[EnvDeploymentMode] = string(e.DeploymentMode)
	}
	return vars
}

func (e RuntimeEnv) Validate() error {
	if e.DeploymentMode == "" {
		return nil
	}
	_, err := ParseDeploymentMode(string(e.DeploymentMode))
	return err
}
