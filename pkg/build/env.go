package build

import (
	"fmt"
	"sort"
	"strings"
)

// Env is what a build is told about where its output goes. It has a
// fixed set of keys.
type Env struct {
	AccountID string `mapstructure:"ACCOUNT_ID"`
	Region    string `mapstructure:"REGION"`
	RepoName  string `mapstructure:"REPO_NAME"`
	Tag       string `mapstructure:"TAG"`
}

const DefaultTag = "latest"

const (
	EnvAccountID = "ACCOUNT_ID"
	EnvRegion    = "REGION"
	EnvRepoName  = "REPO_NAME"
	EnvTag       = "TAG"
)

var reservedEnv = map[string]struct{}{
	EnvAccountID: {},
	EnvRegion:    {},
	EnvRepoName:  {},
	EnvTag:       {},
}

func (e Env) Map() map[string]string {
	return map[string]string{
		EnvAccountID: e.AccountID,
		EnvRegion:    e.Region,
		EnvRepoName:  e.RepoName,
		EnvTag:       e.Tag,
	}
}

// Environ renders the env as KEY=value pairs, sorted by key.
func (e Env) Environ() []string {
	vars := e.Map()
	env := make([]string, 0, len(vars))
	for k, v := range vars {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func (e Env) Validate() error {
	var missing []string
	if e.RepoName == "" {
		missing = append(missing, EnvRepoName)
	}
	if e.Tag == "" {
		missing = append(missing, EnvTag)
	}
	if len(missing) > 0 {
		return fmt.Errorf("build env is missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// ComputeType is how big a machine a build gets.
type ComputeType string

const (
	ComputeSmall  ComputeType = "SMALL"
	ComputeMedium ComputeType = "MEDIUM"
	ComputeLarge  ComputeType = "LARGE"
)

func ParseComputeType(s string) (ComputeType, error) {
	switch c := ComputeType(strings.ToUpper(s)); c {
	case ComputeSmall, ComputeMedium, ComputeLarge:
		return c, nil
	case "":
		return ComputeMedium, nil
	}
	return "", fmt.Errorf("unknown compute type %q; expected one of {%s,%s,%s}", s, ComputeSmall, ComputeMedium, ComputeLarge)
}

// CodeBuild names the compute type as CodeBuild does.
func (c ComputeType) CodeBuild() string {
	return "BUILD_GENERAL1_" + string(c)
}
