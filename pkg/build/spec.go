package build

import (
	"bytes"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/fluxcd/relay/pkg/image"
)

// SpecFiles are the names looked for, in order, when no buildspec is
// named explicitly.
var SpecFiles = []string{"buildspec.yaml", "buildspec.yml", "build_spec.yaml"}

type Phase struct {
	Commands []string `yaml:"commands"`
}

// Spec is a build procedure: commands to run in phases, and the file
// they leave behind to be pushed as the artifact. The format is a
// subset of a CodeBuild buildspec.
type Spec struct {
	Version string `yaml:"version"`
	Env     struct {
		Variables map[string]string `yaml:"variables,omitempty"`
	} `yaml:"env,omitempty"`
	Phases struct {
		Install   Phase `yaml:"install,omitempty"`
		PreBuild  Phase `yaml:"pre_build,omitempty"`
		Build     Phase `yaml:"build"`
		PostBuild Phase `yaml:"post_build,omitempty"`
	} `yaml:"phases"`
	Artifacts struct {
		Files []string `yaml:"files"`
	} `yaml:"artifacts,omitempty"`
}

// ParseSpec reads a buildspec, refusing any keys it doesn't know.
func ParseSpec(data []byte) (*Spec, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.New("buildspec is empty")
	}
	var spec Spec
	if err := yaml.UnmarshalStrict(data, &spec); err != nil {
		return nil, errors.Wrap(err, "parsing buildspec")
	}
	if spec.Version != "0.2" {
		return nil, fmt.Errorf("buildspec version %q not supported; expected 0.2", spec.Version)
	}
	if len(spec.Phases.Build.Commands) == 0 {
		return nil, errors.New("buildspec has no build commands")
	}
	for k := range spec.Env.Variables {
		if _, ok := reservedEnv[k]; ok {
			return nil, fmt.Errorf("buildspec may not set %s; it is supplied to every build", k)
		}
	}
	switch len(spec.Artifacts.Files) {
	case 0:
		spec.Artifacts.Files = []string{image.DefinitionsFile}
	case 1:
	default:
		return nil, fmt.Errorf("buildspec names %d artifact files; exactly one is pushed", len(spec.Artifacts.Files))
	}
	return &spec, nil
}

// LoadSpec reads the named buildspec from the source directory, or
// the first of SpecFiles present if name is empty.
func LoadSpec(dir, name string) (*Spec, error) {
	candidates := SpecFiles
	if name != "" {
		candidates = []string{name}
	}
	for _, c := range candidates {
		data, err := ioutil.ReadFile(filepath.Join(dir, c))
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", c)
		}
		spec, err := ParseSpec(data)
		return spec, errors.Wrap(err, c)
	}
	return nil, fmt.Errorf("no buildspec found in source; looked for %v", candidates)
}

// phases lists the phases in the order they run.
func (s *Spec) phases() []namedPhase {
	return []namedPhase{
		{PhaseInstall, s.Phases.Install},
		{PhasePreBuild, s.Phases.PreBuild},
		{PhaseBuild, s.Phases.Build},
		{PhasePostBuild, s.Phases.PostBuild},
	}
}

type namedPhase struct {
	name string
	Phase
}

const (
	PhaseInstall   = "INSTALL"
	PhasePreBuild  = "PRE_BUILD"
	PhaseBuild     = "BUILD"
	PhasePostBuild = "POST_BUILD"
)
