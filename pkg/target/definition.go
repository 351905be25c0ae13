package target

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"strings"
	"time"

	"github.com/ghodss/yaml"
	"github.com/imdario/mergo"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"

	"github.com/fluxcd/relay/pkg/config"
)

// Duration is a time.Duration written as a string (e.g., "10s") in
// service definition files.
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

type HealthCheck struct {
	Path             string   `json:"path,omitempty"`
	Interval         Duration `json:"interval,omitempty"`
	Timeout          Duration `json:"timeout,omitempty"`
	HealthyThreshold int      `json:"healthyThreshold,omitempty"`
}

// CapacityProvider says how to spread instances over kinds of
// capacity; with a single kind of capacity it's informational only.
type CapacityProvider struct {
	Name   string `json:"name"`
	Weight int    `json:"weight"`
	Base   int    `json:"base,omitempty"`
}

// ServiceDefinition is how the service should run: its sizing, its
// network surface, and the bounds within which it may be scaled.
type ServiceDefinition struct {
	DesiredCount int `json:"desiredCount,omitempty"`
	MinReplicas  int `json:"minReplicas,omitempty"`
	MaxReplicas  int `json:"maxReplicas,omitempty"`

	// CPUUnits is in 1/1024ths of a vCPU.
	CPUUnits  int `json:"cpu,omitempty"`
	MemoryMiB int `json:"memory,omitempty"`

	ContainerName string `json:"containerName,omitempty"`
	ContainerPort int    `json:"containerPort,omitempty"`
	ListenerPort  int    `json:"listenerPort,omitempty"`

	HealthCheck         HealthCheck `json:"healthCheck,omitempty"`
	StartTimeout        Duration    `json:"startTimeout,omitempty"`
	StopTimeout         Duration    `json:"stopTimeout,omitempty"`
	DeregistrationDelay Duration    `json:"deregistrationDelay,omitempty"`

	Environment       config.RuntimeEnv  `json:"environment,omitempty"`
	CapacityProviders []CapacityProvider `json:"capacityProviders,omitempty"`
}

// DefaultDefinition is used for anything a definition file leaves out.
func DefaultDefinition() ServiceDefinition {
	return ServiceDefinition{
		DesiredCount:  2,
		MinReplicas:   2,
		MaxReplicas:   4,
		CPUUnits:      2048,
		MemoryMiB:     4096,
		ContainerName: "aws-fcj-repo",
		ContainerPort: 3000,
		ListenerPort:  80,
		HealthCheck: HealthCheck{
			Path:             "/",
			Interval:         Duration(30 * time.Second),
			Timeout:          Duration(10 * time.Second),
			HealthyThreshold: 5,
		},
		StartTimeout:        Duration(120 * time.Second),
		StopTimeout:         Duration(120 * time.Second),
		DeregistrationDelay: Duration(300 * time.Second),
		Environment: config.RuntimeEnv{
			DeploymentMode: config.ModeDeploy,
		},
		CapacityProviders: []CapacityProvider{
			{Name: "FARGATE", Weight: 1},
			{Name: "FARGATE_SPOT", Weight: 0},
		},
	}
}

// Clamp brings a replica count within the definition's bounds.
func (d ServiceDefinition) Clamp(n int) int {
	if n < d.MinReplicas {
		return d.MinReplicas
	}
	if n > d.MaxReplicas {
		return d.MaxReplicas
	}
	return n
}

// Validate checks the definition makes sense as a whole; each field
// by itself is checked against the schema when loading a file.
func (d ServiceDefinition) Validate() error {
	switch {
	case d.MinReplicas < 1:
		return errors.New("minReplicas must be at least 1")
	case d.MaxReplicas < d.MinReplicas:
		return fmt.Errorf("maxReplicas (%d) is less than minReplicas (%d)", d.MaxReplicas, d.MinReplicas)
	case d.DesiredCount < d.MinReplicas || d.DesiredCount > d.MaxReplicas:
		return fmt.Errorf("desiredCount (%d) is outside [%d,%d]", d.DesiredCount, d.MinReplicas, d.MaxReplicas)
	case d.ContainerName == "":
		return errors.New("containerName is required")
	case d.HealthCheck.HealthyThreshold < 1:
		return errors.New("healthCheck.healthyThreshold must be at least 1")
	case d.HealthCheck.Timeout <= 0 || d.HealthCheck.Interval <= 0:
		return errors.New("healthCheck interval and timeout must be positive")
	case d.HealthCheck.Timeout > d.HealthCheck.Interval:
		return fmt.Errorf("healthCheck.timeout (%s) must not exceed healthCheck.interval (%s)", d.HealthCheck.Timeout, d.HealthCheck.Interval)
	}
	return d.Environment.Validate()
}

const definitionSchema = `{
  "type": "object",
  "additionalProperties": false,
  "definitions": {
    "duration": {"type": "string", "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"},
    "replicas": {"type": "integer", "minimum": 1}
  },
  "properties": {
    "desiredCount": {"$ref": "#/definitions/replicas"},
    "minReplicas": {"$ref": "#/definitions/replicas"},
    "maxReplicas": {"$ref": "#/definitions/replicas"},
    "cpu": {"type": "integer", "minimum": 128},
    "memory": {"type": "integer", "minimum": 128},
    "containerName": {"type": "string", "pattern": "^[a-zA-Z0-9][a-zA-Z0-9_-]{0,254}$"},
    "containerPort": {"type": "integer", "minimum": 1, "maximum": 65535},
    "listenerPort": {"type": "integer", "minimum": 1, "maximum": 65535},
    "healthCheck": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "path": {"type": "string", "pattern": "^/"},
        "interval": {"$ref": "#/definitions/duration"},
        "timeout": {"$ref": "#/definitions/duration"},
        "healthyThreshold": {"type": "integer", "minimum": 1, "maximum": 10}
      }
    },
    "startTimeout": {"$ref": "#/definitions/duration"},
    "stopTimeout": {"$ref": "#/definitions/duration"},
    "deregistrationDelay": {"$ref": "#/definitions/duration"},
    "environment": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "deploymentMode": {"type": "string", "enum": ["DEPLOY", "DEVELOPMENT", "TEST"]}
      }
    },
    "capacityProviders": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["name", "weight"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "weight": {"type": "integer", "minimum": 0, "maximum": 1000},
          "base": {"type": "integer", "minimum": 0, "maximum": 100000}
        }
      }
    }
  }
}`

var definitionSchemaLoader = gojsonschema.NewStringLoader(definitionSchema)

// ParseDefinition reads a service definition from YAML (or JSON),
// checks it against the schema, and fills in defaults for anything
// left out.
func ParseDefinition(data []byte) (ServiceDefinition, error) {
	var def ServiceDefinition
	if len(bytes.TrimSpace(data)) > 0 {
		jsonBytes, err := yaml.YAMLToJSON(data)
		if err != nil {
			return def, errors.Wrap(err, "parsing service definition")
		}
		result, err := gojsonschema.Validate(definitionSchemaLoader, gojsonschema.NewBytesLoader(jsonBytes))
		if err != nil {
			return def, errors.Wrap(err, "validating service definition")
		}
		if !result.Valid() {
			var problems []string
			for _, e := range result.Errors() {
				problems = append(problems, e.String())
			}
			return def, fmt.Errorf("invalid service definition: %s", strings.Join(problems, "; "))
		}
		if err := json.Unmarshal(jsonBytes, &def); err != nil {
			return def, errors.Wrap(err, "decoding service definition")
		}
	}
	if err := mergo.Merge(&def, DefaultDefinition()); err != nil {
		return def, errors.Wrap(err, "applying defaults to service definition")
	}
	return def, def.Validate()
}

// LoadDefinition reads a service definition file. An empty path gives
// the default definition.
func LoadDefinition(path string) (ServiceDefinition, error) {
	if path == "" {
		def := DefaultDefinition()
		return def, def.Validate()
	}
	data, err := ioutil.ReadFile(path)
	if err != nil {
		return ServiceDefinition{}, errors.Wrap(err, "reading service definition")
	}
	return ParseDefinition(data)
}
