package image

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

// DefinitionsFile is the conventional name of the artifact a build
// produces for a container service.
const DefinitionsFile = "imagedefinitions.json"

// Definition names the container image to run for one container of a
// service. A build artifact for a container service is a JSON array
// of these, e.g.,
//
//	[{"name":"aws-fcj-repo","imageUri":"123456789012.dkr.ecr.ap-southeast-1.amazonaws.com/aws-fcj-repo:latest"}]
type Definition struct {
	Name     string `json:"name"`
	ImageURI string `json:"imageUri"`
}

// Definitions is the content of an image definitions artifact.
type Definitions []Definition

func ParseDefinitions(artifact []byte) (Definitions, error) {
	var defs Definitions
	if err := json.Unmarshal(artifact, &defs); err != nil {
		return nil, errors.Wrap(err, "parsing image definitions")
	}
	for i, d := range defs {
		if d.Name == "" || d.ImageURI == "" {
			return nil, fmt.Errorf("image definition %d needs both a name and an imageUri", i)
		}
	}
	return defs, nil
}

// ImageFor gives the image to run for the named container.
func (defs Definitions) ImageFor(container string) (string, error) {
	for _, d := range defs {
		if d.Name == container {
			return d.ImageURI, nil
		}
	}
	return "", fmt.Errorf("no image definition for container %q", container)
}
