package cache

import (
	"strings"

	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/image"
)

var ErrNotCached = errors.New("not cached")

type Reader interface {
	// GetKey gets the value at a key, or ErrNotCached
	GetKey(k Keyer) ([]byte, error)
}

type Writer interface {
	// SetKey sets the value at a key. Values are kept until
	// overwritten; artifacts don't expire.
	SetKey(k Keyer, v []byte) error
}

type Client interface {
	Reader
	Writer
}

// An interface to provide the key under which to store the data.
// Use the full repository name in keys because several repositories
// may share a backend.
type Keyer interface {
	Key() string
}

type artifactKey struct {
	fullRepositoryPath, tag string
}

// NewArtifactKey is the key for the bytes of an artifact.
func NewArtifactKey(ref image.Ref) Keyer {
	return &artifactKey{ref.Name.String(), ref.Tag}
}

func (k *artifactKey) Key() string {
	return strings.Join([]string{
		"relayartifactv1", // Bump the version number if the format changes
		k.fullRepositoryPath,
		k.tag,
	}, "|")
}

type infoKey struct {
	fullRepositoryPath, tag string
}

// NewInfoKey is the key for the metadata of an artifact.
func NewInfoKey(ref image.Ref) Keyer {
	return &infoKey{ref.Name.String(), ref.Tag}
}

func (k *infoKey) Key() string {
	return strings.Join([]string{
		"relayinfov1", // Bump the version number if the format changes
		k.fullRepositoryPath,
		k.tag,
	}, "|")
}

type tagsKey struct {
	fullRepositoryPath string
}

// NewTagsKey is the key for the list of tags in a repository.
func NewTagsKey(name image.Name) Keyer {
	return &tagsKey{name.String()}
}

func (k *tagsKey) Key() string {
	return strings.Join([]string{
		"relaytagsv1", // Bump the version number if the format changes
		k.fullRepositoryPath,
	}, "|")
}
