package registry

import (
	"context"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/image"
)

var (
	ErrNotFound = errors.New("artifact not found")
)

// Registry stores immutable, tagged build artifacts for a single
// repository. Pushing to a tag that already exists replaces what was
// there; there is no other versioning.
type Registry interface {
	// Name is the repository this registry stores artifacts in.
	Name() image.Name
	// Push stores the artifact under the tag, and returns the
	// reference by which it can be deployed.
	Push(ctx context.Context, tag string, artifact []byte) (image.Ref, error)
	// Pull returns the bytes stored under the tag, or an error
	// satisfying IsNotFound.
	Pull(ctx context.Context, tag string) ([]byte, error)
	// Describe returns metadata for the artifact stored under the tag
	// without fetching it, or an error satisfying IsNotFound.
	Describe(ctx context.Context, tag string) (image.Info, error)
	// Tags lists the tags in the repository, in the order given by
	// SortTags.
	Tags(ctx context.Context) ([]string, error)
}

// notFound makes the error returned for a tag that hasn't been pushed.
func notFound(ref image.Ref) error {
	return fluxerr.MissingError("artifact "+ref.String(), errors.Wrap(ErrNotFound, ref.String()))
}

// IsNotFound says whether the error means the tag has never been
// pushed (as opposed to e.g., the registry being unavailable).
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// SortTags orders tags with the highest semantic version first, then
// any tags that aren't semantic versions, alphabetically.
func SortTags(tags []string) []string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	versions := make(map[string]*semver.Version, len(tags))
	for _, t := range tags {
		if v, err := semver.NewVersion(t); err == nil {
			versions[t] = v
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool {
		vi, iok := versions[sorted[i]]
		vj, jok := versions[sorted[j]]
		switch {
		case iok && jok:
			if vi.Equal(vj) {
				return sorted[i] < sorted[j]
			}
			return vi.GreaterThan(vj)
		case iok:
			return true
		case jok:
			return false
		default:
			return sorted[i] < sorted[j]
		}
	})
	return sorted
}
