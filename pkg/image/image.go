package image

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
)

const (
	// LatestTag is what a build pushes to when it isn't told otherwise.
	LatestTag = "latest"

	maxTagLength = 128
)

var (
	ErrInvalidRef   = errors.New("invalid artifact reference")
	ErrBlankRef     = errors.Wrap(ErrInvalidRef, "blank artifact reference")
	ErrMalformedRef = errors.Wrap(ErrInvalidRef, `expected artifact reference as either <repository>:<tag> or just <repository>`)
	ErrInvalidTag   = errors.New("invalid tag")
)

// Name represents an untagged artifact repository. The domain is
// optional, e.g., for an in-process registry; the image path always
// has at least one element.
//
// Examples (stringified):
//   - aws-fcj-repo
//   - 123456789012.dkr.ecr.ap-southeast-1.amazonaws.com/aws-fcj-repo
//   - localhost:5000/team/service
type Name struct {
	Domain, Image string
}

func (n Name) String() string {
	if n.Image == "" {
		return ""
	}
	var host string
	if n.Domain != "" {
		host = n.Domain + "/"
	}
	return host + n.Image
}

// ToRef makes a reference to the given tag within this repository.
func (n Name) ToRef(tag string) Ref {
	return Ref{Name: n, Tag: tag}
}

// ParseName parses a repository name, refusing any tag.
func ParseName(s string) (Name, error) {
	ref, err := ParseRef(s)
	if err != nil {
		return Name{}, err
	}
	if ref.Tag != "" {
		return Name{}, errors.Wrapf(ErrMalformedRef, "repository name %q includes a tag", s)
	}
	return ref.Name, nil
}

// Ref identifies one immutable build output: a repository and a tag
// within it. It is what a build hands to a deploy.
//
// Examples (stringified):
//   - aws-fcj-repo:latest
//   - localhost:5000/team/service:v1.2.0
type Ref struct {
	Name
	Tag string
}

func (r Ref) String() string {
	var tag string
	if r.Tag != "" {
		tag = ":" + r.Tag
	}
	return r.Name.String() + tag
}

// WithTag makes a copy of the reference with another tag.
func (r Ref) WithTag(t string) Ref {
	r.Tag = t
	return r
}

// ParseRef parses a string representation of an artifact reference.
// The grammar is a subset of the docker one: an optional domain
// (recognised by having a dot or port, or being localhost), a path,
// and an optional tag after the last colon in the final element.
func ParseRef(s string) (Ref, error) {
	var ref Ref
	if s == "" {
		return ref, errors.Wrapf(ErrBlankRef, "parsing %q", s)
	}
	if strings.HasPrefix(s, "/") || strings.HasSuffix(s, "/") {
		return ref, errors.Wrapf(ErrMalformedRef, "parsing %q", s)
	}

	elements := strings.Split(s, "/")
	switch len(elements) {
	case 1:
		ref.Image = s
	default:
		if domainRegexp.MatchString(elements[0]) {
			ref.Domain = elements[0]
			ref.Image = strings.Join(elements[1:], "/")
		} else {
			ref.Image = s
		}
	}

	parts := strings.Split(ref.Image, ":")
	switch len(parts) {
	case 1:
	case 2:
		if parts[0] == "" || parts[1] == "" {
			return ref, errors.Wrapf(ErrMalformedRef, "parsing %q", s)
		}
		ref.Image = parts[0]
		ref.Tag = parts[1]
	default:
		return ref, errors.Wrapf(ErrMalformedRef, "parsing %q", s)
	}
	if ref.Tag != "" {
		if err := ValidateTag(ref.Tag); err != nil {
			return ref, errors.Wrapf(err, "parsing %q", s)
		}
	}
	return ref, nil
}

var (
	domainComponent = `([a-zA-Z0-9]|[a-zA-Z0-9][a-zA-Z0-9-]*[a-zA-Z0-9])`
	domain          = fmt.Sprintf(`^(localhost|(%s([.]%s)+))(:[0-9]+)?$`, domainComponent, domainComponent)
	domainRegexp    = regexp.MustCompile(domain)
	tagRegexp       = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)
)

// ValidateTag checks a tag has the shape registries accept.
func ValidateTag(tag string) error {
	if tag == "" {
		return errors.Wrap(ErrInvalidTag, "empty tag")
	}
	if len(tag) > maxTagLength {
		return errors.Wrapf(ErrInvalidTag, "tag longer than %d characters", maxTagLength)
	}
	if !tagRegexp.MatchString(tag) {
		return errors.Wrapf(ErrInvalidTag, "%q", tag)
	}
	return nil
}

// Ref is serialized/deserialized as a string
func (r Ref) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.String())
}

func (r *Ref) UnmarshalJSON(data []byte) (err error) {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	if str == "" {
		*r = Ref{}
		return nil
	}
	*r, err = ParseRef(str)
	return err
}

// Info has the metadata a registry keeps about a pushed artifact.
type Info struct {
	Ref Ref `json:"ref"`
	// sha256 of the artifact bytes; differs each time different
	// content is pushed to the same tag
	Digest   digest.Digest `json:"digest"`
	Size     int64         `json:"size"`
	PushedAt time.Time     `json:"pushedAt"`
}

// NewInfo computes the metadata for artifact bytes pushed to ref.
func NewInfo(ref Ref, artifact []byte, pushedAt time.Time) Info {
	return Info{
		Ref:      ref,
		Digest:   digest.FromBytes(artifact),
		Size:     int64(len(artifact)),
		PushedAt: pushedAt.UTC(),
	}
}

// ShortDigest is the abbreviated hex of the digest, for display.
func (i Info) ShortDigest() string {
	if i.Digest == "" {
		return ""
	}
	hex := i.Digest.Hex()
	if len(hex) > 12 {
		return hex[:12]
	}
	return hex
}
