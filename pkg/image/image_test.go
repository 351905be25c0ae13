package image

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
)

func TestDomainRegexp(t *testing.T) {
	for _, d := range []string{
		"localhost", "localhost:5000",
		"example.com", "example.com:80",
		"123456789012.dkr.ecr.ap-southeast-1.amazonaws.com",
	} {
		if !domainRegexp.MatchString(d) {
			t.Errorf("domain regexp did not match %q", d)
		}
	}
	for _, d := range []string{"team", "aws-fcj-repo"} {
		if domainRegexp.MatchString(d) {
			t.Errorf("domain regexp matched path element %q", d)
		}
	}
}

func TestParseRef(t *testing.T) {
	for _, x := range []struct {
		test   string
		domain string
		image  string
		tag    string
	}{
		{"aws-fcj-repo", "", "aws-fcj-repo", ""},
		{"aws-fcj-repo:latest", "", "aws-fcj-repo", "latest"},
		{"team/service:v1", "", "team/service", "v1"},
		{"localhost/hello:v1.1", "localhost", "hello", "v1.1"},
		{"localhost:5000/hello:v1.1", "localhost:5000", "hello", "v1.1"},
		{"localhost:5000/path/to/repo:mytag", "localhost:5000", "path/to/repo", "mytag"},
		{"123456789012.dkr.ecr.ap-southeast-1.amazonaws.com/aws-fcj-repo:latest", "123456789012.dkr.ecr.ap-southeast-1.amazonaws.com", "aws-fcj-repo", "latest"},
	} {
		r, err := ParseRef(x.test)
		if err != nil {
			t.Errorf("Failed parsing %q: %s", x.test, err)
			continue
		}
		if r.String() != x.test {
			t.Errorf("%q does not stringify as itself; got %q", x.test, r.String())
		}
		assert.Equal(t, x.domain, r.Domain, x.test)
		assert.Equal(t, x.image, r.Image, x.test)
		assert.Equal(t, x.tag, r.Tag, x.test)
	}
}

func TestParseRefErrorCases(t *testing.T) {
	for _, x := range []string{
		"",
		":tag",
		"/leading/slash",
		"trailing/slash/",
		"repo:",
		"repo:a:b",
		"repo:-badtag",
		"repo:" + strings.Repeat("x", maxTagLength+1),
	} {
		if _, err := ParseRef(x); err == nil {
			t.Errorf("Expected parse failure for %q", x)
		}
	}
}

func TestParseName(t *testing.T) {
	n, err := ParseName("localhost:5000/aws-fcj-repo")
	assert.NoError(t, err)
	assert.Equal(t, Name{Domain: "localhost:5000", Image: "aws-fcj-repo"}, n)

	_, err = ParseName("aws-fcj-repo:latest")
	assert.Error(t, err)
}

func TestRefJSON(t *testing.T) {
	ref := Name{Image: "aws-fcj-repo"}.ToRef("v1")
	bytes, err := json.Marshal(ref)
	assert.NoError(t, err)
	assert.Equal(t, `"aws-fcj-repo:v1"`, string(bytes))

	var back Ref
	assert.NoError(t, json.Unmarshal(bytes, &back))
	assert.Equal(t, ref, back)

	var empty Ref
	assert.NoError(t, json.Unmarshal([]byte(`""`), &empty))
	assert.Equal(t, Ref{}, empty)
}

func TestNewInfo(t *testing.T) {
	ref := Name{Image: "aws-fcj-repo"}.ToRef(LatestTag)
	now := time.Date(2020, 1, 2, 3, 4, 5, 0, time.FixedZone("x", 3600))
	info := NewInfo(ref, []byte("hello"), now)

	assert.Equal(t, digest.FromBytes([]byte("hello")), info.Digest)
	assert.Equal(t, int64(5), info.Size)
	assert.Equal(t, time.UTC, info.PushedAt.Location())
	assert.Len(t, info.ShortDigest(), 12)
}
