package registry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeECR keeps layers and manifests in memory, and serves layer
// downloads from a test server.
type fakeECR struct {
	ecriface.ECRAPI

	mu        sync.Mutex
	server    *httptest.Server
	partSize  int64
	uploads   map[string][]byte
	layers    map[digest.Digest][]byte
	manifests map[string]string
	parts     int
}

func newFakeECR(t *testing.T) *fakeECR {
	f := &fakeECR{
		partSize:  4,
		uploads:   map[string][]byte{},
		layers:    map[digest.Digest][]byte{},
		manifests: map[string]string{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		layer, ok := f.layers[digest.Digest(strings.TrimPrefix(r.URL.Path, "/"))]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Write(layer)
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeECR) BatchCheckLayerAvailabilityWithContext(_ aws.Context, in *ecr.BatchCheckLayerAvailabilityInput, _ ...request.Option) (*ecr.BatchCheckLayerAvailabilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ecr.BatchCheckLayerAvailabilityOutput{}
	for _, d := range in.LayerDigests {
		availability := ecr.LayerAvailabilityUnavailable
		if _, ok := f.layers[digest.Digest(*d)]; ok {
			availability = ecr.LayerAvailabilityAvailable
		}
		out.Layers = append(out.Layers, &ecr.Layer{LayerDigest: d, LayerAvailability: aws.String(availability)})
	}
	return out, nil
}

func (f *fakeECR) InitiateLayerUploadWithContext(aws.Context, *ecr.InitiateLayerUploadInput, ...request.Option) (*ecr.InitiateLayerUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "upload-" + string(rune('a'+len(f.uploads)))
	f.uploads[id] = nil
	return &ecr.InitiateLayerUploadOutput{UploadId: aws.String(id), PartSize: aws.Int64(f.partSize)}, nil
}

func (f *fakeECR) UploadLayerPartWithContext(_ aws.Context, in *ecr.UploadLayerPartInput, _ ...request.Option) (*ecr.UploadLayerPartOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.parts++
	f.uploads[*in.UploadId] = append(f.uploads[*in.UploadId], in.LayerPartBlob...)
	return &ecr.UploadLayerPartOutput{}, nil
}

func (f *fakeECR) CompleteLayerUploadWithContext(_ aws.Context, in *ecr.CompleteLayerUploadInput, _ ...request.Option) (*ecr.CompleteLayerUploadOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	blob := f.uploads[*in.UploadId]
	d := digest.Digest(*in.LayerDigests[0])
	if digest.FromBytes(blob) != d {
		return nil, awserr.New(ecr.ErrCodeInvalidLayerException, "digest mismatch", nil)
	}
	f.layers[d] = blob
	return &ecr.CompleteLayerUploadOutput{LayerDigest: aws.String(d.String())}, nil
}

func (f *fakeECR) PutImageWithContext(_ aws.Context, in *ecr.PutImageInput, _ ...request.Option) (*ecr.PutImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests[*in.ImageTag] = *in.ImageManifest
	return &ecr.PutImageOutput{}, nil
}

func (f *fakeECR) BatchGetImageWithContext(_ aws.Context, in *ecr.BatchGetImageInput, _ ...request.Option) (*ecr.BatchGetImageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := &ecr.BatchGetImageOutput{}
	for _, id := range in.ImageIds {
		m, ok := f.manifests[*id.ImageTag]
		if !ok {
			out.Failures = append(out.Failures, &ecr.ImageFailure{
				ImageId:     id,
				FailureCode: aws.String(ecr.ImageFailureCodeImageNotFound),
			})
			continue
		}
		out.Images = append(out.Images, &ecr.Image{ImageId: id, ImageManifest: aws.String(m)})
	}
	return out, nil
}

func (f *fakeECR) GetDownloadUrlForLayerWithContext(_ aws.Context, in *ecr.GetDownloadUrlForLayerInput, _ ...request.Option) (*ecr.GetDownloadUrlForLayerOutput, error) {
	return &ecr.GetDownloadUrlForLayerOutput{
		DownloadUrl: aws.String(f.server.URL + "/" + *in.LayerDigest),
		LayerDigest: in.LayerDigest,
	}, nil
}

func (f *fakeECR) DescribeImagesWithContext(aws.Context, *ecr.DescribeImagesInput, ...request.Option) (*ecr.DescribeImagesOutput, error) {
	return nil, awserr.New("AccessDeniedException", "no", nil)
}

func (f *fakeECR) ListImagesPagesWithContext(_ aws.Context, _ *ecr.ListImagesInput, fn func(*ecr.ListImagesOutput, bool) bool, _ ...request.Option) error {
	f.mu.Lock()
	page := &ecr.ListImagesOutput{}
	for tag := range f.manifests {
		page.ImageIds = append(page.ImageIds, &ecr.ImageIdentifier{ImageTag: aws.String(tag)})
	}
	f.mu.Unlock()
	fn(page, true)
	return nil
}

func newTestECR(t *testing.T) (*ECR, *fakeECR) {
	api := newFakeECR(t)
	config := ECRConfig{AccountID: "123456789012", Region: "ap-southeast-1", Repository: "aws-fcj-repo"}
	return newECR(config, ECRDomain(config.AccountID, config.Region), api, http.DefaultClient, zap.NewNop()), api
}

func TestECRDomain(t *testing.T) {
	assert.Equal(t, "123456789012.dkr.ecr.ap-southeast-1.amazonaws.com", ECRDomain("123456789012", "ap-southeast-1"))
	assert.Equal(t, "123456789012.dkr.ecr.cn-north-1.amazonaws.com.cn", ECRDomain("123456789012", "cn-north-1"))

	account, region, err := ParseECRDomain("123456789012.dkr.ecr.eu-west-2.amazonaws.com")
	require.NoError(t, err)
	assert.Equal(t, "123456789012", account)
	assert.Equal(t, "eu-west-2", region)

	_, _, err = ParseECRDomain("registry.example.com")
	assert.Error(t, err)
	_, _, err = ParseECRDomain("foo.s3.eu-west-2.amazonaws.com")
	assert.Error(t, err)
}

func TestECR_PushPull(t *testing.T) {
	r, api := newTestECR(t)
	ctx := context.Background()
	artifact := []byte("0123456789")

	ref, err := r.Push(ctx, "v1", artifact)
	require.NoError(t, err)
	assert.Equal(t, "123456789012.dkr.ecr.ap-southeast-1.amazonaws.com/aws-fcj-repo:v1", ref.String())
	// "{}" is one part, the artifact three
	assert.Equal(t, 4, api.parts)

	bytes, err := r.Pull(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, artifact, bytes)

	info, err := r.Describe(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, digest.FromBytes(artifact), info.Digest)
	assert.Equal(t, int64(len(artifact)), info.Size)
	assert.WithinDuration(t, time.Now(), info.PushedAt, time.Minute)

	// pushing the same bytes again doesn't upload anything
	_, err = r.Push(ctx, "v2", artifact)
	require.NoError(t, err)
	assert.Equal(t, 4, api.parts)

	tags, err := r.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v2", "v1"}, tags)
}

func TestECR_NotFound(t *testing.T) {
	r, _ := newTestECR(t)
	_, err := r.Describe(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
	_, err = r.Pull(context.Background(), "missing")
	assert.True(t, IsNotFound(err))
}
