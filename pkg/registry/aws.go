package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/ec2metadata"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/ecr"
	"github.com/aws/aws-sdk-go/service/ecr/ecriface"
	"github.com/opencontainers/go-digest"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry/middleware"
)

const (
	// For recognising ECR hosts
	awsPartitionSuffix   = ".amazonaws.com"
	awsCnPartitionSuffix = ".amazonaws.com.cn"

	// Artifacts are stored in ECR as single-layer OCI manifests.
	manifestMediaType = "application/vnd.oci.image.manifest.v1+json"
	configMediaType   = "application/vnd.oci.image.config.v1+json"
	artifactMediaType = "application/vnd.fluxcd.relay.artifact.v1"

	// Used if the API doesn't say what part size to upload in.
	defaultPartSize = 10 << 20
)

// ECRConfig says which ECR repository to keep artifacts in. Region
// may be left empty, in which case it's taken from the local AWS
// config or the EC2 metadata service.
type ECRConfig struct {
	AccountID  string
	Region     string
	Repository string
}

// ECR is a registry backed by an AWS Elastic Container Registry
// repository.
type ECR struct {
	name       image.Name
	accountID  string
	repository string
	api        ecriface.ECRAPI
	http       *http.Client
	logger     *zap.Logger
}

var _ Registry = &ECR{}

func validECRHost(domain string) bool {
	switch {
	case strings.HasSuffix(domain, awsPartitionSuffix):
		return true
	case strings.HasSuffix(domain, awsCnPartitionSuffix):
		return true
	}
	return false
}

// ECRDomain gives the registry host for an account and region, i.e.,
//
//	<account-id>.dkr.ecr.<region>.amazonaws.com
func ECRDomain(accountID, region string) string {
	return fmt.Sprintf("%s.dkr.ecr.%s%s", accountID, region, partitionSuffix(region))
}

func partitionSuffix(region string) string {
	if strings.HasPrefix(region, "cn-") {
		return awsCnPartitionSuffix
	}
	return awsPartitionSuffix
}

// ParseECRDomain extracts the account ID and region from an ECR
// registry host.
func ParseECRDomain(domain string) (accountID, region string, err error) {
	if !validECRHost(domain) {
		return "", "", fmt.Errorf("%q is not an AWS host", domain)
	}
	bits := strings.Split(domain, ".")
	if len(bits) < 6 || bits[1] != "dkr" || bits[2] != "ecr" {
		return "", "", fmt.Errorf("AWS registry domain %q not in expected format <account-id>.dkr.ecr.<region>.amazonaws.<extension>", domain)
	}
	return bits[0], bits[3], nil
}

// detectRegion works out the region in the way the AWS SDK would,
// falling back to asking the EC2 metadata service.
func detectRegion(sess *session.Session, logger *zap.Logger) (string, error) {
	if region := aws.StringValue(sess.Config.Region); region != "" {
		logger.Info("detected region", zap.String("source", "local config"), zap.String("region", region))
		return region, nil
	}
	region, err := ec2metadata.New(sess).Region()
	if err != nil {
		return "", errors.Wrap(err, "fetching region for AWS")
	}
	logger.Info("detected region", zap.String("source", "EC2 metadata service"), zap.String("region", region))
	return region, nil
}

// NewECR connects to the ECR API. All requests, including layer
// downloads, go through a transport rate limited per host by
// limiters.
func NewECR(config ECRConfig, limiters *middleware.RateLimiters, logger *zap.Logger) (*ECR, error) {
	sess, err := session.NewSessionWithOptions(session.Options{
		SharedConfigState: session.SharedConfigEnable,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	region := config.Region
	if region == "" {
		if region, err = detectRegion(sess, logger); err != nil {
			return nil, err
		}
	}
	domain := ECRDomain(config.AccountID, region)
	apiHost := "api.ecr." + region + partitionSuffix(region)
	client := &http.Client{
		Transport: limiters.RoundTripper(http.DefaultTransport, apiHost),
	}
	api := ecr.New(sess, &aws.Config{
		Region:     aws.String(region),
		HTTPClient: client,
	})
	logger.Info("using ECR repository",
		zap.String("domain", domain),
		zap.String("repository", config.Repository),
	)
	return newECR(config, domain, api, client, logger), nil
}

func newECR(config ECRConfig, domain string, api ecriface.ECRAPI, client *http.Client, logger *zap.Logger) *ECR {
	return &ECR{
		name:       image.Name{Domain: domain, Image: config.Repository},
		accountID:  config.AccountID,
		repository: config.Repository,
		api:        api,
		http:       client,
		logger:     logger,
	}
}

func (r *ECR) Name() image.Name {
	return r.name
}

type descriptor struct {
	MediaType string        `json:"mediaType"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
}

type manifest struct {
	SchemaVersion int               `json:"schemaVersion"`
	MediaType     string            `json:"mediaType"`
	Config        descriptor        `json:"config"`
	Layers        []descriptor      `json:"layers"`
	Annotations   map[string]string `json:"annotations,omitempty"`
}

const annotationCreated = "org.opencontainers.image.created"

func (r *ECR) registryID() *string {
	if r.accountID == "" {
		return nil
	}
	return aws.String(r.accountID)
}

func awsCode(err error) string {
	if aerr, ok := err.(awserr.Error); ok {
		return aerr.Code()
	}
	return ""
}

func (r *ECR) Push(ctx context.Context, tag string, artifact []byte) (image.Ref, error) {
	ref := r.name.ToRef(tag)
	if err := image.ValidateTag(tag); err != nil {
		return ref, err
	}
	now := time.Now().UTC()
	config := []byte("{}")
	configDesc, err := r.uploadBlob(ctx, configMediaType, config)
	if err != nil {
		return ref, errors.Wrap(err, "uploading config")
	}
	layerDesc, err := r.uploadBlob(ctx, artifactMediaType, artifact)
	if err != nil {
		return ref, errors.Wrap(err, "uploading artifact")
	}
	m := manifest{
		SchemaVersion: 2,
		MediaType:     manifestMediaType,
		Config:        configDesc,
		Layers:        []descriptor{layerDesc},
		Annotations:   map[string]string{annotationCreated: now.Format(time.RFC3339)},
	}
	manifestBytes, err := json.Marshal(m)
	if err != nil {
		return ref, err
	}
	_, err = r.api.PutImageWithContext(ctx, &ecr.PutImageInput{
		RegistryId:     r.registryID(),
		RepositoryName: aws.String(r.repository),
		ImageTag:       aws.String(tag),
		ImageManifest:  aws.String(string(manifestBytes)),
	})
	if err != nil && awsCode(err) != ecr.ErrCodeImageAlreadyExistsException {
		return ref, errors.Wrapf(err, "putting manifest for %s", ref)
	}
	r.logger.Info("pushed artifact",
		zap.String("ref", ref.String()),
		zap.String("digest", layerDesc.Digest.String()),
		zap.Int64("size", layerDesc.Size),
	)
	return ref, nil
}

// uploadBlob uploads a layer in parts of the size the API asks for.
// A blob that's already in the repository isn't uploaded again.
func (r *ECR) uploadBlob(ctx context.Context, mediaType string, blob []byte) (descriptor, error) {
	desc := descriptor{
		MediaType: mediaType,
		Digest:    digest.FromBytes(blob),
		Size:      int64(len(blob)),
	}
	avail, err := r.api.BatchCheckLayerAvailabilityWithContext(ctx, &ecr.BatchCheckLayerAvailabilityInput{
		RegistryId:     r.registryID(),
		RepositoryName: aws.String(r.repository),
		LayerDigests:   aws.StringSlice([]string{desc.Digest.String()}),
	})
	if err != nil {
		return desc, err
	}
	for _, l := range avail.Layers {
		if aws.StringValue(l.LayerAvailability) == ecr.LayerAvailabilityAvailable {
			return desc, nil
		}
	}

	upload, err := r.api.InitiateLayerUploadWithContext(ctx, &ecr.InitiateLayerUploadInput{
		RegistryId:     r.registryID(),
		RepositoryName: aws.String(r.repository),
	})
	if err != nil {
		return desc, err
	}
	partSize := aws.Int64Value(upload.PartSize)
	if partSize <= 0 {
		partSize = defaultPartSize
	}
	for first := int64(0); first < int64(len(blob)); first += partSize {
		last := first + partSize
		if last > int64(len(blob)) {
			last = int64(len(blob))
		}
		if _, err := r.api.UploadLayerPartWithContext(ctx, &ecr.UploadLayerPartInput{
			RegistryId:     r.registryID(),
			RepositoryName: aws.String(r.repository),
			UploadId:       upload.UploadId,
			PartFirstByte:  aws.Int64(first),
			PartLastByte:   aws.Int64(last - 1),
			LayerPartBlob:  blob[first:last],
		}); err != nil {
			return desc, err
		}
	}
	_, err = r.api.CompleteLayerUploadWithContext(ctx, &ecr.CompleteLayerUploadInput{
		RegistryId:     r.registryID(),
		RepositoryName: aws.String(r.repository),
		UploadId:       upload.UploadId,
		LayerDigests:   aws.StringSlice([]string{desc.Digest.String()}),
	})
	if err != nil && awsCode(err) != ecr.ErrCodeLayerAlreadyExistsException {
		return desc, err
	}
	return desc, nil
}

func (r *ECR) manifest(ctx context.Context, ref image.Ref) (manifest, error) {
	var m manifest
	out, err := r.api.BatchGetImageWithContext(ctx, &ecr.BatchGetImageInput{
		RegistryId:         r.registryID(),
		RepositoryName:     aws.String(r.repository),
		ImageIds:           []*ecr.ImageIdentifier{{ImageTag: aws.String(ref.Tag)}},
		AcceptedMediaTypes: aws.StringSlice([]string{manifestMediaType}),
	})
	if err != nil {
		if awsCode(err) == ecr.ErrCodeImageNotFoundException {
			return m, notFound(ref)
		}
		return m, errors.Wrapf(err, "fetching manifest for %s", ref)
	}
	for _, f := range out.Failures {
		if aws.StringValue(f.FailureCode) == ecr.ImageFailureCodeImageNotFound ||
			aws.StringValue(f.FailureCode) == ecr.ImageFailureCodeImageTagDoesNotMatchDigest {
			return m, notFound(ref)
		}
		return m, fmt.Errorf("fetching manifest for %s: %s", ref, aws.StringValue(f.FailureReason))
	}
	if len(out.Images) == 0 {
		return m, notFound(ref)
	}
	if err := json.Unmarshal([]byte(aws.StringValue(out.Images[0].ImageManifest)), &m); err != nil {
		return m, errors.Wrapf(err, "decoding manifest for %s", ref)
	}
	if len(m.Layers) != 1 || m.Layers[0].MediaType != artifactMediaType {
		return m, fmt.Errorf("%s was not pushed as an artifact", ref)
	}
	return m, nil
}

func (r *ECR) Pull(ctx context.Context, tag string) ([]byte, error) {
	ref := r.name.ToRef(tag)
	m, err := r.manifest(ctx, ref)
	if err != nil {
		return nil, err
	}
	layer := m.Layers[0]
	out, err := r.api.GetDownloadUrlForLayerWithContext(ctx, &ecr.GetDownloadUrlForLayerInput{
		RegistryId:     r.registryID(),
		RepositoryName: aws.String(r.repository),
		LayerDigest:    aws.String(layer.Digest.String()),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "locating artifact %s", ref)
	}
	req, err := http.NewRequest("GET", aws.StringValue(out.DownloadUrl), nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.http.Do(req.WithContext(ctx))
	if err != nil {
		return nil, errors.Wrapf(err, "downloading artifact %s", ref)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading artifact %s: %s", ref, resp.Status)
	}
	body, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading artifact %s", ref)
	}
	if digest.FromBytes(body) != layer.Digest {
		return nil, fmt.Errorf("downloaded artifact %s does not match digest %s", ref, layer.Digest)
	}
	return body, nil
}

func (r *ECR) Describe(ctx context.Context, tag string) (image.Info, error) {
	ref := r.name.ToRef(tag)
	m, err := r.manifest(ctx, ref)
	if err != nil {
		return image.Info{}, err
	}
	info := image.Info{
		Ref:    ref,
		Digest: m.Layers[0].Digest,
		Size:   m.Layers[0].Size,
	}
	if created, err := time.Parse(time.RFC3339, m.Annotations[annotationCreated]); err == nil {
		info.PushedAt = created.UTC()
	}

	// ECR's own record of when the tag was pushed is more accurate
	// than the annotation, if it can be had.
	out, err := r.api.DescribeImagesWithContext(ctx, &ecr.DescribeImagesInput{
		RegistryId:     r.registryID(),
		RepositoryName: aws.String(r.repository),
		ImageIds:       []*ecr.ImageIdentifier{{ImageTag: aws.String(tag)}},
	})
	if err != nil {
		r.logger.Warn("describing image", zap.String("ref", ref.String()), zap.Error(err))
		return info, nil
	}
	if len(out.ImageDetails) > 0 && out.ImageDetails[0].ImagePushedAt != nil {
		info.PushedAt = out.ImageDetails[0].ImagePushedAt.UTC()
	}
	return info, nil
}

func (r *ECR) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	err := r.api.ListImagesPagesWithContext(ctx, &ecr.ListImagesInput{
		RegistryId:     r.registryID(),
		RepositoryName: aws.String(r.repository),
		Filter:         &ecr.ListImagesFilter{TagStatus: aws.String(ecr.TagStatusTagged)},
	}, func(page *ecr.ListImagesOutput, lastPage bool) bool {
		for _, id := range page.ImageIds {
			if t := aws.StringValue(id.ImageTag); t != "" {
				tags = append(tags, t)
			}
		}
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "listing tags in %s", r.name)
	}
	return SortTags(tags), nil
}
