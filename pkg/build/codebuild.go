package build

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/codebuild"
	"github.com/aws/aws-sdk-go/service/codebuild/codebuildiface"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/fluxcd/relay/pkg/image"
	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/source"
)

const (
	buildSucceeded  = "SUCCEEDED"
	buildInProgress = "IN_PROGRESS"

	defaultBuildPoll = 10 * time.Second
)

type CodeBuildConfig struct {
	Project      string
	Region       string
	ComputeType  ComputeType
	Privileged   bool
	PollInterval time.Duration
}

// CodeBuild runs the build in an AWS CodeBuild project, which pushes
// the artifact itself. The build is only counted as done once the
// tag is in the registry.
type CodeBuild struct {
	api      codebuildiface.CodeBuildAPI
	config   CodeBuildConfig
	registry registry.Registry
	logger   *zap.Logger
}

var _ Builder = &CodeBuild{}

func NewCodeBuild(config CodeBuildConfig, reg registry.Registry, logger *zap.Logger) (*CodeBuild, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(config.Region)})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return newCodeBuild(codebuild.New(sess), config, reg, logger), nil
}

func newCodeBuild(api codebuildiface.CodeBuildAPI, config CodeBuildConfig, reg registry.Registry, logger *zap.Logger) *CodeBuild {
	if config.PollInterval <= 0 {
		config.PollInterval = defaultBuildPoll
	}
	if config.ComputeType == "" {
		config.ComputeType = ComputeMedium
	}
	return &CodeBuild{
		api:      api,
		config:   config,
		registry: reg,
		logger:   logger.With(zap.String("project", config.Project)),
	}
}

func (b *CodeBuild) startInput(snap *source.Snapshot, env Env) *codebuild.StartBuildInput {
	var vars []*codebuild.EnvironmentVariable
	for _, kv := range env.Environ() {
		parts := strings.SplitN(kv, "=", 2)
		vars = append(vars, &codebuild.EnvironmentVariable{
			Name:  aws.String(parts[0]),
			Value: aws.String(parts[1]),
			Type:  aws.String(codebuild.EnvironmentVariableTypePlaintext),
		})
	}
	input := &codebuild.StartBuildInput{
		ProjectName:                  aws.String(b.config.Project),
		EnvironmentVariablesOverride: vars,
		ComputeTypeOverride:          aws.String(b.config.ComputeType.CodeBuild()),
		PrivilegedModeOverride:       aws.Bool(b.config.Privileged),
	}
	if snap != nil && snap.Revision != "" {
		input.SourceVersion = aws.String(snap.Revision)
	}
	return input
}

func (b *CodeBuild) Build(ctx context.Context, snap *source.Snapshot, env Env) (ref image.Ref, err error) {
	started := time.Now()
	defer func() {
		buildDuration.With(fluxmetrics.LabelSuccess, strconv.FormatBool(err == nil)).Observe(time.Since(started).Seconds())
	}()
	if err := env.Validate(); err != nil {
		return ref, err
	}
	out, err := b.api.StartBuildWithContext(ctx, b.startInput(snap, env))
	if err != nil {
		return ref, errors.Wrapf(err, "starting build of %s", b.config.Project)
	}
	id := aws.StringValue(out.Build.Id)
	b.logger.Info("Build started", zap.String("buildID", id), zap.String("tag", env.Tag))

	build, err := b.wait(ctx, id)
	if err != nil {
		b.stop(id)
		return ref, err
	}
	if status := aws.StringValue(build.BuildStatus); status != buildSucceeded {
		return ref, &PhaseError{
			Phase:  aws.StringValue(build.CurrentPhase),
			Output: failedPhase(build),
			Err:    fmt.Errorf("build %s finished with status %s", id, status),
		}
	}

	info, err := b.registry.Describe(ctx, env.Tag)
	if err != nil {
		return ref, errors.Wrapf(err, "build %s succeeded, but %s was not pushed", id, env.Tag)
	}
	b.logger.Info("Build complete",
		zap.String("buildID", id),
		zap.String("ref", info.Ref.String()),
		zap.String("digest", info.Digest.String()),
		zap.Duration("took", time.Since(started)),
	)
	return info.Ref, nil
}

func (b *CodeBuild) wait(ctx context.Context, id string) (*codebuild.Build, error) {
	ticker := time.NewTicker(b.config.PollInterval)
	defer ticker.Stop()
	for {
		out, err := b.api.BatchGetBuildsWithContext(ctx, &codebuild.BatchGetBuildsInput{Ids: []*string{aws.String(id)}})
		if err != nil {
			b.logger.Warn("Failed to get build status", zap.String("buildID", id), zap.Error(err))
		} else if len(out.Builds) > 0 {
			build := out.Builds[0]
			status := aws.StringValue(build.BuildStatus)
			if aws.BoolValue(build.BuildComplete) || (status != "" && status != buildInProgress) {
				return build, nil
			}
		}
		select {
		case <-ctx.Done():
			return nil, errors.Wrapf(ctx.Err(), "waiting for build %s", id)
		case <-ticker.C:
		}
	}
}

// stop gives up on a build that is no longer being waited for.
func (b *CodeBuild) stop(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := b.api.StopBuildWithContext(ctx, &codebuild.StopBuildInput{Id: aws.String(id)}); err != nil {
		b.logger.Warn("Failed to stop build", zap.String("buildID", id), zap.Error(err))
	}
}

// failedPhase describes the first phase that didn't succeed.
func failedPhase(build *codebuild.Build) string {
	for _, p := range build.Phases {
		status := aws.StringValue(p.PhaseStatus)
		if status == "" || status == buildSucceeded {
			continue
		}
		msg := fmt.Sprintf("%s: %s", aws.StringValue(p.PhaseType), status)
		for _, c := range p.Contexts {
			if m := aws.StringValue(c.Message); m != "" {
				msg += ": " + m
			}
		}
		return msg
	}
	return ""
}
