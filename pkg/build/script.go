// Package build turns a source snapshot into an artifact in the
// registry, by running an externally supplied build procedure.
package build

import (
	"bytes"
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/image"
	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/source"
)

// Builder builds a snapshot and pushes the result under env.Tag,
// returning the reference it was pushed as.
type Builder interface {
	Build(ctx context.Context, snap *source.Snapshot, env Env) (image.Ref, error)
}

// How much of a failed command's output is kept for the error.
const outputTail = 4096

// Env vars that are allowed to be inherited from the OS.
var allowedEnvVars = []string{
	"PATH", "HOME", "TMPDIR",
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY",
	"DOCKER_HOST", "DOCKER_CONFIG",
	"AWS_REGION", "AWS_DEFAULT_REGION", "AWS_PROFILE", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY", "AWS_SESSION_TOKEN",
}

// Script runs a buildspec's commands with a shell in the snapshot
// directory, then pushes the artifact file the buildspec names.
type Script struct {
	Registry registry.Registry
	// SpecFile names the buildspec; see LoadSpec.
	SpecFile string
	Shell    string
	Timeout  time.Duration
	Logger   log.Logger
}

var _ Builder = &Script{}

// PhaseError says which phase of a build failed.
type PhaseError struct {
	Phase   string
	Command string
	Output  string
	Err     error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("phase %s: command %q: %v", e.Phase, e.Command, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

func (s *Script) shell() string {
	if s.Shell == "" {
		return "sh"
	}
	return s.Shell
}

func (s *Script) environ(spec *Spec, env Env, succeeding bool) []string {
	var vars []string
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			vars = append(vars, k+"="+v)
		}
	}
	keys := make([]string, 0, len(spec.Env.Variables))
	for k := range spec.Env.Variables {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		vars = append(vars, k+"="+spec.Env.Variables[k])
	}
	vars = append(vars, env.Environ()...)
	success := "1"
	if !succeeding {
		success = "0"
	}
	return append(vars, "CODEBUILD_BUILD_SUCCEEDING="+success)
}

func (s *Script) Build(ctx context.Context, snap *source.Snapshot, env Env) (ref image.Ref, err error) {
	started := time.Now()
	defer func() {
		buildDuration.With(fluxmetrics.LabelSuccess, strconv.FormatBool(err == nil)).Observe(time.Since(started).Seconds())
	}()
	if err := env.Validate(); err != nil {
		return ref, err
	}
	spec, err := LoadSpec(snap.Dir, s.SpecFile)
	if err != nil {
		return ref, err
	}
	if s.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.Timeout)
		defer cancel()
	}

	// As in CodeBuild, POST_BUILD runs even if BUILD failed, and
	// is told so.
	var buildErr error
	for _, phase := range spec.phases() {
		if buildErr != nil && phase.name != PhasePostBuild {
			continue
		}
		if err := s.runPhase(ctx, snap.Dir, phase, s.environ(spec, env, buildErr == nil)); err != nil {
			if buildErr == nil {
				buildErr = err
			}
			if phase.name != PhaseBuild {
				break
			}
		}
	}
	if buildErr != nil {
		return ref, buildErr
	}

	file := spec.Artifacts.Files[0]
	artifact, err := ioutil.ReadFile(filepath.Join(snap.Dir, file))
	if err != nil {
		return ref, errors.Wrapf(err, "reading artifact %s", file)
	}
	ref, err = s.Registry.Push(ctx, env.Tag, artifact)
	if err != nil {
		return ref, errors.Wrapf(err, "pushing artifact %s as %s", file, env.Tag)
	}
	s.Logger.Log("info", "pushed artifact", "ref", ref, "file", file, "revision", snap.Revision, "took", time.Since(started))
	return ref, nil
}

func (s *Script) runPhase(ctx context.Context, dir string, phase namedPhase, environ []string) error {
	for _, command := range phase.Commands {
		s.Logger.Log("phase", phase.name, "command", command)
		c := exec.CommandContext(ctx, s.shell(), "-c", command)
		c.Dir = dir
		c.Env = environ
		// the shell may leave children holding its output open
		c.WaitDelay = time.Second
		out := &tailBuffer{max: outputTail}
		c.Stdout = out
		c.Stderr = out
		if err := c.Run(); err != nil {
			if ctx.Err() != nil {
				err = errors.Wrap(ctx.Err(), "build did not finish in time")
			}
			s.Logger.Log("phase", phase.name, "err", err, "output", out.String())
			return &PhaseError{Phase: phase.name, Command: command, Output: out.String(), Err: err}
		}
	}
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n, _ := b.buf.Write(p)
	if over := b.buf.Len() - b.max; over > 0 {
		b.buf.Next(over)
	}
	return n, nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.TrimSpace(b.buf.String())
}
