package source

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
)

// Env vars that are allowed to be inherited from the OS
var allowedEnvVars = []string{
	// these are for people using (no) proxies. Git follows the curl conventions, so HTTP_PROXY
	// is intentionally missing
	"http_proxy", "https_proxy", "no_proxy", "HTTPS_PROXY", "NO_PROXY", "GIT_PROXY_COMMAND",
	"HOME",
	// the CodeCommit credential helper needs these
	"AWS_REGION", "AWS_DEFAULT_REGION", "AWS_PROFILE", "AWS_ACCESS_KEY_ID", "AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN", "AWS_CONTAINER_CREDENTIALS_RELATIVE_URI",
}

// Git snapshots a branch of a git repository, using the git
// executable.
type Git struct {
	Remote Remote
	// Timeout bounds each fetch; zero means only the context given
	// bounds it.
	Timeout time.Duration
	// WorkDir is where snapshots are made; the default temp dir if
	// empty.
	WorkDir string
	Logger  log.Logger
}

var _ Fetcher = &Git{}

// Fetch clones the branch of the event, checks out the revision, and
// leaves a plain directory tree.
func (g *Git) Fetch(ctx context.Context, event PushEvent) (snap *Snapshot, err error) {
	if g.Remote.URL == "" {
		return nil, ErrNoRemote
	}
	started := time.Now()
	defer func() {
		fetchDuration.With(fluxmetrics.LabelSuccess, strconv.FormatBool(err == nil)).Observe(time.Since(started).Seconds())
	}()
	if g.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.Timeout)
		defer cancel()
	}

	dir, err := ioutil.TempDir(g.WorkDir, "relay-source")
	if err != nil {
		return nil, errors.Wrap(err, "creating snapshot directory")
	}
	defer func() {
		if err != nil {
			os.RemoveAll(dir)
		}
	}()

	if _, err := clone(ctx, dir, g.Remote.URL, event.Branch); err != nil {
		return nil, CloningError(g.Remote.SafeURL(), err)
	}
	revision := event.Revision
	if revision == "" {
		revision = "HEAD"
	}
	if err := checkout(ctx, dir, revision); err != nil {
		return nil, RevisionError(revision, err)
	}
	resolved, err := refRevision(ctx, dir, "HEAD")
	if err != nil {
		return nil, errors.Wrap(err, "resolving checked out revision")
	}
	if err := os.RemoveAll(filepath.Join(dir, ".git")); err != nil {
		return nil, errors.Wrap(err, "removing git metadata from snapshot")
	}
	if g.Logger != nil {
		g.Logger.Log("info", "fetched source", "url", g.Remote.SafeURL(), "branch", event.Branch, "revision", resolved)
	}
	return &Snapshot{Dir: dir, Revision: resolved, Event: event}, nil
}

type gitCmdConfig struct {
	dir string
	env []string
	out io.Writer
}

func clone(ctx context.Context, workingDir, repoURL, repoBranch string) (path string, err error) {
	repoPath := workingDir
	args := []string{"clone", "--quiet"}
	if repoBranch != "" {
		args = append(args, "--branch", repoBranch)
	}
	args = append(args, repoURL, repoPath)
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir}); err != nil {
		return "", errors.Wrap(err, "git clone")
	}
	return repoPath, nil
}

func checkout(ctx context.Context, workingDir, ref string) error {
	args := []string{"checkout", "--quiet", ref, "--"}
	return execGitCmd(ctx, args, gitCmdConfig{dir: workingDir})
}

func refRevision(ctx context.Context, workingDir, ref string) (string, error) {
	out := &bytes.Buffer{}
	args := []string{"rev-list", "--max-count", "1", ref, "--"}
	if err := execGitCmd(ctx, args, gitCmdConfig{dir: workingDir, out: out}); err != nil {
		return "", err
	}
	return strings.TrimSpace(out.String()), nil
}

// threadSafeBuffer is the git command's combined output; the two
// streams are written from different goroutines.
type threadSafeBuffer struct {
	buf bytes.Buffer
	mu  sync.Mutex
}

func (b *threadSafeBuffer) Write(p []byte) (n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *threadSafeBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func execGitCmd(ctx context.Context, args []string, config gitCmdConfig) error {
	c := exec.CommandContext(ctx, "git", args...)

	if config.dir != "" {
		c.Dir = config.dir
	}
	c.Env = append(env(), config.env...)
	stdOutAndStdErr := &threadSafeBuffer{}
	c.Stdout = stdOutAndStdErr
	c.Stderr = stdOutAndStdErr
	if config.out != nil {
		c.Stdout = io.MultiWriter(c.Stdout, config.out)
	}

	err := c.Run()
	if err != nil {
		if output := stdOutAndStdErr.String(); output != "" {
			err = errors.New(output)
			if msg := findErrorMessage(strings.NewReader(output)); msg != "" {
				err = fmt.Errorf("%s, full output:\n %s", msg, output)
			}
		}
	}

	if ctx.Err() == context.DeadlineExceeded {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("running git command: %s %v", "git", args))
	} else if ctx.Err() == context.Canceled {
		return errors.Wrap(ctx.Err(), fmt.Sprintf("context was unexpectedly cancelled when running git command: %s %v", "git", args))
	}
	return err
}

func env() []string {
	env := []string{"GIT_TERMINAL_PROMPT=0"}

	// include allowed env vars from os
	for _, k := range allowedEnvVars {
		if v, ok := os.LookupEnv(k); ok {
			env = append(env, k+"="+v)
		}
	}
	return env
}

func findErrorMessage(output io.Reader) string {
	sc := bufio.NewScanner(output)
	for sc.Scan() {
		switch {
		case strings.HasPrefix(sc.Text(), "fatal: "):
			return sc.Text()
		case strings.HasPrefix(sc.Text(), "error:"):
			return strings.TrimPrefix(sc.Text(), "error: ")
		}
	}
	return ""
}
