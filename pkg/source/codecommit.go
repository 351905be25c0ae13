package source

import (
	"context"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/codecommit"
	"github.com/aws/aws-sdk-go/service/codecommit/codecommitiface"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

// CodeCommit snapshots a CodeCommit repository. The clone URL and,
// when the event doesn't say, the revision at the head of the branch
// are looked up through the API; the clone itself is done with git,
// which needs the CodeCommit credential helper configured.
type CodeCommit struct {
	api        codecommitiface.CodeCommitAPI
	Repository string
	// UseSSH clones over SSH rather than HTTPS.
	UseSSH  bool
	WorkDir string
	Logger  log.Logger

	// fetch is how the clone is done once the URL is known
	fetch func(ctx context.Context, remote Remote, event PushEvent) (*Snapshot, error)
}

var _ Fetcher = &CodeCommit{}

func NewCodeCommit(region, repository string, logger log.Logger) (*CodeCommit, error) {
	sess, err := session.NewSession(&aws.Config{Region: aws.String(region)})
	if err != nil {
		return nil, errors.Wrap(err, "creating AWS session")
	}
	return newCodeCommit(codecommit.New(sess), repository, logger), nil
}

func newCodeCommit(api codecommitiface.CodeCommitAPI, repository string, logger log.Logger) *CodeCommit {
	c := &CodeCommit{api: api, Repository: repository, Logger: logger}
	c.fetch = func(ctx context.Context, remote Remote, event PushEvent) (*Snapshot, error) {
		g := &Git{Remote: remote, WorkDir: c.WorkDir, Logger: c.Logger}
		return g.Fetch(ctx, event)
	}
	return c
}

// Remote looks up where to clone the repository from.
func (c *CodeCommit) Remote(ctx context.Context) (Remote, error) {
	out, err := c.api.GetRepositoryWithContext(ctx, &codecommit.GetRepositoryInput{
		RepositoryName: aws.String(c.Repository),
	})
	if err != nil {
		return Remote{}, errors.Wrapf(err, "getting CodeCommit repository %s", c.Repository)
	}
	meta := out.RepositoryMetadata
	if meta == nil {
		return Remote{}, errors.Errorf("CodeCommit repository %s has no metadata", c.Repository)
	}
	if c.UseSSH {
		return Remote{URL: aws.StringValue(meta.CloneUrlSsh)}, nil
	}
	return Remote{URL: aws.StringValue(meta.CloneUrlHttp)}, nil
}

// Head is the commit at the tip of the branch.
func (c *CodeCommit) Head(ctx context.Context, branch string) (string, error) {
	out, err := c.api.GetBranchWithContext(ctx, &codecommit.GetBranchInput{
		RepositoryName: aws.String(c.Repository),
		BranchName:     aws.String(branch),
	})
	if err != nil {
		return "", errors.Wrapf(err, "getting branch %s of %s", branch, c.Repository)
	}
	if out.Branch == nil || out.Branch.CommitId == nil {
		return "", errors.Errorf("branch %s of %s has no commit", branch, c.Repository)
	}
	return *out.Branch.CommitId, nil
}

func (c *CodeCommit) Fetch(ctx context.Context, event PushEvent) (*Snapshot, error) {
	if event.Repository != "" && event.Repository != c.Repository {
		return nil, errors.Errorf("push to %s, but this source is for %s", event.Repository, c.Repository)
	}
	if event.Revision == "" {
		head, err := c.Head(ctx, event.Branch)
		if err != nil {
			return nil, err
		}
		event.Revision = head
	}
	remote, err := c.Remote(ctx)
	if err != nil {
		return nil, err
	}
	return c.fetch(ctx, remote, event)
}
