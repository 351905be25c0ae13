// Package source turns a push to a repository into a snapshot of the
// source tree at the pushed revision, ready to be built.
package source

import (
	"context"
	"fmt"
	"os"

	"github.com/ryanuber/go-glob"
)

// PushEvent is a notification that a branch has moved.
type PushEvent struct {
	Repository string `json:"repository"`
	Owner      string `json:"owner,omitempty"`
	Branch     string `json:"branch"`
	// Revision is the commit the branch now points at. It may be
	// left empty, in which case the head of the branch is used.
	Revision string `json:"revision,omitempty"`
}

func (e PushEvent) String() string {
	rev := e.Revision
	if rev == "" {
		rev = "HEAD"
	}
	return fmt.Sprintf("%s@%s (%s)", e.Repository, e.Branch, rev)
}

// Trigger says which push events start a pipeline run. Branch is a
// glob; an empty Owner matches any owner.
type Trigger struct {
	Repository string `json:"repository"`
	Owner      string `json:"owner,omitempty"`
	Branch     string `json:"branch"`
}

func (t Trigger) Matches(e PushEvent) bool {
	if t.Repository != e.Repository {
		return false
	}
	if t.Owner != "" && t.Owner != e.Owner {
		return false
	}
	branch := t.Branch
	if branch == "" {
		branch = "*"
	}
	return glob.Glob(branch, e.Branch)
}

// Snapshot is a copy of the source tree at one revision, with no
// version control metadata.
type Snapshot struct {
	Dir      string
	Revision string
	Event    PushEvent
}

// Clean removes the snapshot from disk.
func (s *Snapshot) Clean() error {
	if s != nil && s.Dir != "" {
		return os.RemoveAll(s.Dir)
	}
	return nil
}

// Fetcher takes snapshots of the source tree.
type Fetcher interface {
	Fetch(ctx context.Context, event PushEvent) (*Snapshot, error)
}
