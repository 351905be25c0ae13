package source

import (
	"errors"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
)

var ErrNoRemote = &fluxerr.Error{
	Type: fluxerr.User,
	Err:  errors.New("no git repository configured"),
	Help: `No git repository URL in the daemon's configuration

A pipeline run starts by cloning the repository that was pushed to,
and relayd has not been given its URL. Start relayd with --git-url,
or with --codecommit-repository to look the URL up in CodeCommit.
`,
}

func CloningError(url string, actual error) error {
	return &fluxerr.Error{
		Type: fluxerr.User,
		Err:  actual,
		Help: `Could not clone the upstream git repository

There was a problem cloning your git repository,

    ` + url + `

This may be because relayd does not have credentials for it, or
because the repository has been moved, deleted, or never existed.
`,
	}
}

func RevisionError(revision string, actual error) error {
	return &fluxerr.Error{
		Type: fluxerr.User,
		Err:  actual,
		Help: `Could not check out the pushed revision

The revision

    ` + revision + `

is not on the branch that was pushed to. It may have been removed by a
force push since the notification was sent.
`,
	}
}
