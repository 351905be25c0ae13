package daemon

import (
	"fmt"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/job"
	"github.com/fluxcd/relay/pkg/source"
)

func unknownJobError(id job.ID) error {
	return &fluxerr.Error{
		Type: fluxerr.Missing,
		Err:  fmt.Errorf("unknown job %q", string(id)),
		Help: `Job not found

relayd only remembers the status of recent jobs, and forgets all of
them when it restarts. If the job was a pipeline run, its outcome is
still in the run history; see

    relayctl runs

If you get this error for a job you have just started, it's probably
a bug. Please log an issue describing what you were attempting, and
posting logs from the daemon if possible:

    https://github.com/fluxcd/relay/issues

`,
	}
}

func invalidTagError(tag string, reason error) error {
	return &fluxerr.Error{
		Type: fluxerr.User,
		Err:  reason,
		Help: `Invalid tag

The tag

    ` + tag + `

is not valid. A tag starts with a letter, digit or underscore, may
contain letters, digits, underscores, periods and dashes, and is at
most 128 characters long.
`,
	}
}

func invalidPushError(push source.PushEvent) error {
	return &fluxerr.Error{
		Type: fluxerr.User,
		Err:  fmt.Errorf("push notification with repository %q and branch %q", push.Repository, push.Branch),
		Help: `Incomplete push notification

A push notification must name both the repository and the branch that
was pushed to.
`,
	}
}

func invalidReplicasError(n int) error {
	return &fluxerr.Error{
		Type: fluxerr.User,
		Err:  fmt.Errorf("cannot scale to %d replicas", n),
		Help: `The replica count must be zero or more. It is adjusted to fall
within the minimum and maximum of the service definition; see

    relayctl status

for those.
`,
	}
}
