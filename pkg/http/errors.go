package http

import (
	"errors"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
)

var ErrorDeprecated = &fluxerr.Error{
	Type: fluxerr.Missing,
	Help: `The API endpoint requested appears to have been deprecated.

This indicates your client (relayctl) needs to be updated: please see

    https://github.com/fluxcd/relay/releases

If you still have this problem after upgrading, please file an issue at

    https://github.com/fluxcd/relay/issues

mentioning what you were attempting to do.
`,
	Err: errors.New("API endpoint deprecated"),
}

func MakeAPINotFound(path string) *fluxerr.Error {
	return &fluxerr.Error{
		Type: fluxerr.Missing,
		Help: `The API endpoint requested is not supported by this server.

This indicates that your client (probably relayctl) is either out of
date, or faulty. Please see

    https://github.com/fluxcd/relay/releases

for releases of relayctl.

If you still have problems, please file an issue at

    https://github.com/fluxcd/relay/issues

mentioning what you were attempting to do, and include this path:

    ` + path + `
`,
		Err: errors.New("API endpoint not found"),
	}
}

// BadRequest wraps a malformed request parameter or body as a user
// error, so it is reported with help text rather than as a crash.
func BadRequest(err error, help string) *fluxerr.Error {
	return fluxerr.UserError(err, help)
}
