// Package httperror explains failed calls to the relayd API that
// didn't come back with one of relayd's own errors, e.g., because a
// load balancer answered instead.
package httperror

import (
	"fmt"
	"net/http"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
)

// APIError is a response from the API with a status other than
// success, and a body that isn't a relay error.
type APIError struct {
	StatusCode int
	Status     string
	Body       string
	// URL is the request URL, so the help can say where relayctl
	// was looking.
	URL string
}

func (err *APIError) Error() string {
	if err.Body == "" {
		return err.Status
	}
	return fmt.Sprintf("%s (%s)", err.Status, err.Body)
}

// IsUnavailable says whether relayd, or something in front of it,
// couldn't serve the request just now.
func (err *APIError) IsUnavailable() bool {
	switch err.StatusCode {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsMissing says whether the API call isn't there. relayd answers
// calls it doesn't know with its own error, so this usually means
// something other than relayd is at the URL.
func (err *APIError) IsMissing() bool {
	return err.StatusCode == http.StatusNotFound
}

// IsRefused says whether something in front of relayd turned the
// request away.
func (err *APIError) IsRefused() bool {
	return err.StatusCode == http.StatusUnauthorized || err.StatusCode == http.StatusForbidden
}

// Explain gives the error a type and help, as though relayd had sent
// it. The APIError stays reachable with errors.As.
func (err *APIError) Explain() *fluxerr.Error {
	switch {
	case err.IsUnavailable():
		return &fluxerr.Error{
			Type: fluxerr.Server,
			Err:  err,
			Help: fmt.Sprintf(`relayd isn't answering at %s (%s).

It may be restarting, or a deploy of relayd itself may be under way;
try again in a minute. If it keeps happening, check relayd's logs.
`, err.where(), err.Status),
		}
	case err.IsMissing():
		return &fluxerr.Error{
			Type: fluxerr.Missing,
			Err:  err,
			Help: fmt.Sprintf(`Whatever is at %s doesn't have the relayd API.

Check the --url flag, or RELAY_URL in the environment, points at relayd,
e.g., with

    relayctl version --server
`, err.where()),
		}
	case err.IsRefused():
		return &fluxerr.Error{
			Type: fluxerr.User,
			Err:  err,
			Help: fmt.Sprintf(`The request to %s was refused (%s).

relayd doesn't check credentials itself, so something between
relayctl and relayd did. Check you are using the right --url, and
that you are allowed to reach it.
`, err.where(), err.Status),
		}
	}
	return &fluxerr.Error{
		Type: fluxerr.Server,
		Err:  err,
		Help: fmt.Sprintf(`relayd at %s failed with %s:

    %s
`, err.where(), err.Status, err.Body),
	}
}

func (err *APIError) where() string {
	if err.URL == "" {
		return "the given URL"
	}
	return err.URL
}
