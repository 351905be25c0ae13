package errors

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Representation of errors in the API. These are divided into a small
// number of categories, essentially distinguished by whose fault the
// error is; i.e., is this error:
//   - a transient problem with the daemon, so worth trying again?
//   - about something that isn't there (an artifact tag, a run)?
//   - not going to work until the user changes what they asked for?
type Error struct {
	Type Type
	// a message that can be printed out for the user
	Help string `json:"help"`
	// the underlying error that can be e.g., logged for developers to look at
	Err error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

type Type string

const (
	// The operation looked fine on paper, but something went wrong
	Server Type = "server"
	// The thing you mentioned, whatever it is, just doesn't exist
	Missing Type = "missing"
	// The operation was well-formed, but you asked for something that
	// can't happen at present (e.g., a deploy is already running)
	User Type = "user"
)

func IsMissing(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == Missing
	}
	return false
}

func IsUser(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == User
	}
	return false
}

// MissingError makes an error for when something named in a request
// could not be found.
func MissingError(what string, err error) *Error {
	return &Error{
		Type: Missing,
		Err:  err,
		Help: fmt.Sprintf(`%s could not be found.

Check the name you supplied, e.g., with

    relayctl tags

for artifacts, or

    relayctl runs

for pipeline runs.
`, what),
	}
}

// UserError makes an error for a request that can't be satisfied as
// given.
func UserError(err error, help string) *Error {
	return &Error{
		Type: User,
		Err:  err,
		Help: help,
	}
}

func (e *Error) MarshalJSON() ([]byte, error) {
	var errMsg string
	if e.Err != nil {
		errMsg = e.Err.Error()
	}
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{
		Type: string(e.Type),
		Help: e.Help,
		Err:  errMsg,
	}
	return json.Marshal(jsonable)
}

func (e *Error) UnmarshalJSON(data []byte) error {
	jsonable := &struct {
		Type string `json:"type"`
		Help string `json:"help"`
		Err  string `json:"error,omitempty"`
	}{}
	if err := json.Unmarshal(data, &jsonable); err != nil {
		return err
	}
	e.Type = Type(jsonable.Type)
	e.Help = jsonable.Help
	if jsonable.Err != "" {
		e.Err = errors.New(jsonable.Err)
	}
	return nil
}

func CoverAllError(err error) *Error {
	return &Error{
		Type: User,
		Err:  err,
		Help: `Error: ` + err.Error() + `

We don't have a specific help message for the error above.

It would help us remedy this if you log an issue at

    https://github.com/fluxcd/relay/issues

saying what you were doing when you saw this, and quoting the message
at the top.
`,
	}
}
