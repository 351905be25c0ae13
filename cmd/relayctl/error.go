package main

import (
	"fmt"
	"io"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
	"github.com/fluxcd/relay/pkg/job"
)

// usageError is a command given the wrong arguments; the usage is
// printed after it.
type usageError struct {
	error
}

func newUsageError(msg string) usageError {
	return usageError{error: errors.New(msg)}
}

var (
	errorWantedNoArgs = newUsageError("expected no (non-flag) arguments")
	errorWantedTag    = newUsageError("expected exactly one argument, the tag of the artifact")
	errorWantedRunID  = newUsageError("expected exactly one argument, the ID of the run")
)

func errorWantedReplicas(arg string) usageError {
	return newUsageError(fmt.Sprintf("%q is not a number of replicas", arg))
}

// reportError prints what went wrong for the user: the help for
// relayd's errors, the stage a failed job failed in, and the usage
// for a command given the wrong arguments.
func reportError(w io.Writer, cmd *cobra.Command, err error) {
	var help *fluxerr.Error
	var status job.Status
	switch {
	case errors.As(err, &help) && help.Help != "":
		fmt.Fprintln(w, help.Help)
	case errors.As(err, &status) && status.Failure != "":
		fmt.Fprintf(w, "Error: %s\n\nSee the run's stages with\n\n    relayctl run %s\n", status.Err, status.Result.RunID)
	default:
		fmt.Fprintf(w, "Error: %s\n", err)
	}
	if _, ok := err.(usageError); ok && cmd != nil {
		fmt.Fprintln(w)
		fmt.Fprintln(w, cmd.UsageString())
	}
}
