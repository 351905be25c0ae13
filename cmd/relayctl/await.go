package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/api"
	"github.com/fluxcd/relay/pkg/job"
)

var ErrTimeout = errors.New("timeout")

// awaitJob waits for relayd to finish a job, polling with backoff and
// saying when the job moves up the queue or starts. A failed job comes
// back as its job.Status, which is an error.
func awaitJob(ctx context.Context, client api.Server, jobID job.ID, out io.Writer) (job.Result, error) {
	var result job.Result
	timeout := time.Hour
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	var last job.Status
	err := backoff(100*time.Millisecond, 2, 50, timeout, func() (bool, error) {
		j, err := client.JobStatus(ctx, jobID)
		if err != nil {
			return false, err
		}
		result = j.Result
		switch j.StatusString {
		case job.StatusQueued:
			if last.StatusString != job.StatusQueued || j.Ahead != last.Ahead {
				fmt.Fprintf(out, "Waiting for %d %s ahead\n", j.Ahead, plural(j.Ahead, "job", "jobs"))
			}
		case job.StatusRunning:
			if last.StatusString != job.StatusRunning {
				fmt.Fprintf(out, "Started %s\n", j.Kind)
			}
		case job.StatusFailed:
			return false, j
		case job.StatusSucceeded:
			if j.Err != "" {
				return false, j
			}
			return true, nil
		}
		last = j
		return false, nil
	})
	return result, err
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}

// backoff calls f until it says it's done or fails, waiting longer
// each time up to maxFactor times the initial delay, and gives up
// with ErrTimeout.
func backoff(initialDelay, factor, maxFactor, timeout time.Duration, f func() (bool, error)) error {
	maxDelay := initialDelay * maxFactor
	finish := time.Now().Add(timeout)
	for delay := initialDelay; time.Now().Before(finish); delay = min(delay*factor, maxDelay) {
		ok, err := f()
		if ok || err != nil {
			return err
		}
		if time.Now().Add(delay).After(finish) {
			break
		}
		time.Sleep(delay)
	}
	return ErrTimeout
}
