package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io/ioutil"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	transport "github.com/fluxcd/relay/pkg/http"
	"github.com/fluxcd/relay/pkg/http/client"
	"github.com/fluxcd/relay/pkg/job"
)

// statusSequence answers each poll with the next status, then keeps
// giving the last.
type statusSequence []job.Status

func (s *statusSequence) RoundTrip(req *http.Request) (*http.Response, error) {
	next := (*s)[0]
	if len(*s) > 1 {
		*s = (*s)[1:]
	}
	b, _ := json.Marshal(next)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{},
		Body:       ioutil.NopCloser(bytes.NewReader(b)),
	}, nil
}

func TestAwaitJob_ReportsProgress(t *testing.T) {
	seq := &statusSequence{
		{Kind: job.KindRun, StatusString: job.StatusQueued, Ahead: 2},
		{Kind: job.KindRun, StatusString: job.StatusQueued, Ahead: 2},
		{Kind: job.KindRun, StatusString: job.StatusQueued, Ahead: 1},
		{Kind: job.KindRun, StatusString: job.StatusRunning},
		{Kind: job.KindRun, StatusString: job.StatusRunning},
		{Kind: job.KindRun, StatusString: job.StatusSucceeded, Result: job.Result{RunID: "run-3"}},
	}
	c := client.New(&http.Client{Transport: seq}, transport.NewAPIRouter(), "http://relayd")
	out := new(bytes.Buffer)

	result, err := awaitJob(context.Background(), c, "job-3", out)
	require.NoError(t, err)
	assert.Equal(t, "run-3", result.RunID)
	assert.Equal(t, "Waiting for 2 jobs ahead\nWaiting for 1 job ahead\nStarted run\n", out.String())
}

func TestAwaitJob_Failed(t *testing.T) {
	seq := &statusSequence{{
		Kind:         job.KindRun,
		StatusString: job.StatusFailed,
		Err:          "SourceFetchFailure in stage SourceCode: no such branch",
		Failure:      "SourceFetchFailure",
		Result:       job.Result{RunID: "run-4"},
	}}
	c := client.New(&http.Client{Transport: seq}, transport.NewAPIRouter(), "http://relayd")

	result, err := awaitJob(context.Background(), c, "job-4", new(bytes.Buffer))
	require.Error(t, err)
	assert.Equal(t, "run-4", result.RunID)
	var status job.Status
	require.True(t, errors.As(err, &status))
	assert.Equal(t, "SourceFetchFailure", status.Failure)
}
