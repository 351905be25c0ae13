package client

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/api"
	fluxerr "github.com/fluxcd/relay/pkg/errors"
	transport "github.com/fluxcd/relay/pkg/http"
	"github.com/fluxcd/relay/pkg/http/httperror"
	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/job"
	"github.com/fluxcd/relay/pkg/pipeline"
	"github.com/fluxcd/relay/pkg/source"
	"github.com/fluxcd/relay/pkg/target"
)

type Client struct {
	client   *http.Client
	router   *mux.Router
	endpoint string
}

var _ api.Server = &Client{}

func New(c *http.Client, router *mux.Router, endpoint string) *Client {
	return &Client{
		client:   c,
		router:   router,
		endpoint: endpoint,
	}
}

func (c *Client) Ping(ctx context.Context) error {
	return c.Get(ctx, nil, transport.Ping)
}

func (c *Client) Version(ctx context.Context) (string, error) {
	var v string
	err := c.Get(ctx, &v, transport.Version)
	return v, err
}

func (c *Client) NotifyPush(ctx context.Context, push source.PushEvent) (api.NotifyResult, error) {
	var res api.NotifyResult
	err := c.methodWithResp(ctx, "POST", &res, transport.Notify, push)
	return res, err
}

func (c *Client) Deploy(ctx context.Context, tag string) (job.ID, error) {
	var res job.ID
	err := c.methodWithResp(ctx, "POST", &res, transport.Deploy, nil, "tag", tag)
	return res, err
}

func (c *Client) JobStatus(ctx context.Context, jobID job.ID) (job.Status, error) {
	var res job.Status
	err := c.Get(ctx, &res, transport.JobStatus, "id", string(jobID))
	return res, err
}

func (c *Client) ListRuns(ctx context.Context, limit int) ([]pipeline.Run, error) {
	var res []pipeline.Run
	var params []string
	if limit > 0 {
		params = []string{"limit", strconv.Itoa(limit)}
	}
	err := c.Get(ctx, &res, transport.ListRuns, params...)
	return res, err
}

func (c *Client) GetRun(ctx context.Context, id string) (api.RunDetail, error) {
	var res api.RunDetail
	err := c.Get(ctx, &res, transport.GetRun, "id", id)
	return res, err
}

func (c *Client) TargetStatus(ctx context.Context) (target.Status, error) {
	var res target.Status
	err := c.Get(ctx, &res, transport.TargetStatus)
	return res, err
}

func (c *Client) Scale(ctx context.Context, replicas int) (api.ScaleResult, error) {
	var res api.ScaleResult
	err := c.methodWithResp(ctx, "POST", &res, transport.Scale, nil, "replicas", strconv.Itoa(replicas))
	return res, err
}

func (c *Client) ListArtifacts(ctx context.Context) ([]image.Info, error) {
	var res []image.Info
	err := c.Get(ctx, &res, transport.ListArtifacts)
	return res, err
}

func (c *Client) PushArtifact(ctx context.Context, tag string, artifact []byte) (image.Info, error) {
	var res image.Info
	u, err := transport.MakeURL(c.endpoint, c.router, transport.PushArtifact, "tag", tag)
	if err != nil {
		return res, errors.Wrap(err, "constructing URL")
	}
	req, err := http.NewRequest("PUT", u.String(), bytes.NewReader(artifact))
	if err != nil {
		return res, errors.Wrapf(err, "constructing request %s", u)
	}
	req.Header.Set("Content-Type", "application/json")
	err = c.do(ctx, req, &res)
	return res, err
}

func (c *Client) PullArtifact(ctx context.Context, tag string) ([]byte, error) {
	u, err := transport.MakeURL(c.endpoint, c.router, transport.PullArtifact, "tag", tag)
	if err != nil {
		return nil, errors.Wrap(err, "constructing URL")
	}
	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "constructing request %s", u)
	}
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := c.executeRequest(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return ioutil.ReadAll(resp.Body)
}

// --- Request helpers

// methodWithResp handles body and query-param encoding, as well as
// decoding the response into the provided destination. The response
// is only decoded into dest if it is not empty.
func (c *Client) methodWithResp(ctx context.Context, method string, dest interface{}, route string, body interface{}, queryParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, queryParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	var bodyBytes []byte
	if body != nil {
		bodyBytes, err = json.Marshal(body)
		if err != nil {
			return errors.Wrap(err, "encoding request body")
		}
	}

	req, err := http.NewRequest(method, u.String(), bytes.NewReader(bodyBytes))
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(ctx, req, dest)
}

// Get executes a get request against the relay daemon. It unmarshals
// the response into dest, if not nil.
func (c *Client) Get(ctx context.Context, dest interface{}, route string, queryParams ...string) error {
	u, err := transport.MakeURL(c.endpoint, c.router, route, queryParams...)
	if err != nil {
		return errors.Wrap(err, "constructing URL")
	}

	req, err := http.NewRequest("GET", u.String(), nil)
	if err != nil {
		return errors.Wrapf(err, "constructing request %s", u)
	}
	return c.do(ctx, req, dest)
}

func (c *Client) do(ctx context.Context, req *http.Request, dest interface{}) error {
	req = req.WithContext(ctx)
	req.Header.Set("Accept", "application/json")

	resp, err := c.executeRequest(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBytes, err := ioutil.ReadAll(resp.Body)
	if err != nil {
		return errors.Wrap(err, "reading response from server")
	}
	if dest == nil || len(respBytes) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBytes, dest); err != nil {
		return errors.Wrap(err, "decoding response from server")
	}
	return nil
}

func (c *Client) executeRequest(req *http.Request) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "executing HTTP request")
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent, http.StatusAccepted:
		return resp, nil
	default:
		defer resp.Body.Close()
		body, err := ioutil.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err != nil {
			return nil, errors.Wrap(err, "reading response body of error")
		}
		// Use the content type to discriminate between `fluxerr.Error`,
		// and any old error
		if strings.HasPrefix(resp.Header.Get(http.CanonicalHeaderKey("Content-Type")), "application/json") {
			var niceError fluxerr.Error
			if err := json.Unmarshal(body, &niceError); err != nil {
				return nil, errors.Wrap(err, "decoding response body of error")
			}
			// just in case it's JSON but not one of our own errors
			if niceError.Err != nil {
				return nil, &niceError
			}
		}
		apiErr := &httperror.APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(body)),
		}
		if req.URL != nil {
			apiErr.URL = req.URL.Scheme + "://" + req.URL.Host
		}
		return nil, apiErr.Explain()
	}
}
