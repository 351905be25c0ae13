package daemon

import (
	"encoding/json"
	"io"
	"io/ioutil"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
	"github.com/weaveworks/common/middleware"

	"github.com/fluxcd/relay/pkg/api"
	transport "github.com/fluxcd/relay/pkg/http"
	"github.com/fluxcd/relay/pkg/job"
	fluxmetrics "github.com/fluxcd/relay/pkg/metrics"
	"github.com/fluxcd/relay/pkg/source"
)

// Artifacts are small JSON documents; anything much bigger is a
// mistake.
const maxArtifactSize = 1 << 20

var (
	requestDuration = stdprometheus.NewHistogramVec(stdprometheus.HistogramOpts{
		Namespace: "relay",
		Name:      "request_duration_seconds",
		Help:      "Time (in seconds) spent serving HTTP requests.",
		Buckets:   stdprometheus.DefBuckets,
	}, []string{fluxmetrics.LabelMethod, fluxmetrics.LabelRoute, "status_code", "ws"})
)

func init() {
	stdprometheus.MustRegister(requestDuration)
}

// An API server for the daemon
func NewRouter() *mux.Router {
	r := transport.NewAPIRouter()

	// There is no API before v1, but flux-style clients may try v0.
	transport.DeprecateVersions(r, "v0")
	// We assume every request that doesn't match a route is a client
	// calling an old or hitherto unsupported API.
	r.NewRoute().Name("NotFound").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		transport.WriteError(w, r, http.StatusNotFound, transport.MakeAPINotFound(r.URL.Path))
	})

	return r
}

func NewHandler(s api.Server, r *mux.Router) http.Handler {
	handle := HTTPServer{s}

	r.Get(transport.Ping).HandlerFunc(handle.Ping)
	r.Get(transport.Version).HandlerFunc(handle.Version)
	r.Get(transport.Notify).HandlerFunc(handle.Notify)

	r.Get(transport.Deploy).HandlerFunc(handle.Deploy)
	r.Get(transport.JobStatus).HandlerFunc(handle.JobStatus)

	r.Get(transport.ListRuns).HandlerFunc(handle.ListRuns)
	r.Get(transport.GetRun).HandlerFunc(handle.GetRun)

	r.Get(transport.TargetStatus).HandlerFunc(handle.TargetStatus)
	r.Get(transport.Scale).HandlerFunc(handle.Scale)

	r.Get(transport.ListArtifacts).HandlerFunc(handle.ListArtifacts)
	r.Get(transport.PushArtifact).HandlerFunc(handle.PushArtifact)
	r.Get(transport.PullArtifact).HandlerFunc(handle.PullArtifact)

	return middleware.Instrument{
		RouteMatcher: r,
		Duration:     requestDuration,
	}.Wrap(r)
}

type HTTPServer struct {
	server api.Server
}

func (s HTTPServer) Ping(w http.ResponseWriter, r *http.Request) {
	if err := s.server.Ping(r.Context()); err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s HTTPServer) Version(w http.ResponseWriter, r *http.Request) {
	version, err := s.server.Version(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, version)
}

func (s HTTPServer) Notify(w http.ResponseWriter, r *http.Request) {
	var push source.PushEvent
	if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.BadRequest(errors.Wrap(err, "decoding push event"), "The body should be a JSON push event, with at least a repository and a branch."))
		return
	}
	res, err := s.server.NotifyPush(r.Context(), push)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) Deploy(w http.ResponseWriter, r *http.Request) {
	id, err := s.server.Deploy(r.Context(), mux.Vars(r)["tag"])
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, id)
}

func (s HTTPServer) JobStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.server.JobStatus(r.Context(), job.ID(mux.Vars(r)["id"]))
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, status)
}

func (s HTTPServer) ListRuns(w http.ResponseWriter, r *http.Request) {
	var limit int
	if l := r.URL.Query().Get("limit"); l != "" {
		var err error
		if limit, err = strconv.Atoi(l); err != nil {
			transport.WriteError(w, r, http.StatusBadRequest, transport.BadRequest(errors.Wrapf(err, "parsing limit %q", l), "The limit should be a whole number of runs."))
			return
		}
	}
	runs, err := s.server.ListRuns(r.Context(), limit)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, runs)
}

func (s HTTPServer) GetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.server.GetRun(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, run)
}

func (s HTTPServer) TargetStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.server.TargetStatus(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, status)
}

func (s HTTPServer) Scale(w http.ResponseWriter, r *http.Request) {
	replicas, err := strconv.Atoi(mux.Vars(r)["replicas"])
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.BadRequest(errors.Wrapf(err, "parsing replicas %q", mux.Vars(r)["replicas"]), "The number of replicas should be a whole number."))
		return
	}
	res, err := s.server.Scale(r.Context(), replicas)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, res)
}

func (s HTTPServer) ListArtifacts(w http.ResponseWriter, r *http.Request) {
	infos, err := s.server.ListArtifacts(r.Context())
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, infos)
}

func (s HTTPServer) PushArtifact(w http.ResponseWriter, r *http.Request) {
	body, err := ioutil.ReadAll(io.LimitReader(r.Body, maxArtifactSize+1))
	if err != nil {
		transport.WriteError(w, r, http.StatusBadRequest, transport.BadRequest(errors.Wrap(err, "reading artifact"), "The artifact could not be read from the request body."))
		return
	}
	if len(body) > maxArtifactSize {
		transport.WriteError(w, r, http.StatusRequestEntityTooLarge, transport.BadRequest(errors.Errorf("artifact is larger than %d bytes", maxArtifactSize), "Artifacts are image definition files, and should be small."))
		return
	}
	info, err := s.server.PushArtifact(r.Context(), mux.Vars(r)["tag"], body)
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	transport.JSONResponse(w, r, info)
}

func (s HTTPServer) PullArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.server.PullArtifact(r.Context(), mux.Vars(r)["tag"])
	if err != nil {
		transport.ErrorResponse(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(artifact)
}
