package http

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	fluxerr "github.com/fluxcd/relay/pkg/errors"
)

func DeprecateVersions(r *mux.Router, versions ...string) {
	var deprecated http.HandlerFunc = func(w http.ResponseWriter, r *http.Request) {
		WriteError(w, r, http.StatusGone, ErrorDeprecated)
	}

	// Done separately so they show up as different methods in metrics
	// and logging.
	for _, version := range versions {
		r.NewRoute().Name("Deprecated:" + version).PathPrefix("/" + version + "/").HandlerFunc(deprecated)
	}
}

func NewAPIRouter() *mux.Router {
	r := mux.NewRouter()

	r.NewRoute().Name(Ping).Methods("GET").Path("/v1/ping")
	r.NewRoute().Name(Version).Methods("GET").Path("/v1/version")
	r.NewRoute().Name(Notify).Methods("POST").Path("/v1/notify")

	r.NewRoute().Name(Deploy).Methods("POST").Path("/v1/deploy").Queries("tag", "{tag}")
	r.NewRoute().Name(JobStatus).Methods("GET").Path("/v1/jobs").Queries("id", "{id}")

	r.NewRoute().Name(ListRuns).Methods("GET").Path("/v1/runs")
	r.NewRoute().Name(GetRun).Methods("GET").Path("/v1/runs/{id}")

	r.NewRoute().Name(TargetStatus).Methods("GET").Path("/v1/target")
	r.NewRoute().Name(Scale).Methods("POST").Path("/v1/target/scale").Queries("replicas", "{replicas}")

	r.NewRoute().Name(ListArtifacts).Methods("GET").Path("/v1/artifacts")
	r.NewRoute().Name(PushArtifact).Methods("PUT").Path("/v1/artifacts/{tag}")
	r.NewRoute().Name(PullArtifact).Methods("GET").Path("/v1/artifacts/{tag}")

	return r
}

func MakeURL(endpoint string, router *mux.Router, routeName string, urlParams ...string) (*url.URL, error) {
	if len(urlParams)%2 != 0 {
		panic("urlParams must be even!")
	}

	endpointURL, err := url.Parse(endpoint)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing endpoint %s", endpoint)
	}
	route := router.Get(routeName)
	if route == nil {
		return nil, errors.New("no route with name " + routeName)
	}
	// Parameters named in the route's path are filled in there; the
	// rest go in the query.
	var pathParams []string
	v := url.Values{}
	tpl, _ := route.GetPathTemplate()
	for i := 0; i < len(urlParams); i += 2 {
		if strings.Contains(tpl, "{"+urlParams[i]+"}") {
			pathParams = append(pathParams, urlParams[i], urlParams[i+1])
			continue
		}
		v.Add(urlParams[i], urlParams[i+1])
	}
	routeURL, err := route.URLPath(pathParams...)
	if err != nil {
		return nil, errors.Wrapf(err, "retrieving route path %s", routeName)
	}

	endpointURL.Path = path.Join(endpointURL.Path, routeURL.Path)
	endpointURL.RawQuery = v.Encode()
	return endpointURL, nil
}

func WriteError(w http.ResponseWriter, r *http.Request, code int, err error) {
	// relayctl asks for JSON so it can tell the kinds of error apart.
	// Anything else accepting text (curl, browsers) gets the help
	// text, and without an Accept header, just the error.
	if len(r.Header.Get("Accept")) > 0 {
		switch negotiateContentType(r, []string{"text/plain", "application/json"}) {
		case "application/json":
			body, encodeErr := json.Marshal(err)
			if encodeErr != nil {
				w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
				w.WriteHeader(http.StatusInternalServerError)
				fmt.Fprintf(w, "Error encoding error response: %s\n\nOriginal error: %s", encodeErr.Error(), err.Error())
				return
			}
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "application/json; charset=utf-8")
			w.WriteHeader(code)
			w.Write(body)
			return
		case "text/plain":
			w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
			w.WriteHeader(code)
			switch err := err.(type) {
			case *fluxerr.Error:
				fmt.Fprint(w, err.Help)
			default:
				fmt.Fprint(w, err.Error())
			}
			return
		}
	}
	w.Header().Set(http.CanonicalHeaderKey("Content-Type"), "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprint(w, err.Error())
}

func JSONResponse(w http.ResponseWriter, r *http.Request, result interface{}) {
	body, err := json.Marshal(result)
	if err != nil {
		ErrorResponse(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(body)
}

func ErrorResponse(w http.ResponseWriter, r *http.Request, apiError error) {
	var outErr *fluxerr.Error
	var code int
	var ok bool

	if ok = errors.As(apiError, &outErr); !ok {
		outErr = fluxerr.CoverAllError(apiError)
	}
	switch outErr.Type {
	case fluxerr.Missing:
		code = http.StatusNotFound
	case fluxerr.User:
		code = http.StatusUnprocessableEntity
	case fluxerr.Server:
		code = http.StatusInternalServerError
	default:
		code = http.StatusInternalServerError
	}
	WriteError(w, r, code, outErr)
}
