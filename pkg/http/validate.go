package http

import (
	"github.com/gorilla/mux"
	multierror "github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// ImplementsServer checks that the router serves the whole relayd
// API: every route NewAPIRouter names is there, at the same path, with
// a handler. It reports every route that falls short.
func ImplementsServer(router *mux.Router) error {
	var result error
	NewAPIRouter().Walk(func(want *mux.Route, _ *mux.Router, _ []*mux.Route) error {
		name := want.GetName()
		got := router.Get(name)
		if got == nil {
			result = multierror.Append(result, errors.Errorf("no route %s", name))
			return nil
		}
		wantPath, _ := want.GetPathTemplate()
		if gotPath, _ := got.GetPathTemplate(); gotPath != wantPath {
			result = multierror.Append(result, errors.Errorf("route %s is at %s, not %s", name, gotPath, wantPath))
		}
		if got.GetHandler() == nil {
			result = multierror.Append(result, errors.Errorf("no handler for route %s", name))
		}
		return nil
	})
	return result
}
