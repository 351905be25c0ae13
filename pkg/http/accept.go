package http

import (
	"net/http"
	"strings"

	"github.com/golang/gddo/httputil/header"
)

// negotiateContentType picks which of the offered media types to
// answer a request with, given its Accept header. Offers are in order
// of preference, and break ties in quality. With no Accept header the
// first offer wins; if the header rules out every offer, the result
// is "".
//
// An offer takes its quality from the most specific range it matches,
// so `*/*, application/json;q=0` accepts anything but JSON.
func negotiateContentType(r *http.Request, offers []string) string {
	specs := header.ParseAccept(r.Header, "Accept")
	if len(specs) == 0 {
		return offers[0]
	}
	var best string
	var bestQ float64
	for _, offer := range offers {
		if q := quality(specs, offer); q > bestQ {
			best, bestQ = offer, q
		}
	}
	return best
}

// quality is how acceptable the media type is, zero meaning not at
// all.
func quality(specs []header.AcceptSpec, mediaType string) float64 {
	q, specificity := 0.0, -1
	for _, spec := range specs {
		if s := matches(spec.Value, mediaType); s > specificity {
			q, specificity = spec.Q, s
		}
	}
	return q
}

// matches says how specifically the media range names the type: 2
// for exactly, 1 for `type/*`, 0 for `*/*`, and -1 if not at all.
func matches(mediaRange, mediaType string) int {
	switch {
	case mediaRange == "*/*":
		return 0
	case strings.EqualFold(mediaRange, mediaType):
		return 2
	case strings.HasSuffix(mediaRange, "/*"):
		prefix := strings.TrimSuffix(mediaRange, "*")
		if len(mediaType) > len(prefix) && strings.EqualFold(mediaType[:len(prefix)], prefix) {
			return 1
		}
	}
	return -1
}
