package middleware

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, rt http.RoundTripper, u string) *http.Response {
	req, err := http.NewRequest("GET", u, nil)
	require.NoError(t, err)
	resp, err := rt.RoundTrip(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp
}

func TestRoundTripper_BacksOffAndRecovers(t *testing.T) {
	status := http.StatusTooManyRequests
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))
	defer server.Close()
	u, _ := url.Parse(server.URL)

	limiters := &RateLimiters{RPS: 100, Burst: 10, Logger: log.NewNopLogger()}
	rt := limiters.RoundTripper(http.DefaultTransport, u.Host)

	get(t, rt, server.URL)
	assert.Equal(t, 50.0, limiters.Limit(u.Host))
	get(t, rt, server.URL)
	assert.Equal(t, 25.0, limiters.Limit(u.Host))

	status = http.StatusOK
	get(t, rt, server.URL)
	assert.Equal(t, 37.5, limiters.Limit(u.Host))
	for i := 0; i < 5; i++ {
		get(t, rt, server.URL)
	}
	assert.Equal(t, 100.0, limiters.Limit(u.Host))
}

func TestRoundTripper_AWSThrottling(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(awsErrorTypeHeader, "ThrottlingException:http://internal.amazon.com/coral/com.amazon.coral.availability/")
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()
	u, _ := url.Parse(server.URL)

	limiters := &RateLimiters{RPS: 10, Burst: 1}
	get(t, limiters.RoundTripper(http.DefaultTransport, u.Host), server.URL)
	assert.Equal(t, 5.0, limiters.Limit(u.Host))
}

func TestRateLimiters_Clip(t *testing.T) {
	limiters := &RateLimiters{RPS: 1, Burst: 1}
	for i := 0; i < 10; i++ {
		limiters.BackOff("example.com")
	}
	assert.Equal(t, minLimit, limiters.Limit("example.com"))
	// other hosts are unaffected
	assert.Equal(t, 1.0, limiters.Limit("other.example.com"))
}
