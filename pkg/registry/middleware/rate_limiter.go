package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

const (
	minLimit  = 0.1
	backOffBy = 2.0
	recoverBy = 1.5

	// AWS APIs signal throttling with a 400 and this header, rather
	// than a 429.
	awsErrorTypeHeader = "X-Amzn-Errortype"
)

var throttlingErrorTypes = []string{
	"ThrottlingException",
	"TooManyRequestsException",
	"RequestLimitExceeded",
}

// RateLimiters keeps track of per-host rate limiting for the hosts
// relay talks to: the registry API, and the download locations it
// hands out.
//
// Use `*RateLimiters.RoundTripper(host)` to obtain a rate limited
// HTTP transport for a host. The RoundTripper reacts to being
// throttled (`HTTP 429`, or an AWS throttling error) by halving the
// limit for that host, and to each subsequent success by raising it
// back towards RPS.
type RateLimiters struct {
	RPS     float64
	Burst   int
	Logger  log.Logger
	perHost map[string]*rate.Limiter
	mu      sync.Mutex
}

func (limiters *RateLimiters) clip(limit float64) float64 {
	if limit < minLimit {
		return minLimit
	}
	if limit > limiters.RPS {
		return limiters.RPS
	}
	return limit
}

// limiter gets or creates the limiter for a host. The caller must
// hold the lock.
func (limiters *RateLimiters) limiter(host string) *rate.Limiter {
	if limiters.perHost == nil {
		limiters.perHost = map[string]*rate.Limiter{}
	}
	rl, ok := limiters.perHost[host]
	if !ok {
		rl = rate.NewLimiter(rate.Limit(limiters.RPS), limiters.Burst)
		limiters.perHost[host] = rl
	}
	return rl
}

func (limiters *RateLimiters) adjust(host string, by float64, msg string) {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	limiter := limiters.limiter(host)
	oldLimit := float64(limiter.Limit())
	newLimit := limiters.clip(oldLimit * by)
	if oldLimit == newLimit {
		return
	}
	if limiters.Logger != nil {
		limiters.Logger.Log("info", msg, "host", host, "limit", strconv.FormatFloat(newLimit, 'f', 2, 64))
	}
	limiter.SetLimit(rate.Limit(newLimit))
}

// BackOff reduces the limit for a host. A RoundTripper obtained for
// the host does this itself when it is throttled.
func (limiters *RateLimiters) BackOff(host string) {
	limiters.adjust(host, 1/backOffBy, "reducing rate limit")
}

// Recover bumps the limit for a host back up towards RPS.
func (limiters *RateLimiters) Recover(host string) {
	limiters.adjust(host, recoverBy, "increasing rate limit")
}

// Limit reports the current limit for a host, in requests per second.
func (limiters *RateLimiters) Limit(host string) float64 {
	limiters.mu.Lock()
	defer limiters.mu.Unlock()
	return float64(limiters.limiter(host).Limit())
}

// RoundTripper returns a transport for a particular host.
func (limiters *RateLimiters) RoundTripper(rt http.RoundTripper, host string) http.RoundTripper {
	limiters.mu.Lock()
	rl := limiters.limiter(host)
	limiters.mu.Unlock()
	return &roundTripRateLimiter{
		rl:       rl,
		tx:       rt,
		slowDown: func() { limiters.BackOff(host) },
		speedUp:  func() { limiters.Recover(host) },
	}
}

type roundTripRateLimiter struct {
	rl       *rate.Limiter
	tx       http.RoundTripper
	slowDown func()
	speedUp  func()
}

func throttled(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusBadRequest {
		return false
	}
	errType := resp.Header.Get(awsErrorTypeHeader)
	for _, t := range throttlingErrorTypes {
		if strings.HasPrefix(errType, t) {
			return true
		}
	}
	return false
}

func (t *roundTripRateLimiter) RoundTrip(r *http.Request) (*http.Response, error) {
	// Wait errors out if the request cannot be processed within
	// the deadline. This is pre-emptive, instead of waiting the
	// entire duration.
	if err := t.rl.Wait(r.Context()); err != nil {
		return nil, errors.Wrap(err, "rate limited")
	}
	resp, err := t.tx.RoundTrip(r)
	if err != nil {
		return nil, err
	}
	switch {
	case throttled(resp):
		t.slowDown()
	case resp.StatusCode < 400:
		t.speedUp()
	}
	return resp, err
}
