package target

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"
)

type backend struct {
	id       string
	url      *url.URL
	proxy    *httputil.ReverseProxy
	inflight sync.WaitGroup
}

// Balancer spreads requests round-robin over registered instances.
// An instance taken out of rotation stops getting new requests
// straight away, and is drained of the ones it has.
type Balancer struct {
	logger log.Logger

	mu       sync.Mutex
	backends []*backend
	next     int
}

func NewBalancer(logger log.Logger) *Balancer {
	return &Balancer{logger: logger}
}

// Register puts an instance into rotation.
func (b *Balancer) Register(id, address string) error {
	u, err := url.Parse("http://" + address)
	if err != nil {
		return errors.Wrapf(err, "parsing address of %s", id)
	}
	proxy := httputil.NewSingleHostReverseProxy(u)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		b.logger.Log("backend", id, "err", err)
		w.WriteHeader(http.StatusBadGateway)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for _, be := range b.backends {
		if be.id == id {
			return nil
		}
	}
	b.backends = append(b.backends, &backend{id: id, url: u, proxy: proxy})
	backendsRegistered.Set(float64(len(b.backends)))
	return nil
}

// Deregister takes an instance out of rotation, then waits until its
// in-flight requests have completed or the delay has passed.
func (b *Balancer) Deregister(ctx context.Context, id string, delay time.Duration) {
	var removed *backend
	b.mu.Lock()
	for i, be := range b.backends {
		if be.id == id {
			removed = be
			b.backends = append(b.backends[:i:i], b.backends[i+1:]...)
			break
		}
	}
	backendsRegistered.Set(float64(len(b.backends)))
	b.mu.Unlock()
	if removed == nil {
		return
	}

	drained := make(chan struct{})
	go func() {
		removed.inflight.Wait()
		close(drained)
	}()
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-drained:
	case <-timer.C:
		b.logger.Log("backend", id, "warning", "deregistration delay passed with requests still in flight")
	case <-ctx.Done():
	}
}

// Backends lists the IDs of the instances in rotation.
func (b *Balancer) Backends() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, len(b.backends))
	for i, be := range b.backends {
		ids[i] = be.id
	}
	return ids
}

func (b *Balancer) pick() *backend {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.backends) == 0 {
		return nil
	}
	be := b.backends[b.next%len(b.backends)]
	b.next = (b.next + 1) % len(b.backends)
	be.inflight.Add(1)
	return be
}

func (b *Balancer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	be := b.pick()
	if be == nil {
		http.Error(w, "no healthy instances", http.StatusServiceUnavailable)
		return
	}
	defer be.inflight.Done()
	be.proxy.ServeHTTP(w, r)
}
