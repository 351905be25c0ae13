package memcached

import (
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
)

// fakeSRV answers SRV lookups from a record set that can be changed.
type fakeSRV struct {
	mu      sync.Mutex
	records []*net.SRV
	err     error
	asked   []string
}

func (f *fakeSRV) lookup(service, proto, name string) (string, []*net.SRV, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.asked = append(f.asked, "_"+service+"._"+proto+"."+name)
	return "", f.records, f.err
}

func (f *fakeSRV) set(records ...*net.SRV) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = records
	f.err = nil
}

func servers(c *MemcacheClient) []string {
	var addrs []string
	c.serverList.Each(func(a net.Addr) error {
		addrs = append(addrs, a.String())
		return nil
	})
	return addrs
}

func TestMemcacheClient_DiscoversServers(t *testing.T) {
	srv := &fakeSRV{records: []*net.SRV{
		{Target: "127.0.0.2.", Port: 11211},
		{Target: "127.0.0.1.", Port: 11211},
	}}
	c := newMemcacheClient(MemcacheConfig{
		Host:           "memcached.relay.svc.cluster.local",
		Service:        "memcached",
		UpdateInterval: 10 * time.Millisecond,
		Logger:         log.NewNopLogger(),
	}, srv.lookup)
	defer c.Stop()

	assert.Equal(t, "_memcached._tcp.memcached.relay.svc.cluster.local", srv.asked[0])
	// sorted, so every relayd picks the same server for a key
	assert.Equal(t, []string{"127.0.0.1:11211", "127.0.0.2:11211"}, servers(c))

	srv.set(&net.SRV{Target: "127.0.0.3.", Port: 11212})
	assert.Eventually(t, func() bool {
		s := servers(c)
		return len(s) == 1 && s[0] == "127.0.0.3:11212"
	}, time.Second, 5*time.Millisecond)
}

func TestMemcacheClient_KeepsServersWhenLookupFails(t *testing.T) {
	srv := &fakeSRV{records: []*net.SRV{{Target: "127.0.0.1.", Port: 11211}}}
	c := newMemcacheClient(MemcacheConfig{
		Host:           "memcached",
		Service:        "memcached",
		UpdateInterval: time.Hour,
		Logger:         log.NewNopLogger(),
	}, srv.lookup)
	defer c.Stop()

	srv.mu.Lock()
	srv.err = errors.New("no such host")
	srv.mu.Unlock()
	assert.Error(t, c.updateFromSRVRecords())
	srv.set()
	assert.Error(t, c.updateFromSRVRecords())
	assert.Equal(t, []string{"127.0.0.1:11211"}, servers(c))
}
