/*
	This package keeps artifacts in memcached.

Items are stored without expiry. memcached will still evict things
when under memory pressure, and refuses items larger than its item size
limit (1MB by default), so this backend suits small artifacts, e.g.,
image definitions naming a container image, rather than whole images.
*/
package memcached

import (
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bradfitz/gomemcache/memcache"
	"github.com/go-kit/kit/log"
	"github.com/pkg/errors"

	"github.com/fluxcd/relay/pkg/registry/cache"
)

// MemcacheClient is a memcache client that gets its server list from SRV
// records, and periodically updates that ServerList.
type MemcacheClient struct {
	client     *memcache.Client
	serverList *memcache.ServerList
	hostname   string
	service    string
	logger     log.Logger
	lookupSRV  func(service, proto, name string) (string, []*net.SRV, error)

	quit chan struct{}
	wait sync.WaitGroup
}

var _ cache.Client = &MemcacheClient{}

// MemcacheConfig defines how a MemcacheClient should be constructed.
type MemcacheConfig struct {
	Host           string
	Service        string
	Timeout        time.Duration
	UpdateInterval time.Duration
	Logger         log.Logger
	MaxIdleConns   int
}

// NewMemcacheClient finds the memcached servers from the SRV records of
// config.Service under config.Host, and looks again every
// config.UpdateInterval.
func NewMemcacheClient(config MemcacheConfig) *MemcacheClient {
	return newMemcacheClient(config, net.LookupSRV)
}

func newMemcacheClient(config MemcacheConfig, lookupSRV func(service, proto, name string) (string, []*net.SRV, error)) *MemcacheClient {
	var servers memcache.ServerList
	client := memcache.NewFromSelector(&servers)
	client.Timeout = config.Timeout
	client.MaxIdleConns = config.MaxIdleConns

	newClient := &MemcacheClient{
		client:     client,
		serverList: &servers,
		hostname:   config.Host,
		service:    config.Service,
		logger:     config.Logger,
		lookupSRV:  lookupSRV,
		quit:       make(chan struct{}),
	}

	if err := newClient.updateFromSRVRecords(); err != nil {
		config.Logger.Log("err", errors.Wrapf(err, "finding memcached servers for service %s under %s", config.Service, config.Host))
	}

	newClient.wait.Add(1)
	go newClient.updateLoop(config.UpdateInterval, newClient.updateFromSRVRecords)
	return newClient
}

// Does not use DNS, accepts static list of servers.
func NewFixedServerMemcacheClient(config MemcacheConfig, addresses ...string) *MemcacheClient {
	var servers memcache.ServerList
	servers.SetServers(addresses...)
	client := memcache.NewFromSelector(&servers)
	client.Timeout = config.Timeout

	return &MemcacheClient{
		client:     client,
		serverList: &servers,
		hostname:   config.Host,
		service:    config.Service,
		logger:     config.Logger,
		quit:       make(chan struct{}),
	}
}

// GetKey gets the value from the cache.
func (c *MemcacheClient) GetKey(k cache.Keyer) ([]byte, error) {
	item, err := c.client.Get(k.Key())
	if err != nil {
		if err == memcache.ErrCacheMiss {
			// Don't log on cache miss
			return nil, cache.ErrNotCached
		}
		c.logger.Log("err", errors.Wrap(err, "fetching from memcache"))
		return nil, err
	}
	return item.Value, nil
}

// SetKey sets the value at a key, with no expiry.
func (c *MemcacheClient) SetKey(k cache.Keyer, v []byte) error {
	if err := c.client.Set(&memcache.Item{
		Key:   k.Key(),
		Value: v,
	}); err != nil {
		c.logger.Log("err", errors.Wrap(err, "storing in memcache"))
		return err
	}
	return nil
}

// Stop the memcache client.
func (c *MemcacheClient) Stop() {
	close(c.quit)
	c.wait.Wait()
}

func (c *MemcacheClient) updateLoop(updateInterval time.Duration, update func() error) {
	defer c.wait.Done()
	if updateInterval <= 0 {
		updateInterval = time.Minute
	}
	ticker := time.NewTicker(updateInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := update(); err != nil {
				c.logger.Log("err", errors.Wrap(err, "updating memcache servers"))
			}
		case <-c.quit:
			return
		}
	}
}

// updateFromSRVRecords points the client at the servers in the SRV
// records, ignoring priority and weight. An empty answer keeps the
// servers already known.
func (c *MemcacheClient) updateFromSRVRecords() error {
	_, addrs, err := c.lookupSRV(c.service, "tcp", c.hostname)
	if err != nil {
		return err
	}
	if len(addrs) == 0 {
		return errors.Errorf("no SRV records for service %s under %s", c.service, c.hostname)
	}
	var servers []string
	for _, srv := range addrs {
		servers = append(servers, net.JoinHostPort(strings.TrimSuffix(srv.Target, "."), strconv.Itoa(int(srv.Port))))
	}
	// keys map to an index in the list, and DNS answers come in any order
	sort.Strings(servers)
	return c.serverList.SetServers(servers...)
}
