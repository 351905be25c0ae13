//go:build integration
// +build integration

package memcached

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry"
)

var memcachedIPs = flag.String("memcached-ips", "127.0.0.1:11211", "space-separated host:port values for memcached to connect to")

// This exercises a registry kept in a real memcached, end to end.
func TestStore_MemcachedPushPull(t *testing.T) {
	mc := NewFixedServerMemcacheClient(MemcacheConfig{
		Timeout: time.Second,
		Logger:  log.With(log.NewLogfmtLogger(os.Stderr), "component", "memcached"),
	}, strings.Fields(*memcachedIPs)...)
	defer mc.Stop()

	name := image.Name{Image: fmt.Sprintf("integration-%d", time.Now().UnixNano())}
	store := registry.NewStore(name, mc, log.NewLogfmtLogger(os.Stderr))
	ctx := context.Background()

	_, err := store.Pull(ctx, "v1")
	assert.True(t, registry.IsNotFound(err))

	_, err = store.Push(ctx, "v1", []byte("artifact"))
	require.NoError(t, err)
	bytes, err := store.Pull(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), bytes)

	tags, err := store.Tags(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"v1"}, tags)
}
