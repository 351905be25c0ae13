package mock

import (
	"context"
	"sync"

	"github.com/fluxcd/relay/pkg/image"
	"github.com/fluxcd/relay/pkg/registry"
	"github.com/fluxcd/relay/pkg/registry/cache"
)

// Registry wraps an in-memory registry, with hooks for making
// requests fail and a record of what was asked for.
type Registry struct {
	*registry.Memory

	PushErr     error
	PullErr     error
	DescribeErr error

	mu        sync.Mutex
	Described []string
}

func New(name image.Name) *Registry {
	return &Registry{Memory: registry.NewMemory(name)}
}

func (m *Registry) Push(ctx context.Context, tag string, artifact []byte) (image.Ref, error) {
	if m.PushErr != nil {
		return m.Name().ToRef(tag), m.PushErr
	}
	return m.Memory.Push(ctx, tag, artifact)
}

func (m *Registry) Pull(ctx context.Context, tag string) ([]byte, error) {
	if m.PullErr != nil {
		return nil, m.PullErr
	}
	return m.Memory.Pull(ctx, tag)
}

func (m *Registry) Describe(ctx context.Context, tag string) (image.Info, error) {
	m.mu.Lock()
	m.Described = append(m.Described, tag)
	m.mu.Unlock()
	if m.DescribeErr != nil {
		return image.Info{}, m.DescribeErr
	}
	return m.Memory.Describe(ctx, tag)
}

var _ registry.Registry = &Registry{}

// Cache is an in-memory cache.Client, for exercising the Store
// without a backend.
type Cache struct {
	mu     sync.Mutex
	values map[string][]byte
	Err    error
}

func (c *Cache) GetKey(k cache.Keyer) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return nil, c.Err
	}
	v, ok := c.values[k.Key()]
	if !ok {
		return nil, cache.ErrNotCached
	}
	return v, nil
}

func (c *Cache) SetKey(k cache.Keyer, v []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	if c.values == nil {
		c.values = map[string][]byte{}
	}
	c.values[k.Key()] = v
	return nil
}

var _ cache.Client = &Cache{}
