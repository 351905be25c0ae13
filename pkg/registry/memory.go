package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fluxcd/relay/pkg/image"
)

type memoryEntry struct {
	info     image.Info
	artifact []byte
}

// Memory is a registry that keeps artifacts in process memory. It
// is what relayd uses when no registry backend is configured, and in
// tests.
type Memory struct {
	name    image.Name
	now     func() time.Time
	mu      sync.RWMutex
	entries map[string]memoryEntry
}

var _ Registry = &Memory{}

func NewMemory(name image.Name) *Memory {
	return &Memory{
		name:    name,
		now:     time.Now,
		entries: map[string]memoryEntry{},
	}
}

func (m *Memory) Name() image.Name {
	return m.name
}

func (m *Memory) Push(ctx context.Context, tag string, artifact []byte) (image.Ref, error) {
	ref := m.name.ToRef(tag)
	if err := image.ValidateTag(tag); err != nil {
		return ref, err
	}
	stored := make([]byte, len(artifact))
	copy(stored, artifact)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[tag] = memoryEntry{
		info:     image.NewInfo(ref, stored, m.now()),
		artifact: stored,
	}
	return ref, nil
}

func (m *Memory) Pull(ctx context.Context, tag string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[tag]
	if !ok {
		return nil, notFound(m.name.ToRef(tag))
	}
	out := make([]byte, len(entry.artifact))
	copy(out, entry.artifact)
	return out, nil
}

func (m *Memory) Describe(ctx context.Context, tag string) (image.Info, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.entries[tag]
	if !ok {
		return image.Info{}, notFound(m.name.ToRef(tag))
	}
	return entry.info, nil
}

func (m *Memory) Tags(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tags := make([]string, 0, len(m.entries))
	for t := range m.entries {
		tags = append(tags, t)
	}
	return SortTags(tags), nil
}
