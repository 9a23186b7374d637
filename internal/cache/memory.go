package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

const memoryCleanupInterval = 10 * time.Minute

// MemoryBackend is an in-process TTL cache backend. Useful for single-node
// deployments and tests; entries do not survive a restart.
type MemoryBackend struct {
	cache *gocache.Cache
}

func NewMemoryBackend(defaultTTL time.Duration) *MemoryBackend {
	return &MemoryBackend{
		cache: gocache.New(defaultTTL, memoryCleanupInterval),
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.cache.Get(key)
	if !ok {
		return nil, ErrMiss
	}
	return v.([]byte), nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.cache.Set(key, value, ttl)
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
