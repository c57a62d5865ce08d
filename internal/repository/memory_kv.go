package repository

import (
	"context"

	"github.com/patrickmn/go-cache"
)

// MemoryKV keeps values in process memory. Values never expire.
type MemoryKV struct {
	cache *cache.Cache
}

// NewMemoryKV creates an empty in-memory store
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{cache: cache.New(cache.NoExpiration, 0)}
}

// Get implements KV
func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, bool, error) {
	x, found := m.cache.Get(key)
	if !found {
		return nil, false, nil
	}
	return append([]byte(nil), x.([]byte)...), true, nil
}

// Set implements KV
func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.cache.Set(key, append([]byte(nil), value...), cache.NoExpiration)
	return nil
}

// Remove implements KV
func (m *MemoryKV) Remove(_ context.Context, key string) error {
	m.cache.Delete(key)
	return nil
}
