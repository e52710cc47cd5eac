package cache

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Backend is the key/value surface the cache-aside layer and the session
// store need: hashes for scalar snapshots, lists for relation ids, and plain
// strings. Absent keys are not errors: HGetAll and LRange return empty
// results and Get reports ok == false.
type Backend interface {
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	RPush(ctx context.Context, key string, values ...string) error
	LRange(ctx context.Context, key string) ([]string, error)
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Del(ctx context.Context, keys ...string) error
}

type entry struct {
	fields map[string]string
	list   []string
	value  string
}

// MemoryBackend is an in-process Backend. Every write resets the key's TTL.
type MemoryBackend struct {
	mu  sync.Mutex
	lru *expirable.LRU[string, entry]
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend holds at most size keys (0 means unbounded), each expiring
// ttl after its last write.
func NewMemoryBackend(size int, ttl time.Duration) *MemoryBackend {
	return &MemoryBackend{lru: expirable.NewLRU[string, entry](size, nil, ttl)}
}

func (m *MemoryBackend) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _ := m.lru.Get(key)
	merged := make(map[string]string, len(e.fields)+len(fields))
	maps.Copy(merged, e.fields)
	maps.Copy(merged, fields)
	m.lru.Add(key, entry{fields: merged})
	return nil
}

func (m *MemoryBackend) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		return map[string]string{}, nil
	}
	return maps.Clone(e.fields), nil
}

func (m *MemoryBackend) RPush(ctx context.Context, key string, values ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, _ := m.lru.Get(key)
	list := append(slices.Clone(e.list), values...)
	m.lru.Add(key, entry{list: list})
	return nil
}

func (m *MemoryBackend) LRange(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		return []string{}, nil
	}
	return slices.Clone(e.list), nil
}

func (m *MemoryBackend) Set(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.lru.Add(key, entry{value: value})
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lru.Get(key)
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Del(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, k := range keys {
		m.lru.Remove(k)
	}
	return nil
}
