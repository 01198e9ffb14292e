// Package usercache provides the bounded identity-lookup cache injected
// into the sync engine. Entries expire after a TTL and the memory backend
// evicts its oldest entry when full, so a long-lived bridge process cannot
// grow without bound.
package usercache

import (
	"container/list"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Cache stores JSON-serializable values under string keys.
type Cache interface {
	// Get unmarshals the cached value for key into dst and reports
	// whether a live entry was found.
	Get(ctx context.Context, key string, dst any) bool
	// Set stores val under key for the cache's TTL.
	Set(ctx context.Context, key string, val any)
}

// Memory is an in-process TTL cache with LRU eviction.
type Memory struct {
	ttl time.Duration
	max int
	now func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // front is most recently used
}

type memoryEntry struct {
	key       string
	data      []byte
	expiresAt time.Time
}

// NewMemory creates a memory cache holding at most max entries, each for
// at most ttl.
func NewMemory(ttl time.Duration, max int) *Memory {
	if max <= 0 {
		max = 1024
	}
	return &Memory{
		ttl:     ttl,
		max:     max,
		now:     time.Now,
		entries: make(map[string]*list.Element),
		order:   list.New(),
	}
}

// Get implements Cache.
func (m *Memory) Get(_ context.Context, key string, dst any) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	elem, ok := m.entries[key]
	if !ok {
		return false
	}
	entry := elem.Value.(*memoryEntry)
	if !m.now().Before(entry.expiresAt) {
		m.order.Remove(elem)
		delete(m.entries, key)
		return false
	}
	m.order.MoveToFront(elem)
	return json.Unmarshal(entry.data, dst) == nil
}

// Set implements Cache.
func (m *Memory) Set(_ context.Context, key string, val any) {
	data, err := json.Marshal(val)
	if err != nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if elem, ok := m.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.data = data
		entry.expiresAt = m.now().Add(m.ttl)
		m.order.MoveToFront(elem)
		return
	}

	for len(m.entries) >= m.max {
		oldest := m.order.Back()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*memoryEntry).key)
	}

	m.entries[key] = m.order.PushFront(&memoryEntry{
		key:       key,
		data:      data,
		expiresAt: m.now().Add(m.ttl),
	})
}

// Len reports the number of stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
