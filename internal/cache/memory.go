package cache

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

const (
	defaultMaxEntries = 1000
	evictBatch        = 100
)

type entry struct {
	value   []byte
	expires time.Time
}

// Memory is an in-process map with expiry. When it holds more than
// maxEntries it sweeps expired entries and then evicts the entries closest
// to expiry.
type Memory struct {
	mu         sync.Mutex
	entries    map[string]entry
	maxEntries int
	now        func() time.Time
	counters
}

// NewMemory creates a Memory cache. maxEntries <= 0 uses 1000.
func NewMemory(maxEntries int) *Memory {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &Memory{
		entries:    make(map[string]entry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if ok && !m.now().Before(e.expires) {
		delete(m.entries, key)
		ok = false
	}
	m.record(ok)
	if !ok {
		return nil, false
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true
}

func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry{value: stored, expires: m.now().Add(ttl)}
	m.sets.Add(1)
	if len(m.entries) > m.maxEntries {
		m.evict()
	}
	return nil
}

// evict must be called with mu held.
func (m *Memory) evict() {
	now := m.now()
	for k, e := range m.entries {
		if !now.Before(e.expires) {
			delete(m.entries, k)
		}
	}
	if len(m.entries) <= m.maxEntries {
		return
	}

	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.entries[keys[i]].expires.Before(m.entries[keys[j]].expires)
	})
	for _, k := range keys[:min(evictBatch, len(keys))] {
		delete(m.entries, k)
	}
}

func (m *Memory) Clear(_ context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for k := range m.entries {
		if ok, _ := path.Match(pattern, k); ok {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

func (m *Memory) Stats(context.Context) Stats {
	m.mu.Lock()
	n := len(m.entries)
	m.mu.Unlock()
	return m.stats(BackendMemory, n)
}

func (m *Memory) Close() error { return nil }
