package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory. It is the default for single
// instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string][]Entry
}

var _ Store = &MemoryStore{}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: map[string][]Entry{}}
}

func memoryKey(key string, cat Category) string {
	return string(cat) + "|" + key
}

func (m *MemoryStore) Prune(_ context.Context, key string, cat Category, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(key, cat)
	kept := m.entries[k][:0]
	for _, e := range m.entries[k] {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		delete(m.entries, k)
		return nil
	}
	m.entries[k] = kept
	return nil
}

func (m *MemoryStore) Count(_ context.Context, key string, cat Category, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries[memoryKey(key, cat)] {
		if !e.Timestamp.Before(since) {
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) Oldest(_ context.Context, key string, cat Category, since time.Time) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var oldest time.Time
	found := false
	for _, e := range m.entries[memoryKey(key, cat)] {
		if e.Timestamp.Before(since) {
			continue
		}
		if !found || e.Timestamp.Before(oldest) {
			oldest = e.Timestamp
			found = true
		}
	}
	return oldest, found, nil
}

func (m *MemoryStore) Record(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := memoryKey(e.Key, e.Category)
	m.entries[k] = append(m.entries[k], e)
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var removed int64
	for k, list := range m.entries {
		kept := list[:0]
		for _, e := range list {
			if e.ExpiresAt.Before(now) {
				removed++
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(m.entries, k)
		} else {
			m.entries[k] = kept
		}
	}
	return removed, nil
}

func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, list := range m.entries {
		n += len(list)
	}
	return n
}

func (m *MemoryStore) Close() error { return nil }
