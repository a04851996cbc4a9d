package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	items map[string]string

	// ReadDelay, when set, is slept before every Get. Tests use it to widen
	// read-then-write windows.
	ReadDelay time.Duration
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func (m *Memory) Get(ctx context.Context, key string) (string, bool, error) {
	if m.ReadDelay > 0 {
		select {
		case <-ctx.Done():
			return "", false, ctx.Err()
		case <-time.After(m.ReadDelay):
		}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.items[key]
	return v, ok, nil
}

func (m *Memory) Put(_ context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key, value string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[key]; ok {
		return cur, false, nil
	}
	m.items[key] = value
	return value, true, nil
}

func (m *Memory) CompareAndSwap(_ context.Context, key, old, next string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.items[key]; !ok || cur != old {
		return false, nil
	}
	m.items[key] = next
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

// Keys lists stored keys with the given prefix, sorted.
func (m *Memory) Keys(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.items))
	for k := range m.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func (m *Memory) Close() error { return nil }
