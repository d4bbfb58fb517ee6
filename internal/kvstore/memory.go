package kvstore

import (
	"context"
	"sort"
	"sync"
)

// Memory is an in-process Store. A positive QuotaBytes caps the sum of
// len(key)+len(value) over all entries.
type Memory struct {
	mu         sync.RWMutex
	items      map[string]string
	used       int64
	QuotaBytes int64
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]string)}
}

func NewMemoryWithQuota(quotaBytes int64) *Memory {
	m := NewMemory()
	m.QuotaBytes = quotaBytes
	return m
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	if err := ctxErr(ctx); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.items[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	delta := int64(len(key) + len(value))
	if old, ok := m.items[key]; ok {
		delta -= int64(len(key) + len(old))
	}
	if m.QuotaBytes > 0 && m.used+delta > m.QuotaBytes {
		return ErrQuotaExceeded
	}

	m.items[key] = value
	m.used += delta
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	if err := ctxErr(ctx); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if old, ok := m.items[key]; ok {
		m.used -= int64(len(key) + len(old))
		delete(m.items, key)
	}
	return nil
}

// Keys returns keys in lexical order.
func (m *Memory) Keys(ctx context.Context) ([]string, error) {
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]string, 0, len(m.items))
	for k := range m.items {
		out = append(out, k)
	}
	sort.Strings(out)
	return out, nil
}

// Len reports how many keys are stored.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
