package store

import (
	"context"
	"strings"
	"sync"
)

type memItem struct {
	value   []byte
	version int64
}

// Memory is an in-process Store. Transactions are optimistic like the
// networked backends: the update function runs outside the lock and the
// write is rejected if the key's version moved meanwhile. Versions come from
// one store-wide counter, so a deleted and recreated key never reuses one.
type Memory struct {
	mu    sync.RWMutex
	items map[string]memItem
	seq   int64
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memItem)}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if _, _, err := SplitKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.items[key]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBytes(it.value), nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if _, _, err := SplitKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.items[key] = memItem{value: cloneBytes(value), version: m.seq}
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

func (m *Memory) Transact(ctx context.Context, key string, fn UpdateFunc) ([]byte, error) {
	if _, _, err := SplitKey(key); err != nil {
		return nil, err
	}
	return withRetry(ctx, func() ([]byte, error) {
		m.mu.RLock()
		it, exists := m.items[key]
		m.mu.RUnlock()

		var cur []byte
		if exists {
			cur = cloneBytes(it.value)
		}
		next, err := fn(cur)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}

		m.mu.Lock()
		defer m.mu.Unlock()
		now, stillExists := m.items[key]
		if stillExists != exists || now.version != it.version {
			return nil, errVersionMiss
		}
		m.seq++
		m.items[key] = memItem{value: cloneBytes(next), version: m.seq}
		return cloneBytes(next), nil
	})
}

func (m *Memory) List(_ context.Context, collection string) ([]Entry, error) {
	prefix := collection + "/"
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Entry, 0)
	for k, it := range m.items {
		if strings.HasPrefix(k, prefix) {
			out = append(out, Entry{Key: k, Value: cloneBytes(it.value)})
		}
	}
	return out, nil
}

func (m *Memory) QueryByField(ctx context.Context, collection, field string, limit int, desc bool) ([]Entry, error) {
	all, err := m.List(ctx, collection)
	if err != nil {
		return nil, err
	}
	return sortByField(all, field, limit, desc), nil
}

func (m *Memory) Close() error { return nil }

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}
