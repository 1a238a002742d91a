package kv

import (
	"context"
	"sync"
)

type MemStore struct {
	mu   sync.RWMutex
	rev  uint64
	data map[string]Entry
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]Entry{}}
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	entry, ok := m.data[key]
	if !ok {
		return entry, ErrNotFound
	}
	return entry, nil
}

func (m *MemStore) Put(_ context.Context, key string, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writeLocked(key, data), nil
}

func (m *MemStore) Create(_ context.Context, key string, data []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.data[key]; ok {
		return 0, ErrKeyExists
	}
	return m.writeLocked(key, data), nil
}

func (m *MemStore) Update(_ context.Context, key string, data []byte, revision uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[key]
	if !ok || cur.Revision != revision {
		return 0, ErrRevisionMismatch
	}
	return m.writeLocked(key, data), nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) writeLocked(key string, data []byte) uint64 {
	m.rev++
	buf := make([]byte, len(data))
	copy(buf, data)
	m.data[key] = Entry{Data: buf, Revision: m.rev}
	return m.rev
}

var _ Store = (*MemStore)(nil)
