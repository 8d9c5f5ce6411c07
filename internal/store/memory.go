package store

import (
	"context"
	"strings"
	"sync"
)

// Memory is an in-process KV. Views created with Namespace share the same
// underlying map.
type Memory struct {
	data   *memoryData
	prefix string
}

type memoryData struct {
	mu     sync.RWMutex
	values map[string]string
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{data: &memoryData{values: make(map[string]string)}}
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	v, ok := m.data.values[m.prefix+key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.data.mu.Lock()
	m.data.values[m.prefix+key] = value
	m.data.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.data.mu.Lock()
	delete(m.data.values, m.prefix+key)
	m.data.mu.Unlock()
	return nil
}

func (m *Memory) Clear(_ context.Context) error {
	m.data.mu.Lock()
	defer m.data.mu.Unlock()
	for k := range m.data.values {
		if strings.HasPrefix(k, m.prefix) {
			delete(m.data.values, k)
		}
	}
	return nil
}

// Len returns the number of keys visible through this view.
func (m *Memory) Len() int {
	m.data.mu.RLock()
	defer m.data.mu.RUnlock()
	n := 0
	for k := range m.data.values {
		if strings.HasPrefix(k, m.prefix) {
			n++
		}
	}
	return n
}

func (m *Memory) namespace(prefix string) KV {
	return &Memory{data: m.data, prefix: m.prefix + prefix}
}
