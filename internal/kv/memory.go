package kv

import (
	"context"
	"sync"
)

const defaultMaxValueBytes = 4 << 20

// Memory is an in-process Store. A single Memory instance shared by several
// engine instances stands in for browser storage shared across tabs: every
// write is fanned out to all watchers regardless of which handle wrote it.
type Memory struct {
	mu       sync.RWMutex
	values   map[string][]byte
	subs     map[string]map[int]chan []byte
	next     int
	maxBytes int
}

// MemoryOption configures Memory.
type MemoryOption func(*Memory)

// WithMaxValueBytes caps the size of a single stored value. Oversized writes
// fail with ErrPayloadTooLarge, mirroring storage quota failures.
func WithMaxValueBytes(n int) MemoryOption {
	return func(m *Memory) {
		if n > 0 {
			m.maxBytes = n
		}
	}
}

// NewMemory initialises an empty in-process store.
func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		values:   make(map[string][]byte),
		subs:     make(map[string]map[int]chan []byte),
		maxBytes: defaultMaxValueBytes,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	value, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

func (m *Memory) Put(ctx context.Context, key string, value []byte) error {
	if len(value) > m.maxBytes {
		return ErrPayloadTooLarge
	}
	stored := make([]byte, len(value))
	copy(stored, value)

	m.mu.Lock()
	m.values[key] = stored
	m.mu.Unlock()

	m.notify(key, stored)
	return nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	_, existed := m.values[key]
	delete(m.values, key)
	m.mu.Unlock()

	if existed {
		m.notify(key, nil)
	}
	return nil
}

func (m *Memory) Watch(ctx context.Context, key string) <-chan []byte {
	ch := make(chan []byte, 16)

	m.mu.Lock()
	id := m.next
	m.next++
	if m.subs[key] == nil {
		m.subs[key] = make(map[int]chan []byte)
	}
	m.subs[key][id] = ch
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		delete(m.subs[key], id)
		close(ch)
		m.mu.Unlock()
	}()

	return ch
}

func (m *Memory) notify(key string, value []byte) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.subs[key] {
		select {
		case ch <- value:
		default:
			// Drop when the watcher is slow to avoid blocking writers.
		}
	}
}
