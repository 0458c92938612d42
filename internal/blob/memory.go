package blob

import (
	"bytes"
	"context"
	"io"
	"sync"

	"github.com/rotisserie/eris"
)

// Memory is an in-process Store for tests and single-shot CLI runs.
type Memory struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{objects: make(map[string][]byte)}
}

func (m *Memory) Put(_ context.Context, key string, data []byte, _ string) error {
	if err := validKey(key); err != nil {
		return err
	}
	cp := make([]byte, len(data))
	copy(cp, data)

	m.mu.Lock()
	m.objects[key] = cp
	m.mu.Unlock()
	return nil
}

func (m *Memory) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return nil, eris.Wrapf(ErrNotFound, "blob: open %s", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *Memory) Stat(_ context.Context, key string) (int64, error) {
	m.mu.RLock()
	data, ok := m.objects[key]
	m.mu.RUnlock()
	if !ok {
		return 0, eris.Wrapf(ErrNotFound, "blob: stat %s", key)
	}
	return int64(len(data)), nil
}

// Delete removes key. Used by tests to simulate lost content.
func (m *Memory) Delete(key string) {
	m.mu.Lock()
	delete(m.objects, key)
	m.mu.Unlock()
}

// Len reports the number of stored objects.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}
