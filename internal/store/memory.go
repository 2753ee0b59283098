package store

import (
	"context"
	"sync"

	"pushattest/internal/domain"
)

// MemoryStore holds the device key state in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	state *domain.DeviceKeyState
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (m *MemoryStore) Get(ctx context.Context) (*domain.DeviceKeyState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state == nil {
		return nil, nil
	}
	clone := m.state.Clone()
	return &clone, nil
}

func (m *MemoryStore) Set(ctx context.Context, state domain.DeviceKeyState) error {
	clone := state.Clone()
	m.mu.Lock()
	m.state = &clone
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.state = nil
	m.mu.Unlock()
	return nil
}
