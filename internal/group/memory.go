package group

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps groups in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	groups map[string]Group
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{groups: make(map[string]Group)}
}

func (m *MemoryStore) Insert(_ context.Context, g Group) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Events = nil
	m.groups[g.ID] = g
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Group, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.groups[id]
	if !ok {
		return Group{}, ErrNotFound
	}
	return g, nil
}

func (m *MemoryStore) List(_ context.Context) ([]Group, error) {
	m.mu.RLock()
	out := make([]Group, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.groups[id]; !ok {
		return ErrNotFound
	}
	delete(m.groups, id)
	return nil
}
