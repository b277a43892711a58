package participant

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps participants in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	byID    map[string]Participant
	byEmail map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		byID:    make(map[string]Participant),
		byEmail: make(map[string]string),
	}
}

func (m *MemoryStore) Insert(_ context.Context, p Participant) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[p.Email]; ok {
		return ErrEmailTaken
	}
	m.byID[p.ID] = p
	m.byEmail[p.Email] = p.ID
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (Participant, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.byID[id]
	if !ok {
		return Participant{}, ErrNotFound
	}
	return p, nil
}

func (m *MemoryStore) GetByEmail(ctx context.Context, email string) (Participant, error) {
	m.mu.RLock()
	id, ok := m.byEmail[email]
	m.mu.RUnlock()
	if !ok {
		return Participant{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryStore) List(_ context.Context) ([]Participant, error) {
	m.mu.RLock()
	out := make([]Participant, 0, len(m.byID))
	for _, p := range m.byID {
		out = append(out, p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}
