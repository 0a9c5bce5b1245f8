package session

import (
	"context"
	"encoding/json"
	"sync"
)

type memoryStore struct {
	mu   sync.RWMutex
	data map[int64]*Envelope
}

// NewMemoryStore returns an in-process session backend.
func NewMemoryStore() Store {
	return &memoryStore{data: make(map[int64]*Envelope)}
}

func (m *memoryStore) Load(ctx context.Context, userID int64) (*Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	env, ok := m.data[userID]
	if !ok {
		return nil, nil
	}
	cp := Envelope{Route: env.Route, Payload: append(json.RawMessage(nil), env.Payload...)}
	return &cp, nil
}

func (m *memoryStore) Save(ctx context.Context, userID int64, env *Envelope) error {
	cp := Envelope{Route: env.Route, Payload: append(json.RawMessage(nil), env.Payload...)}
	m.mu.Lock()
	m.data[userID] = &cp
	m.mu.Unlock()
	return nil
}

func (m *memoryStore) Delete(ctx context.Context, userID int64) error {
	m.mu.Lock()
	delete(m.data, userID)
	m.mu.Unlock()
	return nil
}
