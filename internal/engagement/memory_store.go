package engagement

import (
	"context"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/escrow"
)

// MemoryStore is an in-memory engagement store for development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	engagements map[string]*Engagement
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{engagements: make(map[string]*Engagement)}
}

func (m *MemoryStore) Create(_ context.Context, e *Engagement) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *e
	m.engagements[e.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Engagement, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.engagements[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	if e.CompletionRequestedAt != nil {
		t := *e.CompletionRequestedAt
		cp.CompletionRequestedAt = &t
	}
	return &cp, nil
}

func (m *MemoryStore) SetEscrowStatus(_ context.Context, id string, status escrow.Status, completionRequestedAt *time.Time, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.engagements[id]
	if !ok {
		return ErrNotFound
	}
	e.EscrowStatus = status
	if completionRequestedAt != nil {
		t := *completionRequestedAt
		e.CompletionRequestedAt = &t
	}
	e.UpdatedAt = at
	return nil
}

var _ Store = (*MemoryStore)(nil)
