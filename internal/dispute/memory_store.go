package dispute

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory dispute store for development and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	disputes map[string]*Dispute
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{disputes: make(map[string]*Dispute)}
}

func (m *MemoryStore) Create(_ context.Context, d *Dispute) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if d.IsOpen() {
		for _, existing := range m.disputes {
			if existing.EngagementID == d.EngagementID && existing.IsOpen() {
				return ErrDisputeAlreadyOpen
			}
		}
	}
	cp := *d
	m.disputes[d.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.disputes[id]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryStore) GetOpenByEngagement(_ context.Context, engagementID string) (*Dispute, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.disputes {
		if d.EngagementID == engagementID && d.IsOpen() {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrDisputeNotFound
}

func (m *MemoryStore) Resolve(_ context.Context, id string, status Status, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.disputes[id]
	if !ok {
		return ErrDisputeNotFound
	}
	if !d.IsOpen() {
		return ErrDisputeNotOpen
	}
	d.Status = status
	d.ResolvedBy = resolvedBy
	d.ResolvedAt = &at
	d.UpdatedAt = at
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.disputes[id]; !ok {
		return ErrDisputeNotFound
	}
	delete(m.disputes, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
