package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory intent store for development mode and tests.
// The mutex makes each call atomic the way a single SQL statement is; it is
// never held across anything but map access.
type MemoryStore struct {
	intents map[string]*PaymentIntent
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory intent store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents: make(map[string]*PaymentIntent),
	}
}

func clonePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func clone(p *PaymentIntent) *PaymentIntent {
	cp := *p
	cp.CompletionRequestedAt = clonePtr(p.CompletionRequestedAt)
	cp.ResolvedAt = clonePtr(p.ResolvedAt)
	return &cp
}

func isLive(s Status) bool {
	for _, l := range liveStatuses {
		if s == l {
			return true
		}
	}
	return false
}

func (m *MemoryStore) Create(ctx context.Context, intent *PaymentIntent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.intents[intent.Reference]; ok {
		return ErrDuplicateReference
	}
	if isLive(intent.Status) {
		for _, p := range m.intents {
			if p.EngagementID == intent.EngagementID && isLive(p.Status) {
				return ErrActiveIntent
			}
		}
	}
	m.intents[intent.Reference] = clone(intent)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, reference string) (*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.intents[reference]
	if !ok {
		return nil, ErrIntentNotFound
	}
	return clone(p), nil
}

func (m *MemoryStore) GetActiveByEngagement(ctx context.Context, engagementID string) (*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, p := range m.intents {
		if p.EngagementID == engagementID && isLive(p.Status) {
			return clone(p), nil
		}
	}
	return nil, ErrIntentNotFound
}

func (m *MemoryStore) CompareAndSwap(ctx context.Context, intent *PaymentIntent, expected Status) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, ok := m.intents[intent.Reference]
	if !ok {
		return ErrIntentNotFound
	}
	if cur.Status != expected {
		return ErrConcurrentModification
	}
	m.intents[intent.Reference] = clone(intent)
	return nil
}

func (m *MemoryStore) releasable(cutoff time.Time) []*PaymentIntent {
	var out []*PaymentIntent
	for _, p := range m.intents {
		if p.Status == StatusCompletionRequested && p.CompletionRequestedAt != nil && p.CompletionRequestedAt.Before(cutoff) {
			out = append(out, p)
		}
	}
	return out
}

func (m *MemoryStore) ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	due := m.releasable(cutoff)
	sort.Slice(due, func(i, j int) bool {
		return due[i].CompletionRequestedAt.Before(*due[j].CompletionRequestedAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	result := make([]*PaymentIntent, len(due))
	for i, p := range due {
		result[i] = clone(p)
	}
	return result, nil
}

func (m *MemoryStore) CountReleasable(ctx context.Context, cutoff time.Time) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.releasable(cutoff)), nil
}

func (m *MemoryStore) ListByEngagement(ctx context.Context, engagementID string, limit int) ([]*PaymentIntent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*PaymentIntent
	for _, p := range m.intents {
		if p.EngagementID == engagementID {
			result = append(result, clone(p))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
