package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/gigescrow/internal/security"
)

var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// Signature headers sent with every webhook delivery.
const (
	HeaderEvent     = "X-Gigescrow-Event"
	HeaderTimestamp = "X-Gigescrow-Timestamp"
	HeaderSignature = "X-Gigescrow-Signature"
)

// MaxConsecutiveFailures deactivates a subscription that keeps failing.
const MaxConsecutiveFailures = 10

// Subscription is a user's registered webhook endpoint.
type Subscription struct {
	ID                  string     `json:"id"`
	OwnerID             string     `json:"ownerId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"` // HMAC key
	Kinds               []Kind     `json:"kinds"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription is active and covers kind.
func (s *Subscription) Wants(kind Kind) bool {
	if !s.Active {
		return false
	}
	for _, k := range s.Kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// SubscriptionStore persists webhook subscriptions.
type SubscriptionStore interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// WebhookSink POSTs events to the subscriptions of the event's recipient
// and actor, signing each body with the subscription secret.
type WebhookSink struct {
	store        SubscriptionStore
	client       *http.Client
	urlValidator func(context.Context, string) error
}

// NewWebhookSink creates a webhook sink.
func NewWebhookSink(store SubscriptionStore) *WebhookSink {
	return &WebhookSink{
		store:        store,
		client:       &http.Client{Timeout: 10 * time.Second},
		urlValidator: security.ResolveAndCheck,
	}
}

func (w *WebhookSink) Name() string { return "webhook" }

// Deliver sends ev to every interested subscription. It returns the first
// failure after attempting all of them.
func (w *WebhookSink) Deliver(ctx context.Context, ev Event) error {
	seen := make(map[string]bool, 2)
	var firstErr error
	for _, owner := range []string{ev.RecipientID, ev.ActorID} {
		if owner == "" || seen[owner] {
			continue
		}
		seen[owner] = true

		subs, err := w.store.ListByOwner(ctx, owner)
		if err != nil {
			return fmt.Errorf("list subscriptions: %w", err)
		}
		for _, sub := range subs {
			if !sub.Wants(ev.Kind) {
				continue
			}
			if err := w.send(ctx, sub, ev); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func (w *WebhookSink) send(ctx context.Context, sub *Subscription, ev Event) error {
	if err := w.urlValidator(ctx, sub.URL); err != nil {
		w.recordFailure(ctx, sub, "blocked url")
		return err
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		w.recordFailure(ctx, sub, "failed to create request")
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Kind))
	req.Header.Set(HeaderTimestamp, strconv.FormatInt(ev.Timestamp.Unix(), 10))
	if sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, sub.Secret))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		w.recordFailure(ctx, sub, fmt.Sprintf("request failed: %v", err))
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		w.recordFailure(ctx, sub, msg)
		return fmt.Errorf("webhook %s: %s", sub.ID, msg)
	}

	now := time.Now()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	_ = w.store.Update(ctx, sub)
	return nil
}

func (w *WebhookSink) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= MaxConsecutiveFailures {
		sub.Active = false
	}
	_ = w.store.Update(ctx, sub)
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// MemorySubscriptionStore is an in-memory subscription store for development and tests.
type MemorySubscriptionStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemorySubscriptionStore creates an empty store.
func NewMemorySubscriptionStore() *MemorySubscriptionStore {
	return &MemorySubscriptionStore{subs: make(map[string]*Subscription)}
}

func (m *MemorySubscriptionStore) Create(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemorySubscriptionStore) Get(ctx context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subs[id]
	if !ok {
		return nil, ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemorySubscriptionStore) ListByOwner(ctx context.Context, ownerID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.OwnerID == ownerID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (m *MemorySubscriptionStore) Update(ctx context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrSubscriptionNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemorySubscriptionStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrSubscriptionNotFound
	}
	delete(m.subs, id)
	return nil
}
