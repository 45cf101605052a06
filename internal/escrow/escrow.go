// Package escrow owns the payment-intent lifecycle for work engagements.
//
// Flow:
//  1. Employer initializes → provider transaction created, intent persisted (created → awaiting_callback)
//  2. Provider calls back → intent funded, failed or cancelled
//  3. Worker requests completion → completion_requested
//  4. Employer approves, or the grace period lapses with no open dispute → released
//  5. Either party disputes → disputed, resolved by an admin to released or refunded
//
// Every status change goes through the transition table and is committed with
// a single compare-and-swap on the stored status. There are no in-process
// locks: duplicate callbacks, replicated servers and overlapping sweeps are
// all linearized by the store.
package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/gigescrow/internal/notify"
)

var (
	ErrIntentNotFound         = errors.New("payment intent not found")
	ErrInvalidTransition      = errors.New("invalid escrow transition")
	ErrConcurrentModification = errors.New("escrow modified concurrently")
	ErrActiveIntent           = errors.New("engagement already has an active payment intent")
	ErrDuplicateReference     = errors.New("payment reference already exists")
	ErrUnknownReference       = errors.New("callback for unknown payment reference")
	ErrStoreUnavailable       = errors.New("escrow store unavailable")
	ErrForbidden              = errors.New("caller is not a party to this escrow")
	ErrEngagementNotFound     = errors.New("engagement not found")
	ErrDisputeOpen            = errors.New("engagement has an open dispute")
	ErrPayoutFailed           = errors.New("escrow committed but provider payout failed")
)

// Status is the lifecycle state of a payment intent.
type Status string

const (
	StatusCreated             Status = "created"
	StatusAwaitingCallback    Status = "awaiting_callback"
	StatusFunded              Status = "funded"
	StatusCompletionRequested Status = "completion_requested"
	StatusReleased            Status = "released"
	StatusFailed              Status = "failed"
	StatusCancelled           Status = "cancelled"
	StatusDisputed            Status = "disputed"
	StatusRefunded            Status = "refunded"
)

// Resolution records why an intent reached a terminal state.
const (
	ResolutionApproved          = "approved"
	ResolutionAutoReleased      = "auto_released"
	ResolutionDisputeRelease    = "dispute_release"
	ResolutionDisputeRefund     = "dispute_refund"
	ResolutionExpired           = "expired"
	ResolutionProviderFailed    = "provider_failed"
	ResolutionProviderCancelled = "provider_cancelled"
)

// PaymentIntent is one escrow funding attempt.
type PaymentIntent struct {
	Reference              string     `json:"reference"`
	EngagementID           string     `json:"engagementId"`
	PayerID                string     `json:"payerId"`
	PayeeID                string     `json:"payeeId"`
	PayerEmail             string     `json:"payerEmail"`
	Amount                 int64      `json:"amount"` // minor units
	Currency               string     `json:"currency"`
	Description            string     `json:"description,omitempty"`
	Provider               string     `json:"provider"`
	ProviderTransactionRef string     `json:"providerTransactionRef,omitempty"`
	RedirectURL            string     `json:"redirectUrl,omitempty"`
	Status                 Status     `json:"status"`
	Resolution             string     `json:"resolution,omitempty"`
	Version                int64      `json:"version"`
	CompletionRequestedAt  *time.Time `json:"completionRequestedAt,omitempty"`
	ResolvedAt             *time.Time `json:"resolvedAt,omitempty"`
	ExpiresAt              time.Time  `json:"expiresAt"`
	CreatedAt              time.Time  `json:"createdAt"`
	UpdatedAt              time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the intent can never change again.
func (p *PaymentIntent) IsTerminal() bool {
	return p.Status.IsTerminal()
}

// Expired reports whether an intent that never heard back from its provider
// has outlived its expiry. Funded intents never expire.
func (p *PaymentIntent) Expired(now time.Time) bool {
	if p.Status != StatusCreated && p.Status != StatusAwaitingCallback {
		return false
	}
	return !p.ExpiresAt.IsZero() && now.After(p.ExpiresAt)
}

// IsParty reports whether userID is the payer or payee.
func (p *PaymentIntent) IsParty(userID string) bool {
	return userID != "" && (userID == p.PayerID || userID == p.PayeeID)
}

// Store persists payment intents.
//
// CompareAndSwap is the only mutation: it writes intent if and only if the
// stored status still equals expected, atomically, and returns
// ErrConcurrentModification otherwise.
type Store interface {
	Create(ctx context.Context, intent *PaymentIntent) error
	Get(ctx context.Context, reference string) (*PaymentIntent, error)
	GetActiveByEngagement(ctx context.Context, engagementID string) (*PaymentIntent, error)
	CompareAndSwap(ctx context.Context, intent *PaymentIntent, expected Status) error
	ListReleasable(ctx context.Context, cutoff time.Time, limit int) ([]*PaymentIntent, error)
	CountReleasable(ctx context.Context, cutoff time.Time) (int, error)
	ListByEngagement(ctx context.Context, engagementID string, limit int) ([]*PaymentIntent, error)
}

// Parties are the two sides of an engagement.
type Parties struct {
	EmployerID string
	WorkerID   string
}

// Engagements is the narrow view of the engagement collaborator the engine
// needs. The engine reads parties and mirrors escrow status onto the
// engagement; it never owns engagement records.
type Engagements interface {
	Parties(ctx context.Context, engagementID string) (*Parties, error) // ErrEngagementNotFound if absent
	SetEscrowStatus(ctx context.Context, engagementID string, status Status, completionRequestedAt *time.Time) error
}

// DisputeGate reports whether an engagement has an open dispute.
// Implementations must read current state on every call.
type DisputeGate interface {
	IsBlocked(ctx context.Context, engagementID string) (bool, error)
}

// Notifier receives domain events. It must not block or fail the caller.
type Notifier interface {
	Notify(ctx context.Context, ev notify.Event)
}
