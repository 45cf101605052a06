// Package dispute records disagreements over an engagement's escrow.
//
// An open dispute holds the escrow: the auto-release sweep and employer
// approval both consult the Gate before moving funds. Opening a dispute moves
// a funded escrow to disputed; an administrator resolves it by releasing to
// the worker or refunding the employer.
package dispute

import (
	"context"
	"errors"
	"time"
)

var (
	ErrDisputeNotFound    = errors.New("dispute: not found")
	ErrDisputeAlreadyOpen = errors.New("dispute: engagement already has an open dispute")
	ErrDisputeNotOpen     = errors.New("dispute: not open")
	ErrForbidden          = errors.New("dispute: caller is not a party to the engagement")
)

// MaxReasonLength bounds the stored reason, in bytes.
const MaxReasonLength = 2000

// Status is the lifecycle state of a dispute.
type Status string

const (
	StatusOpen             Status = "open"
	StatusResolvedReleased Status = "resolved_released"
	StatusResolvedRefunded Status = "resolved_refunded"
)

// Outcome is an administrator's ruling.
type Outcome string

const (
	OutcomeRelease Outcome = "release"
	OutcomeRefund  Outcome = "refund"
)

func (o Outcome) status() Status {
	if o == OutcomeRelease {
		return StatusResolvedReleased
	}
	return StatusResolvedRefunded
}

// Dispute is one disagreement over an engagement.
type Dispute struct {
	ID           string     `json:"id"`
	EngagementID string     `json:"engagementId"`
	OpenedBy     string     `json:"openedBy"`
	Reason       string     `json:"reason"`
	Status       Status     `json:"status"`
	ResolvedBy   string     `json:"resolvedBy,omitempty"`
	ResolvedAt   *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

// IsOpen reports whether the dispute still holds the escrow.
func (d *Dispute) IsOpen() bool {
	return d.Status == StatusOpen
}

// Store persists disputes. Create must reject a second open dispute for the
// same engagement with ErrDisputeAlreadyOpen.
type Store interface {
	Create(ctx context.Context, d *Dispute) error
	Get(ctx context.Context, id string) (*Dispute, error)
	GetOpenByEngagement(ctx context.Context, engagementID string) (*Dispute, error)
	// Resolve closes an open dispute. It returns ErrDisputeNotOpen when the
	// dispute has already been resolved.
	Resolve(ctx context.Context, id string, status Status, resolvedBy string, at time.Time) error
	Delete(ctx context.Context, id string) error
}
